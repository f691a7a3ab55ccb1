package storage

import (
	"sync"
	"time"

	"github.com/tiendabot/tiendabot-backend/internal/models"
)

type sessionKey struct {
	tenantID       string
	conversationID string
}

// MemoryStore keeps everything in process memory. Used by tests and local
// development; selected in main via config.
type MemoryStore struct {
	tenants  map[string]*models.Tenant
	products map[string]map[string]*models.Product // tenantID -> productID
	sessions map[sessionKey]*models.ConversationSession
	orders   map[string]*models.Order

	tenantMu  sync.RWMutex
	productMu sync.Mutex
	sessionMu sync.Mutex
	orderMu   sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:  make(map[string]*models.Tenant),
		products: make(map[string]map[string]*models.Product),
		sessions: make(map[sessionKey]*models.ConversationSession),
		orders:   make(map[string]*models.Order),
	}
}

// Tenant operations

func (m *MemoryStore) CreateTenant(tenant *models.Tenant) error {
	m.tenantMu.Lock()
	defer m.tenantMu.Unlock()

	now := time.Now()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now
	copied := *tenant
	m.tenants[tenant.ID] = &copied
	return nil
}

func (m *MemoryStore) GetTenant(id string) (*models.Tenant, error) {
	m.tenantMu.RLock()
	defer m.tenantMu.RUnlock()

	tenant, exists := m.tenants[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *tenant
	return &copied, nil
}

func (m *MemoryStore) GetTenantBySlug(slug string) (*models.Tenant, error) {
	m.tenantMu.RLock()
	defer m.tenantMu.RUnlock()

	for _, tenant := range m.tenants {
		if tenant.Slug == slug {
			copied := *tenant
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetTenantByChannel(whatsappNumber string) (*models.Tenant, error) {
	m.tenantMu.RLock()
	defer m.tenantMu.RUnlock()

	for _, tenant := range m.tenants {
		if tenant.WhatsAppNumber == whatsappNumber {
			copied := *tenant
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) RenameTenantSlug(id, newSlug string) error {
	m.tenantMu.Lock()
	defer m.tenantMu.Unlock()

	tenant, exists := m.tenants[id]
	if !exists {
		return ErrNotFound
	}
	tenant.Slug = newSlug
	tenant.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateTenant(tenant *models.Tenant) error {
	m.tenantMu.Lock()
	defer m.tenantMu.Unlock()

	if _, exists := m.tenants[tenant.ID]; !exists {
		return ErrNotFound
	}
	tenant.UpdatedAt = time.Now()
	copied := *tenant
	m.tenants[tenant.ID] = &copied
	return nil
}

// Product operations

func (m *MemoryStore) CreateProduct(product *models.Product) error {
	m.productMu.Lock()
	defer m.productMu.Unlock()

	now := time.Now()
	product.CreatedAt = now
	product.UpdatedAt = now

	byTenant, exists := m.products[product.TenantID]
	if !exists {
		byTenant = make(map[string]*models.Product)
		m.products[product.TenantID] = byTenant
	}
	copied := *product
	byTenant[product.ID] = &copied
	return nil
}

func (m *MemoryStore) GetProduct(tenantID, productID string) (*models.Product, error) {
	m.productMu.Lock()
	defer m.productMu.Unlock()

	product, exists := m.products[tenantID][productID]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *product
	return &copied, nil
}

func (m *MemoryStore) GetActiveProducts(tenantID string) ([]*models.Product, error) {
	m.productMu.Lock()
	defer m.productMu.Unlock()

	var products []*models.Product
	for _, product := range m.products[tenantID] {
		if product.Active {
			copied := *product
			products = append(products, &copied)
		}
	}
	return products, nil
}

func (m *MemoryStore) UpdateProduct(product *models.Product) error {
	m.productMu.Lock()
	defer m.productMu.Unlock()

	if _, exists := m.products[product.TenantID][product.ID]; !exists {
		return ErrNotFound
	}
	product.UpdatedAt = time.Now()
	copied := *product
	m.products[product.TenantID][product.ID] = &copied
	return nil
}

func (m *MemoryStore) DecrementStockIfAvailable(tenantID, productID string, qty int) (int, bool, error) {
	m.productMu.Lock()
	defer m.productMu.Unlock()

	product, exists := m.products[tenantID][productID]
	if !exists {
		return 0, false, ErrNotFound
	}
	if product.Stock < qty {
		return product.Stock, false, nil
	}
	product.Stock -= qty
	product.UpdatedAt = time.Now()
	return product.Stock, true, nil
}

func (m *MemoryStore) RestoreStock(tenantID, productID string, qty int) error {
	m.productMu.Lock()
	defer m.productMu.Unlock()

	product, exists := m.products[tenantID][productID]
	if !exists {
		return ErrNotFound
	}
	product.Stock += qty
	if product.Stock > 0 {
		// undo the unavailable mark a sell-out applied
		product.Active = true
	}
	product.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkProductUnavailable(tenantID, productID string) error {
	m.productMu.Lock()
	defer m.productMu.Unlock()

	product, exists := m.products[tenantID][productID]
	if !exists {
		return ErrNotFound
	}
	product.Active = false
	product.UpdatedAt = time.Now()
	return nil
}

// Session operations

func (m *MemoryStore) GetSession(tenantID, conversationID string) (*models.ConversationSession, error) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	session, exists := m.sessions[sessionKey{tenantID, conversationID}]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (m *MemoryStore) CreateSession(session *models.ConversationSession) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	key := sessionKey{session.TenantID, session.ConversationID}
	if _, exists := m.sessions[key]; exists {
		return ErrSessionExists
	}
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now
	copied := *session
	m.sessions[key] = &copied
	return nil
}

func (m *MemoryStore) UpdateSession(session *models.ConversationSession) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	key := sessionKey{session.TenantID, session.ConversationID}
	if _, exists := m.sessions[key]; !exists {
		return ErrNotFound
	}
	session.UpdatedAt = time.Now()
	copied := *session
	m.sessions[key] = &copied
	return nil
}

func (m *MemoryStore) ListActiveSessions() ([]*models.ConversationSession, error) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	var sessions []*models.ConversationSession
	for _, session := range m.sessions {
		if session.Active {
			copied := *session
			sessions = append(sessions, &copied)
		}
	}
	return sessions, nil
}

// Order operations

func (m *MemoryStore) CreateOrder(order *models.Order) error {
	m.orderMu.Lock()
	defer m.orderMu.Unlock()

	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now
	copied := *order
	copied.Lines = append([]models.OrderLine(nil), order.Lines...)
	m.orders[order.ID] = &copied
	return nil
}

func (m *MemoryStore) GetOrder(tenantID, orderID string) (*models.Order, error) {
	m.orderMu.Lock()
	defer m.orderMu.Unlock()

	order, exists := m.orders[orderID]
	if !exists || order.TenantID != tenantID {
		return nil, ErrNotFound
	}
	copied := *order
	copied.Lines = append([]models.OrderLine(nil), order.Lines...)
	return &copied, nil
}

func (m *MemoryStore) GetOrderByPaymentReference(reference string) (*models.Order, error) {
	// orders awaiting the followup retry have no reference yet; an empty
	// reference must never match them
	if reference == "" {
		return nil, ErrNotFound
	}

	m.orderMu.Lock()
	defer m.orderMu.Unlock()

	for _, order := range m.orders {
		if order.PaymentReference == reference {
			copied := *order
			copied.Lines = append([]models.OrderLine(nil), order.Lines...)
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) SetPaymentReference(tenantID, orderID, reference string) error {
	m.orderMu.Lock()
	defer m.orderMu.Unlock()

	order, exists := m.orders[orderID]
	if !exists || order.TenantID != tenantID {
		return ErrNotFound
	}
	order.PaymentReference = reference
	order.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkOrderPaid(tenantID, orderID string) (bool, error) {
	m.orderMu.Lock()
	defer m.orderMu.Unlock()

	order, exists := m.orders[orderID]
	if !exists || order.TenantID != tenantID {
		return false, ErrNotFound
	}
	if order.Status != models.OrderStatusPendingPayment {
		return false, nil
	}
	now := time.Now()
	order.Status = models.OrderStatusPaid
	order.PaidAt = &now
	order.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) CancelOrderIfPending(tenantID, orderID string) (bool, error) {
	m.orderMu.Lock()
	defer m.orderMu.Unlock()

	order, exists := m.orders[orderID]
	if !exists || order.TenantID != tenantID {
		return false, ErrNotFound
	}
	if order.Status != models.OrderStatusPendingPayment {
		return false, nil
	}
	now := time.Now()
	order.Status = models.OrderStatusCancelled
	order.CancelledAt = &now
	order.UpdatedAt = now
	return true, nil
}
