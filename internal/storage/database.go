package storage

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tiendabot/tiendabot-backend/internal/models"
)

// DatabaseStore backs the Store interface with PostgreSQL through GORM.
// Conditional operations (stock decrements, order status transitions) are
// expressed as guarded UPDATEs and checked via RowsAffected so concurrent
// writers never lose updates.
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore creates a store backed by the given GORM connection.
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

func translateErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Tenant operations

func (d *DatabaseStore) CreateTenant(tenant *models.Tenant) error {
	return d.db.Create(tenant).Error
}

func (d *DatabaseStore) GetTenant(id string) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := d.db.Where("id = ?", id).First(&tenant).Error; err != nil {
		return nil, translateErr(err)
	}
	return &tenant, nil
}

func (d *DatabaseStore) GetTenantBySlug(slug string) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := d.db.Where("slug = ?", slug).First(&tenant).Error; err != nil {
		return nil, translateErr(err)
	}
	return &tenant, nil
}

func (d *DatabaseStore) GetTenantByChannel(whatsappNumber string) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := d.db.Where("whats_app_number = ?", whatsappNumber).First(&tenant).Error; err != nil {
		return nil, translateErr(err)
	}
	return &tenant, nil
}

func (d *DatabaseStore) RenameTenantSlug(id, newSlug string) error {
	result := d.db.Model(&models.Tenant{}).Where("id = ?", id).Update("slug", newSlug)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DatabaseStore) UpdateTenant(tenant *models.Tenant) error {
	return d.db.Save(tenant).Error
}

// Product operations

func (d *DatabaseStore) CreateProduct(product *models.Product) error {
	return d.db.Create(product).Error
}

func (d *DatabaseStore) GetProduct(tenantID, productID string) (*models.Product, error) {
	var product models.Product
	err := d.db.Where("tenant_id = ? AND id = ?", tenantID, productID).First(&product).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &product, nil
}

func (d *DatabaseStore) GetActiveProducts(tenantID string) ([]*models.Product, error) {
	var products []*models.Product
	err := d.db.Where("tenant_id = ? AND active = ?", tenantID, true).
		Order("name").Find(&products).Error
	if err != nil {
		return nil, err
	}
	return products, nil
}

func (d *DatabaseStore) UpdateProduct(product *models.Product) error {
	return d.db.Save(product).Error
}

func (d *DatabaseStore) DecrementStockIfAvailable(tenantID, productID string, qty int) (int, bool, error) {
	// decrement-if-available at the storage layer, not read-then-write
	result := d.db.Model(&models.Product{}).
		Where("tenant_id = ? AND id = ? AND stock >= ?", tenantID, productID, qty).
		Update("stock", gorm.Expr("stock - ?", qty))
	if result.Error != nil {
		return 0, false, result.Error
	}

	product, err := d.GetProduct(tenantID, productID)
	if err != nil {
		return 0, false, err
	}
	return product.Stock, result.RowsAffected > 0, nil
}

func (d *DatabaseStore) RestoreStock(tenantID, productID string, qty int) error {
	result := d.db.Model(&models.Product{}).
		Where("tenant_id = ? AND id = ?", tenantID, productID).
		Updates(map[string]interface{}{
			"stock": gorm.Expr("stock + ?", qty),
			// undo the unavailable mark a sell-out applied
			"active": true,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DatabaseStore) MarkProductUnavailable(tenantID, productID string) error {
	result := d.db.Model(&models.Product{}).
		Where("tenant_id = ? AND id = ?", tenantID, productID).
		Update("active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Session operations

func (d *DatabaseStore) GetSession(tenantID, conversationID string) (*models.ConversationSession, error) {
	var session models.ConversationSession
	err := d.db.Where("tenant_id = ? AND conversation_id = ?", tenantID, conversationID).
		First(&session).Error
	if err != nil {
		return nil, translateErr(err)
	}
	if err := session.DecodeDraft(); err != nil {
		return nil, err
	}
	return &session, nil
}

func (d *DatabaseStore) CreateSession(session *models.ConversationSession) error {
	if err := session.EncodeDraft(); err != nil {
		return err
	}
	err := d.db.Create(session).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrSessionExists
	}
	return err
}

func (d *DatabaseStore) UpdateSession(session *models.ConversationSession) error {
	if err := session.EncodeDraft(); err != nil {
		return err
	}
	return d.db.Model(&models.ConversationSession{}).
		Where("tenant_id = ? AND conversation_id = ?", session.TenantID, session.ConversationID).
		Updates(map[string]interface{}{
			"state":            session.State,
			"draft":            session.DraftJSON,
			"pending_order_id": session.PendingOrderID,
			"active":           session.Active,
			"warning_sent":     session.WarningSent,
			"last_activity_at": session.LastActivityAt,
			"updated_at":       time.Now(),
		}).Error
}

func (d *DatabaseStore) ListActiveSessions() ([]*models.ConversationSession, error) {
	var sessions []*models.ConversationSession
	if err := d.db.Where("active = ?", true).Find(&sessions).Error; err != nil {
		return nil, err
	}
	for _, session := range sessions {
		if err := session.DecodeDraft(); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// Order operations

func (d *DatabaseStore) CreateOrder(order *models.Order) error {
	return d.db.Create(order).Error
}

func (d *DatabaseStore) GetOrder(tenantID, orderID string) (*models.Order, error) {
	var order models.Order
	err := d.db.Preload("Lines").
		Where("tenant_id = ? AND id = ?", tenantID, orderID).
		First(&order).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &order, nil
}

func (d *DatabaseStore) GetOrderByPaymentReference(reference string) (*models.Order, error) {
	// orders awaiting the followup retry have no reference yet; an empty
	// reference must never match them
	if reference == "" {
		return nil, ErrNotFound
	}

	var order models.Order
	err := d.db.Preload("Lines").
		Where("payment_reference = ?", reference).
		First(&order).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &order, nil
}

func (d *DatabaseStore) SetPaymentReference(tenantID, orderID, reference string) error {
	result := d.db.Model(&models.Order{}).
		Where("tenant_id = ? AND id = ?", tenantID, orderID).
		Update("payment_reference", reference)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DatabaseStore) MarkOrderPaid(tenantID, orderID string) (bool, error) {
	now := time.Now()
	result := d.db.Model(&models.Order{}).
		Where("tenant_id = ? AND id = ? AND status = ?", tenantID, orderID, models.OrderStatusPendingPayment).
		Updates(map[string]interface{}{
			"status":  models.OrderStatusPaid,
			"paid_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (d *DatabaseStore) CancelOrderIfPending(tenantID, orderID string) (bool, error) {
	now := time.Now()
	result := d.db.Model(&models.Order{}).
		Where("tenant_id = ? AND id = ? AND status = ?", tenantID, orderID, models.OrderStatusPendingPayment).
		Updates(map[string]interface{}{
			"status":       models.OrderStatusCancelled,
			"cancelled_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
