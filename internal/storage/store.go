package storage

import (
	"errors"

	"github.com/tiendabot/tiendabot-backend/internal/models"
)

// Sentinel errors shared by all Store implementations.
var (
	ErrNotFound      = errors.New("record not found")
	ErrSessionExists = errors.New("session already exists")
)

// Store defines the persistence operations the engine needs. Tenant scoping
// is explicit on every call: there is no ambient "current tenant" anywhere.
// GetOrderByPaymentReference is the single tenant-unfiltered lookup and is
// reserved for payment reconciliation, which authenticates the caller with
// the owning tenant's own credentials after the order is found.
type Store interface {
	// Tenant operations
	CreateTenant(tenant *models.Tenant) error
	GetTenant(id string) (*models.Tenant, error)
	GetTenantBySlug(slug string) (*models.Tenant, error)
	GetTenantByChannel(whatsappNumber string) (*models.Tenant, error)
	RenameTenantSlug(id, newSlug string) error
	UpdateTenant(tenant *models.Tenant) error

	// Product operations
	CreateProduct(product *models.Product) error
	GetProduct(tenantID, productID string) (*models.Product, error)
	GetActiveProducts(tenantID string) ([]*models.Product, error)
	UpdateProduct(product *models.Product) error

	// DecrementStockIfAvailable atomically subtracts qty from stock only if
	// at least qty is available. Returns (remaining, true) on success and
	// (current, false) if stock was insufficient. Stock never goes negative.
	DecrementStockIfAvailable(tenantID, productID string, qty int) (int, bool, error)
	RestoreStock(tenantID, productID string, qty int) error
	MarkProductUnavailable(tenantID, productID string) error

	// Session operations
	GetSession(tenantID, conversationID string) (*models.ConversationSession, error)
	// CreateSession returns ErrSessionExists when a session for the same
	// (tenant, conversation) key already exists.
	CreateSession(session *models.ConversationSession) error
	UpdateSession(session *models.ConversationSession) error
	ListActiveSessions() ([]*models.ConversationSession, error)

	// Order operations
	CreateOrder(order *models.Order) error
	GetOrder(tenantID, orderID string) (*models.Order, error)
	GetOrderByPaymentReference(reference string) (*models.Order, error)
	SetPaymentReference(tenantID, orderID, reference string) error

	// MarkOrderPaid transitions PENDING_PAYMENT -> PAID. Returns false if the
	// order was not in PENDING_PAYMENT, which makes redelivered payment
	// callbacks a no-op.
	MarkOrderPaid(tenantID, orderID string) (bool, error)
	// CancelOrderIfPending transitions PENDING_PAYMENT -> CANCELLED under the
	// same conditional rule.
	CancelOrderIfPending(tenantID, orderID string) (bool, error)
}
