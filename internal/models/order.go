package models

import "time"

// Order statuses. Transitions are monotonic:
// PENDING_PAYMENT -> PAID or PENDING_PAYMENT -> CANCELLED, never reversed.
const (
	OrderStatusPendingPayment = "PENDING_PAYMENT"
	OrderStatusPaid           = "PAID"
	OrderStatusCancelled      = "CANCELLED"
)

// OrderLine is one confirmed line item. Name and UnitPrice are snapshots
// from order-creation time; a later catalog price change never touches them.
type OrderLine struct {
	ID        uint    `json:"-" gorm:"primaryKey;autoIncrement"`
	OrderID   string  `json:"order_id" gorm:"index"`
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  int     `json:"quantity"`
}

// Order is a confirmed purchase request. Created exactly once per confirmed
// draft; mutated only by payment reconciliation or an explicit cancellation
// while still PENDING_PAYMENT; never deleted.
type Order struct {
	ID             string      `json:"id" gorm:"primaryKey"`
	TenantID       string      `json:"tenant_id" gorm:"index"`
	ConversationID string      `json:"conversation_id" gorm:"index"`
	Lines          []OrderLine `json:"lines" gorm:"foreignKey:OrderID"`
	Total          float64     `json:"total"`
	Status         string      `json:"status"`

	// PaymentReference is the opaque token handed to the buyer to pay with.
	// At most one non-cancelled reference per order.
	PaymentReference string `json:"payment_reference" gorm:"index"`

	PaidAt      *time.Time `json:"paid_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
