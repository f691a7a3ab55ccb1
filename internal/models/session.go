package models

import (
	"encoding/json"
	"time"
)

// Conversation session states
const (
	StateInitial           = "INITIAL"
	StateBrowsing          = "BROWSING"
	StateAwaitingQuantity  = "AWAITING_QUANTITY"
	StateOrderConfirmation = "ORDER_CONFIRMATION"
	StateOrderScheduling   = "ORDER_SCHEDULING"
	StatePaymentFollowup   = "PAYMENT_PENDING_FOLLOWUP"
	StateFinished          = "FINISHED"
)

// DraftLine is one item in an unconfirmed order. Name and UnitPrice are
// snapshots taken when the buyer selected the product; Quantity is zero
// while the buyer still owes us a quantity.
type DraftLine struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  int     `json:"quantity"`
}

// DraftOrder is the buyer's in-progress selection. It only exists while the
// session is in AWAITING_QUANTITY or ORDER_CONFIRMATION.
type DraftOrder struct {
	Lines []DraftLine `json:"lines"`
}

// Total returns the draft total from the snapshotted prices.
func (d *DraftOrder) Total() float64 {
	var total float64
	for _, line := range d.Lines {
		total += line.UnitPrice * float64(line.Quantity)
	}
	return total
}

// PendingLine returns the line still waiting for a quantity, if any.
func (d *DraftOrder) PendingLine() *DraftLine {
	if d == nil {
		return nil
	}
	for i := range d.Lines {
		if d.Lines[i].Quantity == 0 {
			return &d.Lines[i]
		}
	}
	return nil
}

// ConversationSession is the durable per-(tenant, conversation) record the
// state machine operates on. At most one row exists per key; the composite
// unique index backs the single-session invariant under concurrent creates.
type ConversationSession struct {
	TenantID       string `json:"tenant_id" gorm:"uniqueIndex:ux_tenant_conversation,priority:1"`
	ConversationID string `json:"conversation_id" gorm:"uniqueIndex:ux_tenant_conversation,priority:2"`

	State string `json:"state"`

	// Draft is only populated in AWAITING_QUANTITY and ORDER_CONFIRMATION.
	// Persisted as a JSON column, typed everywhere else.
	Draft     *DraftOrder `json:"draft,omitempty" gorm:"-"`
	DraftJSON string      `json:"-" gorm:"column:draft"`

	// PendingOrderID points at the order awaiting payment while the session
	// is in ORDER_SCHEDULING or PAYMENT_PENDING_FOLLOWUP.
	PendingOrderID string `json:"pending_order_id"`

	Active         bool      `json:"active"`
	WarningSent    bool      `json:"warning_sent"`
	LastActivityAt time.Time `json:"last_activity_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EncodeDraft serializes Draft into DraftJSON for persistence.
func (s *ConversationSession) EncodeDraft() error {
	if s.Draft == nil {
		s.DraftJSON = ""
		return nil
	}
	data, err := json.Marshal(s.Draft)
	if err != nil {
		return err
	}
	s.DraftJSON = string(data)
	return nil
}

// DecodeDraft restores Draft from DraftJSON after loading.
func (s *ConversationSession) DecodeDraft() error {
	if s.DraftJSON == "" {
		s.Draft = nil
		return nil
	}
	var draft DraftOrder
	if err := json.Unmarshal([]byte(s.DraftJSON), &draft); err != nil {
		return err
	}
	s.Draft = &draft
	return nil
}
