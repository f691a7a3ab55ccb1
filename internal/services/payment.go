package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/tiendabot/tiendabot-backend/internal/models"
	"github.com/tiendabot/tiendabot-backend/internal/storage"
)

// PaymentGateway creates payment requests with the external provider. The
// returned reference is the opaque token the buyer pays against and the key
// later callbacks are reconciled by.
type PaymentGateway interface {
	CreatePaymentRequest(ctx context.Context, tenantID, orderID string, amount float64, description string) (string, error)
}

// LinkPaymentGateway mints payable references locally. It stands in for a
// provider integration; the reconciliation contract is identical either way.
type LinkPaymentGateway struct{}

func (LinkPaymentGateway) CreatePaymentRequest(ctx context.Context, tenantID, orderID string, amount float64, description string) (string, error) {
	reference := "PAY-" + strings.ToUpper(uuid.NewString()[:12])
	log.Printf("payment request created: tenant=%s order=%s amount=%.2f ref=%s", tenantID, orderID, amount, reference)
	return reference, nil
}

// Reconciliation outcomes
const (
	OutcomePaid      = "paid"      // this delivery performed the PENDING_PAYMENT -> PAID transition
	OutcomeDuplicate = "duplicate" // order already settled; successful no-op
	OutcomeIgnored   = "ignored"   // non-success status; order stays PENDING_PAYMENT
)

// Reconciliation errors
var (
	ErrUnknownReference    = errors.New("unknown payment reference")
	ErrInvalidSignature    = errors.New("invalid callback signature")
	ErrTenantMisconfigured = errors.New("tenant has no payment secret")
)

// ReconciliationResult reports what one callback delivery did.
type ReconciliationResult struct {
	Outcome  string `json:"outcome"`
	OrderID  string `json:"order_id"`
	TenantID string `json:"tenant_id"`
}

// ReconciliationService matches asynchronous payment confirmations to their
// orders and applies the PAID transition exactly once.
type ReconciliationService struct {
	store    storage.Store
	notifier Notifier
}

// NewReconciliationService creates the reconciliation service.
func NewReconciliationService(store storage.Store, notifier Notifier) *ReconciliationService {
	return &ReconciliationService{store: store, notifier: notifier}
}

// CallbackSignature computes the proof a gateway callback must carry:
// hex(HMAC-SHA256(secret, reference|status)). Exported so tests and the
// gateway simulator produce identical proofs.
func CallbackSignature(secret, reference, status string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(reference + "|" + status))
	return hex.EncodeToString(h.Sum(nil))
}

// OnPaymentCallback processes one (possibly redelivered) gateway callback.
//
// The order is found by reference without a tenant filter; its own tenant_id
// is then authoritative, and the signature is verified against that tenant's
// secret. This is the one path allowed to resolve tenant after finding the
// resource, because the proof binds the callback to the owning tenant.
//
// Idempotent under at-least-once delivery: the PAID write is conditional on
// the current status, and the buyer is notified only when the write actually
// transitioned the order.
func (r *ReconciliationService) OnPaymentCallback(ctx context.Context, reference, reportedStatus, signature string) (*ReconciliationResult, error) {
	order, err := r.store.GetOrderByPaymentReference(reference)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownReference
		}
		return nil, fmt.Errorf("lookup order by reference: %w", err)
	}

	tenant, err := r.store.GetTenant(order.TenantID)
	if err != nil {
		return nil, fmt.Errorf("lookup tenant %s: %w", order.TenantID, err)
	}
	if tenant.PaymentSecret == "" {
		return nil, ErrTenantMisconfigured
	}

	expected := CallbackSignature(tenant.PaymentSecret, reference, reportedStatus)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		log.Printf("rejected callback with bad signature: tenant=%s order=%s ref=%s", tenant.ID, order.ID, reference)
		return nil, ErrInvalidSignature
	}

	result := &ReconciliationResult{OrderID: order.ID, TenantID: order.TenantID}

	// Only an explicit success is acted on. Ambiguous or failed statuses
	// leave the order PENDING_PAYMENT for a later delivery to settle.
	if !isSuccessStatus(reportedStatus) {
		log.Printf("callback ignored: order=%s status=%q", order.ID, reportedStatus)
		result.Outcome = OutcomeIgnored
		return result, nil
	}

	changed, err := r.store.MarkOrderPaid(order.TenantID, order.ID)
	if err != nil {
		return nil, fmt.Errorf("mark order %s paid: %w", order.ID, err)
	}
	if !changed {
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	result.Outcome = OutcomePaid
	log.Printf("payment reconciled: tenant=%s order=%s ref=%s total=%.2f",
		order.TenantID, order.ID, reference, order.Total)

	text := paymentConfirmedReply(order, tenant.Currency)
	if err := r.notifier.Send(ctx, order.TenantID, order.ConversationID, text); err != nil {
		// The transition already happened; notification loss is recoverable
		// by the buyer's own status poll.
		log.Printf("failed to notify %s about paid order %s: %v", order.ConversationID, order.ID, err)
	}
	return result, nil
}

func isSuccessStatus(status string) bool {
	switch strings.ToLower(status) {
	case "paid", "captured", "success", "succeeded":
		return true
	}
	return false
}

func paymentConfirmedReply(order *models.Order, currency string) string {
	return fmt.Sprintf("✅ ¡Pago recibido! Tu pedido %s por %s %.2f está confirmado. Gracias por tu compra.",
		order.ID, currency, order.Total)
}
