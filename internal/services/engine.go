package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiendabot/tiendabot-backend/internal/models"
	"github.com/tiendabot/tiendabot-backend/internal/storage"
)

// EngineConfig holds the idle-timeout knobs. WarnAfter must be shorter than
// CloseAfter; both come from configuration.
type EngineConfig struct {
	WarnAfter  time.Duration
	CloseAfter time.Duration
}

// keyedLocks serializes work per (tenant, conversation) key. Two different
// keys never block each other.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) get(tenantID, conversationID string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	key := tenantID + "/" + conversationID
	lock, exists := k.locks[key]
	if !exists {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	return lock
}

// ConversationEngine is the order state machine. It consumes classified
// intents, owns every session mutation, and drives the catalog and payment
// gateways. All mutations for one (tenant, conversation) key run under that
// key's lock.
type ConversationEngine struct {
	store      storage.Store
	catalog    CatalogGateway
	payments   PaymentGateway
	notifier   Notifier
	classifier IntentClassifier
	cfg        EngineConfig
	locks      *keyedLocks
	nowFunc    func() time.Time
}

// NewConversationEngine wires the engine with its collaborators.
func NewConversationEngine(store storage.Store, catalog CatalogGateway, payments PaymentGateway, notifier Notifier, classifier IntentClassifier, cfg EngineConfig) *ConversationEngine {
	return &ConversationEngine{
		store:      store,
		catalog:    catalog,
		payments:   payments,
		notifier:   notifier,
		classifier: classifier,
		cfg:        cfg,
		locks:      newKeyedLocks(),
		nowFunc:    time.Now,
	}
}

// HandleMessage is the message-intake entry point: one inbound buyer text,
// one reply text back. Internal failures are logged and surfaced to the
// buyer as a generic retry message, never as error text.
func (e *ConversationEngine) HandleMessage(ctx context.Context, tenantID, conversationID, text string) (string, error) {
	lock := e.locks.get(tenantID, conversationID)
	lock.Lock()
	defer lock.Unlock()

	tenant, err := e.store.GetTenant(tenantID)
	if err != nil {
		return genericErrorReply, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}

	session, err := e.getOrCreateSession(tenantID, conversationID)
	if err != nil {
		return genericErrorReply, fmt.Errorf("load session %s/%s: %w", tenantID, conversationID, err)
	}

	now := e.nowFunc()
	e.applyIdleRules(ctx, session, now)

	// Any inbound message transparently reopens a closed conversation; the
	// buyer never sees an error for restarting a stale one.
	if !session.Active {
		session.Active = true
		session.State = models.StateInitial
		session.Draft = nil
		session.WarningSent = false
	}

	products, err := e.catalog.ListActive(ctx, tenantID)
	if err != nil {
		return genericErrorReply, fmt.Errorf("list products for %s: %w", tenantID, err)
	}

	intent, err := e.classifier.Classify(ctx, tenantID, text, session, products)
	if err != nil {
		// A broken classifier is a clarification, not a dead conversation.
		log.Printf("intent classification failed for %s/%s: %v", tenantID, conversationID, err)
		intent = Intent{Type: IntentUnknown}
	}

	reply, err := e.transition(ctx, tenant, session, intent, products)
	if err != nil {
		return genericErrorReply, err
	}

	session.LastActivityAt = now
	session.WarningSent = false
	if err := e.store.UpdateSession(session); err != nil {
		return genericErrorReply, fmt.Errorf("save session %s/%s: %w", tenantID, conversationID, err)
	}
	return reply, nil
}

// getOrCreateSession loads the session for the key, creating it on first
// contact. A concurrent create by another worker is absorbed by re-reading.
func (e *ConversationEngine) getOrCreateSession(tenantID, conversationID string) (*models.ConversationSession, error) {
	session, err := e.store.GetSession(tenantID, conversationID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	session = &models.ConversationSession{
		TenantID:       tenantID,
		ConversationID: conversationID,
		State:          models.StateInitial,
		Active:         true,
		LastActivityAt: e.nowFunc(),
	}
	if err := e.store.CreateSession(session); err != nil {
		if errors.Is(err, storage.ErrSessionExists) {
			return e.store.GetSession(tenantID, conversationID)
		}
		return nil, err
	}
	return session, nil
}

// applyIdleRules runs the idle checks that precede every inbound message.
func (e *ConversationEngine) applyIdleRules(ctx context.Context, session *models.ConversationSession, now time.Time) {
	if !session.Active {
		return
	}
	idle := now.Sub(session.LastActivityAt)

	if idle >= e.cfg.CloseAfter {
		session.Active = false
		session.State = models.StateFinished
		session.Draft = nil
		return
	}
	if idle >= e.cfg.WarnAfter && !session.WarningSent {
		session.WarningSent = true
		if err := e.notifier.Send(ctx, session.TenantID, session.ConversationID, idleWarningReply()); err != nil {
			log.Printf("failed to send idle warning to %s: %v", session.ConversationID, err)
		}
	}
}

// ExpireIdle applies the idle rules to one session outside the inbound
// path. Called by the sweep job; takes the same per-key lock as inbound
// processing.
func (e *ConversationEngine) ExpireIdle(ctx context.Context, tenantID, conversationID string) error {
	lock := e.locks.get(tenantID, conversationID)
	lock.Lock()
	defer lock.Unlock()

	session, err := e.store.GetSession(tenantID, conversationID)
	if err != nil {
		return err
	}
	if !session.Active {
		return nil
	}

	before := session.WarningSent
	wasActive := session.Active
	e.applyIdleRules(ctx, session, e.nowFunc())
	if session.WarningSent == before && session.Active == wasActive {
		return nil
	}
	return e.store.UpdateSession(session)
}

// transition applies one intent to the session and returns the reply text.
// Session fields are mutated in place; HandleMessage persists them.
func (e *ConversationEngine) transition(ctx context.Context, tenant *models.Tenant, session *models.ConversationSession, intent Intent, products []*models.Product) (string, error) {
	switch session.State {
	case models.StateAwaitingQuantity:
		return e.inAwaitingQuantity(ctx, tenant, session, intent, products)
	case models.StateOrderConfirmation:
		return e.inOrderConfirmation(ctx, tenant, session, intent, products)
	case models.StateOrderScheduling:
		return e.inOrderScheduling(ctx, tenant, session, intent)
	case models.StatePaymentFollowup:
		return e.inPaymentFollowup(ctx, tenant, session, intent)
	default:
		// INITIAL and BROWSING share transitions
		return e.inBrowsing(ctx, tenant, session, intent, products)
	}
}

func (e *ConversationEngine) inBrowsing(ctx context.Context, tenant *models.Tenant, session *models.ConversationSession, intent Intent, products []*models.Product) (string, error) {
	switch intent.Type {
	case IntentGreet:
		session.State = models.StateBrowsing
		return greetingReply(tenant, products), nil

	case IntentBrowse:
		session.State = models.StateBrowsing
		return catalogListing(tenant, products) + "\nEscribe el nombre o número del producto que quieras.", nil

	case IntentSelectItem:
		return e.selectItem(tenant, session, intent, products)

	case IntentOrderStatus:
		// A reopened session still points at its unpaid order.
		if session.PendingOrderID == "" {
			return noOrderStatusReply(), nil
		}
		order, err := e.store.GetOrder(tenant.ID, session.PendingOrderID)
		if err != nil {
			return "", fmt.Errorf("load pending order %s: %w", session.PendingOrderID, err)
		}
		return e.pendingOrderStatus(session, order), nil

	case IntentCancel:
		if session.PendingOrderID == "" {
			return draftDiscardedReply(), nil
		}
		order, err := e.store.GetOrder(tenant.ID, session.PendingOrderID)
		if err != nil {
			return "", fmt.Errorf("load pending order %s: %w", session.PendingOrderID, err)
		}
		return e.cancelPendingOrder(ctx, tenant, session, order)

	default:
		return clarificationReply, nil
	}
}

func (e *ConversationEngine) inAwaitingQuantity(ctx context.Context, tenant *models.Tenant, session *models.ConversationSession, intent Intent, products []*models.Product) (string, error) {
	switch intent.Type {
	case IntentQuantity:
		line := session.Draft.PendingLine()
		if line == nil {
			// draft lost its pending line somehow; start over
			session.State = models.StateInitial
			session.Draft = nil
			return clarificationReply, nil
		}
		line.Quantity = intent.Quantity
		session.State = models.StateOrderConfirmation
		return draftSummaryReply(session.Draft, tenant.Currency), nil

	case IntentSelectItem:
		return e.selectItem(tenant, session, intent, products)

	case IntentCancel:
		session.State = models.StateInitial
		session.Draft = nil
		return draftDiscardedReply(), nil

	default:
		if line := session.Draft.PendingLine(); line != nil {
			return askQuantityReply(line), nil
		}
		return clarificationReply, nil
	}
}

func (e *ConversationEngine) inOrderConfirmation(ctx context.Context, tenant *models.Tenant, session *models.ConversationSession, intent Intent, products []*models.Product) (string, error) {
	switch intent.Type {
	case IntentConfirm:
		return e.placeOrder(ctx, tenant, session)

	case IntentCancel:
		session.State = models.StateInitial
		session.Draft = nil
		return draftDiscardedReply(), nil

	case IntentSelectItem:
		return e.selectItem(tenant, session, intent, products)

	default:
		return draftSummaryReply(session.Draft, tenant.Currency), nil
	}
}

func (e *ConversationEngine) inOrderScheduling(ctx context.Context, tenant *models.Tenant, session *models.ConversationSession, intent Intent) (string, error) {
	order, err := e.store.GetOrder(tenant.ID, session.PendingOrderID)
	if err != nil {
		return "", fmt.Errorf("load pending order %s: %w", session.PendingOrderID, err)
	}

	switch intent.Type {
	case IntentOrderStatus, IntentConfirm:
		return e.pendingOrderStatus(session, order), nil

	case IntentCancel:
		return e.cancelPendingOrder(ctx, tenant, session, order)

	default:
		return pendingOrderReminderReply(order, tenant.Currency), nil
	}
}

// inPaymentFollowup handles sessions whose order exists but whose payment
// reference request failed. The order is the durable fact; the reference is
// a retryable step.
func (e *ConversationEngine) inPaymentFollowup(ctx context.Context, tenant *models.Tenant, session *models.ConversationSession, intent Intent) (string, error) {
	order, err := e.store.GetOrder(tenant.ID, session.PendingOrderID)
	if err != nil {
		return "", fmt.Errorf("load pending order %s: %w", session.PendingOrderID, err)
	}

	if intent.Type == IntentCancel {
		return e.cancelPendingOrder(ctx, tenant, session, order)
	}

	reference, err := e.payments.CreatePaymentRequest(ctx, tenant.ID, order.ID, order.Total, paymentDescription(tenant, order))
	if err != nil {
		log.Printf("payment reference retry failed for order %s: %v", order.ID, err)
		return paymentRefPendingReply(order, tenant.Currency), nil
	}
	if err := e.store.SetPaymentReference(tenant.ID, order.ID, reference); err != nil {
		log.Printf("storing payment reference failed for order %s: %v", order.ID, err)
		return paymentRefPendingReply(order, tenant.Currency), nil
	}
	order.PaymentReference = reference
	session.State = models.StateOrderScheduling
	return orderPlacedReply(order, tenant.Currency), nil
}

// pendingOrderStatus answers a status poll from the persisted order status.
// Never guess success: only a reconciled PAID counts.
func (e *ConversationEngine) pendingOrderStatus(session *models.ConversationSession, order *models.Order) string {
	if order.Status == models.OrderStatusPaid {
		session.State = models.StateInitial
		session.PendingOrderID = ""
		return orderAlreadyPaidReply(order.ID)
	}
	return paymentNotConfirmedReply(order)
}

func (e *ConversationEngine) cancelPendingOrder(ctx context.Context, tenant *models.Tenant, session *models.ConversationSession, order *models.Order) (string, error) {
	changed, err := e.store.CancelOrderIfPending(tenant.ID, order.ID)
	if err != nil {
		return "", fmt.Errorf("cancel order %s: %w", order.ID, err)
	}
	if !changed {
		// lost the race with a payment callback
		session.State = models.StateInitial
		session.PendingOrderID = ""
		return orderAlreadyPaidReply(order.ID), nil
	}

	for _, line := range order.Lines {
		if err := e.catalog.RestoreStock(ctx, tenant.ID, line.ProductID, line.Quantity); err != nil {
			log.Printf("failed to restore stock for %s/%s after cancel: %v", tenant.ID, line.ProductID, err)
		}
	}

	session.State = models.StateInitial
	session.PendingOrderID = ""
	return orderCancelledReply(order.ID), nil
}

// selectItem starts or extends the draft with the referenced product.
func (e *ConversationEngine) selectItem(tenant *models.Tenant, session *models.ConversationSession, intent Intent, products []*models.Product) (string, error) {
	product := findProduct(products, intent.ProductQuery)
	if product == nil {
		return productNotFoundReply(), nil
	}

	if session.Draft == nil {
		session.Draft = &models.DraftOrder{}
	}

	merged := false
	for i := range session.Draft.Lines {
		if session.Draft.Lines[i].ProductID == product.ID {
			if intent.Quantity > 0 {
				session.Draft.Lines[i].Quantity = intent.Quantity
			}
			merged = true
			break
		}
	}
	if !merged {
		session.Draft.Lines = append(session.Draft.Lines, models.DraftLine{
			ProductID: product.ID,
			Name:      product.Name,
			UnitPrice: product.Price, // price snapshot, never re-read
			Quantity:  intent.Quantity,
		})
	}

	if line := session.Draft.PendingLine(); line != nil {
		session.State = models.StateAwaitingQuantity
		return askQuantityReply(line), nil
	}
	session.State = models.StateOrderConfirmation
	return draftSummaryReply(session.Draft, tenant.Currency), nil
}

type stockShortage struct {
	ProductID string
	Name      string
	Requested int
	Available int
}

// placeOrder turns the confirmed draft into an Order. Stock is re-validated
// against current values, decremented conditionally, and the order is
// persisted as PENDING_PAYMENT before the payment reference is requested so
// a gateway failure cannot lose it.
func (e *ConversationEngine) placeOrder(ctx context.Context, tenant *models.Tenant, session *models.ConversationSession) (string, error) {
	draft := session.Draft
	if draft == nil || len(draft.Lines) == 0 {
		session.State = models.StateInitial
		return clarificationReply, nil
	}

	shortages, err := e.checkAvailability(ctx, tenant.ID, draft)
	if err != nil {
		return "", err
	}
	if reply, done := e.applyShortages(tenant, session, draft, shortages); done {
		return reply, nil
	}

	// All lines satisfiable right now; commit with conditional decrements.
	// A decrement that loses a race is compensated and reported as a fresh
	// shortfall.
	var decremented []models.DraftLine
	for _, line := range draft.Lines {
		ok, err := e.catalog.DecrementStockIfAvailable(ctx, tenant.ID, line.ProductID, line.Quantity)
		if err == nil && ok {
			decremented = append(decremented, line)
			continue
		}
		for _, prev := range decremented {
			if restoreErr := e.catalog.RestoreStock(ctx, tenant.ID, prev.ProductID, prev.Quantity); restoreErr != nil {
				log.Printf("failed to restore stock for %s/%s: %v", tenant.ID, prev.ProductID, restoreErr)
			}
		}
		if err != nil {
			return "", fmt.Errorf("decrement stock for %s: %w", line.ProductID, err)
		}
		shortages, err = e.checkAvailability(ctx, tenant.ID, draft)
		if err != nil {
			return "", err
		}
		if reply, done := e.applyShortages(tenant, session, draft, shortages); done {
			return reply, nil
		}
		// stock recovered between the failed decrement and the re-check;
		// ask the buyer to confirm again rather than looping
		return draftSummaryReply(draft, tenant.Currency), nil
	}

	order := &models.Order{
		ID:             "ORD-" + strings.ToUpper(uuid.NewString()[:8]),
		TenantID:       tenant.ID,
		ConversationID: session.ConversationID,
		Total:          draft.Total(),
		Status:         models.OrderStatusPendingPayment,
	}
	for _, line := range draft.Lines {
		order.Lines = append(order.Lines, models.OrderLine{
			OrderID:   order.ID,
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
		})
	}
	if err := e.store.CreateOrder(order); err != nil {
		for _, line := range draft.Lines {
			if restoreErr := e.catalog.RestoreStock(ctx, tenant.ID, line.ProductID, line.Quantity); restoreErr != nil {
				log.Printf("failed to restore stock for %s/%s: %v", tenant.ID, line.ProductID, restoreErr)
			}
		}
		return "", fmt.Errorf("create order: %w", err)
	}

	session.Draft = nil
	session.PendingOrderID = order.ID

	reference, err := e.payments.CreatePaymentRequest(ctx, tenant.ID, order.ID, order.Total, paymentDescription(tenant, order))
	if err != nil {
		// Order is already durable; the reference is retried on the next
		// message instead of failing the purchase.
		log.Printf("payment request failed for order %s: %v", order.ID, err)
		session.State = models.StatePaymentFollowup
		return paymentRefPendingReply(order, tenant.Currency), nil
	}
	if err := e.store.SetPaymentReference(tenant.ID, order.ID, reference); err != nil {
		// Same handling as a gateway failure: the order is durable and must
		// not be placed twice, so the session moves to the followup state and
		// the reference step is retried on the next message.
		log.Printf("storing payment reference failed for order %s: %v", order.ID, err)
		session.State = models.StatePaymentFollowup
		return paymentRefPendingReply(order, tenant.Currency), nil
	}
	order.PaymentReference = reference
	session.State = models.StateOrderScheduling

	log.Printf("order placed: tenant=%s order=%s total=%.2f ref=%s", tenant.ID, order.ID, order.Total, reference)
	return orderPlacedReply(order, tenant.Currency), nil
}

func (e *ConversationEngine) checkAvailability(ctx context.Context, tenantID string, draft *models.DraftOrder) ([]stockShortage, error) {
	var shortages []stockShortage
	for _, line := range draft.Lines {
		stock, err := e.catalog.GetStock(ctx, tenantID, line.ProductID)
		if err != nil {
			return nil, fmt.Errorf("read stock for %s: %w", line.ProductID, err)
		}
		if stock < line.Quantity {
			shortages = append(shortages, stockShortage{
				ProductID: line.ProductID,
				Name:      line.Name,
				Requested: line.Quantity,
				Available: stock,
			})
		}
	}
	return shortages, nil
}

// applyShortages reduces the draft to what is available. Returns done=false
// when there are no shortages and order placement should proceed.
func (e *ConversationEngine) applyShortages(tenant *models.Tenant, session *models.ConversationSession, draft *models.DraftOrder, shortages []stockShortage) (string, bool) {
	if len(shortages) == 0 {
		return "", false
	}

	available := make(map[string]int, len(shortages))
	for _, s := range shortages {
		available[s.ProductID] = s.Available
	}

	var reduced []models.DraftLine
	for _, line := range draft.Lines {
		if avail, short := available[line.ProductID]; short {
			if avail == 0 {
				continue
			}
			line.Quantity = avail
		}
		reduced = append(reduced, line)
	}

	if len(reduced) == 0 {
		// zero lines satisfiable
		session.Draft = nil
		session.State = models.StateInitial
		return outOfStockReply(), true
	}

	draft.Lines = reduced
	session.State = models.StateOrderConfirmation
	return shortfallReply(shortages, draft, tenant.Currency), true
}

func findProduct(products []*models.Product, query string) *models.Product {
	query = strings.TrimSpace(strings.ToUpper(query))
	if query == "" {
		return nil
	}

	// 1-based listing index
	if n, err := strconv.Atoi(query); err == nil {
		if n >= 1 && n <= len(products) {
			return products[n-1]
		}
		return nil
	}

	for _, product := range products {
		name := strings.ToUpper(product.Name)
		if name == query || strings.Contains(name, query) || strings.Contains(query, name) {
			return product
		}
	}
	return nil
}

func paymentDescription(tenant *models.Tenant, order *models.Order) string {
	return fmt.Sprintf("%s pedido %s", tenant.Name, order.ID)
}
