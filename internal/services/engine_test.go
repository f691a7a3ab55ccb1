package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tiendabot/tiendabot-backend/internal/models"
	"github.com/tiendabot/tiendabot-backend/internal/storage"
)

// collectNotifier records outbound messages instead of sending them.
type collectNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (c *collectNotifier) Send(ctx context.Context, tenantID, conversationID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *collectNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// failingGateway simulates an unavailable payment provider.
type failingGateway struct{}

func (failingGateway) CreatePaymentRequest(ctx context.Context, tenantID, orderID string, amount float64, description string) (string, error) {
	return "", errors.New("gateway unavailable")
}

// flakyRefStore fails SetPaymentReference a given number of times before
// delegating to the real store.
type flakyRefStore struct {
	storage.Store
	failures int
}

func (s *flakyRefStore) SetPaymentReference(tenantID, orderID, reference string) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	return s.Store.SetPaymentReference(tenantID, orderID, reference)
}

type engineFixture struct {
	store    *storage.MemoryStore
	engine   *ConversationEngine
	notifier *collectNotifier
	tenant   *models.Tenant
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := storage.NewMemoryStore()

	tn := &models.Tenant{
		ID:            "TEN-A",
		Name:          "Tienda A",
		Slug:          "tienda-a",
		Currency:      "MXN",
		PaymentSecret: "tenant-a-secret",
		Active:        true,
	}
	if err := store.CreateTenant(tn); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	products := []*models.Product{
		{ID: "PRD-COLA", TenantID: tn.ID, Name: "Cola", Price: 1000, Stock: 10, Active: true},
		{ID: "PRD-GALL", TenantID: tn.ID, Name: "Galletas", Price: 500, Stock: 3, Active: true},
		{ID: "PRD-MIEL", TenantID: tn.ID, Name: "Miel", Price: 250, Stock: 10, Active: true},
	}
	for _, product := range products {
		if err := store.CreateProduct(product); err != nil {
			t.Fatalf("CreateProduct: %v", err)
		}
	}

	notifier := &collectNotifier{}
	engine := NewConversationEngine(store, NewStoreCatalog(store), LinkPaymentGateway{}, notifier,
		NewKeywordClassifier(), EngineConfig{WarnAfter: 20 * time.Minute, CloseAfter: 30 * time.Minute})

	return &engineFixture{store: store, engine: engine, notifier: notifier, tenant: tn}
}

func (f *engineFixture) say(t *testing.T, conversationID, text string) string {
	t.Helper()
	reply, err := f.engine.HandleMessage(context.Background(), f.tenant.ID, conversationID, text)
	if err != nil {
		t.Fatalf("HandleMessage(%q): %v", text, err)
	}
	return reply
}

func (f *engineFixture) session(t *testing.T, conversationID string) *models.ConversationSession {
	t.Helper()
	session, err := f.store.GetSession(f.tenant.ID, conversationID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return session
}

func TestGreetingMovesEmptySessionToBrowsing(t *testing.T) {
	f := newEngineFixture(t)

	reply := f.say(t, "+5215550001", "hola")

	session := f.session(t, "+5215550001")
	if session.State != models.StateBrowsing {
		t.Fatalf("expected BROWSING, got %s", session.State)
	}
	if session.PendingOrderID != "" {
		t.Fatal("greeting must not create an order")
	}
	if !strings.Contains(reply, "Cola") {
		t.Fatalf("expected catalog in greeting, got %q", reply)
	}
}

func TestSelectionWithoutQuantityAsksForIt(t *testing.T) {
	f := newEngineFixture(t)

	f.say(t, "+5215550002", "hola")
	reply := f.say(t, "+5215550002", "cola")

	session := f.session(t, "+5215550002")
	if session.State != models.StateAwaitingQuantity {
		t.Fatalf("expected AWAITING_QUANTITY, got %s", session.State)
	}
	if !strings.Contains(reply, "Cuántas") {
		t.Fatalf("expected quantity question, got %q", reply)
	}

	reply = f.say(t, "+5215550002", "2")
	session = f.session(t, "+5215550002")
	if session.State != models.StateOrderConfirmation {
		t.Fatalf("expected ORDER_CONFIRMATION, got %s", session.State)
	}
	if !strings.Contains(reply, "2000.00") {
		t.Fatalf("expected total 2000.00 in summary, got %q", reply)
	}
}

func TestShortfallKeepsConfirmationWithReducedDraft(t *testing.T) {
	f := newEngineFixture(t)

	f.say(t, "+5215550003", "galletas x 5")
	reply := f.say(t, "+5215550003", "si")

	session := f.session(t, "+5215550003")
	if session.State != models.StateOrderConfirmation {
		t.Fatalf("expected ORDER_CONFIRMATION after shortfall, got %s", session.State)
	}
	if session.PendingOrderID != "" {
		t.Fatal("shortfall must not create an order")
	}
	if session.Draft == nil || len(session.Draft.Lines) != 1 || session.Draft.Lines[0].Quantity != 3 {
		t.Fatalf("expected draft reduced to 3, got %+v", session.Draft)
	}
	if !strings.Contains(reply, "pediste 5") || !strings.Contains(reply, "quedan 3") {
		t.Fatalf("expected shortfall report, got %q", reply)
	}

	// stock untouched
	product, _ := f.store.GetProduct(f.tenant.ID, "PRD-GALL")
	if product.Stock != 3 {
		t.Fatalf("expected stock 3, got %d", product.Stock)
	}
}

func TestConfirmCreatesOrderAndDecrementsStock(t *testing.T) {
	f := newEngineFixture(t)

	f.say(t, "+5215550004", "cola x 2")
	reply := f.say(t, "+5215550004", "si")

	session := f.session(t, "+5215550004")
	if session.State != models.StateOrderScheduling {
		t.Fatalf("expected ORDER_SCHEDULING, got %s", session.State)
	}
	if session.Draft != nil {
		t.Fatal("draft must be cleared after order creation")
	}

	order, err := f.store.GetOrder(f.tenant.ID, session.PendingOrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Total != 2000 {
		t.Fatalf("expected total 2000, got %.2f", order.Total)
	}
	if order.Status != models.OrderStatusPendingPayment {
		t.Fatalf("expected PENDING_PAYMENT, got %s", order.Status)
	}
	if order.PaymentReference == "" {
		t.Fatal("expected a payment reference")
	}
	if !strings.Contains(reply, order.PaymentReference) {
		t.Fatalf("expected payable reference in reply, got %q", reply)
	}

	product, _ := f.store.GetProduct(f.tenant.ID, "PRD-COLA")
	if product.Stock != 8 {
		t.Fatalf("expected stock 8, got %d", product.Stock)
	}
}

func TestOrderTotalKeepsPriceSnapshot(t *testing.T) {
	f := newEngineFixture(t)

	f.say(t, "+5215550005", "cola x 2")
	f.say(t, "+5215550005", "si")
	session := f.session(t, "+5215550005")

	// catalog price moves after the order exists
	product, _ := f.store.GetProduct(f.tenant.ID, "PRD-COLA")
	product.Price = 9999
	if err := f.store.UpdateProduct(product); err != nil {
		t.Fatalf("UpdateProduct: %v", err)
	}

	order, _ := f.store.GetOrder(f.tenant.ID, session.PendingOrderID)
	var sum float64
	for _, line := range order.Lines {
		sum += line.UnitPrice * float64(line.Quantity)
	}
	if order.Total != sum || order.Total != 2000 {
		t.Fatalf("snapshot violated: total=%.2f sum=%.2f", order.Total, sum)
	}
}

func TestStatusPollNeverGuessesSuccess(t *testing.T) {
	f := newEngineFixture(t)

	f.say(t, "+5215550006", "cola x 1")
	f.say(t, "+5215550006", "si")

	reply := f.say(t, "+5215550006", "ya pagué")
	session := f.session(t, "+5215550006")
	if session.State != models.StateOrderScheduling {
		t.Fatalf("unpaid poll must stay in ORDER_SCHEDULING, got %s", session.State)
	}
	if !strings.Contains(reply, "Aún no veo tu pago") {
		t.Fatalf("expected not-yet-confirmed notice, got %q", reply)
	}

	// once reconciliation settled the order, the poll succeeds
	if _, err := f.store.MarkOrderPaid(f.tenant.ID, session.PendingOrderID); err != nil {
		t.Fatalf("MarkOrderPaid: %v", err)
	}
	reply = f.say(t, "+5215550006", "ya pagué")
	session = f.session(t, "+5215550006")
	if session.State != models.StateInitial || session.PendingOrderID != "" {
		t.Fatalf("paid poll must reset the session, got state=%s pending=%q", session.State, session.PendingOrderID)
	}
	if !strings.Contains(reply, "ya está pagado") {
		t.Fatalf("expected success notice, got %q", reply)
	}
}

func TestBuyerCancelRestoresStock(t *testing.T) {
	f := newEngineFixture(t)

	f.say(t, "+5215550007", "cola x 4")
	f.say(t, "+5215550007", "si")

	product, _ := f.store.GetProduct(f.tenant.ID, "PRD-COLA")
	if product.Stock != 6 {
		t.Fatalf("expected stock 6 after order, got %d", product.Stock)
	}

	session := f.session(t, "+5215550007")
	orderID := session.PendingOrderID

	f.say(t, "+5215550007", "cancelar")
	session = f.session(t, "+5215550007")
	if session.State != models.StateInitial || session.PendingOrderID != "" {
		t.Fatalf("cancel must reset the session, got state=%s", session.State)
	}

	order, _ := f.store.GetOrder(f.tenant.ID, orderID)
	if order.Status != models.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", order.Status)
	}
	product, _ = f.store.GetProduct(f.tenant.ID, "PRD-COLA")
	if product.Stock != 10 {
		t.Fatalf("expected stock restored to 10, got %d", product.Stock)
	}
}

func TestPaymentGatewayFailureKeepsDurableOrder(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.payments = failingGateway{}

	f.say(t, "+5215550008", "cola x 2")
	reply := f.say(t, "+5215550008", "si")

	session := f.session(t, "+5215550008")
	if session.State != models.StatePaymentFollowup {
		t.Fatalf("expected PAYMENT_PENDING_FOLLOWUP, got %s", session.State)
	}

	// the order is the durable fact, even without a reference
	order, err := f.store.GetOrder(f.tenant.ID, session.PendingOrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != models.OrderStatusPendingPayment || order.PaymentReference != "" {
		t.Fatalf("unexpected order state: %+v", order)
	}
	if !strings.Contains(reply, "generando tu referencia") {
		t.Fatalf("expected pending-reference notice, got %q", reply)
	}

	// gateway recovers; the next message completes the retryable step
	f.engine.payments = LinkPaymentGateway{}
	reply = f.say(t, "+5215550008", "hola")
	session = f.session(t, "+5215550008")
	if session.State != models.StateOrderScheduling {
		t.Fatalf("expected ORDER_SCHEDULING after retry, got %s", session.State)
	}
	order, _ = f.store.GetOrder(f.tenant.ID, session.PendingOrderID)
	if order.PaymentReference == "" || !strings.Contains(reply, order.PaymentReference) {
		t.Fatalf("expected reference after retry, got %q / %+v", reply, order)
	}
}

func TestReferenceStoreFailureNeverDuplicatesOrder(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.store = &flakyRefStore{Store: f.store, failures: 1}

	f.say(t, "+5215550014", "cola x 2")
	reply := f.say(t, "+5215550014", "si")

	// the failed reference write must not surface as an error: the order is
	// durable and the session moves to the followup state
	session := f.session(t, "+5215550014")
	if session.State != models.StatePaymentFollowup {
		t.Fatalf("expected PAYMENT_PENDING_FOLLOWUP, got %s", session.State)
	}
	if session.Draft != nil {
		t.Fatal("draft must be cleared once the order exists")
	}
	if !strings.Contains(reply, "generando tu referencia") {
		t.Fatalf("expected pending-reference notice, got %q", reply)
	}
	orderID := session.PendingOrderID

	product, _ := f.store.GetProduct(f.tenant.ID, "PRD-COLA")
	if product.Stock != 8 {
		t.Fatalf("expected a single decrement to 8, got %d", product.Stock)
	}

	// the next message retries only the reference step
	f.say(t, "+5215550014", "hola")
	session = f.session(t, "+5215550014")
	if session.State != models.StateOrderScheduling {
		t.Fatalf("expected ORDER_SCHEDULING after retry, got %s", session.State)
	}
	if session.PendingOrderID != orderID {
		t.Fatalf("retry must keep the same order, got %s then %s", orderID, session.PendingOrderID)
	}

	order, err := f.store.GetOrder(f.tenant.ID, orderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.PaymentReference == "" {
		t.Fatal("expected a payment reference after retry")
	}
	product, _ = f.store.GetProduct(f.tenant.ID, "PRD-COLA")
	if product.Stock != 8 {
		t.Fatalf("retry must not decrement again, got %d", product.Stock)
	}
}

func TestReopenedSessionKeepsPendingOrderReachable(t *testing.T) {
	f := newEngineFixture(t)

	current := time.Now()
	f.engine.nowFunc = func() time.Time { return current }

	f.say(t, "+5215550015", "cola x 3")
	f.say(t, "+5215550015", "si")
	orderID := f.session(t, "+5215550015").PendingOrderID

	// session idle-closes while the order is still unpaid
	current = current.Add(31 * time.Minute)
	if err := f.engine.ExpireIdle(context.Background(), f.tenant.ID, "+5215550015"); err != nil {
		t.Fatalf("ExpireIdle: %v", err)
	}

	// the reopened session can still poll the order
	reply := f.say(t, "+5215550015", "ya pagué")
	if !strings.Contains(reply, orderID) || !strings.Contains(reply, "Aún no veo tu pago") {
		t.Fatalf("expected status of order %s, got %q", orderID, reply)
	}

	// and still cancel it, restoring the stock
	f.say(t, "+5215550015", "cancelar")
	order, _ := f.store.GetOrder(f.tenant.ID, orderID)
	if order.Status != models.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", order.Status)
	}
	product, _ := f.store.GetProduct(f.tenant.ID, "PRD-COLA")
	if product.Stock != 10 {
		t.Fatalf("expected stock restored to 10, got %d", product.Stock)
	}
}

func TestIdleSessionClosesAndReopens(t *testing.T) {
	f := newEngineFixture(t)

	current := time.Now()
	f.engine.nowFunc = func() time.Time { return current }

	f.say(t, "+5215550009", "hola")

	// past T_close: the sweep finishes the session
	current = current.Add(31 * time.Minute)
	if err := f.engine.ExpireIdle(context.Background(), f.tenant.ID, "+5215550009"); err != nil {
		t.Fatalf("ExpireIdle: %v", err)
	}
	session := f.session(t, "+5215550009")
	if session.Active || session.State != models.StateFinished {
		t.Fatalf("expected inactive FINISHED session, got active=%v state=%s", session.Active, session.State)
	}

	// a new inbound message transparently reopens the conversation
	f.say(t, "+5215550009", "hola")
	session = f.session(t, "+5215550009")
	if !session.Active || session.State != models.StateBrowsing {
		t.Fatalf("expected reopened session, got active=%v state=%s", session.Active, session.State)
	}
}

func TestIdleWarningIsSentOnce(t *testing.T) {
	f := newEngineFixture(t)

	current := time.Now()
	f.engine.nowFunc = func() time.Time { return current }

	f.say(t, "+5215550010", "hola")
	sentBefore := f.notifier.count()

	current = current.Add(21 * time.Minute)
	for i := 0; i < 3; i++ {
		if err := f.engine.ExpireIdle(context.Background(), f.tenant.ID, "+5215550010"); err != nil {
			t.Fatalf("ExpireIdle: %v", err)
		}
	}

	if got := f.notifier.count() - sentBefore; got != 1 {
		t.Fatalf("expected exactly 1 idle warning, got %d", got)
	}
	session := f.session(t, "+5215550010")
	if !session.Active || !session.WarningSent {
		t.Fatalf("expected warned active session, got %+v", session)
	}
}

func TestConcurrentOrdersKeepStockMonotonic(t *testing.T) {
	f := newEngineFixture(t)

	const buyers = 14 // stock of Miel is 10
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conversationID := fmt.Sprintf("+52155511%04d", n)
			ctx := context.Background()
			if _, err := f.engine.HandleMessage(ctx, f.tenant.ID, conversationID, "miel x 1"); err != nil {
				t.Errorf("select for buyer %d: %v", n, err)
				return
			}
			if _, err := f.engine.HandleMessage(ctx, f.tenant.ID, conversationID, "si"); err != nil {
				t.Errorf("confirm for buyer %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	product, _ := f.store.GetProduct(f.tenant.ID, "PRD-MIEL")
	if product.Stock < 0 || product.Stock > 10 {
		t.Fatalf("stock out of bounds: %d", product.Stock)
	}

	orders := 0
	for i := 0; i < buyers; i++ {
		session := f.session(t, fmt.Sprintf("+52155511%04d", i))
		if session.PendingOrderID != "" {
			orders++
		}
	}
	if orders != 10 {
		t.Fatalf("expected exactly 10 orders for stock 10, got %d (stock %d)", orders, product.Stock)
	}
	if product.Stock != 0 {
		t.Fatalf("expected stock 0, got %d", product.Stock)
	}
}

func TestUnknownIntentGetsClarificationNotConfirmation(t *testing.T) {
	f := newEngineFixture(t)

	f.say(t, "+5215550011", "galletas x 2")
	reply := f.say(t, "+5215550011", "qwertyuiop")

	session := f.session(t, "+5215550011")
	if session.State != models.StateOrderConfirmation {
		t.Fatalf("unknown input must not leave ORDER_CONFIRMATION, got %s", session.State)
	}
	if session.PendingOrderID != "" {
		t.Fatal("unknown input must never confirm an order")
	}
	if !strings.Contains(reply, "Tu pedido") {
		t.Fatalf("expected summary reprompt, got %q", reply)
	}
}
