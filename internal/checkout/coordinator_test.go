package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/imrishuroy/go-checkout-saga/internal/aws/dynamofake"
	"github.com/imrishuroy/go-checkout-saga/internal/cart"
	"github.com/imrishuroy/go-checkout-saga/internal/catalog"
	"github.com/imrishuroy/go-checkout-saga/internal/idempotency"
	"github.com/imrishuroy/go-checkout-saga/internal/inventory"
	"github.com/imrishuroy/go-checkout-saga/internal/logging"
	"github.com/imrishuroy/go-checkout-saga/internal/money"
	"github.com/imrishuroy/go-checkout-saga/internal/orders"
	"github.com/imrishuroy/go-checkout-saga/internal/payment"
)

type recordingReconciler struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingReconciler) Report(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingReconciler) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type harness struct {
	db       *dynamofake.DB
	coord    *Coordinator
	carts    *cart.Store
	catalog  *catalog.Store
	ledger   *inventory.Ledger
	orders   *orders.Store
	requests *idempotency.Store
	attempts *AttemptStore
	gateway  *payment.Simulator
	recon    *recordingReconciler

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dynamofake.New()
	for table, key := range map[string]string{
		"products":     "product_id",
		"reservations": "reservation_id",
		"carts":        "user_id",
		"orders":       "order_id",
		"order_keys":   "idempotency_key",
		"requests":     "idempotency_key",
		"attempts":     "attempt_id",
	} {
		db.CreateTable(table, key)
	}
	logger := logging.Discard()
	h := &harness{
		db:       db,
		carts:    cart.NewStore(db, "carts", 10, nil),
		catalog:  catalog.NewStore(db, "products"),
		ledger:   inventory.NewLedger(db, "products", "reservations", 2*time.Minute, logger),
		orders:   orders.NewStore(db, "orders", "order_keys"),
		requests: idempotency.NewStore(db, "requests", 48*time.Hour),
		attempts: NewAttemptStore(db, "attempts", 48*time.Hour),
		gateway:  payment.NewSimulator(),
		recon:    &recordingReconciler{},
	}
	h.coord = NewCoordinator(Deps{
		Carts:      h.carts,
		Catalog:    h.catalog,
		Ledger:     h.ledger,
		Orders:     h.orders,
		Requests:   h.requests,
		Attempts:   h.attempts,
		Gateway:    h.gateway,
		Reconciler: h.recon,
		Logger:     logger,
	}, Config{
		RequestLease:       time.Minute,
		PaymentTimeout:     50 * time.Millisecond,
		PaymentMaxAttempts: 3,
		PaymentBackoff:     10 * time.Millisecond,
	})
	h.coord.sleep = func(d time.Duration) {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
	}
	return h
}

func (h *harness) seed(t *testing.T, id, price string, available int) {
	t.Helper()
	err := h.catalog.Create(context.Background(), catalog.Product{
		ProductID:  id,
		Name:       "product " + id,
		PriceCents: money.MustParse(price),
		Available:  available,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func (h *harness) add(t *testing.T, userID, productID string, qty int) {
	t.Helper()
	if _, err := h.carts.UpsertItem(context.Background(), userID, productID, qty); err != nil {
		t.Fatalf("add %s to cart: %v", productID, err)
	}
}

func (h *harness) available(t *testing.T, id string) int {
	t.Helper()
	p, err := h.catalog.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return p.Available
}

func (h *harness) request(t *testing.T, key string) *idempotency.Record {
	t.Helper()
	rec, err := h.requests.Get(context.Background(), key)
	if err != nil || rec == nil {
		t.Fatalf("get request %s: %v %v", key, rec, err)
	}
	return rec
}

func (h *harness) attemptState(t *testing.T, attemptID string) State {
	t.Helper()
	a, err := h.attempts.Get(context.Background(), attemptID)
	if err != nil || a == nil {
		t.Fatalf("get attempt %s: %v %v", attemptID, a, err)
	}
	return a.State
}

// standard fixture: two products, a cart worth 25.00
func (h *harness) standardCart(t *testing.T, userID string) {
	h.seed(t, "p1", "10.00", 5)
	h.seed(t, "p2", "5.00", 5)
	h.add(t, userID, "p1", 2)
	h.add(t, userID, "p2", 1)
}

func TestCheckout_PaidOrder(t *testing.T) {
	h := newHarness(t)
	h.standardCart(t, "u1")
	ctx := context.Background()

	res, err := h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	o := res.Order
	if o.Status != orders.StatusPaid || o.Total != money.MustParse("25.00") || o.PaymentReference == "" {
		t.Fatalf("unexpected order %+v", o)
	}
	if len(o.Items) != 2 || o.Items[0].UnitPrice != money.MustParse("10.00") || o.Items[0].Name != "product p1" {
		t.Fatalf("unexpected lines %+v", o.Items)
	}
	if res.Replayed || res.State != StateOrderPersisted {
		t.Fatalf("unexpected result %+v", res)
	}

	if h.available(t, "p1") != 3 || h.available(t, "p2") != 4 {
		t.Fatalf("stock not deducted: p1=%d p2=%d", h.available(t, "p1"), h.available(t, "p2"))
	}
	if h.db.Len("reservations") != 0 {
		t.Fatalf("reservations left behind: %d", h.db.Len("reservations"))
	}
	c, _ := h.carts.Get(ctx, "u1")
	if !c.IsEmpty() {
		t.Fatalf("cart not cleared: %+v", c)
	}
	if h.gateway.Charges() != 1 || h.gateway.Captured() != money.MustParse("25.00") {
		t.Fatalf("charges=%d captured=%s", h.gateway.Charges(), h.gateway.Captured())
	}

	rec := h.request(t, "k1")
	if rec.Status != idempotency.StatusDone || rec.ResponseStatus != 201 || !rec.Committed {
		t.Fatalf("unexpected request record %+v", rec)
	}
	if h.attemptState(t, res.AttemptID) != StateOrderPersisted {
		t.Fatalf("attempt state = %s", h.attemptState(t, res.AttemptID))
	}
	stored, err := h.orders.Get(ctx, o.OrderID)
	if err != nil || stored.Status != orders.StatusPaid {
		t.Fatalf("stored order %+v %v", stored, err)
	}
	if len(h.recon.Events()) != 0 {
		t.Fatalf("unexpected reconciliation %+v", h.recon.Events())
	}
}

func TestCheckout_SameKeyReplaysWithoutSecondCharge(t *testing.T) {
	h := newHarness(t)
	h.standardCart(t, "u1")
	ctx := context.Background()

	first, err := h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	// cart refilled; the same key must still not buy anything new
	h.add(t, "u1", "p1", 1)
	second, err := h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Replayed || second.Order.OrderID != first.Order.OrderID {
		t.Fatalf("expected replay of %s, got %+v", first.Order.OrderID, second)
	}
	if h.gateway.Calls() != 1 || h.db.Len("orders") != 1 || h.available(t, "p1") != 3 {
		t.Fatalf("calls=%d orders=%d p1=%d", h.gateway.Calls(), h.db.Len("orders"), h.available(t, "p1"))
	}
}

func TestCheckout_ConcurrentSameKey(t *testing.T) {
	h := newHarness(t)
	h.standardCart(t, "u1")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "same"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil && !errors.Is(err, ErrCheckoutInProgress) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if h.gateway.Charges() != 1 || h.db.Len("orders") != 1 || h.available(t, "p1") != 3 {
		t.Fatalf("charges=%d orders=%d p1=%d", h.gateway.Charges(), h.db.Len("orders"), h.available(t, "p1"))
	}
}

func TestCheckout_EmptyCartHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "p1", "10.00", 5)
	ctx := context.Background()

	_, err := h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"})
	if !errors.Is(err, ErrEmptyCart) || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
	if h.gateway.Calls() != 0 || h.db.Calls("TransactWriteItems") != 0 || h.db.Len("orders") != 0 {
		t.Fatalf("side effects: calls=%d tx=%d", h.gateway.Calls(), h.db.Calls("TransactWriteItems"))
	}
	if rec := h.request(t, "k1"); rec.Status != idempotency.StatusFailed || rec.HasSnapshot() {
		t.Fatalf("unexpected record %+v", rec)
	}

	// the key stays usable once the cart has something in it
	h.add(t, "u1", "p1", 1)
	res, err := h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Order.Total != money.MustParse("10.00") {
		t.Fatalf("total = %s", res.Order.Total)
	}
}

func TestCheckout_UnknownProduct(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "p1", "10.00", 5)
	h.add(t, "u1", "p1", 1)
	h.add(t, "u1", "ghost", 1)

	_, err := h.coord.Checkout(context.Background(), Request{UserID: "u1", IdempotencyKey: "k1"})
	if !errors.Is(err, ErrUnknownProduct) || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
	if h.gateway.Calls() != 0 || h.available(t, "p1") != 5 {
		t.Fatalf("side effects: calls=%d p1=%d", h.gateway.Calls(), h.available(t, "p1"))
	}
}

func TestCheckout_InsufficientStock(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "p1", "10.00", 5)
	h.seed(t, "p2", "5.00", 1)
	h.add(t, "u1", "p1", 2)
	h.add(t, "u1", "p2", 3)

	_, err := h.coord.Checkout(context.Background(), Request{UserID: "u1", IdempotencyKey: "k1"})
	var ise *inventory.InsufficientStockError
	if !errors.As(err, &ise) || ise.ProductID != "p2" {
		t.Fatalf("expected insufficient stock for p2, got %v", err)
	}
	if h.available(t, "p1") != 5 || h.available(t, "p2") != 1 || h.gateway.Calls() != 0 {
		t.Fatalf("stock touched: p1=%d p2=%d calls=%d", h.available(t, "p1"), h.available(t, "p2"), h.gateway.Calls())
	}
	rec := h.request(t, "k1")
	if rec.Status != idempotency.StatusFailed {
		t.Fatalf("status = %s", rec.Status)
	}
	if h.attemptState(t, rec.AttemptID) != StateReservationFailed {
		t.Fatalf("attempt state = %s", h.attemptState(t, rec.AttemptID))
	}
}

func TestCheckout_DeclineLeavesStockUnchanged(t *testing.T) {
	h := newHarness(t)
	h.standardCart(t, "u1")
	h.gateway.SetDecline("card_declined")
	ctx := context.Background()

	_, err := h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"})
	var de *PaymentDeclinedError
	if !errors.As(err, &de) || de.Reason != "card_declined" || !errors.Is(err, payment.ErrDeclined) {
		t.Fatalf("expected decline, got %v", err)
	}
	if h.available(t, "p1") != 5 || h.available(t, "p2") != 5 || h.db.Len("reservations") != 0 {
		t.Fatalf("stock not restored: p1=%d p2=%d", h.available(t, "p1"), h.available(t, "p2"))
	}
	if h.db.Len("orders") != 0 {
		t.Fatalf("order stored for declined payment")
	}
	c, _ := h.carts.Get(ctx, "u1")
	if c.IsEmpty() {
		t.Fatalf("cart cleared on decline")
	}
	rec := h.request(t, "k1")
	if rec.Status != idempotency.StatusDone || rec.ResponseStatus != 402 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if h.attemptState(t, rec.AttemptID) != StatePaymentFailed {
		t.Fatalf("attempt state = %s", h.attemptState(t, rec.AttemptID))
	}

	// replay answers with the same decline and no new gateway call
	_, err = h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"})
	if !errors.As(err, &de) || de.Reason != "card_declined" || h.gateway.Calls() != 1 {
		t.Fatalf("replay: %v calls=%d", err, h.gateway.Calls())
	}
}

func TestCheckout_TransientFailuresRetried(t *testing.T) {
	h := newHarness(t)
	h.standardCart(t, "u1")
	h.gateway.FailNext(2)

	res, err := h.coord.Checkout(context.Background(), Request{UserID: "u1", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if res.Order.Status != orders.StatusPaid || h.gateway.Calls() != 3 || h.gateway.Charges() != 1 {
		t.Fatalf("calls=%d charges=%d", h.gateway.Calls(), h.gateway.Charges())
	}
	if len(h.sleeps) != 2 || h.sleeps[0] != 10*time.Millisecond || h.sleeps[1] != 20*time.Millisecond {
		t.Fatalf("backoff = %v", h.sleeps)
	}
}

func TestCheckout_PaymentUnavailableIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.standardCart(t, "u1")
	h.gateway.FailNext(3)
	ctx := context.Background()

	_, err := h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"})
	if !errors.Is(err, ErrPaymentUnavailable) {
		t.Fatalf("expected ErrPaymentUnavailable, got %v", err)
	}
	if h.available(t, "p1") != 5 || h.db.Len("reservations") != 0 {
		t.Fatalf("reservation not released: p1=%d", h.available(t, "p1"))
	}
	failed := h.request(t, "k1")
	if failed.Status != idempotency.StatusFailed || failed.PaymentKey == "" {
		t.Fatalf("unexpected record %+v", failed)
	}

	res, err := h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	done := h.request(t, "k1")
	if done.PaymentKey != failed.PaymentKey || done.AttemptID == failed.AttemptID {
		t.Fatalf("payment key must survive retries: %s vs %s", done.PaymentKey, failed.PaymentKey)
	}
	if res.Order.OrderID != failed.OrderID || h.gateway.Charges() != 1 || h.available(t, "p1") != 3 {
		t.Fatalf("order=%s charges=%d p1=%d", res.Order.OrderID, h.gateway.Charges(), h.available(t, "p1"))
	}
}

func TestCheckout_PaymentTimeoutIsTransient(t *testing.T) {
	h := newHarness(t)
	h.standardCart(t, "u1")
	h.gateway.OnCall(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := h.coord.Checkout(context.Background(), Request{UserID: "u1", IdempotencyKey: "k1"})
	if !errors.Is(err, ErrPaymentUnavailable) {
		t.Fatalf("expected ErrPaymentUnavailable, got %v", err)
	}
	if h.gateway.Calls() != 3 || h.available(t, "p1") != 5 {
		t.Fatalf("calls=%d p1=%d", h.gateway.Calls(), h.available(t, "p1"))
	}
}

func TestCheckout_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.standardCart(t, "u1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.gateway.Calls() != 0 || h.available(t, "p1") != 5 {
		t.Fatalf("calls=%d p1=%d", h.gateway.Calls(), h.available(t, "p1"))
	}
	if rec := h.request(t, "k1"); rec.Status != idempotency.StatusFailed {
		t.Fatalf("status = %s", rec.Status)
	}
}

type cancelAfterReserve struct {
	Ledger
	cancel context.CancelFunc
}

func (l cancelAfterReserve) Reserve(ctx context.Context, attemptID string, items []inventory.Item) (inventory.ReservationSet, error) {
	set, err := l.Ledger.Reserve(ctx, attemptID, items)
	l.cancel()
	return set, err
}

func TestCheckout_CancelledAfterReserveReleases(t *testing.T) {
	h := newHarness(t)
	h.standardCart(t, "u1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.coord.Ledger = cancelAfterReserve{Ledger: h.ledger, cancel: cancel}

	_, err := h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.gateway.Calls() != 0 || h.available(t, "p1") != 5 || h.db.Len("reservations") != 0 {
		t.Fatalf("calls=%d p1=%d reservations=%d", h.gateway.Calls(), h.available(t, "p1"), h.db.Len("reservations"))
	}
	rec := h.request(t, "k1")
	if h.attemptState(t, rec.AttemptID) != StatePaymentFailed {
		t.Fatalf("attempt state = %s", h.attemptState(t, rec.AttemptID))
	}
}

func TestCheckout_CancelDuringPaymentStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.standardCart(t, "u1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.gateway.OnCall(func(context.Context) error {
		cancel()
		return nil
	})

	res, err := h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if res.Order.Status != orders.StatusPaid || h.db.Len("orders") != 1 || h.available(t, "p1") != 3 {
		t.Fatalf("order=%+v orders=%d p1=%d", res.Order, h.db.Len("orders"), h.available(t, "p1"))
	}
}

func TestCheckout_PersistenceFailureThenReconcile(t *testing.T) {
	h := newHarness(t)
	h.standardCart(t, "u1")
	ctx := context.Background()
	h.db.FailOn("TransactWriteItems", "orders", errors.New("orders table unavailable"))

	_, err := h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"})
	var pe *PostPaymentPersistenceError
	if !errors.As(err, &pe) || !errors.Is(err, ErrPostPaymentPersistence) {
		t.Fatalf("expected post-payment persistence error, got %v", err)
	}
	if pe.PaymentReference == "" || pe.IdempotencyKey != "k1" {
		t.Fatalf("unexpected error detail %+v", pe)
	}
	events := h.recon.Events()
	if len(events) != 1 || events[0].Reason != ReasonOrderPersistFailed || events[0].Amount != money.MustParse("25.00") {
		t.Fatalf("unexpected reconciliation events %+v", events)
	}
	// stock stays sold and nothing is left for the sweeper to hand back
	if h.available(t, "p1") != 3 || h.db.Len("reservations") != 0 {
		t.Fatalf("p1=%d reservations=%d", h.available(t, "p1"), h.db.Len("reservations"))
	}
	rec := h.request(t, "k1")
	if rec.Status != idempotency.StatusFailed || !rec.Paid() || !rec.Committed {
		t.Fatalf("unexpected record %+v", rec)
	}
	if h.attemptState(t, rec.AttemptID) != StatePersistenceFailed {
		t.Fatalf("attempt state = %s", h.attemptState(t, rec.AttemptID))
	}

	h.db.ClearFailures()
	res, err := h.coord.Reconcile(ctx, "k1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Order.OrderID != pe.OrderID || res.Order.PaymentReference != pe.PaymentReference {
		t.Fatalf("reconciled order %+v", res.Order)
	}
	if h.gateway.Calls() != 1 || h.db.Len("orders") != 1 || h.available(t, "p1") != 3 {
		t.Fatalf("calls=%d orders=%d p1=%d", h.gateway.Calls(), h.db.Len("orders"), h.available(t, "p1"))
	}
	if len(h.recon.Events()) != 1 {
		t.Fatalf("resume must not report again: %+v", h.recon.Events())
	}
	if done := h.request(t, "k1"); done.Status != idempotency.StatusDone {
		t.Fatalf("status = %s", done.Status)
	}

	// nothing left to do
	res, err = h.coord.Reconcile(ctx, "k1")
	if err != nil || res != nil {
		t.Fatalf("second reconcile: %+v %v", res, err)
	}
}

func TestCheckout_ReclaimReleasesAbandonedReservation(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "p1", "10.00", 5)
	ctx := context.Background()

	// an attempt that reserved and then died without cleaning up
	rec, _, err := h.requests.Claim(ctx, "k1", "u1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	lines := []orders.Item{{ProductID: "p1", Name: "product p1", Quantity: 2, UnitPrice: money.MustParse("10.00")}}
	if err := h.requests.SaveSnapshot(ctx, "k1", rec.AttemptID, lines, money.MustParse("20.00"), PaymentKey("u1", rec.AttemptID, lines)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := h.ledger.Reserve(ctx, rec.AttemptID, []inventory.Item{{ProductID: "p1", Quantity: 2}}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := h.requests.MarkFailed(ctx, "k1", rec.AttemptID, "crashed"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	res, err := h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if res.Order.Total != money.MustParse("20.00") || res.Order.OrderID != rec.OrderID {
		t.Fatalf("snapshot not reused: %+v", res.Order)
	}
	if h.available(t, "p1") != 3 || h.db.Len("reservations") != 0 {
		t.Fatalf("p1=%d reservations=%d", h.available(t, "p1"), h.db.Len("reservations"))
	}
}

func TestCheckout_LiveAttemptReportsInProgress(t *testing.T) {
	h := newHarness(t)
	h.standardCart(t, "u1")
	ctx := context.Background()
	if _, _, err := h.requests.Claim(ctx, "k1", "u1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"}); !errors.Is(err, ErrCheckoutInProgress) {
		t.Fatalf("expected ErrCheckoutInProgress, got %v", err)
	}
}

func TestCheckout_KeyOfAnotherUser(t *testing.T) {
	h := newHarness(t)
	h.standardCart(t, "u1")
	ctx := context.Background()
	if _, err := h.coord.Checkout(ctx, Request{UserID: "u1", IdempotencyKey: "k1"}); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if _, err := h.coord.Checkout(ctx, Request{UserID: "u2", IdempotencyKey: "k1"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := h.coord.Checkout(ctx, Request{UserID: "u1"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing key: expected ErrValidation, got %v", err)
	}
}

func TestCheckout_ContendedStockNeverOversells(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "p1", "10.00", 3)
	const buyers = 10
	for i := 0; i < buyers; i++ {
		h.add(t, fmt.Sprintf("u%d", i), "p1", 1)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	paid, short := 0, 0
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.coord.Checkout(context.Background(), Request{UserID: fmt.Sprintf("u%d", i), IdempotencyKey: fmt.Sprintf("k%d", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				paid++
			case errors.Is(err, inventory.ErrInsufficientStock):
				short++
			default:
				t.Errorf("buyer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if paid != 3 || short != buyers-3 {
		t.Fatalf("paid=%d short=%d", paid, short)
	}
	if h.available(t, "p1") != 0 || h.gateway.Charges() != 3 || h.db.Len("orders") != 3 {
		t.Fatalf("p1=%d charges=%d orders=%d", h.available(t, "p1"), h.gateway.Charges(), h.db.Len("orders"))
	}
}

func TestCheckout_ProductRowConflictStillSucceeds(t *testing.T) {
	h := newHarness(t)
	h.standardCart(t, "u1")
	h.db.ConflictNext("products", 1)

	res, err := h.coord.Checkout(context.Background(), Request{UserID: "u1", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("checkout with sufficient stock failed on a transaction conflict: %v", err)
	}
	if res.Order.Total != money.MustParse("25.00") {
		t.Fatalf("total = %s", res.Order.Total)
	}
	if h.available(t, "p1") != 3 || h.available(t, "p2") != 4 {
		t.Fatalf("unexpected stock p1=%d p2=%d", h.available(t, "p1"), h.available(t, "p2"))
	}
}

func TestCheckout_DeclineRestoresStockDespiteReleaseConflict(t *testing.T) {
	h := newHarness(t)
	h.standardCart(t, "u1")
	h.gateway.SetDecline("card_declined")
	// the reservation exists by the time payment is attempted; the release that follows
	// the decline runs into a concurrent transaction on the product row
	h.gateway.OnCall(func(ctx context.Context) error {
		h.db.ConflictNext("products", 1)
		return nil
	})

	_, err := h.coord.Checkout(context.Background(), Request{UserID: "u1", IdempotencyKey: "k1"})
	var de *PaymentDeclinedError
	if !errors.As(err, &de) {
		t.Fatalf("expected decline, got %v", err)
	}
	if h.available(t, "p1") != 5 || h.available(t, "p2") != 5 || h.db.Len("reservations") != 0 {
		t.Fatalf("stock not restored: p1=%d p2=%d rows=%d", h.available(t, "p1"), h.available(t, "p2"), h.db.Len("reservations"))
	}
}
