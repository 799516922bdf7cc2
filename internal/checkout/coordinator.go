// Package checkout turns a cart into a paid order. The Coordinator runs a saga over the
// cart, the catalog, the inventory ledger, the payment gateway and the order store, and
// compensates (releases the reservation) when payment does not go through.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/imrishuroy/go-checkout-saga/internal/cart"
	"github.com/imrishuroy/go-checkout-saga/internal/catalog"
	"github.com/imrishuroy/go-checkout-saga/internal/idempotency"
	"github.com/imrishuroy/go-checkout-saga/internal/inventory"
	"github.com/imrishuroy/go-checkout-saga/internal/metrics"
	"github.com/imrishuroy/go-checkout-saga/internal/money"
	"github.com/imrishuroy/go-checkout-saga/internal/orders"
	"github.com/imrishuroy/go-checkout-saga/internal/payment"
)

const commitRetries = 3

// CartStore is the part of cart.Store the coordinator needs.
type CartStore interface {
	Get(ctx context.Context, userID string) (cart.Cart, error)
	Clear(ctx context.Context, userID string) error
}

// Catalog prices cart lines.
type Catalog interface {
	GetMany(ctx context.Context, productIDs []string) (map[string]catalog.Product, error)
}

// Ledger reserves and settles stock.
type Ledger interface {
	Reserve(ctx context.Context, attemptID string, items []inventory.Item) (inventory.ReservationSet, error)
	Commit(ctx context.Context, set inventory.ReservationSet) error
	Release(ctx context.Context, set inventory.ReservationSet) error
}

// OrderStore persists orders.
type OrderStore interface {
	Create(ctx context.Context, order orders.Order) (string, error)
	Get(ctx context.Context, orderID string) (*orders.Order, error)
}

// RequestStore holds the idempotent checkout request records.
type RequestStore interface {
	Claim(ctx context.Context, key, userID string, lease time.Duration) (*idempotency.Record, bool, error)
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	SaveSnapshot(ctx context.Context, key, attemptID string, lines []orders.Item, amount money.Amount, paymentKey string) error
	RecordPayment(ctx context.Context, key, attemptID, outcome, reference string) error
	MarkCommitted(ctx context.Context, key, attemptID string) error
	MarkDone(ctx context.Context, key, attemptID, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, attemptID, note string) error
}

// Config tunes the payment step and the request lease.
type Config struct {
	RequestLease       time.Duration
	PaymentTimeout     time.Duration
	PaymentMaxAttempts int
	PaymentBackoff     time.Duration
}

// Deps groups the collaborators of the Coordinator.
type Deps struct {
	Carts      CartStore
	Catalog    Catalog
	Ledger     Ledger
	Orders     OrderStore
	Requests   RequestStore
	Attempts   *AttemptStore
	Gateway    payment.Gateway
	Reconciler Reconciler
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Request identifies one checkout. Retries must reuse IdempotencyKey.
type Request struct {
	UserID         string
	IdempotencyKey string
}

// Result of a successful checkout.
type Result struct {
	Order     *orders.Order
	AttemptID string
	State     State
	// Replayed is set when the order was produced by an earlier call with the same key.
	Replayed bool
}

type declineBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Coordinator runs checkouts. It is safe for concurrent use.
type Coordinator struct {
	Deps
	cfg     Config
	nowFunc func() time.Time
	sleep   func(time.Duration)
}

func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	if cfg.PaymentMaxAttempts < 1 {
		cfg.PaymentMaxAttempts = 1
	}
	if cfg.RequestLease <= 0 {
		cfg.RequestLease = time.Minute
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 5 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Reconciler == nil {
		deps.Reconciler = LogReconciler{Logger: deps.Logger}
	}
	return &Coordinator{Deps: deps, cfg: cfg, nowFunc: time.Now, sleep: time.Sleep}
}

// attempt is the per-call state threaded through the saga steps.
type attempt struct {
	rec   *idempotency.Record
	state State
	log   *slog.Logger
}

func (a *attempt) id() string  { return a.rec.AttemptID }
func (a *attempt) key() string { return a.rec.IdempotencyKey }

// Checkout converts the user's cart into a paid order.
//
// Cancellation of ctx is honoured until the payment call starts; after that the attempt
// runs to completion so a charge is never left without its order.
func (c *Coordinator) Checkout(ctx context.Context, req Request) (*Result, error) {
	if req.UserID == "" || req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: user id and idempotency key are required", ErrValidation)
	}

	rec, claimed, err := c.Requests.Claim(ctx, req.IdempotencyKey, req.UserID, c.cfg.RequestLease)
	if err != nil {
		if errors.Is(err, idempotency.ErrUserMismatch) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, fmt.Errorf("claim checkout request: %w", err)
	}
	if !claimed {
		return c.replay(ctx, rec)
	}

	a := &attempt{
		rec:   rec,
		state: StateStarted,
		log: c.Logger.With(
			"idempotency_key", rec.IdempotencyKey,
			"attempt_id", rec.AttemptID,
			"user_id", rec.UserID,
			"order_id", rec.OrderID,
		),
	}
	if err := c.Attempts.Start(ctx, a.id(), a.key(), rec.UserID); err != nil {
		c.markFailed(ctx, a, "start attempt: "+err.Error())
		return nil, fmt.Errorf("start attempt: %w", err)
	}
	a.log.Info("checkout attempt started", "attempt", rec.Attempts)

	if rec.Paid() {
		return c.resume(ctx, a)
	}
	if rec.PreviousAttemptID != "" && rec.HasSnapshot() {
		prev := inventory.ReservationSet{AttemptID: rec.PreviousAttemptID, Items: reservationItems(rec.Lines)}
		if err := c.Ledger.Release(ctx, prev); err != nil {
			// the sweeper returns whatever is left once it expires
			a.log.Warn("release previous attempt reservation", "previous_attempt_id", rec.PreviousAttemptID, "error", err)
		}
	}
	return c.run(ctx, a)
}

func (c *Coordinator) run(ctx context.Context, a *attempt) (*Result, error) {
	rec := a.rec
	if !rec.HasSnapshot() {
		if err := c.snapshot(ctx, a); err != nil {
			c.fail(ctx, a, StateReservationFailed, err.Error())
			c.Metrics.CheckoutOutcome(outcomeOf(err))
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		c.fail(ctx, a, StateReservationFailed, "cancelled before reservation")
		c.Metrics.CheckoutOutcome("cancelled")
		return nil, err
	}

	set, err := c.Ledger.Reserve(ctx, a.id(), reservationItems(rec.Lines))
	if err != nil {
		c.fail(ctx, a, StateReservationFailed, err.Error())
		c.Metrics.CheckoutOutcome(outcomeOf(err))
		var ise *inventory.InsufficientStockError
		if errors.As(err, &ise) {
			a.log.Info("checkout rejected: insufficient stock", "product_id", ise.ProductID)
			return nil, err
		}
		return nil, fmt.Errorf("reserve inventory: %w", err)
	}
	if err := c.advance(ctx, a, StateInventoryReserved, ""); err != nil {
		c.compensate(ctx, a, set)
		c.fail(ctx, a, StateReservationFailed, err.Error())
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		c.compensate(ctx, a, set)
		c.fail(ctx, a, StatePaymentFailed, "cancelled before payment")
		c.Metrics.CheckoutOutcome("cancelled")
		return nil, err
	}
	// past this point the customer may be charged; the caller going away must not stop us
	ctx = context.WithoutCancel(ctx)

	res, err := c.pay(ctx, a, rec.Amount, rec.PaymentKey)
	if err != nil {
		c.compensate(ctx, a, set)
		c.fail(ctx, a, StatePaymentFailed, err.Error())
		c.Metrics.CheckoutOutcome("payment_unavailable")
		return nil, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}
	if res.Outcome != payment.OutcomeSucceeded {
		c.compensate(ctx, a, set)
		return nil, c.declined(ctx, a, res)
	}

	if err := c.Requests.RecordPayment(ctx, a.key(), a.id(), idempotency.OutcomeSucceeded, res.Reference); err != nil {
		// a retry re-sends the same payment key and gets the same reference back
		a.log.Error("record payment outcome", "payment_reference", res.Reference, "error", err)
	}
	rec.PaymentOutcome, rec.PaymentReference, rec.ReservedBy = idempotency.OutcomeSucceeded, res.Reference, a.id()
	_ = c.advance(ctx, a, StatePaymentAuthorized, res.Reference)

	return c.complete(ctx, a, set)
}

// snapshot prices the cart and stores lines, total and payment key on the request record.
func (c *Coordinator) snapshot(ctx context.Context, a *attempt) error {
	rec := a.rec
	ct, err := c.Carts.Get(ctx, rec.UserID)
	if err != nil {
		return fmt.Errorf("load cart: %w", err)
	}
	if ct.IsEmpty() {
		return ErrEmptyCart
	}
	lines, total, err := c.price(ctx, ct.Items)
	if err != nil {
		return err
	}
	key := PaymentKey(rec.UserID, rec.AttemptID, lines)
	if err := c.Requests.SaveSnapshot(ctx, a.key(), a.id(), lines, total, key); err != nil {
		return fmt.Errorf("save checkout snapshot: %w", err)
	}
	rec.Lines, rec.Amount, rec.PaymentKey = lines, total, key
	return nil
}

// price re-reads every product so the order carries current catalog prices.
func (c *Coordinator) price(ctx context.Context, items []cart.Item) ([]orders.Item, money.Amount, error) {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, 0, fmt.Errorf("%w: product %s has quantity %d", ErrValidation, it.ProductID, it.Quantity)
		}
		ids = append(ids, it.ProductID)
	}
	products, err := c.Catalog.GetMany(ctx, ids)
	if err != nil {
		if errors.Is(err, catalog.ErrProductNotFound) {
			return nil, 0, fmt.Errorf("%w: %v", ErrUnknownProduct, err)
		}
		return nil, 0, fmt.Errorf("price cart: %w", err)
	}

	lines := make([]orders.Item, 0, len(items))
	var total money.Amount
	for _, it := range items {
		p, ok := products[it.ProductID]
		if !ok {
			return nil, 0, fmt.Errorf("%w: %s", ErrUnknownProduct, it.ProductID)
		}
		line := orders.Item{ProductID: p.ProductID, Name: p.Name, Quantity: it.Quantity, UnitPrice: p.PriceCents}
		lines = append(lines, line)
		total = total.Add(line.Subtotal())
	}
	return lines, total, nil
}

// pay calls the gateway with a per-call timeout, retrying transient failures with
// exponential backoff and always the same key.
func (c *Coordinator) pay(ctx context.Context, a *attempt, amount money.Amount, key string) (payment.Result, error) {
	var lastErr error
	backoff := c.cfg.PaymentBackoff
	for i := 0; i < c.cfg.PaymentMaxAttempts; i++ {
		if i > 0 && backoff > 0 {
			c.sleep(backoff)
			backoff *= 2
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.PaymentTimeout)
		res, err := c.Gateway.AuthorizeAndCapture(callCtx, amount, key)
		cancel()
		if err == nil {
			c.Metrics.PaymentCall(res.Outcome)
			a.log.Info("payment call finished", "outcome", res.Outcome, "payment_reference", res.Reference, "call", i+1)
			return res, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", payment.ErrTransient, err)
		}
		lastErr = err
		if !errors.Is(err, payment.ErrTransient) {
			c.Metrics.PaymentCall("error")
			a.log.Error("payment call failed", "error", err, "call", i+1)
			return payment.Result{}, err
		}
		c.Metrics.PaymentCall("transient")
		a.log.Warn("payment call failed transiently", "error", err, "call", i+1)
	}
	return payment.Result{}, lastErr
}

func (c *Coordinator) declined(ctx context.Context, a *attempt, res payment.Result) error {
	if err := c.Requests.RecordPayment(ctx, a.key(), a.id(), idempotency.OutcomeDeclined, res.Reference); err != nil {
		a.log.Error("record declined payment", "error", err)
	}
	_ = c.advance(ctx, a, StatePaymentFailed, "declined: "+res.Reason)
	body, _ := json.Marshal(declineBody{Error: "payment_declined", Reason: res.Reason})
	if err := c.Requests.MarkDone(ctx, a.key(), a.id(), string(body), http.StatusPaymentRequired); err != nil {
		a.log.Error("mark declined checkout done", "error", err)
	}
	c.Metrics.CheckoutOutcome("declined")
	a.log.Info("payment declined", "reason", res.Reason)
	return &PaymentDeclinedError{Reason: res.Reason}
}

// resume finishes a request whose payment went through in an earlier attempt.
func (c *Coordinator) resume(ctx context.Context, a *attempt) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	a.log.Info("resuming paid checkout", "payment_reference", a.rec.PaymentReference, "reserved_by", a.rec.ReservedBy)
	_ = c.advance(ctx, a, StatePaymentAuthorized, "resumed "+a.rec.PaymentReference)
	set := inventory.ReservationSet{AttemptID: a.rec.ReservedBy, Items: reservationItems(a.rec.Lines)}
	return c.complete(ctx, a, set)
}

// complete persists the order, settles the reservation and clears the cart. ctx must not
// be cancellable.
func (c *Coordinator) complete(ctx context.Context, a *attempt, set inventory.ReservationSet) (*Result, error) {
	rec := a.rec
	now := c.nowFunc().UTC()
	order := orders.Order{
		OrderID:          rec.OrderID,
		UserID:           rec.UserID,
		Items:            rec.Lines,
		Total:            rec.Amount,
		Status:           orders.StatusPaid,
		PaymentReference: rec.PaymentReference,
		IdempotencyKey:   rec.IdempotencyKey,
		CreatedAt:        now,
	}
	_, err := c.Orders.Create(ctx, order)
	if errors.Is(err, orders.ErrConflictingOrder) {
		// stored by an earlier attempt of this request
		var existing *orders.Order
		existing, err = c.Orders.Get(ctx, rec.OrderID)
		if err == nil {
			order = *existing
		}
	}
	if err != nil {
		return nil, c.persistenceFailed(ctx, a, set, err)
	}

	c.settle(ctx, a, set)
	if err := c.Carts.Clear(ctx, rec.UserID); err != nil {
		a.log.Warn("clear cart after checkout", "error", err)
	}
	_ = c.advance(ctx, a, StateOrderPersisted, "")

	body, _ := json.Marshal(order)
	if err := c.Requests.MarkDone(ctx, a.key(), a.id(), string(body), http.StatusCreated); err != nil {
		a.log.Error("mark checkout done", "error", err)
	}
	c.Metrics.CheckoutOutcome("paid")
	a.log.Info("checkout completed", "total", order.Total.String(), "payment_reference", order.PaymentReference)
	return &Result{Order: &order, AttemptID: a.id(), State: a.state}, nil
}

func (c *Coordinator) persistenceFailed(ctx context.Context, a *attempt, set inventory.ReservationSet, cause error) error {
	rec := a.rec
	// the stock is sold; keep the sweeper from handing it back
	c.settle(ctx, a, set)
	_ = c.advance(ctx, a, StatePersistenceFailed, cause.Error())
	c.markFailed(ctx, a, "order persistence failed after payment: "+cause.Error())
	c.reconcile(ctx, a, ReasonOrderPersistFailed, nil, cause)
	c.Metrics.CheckoutOutcome("persistence_failed")
	return &PostPaymentPersistenceError{
		IdempotencyKey:   rec.IdempotencyKey,
		OrderID:          rec.OrderID,
		PaymentReference: rec.PaymentReference,
		Err:              cause,
	}
}

// settle commits the paid-for reservation once per request. Lost reservations and
// repeated commit failures go to reconciliation.
func (c *Coordinator) settle(ctx context.Context, a *attempt, set inventory.ReservationSet) {
	if a.rec.Committed || set.AttemptID == "" {
		return
	}
	var err error
	for i := 0; i < commitRetries; i++ {
		if err = c.Ledger.Commit(ctx, set); err == nil || errors.Is(err, inventory.ErrReservationLost) {
			break
		}
	}
	var lost *inventory.LostReservationError
	switch {
	case err == nil:
	case errors.As(err, &lost):
		c.reconcile(ctx, a, ReasonReservationLost, lost.ProductIDs, err)
	default:
		c.reconcile(ctx, a, ReasonCommitFailed, nil, err)
		return
	}
	if err := c.Requests.MarkCommitted(ctx, a.key(), a.id()); err != nil {
		a.log.Warn("mark reservation committed", "error", err)
	}
	a.rec.Committed = true
}

func (c *Coordinator) reconcile(ctx context.Context, a *attempt, reason string, products []string, cause error) {
	rec := a.rec
	ev := Event{
		Reason:           reason,
		IdempotencyKey:   rec.IdempotencyKey,
		UserID:           rec.UserID,
		AttemptID:        rec.AttemptID,
		OrderID:          rec.OrderID,
		PaymentReference: rec.PaymentReference,
		Amount:           rec.Amount,
		ProductIDs:       products,
		At:               c.nowFunc().UTC(),
	}
	if cause != nil {
		ev.Detail = cause.Error()
	}
	c.Metrics.Reconciliation(reason)
	if err := c.Reconciler.Report(ctx, ev); err != nil {
		a.log.Error("report reconciliation", "reason", reason, "error", err)
	}
}

// compensate gives the reserved stock back.
func (c *Coordinator) compensate(ctx context.Context, a *attempt, set inventory.ReservationSet) {
	if err := c.Ledger.Release(context.WithoutCancel(ctx), set); err != nil {
		a.log.Error("release reservation", "error", err)
	}
}

func (c *Coordinator) advance(ctx context.Context, a *attempt, to State, note string) error {
	if err := c.Attempts.Advance(context.WithoutCancel(ctx), a.id(), a.state, to, note); err != nil {
		a.log.Error("advance attempt state", "from", a.state, "to", to, "error", err)
		return err
	}
	a.state = to
	return nil
}

// fail moves the attempt to a failure state and leaves the request retryable.
func (c *Coordinator) fail(ctx context.Context, a *attempt, to State, note string) {
	_ = c.advance(ctx, a, to, note)
	c.markFailed(ctx, a, note)
}

func (c *Coordinator) markFailed(ctx context.Context, a *attempt, note string) {
	if err := c.Requests.MarkFailed(context.WithoutCancel(ctx), a.key(), a.id(), note); err != nil {
		a.log.Error("mark checkout request failed", "error", err)
	}
}

// replay answers a request that is already finished or still owned by a live attempt.
func (c *Coordinator) replay(ctx context.Context, rec *idempotency.Record) (*Result, error) {
	if rec.Status != idempotency.StatusDone {
		c.Metrics.CheckoutOutcome("in_progress")
		return nil, ErrCheckoutInProgress
	}
	if rec.PaymentOutcome == idempotency.OutcomeDeclined {
		var body declineBody
		_ = json.Unmarshal([]byte(rec.ResponseBody), &body)
		return nil, &PaymentDeclinedError{Reason: body.Reason}
	}
	order, err := c.Orders.Get(ctx, rec.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load replayed order %s: %w", rec.OrderID, err)
	}
	c.Metrics.CheckoutOutcome("replayed")
	return &Result{Order: order, AttemptID: rec.AttemptID, State: StateOrderPersisted, Replayed: true}, nil
}

// Reconcile finishes a request whose payment succeeded but whose order was never stored.
// Requests that are done, or were never charged, are left alone.
func (c *Coordinator) Reconcile(ctx context.Context, idempotencyKey string) (*Result, error) {
	rec, err := c.Requests.Get(ctx, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("load checkout request: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("checkout request %s not found", idempotencyKey)
	}
	if rec.Status == idempotency.StatusDone || !rec.Paid() {
		c.Logger.Info("nothing to reconcile", "idempotency_key", idempotencyKey, "status", rec.Status, "payment_outcome", rec.PaymentOutcome)
		return nil, nil
	}
	return c.Checkout(ctx, Request{UserID: rec.UserID, IdempotencyKey: idempotencyKey})
}

func reservationItems(lines []orders.Item) []inventory.Item {
	items := make([]inventory.Item, 0, len(lines))
	for _, l := range lines {
		items = append(items, inventory.Item{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return items
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrUnknownProduct):
		return "unknown_product"
	case errors.Is(err, inventory.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, inventory.ErrContention):
		return "inventory_contention"
	case errors.Is(err, ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}
