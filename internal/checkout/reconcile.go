package checkout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/imrishuroy/go-checkout-saga/internal/aws"
	"github.com/imrishuroy/go-checkout-saga/internal/money"
)

// Reconciliation reasons.
const (
	ReasonOrderPersistFailed = "order_persist_failed"
	ReasonReservationLost    = "reservation_lost"
	ReasonCommitFailed       = "reservation_commit_failed"
)

// ReconcileMetric is the CloudWatch metric counting reconciliation events.
const ReconcileMetric = "ReconciliationRequired"

// Event describes a paid checkout whose bookkeeping is incomplete.
type Event struct {
	Reason           string       `json:"reason"`
	IdempotencyKey   string       `json:"idempotency_key"`
	UserID           string       `json:"user_id"`
	AttemptID        string       `json:"attempt_id"`
	OrderID          string       `json:"order_id"`
	PaymentReference string       `json:"payment_reference,omitempty"`
	Amount           money.Amount `json:"amount"`
	ProductIDs       []string     `json:"product_ids,omitempty"`
	Detail           string       `json:"detail,omitempty"`
	At               time.Time    `json:"at"`
}

// Reconciler receives events that need follow-up outside the request.
type Reconciler interface {
	Report(ctx context.Context, ev Event) error
}

// LogReconciler only writes the event to the log.
type LogReconciler struct {
	Logger *slog.Logger
}

func (r LogReconciler) Report(ctx context.Context, ev Event) error {
	logEvent(ctx, r.Logger, ev)
	return nil
}

// QueueReconciler logs the event, enqueues it for the worker and bumps a CloudWatch metric.
type QueueReconciler struct {
	publisher *aws.Publisher
	metrics   *aws.MetricEmitter
	logger    *slog.Logger
}

func NewQueueReconciler(publisher *aws.Publisher, metrics *aws.MetricEmitter, logger *slog.Logger) *QueueReconciler {
	return &QueueReconciler{publisher: publisher, metrics: metrics, logger: logger}
}

func (r *QueueReconciler) Report(ctx context.Context, ev Event) error {
	logEvent(ctx, r.logger, ev)
	var errs []error
	if r.publisher != nil {
		attrs := map[string]string{
			"idempotency_key": ev.IdempotencyKey,
			"order_id":        ev.OrderID,
			"reason":          ev.Reason,
		}
		if err := r.publisher.Publish(ctx, aws.MessageTypeReconciliation, ev, attrs); err != nil {
			errs = append(errs, err)
		}
	}
	if r.metrics != nil {
		if err := r.metrics.Count(ctx, ReconcileMetric, 1, map[string]string{"Reason": ev.Reason}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func logEvent(ctx context.Context, logger *slog.Logger, ev Event) {
	if logger == nil {
		return
	}
	logger.ErrorContext(ctx, "reconciliation required",
		"reason", ev.Reason,
		"idempotency_key", ev.IdempotencyKey,
		"attempt_id", ev.AttemptID,
		"order_id", ev.OrderID,
		"payment_reference", ev.PaymentReference,
		"amount", ev.Amount.String(),
		"products", ev.ProductIDs,
		"detail", ev.Detail,
	)
}
