package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-checkout-saga/internal/aws"
	"github.com/imrishuroy/go-checkout-saga/internal/checkout"
	"github.com/imrishuroy/go-checkout-saga/internal/orders"
	"github.com/imrishuroy/go-checkout-saga/internal/validation"
)

// errPermanent marks messages that can never succeed; they are logged and dropped.
var errPermanent = errors.New("permanent message failure")

// OrderStatusUpdater applies payment outcomes to orders.
type OrderStatusUpdater interface {
	UpdateStatus(ctx context.Context, orderID, newStatus string) error
}

// CheckoutReconciler finishes paid checkouts whose order is missing.
type CheckoutReconciler interface {
	Reconcile(ctx context.Context, idempotencyKey string) (*checkout.Result, error)
}

// Processor handles SQS messages from the events queue.
type Processor struct {
	orders     OrderStatusUpdater
	reconciler CheckoutReconciler
	logger     *slog.Logger
}

// NewProcessor creates a worker processor.
func NewProcessor(orderStore OrderStatusUpdater, reconciler CheckoutReconciler, logger *slog.Logger) *Processor {
	return &Processor{orders: orderStore, reconciler: reconciler, logger: logger}
}

// Handle processes a batch and reports retryable failures individually so the rest of
// the batch is not redelivered.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		err := p.processMessage(ctx, rec)
		switch {
		case err == nil:
		case errors.Is(err, errPermanent):
			p.logger.Error("dropping message", "message_id", rec.MessageId, "error", err)
		default:
			p.logger.Warn("message will be retried", "message_id", rec.MessageId, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: rec.MessageId,
			})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var env aws.Envelope
	if err := json.Unmarshal([]byte(rec.Body), &env); err != nil {
		return fmt.Errorf("%w: invalid message body: %v", errPermanent, err)
	}

	switch env.Type {
	case aws.MessageTypePaymentEvent:
		var pe PaymentEvent
		if err := json.Unmarshal(env.Payload, &pe); err != nil {
			return fmt.Errorf("%w: invalid payment event: %v", errPermanent, err)
		}
		return p.applyPayment(ctx, pe)
	case aws.MessageTypeReconciliation:
		var re ReconciliationEvent
		if err := json.Unmarshal(env.Payload, &re); err != nil {
			return fmt.Errorf("%w: invalid reconciliation event: %v", errPermanent, err)
		}
		return p.reconcile(ctx, re)
	default:
		return fmt.Errorf("%w: unknown message type %q", errPermanent, env.Type)
	}
}

func (p *Processor) applyPayment(ctx context.Context, ev PaymentEvent) error {
	status := orders.StatusFailed
	if ev.Status == validation.WebhookSucceeded {
		status = orders.StatusPaid
	}

	err := p.orders.UpdateStatus(ctx, ev.OrderID, status)
	switch {
	case err == nil:
		p.logger.Info("payment event applied", "order_id", ev.OrderID, "status", status, "payment_reference", ev.PaymentReference)
		return nil
	case errors.Is(err, orders.ErrInvalidTransition):
		// a terminal order ignores late or contradicting provider callbacks
		p.logger.Warn("payment event ignored", "order_id", ev.OrderID, "status", status, "error", err)
		return nil
	case errors.Is(err, orders.ErrNotFound):
		// the order may still be on its way through reconciliation
		return fmt.Errorf("order %s: %w", ev.OrderID, err)
	default:
		return fmt.Errorf("update order %s to %s: %w", ev.OrderID, status, err)
	}
}

func (p *Processor) reconcile(ctx context.Context, ev ReconciliationEvent) error {
	if ev.IdempotencyKey == "" {
		return fmt.Errorf("%w: reconciliation event without idempotency key", errPermanent)
	}
	res, err := p.reconciler.Reconcile(ctx, ev.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("reconcile %s (%s): %w", ev.IdempotencyKey, ev.Reason, err)
	}
	if res == nil {
		p.logger.Info("reconciliation not needed", "idempotency_key", ev.IdempotencyKey, "reason", ev.Reason)
		return nil
	}
	p.logger.Info("checkout reconciled", "idempotency_key", ev.IdempotencyKey, "order_id", res.Order.OrderID, "reason", ev.Reason)
	return nil
}
