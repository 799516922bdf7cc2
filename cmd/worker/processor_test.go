package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-checkout-saga/internal/aws"
	"github.com/imrishuroy/go-checkout-saga/internal/aws/dynamofake"
	"github.com/imrishuroy/go-checkout-saga/internal/checkout"
	"github.com/imrishuroy/go-checkout-saga/internal/logging"
	"github.com/imrishuroy/go-checkout-saga/internal/money"
	"github.com/imrishuroy/go-checkout-saga/internal/orders"
	"github.com/imrishuroy/go-checkout-saga/internal/validation"
)

type fakeReconciler struct {
	keys []string
	res  *checkout.Result
	err  error
}

func (f *fakeReconciler) Reconcile(ctx context.Context, key string) (*checkout.Result, error) {
	f.keys = append(f.keys, key)
	return f.res, f.err
}

func newOrderStore(t *testing.T, status string) *orders.Store {
	t.Helper()
	db := dynamofake.New()
	db.CreateTable("orders", "order_id")
	db.CreateTable("order_keys", "idempotency_key")
	s := orders.NewStore(db, "orders", "order_keys")
	_, err := s.Create(context.Background(), orders.Order{
		OrderID:        "o1",
		UserID:         "u1",
		Total:          money.MustParse("10.00"),
		Status:         status,
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return s
}

func message(t *testing.T, id, msgType string, payload interface{}) events.SQSMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(aws.Envelope{Type: msgType, Payload: raw})
	if err != nil {
		t.Fatal(err)
	}
	return events.SQSMessage{MessageId: id, Body: string(body)}
}

func TestWorkerProcess_PaymentEvent(t *testing.T) {
	store := newOrderStore(t, orders.StatusPendingPayment)
	p := NewProcessor(store, &fakeReconciler{}, logging.Discard())

	ev := events.SQSEvent{Records: []events.SQSMessage{
		message(t, "m1", aws.MessageTypePaymentEvent, validation.PaymentWebhookRequest{
			OrderID: "o1", PaymentReference: "ch_1", Status: validation.WebhookSucceeded,
		}),
		// duplicate delivery is a no-op
		message(t, "m2", aws.MessageTypePaymentEvent, validation.PaymentWebhookRequest{
			OrderID: "o1", PaymentReference: "ch_1", Status: validation.WebhookSucceeded,
		}),
		// contradicting callback on a terminal order is ignored
		message(t, "m3", aws.MessageTypePaymentEvent, validation.PaymentWebhookRequest{
			OrderID: "o1", Status: validation.WebhookFailed,
		}),
	}}

	resp, err := p.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected worker error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("unexpected failures: %+v", resp.BatchItemFailures)
	}
	o, err := store.Get(context.Background(), "o1")
	if err != nil || o.Status != orders.StatusPaid {
		t.Fatalf("expected PAID, got %+v %v", o, err)
	}
}

// Checkout writes orders already PAID, so gateway callbacks for them never move state.
func TestWorkerProcess_CallbacksOnCheckoutOrderAreInert(t *testing.T) {
	store := newOrderStore(t, orders.StatusPaid)
	p := NewProcessor(store, &fakeReconciler{}, logging.Discard())

	resp, err := p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		message(t, "m1", aws.MessageTypePaymentEvent, validation.PaymentWebhookRequest{
			OrderID: "o1", PaymentReference: "ch_1", Status: validation.WebhookSucceeded,
		}),
		message(t, "m2", aws.MessageTypePaymentEvent, validation.PaymentWebhookRequest{
			OrderID: "o1", Status: validation.WebhookFailed, Reason: "late_decline",
		}),
	}})
	if err != nil {
		t.Fatalf("unexpected worker error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("inert callbacks must not be redelivered: %+v", resp.BatchItemFailures)
	}
	o, err := store.Get(context.Background(), "o1")
	if err != nil || o.Status != orders.StatusPaid {
		t.Fatalf("expected order to stay PAID, got %+v %v", o, err)
	}
}

func TestWorkerProcess_FailedPayment(t *testing.T) {
	store := newOrderStore(t, orders.StatusPendingPayment)
	p := NewProcessor(store, &fakeReconciler{}, logging.Discard())

	resp, _ := p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		message(t, "m1", aws.MessageTypePaymentEvent, validation.PaymentWebhookRequest{
			OrderID: "o1", Status: validation.WebhookFailed, Reason: "expired_card",
		}),
	}})
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("unexpected failures: %+v", resp.BatchItemFailures)
	}
	o, _ := store.Get(context.Background(), "o1")
	if o.Status != orders.StatusFailed {
		t.Fatalf("expected FAILED, got %s", o.Status)
	}
}

func TestWorkerProcess_PartialBatchFailures(t *testing.T) {
	store := newOrderStore(t, orders.StatusPendingPayment)
	recon := &fakeReconciler{err: checkout.ErrCheckoutInProgress}
	p := NewProcessor(store, recon, logging.Discard())

	ev := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "bad-json", Body: "{"},
		message(t, "unknown-type", "something_else", map[string]string{}),
		message(t, "missing-order", aws.MessageTypePaymentEvent, validation.PaymentWebhookRequest{
			OrderID: "nope", PaymentReference: "ch_9", Status: validation.WebhookSucceeded,
		}),
		message(t, "busy", aws.MessageTypeReconciliation, checkout.Event{
			Reason: checkout.ReasonOrderPersistFailed, IdempotencyKey: "k9",
		}),
		message(t, "ok", aws.MessageTypePaymentEvent, validation.PaymentWebhookRequest{
			OrderID: "o1", PaymentReference: "ch_1", Status: validation.WebhookSucceeded,
		}),
	}}

	resp, err := p.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected worker error: %v", err)
	}
	got := map[string]bool{}
	for _, f := range resp.BatchItemFailures {
		got[f.ItemIdentifier] = true
	}
	if len(got) != 2 || !got["missing-order"] || !got["busy"] {
		t.Fatalf("expected only retryable messages to fail, got %v", got)
	}
	if len(recon.keys) != 1 || recon.keys[0] != "k9" {
		t.Fatalf("reconciler calls %v", recon.keys)
	}
}

func TestWorkerProcess_Reconciliation(t *testing.T) {
	store := newOrderStore(t, orders.StatusPaid)
	recon := &fakeReconciler{res: &checkout.Result{Order: &orders.Order{OrderID: "o2"}}}
	p := NewProcessor(store, recon, logging.Discard())

	ev := events.SQSEvent{Records: []events.SQSMessage{
		message(t, "m1", aws.MessageTypeReconciliation, checkout.Event{
			Reason: checkout.ReasonOrderPersistFailed, IdempotencyKey: "k2", OrderID: "o2",
		}),
		message(t, "m2", aws.MessageTypeReconciliation, checkout.Event{Reason: checkout.ReasonReservationLost}),
	}}
	resp, _ := p.Handle(context.Background(), ev)
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("unexpected failures: %+v", resp.BatchItemFailures)
	}
	if len(recon.keys) != 1 || recon.keys[0] != "k2" {
		t.Fatalf("reconciler calls %v", recon.keys)
	}

	recon.err = errors.New("dynamo throttled")
	resp, _ = p.Handle(context.Background(), events.SQSEvent{Records: ev.Records[:1]})
	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "m1" {
		t.Fatalf("expected retry of m1, got %+v", resp.BatchItemFailures)
	}
}
