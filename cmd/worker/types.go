package main

import (
	"github.com/imrishuroy/go-checkout-saga/internal/checkout"
	"github.com/imrishuroy/go-checkout-saga/internal/validation"
)

// PaymentEvent is the payload of a payment_event message, as accepted by the webhook.
type PaymentEvent = validation.PaymentWebhookRequest

// ReconciliationEvent is the payload of a reconciliation message.
type ReconciliationEvent = checkout.Event
