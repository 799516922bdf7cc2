package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/imrishuroy/go-checkout-saga/internal/money"
)

type chargeRequest struct {
	Amount money.Amount `json:"amount"`
	// Currency is fixed; the storefront sells in a single currency.
	Currency string `json:"currency"`
}

type chargeResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// HTTPGateway talks to a provider exposing POST {base}/charges with an Idempotency-Key
// header.
type HTTPGateway struct {
	baseURL  string
	apiKey   string
	currency string
	client   *http.Client
}

// NewHTTPGateway returns a gateway for baseURL. timeout bounds each HTTP round trip.
func NewHTTPGateway(baseURL, apiKey, currency string, timeout time.Duration) *HTTPGateway {
	if currency == "" {
		currency = "USD"
	}
	return &HTTPGateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		currency: currency,
		client:   &http.Client{Timeout: timeout},
	}
}

// AuthorizeAndCapture implements Gateway. 2xx is a success (unless the body says
// otherwise), 402 a decline, 408/429/5xx and transport errors are transient.
func (g *HTTPGateway) AuthorizeAndCapture(ctx context.Context, amount money.Amount, key string) (Result, error) {
	data, err := json.Marshal(chargeRequest{Amount: amount, Currency: g.currency})
	if err != nil {
		return Result{}, fmt.Errorf("marshal charge: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/charges", bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("build charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var cr chargeResponse
	_ = json.Unmarshal(body, &cr)

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		return Result{Outcome: OutcomeDeclined, Reference: cr.ID, Reason: cr.Reason}, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if cr.Status == OutcomeDeclined {
			return Result{Outcome: OutcomeDeclined, Reference: cr.ID, Reason: cr.Reason}, nil
		}
		if cr.ID == "" {
			return Result{}, fmt.Errorf("%w: response without charge id", ErrTransient)
		}
		return Result{Outcome: OutcomeSucceeded, Reference: cr.ID}, nil
	default:
		return Result{}, fmt.Errorf("charge rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
