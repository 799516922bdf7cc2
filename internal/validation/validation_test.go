package validation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func intPtr(i int) *int { return &i }

func TestCartItemRequest(t *testing.T) {
	v := New()

	if err := v.Struct(CartItemRequest{ProductID: "p1", Quantity: intPtr(2)}); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := v.Struct(CartItemRequest{ProductID: "p1", Quantity: intPtr(0)}); err != nil {
		t.Fatalf("zero quantity removes the line, got %v", err)
	}
	if err := v.Struct(CartItemRequest{ProductID: "p1"}); err == nil {
		t.Fatal("expected error for missing quantity")
	}
	if err := v.Struct(CartItemRequest{ProductID: "p1", Quantity: intPtr(-1)}); err != nil {
		t.Fatalf("negative quantity removes the line, got %v", err)
	}
	if err := v.Struct(CartItemRequest{Quantity: intPtr(1)}); err == nil {
		t.Fatal("expected error for missing product id")
	}
}

func TestCheckoutHeaders(t *testing.T) {
	v := New()

	cases := []struct {
		key   string
		valid bool
	}{
		{"a1b2c3d4-0000-4000-8000-000000000000", true},
		{"short", false},
		{"has a space in it", false},
		{strings.Repeat("k", 256), false},
		{"", false},
	}
	for _, tc := range cases {
		err := v.Struct(CheckoutHeaders{UserID: "u1", IdempotencyKey: tc.key})
		if (err == nil) != tc.valid {
			t.Errorf("key %q: valid=%v err=%v", tc.key, tc.valid, err)
		}
	}
	if err := v.Struct(CheckoutHeaders{IdempotencyKey: "abcdefgh"}); err == nil {
		t.Fatal("expected error for missing user")
	}
}

func TestPaymentWebhookRequest(t *testing.T) {
	v := New()

	if err := v.Struct(PaymentWebhookRequest{OrderID: "o1", PaymentReference: "ch_1", Status: WebhookSucceeded}); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := v.Struct(PaymentWebhookRequest{OrderID: "o1", Status: WebhookFailed}); err != nil {
		t.Fatalf("failed status needs no reference, got %v", err)
	}
	if err := v.Struct(PaymentWebhookRequest{OrderID: "o1", Status: WebhookSucceeded}); err == nil {
		t.Fatal("expected error: success without reference")
	}
	if err := v.Struct(PaymentWebhookRequest{OrderID: "o1", PaymentReference: "x", Status: "refunded"}); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestBindAndValidate_Writes400(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := New()
	r := gin.New()
	r.POST("/cart", func(c *gin.Context) {
		var req CartItemRequest
		if err := BindAndValidate(c, &req, v); err != nil {
			return
		}
		c.Status(http.StatusNoContent)
	})

	cases := []struct {
		body      string
		wantCode  int
		wantError string
	}{
		{`{"product_id":"p1","quantity":1}`, http.StatusNoContent, ""},
		{`{"product_id":"p1"`, http.StatusBadRequest, "invalid_request_body"},
		{`{"product_id":"p1","quantity":-3}`, http.StatusNoContent, ""},
		{`{"product_id":"p1"}`, http.StatusBadRequest, "validation_failed"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/cart", strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		if w.Code != tc.wantCode {
			t.Fatalf("%s: code %d", tc.body, w.Code)
		}
		if tc.wantError != "" {
			var body map[string]any
			_ = json.Unmarshal(w.Body.Bytes(), &body)
			if body["error"] != tc.wantError {
				t.Fatalf("%s: body %v", tc.body, body)
			}
		}
	}
}

func TestValidationErrorsUseJSONNames(t *testing.T) {
	v := New()
	err := v.Struct(CartItemRequest{ProductID: strings.Repeat("p", 65)})
	fields := validationErrorsToMap(err)
	if fields["quantity"] != "required" || fields["product_id"] != "max=64" {
		t.Fatalf("unexpected fields %v", fields)
	}

	err = v.Struct(PaymentWebhookRequest{OrderID: "o1", Status: WebhookSucceeded})
	fields = validationErrorsToMap(err)
	if fields["payment_reference"] != "required_for_success" {
		t.Fatalf("unexpected fields %v", fields)
	}
}
