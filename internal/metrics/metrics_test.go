package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

// counterValue sums the samples of family name whose labels include want.
func counterValue(t *testing.T, m *Metrics, name string, want map[string]string) float64 {
	t.Helper()
	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, metric := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.CheckoutOutcome("paid")
	m.PaymentCall("succeeded")
	m.ReservationsSwept(3)
	m.Reconciliation("order_persist_failed")
}

func TestCounters(t *testing.T) {
	m := New()
	m.CheckoutOutcome("paid")
	m.CheckoutOutcome("paid")
	m.ReservationsSwept(3)
	m.ReservationsSwept(0)

	if got := counterValue(t, m, "storefront_checkout_outcomes_total", map[string]string{"outcome": "paid"}); got != 2 {
		t.Fatalf("paid = %v", got)
	}
	if got := counterValue(t, m, "storefront_inventory_reservations_swept_total", nil); got != 3 {
		t.Fatalf("swept = %v", got)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/api/items/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/items/42", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if got := counterValue(t, m, "storefront_http_requests_total", map[string]string{"route": "/api/items/:id", "method": "GET", "status": "204"}); got != 1 {
		t.Fatalf("requests = %v", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "storefront_http_requests_total") {
		t.Fatalf("exposition missing counter:\n%s", w.Body.String())
	}
}
