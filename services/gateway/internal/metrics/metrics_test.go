package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Inc(m.BookingsSubmitted, OutcomeOK)
	m.Inc(m.BookingsSubmitted, OutcomeOK)
	m.Inc(m.ChatReplies, OutcomeFallback)

	if got := testutil.ToFloat64(m.BookingsSubmitted.WithLabelValues(OutcomeOK)); got != 2 {
		t.Fatalf("expected 2 submissions, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`quickfix_bookings_submitted_total{outcome="ok"} 2`,
		`quickfix_chat_replies_total{outcome="fallback"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc(nil, OutcomeOK)
}
