package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveTransition(t *testing.T) {
	before := testutil.ToFloat64(TransitionsTotal.WithLabelValues("connecting", "connected", "handshake_ok"))

	ObserveTransition("connecting", "connected", "handshake_ok")

	after := testutil.ToFloat64(TransitionsTotal.WithLabelValues("connecting", "connected", "handshake_ok"))
	if after != before+1 {
		t.Errorf("expected transition counter to grow by 1, got %v -> %v", before, after)
	}
	for _, p := range Phases {
		want := 0.0
		if p == "connected" {
			want = 1
		}
		if got := testutil.ToFloat64(SessionPhase.WithLabelValues(p)); got != want {
			t.Errorf("phase %s = %v, want %v", p, got, want)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	MessagesTotal.WithLabelValues("optimistic").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `chat_messages_total{outcome="optimistic"}`) {
		t.Error("expected chat_messages_total in the exposition")
	}
}
