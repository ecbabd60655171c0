package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Relay("generateReply", "ok")
	m.Candidate("accepted")
	m.Batch("fallback", true)
	m.SetAttached(3)
	m.Lock("locked")
}

func TestCountersAndHandler(t *testing.T) {
	m := New(nil)
	m.Relay("generateReply", "ok")
	m.Relay("generateReply", "ok")
	m.Batch("generated", false)
	m.SetAttached(7)

	if got := testutil.ToFloat64(m.RelayRequests.WithLabelValues("generateReply", "ok")); got != 2 {
		t.Errorf("relay counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Attached); got != 7 {
		t.Errorf("attached gauge = %v, want 7", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `hoverreply_reply_batches_total{shown="false",source="generated"} 1`) {
		t.Errorf("batch counter missing from exposition:\n%s", body)
	}
}
