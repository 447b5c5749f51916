package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestSetPhaseIsOneHot(t *testing.T) {
	m := New()
	m.RecordTransition("uninitialized", "initializing")
	m.RecordTransition("initializing", "ready")

	out := scrape(t, m)
	for _, want := range []string{
		`taskwire_whatsapp_phase{phase="ready"} 1`,
		`taskwire_whatsapp_phase{phase="initializing"} 0`,
		`taskwire_whatsapp_transitions_total{from="initializing",to="ready"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordTransition("a", "b")
	m.RecordOutbound("sent")
	m.RecordInbound("completed")
	m.RecordHTTPRequest("GET", "/", "200", 0.1)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.RecordOutbound("fallback-suppressed")

	out := scrape(t, m)
	if !strings.Contains(out, `taskwire_whatsapp_outbound_messages_total{outcome="fallback-suppressed"} 1`) {
		t.Errorf("outbound counter missing from output:\n%s", out)
	}
	if !strings.Contains(out, "go_goroutines") {
		t.Error("runtime collector missing")
	}
}
