package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordExecution(t *testing.T) {
	c := NewCollector("warden", nil)

	c.RecordExecution("python", "process", "success", 200*time.Millisecond)
	c.RecordExecution("python", "process", "success", 100*time.Millisecond)
	c.RecordExecution("shell", "", "rejected_by_policy", 0)

	if got := testutil.ToFloat64(c.executionsTotal.WithLabelValues("python", "process", "success")); got != 2 {
		t.Errorf("python successes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.executionsTotal.WithLabelValues("shell", "none", "rejected_by_policy")); got != 1 {
		t.Errorf("rejections = %v, want 1", got)
	}
	// The rejected call never ran, so only the two timed runs are observed.
	if n := testutil.CollectAndCount(c.executionDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestCountersAndGauges(t *testing.T) {
	c := NewCollector("warden", nil)

	c.RecordAssessment("python", "HIGH")
	c.RecordConfirmation("denied")
	c.RecordConfirmation("approved")
	c.RecordFallback("container", "process")
	c.SetPoolStats(2, 0, 1)

	if got := testutil.ToFloat64(c.assessmentsTotal.WithLabelValues("python", "HIGH")); got != 1 {
		t.Errorf("assessments = %v", got)
	}
	if n := testutil.CollectAndCount(c.confirmationTotal); n != 2 {
		t.Errorf("confirmation series = %d, want 2", n)
	}
	if got := testutil.ToFloat64(c.fallbacksTotal.WithLabelValues("container", "process")); got != 1 {
		t.Errorf("fallbacks = %v", got)
	}
	if got := testutil.ToFloat64(c.poolConnections.WithLabelValues("idle")); got != 2 {
		t.Errorf("idle gauge = %v", got)
	}
}

func TestCollectorsAreIsolated(t *testing.T) {
	a := NewCollector("warden", nil)
	b := NewCollector("warden", nil)
	a.RecordConfirmation("approved")
	if n := testutil.CollectAndCount(b.confirmationTotal); n != 0 {
		t.Errorf("second collector saw %d series", n)
	}
}

func TestHandler(t *testing.T) {
	c := NewCollector("warden", nil)
	c.RecordExecution("javascript", "container", "timeout", time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if !strings.Contains(string(body), `warden_executions_total{language="javascript",outcome="timeout",tier="container"} 1`) {
		t.Errorf("exposition missing execution counter:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("go collector not registered")
	}
}
