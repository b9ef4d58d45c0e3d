package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.ObservePhaseDuration("building", 150*time.Millisecond)
	pr.ObserveBuildDuration(12 * time.Second)
	pr.ObserveIterations(2)
	pr.IncBuildOutcome(OutcomeSucceeded)
	pr.IncFixProposals("applied", 3)
	pr.IncFixProposals("rejected", 0)
	pr.IncAdvisorRequest(AdvisorOK)
	pr.IncSecretsDelivered(1)
	pr.SetActiveBuilds(4)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected metrics, got none")
	}

	names := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"crucible_phase_duration_seconds",
		"crucible_build_outcomes_total",
		"crucible_active_builds",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var pr *PrometheusRecorder
	pr.ObservePhaseDuration("building", time.Second)
	pr.ObserveBuildDuration(time.Second)
	pr.ObserveIterations(1)
	pr.IncBuildOutcome(OutcomeFailed)
	pr.IncFixProposals("applied", 1)
	pr.IncAdvisorRequest(AdvisorFailed)
	pr.IncSecretsDelivered(1)
	pr.SetActiveBuilds(0)
}

func TestHTTPHandlerServesExposition(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.IncBuildOutcome(OutcomeSucceeded)

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "crucible_build_outcomes_total") {
		t.Error("exposition missing build outcome counter")
	}
}
