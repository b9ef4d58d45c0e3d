package metrics

import (
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder on a private Prometheus registry.
type PrometheusRecorder struct {
	once             sync.Once
	phaseDuration    *prom.HistogramVec
	buildDuration    prom.Histogram
	iterations       prom.Histogram
	buildOutcome     *prom.CounterVec
	fixProposals     *prom.CounterVec
	advisorRequests  *prom.CounterVec
	secretsDelivered prom.Counter
	activeBuilds     prom.Gauge
}

// NewPrometheusRecorder constructs and registers the crucible metrics
// (idempotent). A nil registry gets a private one.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.phaseDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "crucible",
			Name:      "phase_duration_seconds",
			Help:      "Duration of individual build phases",
			Buckets:   prom.DefBuckets,
		}, []string{"phase"})
		pr.buildDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "crucible",
			Name:      "build_duration_seconds",
			Help:      "Total build duration from admission to completion",
			Buckets:   prom.ExponentialBuckets(1, 2, 12),
		})
		pr.iterations = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "crucible",
			Name:      "build_iterations",
			Help:      "Fix iterations consumed per build",
			Buckets:   prom.LinearBuckets(0, 1, 8),
		})
		pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "crucible",
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"})
		pr.fixProposals = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "crucible",
			Name:      "fix_proposals_total",
			Help:      "Advisor fix proposals by validation result",
		}, []string{"result"})
		pr.advisorRequests = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "crucible",
			Name:      "advisor_requests_total",
			Help:      "Advisor requests by result",
		}, []string{"result"})
		pr.secretsDelivered = prom.NewCounter(prom.CounterOpts{
			Namespace: "crucible",
			Name:      "secrets_delivered_total",
			Help:      "Program keypairs extracted and delivered",
		})
		pr.activeBuilds = prom.NewGauge(prom.GaugeOpts{
			Namespace: "crucible",
			Name:      "active_builds",
			Help:      "Builds currently running",
		})
		reg.MustRegister(pr.phaseDuration, pr.buildDuration, pr.iterations,
			pr.buildOutcome, pr.fixProposals, pr.advisorRequests,
			pr.secretsDelivered, pr.activeBuilds)
	})
	return pr
}

func (p *PrometheusRecorder) ObservePhaseDuration(phase string, d time.Duration) {
	if p == nil || p.phaseDuration == nil {
		return
	}
	p.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveIterations(n int) {
	if p == nil || p.iterations == nil {
		return
	}
	p.iterations.Observe(float64(n))
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncFixProposals(result string, n int) {
	if p == nil || p.fixProposals == nil || n <= 0 {
		return
	}
	p.fixProposals.WithLabelValues(result).Add(float64(n))
}

func (p *PrometheusRecorder) IncAdvisorRequest(result string) {
	if p == nil || p.advisorRequests == nil {
		return
	}
	p.advisorRequests.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) IncSecretsDelivered(n int) {
	if p == nil || p.secretsDelivered == nil || n <= 0 {
		return
	}
	p.secretsDelivered.Add(float64(n))
}

func (p *PrometheusRecorder) SetActiveBuilds(n int) {
	if p == nil || p.activeBuilds == nil {
		return
	}
	p.activeBuilds.Set(float64(n))
}

// HTTPHandler serves the registry in Prometheus exposition format.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
