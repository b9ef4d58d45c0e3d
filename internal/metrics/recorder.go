// Package metrics records build telemetry. A Recorder is injected where
// builds run; the no-op implementation keeps metrics strictly optional.
package metrics

import "time"

// Outcome labels for finished builds.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeCannotFix = "cannot_fix"
)

// Advisor request result labels.
const (
	AdvisorOK        = "ok"
	AdvisorFailed    = "failed"
	AdvisorUnparsed  = "unparsed"
	AdvisorCannotFix = "cannot_fix"
)

// Fix proposal result labels.
const (
	FixApplied  = "applied"
	FixRejected = "rejected"
)

// Recorder defines the telemetry hooks the engine calls. Implementations
// forward to Prometheus or drop everything.
type Recorder interface {
	ObservePhaseDuration(phase string, d time.Duration)
	ObserveBuildDuration(d time.Duration)
	ObserveIterations(n int)
	IncBuildOutcome(outcome string)
	IncFixProposals(result string, n int)
	IncAdvisorRequest(result string)
	IncSecretsDelivered(n int)
	SetActiveBuilds(n int)
}

// NoopRecorder is the default Recorder when metrics are not configured.
type NoopRecorder struct{}

func (NoopRecorder) ObservePhaseDuration(string, time.Duration) {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)         {}
func (NoopRecorder) ObserveIterations(int)                      {}
func (NoopRecorder) IncBuildOutcome(string)                     {}
func (NoopRecorder) IncFixProposals(string, int)                {}
func (NoopRecorder) IncAdvisorRequest(string)                   {}
func (NoopRecorder) IncSecretsDelivered(int)                    {}
func (NoopRecorder) SetActiveBuilds(int)                        {}
