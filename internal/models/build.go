package models

import "time"

// BuildStatus represents the current state of a build job.
type BuildStatus string

const (
	BuildStatusReady     BuildStatus = "ready"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSuccess   BuildStatus = "success"
	BuildStatusCannotFix BuildStatus = "cannot_fix"
	BuildStatusExhausted BuildStatus = "exhausted"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case BuildStatusSuccess, BuildStatusCannotFix, BuildStatusExhausted, BuildStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next. A ready job
// normally moves to running, but may be cancelled while it is still queued
// behind the concurrency cap.
func (s BuildStatus) CanTransition(next BuildStatus) bool {
	switch s {
	case BuildStatusReady:
		return next == BuildStatusRunning || next == BuildStatusCancelled
	case BuildStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// Phase names the stage a running build is in.
type Phase string

const (
	PhaseAnalyzing Phase = "analyzing"
	PhaseVerifying Phase = "verifying"
	PhaseFixing    Phase = "fixing"
	PhaseBuilding  Phase = "building"
)

// PhaseOutcome tags the result of one phase execution.
type PhaseOutcome string

const (
	PhaseOutcomeSuccess   PhaseOutcome = "success"
	PhaseOutcomeFailed    PhaseOutcome = "failed"
	PhaseOutcomeFixed     PhaseOutcome = "fixed"
	PhaseOutcomeNoFixes   PhaseOutcome = "no_fixes"
	PhaseOutcomeCannotFix PhaseOutcome = "cannot_fix"
)

// PhaseRecord is one entry in a build's append-only phase history.
type PhaseRecord struct {
	Phase     Phase        `json:"phase"`
	Iteration int          `json:"iteration"`
	Outcome   PhaseOutcome `json:"outcome"`
	Detail    string       `json:"detail,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// FixAttemptRecord remembers one repair attempt so later advisor requests
// can be told not to repeat it. Never persisted beyond the job's lifetime.
type FixAttemptRecord struct {
	Iteration int      `json:"iteration"`
	Paths     []string `json:"paths"`
	Summary   string   `json:"summary"`
}

// BuildJob represents one compilation request and its repair loop state.
type BuildJob struct {
	ID            string             `json:"id"`
	Principal     string             `json:"principal"`
	ProjectName   string             `json:"project_name,omitempty"`
	Status        BuildStatus        `json:"status"`
	Phase         Phase              `json:"phase,omitempty"`
	Iteration     int                `json:"iteration"`
	MaxIterations int                `json:"max_iterations"`
	WorkDir       string             `json:"-"`
	OutputDir     string             `json:"-"`
	WorkSubdir    string             `json:"-"`
	AgeRecipient  string             `json:"-"`
	Logs          string             `json:"logs,omitempty"`
	Error         string             `json:"error,omitempty"`
	ErrorLines    []string           `json:"error_lines,omitempty"`
	CannotFixWhy  string             `json:"cannot_fix_reason,omitempty"`
	Phases        []PhaseRecord      `json:"phases,omitempty"`
	Attempts      []FixAttemptRecord `json:"-"`
	SecretsTaken  bool               `json:"-"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}
