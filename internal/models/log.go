package models

import "time"

// EventType distinguishes the kinds of build progress events.
type EventType string

const (
	// EventPhase marks a phase transition.
	EventPhase EventType = "phase"
	// EventLog carries one chunk of sandbox output.
	EventLog EventType = "log"
	// EventStatus marks a job status change.
	EventStatus EventType = "status"
)

// Event is one build progress notification. The orchestrator emits one per
// phase transition and one per chunk of sandbox output; transports consume
// them without ever blocking the producer.
type Event struct {
	BuildID   string      `json:"build_id"`
	Type      EventType   `json:"type"`
	Status    BuildStatus `json:"status,omitempty"`
	Phase     Phase       `json:"phase,omitempty"`
	Iteration int         `json:"iteration"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
