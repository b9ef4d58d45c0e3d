package models

// FixAction is the kind of file edit an advisor proposal requests.
type FixAction string

const (
	FixActionCreate FixAction = "create"
	FixActionUpdate FixAction = "update"
	FixActionDelete FixAction = "delete"
)

// FixProposal is a single file edit suggested by the repair advisor. It is
// never applied directly; every proposal passes through the safety validator.
type FixProposal struct {
	Action  FixAction `json:"action"`
	Path    string    `json:"path"`
	Content string    `json:"content,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// RejectedFix pairs a proposal with the reason it was not applied.
type RejectedFix struct {
	Proposal FixProposal `json:"proposal"`
	Reason   string      `json:"reason"`
}
