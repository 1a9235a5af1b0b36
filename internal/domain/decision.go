package domain

import (
	"time"
)

// Decision wraps an engine result with overlay outcomes and an
// underwriting status.
type Decision struct {
	ID        string    `json:"id"`
	PolicyID  string    `json:"policy_id"`
	Status    string    `json:"status"`
	Eligible  bool      `json:"eligible"`
	Timestamp time.Time `json:"timestamp"`

	Result   *EngineResult   `json:"result"`
	Overlays []OverlayResult `json:"overlays,omitempty"`

	// Reasons lists why the loan is not an outright approval.
	Reasons []string `json:"reasons,omitempty"`

	// Conditions are advisory items that do not block approval.
	Conditions []string `json:"conditions,omitempty"`

	Metadata DecisionMetadata `json:"metadata"`
}

// DecisionMetadata contains processing information.
type DecisionMetadata struct {
	TraceID           string `json:"trace_id"`
	RulesMs           int64  `json:"rules_ms"`
	OverlaysMs        int64  `json:"overlays_ms"`
	DecisionMs        int64  `json:"decision_ms"`
	TotalMs           int64  `json:"total_ms"`
	RulesEvaluated    int    `json:"rules_evaluated"`
	OverlaysEvaluated int    `json:"overlays_evaluated"`
	PolicyVersion     string `json:"policy_version"`
	EngineVersion     string `json:"engine_version"`
	Cached            bool   `json:"cached,omitempty"`
}

// Decision statuses
const (
	StatusApprove    = "APPROVE"
	StatusRefer      = "REFER"
	StatusIneligible = "INELIGIBLE"
)
