// Package decision turns an engine result and overlay outcomes into an
// underwriting decision.
package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/underwrite/internal/domain"
)

// EngineVersion is stamped on every decision.
const EngineVersion = "underwrite-1.0"

// Processor aggregates rule and overlay outcomes into a decision.
type Processor struct {
	// ReferOnDURequired sends eligible loans that need DU approval to REFER.
	ReferOnDURequired bool

	// ReferOnReview sends eligible loans with a .review overlay to REFER.
	// A .fail overlay always refers.
	ReferOnReview bool
}

// NewProcessor creates a processor with default settings.
func NewProcessor() *Processor {
	return &Processor{
		ReferOnDURequired: true,
		ReferOnReview:     true,
	}
}

// Input contains all data needed for a decision.
type Input struct {
	PolicyID      string
	PolicyVersion string
	TraceID       string
	Result        *domain.EngineResult
	Overlays      []domain.OverlayResult
	RulesMs       int64
	OverlaysMs    int64
	StartTime     time.Time
}

// Process classifies the result. Overlays may refer an eligible loan but
// never make it ineligible.
func (p *Processor) Process(ctx context.Context, input *Input) *domain.Decision {
	start := time.Now()
	r := input.Result

	d := &domain.Decision{
		ID:         uuid.New().String(),
		PolicyID:   input.PolicyID,
		Eligible:   r.EligibilityOverall,
		Timestamp:  time.Now().UTC(),
		Result:     r,
		Overlays:   input.Overlays,
		Conditions: Conditions(r),
	}

	switch {
	case !r.EligibilityOverall:
		d.Status = domain.StatusIneligible
		d.Reasons = Reasons(r)
	default:
		d.Reasons = p.referrals(r, input.Overlays)
		if len(d.Reasons) > 0 {
			d.Status = domain.StatusRefer
		} else {
			d.Status = domain.StatusApprove
		}
	}

	startTime := input.StartTime
	if startTime.IsZero() {
		startTime = start
	}

	d.Metadata = domain.DecisionMetadata{
		TraceID:           input.TraceID,
		RulesMs:           input.RulesMs,
		OverlaysMs:        input.OverlaysMs,
		DecisionMs:        time.Since(start).Milliseconds(),
		TotalMs:           time.Since(startTime).Milliseconds(),
		RulesEvaluated:    len(r.RuleResults),
		OverlaysEvaluated: len(input.Overlays),
		PolicyVersion:     input.PolicyVersion,
		EngineVersion:     EngineVersion,
	}

	return d
}

func (p *Processor) referrals(r *domain.EngineResult, overlays []domain.OverlayResult) []string {
	var reasons []string
	if p.ReferOnDURequired && r.Flags.DURequired {
		reasons = append(reasons, "DU approval required")
	}
	for _, o := range overlays {
		switch o.Outcome {
		case domain.OutcomeFail, domain.OutcomeError:
		case domain.OutcomeReview:
			if !p.ReferOnReview {
				continue
			}
		default:
			continue
		}
		reasons = append(reasons, fmt.Sprintf("%s: %s", o.OverlayID, o.Reason))
	}
	return reasons
}

// Reasons lists the messages of every failed rule, prefixed by rule name.
func Reasons(r *domain.EngineResult) []string {
	var reasons []string
	for _, rr := range r.FailedRules() {
		for _, msg := range rr.Messages {
			reasons = append(reasons, fmt.Sprintf("%s: %s", rr.RuleName, msg))
		}
	}
	return reasons
}

// Conditions lists advisory items that do not block approval.
func Conditions(r *domain.EngineResult) []string {
	var conditions []string
	if r.Flags.MIRequired {
		conditions = append(conditions, "Mortgage insurance required")
	}
	conditions = append(conditions, r.Pricing.Notes...)
	return conditions
}

// IsApproved reports whether the decision is an outright approval.
func IsApproved(d *domain.Decision) bool {
	return d.Status == domain.StatusApprove
}
