package decision

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/underwrite/internal/domain"
)

func eligibleResult() *domain.EngineResult {
	return &domain.EngineResult{
		EligibilityOverall: true,
		RuleResults: []domain.RuleResult{
			{RuleName: domain.RuleLTV, Eligible: true, Messages: []string{"LTV/CLTV/HCLTV within limits"}},
			{RuleName: domain.RuleDTI, Eligible: true, Messages: []string{"DTI 27.13% within standard limits"}},
		},
		Pricing: domain.PricingResult{Notes: []string{}},
	}
}

func TestProcessor(t *testing.T) {
	proc := NewProcessor()
	ctx := context.Background()

	t.Run("Approve", func(t *testing.T) {
		input := &Input{
			PolicyID:      "default",
			PolicyVersion: "2024.1",
			TraceID:       "trace-001",
			StartTime:     time.Now(),
			Result:        eligibleResult(),
			Overlays: []domain.OverlayResult{
				{OverlayID: "dti-overlay", Outcome: domain.OutcomePass, Reason: "ok"},
			},
		}

		d := proc.Process(ctx, input)

		if d.Status != domain.StatusApprove {
			t.Errorf("expected APPROVE, got %s", d.Status)
		}
		if !IsApproved(d) {
			t.Error("IsApproved should be true")
		}
		if !d.Eligible {
			t.Error("expected eligible")
		}
		if len(d.Reasons) != 0 {
			t.Errorf("expected no reasons, got %v", d.Reasons)
		}
		if d.ID == "" {
			t.Error("decision id should be set")
		}
		if d.Metadata.TraceID != "trace-001" {
			t.Errorf("expected traceID 'trace-001', got '%s'", d.Metadata.TraceID)
		}
		if d.Metadata.PolicyVersion != "2024.1" || d.Metadata.EngineVersion != EngineVersion {
			t.Errorf("unexpected metadata %+v", d.Metadata)
		}
		if d.Metadata.RulesEvaluated != 2 || d.Metadata.OverlaysEvaluated != 1 {
			t.Errorf("unexpected counts %+v", d.Metadata)
		}
	})

	t.Run("Ineligible", func(t *testing.T) {
		r := eligibleResult()
		r.EligibilityOverall = false
		r.RuleResults[1] = domain.RuleResult{
			RuleName: domain.RuleDTI,
			Eligible: false,
			Messages: []string{"DTI 50.63% exceeds DU max 50.00%"},
		}

		d := proc.Process(ctx, &Input{PolicyID: "default", Result: r})

		if d.Status != domain.StatusIneligible {
			t.Errorf("expected INELIGIBLE, got %s", d.Status)
		}
		if d.Eligible {
			t.Error("expected not eligible")
		}
		if len(d.Reasons) != 1 || d.Reasons[0] != "DTI: DTI 50.63% exceeds DU max 50.00%" {
			t.Errorf("unexpected reasons %v", d.Reasons)
		}
	})

	t.Run("OverlayFailRefers", func(t *testing.T) {
		d := proc.Process(ctx, &Input{
			Result: eligibleResult(),
			Overlays: []domain.OverlayResult{
				{OverlayID: "min-fico", Outcome: domain.OutcomeFail, Reason: "Below lender FICO floor"},
			},
		})

		if d.Status != domain.StatusRefer {
			t.Errorf("expected REFER, got %s", d.Status)
		}
		if !d.Eligible {
			t.Error("overlays must not change eligibility")
		}
		if d.Reasons[0] != "min-fico: Below lender FICO floor" {
			t.Errorf("unexpected reason %q", d.Reasons[0])
		}
	})

	t.Run("OverlayReview", func(t *testing.T) {
		input := &Input{
			Result: eligibleResult(),
			Overlays: []domain.OverlayResult{
				{OverlayID: "dti-overlay", Outcome: domain.OutcomeReview, Reason: "DTI near lender overlay"},
			},
		}

		if d := proc.Process(ctx, input); d.Status != domain.StatusRefer {
			t.Errorf("expected REFER for review, got %s", d.Status)
		}

		lenient := &Processor{ReferOnDURequired: true}
		if d := lenient.Process(ctx, input); d.Status != domain.StatusApprove {
			t.Errorf("expected APPROVE when reviews do not refer, got %s", d.Status)
		}
	})

	t.Run("OverlayErrorRefers", func(t *testing.T) {
		d := proc.Process(ctx, &Input{
			Result: eligibleResult(),
			Overlays: []domain.OverlayResult{
				{OverlayID: "broken", Outcome: domain.OutcomeError, Reason: "evaluation error: division by zero"},
			},
		})
		if d.Status != domain.StatusRefer {
			t.Errorf("expected REFER for overlay error, got %s", d.Status)
		}
	})

	t.Run("DURequired", func(t *testing.T) {
		r := eligibleResult()
		r.Flags.DURequired = true

		d := proc.Process(ctx, &Input{Result: r})
		if d.Status != domain.StatusRefer {
			t.Errorf("expected REFER, got %s", d.Status)
		}
		if d.Reasons[0] != "DU approval required" {
			t.Errorf("unexpected reasons %v", d.Reasons)
		}

		off := &Processor{ReferOnReview: true}
		if d := off.Process(ctx, &Input{Result: r}); d.Status != domain.StatusApprove {
			t.Errorf("expected APPROVE, got %s", d.Status)
		}
	})

	t.Run("IneligibleIgnoresOverlays", func(t *testing.T) {
		r := eligibleResult()
		r.EligibilityOverall = false
		r.RuleResults[0].Eligible = false

		d := proc.Process(ctx, &Input{
			Result: r,
			Overlays: []domain.OverlayResult{
				{OverlayID: "x", Outcome: domain.OutcomeFail, Reason: "fail"},
			},
		})
		if d.Status != domain.StatusIneligible {
			t.Errorf("expected INELIGIBLE, got %s", d.Status)
		}
		for _, reason := range d.Reasons {
			if strings.HasPrefix(reason, "x:") {
				t.Errorf("overlay reason leaked into ineligible reasons: %v", d.Reasons)
			}
		}
	})
}

func TestConditions(t *testing.T) {
	r := eligibleResult()
	r.Flags.MIRequired = true
	r.Pricing.Notes = []string{"Homeownership education required for borrower"}

	got := Conditions(r)
	if len(got) != 2 {
		t.Fatalf("expected 2 conditions, got %v", got)
	}
	if got[0] != "Mortgage insurance required" {
		t.Errorf("unexpected first condition %q", got[0])
	}
	if got[1] != "Homeownership education required for borrower" {
		t.Errorf("unexpected second condition %q", got[1])
	}
}
