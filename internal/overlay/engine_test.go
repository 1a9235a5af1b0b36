package overlay

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/opensource-finance/underwrite/internal/domain"
)

type stubSource struct {
	overlays []*domain.OverlayConfig
	err      error
}

func (s *stubSource) ListOverlays(ctx context.Context) ([]*domain.OverlayConfig, error) {
	return s.overlays, s.err
}

func ptr(v float64) *float64 { return &v }

func primeInput() *Input {
	return &Input{
		LTV:          0.75,
		CLTV:         0.75,
		HCLTV:        0.75,
		DTI:          0.2713,
		FEDTI:        0.2063,
		CreditScore:  760,
		LoanAmount:   300000,
		Occupancy:    domain.OccupancyPrimary,
		Purpose:      domain.PurposePurchase,
		PropertyType: "SFR",
		Units:        1,
		LLPATotal:    0.50,
		NetPrice:     100.995,
		Eligible:     true,
		State:        "CA",
		Channel:      domain.ChannelConforming,
	}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(nil, 5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.Count() != 0 {
		t.Errorf("expected 0 overlays, got %d", engine.Count())
	}
}

func TestLoadOverlay(t *testing.T) {
	engine, _ := NewEngine(nil, 5)
	defer engine.Close()

	err := engine.Load(&domain.OverlayConfig{
		ID:         "min-fico",
		Name:       "Minimum FICO",
		Expression: "credit_score < 660",
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("failed to load overlay: %v", err)
	}

	if engine.Count() != 1 {
		t.Errorf("expected 1 overlay, got %d", engine.Count())
	}
}

func TestLoadInvalidOverlay(t *testing.T) {
	engine, _ := NewEngine(nil, 5)
	defer engine.Close()

	tests := []struct {
		name string
		cfg  *domain.OverlayConfig
	}{
		{"syntax", &domain.OverlayConfig{ID: "bad", Expression: "this is not valid CEL !!!"}},
		{"string_result", &domain.OverlayConfig{ID: "str", Expression: "occupancy"}},
		{"unknown_variable", &domain.OverlayConfig{ID: "unknown", Expression: "amount > 1.0"}},
		{"missing_id", &domain.OverlayConfig{Expression: "ltv > 0.9"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.Load(tt.cfg); err == nil {
				t.Error("expected error")
			}
			if err := engine.Validate(tt.cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if engine.Count() != 0 {
		t.Errorf("invalid overlays should not load, got %d", engine.Count())
	}
}

func TestEvaluateBandedOverlay(t *testing.T) {
	engine, _ := NewEngine(nil, 5)
	defer engine.Close()

	engine.Load(&domain.OverlayConfig{
		ID:         "dti-overlay",
		Name:       "Lender DTI overlay",
		Expression: "dti",
		Bands: []domain.OverlayBand{
			{LowerLimit: ptr(0), UpperLimit: ptr(0.43), Outcome: domain.OutcomePass, Reason: "DTI within lender overlay"},
			{LowerLimit: ptr(0.43), UpperLimit: ptr(0.45), Outcome: domain.OutcomeReview, Reason: "DTI near lender overlay"},
			{LowerLimit: ptr(0.45), Outcome: domain.OutcomeFail, Reason: "DTI above lender overlay"},
		},
		Enabled: true,
	})

	ctx := context.Background()

	tests := []struct {
		dti     float64
		outcome string
	}{
		{0.30, domain.OutcomePass},
		{0.43, domain.OutcomeReview},
		{0.449, domain.OutcomeReview},
		{0.45, domain.OutcomeFail},
		{0.49, domain.OutcomeFail},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("dti_%.3f", tt.dti), func(t *testing.T) {
			input := primeInput()
			input.DTI = tt.dti

			results, err := engine.EvaluateAll(ctx, input)
			if err != nil {
				t.Fatalf("evaluation failed: %v", err)
			}
			if len(results) != 1 {
				t.Fatalf("expected 1 result, got %d", len(results))
			}
			if results[0].Outcome != tt.outcome {
				t.Errorf("expected %s, got %s", tt.outcome, results[0].Outcome)
			}
			if results[0].Score != tt.dti {
				t.Errorf("expected score %.3f, got %.3f", tt.dti, results[0].Score)
			}
		})
	}
}

func TestEvaluateBooleanOverlay(t *testing.T) {
	engine, _ := NewEngine(nil, 5)
	defer engine.Close()

	engine.Load(&domain.OverlayConfig{
		ID:         "no-condo-investment",
		Expression: `occupancy == "investment" && property_type == "Condo"`,
		Bands: []domain.OverlayBand{
			{UpperLimit: ptr(1), Outcome: domain.OutcomePass, Reason: "ok"},
			{LowerLimit: ptr(1), Outcome: domain.OutcomeFail, Reason: "Investment condos not offered"},
		},
		Enabled: true,
	})

	ctx := context.Background()
	input := primeInput()

	results, _ := engine.EvaluateAll(ctx, input)
	if results[0].Score != 0.0 || results[0].Outcome != domain.OutcomePass {
		t.Errorf("expected pass with score 0, got %s %.2f", results[0].Outcome, results[0].Score)
	}

	input.Occupancy = domain.OccupancyInvestment
	input.PropertyType = "Condo"
	results, _ = engine.EvaluateAll(ctx, input)
	if results[0].Score != 1.0 || results[0].Outcome != domain.OutcomeFail {
		t.Errorf("expected fail with score 1, got %s %.2f", results[0].Outcome, results[0].Score)
	}
	if results[0].Reason != "Investment condos not offered" {
		t.Errorf("unexpected reason %q", results[0].Reason)
	}
}

func TestEvaluateFlagsAndStates(t *testing.T) {
	engine, _ := NewEngine(nil, 5)
	defer engine.Close()

	engine.Load(&domain.OverlayConfig{
		ID:         "hpml-in-ny",
		Expression: `state in ["NY", "NJ"] && "HPML" in flags ? 1 : 0`,
		Bands: []domain.OverlayBand{
			{LowerLimit: ptr(1), Outcome: domain.OutcomeReview, Reason: "HPML in escrow-sensitive state"},
		},
		Enabled: true,
	})

	ctx := context.Background()
	input := primeInput()
	input.State = "NY"
	input.Flags = []string{"HPML"}

	results, err := engine.EvaluateAll(ctx, input)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if results[0].Outcome != domain.OutcomeReview {
		t.Errorf("expected REVIEW, got %s", results[0].Outcome)
	}

	input.Flags = nil
	results, _ = engine.EvaluateAll(ctx, input)
	if results[0].Outcome != domain.OutcomePass {
		t.Errorf("expected PASS when no band matches, got %s", results[0].Outcome)
	}
	if results[0].Reason != "no matching band" {
		t.Errorf("unexpected reason %q", results[0].Reason)
	}
}

func TestEvaluationErrorOutcome(t *testing.T) {
	engine, _ := NewEngine(nil, 5)
	defer engine.Close()

	engine.Load(&domain.OverlayConfig{
		ID:         "divide",
		Expression: "100 / (units - 1)",
		Enabled:    true,
	})

	results, _ := engine.EvaluateAll(context.Background(), primeInput())
	if results[0].Outcome != domain.OutcomeError {
		t.Errorf("expected error outcome for division by zero, got %s", results[0].Outcome)
	}
}

func TestParallelExecutionOrdered(t *testing.T) {
	engine, _ := NewEngine(nil, 3)
	defer engine.Close()

	for i := 9; i >= 0; i-- {
		engine.Load(&domain.OverlayConfig{
			ID:         fmt.Sprintf("overlay-%d", i),
			Expression: "ltv > 0.5",
			Enabled:    true,
		})
	}

	results, err := engine.EvaluateAll(context.Background(), primeInput())
	if err != nil {
		t.Fatalf("parallel evaluation failed: %v", err)
	}
	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}

	for i, r := range results {
		if want := fmt.Sprintf("overlay-%d", i); r.OverlayID != want {
			t.Errorf("result %d: expected %s, got %s", i, want, r.OverlayID)
		}
		if r.Score != 1.0 {
			t.Errorf("result %d: expected score 1.0, got %.2f", i, r.Score)
		}
	}
}

func TestReplaceSkipsDisabled(t *testing.T) {
	engine, _ := NewEngine(nil, 5)
	defer engine.Close()

	err := engine.Replace([]*domain.OverlayConfig{
		{ID: "a", Expression: "ltv > 0.9", Enabled: true},
		{ID: "b", Expression: "dti > 0.4", Enabled: false},
	})
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	loaded := engine.Loaded()
	if len(loaded) != 1 || loaded[0].ID != "a" {
		t.Errorf("expected only overlay a, got %v", loaded)
	}

	// A bad overlay leaves the current set untouched.
	err = engine.Replace([]*domain.OverlayConfig{
		{ID: "c", Expression: "ltv >", Enabled: true},
	})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if engine.Count() != 1 {
		t.Errorf("expected previous overlays kept, got %d", engine.Count())
	}
}

func TestReloadFromSource(t *testing.T) {
	src := &stubSource{overlays: []*domain.OverlayConfig{
		{ID: "jumbo-state", Expression: `channel == "high_balance"`, Enabled: true},
		{ID: "fico", Expression: "credit_score < 700", Enabled: true},
	}}

	engine, _ := NewEngine(src, 5)
	defer engine.Close()

	n, err := engine.Reload(context.Background())
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 overlays, got %d", n)
	}

	src.err = errors.New("db down")
	if _, err := engine.Reload(context.Background()); err == nil {
		t.Error("expected source error")
	}
	if engine.Count() != 2 {
		t.Errorf("failed reload should keep overlays, got %d", engine.Count())
	}
}

func TestFingerprintTracksLoadedSet(t *testing.T) {
	engine, _ := NewEngine(nil, 5)
	defer engine.Close()

	empty := engine.Fingerprint()
	if empty == "" {
		t.Fatal("expected a fingerprint for the empty set")
	}

	fico := &domain.OverlayConfig{ID: "fico", Expression: "credit_score < 780", Enabled: true}
	if err := engine.Load(fico); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	loaded := engine.Fingerprint()
	if loaded == empty {
		t.Error("loading an overlay should change the fingerprint")
	}

	// Same ID, different expression.
	if err := engine.Load(&domain.OverlayConfig{ID: "fico", Expression: "credit_score < 700", Enabled: true}); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if engine.Fingerprint() == loaded {
		t.Error("changing an expression should change the fingerprint")
	}

	// Replacing with the original set restores the original fingerprint.
	if err := engine.Replace([]*domain.OverlayConfig{fico}); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if engine.Fingerprint() != loaded {
		t.Error("equal overlay sets should share a fingerprint")
	}

	// A failed replace keeps the set and its fingerprint.
	if err := engine.Replace([]*domain.OverlayConfig{{ID: "bad", Expression: "ltv >", Enabled: true}}); err == nil {
		t.Fatal("expected compile error")
	}
	if engine.Fingerprint() != loaded {
		t.Error("failed replace should not change the fingerprint")
	}

	engine.Close()
	if engine.Fingerprint() != empty {
		t.Error("closing should reset the fingerprint to the empty set")
	}
}

func TestNewInputFromResult(t *testing.T) {
	s := &domain.Scenario{
		Borrower: domain.Borrower{CreditScore: 700},
		Property: domain.Property{Occupancy: domain.OccupancyPrimary, PropertyType: "PUD", Units: 1, State: "TX"},
		Loan:     domain.Loan{LoanAmount: 291000, Purpose: domain.PurposePurchase},
	}
	r := &domain.EngineResult{
		EligibilityOverall: true,
		CalculatedMetrics:  domain.CalculatedMetrics{LTV: 0.97, CLTV: 0.97, HCLTV: 0.97, DTI: 0.41, Channel: domain.ChannelConforming},
		Pricing:            domain.PricingResult{LLPATotalBps: -0.125, NetPrice: 101.50125},
		Flags:              domain.Flags{FTHB: true, MIRequired: true},
	}

	in := NewInput(s, r)
	if in.LTV != 0.97 || in.CreditScore != 700 || in.State != "TX" || in.LLPATotal != -0.125 {
		t.Errorf("unexpected input %+v", in)
	}
	if len(in.Flags) != 2 {
		t.Errorf("expected 2 flags, got %v", in.Flags)
	}
}
