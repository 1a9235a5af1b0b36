package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/underwrite/internal/cache"
	"github.com/opensource-finance/underwrite/internal/domain"
	"github.com/opensource-finance/underwrite/internal/overlay"
	"github.com/opensource-finance/underwrite/internal/policy"
)

func ptr(v float64) *float64 { return &v }

func primeScenario() *domain.Scenario {
	return &domain.Scenario{
		Borrower: domain.Borrower{
			CreditScore:              760,
			GrossMonthlyIncome:       10000,
			NumFinancedProperties:    1,
			OwnsPropertyLast3Yrs:     true,
			LiquidAssetsAfterClosing: 50000,
		},
		Property: domain.Property{
			PurchasePrice:   ptr(400000),
			AppraisedValue:  400000,
			Units:           1,
			PropertyType:    "SFR",
			Occupancy:       domain.OccupancyPrimary,
			ConditionRating: "C3",
			State:           "CA",
			IsHighCostArea:  true,
		},
		Loan: domain.Loan{
			LoanAmount:  300000,
			NoteRate:    6.50,
			TermMonths:  360,
			Purpose:     domain.PurposePurchase,
			ProductType: "fixed",
			Channel:     domain.ChannelConforming,
		},
	}
}

func withDebts(s *domain.Scenario, amount float64) *domain.Scenario {
	s.Borrower.MonthlyDebts = map[string]float64{"other": amount}
	return s
}

func TestEvaluate_Statuses(t *testing.T) {
	svc := NewService(nil, Options{})
	ctx := context.Background()

	tests := []struct {
		name     string
		scenario *domain.Scenario
		status   string
		eligible bool
	}{
		{"approve", primeScenario(), domain.StatusApprove, true},
		{"refer_du_required", withDebts(primeScenario(), 2640), domain.StatusRefer, true},
		{"ineligible_dti", withDebts(primeScenario(), 3000), domain.StatusIneligible, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := svc.Evaluate(ctx, "", tt.scenario)
			require.NoError(t, err)

			assert.Equal(t, tt.status, d.Status)
			assert.Equal(t, tt.eligible, d.Eligible)
			assert.Equal(t, domain.DefaultPolicyID, d.PolicyID)
			assert.Equal(t, policy.DefaultVersion, d.Metadata.PolicyVersion)
			assert.Equal(t, 16, d.Metadata.RulesEvaluated)
			assert.NotEmpty(t, d.Metadata.TraceID)
			assert.False(t, d.Metadata.Cached)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	svc := NewService(nil, Options{})
	ctx := context.Background()

	_, err := svc.Evaluate(ctx, "", nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidScenario))

	bad := primeScenario()
	bad.Property.Units = 0
	_, err = svc.Evaluate(ctx, "", bad)
	assert.True(t, errors.Is(err, domain.ErrInvalidScenario))

	_, err = svc.Evaluate(ctx, "missing", primeScenario())
	assert.True(t, errors.Is(err, policy.ErrUnknownPolicy))
}

func TestEvaluate_TraceIDFromContext(t *testing.T) {
	svc := NewService(nil, Options{})
	ctx := WithTraceID(context.Background(), "trace-123")

	d, err := svc.Evaluate(ctx, "", primeScenario())
	require.NoError(t, err)
	assert.Equal(t, "trace-123", d.Metadata.TraceID)
	assert.Equal(t, "trace-123", TraceID(ctx))
	assert.Empty(t, TraceID(context.Background()))
}

func TestEvaluate_PolicyProfile(t *testing.T) {
	registry := policy.NewRegistry(nil, nil)
	_, err := registry.Register(&domain.PolicyProfile{
		ID:      "tight-dti",
		Version: "2024.1-tight",
		Overlay: "dti_limits:\n  max_dti_manual_base: 0.18\n  max_dti_manual_compensating: 0.19\n  max_dti_du: 0.20\n",
		Enabled: true,
	})
	require.NoError(t, err)

	svc := NewService(registry, Options{})
	ctx := context.Background()

	d, err := svc.Evaluate(ctx, "tight-dti", withDebts(primeScenario(), 500))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIneligible, d.Status)
	assert.Equal(t, "tight-dti", d.PolicyID)
	assert.Equal(t, "2024.1-tight", d.Metadata.PolicyVersion)

	d, err = svc.Evaluate(ctx, domain.DefaultPolicyID, withDebts(primeScenario(), 500))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApprove, d.Status)
}

func TestEvaluate_Overlays(t *testing.T) {
	engine, err := overlay.NewEngine(nil, 2)
	require.NoError(t, err)
	defer engine.Close()

	require.NoError(t, engine.Load(&domain.OverlayConfig{
		ID:         "fico-floor",
		Expression: "credit_score < 780",
		Bands: []domain.OverlayBand{
			{LowerLimit: ptr(1), Outcome: domain.OutcomeFail, Reason: "Below lender FICO floor"},
		},
		Enabled: true,
	}))

	svc := NewService(nil, Options{Overlays: engine})

	d, err := svc.Evaluate(context.Background(), "", primeScenario())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRefer, d.Status)
	assert.True(t, d.Eligible)
	require.Len(t, d.Overlays, 1)
	assert.Equal(t, domain.OutcomeFail, d.Overlays[0].Outcome)
	assert.Equal(t, []string{"fico-floor: Below lender FICO floor"}, d.Reasons)
	assert.Equal(t, 1, d.Metadata.OverlaysEvaluated)
}

func TestEvaluate_CachedDecision(t *testing.T) {
	lru := cache.NewLRUCache(100)
	svc := NewService(nil, Options{Cache: lru})
	ctx := context.Background()

	first, err := svc.Evaluate(ctx, "", primeScenario())
	require.NoError(t, err)
	assert.False(t, first.Metadata.Cached)

	second, err := svc.Evaluate(ctx, "", primeScenario())
	require.NoError(t, err)
	assert.True(t, second.Metadata.Cached)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Status, second.Status)
	assert.InDelta(t, first.Result.Pricing.NetPrice, second.Result.Pricing.NetPrice, 1e-12)

	// A different scenario misses.
	third, err := svc.Evaluate(ctx, "", withDebts(primeScenario(), 100))
	require.NoError(t, err)
	assert.False(t, third.Metadata.Cached)
	assert.NotEqual(t, first.ID, third.ID)

	assert.Equal(t, 2, lru.Stats().Size)
}

func TestEvaluate_CacheFollowsOverlayChanges(t *testing.T) {
	engine, err := overlay.NewEngine(nil, 2)
	require.NoError(t, err)
	defer engine.Close()

	lru := cache.NewLRUCache(100)
	svc := NewService(nil, Options{Overlays: engine, Cache: lru})
	ctx := context.Background()

	d, err := svc.Evaluate(ctx, "", primeScenario())
	require.NoError(t, err)
	require.Equal(t, domain.StatusApprove, d.Status)

	d, err = svc.Evaluate(ctx, "", primeScenario())
	require.NoError(t, err)
	require.True(t, d.Metadata.Cached)

	floor := &domain.OverlayConfig{
		ID:         "fico-floor",
		Expression: "credit_score < 780",
		Bands: []domain.OverlayBand{
			{LowerLimit: ptr(1), Outcome: domain.OutcomeFail, Reason: "Below lender FICO floor"},
		},
		Enabled: true,
	}

	t.Run("load", func(t *testing.T) {
		require.NoError(t, engine.Load(floor))

		d, err := svc.Evaluate(ctx, "", primeScenario())
		require.NoError(t, err)
		assert.False(t, d.Metadata.Cached)
		assert.Equal(t, domain.StatusRefer, d.Status)
		assert.Equal(t, 1, d.Metadata.OverlaysEvaluated)

		d, err = svc.Evaluate(ctx, "", primeScenario())
		require.NoError(t, err)
		assert.True(t, d.Metadata.Cached)
		assert.Equal(t, domain.StatusRefer, d.Status)
	})

	t.Run("replace", func(t *testing.T) {
		require.NoError(t, engine.Replace(nil))

		d, err := svc.Evaluate(ctx, "", primeScenario())
		require.NoError(t, err)
		assert.Equal(t, domain.StatusApprove, d.Status)
		assert.Empty(t, d.Overlays)
	})
}

func TestEvaluate_CacheFollowsProfileChanges(t *testing.T) {
	registry := policy.NewRegistry(nil, nil)
	_, err := registry.Register(&domain.PolicyProfile{ID: "lender", Version: "v1", Enabled: true})
	require.NoError(t, err)

	svc := NewService(registry, Options{Cache: cache.NewLRUCache(100)})
	ctx := context.Background()

	d, err := svc.Evaluate(ctx, "lender", primeScenario())
	require.NoError(t, err)
	require.True(t, d.Eligible)

	d, err = svc.Evaluate(ctx, "lender", primeScenario())
	require.NoError(t, err)
	require.True(t, d.Metadata.Cached)

	// Same ID and version, tighter purchase ceiling.
	_, err = registry.Register(&domain.PolicyProfile{
		ID:      "lender",
		Version: "v1",
		Overlay: "ltv_limits:\n  primary:\n    1_unit:\n      purchase:\n        max_ltv: 0.70\n",
		Enabled: true,
	})
	require.NoError(t, err)

	d, err = svc.Evaluate(ctx, "lender", primeScenario())
	require.NoError(t, err)
	assert.False(t, d.Metadata.Cached)
	assert.False(t, d.Eligible)
	assert.Equal(t, domain.StatusIneligible, d.Status)

	rule, ok := d.Result.Rule(domain.RuleLTV)
	require.True(t, ok)
	assert.False(t, rule.Eligible)
}

func TestEvaluateBatch(t *testing.T) {
	svc := NewService(nil, Options{BatchWorkers: 2})

	bad := primeScenario()
	bad.Loan.TermMonths = 0

	scenarios := []*domain.Scenario{
		primeScenario(),
		withDebts(primeScenario(), 3000),
		bad,
		withDebts(primeScenario(), 2640),
	}

	items, err := svc.EvaluateBatch(context.Background(), "", scenarios)
	require.NoError(t, err)
	require.Len(t, items, 4)

	assert.Equal(t, domain.StatusApprove, items[0].Decision.Status)
	assert.Equal(t, domain.StatusIneligible, items[1].Decision.Status)
	assert.Nil(t, items[2].Decision)
	assert.True(t, errors.Is(items[2].Err, domain.ErrInvalidScenario))
	assert.Equal(t, domain.StatusRefer, items[3].Decision.Status)

	_, err = svc.EvaluateBatch(context.Background(), "missing", scenarios)
	assert.True(t, errors.Is(err, policy.ErrUnknownPolicy))
}

func TestEvaluateBatch_Cancelled(t *testing.T) {
	svc := NewService(nil, Options{BatchWorkers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.EvaluateBatch(ctx, "", []*domain.Scenario{primeScenario(), primeScenario()})
	assert.ErrorIs(t, err, context.Canceled)
}
