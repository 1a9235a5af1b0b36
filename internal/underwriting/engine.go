package underwriting

import (
	"github.com/opensource-finance/underwrite/internal/domain"
	"github.com/opensource-finance/underwrite/internal/policy"
)

// PriceScenario runs the pipeline and prices the scenario. A nil policy
// uses the built-in tables. The scenario must already be valid.
func PriceScenario(s *domain.Scenario, p *policy.Policy) *domain.EngineResult {
	if p == nil {
		p = policy.Default()
	}

	results, c := RunRules(s, p)

	return &domain.EngineResult{
		EligibilityOverall: AggregateEligibility(results),
		RuleResults:        results,
		Pricing:            ComputePricing(s, p, c),
		CalculatedMetrics:  c.Metrics(),
		Flags:              c.Flags(),
	}
}

// Evaluate validates the scenario and prices it. Malformed input is
// returned as an error wrapping domain.ErrInvalidScenario and no rule runs.
func Evaluate(s *domain.Scenario, p *policy.Policy) (*domain.EngineResult, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return PriceScenario(s, p), nil
}
