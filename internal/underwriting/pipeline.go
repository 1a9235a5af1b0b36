package underwriting

import (
	"github.com/opensource-finance/underwrite/internal/domain"
	"github.com/opensource-finance/underwrite/internal/policy"
)

// Step is one rule in the pipeline together with the context fields it
// depends on and produces.
type Step struct {
	Name   domain.RuleName
	Eval   RuleFunc
	Reads  []Field
	Writes []Field
}

var pipeline = []Step{
	{
		Name:   domain.RuleLTV,
		Eval:   ruleLTV,
		Writes: []Field{FieldLTV, FieldCLTV, FieldHCLTV, FieldValue},
	},
	{
		Name:   domain.RuleCreditScore,
		Eval:   ruleCreditScore,
		Writes: []Field{FieldMinCreditScore},
	},
	{
		Name:   domain.RuleDTI,
		Eval:   ruleDTI,
		Reads:  []Field{FieldValue},
		Writes: []Field{FieldDTI, FieldFEDTI, FieldMonthlyPITIA, FieldRequiresDU},
	},
	{
		Name:   domain.RulePropertyType,
		Eval:   rulePropertyType,
		Reads:  []Field{FieldLTV},
		Writes: []Field{FieldRequiresDU},
	},
	{
		Name:   domain.RuleOccupancy,
		Eval:   ruleOccupancy,
		Writes: []Field{FieldIsInvestorLoan},
	},
	{
		Name:   domain.RuleLoanPurpose,
		Eval:   ruleLoanPurpose,
		Writes: []Field{FieldIsCashOut},
	},
	{
		Name:   domain.RuleLoanAmountLimits,
		Eval:   ruleLoanAmountLimits,
		Writes: []Field{FieldChannel, FieldLoanLimit},
	},
	{
		Name:   domain.RuleMortgageInsurance,
		Eval:   ruleMortgageInsurance,
		Reads:  []Field{FieldLTV},
		Writes: []Field{FieldMIRequired, FieldMICoverageRequired, FieldMICoverageProvided, FieldMIBelowStandard},
	},
	{
		Name:   domain.RuleReserves,
		Eval:   ruleReserves,
		Reads:  []Field{FieldMonthlyPITIA},
		Writes: []Field{FieldReservesRequired, FieldReservesMonths, FieldReservesAvailable},
	},
	{
		Name:   domain.RuleFinancedProperties,
		Eval:   ruleFinancedProperties,
		Writes: []Field{FieldRequiresDU},
	},
	{
		Name: domain.RuleIncomeDocumentation,
		Eval: ruleIncomeDocumentation,
	},
	{
		Name: domain.RulePropertyCondition,
		Eval: rulePropertyCondition,
	},
	{
		Name:   domain.RuleAUSManualUW,
		Eval:   ruleAUSManualUW,
		Reads:  []Field{FieldDTI, FieldRequiresDU},
		Writes: []Field{FieldManualUWEligible},
	},
	{
		Name:   domain.RuleFirstTimeHomebuyer,
		Eval:   ruleFirstTimeHomebuyer,
		Reads:  []Field{FieldLTV},
		Writes: []Field{FieldIsFTHB, FieldEducationRequired, FieldFTHBWaiverEligible},
	},
	{
		Name:   domain.RuleHighCostHPML,
		Eval:   ruleHighCost,
		Writes: []Field{FieldIsHPML, FieldIsHOEPA, FieldAPR},
	},
	{
		Name:   domain.RuleLLPA,
		Eval:   ruleLLPA,
		Reads:  []Field{FieldLTV, FieldChannel, FieldMIBelowStandard, FieldIsCashOut, FieldFTHBWaiverEligible, FieldEducationRequired},
		Writes: []Field{FieldLLPATotal, FieldLLPAComponents, FieldLLPAWaivers},
	},
}

// Pipeline returns the rules in execution order. The order is fixed: every
// field a step reads is written by an earlier step.
func Pipeline() []Step {
	out := make([]Step, len(pipeline))
	copy(out, pipeline)
	return out
}

// RunRules executes every rule in order against a fresh context.
func RunRules(s *domain.Scenario, p *policy.Policy) ([]domain.RuleResult, *Context) {
	c := &Context{}
	results := make([]domain.RuleResult, 0, len(pipeline))
	for _, step := range pipeline {
		results = append(results, step.Eval(s, p, c))
	}
	return results, c
}

// AggregateEligibility is the AND of every rule except LLPA, which is
// informational.
func AggregateEligibility(results []domain.RuleResult) bool {
	for _, r := range results {
		if r.RuleName == domain.RuleLLPA {
			continue
		}
		if !r.Eligible {
			return false
		}
	}
	return true
}
