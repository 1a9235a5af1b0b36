package domain

// RuleName identifies one of the sixteen eligibility rules.
type RuleName string

const (
	RuleLTV                 RuleName = "LTV_CLTV_HCLTV"
	RuleCreditScore         RuleName = "CREDIT_SCORE"
	RuleDTI                 RuleName = "DTI"
	RulePropertyType        RuleName = "PROPERTY_TYPE"
	RuleOccupancy           RuleName = "OCCUPANCY"
	RuleLoanPurpose         RuleName = "LOAN_PURPOSE"
	RuleLoanAmountLimits    RuleName = "LOAN_AMOUNT_LIMITS"
	RuleMortgageInsurance   RuleName = "MORTGAGE_INSURANCE"
	RuleReserves            RuleName = "RESERVES"
	RuleFinancedProperties  RuleName = "FINANCED_PROPERTIES"
	RuleIncomeDocumentation RuleName = "INCOME_DOCUMENTATION"
	RulePropertyCondition   RuleName = "PROPERTY_CONDITION"
	RuleAUSManualUW         RuleName = "AUS_MANUAL_UW"
	RuleFirstTimeHomebuyer  RuleName = "FIRST_TIME_HOMEBUYER"
	RuleHighCostHPML        RuleName = "HIGH_COST_HPML_HCLTV"
	RuleLLPA                RuleName = "LLPA"
)

// RuleResult is the verdict of a single rule.
type RuleResult struct {
	RuleName RuleName       `json:"rule_name"`
	Eligible bool           `json:"eligible"`
	Messages []string       `json:"messages"`
	Metrics  map[string]any `json:"metrics"`
}

// PricingComponent is one signed LLPA line item. Negative values are credits.
type PricingComponent struct {
	Name     string  `json:"name"`
	ValueBps float64 `json:"value_bps"`
	Reason   string  `json:"reason"`
}

// PricingResult is the price build-up for a scenario.
type PricingResult struct {
	BaseRate       float64            `json:"base_rate"`
	BasePrice      float64            `json:"base_price"`
	LLPATotalBps   float64            `json:"llpa_total_bps"`
	Components     []PricingComponent `json:"components"`
	WaiversApplied []string           `json:"waivers_applied"`
	NetPrice       float64            `json:"net_price"`
	Notes          []string           `json:"notes"`
}

// CalculatedMetrics is the flattened numeric summary of an evaluation.
type CalculatedMetrics struct {
	LTV                     float64 `json:"LTV"`
	CLTV                    float64 `json:"CLTV"`
	HCLTV                   float64 `json:"HCLTV"`
	DTI                     float64 `json:"DTI"`
	FEDTI                   float64 `json:"FEDTI"`
	ReservesRequiredDollars float64 `json:"reserves_required_dollars"`
	ReservesRequiredMonths  float64 `json:"reserves_required_months"`
	Value                   float64 `json:"value"`
	Channel                 string  `json:"channel"`
}

// Flags are the named booleans derived during evaluation.
type Flags struct {
	HPML         bool `json:"HPML"`
	HOEPA        bool `json:"HOEPA"`
	ManualUWOnly bool `json:"ManualUWOnly"`
	DURequired   bool `json:"DU_Required"`
	FTHB         bool `json:"FTHB"`
	InvestorLoan bool `json:"InvestorLoan"`
	CashOut      bool `json:"CashOut"`
	MIRequired   bool `json:"MI_Required"`
}

// Names returns the names of the flags that are set, in a fixed order.
func (f Flags) Names() []string {
	var names []string
	for _, fl := range []struct {
		name string
		set  bool
	}{
		{"HPML", f.HPML},
		{"HOEPA", f.HOEPA},
		{"ManualUWOnly", f.ManualUWOnly},
		{"DU_Required", f.DURequired},
		{"FTHB", f.FTHB},
		{"InvestorLoan", f.InvestorLoan},
		{"CashOut", f.CashOut},
		{"MI_Required", f.MIRequired},
	} {
		if fl.set {
			names = append(names, fl.name)
		}
	}
	return names
}

// EngineResult is the complete outcome of pricing one scenario.
type EngineResult struct {
	EligibilityOverall bool              `json:"eligibility_overall"`
	RuleResults        []RuleResult      `json:"rule_results"`
	Pricing            PricingResult     `json:"pricing"`
	CalculatedMetrics  CalculatedMetrics `json:"calculated_metrics"`
	Flags              Flags             `json:"flags"`
}

// Rule returns the result for the named rule.
func (r *EngineResult) Rule(name RuleName) (RuleResult, bool) {
	for _, rr := range r.RuleResults {
		if rr.RuleName == name {
			return rr, true
		}
	}
	return RuleResult{}, false
}

// FailedRules returns every rule that reported ineligible.
func (r *EngineResult) FailedRules() []RuleResult {
	var failed []RuleResult
	for _, rr := range r.RuleResults {
		if !rr.Eligible {
			failed = append(failed, rr)
		}
	}
	return failed
}
