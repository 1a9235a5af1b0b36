// Package underwriting implements the sixteen-rule eligibility pipeline and
// LLPA pricing. Evaluation is synchronous and pure: a scenario and a policy
// go in, an EngineResult comes out, and nothing is retained between calls.
package underwriting

import "github.com/opensource-finance/underwrite/internal/domain"

// Field names a Context value. Pipeline steps declare the fields they read
// and write so that ordering can be checked.
type Field string

const (
	FieldLTV                Field = "LTV"
	FieldCLTV               Field = "CLTV"
	FieldHCLTV              Field = "HCLTV"
	FieldValue              Field = "value"
	FieldMinCreditScore     Field = "min_credit_score"
	FieldDTI                Field = "DTI"
	FieldFEDTI              Field = "FEDTI"
	FieldMonthlyPITIA       Field = "monthly_pitia"
	FieldRequiresDU         Field = "requires_du"
	FieldIsInvestorLoan     Field = "is_investor_loan"
	FieldIsCashOut          Field = "is_cash_out"
	FieldChannel            Field = "channel"
	FieldLoanLimit          Field = "loan_limit"
	FieldMIRequired         Field = "mi_required"
	FieldMICoverageRequired Field = "mi_coverage_required"
	FieldMICoverageProvided Field = "mi_coverage_provided"
	FieldMIBelowStandard    Field = "mi_below_standard"
	FieldReservesRequired   Field = "reserves_required_dollars"
	FieldReservesMonths     Field = "reserves_required_months"
	FieldReservesAvailable  Field = "reserves_available"
	FieldManualUWEligible   Field = "manual_uw_eligible"
	FieldIsFTHB             Field = "is_fthb"
	FieldEducationRequired  Field = "homeownership_education_required"
	FieldFTHBWaiverEligible Field = "fthb_llpa_waiver_eligible"
	FieldIsHPML             Field = "is_hpml"
	FieldIsHOEPA            Field = "is_hoepa"
	FieldAPR                Field = "apr"
	FieldLLPATotal          Field = "llpa_total_bps"
	FieldLLPAComponents     Field = "llpa_components"
	FieldLLPAWaivers        Field = "llpa_waivers"
)

// Context carries values from earlier rules to later ones. A fresh Context
// is created for every evaluation and discarded afterwards.
type Context struct {
	// Rule 1
	LTV   float64
	CLTV  float64
	HCLTV float64
	Value float64

	// Rule 2
	MinCreditScore int

	// Rule 3
	DTI          float64
	FEDTI        float64
	MonthlyPITIA float64

	// Rules 3, 4 and 10
	RequiresDU bool

	// Rule 5
	IsInvestorLoan bool

	// Rule 6
	IsCashOut bool

	// Rule 7
	Channel   string
	LoanLimit float64

	// Rule 8
	MIRequired         bool
	MICoverageRequired float64
	MICoverageProvided float64
	MIBelowStandard    bool

	// Rule 9
	ReservesRequired  float64
	ReservesMonths    float64
	ReservesAvailable float64

	// Rule 13
	ManualUWEligible bool

	// Rule 14
	IsFTHB             bool
	EducationRequired  bool
	FTHBWaiverEligible bool

	// Rule 15
	IsHPML  bool
	IsHOEPA bool
	APR     float64

	// Rule 16
	LLPATotalBps   float64
	LLPAComponents []domain.PricingComponent
	LLPAWaivers    []string
}

// Metrics flattens the context into the calculated metrics summary.
func (c *Context) Metrics() domain.CalculatedMetrics {
	channel := c.Channel
	if channel == "" {
		channel = "unknown"
	}
	return domain.CalculatedMetrics{
		LTV:                     c.LTV,
		CLTV:                    c.CLTV,
		HCLTV:                   c.HCLTV,
		DTI:                     c.DTI,
		FEDTI:                   c.FEDTI,
		ReservesRequiredDollars: c.ReservesRequired,
		ReservesRequiredMonths:  c.ReservesMonths,
		Value:                   c.Value,
		Channel:                 channel,
	}
}

// Flags derives the named result flags.
func (c *Context) Flags() domain.Flags {
	return domain.Flags{
		HPML:         c.IsHPML,
		HOEPA:        c.IsHOEPA,
		ManualUWOnly: !c.RequiresDU && c.ManualUWEligible,
		DURequired:   c.RequiresDU,
		FTHB:         c.IsFTHB,
		InvestorLoan: c.IsInvestorLoan,
		CashOut:      c.IsCashOut,
		MIRequired:   c.MIRequired,
	}
}
