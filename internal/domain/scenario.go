package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidScenario marks input malformation detected before any rule runs.
var ErrInvalidScenario = errors.New("invalid scenario")

// Occupancy values accepted by the engine.
const (
	OccupancyPrimary    = "primary"
	OccupancySecondHome = "second_home"
	OccupancyInvestment = "investment"
)

// Loan purposes accepted by the engine.
const (
	PurposePurchase     = "purchase"
	PurposeRateTermRefi = "rate_term_refi"
	PurposeCashOutRefi  = "cash_out_refi"
)

// Loan channels. Jumbo is only ever derived, never supplied.
const (
	ChannelConforming  = "conforming"
	ChannelHighBalance = "high_balance"
	ChannelJumbo       = "jumbo"
)

const (
	DocTypeFull      = "full"
	LienTypeHELOC    = "heloc"
	DefaultRateSheet = "standard"
	MinCreditScore   = 300
	MaxCreditScore   = 850
)

// Scenario is one loan application as submitted for evaluation.
// The engine never mutates it.
type Scenario struct {
	Borrower  Borrower  `json:"borrower" yaml:"borrower"`
	Property  Property  `json:"property" yaml:"property"`
	Loan      Loan      `json:"loan" yaml:"loan"`
	Financing Financing `json:"financing" yaml:"financing"`
}

// Borrower holds the credit, income and asset profile.
type Borrower struct {
	CreditScore              int                `json:"credit_score" yaml:"credit_score"`
	GrossMonthlyIncome       float64            `json:"gross_monthly_income" yaml:"gross_monthly_income"`
	MonthlyDebts             map[string]float64 `json:"monthly_debts,omitempty" yaml:"monthly_debts,omitempty"`
	NumFinancedProperties    int                `json:"num_financed_properties" yaml:"num_financed_properties"`
	FirstTimeHomebuyer       bool               `json:"first_time_homebuyer" yaml:"first_time_homebuyer"`
	OwnsPropertyLast3Yrs     bool               `json:"owns_property_last_3yrs" yaml:"owns_property_last_3yrs"`
	LiquidAssetsAfterClosing float64            `json:"liquid_assets_after_closing" yaml:"liquid_assets_after_closing"`
	DocType                  string             `json:"doc_type,omitempty" yaml:"doc_type,omitempty"`
	AMIRatio                 *float64           `json:"ami_ratio,omitempty" yaml:"ami_ratio,omitempty"`
}

// TotalMonthlyDebts sums every recurring non-housing obligation.
func (b Borrower) TotalMonthlyDebts() float64 {
	total := 0.0
	for _, amt := range b.MonthlyDebts {
		total += amt
	}
	return total
}

// Documentation returns the doc type, defaulting to full documentation.
func (b Borrower) Documentation() string {
	if b.DocType == "" {
		return DocTypeFull
	}
	return b.DocType
}

// Property describes the collateral.
type Property struct {
	PurchasePrice   *float64 `json:"purchase_price,omitempty" yaml:"purchase_price,omitempty"`
	AppraisedValue  float64  `json:"appraised_value" yaml:"appraised_value"`
	Units           int      `json:"units" yaml:"units"`
	PropertyType    string   `json:"property_type" yaml:"property_type"`
	Occupancy       string   `json:"occupancy" yaml:"occupancy"`
	ConditionRating string   `json:"condition_rating" yaml:"condition_rating"`
	State           string   `json:"state,omitempty" yaml:"state,omitempty"`
	County          string   `json:"county,omitempty" yaml:"county,omitempty"`
	IsHighCostArea  bool     `json:"is_high_cost_area" yaml:"is_high_cost_area"`
	ProjectType     string   `json:"project_type,omitempty" yaml:"project_type,omitempty"`
}

// Loan holds the requested terms.
type Loan struct {
	LoanAmount  float64 `json:"loan_amount" yaml:"loan_amount"`
	NoteRate    float64 `json:"note_rate" yaml:"note_rate"`
	TermMonths  int     `json:"term_months" yaml:"term_months"`
	ARM         bool    `json:"arm" yaml:"arm"`
	Purpose     string  `json:"purpose" yaml:"purpose"`
	ProductType string  `json:"product_type" yaml:"product_type"`
	Channel     string  `json:"channel" yaml:"channel"`
}

// Lien is a subordinate lien against the property.
type Lien struct {
	Type           string   `json:"type" yaml:"type"`
	CurrentBalance float64  `json:"current_balance" yaml:"current_balance"`
	CreditLimit    *float64 `json:"credit_limit,omitempty" yaml:"credit_limit,omitempty"`
}

// Financing holds subordinate financing and mortgage insurance.
type Financing struct {
	SubordinateLiens []Lien  `json:"subordinate_liens,omitempty" yaml:"subordinate_liens,omitempty"`
	MIType           string  `json:"mi_type,omitempty" yaml:"mi_type,omitempty"`
	MICoveragePct    float64 `json:"mi_coverage_pct,omitempty" yaml:"mi_coverage_pct,omitempty"`
	RateSheetID      string  `json:"base_rate_sheet_id,omitempty" yaml:"base_rate_sheet_id,omitempty"`
}

// HasMI reports whether mortgage insurance was supplied at all.
func (f Financing) HasMI() bool {
	return f.MIType != ""
}

// RateSheet returns the requested rate sheet id or the standard sheet.
func (f Financing) RateSheet() string {
	if f.RateSheetID == "" {
		return DefaultRateSheet
	}
	return f.RateSheetID
}

// Validate rejects malformed input. Policy violations are not malformation
// and are left to the rules.
func (s *Scenario) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: scenario is required", ErrInvalidScenario)
	}

	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	b := s.Borrower
	if b.CreditScore < MinCreditScore || b.CreditScore > MaxCreditScore {
		add("borrower.credit_score must be between %d and %d, got %d", MinCreditScore, MaxCreditScore, b.CreditScore)
	}
	if b.GrossMonthlyIncome < 0 {
		add("borrower.gross_monthly_income must not be negative")
	}
	for label, amt := range b.MonthlyDebts {
		if amt < 0 {
			add("borrower.monthly_debts[%s] must not be negative", label)
		}
	}
	if b.NumFinancedProperties < 0 {
		add("borrower.num_financed_properties must not be negative")
	}
	if b.LiquidAssetsAfterClosing < 0 {
		add("borrower.liquid_assets_after_closing must not be negative")
	}
	if b.AMIRatio != nil && *b.AMIRatio < 0 {
		add("borrower.ami_ratio must not be negative")
	}

	p := s.Property
	if p.AppraisedValue <= 0 {
		add("property.appraised_value must be positive")
	}
	if p.PurchasePrice != nil && *p.PurchasePrice <= 0 {
		add("property.purchase_price must be positive when present")
	}
	if p.Units < 1 {
		add("property.units must be at least 1, got %d", p.Units)
	}
	if p.PropertyType == "" {
		add("property.property_type is required")
	}
	switch p.Occupancy {
	case OccupancyPrimary, OccupancySecondHome, OccupancyInvestment:
	case "":
		add("property.occupancy is required")
	default:
		add("property.occupancy %q is not one of primary, second_home, investment", p.Occupancy)
	}
	if !validCondition(p.ConditionRating) {
		add("property.condition_rating must be C1 through C6, got %q", p.ConditionRating)
	}

	l := s.Loan
	if l.LoanAmount <= 0 {
		add("loan.loan_amount must be positive")
	}
	if l.NoteRate < 0 {
		add("loan.note_rate must not be negative")
	}
	if l.TermMonths <= 0 {
		add("loan.term_months must be positive")
	}
	switch l.Purpose {
	case PurposePurchase, PurposeRateTermRefi, PurposeCashOutRefi:
	case "":
		add("loan.purpose is required")
	default:
		add("loan.purpose %q is not one of purchase, rate_term_refi, cash_out_refi", l.Purpose)
	}

	f := s.Financing
	for i, lien := range f.SubordinateLiens {
		if lien.Type == "" {
			add("financing.subordinate_liens[%d].type is required", i)
		}
		if lien.CurrentBalance < 0 {
			add("financing.subordinate_liens[%d].current_balance must not be negative", i)
		}
		if lien.CreditLimit != nil && *lien.CreditLimit < 0 {
			add("financing.subordinate_liens[%d].credit_limit must not be negative", i)
		}
	}
	if f.MICoveragePct < 0 || f.MICoveragePct > 1 {
		add("financing.mi_coverage_pct must be a fraction between 0 and 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidScenario, strings.Join(problems, "; "))
	}
	return nil
}

func validCondition(rating string) bool {
	if len(rating) != 2 || rating[0] != 'C' {
		return false
	}
	return rating[1] >= '1' && rating[1] <= '6'
}
