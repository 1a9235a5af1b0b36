// Package policy holds the typed underwriting tables consumed by the rule
// pipeline. A Policy is built once, validated, and never mutated afterwards;
// variations are produced by overlaying YAML onto a clone.
package policy

import (
	"errors"
	"slices"
)

// ErrUnknownPolicy is returned when a policy ID is not registered.
var ErrUnknownPolicy = errors.New("unknown policy")

// ErrInvalidPolicy is returned when tables fail validation.
var ErrInvalidPolicy = errors.New("invalid policy")

// Unit buckets used by the LTV limit table.
const (
	UnitBucketOne       = "1_unit"
	UnitBucketTwo       = "2_unit"
	UnitBucketThreeFour = "3_4_unit"
)

// DefaultVersion tags the built-in tables.
const DefaultVersion = "2024.1"

// Policy is the complete set of underwriting and pricing tables.
type Policy struct {
	ID      string `json:"id" yaml:"id"`
	Version string `json:"version" yaml:"version"`

	LTVLimits             LTVLimits             `json:"ltv_limits" yaml:"ltv_limits"`
	CreditScoreMins       CreditScoreMins       `json:"credit_score_min" yaml:"credit_score_min"`
	DTILimits             DTILimits             `json:"dti_limits" yaml:"dti_limits"`
	PropertyTypeRules     PropertyTypeRules     `json:"property_type_rules" yaml:"property_type_rules"`
	LoanLimits            LoanLimits            `json:"loan_limits" yaml:"loan_limits"`
	MIRules               MIRules               `json:"mi_rules" yaml:"mi_rules"`
	ReserveRules          ReserveRules          `json:"reserve_rules" yaml:"reserve_rules"`
	FinancedPropertyRules FinancedPropertyRules `json:"financed_property_rules" yaml:"financed_property_rules"`
	ConditionRules        ConditionRules        `json:"property_condition_rules" yaml:"property_condition_rules"`
	FTHBRules             FTHBRules             `json:"fthb_rules" yaml:"fthb_rules"`
	HPMLRules             HPMLRules             `json:"hpml_hoepa" yaml:"hpml_hoepa"`
	LLPA                  LLPATables            `json:"llpa" yaml:"llpa"`
	RateSheets            RateSheets            `json:"rate_sheets" yaml:"rate_sheets"`

	// fingerprint is set once a Registry holds the policy.
	fingerprint string
}

// LTVLimit holds the ceilings for one occupancy/units/purpose combination.
type LTVLimit struct {
	MaxLTV   float64 `json:"max_ltv" yaml:"max_ltv"`
	MaxCLTV  float64 `json:"max_cltv" yaml:"max_cltv"`
	MaxHCLTV float64 `json:"max_hcltv" yaml:"max_hcltv"`
}

// LTVLimits is keyed occupancy -> unit bucket -> purpose.
type LTVLimits map[string]map[string]map[string]LTVLimit

// Lookup returns the limits for a combination. A missing combination is
// reported as not found rather than defaulted.
func (l LTVLimits) Lookup(occupancy, unitBucket, purpose string) (LTVLimit, bool) {
	limit, ok := l[occupancy][unitBucket][purpose]
	return limit, ok
}

// UnitBucket maps a unit count to its LTV table bucket.
func UnitBucket(units int) string {
	switch units {
	case 1:
		return UnitBucketOne
	case 2:
		return UnitBucketTwo
	default:
		return UnitBucketThreeFour
	}
}

// CreditScoreMins are the floors that raise the minimum credit score.
type CreditScoreMins struct {
	Base                int `json:"base" yaml:"base"`
	ARM                 int `json:"arm" yaml:"arm"`
	HighBalance         int `json:"high_balance" yaml:"high_balance"`
	TwoToFourUnit       int `json:"two_to_four_unit" yaml:"two_to_four_unit"`
	Investment          int `json:"investment" yaml:"investment"`
	CashOut             int `json:"cash_out" yaml:"cash_out"`
	SevenPlusProperties int `json:"seven_plus_properties" yaml:"seven_plus_properties"`
}

// DTILimits are the three debt-to-income thresholds.
type DTILimits struct {
	MaxDU              float64 `json:"max_dti_du" yaml:"max_dti_du"`
	ManualBase         float64 `json:"max_dti_manual_base" yaml:"max_dti_manual_base"`
	ManualCompensating float64 `json:"max_dti_manual_compensating" yaml:"max_dti_manual_compensating"`
}

// PropertyTypeRules constrain the collateral type.
type PropertyTypeRules struct {
	AllowedTypes       []string `json:"allowed_types" yaml:"allowed_types"`
	CoopNoInvestment   bool     `json:"coop_no_investment" yaml:"coop_no_investment"`
	ManufacturedMaxLTV float64  `json:"manufactured_max_ltv" yaml:"manufactured_max_ltv"`
	ManufacturedDUOnly bool     `json:"manufactured_du_only" yaml:"manufactured_du_only"`
}

// Allowed reports whether a property type is on the allow-list.
func (r PropertyTypeRules) Allowed(propertyType string) bool {
	return slices.Contains(r.AllowedTypes, propertyType)
}

// LoanLimits are the conforming loan ceilings keyed by unit count.
type LoanLimits struct {
	Baseline map[int]float64 `json:"baseline" yaml:"baseline"`
	HighCost map[int]float64 `json:"high_cost" yaml:"high_cost"`

	// DefaultBaseline applies when a unit count has no baseline entry.
	DefaultBaseline float64 `json:"default_baseline" yaml:"default_baseline"`

	// HighCostFactor scales the baseline when a unit count has no high-cost entry.
	HighCostFactor float64 `json:"high_cost_factor" yaml:"high_cost_factor"`
}

// BaselineFor returns the baseline ceiling for a unit count.
func (l LoanLimits) BaselineFor(units int) float64 {
	if v, ok := l.Baseline[units]; ok {
		return v
	}
	return l.DefaultBaseline
}

// HighCostFor returns the high-cost ceiling for a unit count.
func (l LoanLimits) HighCostFor(units int) float64 {
	if v, ok := l.HighCost[units]; ok {
		return v
	}
	return l.BaselineFor(units) * l.HighCostFactor
}

// CoverageBand maps an LTV interval (Lower, Upper] to a required MI coverage.
type CoverageBand struct {
	Lower    float64 `json:"lower" yaml:"lower"`
	Upper    float64 `json:"upper" yaml:"upper"`
	Coverage float64 `json:"coverage" yaml:"coverage"`
}

// MIRules hold the mortgage insurance requirement.
type MIRules struct {
	// RequiredAbove is the LTV above which MI is required.
	RequiredAbove float64        `json:"required_above" yaml:"required_above"`
	Coverage      []CoverageBand `json:"coverage" yaml:"coverage"`
}

// RequiredCoverage returns the coverage of the first band containing ltv.
// It returns false when no band matches.
func (m MIRules) RequiredCoverage(ltv float64) (float64, bool) {
	for _, band := range m.Coverage {
		if ltv > band.Lower && ltv <= band.Upper {
			return band.Coverage, true
		}
	}
	return 0, false
}

// PortfolioTier adds a reserve percentage once a borrower finances at least
// MinProperties properties.
type PortfolioTier struct {
	MinProperties int     `json:"min_properties" yaml:"min_properties"`
	Pct           float64 `json:"pct" yaml:"pct"`
}

// ReserveRules hold reserve requirements in months of PITIA plus the
// portfolio surcharge.
type ReserveRules struct {
	PrimaryOneUnit   float64 `json:"primary_1_unit" yaml:"primary_1_unit"`
	PrimaryMultiUnit float64 `json:"primary_2_4_unit" yaml:"primary_2_4_unit"`
	SecondHome       float64 `json:"second_home" yaml:"second_home"`
	Investment       float64 `json:"investment" yaml:"investment"`

	// PortfolioTiers are ordered by MinProperties, highest first.
	PortfolioTiers []PortfolioTier `json:"portfolio_tiers" yaml:"portfolio_tiers"`

	// AssumedUPBPerProperty estimates the balance of each other financed property.
	AssumedUPBPerProperty float64 `json:"assumed_upb_per_property" yaml:"assumed_upb_per_property"`
}

// PortfolioPct returns the surcharge percentage for a property count.
func (r ReserveRules) PortfolioPct(properties int) float64 {
	for _, tier := range r.PortfolioTiers {
		if properties >= tier.MinProperties {
			return tier.Pct
		}
	}
	return 0
}

// FinancedPropertyRules cap the borrower's financed portfolio.
type FinancedPropertyRules struct {
	MaxAllowed        int  `json:"max_allowed" yaml:"max_allowed"`
	StandardMax       int  `json:"standard_max" yaml:"standard_max"`
	ExtendedMinCredit int  `json:"extended_min_credit" yaml:"extended_min_credit"`
	ExtendedDUOnly    bool `json:"extended_du_only" yaml:"extended_du_only"`
}

// ConditionRules list appraisal ratings that fail eligibility.
type ConditionRules struct {
	Unacceptable []string `json:"unacceptable_ratings" yaml:"unacceptable_ratings"`
}

// FTHBRules govern high-LTV access and the AMI waiver.
type FTHBRules struct {
	MaxLTVNonFTHB              float64 `json:"max_ltv_non_fthb" yaml:"max_ltv_non_fthb"`
	EducationRequiredLTV       float64 `json:"education_required_ltv" yaml:"education_required_ltv"`
	AMIWaiverThreshold         float64 `json:"ami_waiver_threshold" yaml:"ami_waiver_threshold"`
	AMIWaiverHighCostThreshold float64 `json:"ami_waiver_high_cost_threshold" yaml:"ami_waiver_high_cost_threshold"`
}

// HPMLRules are the simplified HPML and HOEPA thresholds.
type HPMLRules struct {
	HPMLMargin               float64 `json:"hpml_margin_first_lien" yaml:"hpml_margin_first_lien"`
	HOEPAMargin              float64 `json:"hoepa_margin" yaml:"hoepa_margin"`
	HOEPAPointsFeesThreshold float64 `json:"hoepa_points_fees_threshold" yaml:"hoepa_points_fees_threshold"`
	APORProxy                float64 `json:"apor_proxy" yaml:"apor_proxy"`

	// AssumedPointsPct is the flat points-and-fees fraction used for APR.
	AssumedPointsPct float64 `json:"assumed_points_pct" yaml:"assumed_points_pct"`
}

// GridCell is one base grid entry: credit in [CreditMin, CreditMax] and
// LTV in (LTVLower, LTVUpper].
type GridCell struct {
	CreditMin int     `json:"credit_min" yaml:"credit_min"`
	CreditMax int     `json:"credit_max" yaml:"credit_max"`
	LTVLower  float64 `json:"ltv_lower" yaml:"ltv_lower"`
	LTVUpper  float64 `json:"ltv_upper" yaml:"ltv_upper"`
	Bps       float64 `json:"bps" yaml:"bps"`
}

// Contains reports whether a credit score and LTV fall in the cell.
func (c GridCell) Contains(credit int, ltv float64) bool {
	return credit >= c.CreditMin && credit <= c.CreditMax && ltv > c.LTVLower && ltv <= c.LTVUpper
}

// WaiverRules select which LLPA components the FTHB AMI waiver removes.
type WaiverRules struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	WaivesBaseGrid  bool `json:"waives_base_grid" yaml:"waives_base_grid"`
	WaivesOccupancy bool `json:"waives_occupancy" yaml:"waives_occupancy"`
}

// LLPATables are the loan-level price adjustment matrices, in points.
type LLPATables struct {
	BaseGrid         []GridCell         `json:"base_grid" yaml:"base_grid"`
	Occupancy        map[string]float64 `json:"adjust_occupancy" yaml:"adjust_occupancy"`
	PropertyType     map[string]float64 `json:"adjust_property_type" yaml:"adjust_property_type"`
	Units            map[int]float64    `json:"adjust_units" yaml:"adjust_units"`
	HighBalance      float64            `json:"adjust_high_balance" yaml:"adjust_high_balance"`
	MinimumMI        float64            `json:"adjust_min_mi" yaml:"adjust_min_mi"`
	CashOut          float64            `json:"adjust_cash_out" yaml:"adjust_cash_out"`
	FTHBWaiver       WaiverRules        `json:"waiver_fthb_ami" yaml:"waiver_fthb_ami"`
	CounselingCredit float64            `json:"credit_counseling" yaml:"credit_counseling"`
}

// BaseGridCell returns the first grid cell containing the credit score and LTV.
func (t LLPATables) BaseGridCell(credit int, ltv float64) (GridCell, bool) {
	for _, cell := range t.BaseGrid {
		if cell.Contains(credit, ltv) {
			return cell, true
		}
	}
	return GridCell{}, false
}

// RatePoint is one note rate and its base price.
type RatePoint struct {
	Rate  float64 `json:"rate" yaml:"rate"`
	Price float64 `json:"price" yaml:"price"`
}

// RateSheets is keyed sheet id -> product key; points are ordered by rate.
type RateSheets map[string]map[string][]RatePoint

// Points returns the rate points for a sheet and product.
func (r RateSheets) Points(sheet, product string) ([]RatePoint, bool) {
	points, ok := r[sheet][product]
	if !ok || len(points) == 0 {
		return nil, false
	}
	return points, true
}
