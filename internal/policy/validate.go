package policy

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/opensource-finance/underwrite/internal/domain"
)

// Clone returns a deep copy that shares no maps or slices with p.
func (p *Policy) Clone() *Policy {
	c := *p
	c.fingerprint = ""

	c.LTVLimits = make(LTVLimits, len(p.LTVLimits))
	for occ, buckets := range p.LTVLimits {
		nb := make(map[string]map[string]LTVLimit, len(buckets))
		for bucket, purposes := range buckets {
			nb[bucket] = maps.Clone(purposes)
		}
		c.LTVLimits[occ] = nb
	}

	c.PropertyTypeRules.AllowedTypes = slices.Clone(p.PropertyTypeRules.AllowedTypes)
	c.LoanLimits.Baseline = maps.Clone(p.LoanLimits.Baseline)
	c.LoanLimits.HighCost = maps.Clone(p.LoanLimits.HighCost)
	c.MIRules.Coverage = slices.Clone(p.MIRules.Coverage)
	c.ReserveRules.PortfolioTiers = slices.Clone(p.ReserveRules.PortfolioTiers)
	c.ConditionRules.Unacceptable = slices.Clone(p.ConditionRules.Unacceptable)

	c.LLPA.BaseGrid = slices.Clone(p.LLPA.BaseGrid)
	c.LLPA.Occupancy = maps.Clone(p.LLPA.Occupancy)
	c.LLPA.PropertyType = maps.Clone(p.LLPA.PropertyType)
	c.LLPA.Units = maps.Clone(p.LLPA.Units)

	c.RateSheets = make(RateSheets, len(p.RateSheets))
	for sheet, products := range p.RateSheets {
		np := make(map[string][]RatePoint, len(products))
		for product, points := range products {
			np[product] = slices.Clone(points)
		}
		c.RateSheets[sheet] = np
	}

	return &c
}

// Validate checks that the tables are internally consistent: bands are
// ordered and non-overlapping, thresholds are ordered and within range.
func (p *Policy) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if p.ID == "" {
		add("id is required")
	}

	if len(p.LTVLimits) == 0 {
		add("ltv_limits must not be empty")
	}
	for occ, buckets := range p.LTVLimits {
		for bucket, purposes := range buckets {
			for purpose, l := range purposes {
				for _, v := range []float64{l.MaxLTV, l.MaxCLTV, l.MaxHCLTV} {
					if v <= 0 || v > 1.5 {
						add("ltv_limits.%s.%s.%s: ceiling %.4f out of range", occ, bucket, purpose, v)
						break
					}
				}
			}
		}
	}

	cs := p.CreditScoreMins
	for name, v := range map[string]int{
		"base": cs.Base, "arm": cs.ARM, "high_balance": cs.HighBalance,
		"two_to_four_unit": cs.TwoToFourUnit, "investment": cs.Investment,
		"cash_out": cs.CashOut, "seven_plus_properties": cs.SevenPlusProperties,
	} {
		if v < domain.MinCreditScore || v > domain.MaxCreditScore {
			add("credit_score_min.%s: %d out of range", name, v)
		}
	}

	d := p.DTILimits
	if !(d.ManualBase > 0 && d.ManualBase <= d.ManualCompensating && d.ManualCompensating <= d.MaxDU) {
		add("dti_limits must satisfy 0 < manual_base <= manual_compensating <= max_dti_du")
	}

	if len(p.PropertyTypeRules.AllowedTypes) == 0 {
		add("property_type_rules.allowed_types must not be empty")
	}

	if p.LoanLimits.DefaultBaseline <= 0 {
		add("loan_limits.default_baseline must be positive")
	}
	if p.LoanLimits.HighCostFactor < 1 {
		add("loan_limits.high_cost_factor must be at least 1")
	}
	for units, base := range p.LoanLimits.Baseline {
		if hc, ok := p.LoanLimits.HighCost[units]; ok && hc < base {
			add("loan_limits.high_cost[%d] below baseline", units)
		}
	}

	prevUpper := p.MIRules.RequiredAbove
	for i, band := range p.MIRules.Coverage {
		if band.Lower >= band.Upper {
			add("mi_rules.coverage[%d]: lower %.4f not below upper %.4f", i, band.Lower, band.Upper)
		}
		if band.Lower < prevUpper {
			add("mi_rules.coverage[%d]: overlaps previous band", i)
		}
		if band.Coverage < 0 || band.Coverage > 1 {
			add("mi_rules.coverage[%d]: coverage %.2f out of range", i, band.Coverage)
		}
		prevUpper = band.Upper
	}

	tiers := p.ReserveRules.PortfolioTiers
	for i := 1; i < len(tiers); i++ {
		if tiers[i].MinProperties >= tiers[i-1].MinProperties {
			add("reserve_rules.portfolio_tiers must be ordered by min_properties, highest first")
			break
		}
	}

	fp := p.FinancedPropertyRules
	if fp.StandardMax > fp.MaxAllowed {
		add("financed_property_rules.standard_max exceeds max_allowed")
	}

	grid := p.LLPA.BaseGrid
	if len(grid) == 0 {
		add("llpa.base_grid must not be empty")
	}
	for i, a := range grid {
		if a.CreditMin > a.CreditMax || a.LTVLower >= a.LTVUpper {
			add("llpa.base_grid[%d]: empty range", i)
			continue
		}
		for j := i + 1; j < len(grid); j++ {
			b := grid[j]
			creditOverlap := a.CreditMin <= b.CreditMax && b.CreditMin <= a.CreditMax
			ltvOverlap := a.LTVLower < b.LTVUpper && b.LTVLower < a.LTVUpper
			if creditOverlap && ltvOverlap {
				add("llpa.base_grid[%d] overlaps llpa.base_grid[%d]", i, j)
			}
		}
	}

	if _, ok := p.RateSheets[domain.DefaultRateSheet]; !ok {
		add("rate_sheets.%s is required", domain.DefaultRateSheet)
	}
	for sheet, products := range p.RateSheets {
		for product, points := range products {
			for i := 1; i < len(points); i++ {
				if points[i].Rate <= points[i-1].Rate {
					add("rate_sheets.%s.%s must be strictly ordered by rate", sheet, product)
					break
				}
			}
		}
	}

	if len(problems) > 0 {
		slices.Sort(problems)
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, strings.Join(problems, "; "))
	}
	return nil
}
