package underwriting

import (
	"fmt"
	"math"
	"slices"

	"github.com/opensource-finance/underwrite/internal/domain"
	"github.com/opensource-finance/underwrite/internal/policy"
)

// RuleFunc evaluates one rule. It may write into c for later rules.
type RuleFunc func(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult

func result(name domain.RuleName, eligible bool, metrics map[string]any, messages ...string) domain.RuleResult {
	return domain.RuleResult{
		RuleName: name,
		Eligible: eligible,
		Messages: messages,
		Metrics:  metrics,
	}
}

// ruleLTV computes LTV, CLTV and HCLTV against the valuation base and checks
// them against the occupancy/units/purpose ceilings.
func ruleLTV(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	prop, loan := s.Property, s.Loan

	value := prop.AppraisedValue
	if loan.Purpose == domain.PurposePurchase && prop.PurchasePrice != nil {
		value = min(*prop.PurchasePrice, prop.AppraisedValue)
	}

	var subordinate, helocLimits float64
	for _, lien := range s.Financing.SubordinateLiens {
		subordinate += lien.CurrentBalance
		if lien.Type == domain.LienTypeHELOC {
			if lien.CreditLimit != nil {
				helocLimits += *lien.CreditLimit
			} else {
				helocLimits += lien.CurrentBalance
			}
		}
	}

	var ltv, cltv, hcltv float64
	if value > 0 {
		ltv = ceilRatio(loan.LoanAmount / value)
		cltv = ceilRatio((loan.LoanAmount + subordinate) / value)
		hcltv = ceilRatio((loan.LoanAmount + helocLimits) / value)
	}

	c.LTV, c.CLTV, c.HCLTV, c.Value = ltv, cltv, hcltv, value

	bucket := policy.UnitBucket(prop.Units)
	limit, ok := p.LTVLimits.Lookup(prop.Occupancy, bucket, loan.Purpose)
	if !ok {
		return result(domain.RuleLTV, false,
			map[string]any{"LTV": ltv, "CLTV": cltv, "HCLTV": hcltv},
			fmt.Sprintf("No LTV limits defined for %s/%s/%s", prop.Occupancy, bucket, loan.Purpose))
	}

	var messages []string
	if ltv > limit.MaxLTV {
		messages = append(messages, fmt.Sprintf("LTV %s exceeds max %s", pct(ltv, 2), pct(limit.MaxLTV, 2)))
	}
	if cltv > limit.MaxCLTV {
		messages = append(messages, fmt.Sprintf("CLTV %s exceeds max %s", pct(cltv, 2), pct(limit.MaxCLTV, 2)))
	}
	if hcltv > limit.MaxHCLTV {
		messages = append(messages, fmt.Sprintf("HCLTV %s exceeds max %s", pct(hcltv, 2), pct(limit.MaxHCLTV, 2)))
	}
	eligible := len(messages) == 0
	if eligible {
		messages = []string{"LTV/CLTV/HCLTV within limits"}
	}

	return result(domain.RuleLTV, eligible, map[string]any{
		"LTV":       ltv,
		"CLTV":      cltv,
		"HCLTV":     hcltv,
		"max_ltv":   limit.MaxLTV,
		"max_cltv":  limit.MaxCLTV,
		"max_hcltv": limit.MaxHCLTV,
		"value":     value,
	}, messages...)
}

// ruleCreditScore raises the floor for each risk layer; floors never stack.
func ruleCreditScore(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	mins := p.CreditScoreMins
	credit := s.Borrower.CreditScore

	required := mins.Base
	if s.Loan.ARM {
		required = max(required, mins.ARM)
	}
	if s.Loan.Channel == domain.ChannelHighBalance {
		required = max(required, mins.HighBalance)
	}
	if s.Property.Units >= 2 {
		required = max(required, mins.TwoToFourUnit)
	}
	if s.Property.Occupancy == domain.OccupancyInvestment {
		required = max(required, mins.Investment)
	}
	if s.Loan.Purpose == domain.PurposeCashOutRefi {
		required = max(required, mins.CashOut)
	}
	if s.Borrower.NumFinancedProperties >= 7 {
		required = max(required, mins.SevenPlusProperties)
	}

	c.MinCreditScore = required

	metrics := map[string]any{"credit_score": credit, "min_required": required}
	if credit < required {
		return result(domain.RuleCreditScore, false, metrics,
			fmt.Sprintf("Credit score %d below minimum %d", credit, required))
	}
	return result(domain.RuleCreditScore, true, metrics,
		fmt.Sprintf("Credit score %d meets minimum %d", credit, required))
}

// monthlyPI is the level amortizing payment; a zero rate pays straight-line.
func monthlyPI(amount, noteRate float64, termMonths int) float64 {
	r := noteRate / 12 / 100
	n := float64(termMonths)
	if r <= 0 {
		return amount / n
	}
	f := math.Pow(1+r, n)
	return amount * (r * f) / (f - 1)
}

// ruleDTI computes PITIA and the back-end and front-end ratios.
func ruleDTI(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	b, loan, fin := s.Borrower, s.Loan, s.Financing

	pi := monthlyPI(loan.LoanAmount, loan.NoteRate, loan.TermMonths)

	value := c.Value
	if value == 0 {
		value = loan.LoanAmount
	}
	taxIns := value * 0.005 / 12

	var mi float64
	if fin.HasMI() && fin.MICoveragePct > 0 {
		mi = loan.LoanAmount * fin.MICoveragePct * 0.02 / 12
	}

	pitia := pi + taxIns + mi
	totalDebts := pitia + b.TotalMonthlyDebts()

	dti, fedti := 999.0, 999.0
	if b.GrossMonthlyIncome > 0 {
		dti = totalDebts / b.GrossMonthlyIncome
		fedti = pitia / b.GrossMonthlyIncome
	}

	c.DTI, c.FEDTI, c.MonthlyPITIA = dti, fedti, pitia

	lim := p.DTILimits
	metrics := map[string]any{
		"DTI":           dti,
		"monthly_pitia": pitia,
		"total_debts":   totalDebts,
		"max_dti_du":    lim.MaxDU,
	}

	switch {
	case dti > lim.MaxDU:
		return result(domain.RuleDTI, false, metrics,
			fmt.Sprintf("DTI %s exceeds DU max %s", pct(dti, 2), pct(lim.MaxDU, 2)))
	case dti > lim.ManualCompensating:
		c.RequiresDU = true
		return result(domain.RuleDTI, true, metrics,
			fmt.Sprintf("DTI %s requires DU approval (exceeds manual %s)", pct(dti, 2), pct(lim.ManualCompensating, 2)))
	case dti > lim.ManualBase:
		return result(domain.RuleDTI, true, metrics,
			fmt.Sprintf("DTI %s requires compensating factors or DU", pct(dti, 2)))
	default:
		return result(domain.RuleDTI, true, metrics,
			fmt.Sprintf("DTI %s within standard limits", pct(dti, 2)))
	}
}

func rulePropertyType(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	prop := s.Property
	rules := p.PropertyTypeRules

	if !rules.Allowed(prop.PropertyType) {
		return result(domain.RulePropertyType, false,
			map[string]any{"property_type": prop.PropertyType},
			fmt.Sprintf("Property type %s not allowed", prop.PropertyType))
	}

	var messages []string
	eligible := true

	if prop.PropertyType == "Coop" && prop.Occupancy == domain.OccupancyInvestment && rules.CoopNoInvestment {
		eligible = false
		messages = append(messages, "Co-op investment properties not allowed")
	}

	if prop.PropertyType == "Manufactured" {
		if c.LTV > rules.ManufacturedMaxLTV {
			eligible = false
			messages = append(messages, fmt.Sprintf("Manufactured home LTV %s exceeds max %s",
				pct(c.LTV, 2), pct(rules.ManufacturedMaxLTV, 2)))
		}
		if rules.ManufacturedDUOnly {
			c.RequiresDU = true
			messages = append(messages, "Manufactured home requires DU approval")
		}
	}

	if prop.Units < 1 || prop.Units > 4 {
		eligible = false
		messages = append(messages, fmt.Sprintf("Property must be 1-4 units, got %d", prop.Units))
	}

	if len(messages) == 0 {
		messages = append(messages, fmt.Sprintf("Property type %s acceptable", prop.PropertyType))
	}

	return result(domain.RulePropertyType, eligible,
		map[string]any{"property_type": prop.PropertyType, "units": prop.Units}, messages...)
}

func ruleOccupancy(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	prop := s.Property
	metrics := map[string]any{"occupancy": prop.Occupancy}

	switch prop.Occupancy {
	case domain.OccupancyPrimary, domain.OccupancySecondHome, domain.OccupancyInvestment:
	default:
		return result(domain.RuleOccupancy, false, metrics,
			fmt.Sprintf("Invalid occupancy type: %s", prop.Occupancy))
	}

	if prop.Occupancy == domain.OccupancyInvestment {
		c.IsInvestorLoan = true
	}

	if prop.Occupancy == domain.OccupancySecondHome && prop.Units != 1 {
		return result(domain.RuleOccupancy, false, metrics, "Second homes must be 1-unit properties")
	}
	return result(domain.RuleOccupancy, true, metrics,
		fmt.Sprintf("Occupancy %s acceptable", prop.Occupancy))
}

func ruleLoanPurpose(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	purpose := s.Loan.Purpose

	switch purpose {
	case domain.PurposePurchase, domain.PurposeRateTermRefi, domain.PurposeCashOutRefi:
	default:
		return result(domain.RuleLoanPurpose, false, map[string]any{"purpose": purpose},
			fmt.Sprintf("Invalid loan purpose: %s", purpose))
	}

	c.IsCashOut = purpose == domain.PurposeCashOutRefi

	metrics := map[string]any{"purpose": purpose, "is_cash_out": c.IsCashOut}
	if c.IsCashOut {
		return result(domain.RuleLoanPurpose, true, metrics, "Cash-out refinance: stricter LTV limits apply")
	}
	return result(domain.RuleLoanPurpose, true, metrics, fmt.Sprintf("Purpose: %s", purpose))
}

// ruleLoanAmountLimits classifies the channel as conforming, high balance or
// jumbo. Jumbo loans are ineligible.
func ruleLoanAmountLimits(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	amount := s.Loan.LoanAmount
	units := s.Property.Units

	baseline := p.LoanLimits.BaselineFor(units)
	ceiling := baseline
	channel := domain.ChannelConforming
	if s.Property.IsHighCostArea {
		ceiling = p.LoanLimits.HighCostFor(units)
		if amount > baseline {
			channel = domain.ChannelHighBalance
		}
	}

	c.LoanLimit = ceiling

	if amount > ceiling {
		c.Channel = domain.ChannelJumbo
		return result(domain.RuleLoanAmountLimits, false, map[string]any{
			"loan_amount": amount,
			"max_limit":   ceiling,
			"channel":     domain.ChannelJumbo,
		}, fmt.Sprintf("Loan amount %s exceeds %s limit %s (jumbo)", dollars(amount), channel, dollars(ceiling)))
	}

	c.Channel = channel
	return result(domain.RuleLoanAmountLimits, true, map[string]any{
		"loan_amount": amount,
		"max_limit":   ceiling,
		"channel":     channel,
	}, fmt.Sprintf("Loan amount %s within %s limits (max %s)", dollars(amount), channel, dollars(ceiling)))
}

// ruleMortgageInsurance requires MI above the threshold LTV. Coverage below
// the band minimum is allowed but priced.
func ruleMortgageInsurance(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	ltv := c.LTV
	mi := p.MIRules

	if ltv <= mi.RequiredAbove {
		return result(domain.RuleMortgageInsurance, true,
			map[string]any{"mi_required": false, "LTV": ltv},
			fmt.Sprintf("No MI required (LTV ≤ %s)", pct(mi.RequiredAbove, 0)))
	}

	required, _ := mi.RequiredCoverage(ltv)
	provided := s.Financing.MICoveragePct

	c.MIRequired = true
	c.MICoverageRequired = required
	c.MICoverageProvided = provided

	metrics := map[string]any{
		"mi_required":       true,
		"required_coverage": required,
		"provided_coverage": provided,
		"LTV":               ltv,
	}

	switch {
	case !s.Financing.HasMI():
		return result(domain.RuleMortgageInsurance, false, metrics,
			fmt.Sprintf("MI required for LTV %s (min %s coverage)", pct(ltv, 2), pct(required, 0)))
	case provided < required:
		c.MIBelowStandard = true
		return result(domain.RuleMortgageInsurance, true, metrics,
			fmt.Sprintf("MI coverage %s below standard %s (LLPA applies)", pct(provided, 0), pct(required, 0)))
	default:
		return result(domain.RuleMortgageInsurance, true, metrics,
			fmt.Sprintf("MI %s coverage meets requirement", pct(provided, 0)))
	}
}

// ruleReserves requires months of PITIA by occupancy plus a surcharge on the
// assumed balance of every other financed property.
func ruleReserves(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	rules := p.ReserveRules
	prop := s.Property

	var months float64
	switch prop.Occupancy {
	case domain.OccupancyPrimary:
		months = rules.PrimaryMultiUnit
		if prop.Units == 1 {
			months = rules.PrimaryOneUnit
		}
	case domain.OccupancySecondHome:
		months = rules.SecondHome
	default:
		months = rules.Investment
	}

	props := s.Borrower.NumFinancedProperties
	var otherUPB float64
	if props > 1 {
		otherUPB = float64(props-1) * rules.AssumedUPBPerProperty
	}
	additional := otherUPB * rules.PortfolioPct(props)

	required := months*c.MonthlyPITIA + additional
	available := s.Borrower.LiquidAssetsAfterClosing

	c.ReservesRequired = required
	c.ReservesMonths = months
	c.ReservesAvailable = available

	metrics := map[string]any{
		"required_dollars":  required,
		"required_months":   months,
		"available_dollars": available,
	}

	if available < required {
		return result(domain.RuleReserves, false, metrics, fmt.Sprintf(
			"Insufficient reserves: %s available vs %s required (%g months PITIA + %s for %d properties), shortage %s",
			dollars(available), dollars(required), months, dollars(additional), props, dollars(required-available)))
	}
	return result(domain.RuleReserves, true, metrics, fmt.Sprintf(
		"Sufficient reserves: %s available vs %s required (%g months + additional for %d properties)",
		dollars(available), dollars(required), months, props))
}

func ruleFinancedProperties(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	rules := p.FinancedPropertyRules
	props := s.Borrower.NumFinancedProperties
	metrics := map[string]any{"num_financed_properties": props}

	if props > rules.MaxAllowed {
		return result(domain.RuleFinancedProperties, false, metrics,
			fmt.Sprintf("Too many financed properties: %d (max %d)", props, rules.MaxAllowed))
	}

	if props <= rules.StandardMax {
		return result(domain.RuleFinancedProperties, true, metrics,
			fmt.Sprintf("Standard portfolio: %d properties", props))
	}

	if credit := s.Borrower.CreditScore; credit < rules.ExtendedMinCredit {
		return result(domain.RuleFinancedProperties, false, metrics,
			fmt.Sprintf("%d financed properties requires min credit score %d, got %d", props, rules.ExtendedMinCredit, credit))
	}

	var messages []string
	if rules.ExtendedDUOnly {
		c.RequiresDU = true
		messages = append(messages, fmt.Sprintf("%d financed properties requires DU approval", props))
	}
	messages = append(messages, fmt.Sprintf("Extended portfolio: %d properties (%d-%d range)",
		props, rules.StandardMax+1, rules.MaxAllowed))
	return result(domain.RuleFinancedProperties, true, metrics, messages...)
}

func ruleIncomeDocumentation(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	doc := s.Borrower.Documentation()
	metrics := map[string]any{"doc_type": doc}

	if doc != domain.DocTypeFull {
		return result(domain.RuleIncomeDocumentation, false, metrics,
			fmt.Sprintf("Only full documentation allowed for conforming loans, got '%s'", doc))
	}
	return result(domain.RuleIncomeDocumentation, true, metrics, "Full documentation provided")
}

func rulePropertyCondition(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	rating := s.Property.ConditionRating
	metrics := map[string]any{"condition_rating": rating}

	if slices.Contains(p.ConditionRules.Unacceptable, rating) {
		return result(domain.RulePropertyCondition, false, metrics,
			fmt.Sprintf("Property condition %s unacceptable - requires repair to C4 or better", rating))
	}
	return result(domain.RulePropertyCondition, true, metrics,
		fmt.Sprintf("Property condition %s acceptable", rating))
}

// ruleAUSManualUW classifies the underwriting path. It never fails.
func ruleAUSManualUW(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	manual := c.DTI <= p.DTILimits.ManualCompensating && !c.RequiresDU
	c.ManualUWEligible = manual

	var msg string
	switch {
	case c.RequiresDU:
		msg = "DU approval required (extended portfolio, high DTI, or manufactured home)"
	case manual:
		msg = "Eligible for manual underwriting"
	default:
		msg = "Loan characteristics suggest DU path preferred"
	}

	return result(domain.RuleAUSManualUW, true, map[string]any{
		"requires_du":     c.RequiresDU,
		"manual_eligible": manual,
	}, msg)
}

// ruleFirstTimeHomebuyer treats a borrower who has not owned in three years
// as a first-time buyer even when the explicit flag is unset.
func ruleFirstTimeHomebuyer(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	b := s.Borrower
	rules := p.FTHBRules
	ltv := c.LTV

	fthb := b.FirstTimeHomebuyer || !b.OwnsPropertyLast3Yrs
	c.IsFTHB = fthb

	var messages []string
	eligible := true

	if ltv > rules.MaxLTVNonFTHB && !fthb {
		eligible = false
		messages = append(messages, fmt.Sprintf("LTV %s > %s requires first-time homebuyer status",
			pct(ltv, 2), pct(rules.MaxLTVNonFTHB, 2)))
	}

	if fthb && ltv > rules.EducationRequiredLTV {
		c.EducationRequired = true
		messages = append(messages, fmt.Sprintf("Homeownership education required for FTHB with LTV > %s",
			pct(rules.EducationRequiredLTV, 2)))
	}

	ami := 999.0
	if b.AMIRatio != nil && *b.AMIRatio != 0 {
		ami = *b.AMIRatio
	}
	threshold := rules.AMIWaiverThreshold
	if s.Property.IsHighCostArea {
		threshold = rules.AMIWaiverHighCostThreshold
	}

	if fthb && ami <= threshold {
		c.FTHBWaiverEligible = true
		messages = append(messages, fmt.Sprintf("Eligible for FTHB LLPA waiver (AMI ratio %s ≤ %s)",
			pct(ami, 1), pct(threshold, 0)))
	}

	if len(messages) == 0 {
		messages = append(messages, fmt.Sprintf("FTHB status: %t", fthb))
	}

	return result(domain.RuleFirstTimeHomebuyer, eligible, map[string]any{
		"is_fthb":              fthb,
		"ami_ratio":            ami,
		"llpa_waiver_eligible": c.FTHBWaiverEligible,
	}, messages...)
}

// ruleHighCost flags HPML and HOEPA using a simplified APR that assumes a
// flat points-and-fees charge amortized over the term. HOEPA loans fail.
func ruleHighCost(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	t := p.HPMLRules
	loan := s.Loan

	points := t.AssumedPointsPct
	termYears := float64(loan.TermMonths) / 12
	apr := loan.NoteRate + points*100/termYears

	hpml := apr/100 >= t.APORProxy+t.HPMLMargin
	hoepa := apr/100 >= t.APORProxy+t.HOEPAMargin || points >= t.HOEPAPointsFeesThreshold

	c.IsHPML, c.IsHOEPA, c.APR = hpml, hoepa, apr

	metrics := map[string]any{
		"is_hpml":  hpml,
		"is_hoepa": hoepa,
		"apr":      apr,
		"apor":     t.APORProxy,
	}

	switch {
	case hoepa:
		return result(domain.RuleHighCostHPML, false, metrics,
			fmt.Sprintf("HOEPA violation: APR %.3f%% or points %s exceeds HOEPA thresholds", apr, pct(points, 2)))
	case hpml:
		return result(domain.RuleHighCostHPML, true, metrics,
			fmt.Sprintf("HPML flagged: APR %.3f%% ≥ APOR %s + %s (ensure HPML requirements met)",
				apr, pct(t.APORProxy, 3), pct(t.HPMLMargin, 3)))
	default:
		return result(domain.RuleHighCostHPML, true, metrics, "Not HPML or HOEPA")
	}
}

// ruleLLPA builds the price adjustment components. It never fails.
func ruleLLPA(s *domain.Scenario, p *policy.Policy, c *Context) domain.RuleResult {
	t := p.LLPA
	prop := s.Property
	credit := s.Borrower.CreditScore
	ltv := c.LTV

	var components []domain.PricingComponent
	add := func(name string, bps float64, reason string) {
		components = append(components, domain.PricingComponent{Name: name, ValueBps: bps, Reason: reason})
	}

	var base float64
	if cell, ok := t.BaseGridCell(credit, ltv); ok {
		base = cell.Bps
		add("Base_Credit_LTV", cell.Bps, fmt.Sprintf("Credit %d in [%d-%d], LTV %s in (%s-%s]",
			credit, cell.CreditMin, cell.CreditMax, pct(ltv, 2), pct(cell.LTVLower, 2), pct(cell.LTVUpper, 2)))
	}

	occupancy := t.Occupancy[prop.Occupancy]
	if occupancy > 0 {
		add("Occupancy_Adjustment", occupancy, fmt.Sprintf("%s occupancy", prop.Occupancy))
	}
	if v := t.PropertyType[prop.PropertyType]; v > 0 {
		add("Property_Type_Adjustment", v, fmt.Sprintf("%s property type", prop.PropertyType))
	}
	if c.Channel == domain.ChannelHighBalance && t.HighBalance != 0 {
		add("High_Balance_Adjustment", t.HighBalance, "High-balance loan")
	}
	if v := t.Units[prop.Units]; v > 0 {
		add("Units_Adjustment", v, fmt.Sprintf("%d-unit property", prop.Units))
	}
	if c.MIBelowStandard && t.MinimumMI != 0 {
		add("Minimum_MI_Adjustment", t.MinimumMI, "MI coverage below standard")
	}
	if c.IsCashOut && t.CashOut != 0 {
		add("Cash_Out_Adjustment", t.CashOut, "Cash-out refinance")
	}

	var total float64
	for _, comp := range components {
		total += comp.ValueBps
	}

	var waivers []string
	if c.FTHBWaiverEligible && t.FTHBWaiver.Enabled {
		var waived float64
		if t.FTHBWaiver.WaivesBaseGrid {
			waived += base
		}
		if t.FTHBWaiver.WaivesOccupancy {
			waived += occupancy
		}
		if waived > 0 {
			total -= waived
			waivers = append(waivers, fmt.Sprintf("FTHB_AMI_Waiver: -%.2f bps", waived))
			add("FTHB_AMI_Waiver", -waived, "First-time homebuyer with income ≤ AMI threshold")
		}
	}

	if c.EducationRequired && t.CounselingCredit > 0 {
		total -= t.CounselingCredit
		waivers = append(waivers, fmt.Sprintf("Homeownership_Counseling_Credit: -%.2f bps", t.CounselingCredit))
		add("Counseling_Credit", -t.CounselingCredit, "Homeownership counseling completed")
	}

	c.LLPATotalBps = total
	c.LLPAComponents = components
	c.LLPAWaivers = waivers

	return result(domain.RuleLLPA, true, map[string]any{
		"total_llpa_bps": total,
		"num_components": len(components),
		"num_waivers":    len(waivers),
	}, fmt.Sprintf("Total LLPA: %.2f bps (%d components, %d waivers)", total, len(components), len(waivers)))
}
