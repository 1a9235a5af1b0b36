package policy

import "github.com/opensource-finance/underwrite/internal/domain"

// ltvBuckets are the base grid LTV columns, each (previous, upper].
var ltvBuckets = []float64{0.60, 0.70, 0.75, 0.80, 0.85, 0.90, 0.95, 0.97}

// gridRows are the base grid credit rows, best credit first.
var gridRows = []struct {
	min, max int
	bps      [8]float64
}{
	{760, 850, [8]float64{0.00, 0.25, 0.50, 0.75, 1.00, 1.25, 1.50, 1.75}},
	{740, 759, [8]float64{0.25, 0.50, 0.75, 1.00, 1.50, 1.75, 2.25, 2.75}},
	{720, 739, [8]float64{0.50, 0.75, 1.25, 1.50, 2.25, 2.75, 3.25, 3.75}},
	{700, 719, [8]float64{1.00, 1.50, 2.00, 2.50, 3.00, 3.50, 4.25, 4.75}},
	{680, 699, [8]float64{1.50, 2.00, 2.75, 3.25, 3.75, 4.25, 5.00, 5.50}},
	{660, 679, [8]float64{2.00, 2.50, 3.25, 4.00, 4.75, 5.25, 6.00, 6.50}},
	{640, 659, [8]float64{2.50, 3.00, 3.75, 4.50, 5.50, 6.00, 7.00, 7.50}},
	{620, 639, [8]float64{3.00, 3.50, 4.50, 5.25, 6.25, 7.00, 8.00, 8.50}},
}

func defaultBaseGrid() []GridCell {
	cells := make([]GridCell, 0, len(gridRows)*len(ltvBuckets))
	for _, row := range gridRows {
		lower := 0.0
		for i, upper := range ltvBuckets {
			cells = append(cells, GridCell{
				CreditMin: row.min,
				CreditMax: row.max,
				LTVLower:  lower,
				LTVUpper:  upper,
				Bps:       row.bps[i],
			})
			lower = upper
		}
	}
	return cells
}

func limits(ltv, cltv, hcltv float64) LTVLimit {
	return LTVLimit{MaxLTV: ltv, MaxCLTV: cltv, MaxHCLTV: hcltv}
}

// Default returns the built-in conforming policy tables.
func Default() *Policy {
	return &Policy{
		ID:      domain.DefaultPolicyID,
		Version: DefaultVersion,
		LTVLimits: LTVLimits{
			domain.OccupancyPrimary: {
				UnitBucketOne: {
					domain.PurposePurchase:     limits(0.97, 0.97, 0.97),
					domain.PurposeRateTermRefi: limits(0.97, 0.97, 0.97),
					domain.PurposeCashOutRefi:  limits(0.80, 0.80, 0.90),
				},
				UnitBucketTwo: {
					domain.PurposePurchase:     limits(0.85, 0.85, 0.85),
					domain.PurposeRateTermRefi: limits(0.85, 0.85, 0.85),
					domain.PurposeCashOutRefi:  limits(0.75, 0.75, 0.85),
				},
				UnitBucketThreeFour: {
					domain.PurposePurchase:     limits(0.80, 0.80, 0.80),
					domain.PurposeRateTermRefi: limits(0.80, 0.80, 0.80),
					domain.PurposeCashOutRefi:  limits(0.75, 0.75, 0.85),
				},
			},
			domain.OccupancySecondHome: {
				UnitBucketOne: {
					domain.PurposePurchase:     limits(0.90, 0.90, 0.90),
					domain.PurposeRateTermRefi: limits(0.90, 0.90, 0.90),
					domain.PurposeCashOutRefi:  limits(0.75, 0.75, 0.85),
				},
			},
			domain.OccupancyInvestment: {
				UnitBucketOne: {
					domain.PurposePurchase:     limits(0.85, 0.85, 0.85),
					domain.PurposeRateTermRefi: limits(0.75, 0.75, 0.85),
					domain.PurposeCashOutRefi:  limits(0.75, 0.75, 0.85),
				},
				UnitBucketTwo: {
					domain.PurposePurchase:     limits(0.75, 0.75, 0.75),
					domain.PurposeRateTermRefi: limits(0.70, 0.70, 0.75),
					domain.PurposeCashOutRefi:  limits(0.70, 0.70, 0.75),
				},
				UnitBucketThreeFour: {
					domain.PurposePurchase:     limits(0.75, 0.75, 0.75),
					domain.PurposeRateTermRefi: limits(0.70, 0.70, 0.75),
					domain.PurposeCashOutRefi:  limits(0.70, 0.70, 0.75),
				},
			},
		},
		CreditScoreMins: CreditScoreMins{
			Base:                620,
			ARM:                 640,
			HighBalance:         680,
			TwoToFourUnit:       680,
			Investment:          680,
			CashOut:             620,
			SevenPlusProperties: 720,
		},
		DTILimits: DTILimits{
			MaxDU:              0.50,
			ManualBase:         0.36,
			ManualCompensating: 0.45,
		},
		PropertyTypeRules: PropertyTypeRules{
			AllowedTypes:       []string{"SFR", "Condo", "Coop", "Manufactured", "PUD"},
			CoopNoInvestment:   true,
			ManufacturedMaxLTV: 0.95,
			ManufacturedDUOnly: true,
		},
		LoanLimits: LoanLimits{
			Baseline:        map[int]float64{1: 766550, 2: 981500, 3: 1186350, 4: 1474400},
			HighCost:        map[int]float64{1: 1149825, 2: 1472250, 3: 1779525, 4: 2211600},
			DefaultBaseline: 766550,
			HighCostFactor:  1.5,
		},
		MIRules: MIRules{
			RequiredAbove: 0.80,
			Coverage: []CoverageBand{
				{Lower: 0.80, Upper: 0.85, Coverage: 0.12},
				{Lower: 0.85, Upper: 0.90, Coverage: 0.25},
				{Lower: 0.90, Upper: 0.95, Coverage: 0.30},
				{Lower: 0.95, Upper: 0.97, Coverage: 0.35},
			},
		},
		ReserveRules: ReserveRules{
			PrimaryOneUnit:   0,
			PrimaryMultiUnit: 6,
			SecondHome:       2,
			Investment:       6,
			PortfolioTiers: []PortfolioTier{
				{MinProperties: 7, Pct: 0.06},
				{MinProperties: 5, Pct: 0.04},
				// The lowest tier begins at two properties, not one.
				{MinProperties: 2, Pct: 0.02},
			},
			AssumedUPBPerProperty: 300000,
		},
		FinancedPropertyRules: FinancedPropertyRules{
			MaxAllowed:        10,
			StandardMax:       6,
			ExtendedMinCredit: 720,
			ExtendedDUOnly:    true,
		},
		ConditionRules: ConditionRules{
			Unacceptable: []string{"C5", "C6"},
		},
		FTHBRules: FTHBRules{
			MaxLTVNonFTHB:              0.95,
			EducationRequiredLTV:       0.95,
			AMIWaiverThreshold:         1.0,
			AMIWaiverHighCostThreshold: 1.2,
		},
		HPMLRules: HPMLRules{
			HPMLMargin:               0.015,
			HOEPAMargin:              0.065,
			HOEPAPointsFeesThreshold: 0.05,
			APORProxy:                0.055,
			AssumedPointsPct:         0.01,
		},
		LLPA: LLPATables{
			BaseGrid: defaultBaseGrid(),
			Occupancy: map[string]float64{
				domain.OccupancyPrimary:    0.00,
				domain.OccupancySecondHome: 2.00,
				domain.OccupancyInvestment: 2.75,
			},
			PropertyType: map[string]float64{
				"SFR":          0.00,
				"PUD":          0.00,
				"Condo":        0.75,
				"Coop":         1.00,
				"Manufactured": 1.50,
			},
			Units:       map[int]float64{1: 0.00, 2: 0.50, 3: 0.75, 4: 0.75},
			HighBalance: 0.25,
			MinimumMI:   0.75,
			CashOut:     1.25,
			FTHBWaiver: WaiverRules{
				Enabled:         true,
				WaivesBaseGrid:  true,
				WaivesOccupancy: true,
			},
			CounselingCredit: 0.125,
		},
		RateSheets: RateSheets{
			domain.DefaultRateSheet: {
				"fixed_30": {
					{Rate: 6.00, Price: 100.00},
					{Rate: 6.25, Price: 100.50},
					{Rate: 6.50, Price: 101.00},
					{Rate: 6.75, Price: 101.50},
					{Rate: 7.00, Price: 102.00},
				},
			},
		},
	}
}
