package underwriting

import (
	"slices"

	"github.com/opensource-finance/underwrite/internal/domain"
)

// Preset is a named example scenario.
type Preset struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Scenario domain.Scenario `json:"scenario"`
}

func ptr(v float64) *float64 { return &v }

// Presets returns the example scenarios in a stable order. Each call
// returns fresh values that callers may modify.
func Presets() []Preset {
	return []Preset{
		{
			ID:   "prime_conforming",
			Name: "Prime Conforming Purchase",
			Scenario: domain.Scenario{
				Borrower: domain.Borrower{
					CreditScore:              760,
					GrossMonthlyIncome:       10000,
					MonthlyDebts:             map[string]float64{"car": 400, "student": 250},
					NumFinancedProperties:    1,
					OwnsPropertyLast3Yrs:     true,
					LiquidAssetsAfterClosing: 50000,
					DocType:                  domain.DocTypeFull,
				},
				Property: domain.Property{
					PurchasePrice:   ptr(400000),
					AppraisedValue:  400000,
					Units:           1,
					PropertyType:    "SFR",
					Occupancy:       domain.OccupancyPrimary,
					ConditionRating: "C3",
					State:           "CA",
					County:          "Los Angeles",
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
			},
		},
		{
			ID:   "fthb_high_ltv",
			Name: "First-Time Homebuyer (97% LTV)",
			Scenario: domain.Scenario{
				Borrower: domain.Borrower{
					CreditScore:              700,
					GrossMonthlyIncome:       6000,
					MonthlyDebts:             map[string]float64{"car": 300},
					NumFinancedProperties:    1,
					FirstTimeHomebuyer:       true,
					LiquidAssetsAfterClosing: 10000,
					DocType:                  domain.DocTypeFull,
					AMIRatio:                 ptr(0.85),
				},
				Property: domain.Property{
					PurchasePrice:   ptr(300000),
					AppraisedValue:  300000,
					Units:           1,
					PropertyType:    "SFR",
					Occupancy:       domain.OccupancyPrimary,
					ConditionRating: "C3",
					State:           "TX",
					County:          "Harris",
				},
				Loan: domain.Loan{
					LoanAmount:  291000,
					NoteRate:    6.75,
					TermMonths:  360,
					Purpose:     domain.PurposePurchase,
					ProductType: "fixed",
					Channel:     domain.ChannelConforming,
				},
				Financing: domain.Financing{
					MIType:        "borrower_paid_monthly",
					MICoveragePct: 0.35,
				},
			},
		},
		{
			ID:   "investment_cashout",
			Name: "Investment Cash-Out Refi",
			Scenario: domain.Scenario{
				Borrower: domain.Borrower{
					CreditScore:              740,
					GrossMonthlyIncome:       15000,
					MonthlyDebts:             map[string]float64{"auto": 500, "other_mortgages": 3000},
					NumFinancedProperties:    4,
					OwnsPropertyLast3Yrs:     true,
					LiquidAssetsAfterClosing: 100000,
					DocType:                  domain.DocTypeFull,
				},
				Property: domain.Property{
					AppraisedValue:  500000,
					Units:           1,
					PropertyType:    "SFR",
					Occupancy:       domain.OccupancyInvestment,
					ConditionRating: "C2",
					State:           "FL",
					County:          "Miami-Dade",
				},
				Loan: domain.Loan{
					LoanAmount:  375000,
					NoteRate:    7.00,
					TermMonths:  360,
					Purpose:     domain.PurposeCashOutRefi,
					ProductType: "fixed",
					Channel:     domain.ChannelConforming,
				},
			},
		},
	}
}

// FindPreset returns the preset with the given ID.
func FindPreset(id string) (Preset, bool) {
	presets := Presets()
	i := slices.IndexFunc(presets, func(p Preset) bool { return p.ID == id })
	if i < 0 {
		return Preset{}, false
	}
	return presets[i], true
}
