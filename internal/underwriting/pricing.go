package underwriting

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/underwrite/internal/domain"
	"github.com/opensource-finance/underwrite/internal/policy"
)

// ParPrice is returned when no rate sheet covers the product.
const ParPrice = 100.0

// ProductKey derives the rate sheet product key. Fixed products price off
// the 30-year sheet.
func ProductKey(loan domain.Loan) string {
	key := fmt.Sprintf("%s_%d", loan.ProductType, loan.TermMonths/12)
	if strings.HasPrefix(key, "fixed") {
		return "fixed_30"
	}
	return key
}

// BasePrice looks up a note rate on a product's points. An exact rate
// returns its price, a rate between two points is interpolated linearly,
// and a rate outside the sheet is clamped to the nearest end.
func BasePrice(noteRate float64, points []policy.RatePoint) float64 {
	if len(points) == 0 {
		return ParPrice
	}

	first, last := points[0], points[len(points)-1]
	if noteRate <= first.Rate {
		return first.Price
	}
	if noteRate >= last.Rate {
		return last.Price
	}

	for i := 0; i+1 < len(points); i++ {
		lo, hi := points[i], points[i+1]
		if noteRate == lo.Rate {
			return lo.Price
		}
		if noteRate > lo.Rate && noteRate < hi.Rate {
			w := (noteRate - lo.Rate) / (hi.Rate - lo.Rate)
			return lo.Price + w*(hi.Price-lo.Price)
		}
	}
	return ParPrice
}

// ComputePricing assembles the price from the rate sheet and the LLPA
// components recorded in c. It runs even for ineligible scenarios.
func ComputePricing(s *domain.Scenario, p *policy.Policy, c *Context) domain.PricingResult {
	loan := s.Loan
	sheet := s.Financing.RateSheet()
	product := ProductKey(loan)

	var notes []string

	base := ParPrice
	if points, ok := p.RateSheets.Points(sheet, product); ok {
		base = BasePrice(loan.NoteRate, points)
	} else {
		notes = append(notes, fmt.Sprintf("No %s pricing on rate sheet %s; base price set to par", product, sheet))
	}

	if c.IsHPML {
		notes = append(notes, "HPML: Ensure escrow requirements and additional HPML disclosures are met")
	}
	if c.EducationRequired {
		notes = append(notes, "Homeownership education required for borrower")
	}

	components := c.LLPAComponents
	if components == nil {
		components = []domain.PricingComponent{}
	}
	waivers := c.LLPAWaivers
	if waivers == nil {
		waivers = []string{}
	}
	if notes == nil {
		notes = []string{}
	}

	return domain.PricingResult{
		BaseRate:       loan.NoteRate,
		BasePrice:      base,
		LLPATotalBps:   c.LLPATotalBps,
		Components:     components,
		WaiversApplied: waivers,
		NetPrice:       base - c.LLPATotalBps/100,
		Notes:          notes,
	}
}
