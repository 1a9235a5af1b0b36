package underwriting

import (
	"fmt"
	"io"
	"strings"

	"github.com/opensource-finance/underwrite/internal/domain"
)

// WriteSummary prints a human-readable report of a result.
func WriteSummary(w io.Writer, r *domain.EngineResult) error {
	var b strings.Builder

	status := "✗ DENIED"
	if r.EligibilityOverall {
		status = "✓ APPROVED"
	}
	fmt.Fprintf(&b, "Overall Eligibility: %s\n\n", status)

	m := r.CalculatedMetrics
	b.WriteString("Calculated Metrics:\n")
	fmt.Fprintf(&b, "  LTV:      %s\n", Pct(m.LTV))
	fmt.Fprintf(&b, "  CLTV:     %s\n", Pct(m.CLTV))
	fmt.Fprintf(&b, "  HCLTV:    %s\n", Pct(m.HCLTV))
	fmt.Fprintf(&b, "  DTI:      %s\n", Pct(m.DTI))
	fmt.Fprintf(&b, "  Channel:  %s\n", m.Channel)
	fmt.Fprintf(&b, "  Reserves: %s (%.0f months)\n\n", Dollars(m.ReservesRequiredDollars), m.ReservesRequiredMonths)

	if flags := r.Flags.Names(); len(flags) > 0 {
		b.WriteString("Flags:\n")
		for _, f := range flags {
			fmt.Fprintf(&b, "  • %s\n", f)
		}
		b.WriteString("\n")
	}

	if failed := r.FailedRules(); len(failed) > 0 {
		b.WriteString("Failed Rules:\n")
		for _, rule := range failed {
			fmt.Fprintf(&b, "  ✗ %s:\n", rule.RuleName)
			for _, msg := range rule.Messages {
				fmt.Fprintf(&b, "      %s\n", msg)
			}
		}
		b.WriteString("\n")
	}

	p := r.Pricing
	b.WriteString("Pricing:\n")
	fmt.Fprintf(&b, "  Base Rate:    %.3f%%\n", p.BaseRate)
	fmt.Fprintf(&b, "  Base Price:   %.3f%%\n", p.BasePrice)
	fmt.Fprintf(&b, "  Total LLPA:   %.2f bps\n", p.LLPATotalBps)
	fmt.Fprintf(&b, "  Net Price:    %.3f%%\n\n", p.NetPrice)

	if len(p.Components) > 0 {
		b.WriteString("  LLPA Components:\n")
		for _, c := range p.Components {
			fmt.Fprintf(&b, "    %-30s %6s bps  (%s)\n", c.Name, SignedBps(c.ValueBps), c.Reason)
		}
		b.WriteString("\n")
	}

	for _, section := range []struct {
		title string
		items []string
	}{
		{"Waivers Applied", p.WaiversApplied},
		{"Notes", p.Notes},
	} {
		if len(section.items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "  %s:\n", section.title)
		for _, item := range section.items {
			fmt.Fprintf(&b, "    • %s\n", item)
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
