package underwriting

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// ceilRatio rounds a ratio up to the next basis point.
func ceilRatio(x float64) float64 {
	f, _ := decimal.NewFromFloat(x).RoundCeil(4).Float64()
	return f
}

// pct formats a fraction as a percentage with the given precision.
func pct(x float64, prec int) string {
	return fmt.Sprintf("%.*f%%", prec, x*100)
}

// dollars formats an amount as whole dollars with thousands grouping.
func dollars(x float64) string {
	return printer.Sprintf("$%.0f", x)
}

// Pct formats a fraction as a two-decimal percentage, e.g. 0.75 as "75.00%".
func Pct(x float64) string {
	return pct(x, 2)
}

// Dollars formats an amount as "$1,234".
func Dollars(x float64) string {
	return dollars(x)
}

// SignedBps formats a pricing component value with an explicit sign.
func SignedBps(x float64) string {
	return fmt.Sprintf("%+.2f", x)
}
