package gates

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Default money comparison tolerances: a cent of absolute slack plus
// one part per million of relative slack. Wide enough to swallow float
// noise, tight enough to catch any real mismatch.
const (
	MoneyAbsTol = 0.01
	MoneyRelTol = 1e-6
)

// IsCloseMoney reports whether two currency amounts are equal for
// reconciliation purposes.
func IsCloseMoney(a, b float64) bool {
	return IsCloseMoneyTol(a, b, MoneyRelTol, MoneyAbsTol)
}

func IsCloseMoneyTol(a, b, relTol, absTol float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) || math.IsInf(a, 0) || math.IsInf(b, 0) {
		return false
	}
	diff := math.Abs(a - b)
	return diff <= absTol || diff <= relTol*math.Max(math.Abs(a), math.Abs(b))
}

// ParseMoney converts an externally reported amount (terminal CSV cell)
// to a float. Thousands separators and padding are tolerated; anything
// else non-numeric returns ok=false.
func ParseMoney(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	f, _ := d.Float64()
	return f, true
}

// Notional computes qty*price without accumulating binary float error,
// rounded to cents the way a broker states it.
func Notional(qty int, price float64) float64 {
	v := decimal.NewFromInt(int64(qty)).Mul(decimal.NewFromFloat(price)).Round(2)
	f, _ := v.Float64()
	return f
}
