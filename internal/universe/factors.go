package universe

import "math"

// Factors is the atomic per-instrument signal set derived from same-day
// fields only. Rolling-window factors would merge in here.
type Factors struct {
	Ret1      float64 // one-day return, fraction
	Turnover  float64 // turnover ratio, fraction
	AmountLog float64 // log1p(amount)
	MCapLog   float64 // log1p(circulating market cap)
}

// Canonical factor names, in cross-sectional processing order.
const (
	FactorRet1      = "f_ret1"
	FactorTurnover  = "f_turnover"
	FactorAmountLog = "f_amount_log"
	FactorMCapLog   = "f_circ_mv_log"
)

var FactorNames = []string{FactorRet1, FactorTurnover, FactorAmountLog, FactorMCapLog}

// ComputeFactors fills each row's factor set. Inputs were already
// normalized at ingestion, so this never fails, only substitutes.
func ComputeFactors(rows []Row) {
	for i := range rows {
		b := rows[i].Bar
		rows[i].Factors = Factors{
			Ret1:      b.PctChg / 100.0,
			Turnover:  b.TurnoverRate / 100.0,
			AmountLog: math.Log1p(math.Max(b.Amount, 0)),
			MCapLog:   math.Log1p(math.Max(b.CircMV, 0)),
		}
	}
}

// FactorValue reads one named factor off a row.
func FactorValue(r Row, name string) float64 {
	switch name {
	case FactorRet1:
		return r.Factors.Ret1
	case FactorTurnover:
		return r.Factors.Turnover
	case FactorAmountLog:
		return r.Factors.AmountLog
	case FactorMCapLog:
		return r.Factors.MCapLog
	}
	return 0
}
