// Package gates holds the pre-trade safety boundaries. A blocked gate is
// not a bug: it fails the job by design, with a machine-readable reason.
package gates

import (
	"fmt"
	"math"
	"os"

	"github.com/shopspring/decimal"

	"github.com/quantops/nightshift/internal/config"
	"github.com/quantops/nightshift/internal/observ"
	"github.com/quantops/nightshift/internal/portfolio"
)

// Result is one gate's verdict. Reason is machine-readable; Detail is
// for humans reading the log.
type Result struct {
	OK     bool
	Reason string
	Detail string
}

func pass() Result { return Result{OK: true, Reason: "OK"} }

// Machine-readable gate reasons.
const (
	ReasonKillSwitch   = "KILL_SWITCH"
	ReasonTooManyLines = "TOO_MANY_LINES"
	ReasonOrderTooBig  = "ORDER_TOO_LARGE"
	ReasonPosCap       = "POSITION_CAP"
	ReasonTurnoverCap  = "TURNOVER_CAP"
	ReasonAssetDev     = "ASSET_DEVIATION"
)

// KillSwitch blocks when the sentinel file exists. Existence alone is
// the signal; a stat error other than not-exist blocks too (fail closed).
func KillSwitch(stopFile string) Result {
	_, err := os.Stat(stopFile)
	if err == nil {
		observ.Warn("kill_switch_active", map[string]any{"path": stopFile})
		return Result{OK: false, Reason: ReasonKillSwitch, Detail: "STOP file exists: " + stopFile}
	}
	if os.IsNotExist(err) {
		return pass()
	}
	return Result{OK: false, Reason: ReasonKillSwitch, Detail: "STOP file unreadable: " + err.Error()}
}

// FatFinger rejects the whole batch on the first violated cap. There is
// no partial acceptance: one bad order means nothing ships. The position
// cap bounds the resulting position, so a top-up buy counts the holding
// it adds to.
func FatFinger(orders []portfolio.Order, holdings []portfolio.Holding, sanity config.Sanity, pf config.Portfolio, totalAssets float64) Result {
	if len(orders) == 0 {
		return pass()
	}
	if len(orders) > sanity.MaxOrders {
		return Result{OK: false, Reason: ReasonTooManyLines,
			Detail: fmt.Sprintf("lines=%d > %d", len(orders), sanity.MaxOrders)}
	}

	held := make(map[string]float64, len(holdings))
	for _, h := range holdings {
		held[h.Code] = h.MarketValue
	}

	buyTotal := decimal.Zero
	for _, o := range orders {
		if o.Side != portfolio.SideBuy {
			continue
		}
		notional := Notional(o.Qty, o.LimitPrice)
		buyTotal = buyTotal.Add(decimal.NewFromFloat(notional))

		if notional > sanity.MaxOrderNotional {
			return Result{OK: false, Reason: ReasonOrderTooBig,
				Detail: fmt.Sprintf("%s notional=%.2f > %.2f", o.Code, notional, sanity.MaxOrderNotional)}
		}
		resulting := held[o.Code] + notional
		if totalAssets > 0 && resulting/totalAssets > pf.MaxPosPerStock+1e-12 {
			return Result{OK: false, Reason: ReasonPosCap,
				Detail: fmt.Sprintf("%s weight=%.2f%% > %.2f%%", o.Code,
					100*resulting/totalAssets, 100*pf.MaxPosPerStock)}
		}
	}

	if totalAssets > 0 {
		total, _ := buyTotal.Float64()
		if total/totalAssets > pf.MaxDailyTurnover+1e-12 {
			return Result{OK: false, Reason: ReasonTurnoverCap,
				Detail: fmt.Sprintf("buy_total/assets=%.2f%% > %.2f%%",
					100*total/totalAssets, 100*pf.MaxDailyTurnover)}
		}
	}
	return pass()
}

// AssetCheck compares expected and observed total assets. It fails only
// when the deviation ratio breaches the cap AND the two values are not
// money-close; either condition alone is treated as float drift.
func AssetCheck(expected, real float64, cfg config.AssetCheck) (ok bool, devRatio float64, detail string) {
	if !cfg.Enabled {
		return true, 0, "DISABLED"
	}
	if math.IsNaN(expected) || math.IsInf(expected, 0) {
		return true, 0, "NO_EXPECTED_ASSETS"
	}
	if expected != 0 {
		devRatio = (real - expected) / expected
	}
	ok = math.Abs(devRatio) <= cfg.MaxDev || IsCloseMoneyTol(expected, real, cfg.RelTol, cfg.AbsTol)
	detail = fmt.Sprintf("expected=%.2f real=%.2f dev_ratio=%.4f%%", expected, real, devRatio*100)
	return ok, devRatio, detail
}

// StrengthDecision is the "ranking trap" guard's output: a weak top pick
// means the whole day's signal is suspect, so no new positions and a
// reduced exposure target.
type StrengthDecision struct {
	AllowNewPositions  bool
	ExposureMultiplier float64
	Note               string
}

// StrengthGate inspects the best final score of the tradable picks.
func StrengthGate(topScore float64, haveAny bool, minFinalScore float64) StrengthDecision {
	if !haveAny {
		return StrengthDecision{AllowNewPositions: true, ExposureMultiplier: 1.0, Note: "no picks"}
	}
	if topScore < minFinalScore {
		return StrengthDecision{
			AllowNewPositions:  false,
			ExposureMultiplier: 0.5,
			Note:               fmt.Sprintf("top final_score=%.4f < %.4f", topScore, minFinalScore),
		}
	}
	return StrengthDecision{
		AllowNewPositions:  true,
		ExposureMultiplier: 1.0,
		Note:               fmt.Sprintf("top final_score=%.4f ok", topScore),
	}
}
