package scoring

import (
	"fmt"

	"github.com/quantops/nightshift/internal/universe"
)

// Regime classifies the day's market state from the universe's mean
// same-day return. It scales scores but never discards instruments.
type Regime struct {
	Name       string  `json:"name"`
	Multiplier float64 `json:"score_multiplier"`
	Note       string  `json:"note"`
}

const (
	RegimeRiskOn  = "RISK_ON"
	RegimeRiskOff = "RISK_OFF"
	RegimeNeutral = "NEUTRAL"
	RegimeUnknown = "UNKNOWN"
)

// DetectRegime uses the universe mean pct_chg as a proxy for an index
// snapshot. Thresholds are in percent.
func DetectRegime(rows []universe.Row) Regime {
	if len(rows) == 0 {
		return Regime{Name: RegimeUnknown, Multiplier: 1.0, Note: "no data"}
	}
	sum := 0.0
	for _, r := range rows {
		sum += r.PctChg
	}
	mean := sum / float64(len(rows))
	note := fmt.Sprintf("universe mean pct_chg=%.2f%%", mean)

	switch {
	case mean < -0.8:
		return Regime{Name: RegimeRiskOff, Multiplier: 0.7, Note: note}
	case mean > 0.8:
		return Regime{Name: RegimeRiskOn, Multiplier: 1.1, Note: note}
	}
	return Regime{Name: RegimeNeutral, Multiplier: 1.0, Note: note}
}

// ApplyRegime scales every live score by the regime multiplier.
func ApplyRegime(rows []Scored, reg Regime) {
	for i := range rows {
		if rows[i].FinalScore <= MinScore {
			continue
		}
		rows[i].FinalScore *= reg.Multiplier
	}
}
