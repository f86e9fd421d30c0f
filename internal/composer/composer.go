// Package composer merges the rule score with the oracle ensemble under
// the configured mode and applies the veto and downweight risk rules.
package composer

import (
	"sort"

	"github.com/quantops/nightshift/internal/config"
	"github.com/quantops/nightshift/internal/observ"
	"github.com/quantops/nightshift/internal/oracle"
	"github.com/quantops/nightshift/internal/scoring"
)

// Gate actions, recorded per instrument. Vetoed rows stay in the result
// with the sentinel score; audits depend on seeing why a name dropped.
const (
	ActionPass       = "PASS"
	ActionVeto       = "VETO"
	ActionDownweight = "DOWNWEIGHT"
)

const (
	ModeShadow = "shadow"
	ModeRerank = "rerank"

	// alpha in [-3,3] is stretched to a score boost in [-15,15] before
	// the rerank weight is applied.
	alphaBoostScale = 5.0
)

// Composed is a scored instrument after the risk gate.
type Composed struct {
	scoring.Scored
	Action   string
	Ensemble oracle.Ensemble // zero value when no oracle output exists
	HasEns   bool
}

// Compose applies mode merge, veto and downweight, re-enforces universe
// membership, and re-ranks. The input order is preserved for ties.
func Compose(rows []scoring.Scored, ens map[string]oracle.Ensemble, m config.Model) []Composed {
	out := make([]Composed, len(rows))
	vetoed := 0

	for i, r := range rows {
		c := Composed{Scored: r, Action: ActionPass}

		e, ok := ens[r.Code]
		if ok {
			c.Ensemble = e
			c.HasEns = true

			if m.Mode == ModeRerank && c.FinalScore > scoring.MinScore {
				boost := clamp(e.AlphaFinal, -3, 3) * alphaBoostScale
				c.FinalScore += m.RerankWeight * boost
			}

			switch {
			case e.RiskSevFinal >= m.RiskGate.VetoSeverityGE && e.RiskProbFinal > m.RiskGate.VetoProbGT:
				// Hard exclusion regardless of alpha: sentinel score
				// guarantees the row cannot surface in any top-N.
				c.FinalScore = scoring.MinScore
				c.Action = ActionVeto
				vetoed++
			case e.RiskProbFinal > 0:
				c.FinalScore *= 1 - m.RiskGate.DownweightK*clamp(e.RiskProbFinal, 0, 1)
				c.Action = ActionDownweight
			}
		}

		// Defense in depth: a lost membership flag upstream must not
		// let a filtered instrument back into the ranking.
		if !c.Member {
			c.FinalScore = scoring.MinScore
		}
		out[i] = c
	}

	if vetoed > 0 {
		observ.Warn("risk_gate_veto", map[string]any{"count": vetoed})
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].FinalScore > out[b].FinalScore
	})
	for i := range out {
		out[i].RankFinal = i + 1
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
