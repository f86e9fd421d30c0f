// Package scoring turns the normalized factor set into the deterministic
// rule score, applies the regime multiplier and volatility damper, and
// produces the reproducible initial ranking.
package scoring

import (
	"sort"

	"github.com/quantops/nightshift/internal/config"
	"github.com/quantops/nightshift/internal/universe"
)

// MinScore is the sentinel for excluded or vetoed instruments. Rows keep
// it instead of being dropped so audits can see why a name is absent.
const MinScore = -1e9

// Scored is one instrument's scoring state through the pipeline.
type Scored struct {
	universe.Row
	TrendScore float64
	FlowScore  float64
	FundScore  float64
	ScoreRule  float64
	FinalScore float64
	RankRule   int
	RankFinal  int
}

// ComputeRuleScores builds the weighted rule score from factor ranks.
// Non-members score the sentinel minimum, never a real value.
func ComputeRuleScores(rows []universe.Row, w config.Scoring) []Scored {
	out := make([]Scored, len(rows))
	for i, r := range rows {
		s := Scored{Row: r}

		s.TrendScore = normRank(r, universe.FactorRet1)
		s.FlowScore = normRank(r, universe.FactorAmountLog)
		s.FundScore = normRank(r, universe.FactorTurnover)

		s.ScoreRule = w.TrendWeight*s.TrendScore + w.FlowWeight*s.FlowScore + w.FundWeight*s.FundScore
		if !r.Member {
			s.ScoreRule = MinScore
		}
		s.FinalScore = s.ScoreRule
		out[i] = s
	}
	return out
}

// normRank reads the preprocessed percentile rank, neutral when missing.
func normRank(r universe.Row, factor string) float64 {
	if n, ok := r.Norm[factor]; ok {
		return n.Rank
	}
	return 0.5
}

// ApplyVolDamper divides scores by a turnover proxy to penalize
// high-churn names. The proxy is always defined: rows without turnover
// data contribute zero, so the division only ever sees proxy+eps.
func ApplyVolDamper(rows []Scored, eps float64) {
	if eps <= 0 {
		eps = 1e-6
	}
	for i := range rows {
		if rows[i].FinalScore <= MinScore {
			continue // sentinel stays sentinel
		}
		proxy := rows[i].Factors.Turnover * 100 // proxy is turnover in raw percent
		if proxy < 0 {
			proxy = 0
		}
		rows[i].FinalScore = rows[i].FinalScore / (proxy + eps)
	}
}

// Rank orders by descending final score. Ties keep first-seen order so a
// replay of the same inputs yields the same ranking bit for bit.
func Rank(rows []Scored) {
	sort.SliceStable(rows, func(a, b int) bool {
		return rows[a].FinalScore > rows[b].FinalScore
	})
	for i := range rows {
		rows[i].RankRule = i + 1
		rows[i].RankFinal = i + 1
	}
}
