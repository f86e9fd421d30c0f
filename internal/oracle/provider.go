// Package oracle talks to the two external scoring services and
// reconciles their answers. Every failure mode at this boundary is
// represented as a degraded Outcome with neutral values; a flaky oracle
// can never fail the run, only mark it degraded.
package oracle

import (
	"context"
)

// Item is the compact per-candidate payload sent to an oracle.
type Item struct {
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	RuleScore float64 `json:"rule_score"`
	Ret1      float64 `json:"ret1"`
	Turnover  float64 `json:"turnover"`
}

// Score is one oracle's verdict for one instrument, clamped to range.
type Score struct {
	Alpha      float64  `json:"alpha_score"`    // [-3, 3]
	RiskProb   float64  `json:"risk_prob"`      // [0, 1]
	RiskSev    int      `json:"risk_severity"`  // {1..5}
	Confidence float64  `json:"confidence"`     // [0, 1]
	RiskFlags  []string `json:"risk_flags"`
	Comment    string   `json:"comment"`
}

// Neutral is the substitute for any missing or malformed oracle answer.
func Neutral() Score {
	return Score{Alpha: 0, RiskProb: 0, RiskSev: 1, Confidence: 0, RiskFlags: []string{}}
}

// Outcome is a batch result: either scored values for every item, or
// neutral values plus the reason the call degraded. Never an error.
type Outcome struct {
	Scores         []Score
	DegradedReason string // empty when the call succeeded
}

// NeutralOutcome pads a whole batch with neutral scores.
func NeutralOutcome(n int, reason string) Outcome {
	scores := make([]Score, n)
	for i := range scores {
		scores[i] = Neutral()
	}
	return Outcome{Scores: scores, DegradedReason: reason}
}

// Provider is one scoring oracle. ScoreBatch must return exactly
// len(items) scores, degrading internally rather than erroring.
type Provider interface {
	Name() string
	ScoreBatch(ctx context.Context, items []Item, marketCtx map[string]any) Outcome
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
