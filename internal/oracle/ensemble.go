package oracle

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantops/nightshift/internal/observ"
)

// Ensemble is the reconciled dual-oracle verdict for one instrument.
// Risk fields take the conservative side of any disagreement.
type Ensemble struct {
	Code string

	A Score // alpha advocate
	B Score // risk auditor

	AlphaFinal    float64
	RiskProbFinal float64
	RiskSevFinal  int
	ConfFinal     float64
	Disagreement  float64

	DegradedReason string // non-empty when either side degraded for this item
}

// Engine batches candidates to both providers under a shared wall-clock
// budget. Per-call timeouts live inside the providers; the budget bounds
// the whole loop independently of them.
type Engine struct {
	providerA Provider
	providerB Provider
	batchSize int
	budget    time.Duration
	limiter   *rate.Limiter

	now func() time.Time
}

func NewEngine(a, b Provider, batchSize, budgetSecs int, ratePerSec float64) *Engine {
	if batchSize <= 0 {
		batchSize = 10
	}
	if budgetSecs <= 0 {
		budgetSecs = 1200
	}
	if ratePerSec <= 0 {
		ratePerSec = 2
	}
	return &Engine{
		providerA: a,
		providerB: b,
		batchSize: batchSize,
		budget:    time.Duration(budgetSecs) * time.Second,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSec), 1),
		now:       time.Now,
	}
}

// Score runs the batch loop. It always returns len(items) ensembles and
// a degraded flag; items past the budget are padded with neutral output.
func (e *Engine) Score(ctx context.Context, items []Item, marketCtx map[string]any) ([]Ensemble, bool) {
	start := e.now()
	degraded := false
	out := make([]Ensemble, 0, len(items))

	for i := 0; i < len(items); i += e.batchSize {
		if e.now().Sub(start) > e.budget {
			observ.Warn("oracle_budget_exceeded", map[string]any{
				"scored": len(out), "total": len(items),
			})
			degraded = true
			break
		}

		end := i + e.batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[i:end]

		outA := e.callPaced(ctx, e.providerA, batch, marketCtx)
		outB := e.callPaced(ctx, e.providerB, batch, marketCtx)
		if outA.DegradedReason != "" || outB.DegradedReason != "" {
			degraded = true
			observ.IncCounter("oracle_degraded_batches", map[string]string{
				"a": outA.DegradedReason, "b": outB.DegradedReason,
			})
		}

		for j := range batch {
			out = append(out, reconcile(batch[j].Code, outA.Scores[j], outB.Scores[j],
				joinReasons(outA.DegradedReason, outB.DegradedReason)))
		}
	}

	// Budget cut mid-loop: pad the remainder with neutral verdicts.
	for len(out) < len(items) {
		n := Neutral()
		out = append(out, reconcile(items[len(out)].Code, n, n, "budget_exceeded"))
	}
	return out, degraded
}

func (e *Engine) callPaced(ctx context.Context, p Provider, batch []Item, marketCtx map[string]any) Outcome {
	if err := e.limiter.Wait(ctx); err != nil {
		return NeutralOutcome(len(batch), "context_cancelled")
	}
	return p.ScoreBatch(ctx, batch, marketCtx)
}

func joinReasons(a, b string) string {
	switch {
	case a == "" && b == "":
		return ""
	case a == "":
		return "b:" + b
	case b == "":
		return "a:" + a
	}
	return "a:" + a + "|b:" + b
}

// reconcile merges the two verdicts: alpha and confidence take the
// median of the pair, risk probability and severity take the maximum.
func reconcile(code string, a, b Score, degradedReason string) Ensemble {
	ens := Ensemble{Code: code, A: a, B: b, DegradedReason: degradedReason}

	ens.AlphaFinal = clampFloat(median2(a.Alpha, b.Alpha), -3, 3)
	ens.RiskProbFinal = maxFloat(a.RiskProb, b.RiskProb)
	ens.RiskSevFinal = maxInt(a.RiskSev, b.RiskSev)
	ens.ConfFinal = median2(a.Confidence, b.Confidence)
	ens.Disagreement = disagreement(a, b)
	return ens
}

// median2 is the median of a two-element sample.
func median2(a, b float64) float64 { return (a + b) / 2 }

// disagreement is a weighted mix of the normalized alpha gap, risk
// probability gap and severity gap, clamped to [0,1].
func disagreement(a, b Score) float64 {
	da := absFloat(a.Alpha-b.Alpha) / 6.0 // alpha spans [-3,3]
	dp := absFloat(a.RiskProb - b.RiskProb)
	ds := float64(absInt(a.RiskSev-b.RiskSev)) / 4.0 // severity spans {1..5}
	return clampFloat(0.5*da+0.3*dp+0.2*ds, 0, 1)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
