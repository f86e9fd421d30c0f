package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quantops/nightshift/internal/composer"
	"github.com/quantops/nightshift/internal/observ"
	"github.com/quantops/nightshift/internal/oracle"
	"github.com/quantops/nightshift/internal/scoring"
	"github.com/quantops/nightshift/internal/storage"
	"github.com/quantops/nightshift/internal/universe"
)

// Night builds the daily picks: filter, factor, score, oracle-adjust,
// risk-gate, rank, persist. Re-running the same date and configuration
// replaces the same rows with identical values.
func (r *Runner) Night(ctx context.Context, tradeDate string) Result {
	cfg := r.Cfg
	res := Result{Job: JobNight, RunID: r.makeRunID(JobNight), ConfigHash: cfg.Fingerprint()}

	if tradeDate != "" {
		norm := universe.NormalizeDate(tradeDate)
		if norm == "" {
			res.TradeDate = tradeDate
			res.Reason = ReasonBadTradeDate
			res.Detail = "unparseable trade date: " + tradeDate
			return res
		}
		tradeDate = norm
	}

	r.setState("phase", PhaseNight)
	r.setState("last_run_id", res.RunID)
	if err := r.DB.BeginRun(res.RunID, JobNight, tradeDate, res.ConfigHash, r.CodeHash); err != nil {
		return r.fail(res, ReasonStorage, err.Error())
	}

	bars, resolvedDate, err := universe.LoadBars(cfg.Paths.BarsPath, tradeDate)
	if err != nil {
		return r.fail(res, ReasonNoBars, err.Error())
	}
	res.TradeDate = resolvedDate
	if len(bars) == 0 {
		return r.fail(res, ReasonNoBars, "no bars for trade_date="+resolvedDate)
	}

	if ok, reason := r.Cal.Gate(ctx, resolvedDate); !ok {
		return r.fail(res, reason, "calendar blocked "+resolvedDate)
	}

	// Universe filter; excluded rows stay, tagged.
	rows := universe.ApplyFilters(bars, cfg.Universe)
	members := make([]universe.Row, 0, len(rows))
	excluded := make([]universe.Row, 0)
	for _, row := range rows {
		if row.Member {
			members = append(members, row)
		} else {
			excluded = append(excluded, row)
		}
	}
	observ.Log("universe_filtered", map[string]any{
		"trade_date": resolvedDate, "total": len(rows), "members": len(members),
	})
	if len(members) == 0 {
		return r.fail(res, ReasonNoBars, "universe empty after filters for "+resolvedDate)
	}

	if err := r.DB.InsertSnapshots(snapshotRows(rows, resolvedDate), res.ConfigHash, res.RunID); err != nil {
		return r.fail(res, ReasonStorage, err.Error())
	}

	// Cross-sectional stats run over members only. Excluded rows stay in
	// the snapshot for audit but must not move anyone's percentile or the
	// day's regime.
	universe.ComputeFactors(members)
	universe.Preprocess(members, cfg.Scoring.WinsorLow, cfg.Scoring.WinsorHigh)

	scored := scoring.ComputeRuleScores(append(members, excluded...), cfg.Scoring)

	if cfg.Scoring.EnableRegime {
		reg := scoring.DetectRegime(members)
		scoring.ApplyRegime(scored, reg)
		if b, err := json.Marshal(reg); err == nil {
			r.setState("regime", string(b))
		}
	} else {
		r.setState("regime", `{"name":"DISABLED"}`)
	}

	if cfg.Scoring.EnableVolDamper {
		scoring.ApplyVolDamper(scored, 1e-6)
	}

	scoring.Rank(scored)

	topM := cfg.Scoring.TopM
	if topM > len(scored) {
		topM = len(scored)
	}
	candidates := scored[:topM]

	marketCtx := buildMarketContext(resolvedDate, members, candidates)
	if b, err := json.Marshal(marketCtx); err == nil {
		if err := r.DB.WriteMarketContext(resolvedDate, res.RunID, res.ConfigHash, string(b)); err != nil {
			// context storage is best effort, never fails the run
			observ.Warn("market_context_write_failed", map[string]any{"err": err.Error()})
		}
	}

	ensembles := map[string]oracle.Ensemble{}
	if cfg.Model.Enabled {
		engine := r.buildOracleEngine()
		items := oracleItems(candidates)
		scoresList, degraded := engine.Score(ctx, items, marketCtx)
		res.Degraded = degraded
		for _, e := range scoresList {
			ensembles[e.Code] = e
		}
	}

	composed := composer.Compose(candidates, ensembles, cfg.Model)

	if len(ensembles) > 0 {
		if err := r.DB.UpsertModelScores(modelRows(composed, resolvedDate), res.ConfigHash, res.RunID); err != nil {
			return r.fail(res, ReasonStorage, err.Error())
		}
	}

	picks := pickRows(composed, resolvedDate)
	if err := r.DB.UpsertPicks(picks, res.ConfigHash, res.RunID); err != nil {
		return r.fail(res, ReasonStorage, err.Error())
	}

	writePicksArtifact(cfg.Paths.RunsDir, res.RunID, picks)
	r.writeFactpack(resolvedDate, res.ConfigHash, picks)

	return r.finishOK(res, "last_night_ok")
}

func (r *Runner) buildOracleEngine() *oracle.Engine {
	names := make([]string, 0, len(r.Cfg.Model.Providers))
	for name := range r.Cfg.Model.Providers {
		names = append(names, name)
	}
	// map order is random; fix the A/B assignment alphabetically
	sort.Strings(names)

	var a, b oracle.Provider
	if len(names) > 0 {
		a = oracle.NewHTTPProvider(names[0], r.Cfg.Model.Providers[names[0]])
	} else {
		a = oracle.NewHTTPProvider("primary", r.Cfg.Model.Providers["primary"])
	}
	if len(names) > 1 {
		b = oracle.NewHTTPProvider(names[1], r.Cfg.Model.Providers[names[1]])
	} else {
		b = a // single provider: the ensemble degenerates to one voice
	}
	return oracle.NewEngine(a, b, r.Cfg.Model.BatchSize, r.Cfg.Model.BudgetSecs, r.Cfg.Model.RatePerSec)
}

func snapshotRows(rows []universe.Row, tradeDate string) []storage.Snapshot {
	out := make([]storage.Snapshot, 0, len(rows))
	for _, r := range rows {
		flag := 0
		if r.Member {
			flag = 1
		}
		out = append(out, storage.Snapshot{
			TradeDate:    tradeDate,
			Code:         r.Code,
			Name:         r.Name,
			Close:        r.Close,
			PctChg:       r.PctChg,
			Amount:       r.Amount,
			TurnoverRate: r.TurnoverRate,
			TotalMV:      r.TotalMV,
			CircMV:       r.CircMV,
			UniverseFlag: flag,
			FilterReason: r.FilterReason,
		})
	}
	return out
}

func oracleItems(candidates []scoring.Scored) []oracle.Item {
	items := make([]oracle.Item, 0, len(candidates))
	for _, c := range candidates {
		if !c.Member {
			continue // excluded instruments never reach the oracles
		}
		items = append(items, oracle.Item{
			Code:      c.Code,
			Name:      c.Name,
			RuleScore: c.ScoreRule,
			Ret1:      c.Factors.Ret1,
			Turnover:  c.Factors.Turnover,
		})
	}
	return items
}

func buildMarketContext(tradeDate string, members []universe.Row, top []scoring.Scored) map[string]any {
	sum := 0.0
	for _, r := range members {
		sum += r.PctChg
	}
	mean := 0.0
	if len(members) > 0 {
		mean = sum / float64(len(members))
	}
	n := len(top)
	if n > 10 {
		n = 10
	}
	codes := make([]string, 0, n)
	for _, c := range top[:n] {
		codes = append(codes, c.Code)
	}
	return map[string]any{
		"trade_date":    tradeDate,
		"universe_size": len(members),
		"mean_pct_chg":  mean,
		"top_codes":     codes,
	}
}

func modelRows(composed []composer.Composed, tradeDate string) []storage.ModelScore {
	var out []storage.ModelScore
	for _, c := range composed {
		if !c.HasEns {
			continue
		}
		e := c.Ensemble
		out = append(out, storage.ModelScore{
			TradeDate: tradeDate,
			Code:      c.Code,
			AlphaA:    e.A.Alpha, RiskProbA: e.A.RiskProb, RiskSevA: e.A.RiskSev,
			ConfA: e.A.Confidence, CommentA: e.A.Comment,
			AlphaB: e.B.Alpha, RiskProbB: e.B.RiskProb, RiskSevB: e.B.RiskSev,
			ConfB: e.B.Confidence, CommentB: e.B.Comment,
			AlphaFinal:     e.AlphaFinal,
			RiskProbFinal:  e.RiskProbFinal,
			RiskSevFinal:   e.RiskSevFinal,
			Disagreement:   e.Disagreement,
			Action:         c.Action,
			DegradedReason: e.DegradedReason,
		})
	}
	return out
}

func pickRows(composed []composer.Composed, tradeDate string) []storage.Pick {
	out := make([]storage.Pick, 0, len(composed))
	for _, c := range composed {
		out = append(out, storage.Pick{
			TradeDate:  tradeDate,
			Code:       c.Code,
			Name:       c.Name,
			ScoreRule:  c.ScoreRule,
			TrendScore: c.TrendScore,
			FundScore:  c.FundScore,
			FlowScore:  c.FlowScore,
			FinalScore: c.FinalScore,
			RankRule:   c.RankRule,
			RankFinal:  c.RankFinal,
		})
	}
	return out
}

// writePicksArtifact keeps a deterministic CSV per run for manual
// inspection. Best effort only.
func writePicksArtifact(runsDir, runID string, picks []storage.Pick) {
	dir := filepath.Join(runsDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	var b strings.Builder
	b.WriteString("trade_date,code,name,score_rule,final_score,rank_rule,rank_final\n")
	for _, p := range picks {
		fmt.Fprintf(&b, "%s,%s,%s,%.6f,%.6f,%d,%d\n",
			p.TradeDate, p.Code, p.Name, p.ScoreRule, p.FinalScore, p.RankRule, p.RankFinal)
	}
	_ = os.WriteFile(filepath.Join(dir, "picks_daily.csv"), []byte(b.String()), 0o644)
}

// writeFactpack publishes a small ranking summary into system_state so
// external observers get the day's picture without querying picks.
func (r *Runner) writeFactpack(tradeDate, configHash string, picks []storage.Pick) {
	n := len(picks)
	top := n
	if top > 5 {
		top = 5
	}
	type entry struct {
		Code  string  `json:"code"`
		Name  string  `json:"name"`
		Score float64 `json:"final_score"`
		Rank  int     `json:"rank_final"`
	}
	topn := make([]entry, 0, top)
	for _, p := range picks[:top] {
		topn = append(topn, entry{Code: p.Code, Name: p.Name, Score: p.FinalScore, Rank: p.RankFinal})
	}
	pack := map[string]any{
		"trade_date":  tradeDate,
		"config_hash": configHash,
		"count":       n,
		"topn":        topn,
	}
	if b, err := json.Marshal(pack); err == nil {
		r.setState("last_factpack_json", string(b))
	}
}
