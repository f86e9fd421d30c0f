package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/quantops/nightshift/internal/bridge"
	"github.com/quantops/nightshift/internal/gates"
	"github.com/quantops/nightshift/internal/observ"
	"github.com/quantops/nightshift/internal/portfolio"
	"github.com/quantops/nightshift/internal/storage"
	"github.com/quantops/nightshift/internal/universe"
)

// Morning turns last night's picks into exported orders, fail-closed
// behind every safety gate. It never exports twice for the same run.
func (r *Runner) Morning(ctx context.Context, tradeDate string) Result {
	cfg := r.Cfg
	res := Result{Job: JobMorning, RunID: r.makeRunID(JobMorning), ConfigHash: cfg.Fingerprint()}

	if tradeDate == "" {
		latest, ok, err := r.DB.LatestPicksDate()
		if err == nil && ok {
			tradeDate = latest
		} else {
			tradeDate = r.today()
		}
	} else {
		norm := universe.NormalizeDate(tradeDate)
		if norm == "" {
			res.TradeDate = tradeDate
			res.Reason = ReasonBadTradeDate
			res.Detail = "unparseable trade date: " + tradeDate
			return res
		}
		tradeDate = norm
	}
	res.TradeDate = tradeDate

	r.setState("phase", PhaseMorning)
	r.setState("last_run_id", res.RunID)
	if err := r.DB.BeginRun(res.RunID, JobMorning, tradeDate, res.ConfigHash, r.CodeHash); err != nil {
		return r.fail(res, ReasonStorage, err.Error())
	}

	if ok, reason := r.Cal.Gate(ctx, tradeDate); !ok {
		return r.fail(res, reason, "calendar blocked "+tradeDate)
	}

	// Yesterday's close reconciliation must have ended clean.
	if ok, reason, st := bridge.CheckReconcileStatus(cfg.Paths.ReconcileStatus, tradeDate); !ok {
		return r.fail(res, ReasonReconcileBlock,
			fmt.Sprintf("reconcile status: %s (file date=%s ok=%v)", reason, st.TradeDate, st.OK))
	}

	stale := time.Duration(cfg.Bridge.HeartbeatStaleSecs) * time.Second
	if bridge.HeartbeatStale(cfg.Paths.InboxDir, stale, r.now()) {
		// Orders still ship; the bridge may simply start later than us.
		observ.Warn("terminal_heartbeat_stale", map[string]any{"inbox_dir": cfg.Paths.InboxDir})
	}

	picks, err := r.DB.PicksForDate(tradeDate, res.ConfigHash)
	if err != nil {
		return r.fail(res, ReasonStorage, err.Error())
	}
	if len(picks) == 0 {
		return r.fail(res, ReasonNoPicks, "no picks for trade_date="+tradeDate)
	}

	decision := gates.StrengthDecision{AllowNewPositions: true, ExposureMultiplier: 1.0}
	if cfg.Scoring.EnableStrengthGate {
		top, have := topPickScore(picks)
		decision = gates.StrengthGate(top, have, cfg.Scoring.StrengthMinScore)
		observ.Log("strength_gate", map[string]any{
			"allow_new": decision.AllowNewPositions, "exposure_mult": decision.ExposureMultiplier,
			"note": decision.Note,
		})
	}

	ranked := make([]portfolio.Ranked, 0, len(picks))
	for _, p := range picks {
		ranked = append(ranked, portfolio.Ranked{Code: p.Code, RankFinal: p.RankFinal})
	}

	targets := portfolio.EqualWeights(ranked, cfg.Scoring.TopN, decision.ExposureMultiplier)
	if err := r.DB.UpsertTargets(targetRows(targets, tradeDate), res.ConfigHash, res.RunID); err != nil {
		return r.fail(res, ReasonStorage, err.Error())
	}

	holdings, err := bridge.ReadPositions(cfg.Paths.PositionsExport)
	if err != nil {
		return r.fail(res, ReasonNoAssetData, "positions export: "+err.Error())
	}
	quotes, err := bridge.ReadQuotes(cfg.Paths.QuotesExport)
	if err != nil {
		observ.Warn("quotes_export_unreadable", map[string]any{"err": err.Error()})
		quotes = map[string]portfolio.Quote{}
	}
	asset, err := bridge.ReadAssetExport(cfg.Paths.AssetExport)
	if err != nil || !asset.Found {
		detail := "asset export missing usable total"
		if err != nil {
			detail = err.Error()
		}
		return r.fail(res, ReasonNoAssetData, detail)
	}

	gen := portfolio.NewGenerator(cfg.Portfolio)
	orders := gen.Generate(tradeDate, ranked, targets, holdings, quotes, asset.Cash, asset.TotalAssets, res.RunID)

	if !decision.AllowNewPositions {
		orders = dropNewPositionBuys(orders, holdings)
	}

	if g := gates.KillSwitch(cfg.Paths.StopFile); !g.OK {
		return r.fail(res, ReasonKillSwitch, g.Detail)
	}
	if g := gates.KillSwitch(cfg.Paths.BridgeStopFile); !g.OK {
		return r.fail(res, ReasonKillSwitch, g.Detail)
	}
	if g := gates.FatFinger(orders, holdings, cfg.Sanity, cfg.Portfolio, asset.TotalAssets); !g.OK {
		return r.fail(res, ReasonFatFinger, g.Reason+": "+g.Detail)
	}

	path, err := bridge.ExportOrders(cfg.Paths.OutboxDir, tradeDate, res.RunID, orders)
	if err != nil {
		if _, already := err.(bridge.ErrAlreadyProcessed); already {
			// The terminal consumed a previous export for this run id.
			// Re-exporting would risk double execution, so this is success.
			res.Reason = "ALREADY_PROCESSED"
			res.Detail = err.Error()
			return r.finishOK(res, "last_morning_ok")
		}
		return r.fail(res, ReasonStorage, "export: "+err.Error())
	}
	res.OrdersPath = path
	res.Orders = len(orders)

	if err := r.DB.UpsertOrders(orderRows(orders, tradeDate), res.ConfigHash, res.RunID); err != nil {
		return r.fail(res, ReasonStorage, err.Error())
	}
	r.setState("last_orders_path", path)
	r.setState("expected_total_assets", fmt.Sprintf("%.2f", asset.TotalAssets))

	return r.finishOK(res, "last_morning_ok")
}

// topPickScore finds the best real final score; sentinel-floored rows
// (vetoed or filtered) do not count as signal.
func topPickScore(picks []storage.Pick) (float64, bool) {
	best := 0.0
	have := false
	for _, p := range picks {
		if p.FinalScore <= -1e8 {
			continue
		}
		if !have || p.FinalScore > best {
			best = p.FinalScore
			have = true
		}
	}
	return best, have
}

func targetRows(targets []portfolio.Target, tradeDate string) []storage.Target {
	out := make([]storage.Target, 0, len(targets))
	for _, t := range targets {
		out = append(out, storage.Target{TradeDate: tradeDate, Code: t.Code, TargetWeight: t.Weight})
	}
	return out
}

func orderRows(orders []portfolio.Order, tradeDate string) []storage.OrderRow {
	out := make([]storage.OrderRow, 0, len(orders))
	for _, o := range orders {
		out = append(out, storage.OrderRow{
			TradeDate:     tradeDate,
			Code:          o.Code,
			Side:          o.Side,
			ClientOrderID: o.ClientOrderID,
			Qty:           o.Qty,
			PriceType:     o.PriceType,
			LimitPrice:    o.LimitPrice,
			Notional:      gates.Notional(o.Qty, o.LimitPrice),
			Reason:        o.Reason,
			RiskTags:      o.RiskTags,
			Status:        "EXPORTED",
		})
	}
	return out
}

// dropNewPositionBuys removes buys for instruments not already held.
// Sells and top-ups of existing positions survive.
func dropNewPositionBuys(orders []portfolio.Order, holdings []portfolio.Holding) []portfolio.Order {
	held := make(map[string]bool, len(holdings))
	for _, h := range holdings {
		if h.Qty > 0 {
			held[h.Code] = true
		}
	}
	out := orders[:0]
	for _, o := range orders {
		if o.Side == portfolio.SideBuy && !held[o.Code] {
			observ.Log("new_position_suppressed", map[string]any{"code": o.Code, "qty": o.Qty})
			continue
		}
		out = append(out, o)
	}
	return out
}
