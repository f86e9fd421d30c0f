package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/quantops/nightshift/internal/bridge"
	"github.com/quantops/nightshift/internal/gates"
	"github.com/quantops/nightshift/internal/observ"
	"github.com/quantops/nightshift/internal/storage"
	"github.com/quantops/nightshift/internal/universe"
)

// Close reconciles the account after the session and publishes the
// status file the next morning job gates on. An asset deviation fails
// the job, but the status file is written regardless so the morning
// side stays blocked until a human clears it.
func (r *Runner) Close(ctx context.Context, tradeDate string) Result {
	cfg := r.Cfg
	res := Result{Job: JobClose, RunID: r.makeRunID(JobClose), ConfigHash: cfg.Fingerprint()}

	if tradeDate == "" {
		tradeDate = r.today()
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

	r.setState("phase", PhaseClose)
	r.setState("last_run_id", res.RunID)
	if err := r.DB.BeginRun(res.RunID, JobClose, tradeDate, res.ConfigHash, r.CodeHash); err != nil {
		return r.fail(res, ReasonStorage, err.Error())
	}

	if ok, reason := r.Cal.Gate(ctx, tradeDate); !ok {
		return r.fail(res, reason, "calendar blocked "+tradeDate)
	}

	asset, err := bridge.ReadAssetExport(cfg.Paths.AssetExport)
	if err != nil || !asset.Found {
		detail := "asset export missing usable total"
		if err != nil {
			detail = err.Error()
		}
		// No observation means no reconciliation: leave the status file
		// failing so the morning gate holds.
		writeStatus(cfg.Paths.ReconcileStatus, tradeDate, res.RunID, false, ReasonNoAssetData)
		return r.fail(res, ReasonNoAssetData, detail)
	}
	real := asset.TotalAssets

	expected := real
	if s, ok, err := r.DB.GetState("expected_total_assets"); err == nil && ok {
		if v, perr := strconv.ParseFloat(s, 64); perr == nil && v > 0 {
			expected = v
		}
	}

	assetOK, dev, detail := gates.AssetCheck(expected, real, cfg.AssetCheck)
	if err := r.DB.WriteReconciliation(storage.ReconRecord{
		TradeDate:           tradeDate,
		RunID:               res.RunID,
		ExpectedTotalAssets: expected,
		RealTotalAssets:     real,
		DevRatio:            dev,
		OK:                  assetOK,
		Detail:              detail,
	}, res.ConfigHash); err != nil {
		return r.fail(res, ReasonStorage, err.Error())
	}

	// The observed total becomes tomorrow's expectation.
	r.setState("expected_total_assets", fmt.Sprintf("%.2f", real))

	ordersOK := true
	ordersReason := ReasonStorage
	ordersDetail := "no orders file"
	ordersPath := filepath.Join(cfg.Paths.OutboxDir, bridge.OrdersFileName)
	if n, cerr := bridge.CountOrderRows(ordersPath); cerr == nil {
		ordersDetail = fmt.Sprintf("orders_rows=%d", n)
		// An order file with no rows means the morning export went wrong:
		// a no-trade day leaves no file at all.
		if n == 0 {
			ordersOK = false
			ordersReason = ReasonNoOrders
			ordersDetail = "orders file has no rows"
		}
	} else {
		// Unreadable is different from absent: absent means a no-trade
		// day, unreadable means the outbox is corrupt.
		if !isNotExist(cerr) {
			ordersOK = false
			ordersDetail = "orders file unreadable: " + cerr.Error()
		}
	}

	statusOK := assetOK && ordersOK
	reason := "OK"
	if !assetOK {
		reason = ReasonAssetDeviation
	} else if !ordersOK {
		reason = ordersReason
	}
	writeStatus(cfg.Paths.ReconcileStatus, tradeDate, res.RunID, statusOK, reason)

	observ.Log("reconciliation", map[string]any{
		"trade_date": tradeDate, "asset_ok": assetOK, "orders_ok": ordersOK,
		"dev_ratio": dev, "detail": detail, "orders": ordersDetail,
	})

	if !assetOK {
		return r.fail(res, ReasonAssetDeviation, detail)
	}
	if !ordersOK {
		return r.fail(res, ordersReason, ordersDetail)
	}
	res.Detail = detail
	return r.finishOK(res, "last_close_ok")
}

func isNotExist(err error) bool { return errors.Is(err, os.ErrNotExist) }

func writeStatus(path, tradeDate, runID string, ok bool, reason string) {
	err := bridge.WriteReconcileStatus(path, bridge.ReconcileStatus{
		TradeDate: tradeDate,
		OK:        ok,
		Reason:    reason,
		RunID:     runID,
	})
	if err != nil {
		observ.Error("reconcile_status_write_failed", err, map[string]any{"path": path})
	}
}
