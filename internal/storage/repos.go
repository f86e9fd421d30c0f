package storage

import (
	"database/sql"
	"fmt"
	"time"
)

func nowStamp() string { return time.Now().UTC().Format(time.RFC3339) }

// SetState upserts one key in the durable process-status channel.
// Written by the orchestrator only; everything else reads.
func (db *DB) SetState(key, value string) error {
	_, err := db.conn.Exec(
		`INSERT INTO system_state(k, v, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(k) DO UPDATE SET v=excluded.v, updated_at=excluded.updated_at`,
		key, value, nowStamp())
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

func (db *DB) GetState(key string) (string, bool, error) {
	var v string
	err := db.conn.QueryRow(`SELECT v FROM system_state WHERE k=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return v, true, nil
}

// BeginRun opens an execution_log row in RUNNING state.
func (db *DB) BeginRun(runID, job, tradeDate, configHash, codeHash string) error {
	_, err := db.conn.Exec(
		`INSERT OR REPLACE INTO execution_log
		 (run_id, job, trade_date, status, error_code, error_msg, started_at, finished_at, config_hash, code_hash)
		 VALUES (?, ?, ?, ?, NULL, NULL, ?, NULL, ?, ?)`,
		runID, job, tradeDate, StatusRunning, nowStamp(), configHash, codeHash)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun closes an execution_log row as OK or FAILED.
func (db *DB) FinishRun(runID, tradeDate, status, errCode, errMsg string) error {
	_, err := db.conn.Exec(
		`UPDATE execution_log SET status=?, error_code=?, error_msg=?, trade_date=?, finished_at=?
		 WHERE run_id=?`,
		status, nullIfEmpty(errCode), nullIfEmpty(errMsg), tradeDate, nowStamp(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertSnapshots appends filtered snapshot rows for a run. Replays of the
// same (date, config) replace their own rows and nothing else.
func (db *DB) InsertSnapshots(rows []Snapshot, configHash, runID string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO snapshots_daily
		 (trade_date, code, name, close, pct_chg, amount, turnover_rate, total_mv, circ_mv,
		  universe_flag, filter_reason, config_hash, run_id, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := nowStamp()
	for _, r := range rows {
		if _, err := stmt.Exec(r.TradeDate, r.Code, r.Name, r.Close, r.PctChg, r.Amount,
			r.TurnoverRate, r.TotalMV, r.CircMV, r.UniverseFlag, r.FilterReason,
			configHash, runID, ts); err != nil {
			return fmt.Errorf("insert snapshot %s: %w", r.Code, err)
		}
	}
	return tx.Commit()
}

// UpsertPicks writes the daily ranking, idempotently per (date, code, config).
func (db *DB) UpsertPicks(rows []Pick, configHash, runID string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO picks_daily
		 (trade_date, code, name, score_rule, trend_score, fund_score, flow_score,
		  final_score, rank_rule, rank_final, config_hash, run_id, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := nowStamp()
	for _, p := range rows {
		if _, err := stmt.Exec(p.TradeDate, p.Code, p.Name, p.ScoreRule, p.TrendScore,
			p.FundScore, p.FlowScore, p.FinalScore, p.RankRule, p.RankFinal,
			configHash, runID, ts); err != nil {
			return fmt.Errorf("upsert pick %s: %w", p.Code, err)
		}
	}
	return tx.Commit()
}

// PicksForDate returns the ranking for a date under a config, ordered by
// final rank. Falls back to any config when the exact hash has no rows,
// so a config tweak between night and morning does not strand the day.
func (db *DB) PicksForDate(tradeDate, configHash string) ([]Pick, error) {
	q := `SELECT trade_date, code, name, score_rule, trend_score, fund_score, flow_score,
	             final_score, rank_rule, rank_final
	      FROM picks_daily WHERE trade_date=? AND config_hash=? ORDER BY rank_final ASC`
	rows, err := db.queryPicks(q, tradeDate, configHash)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return rows, nil
	}
	q = `SELECT trade_date, code, name, score_rule, trend_score, fund_score, flow_score,
	            final_score, rank_rule, rank_final
	     FROM picks_daily WHERE trade_date=? ORDER BY rank_final ASC`
	return db.queryPicks(q, tradeDate)
}

func (db *DB) queryPicks(q string, args ...any) ([]Pick, error) {
	rows, err := db.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query picks: %w", err)
	}
	defer rows.Close()

	var out []Pick
	for rows.Next() {
		var p Pick
		if err := rows.Scan(&p.TradeDate, &p.Code, &p.Name, &p.ScoreRule, &p.TrendScore,
			&p.FundScore, &p.FlowScore, &p.FinalScore, &p.RankRule, &p.RankFinal); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertModelScores writes ensemble outputs, idempotently.
func (db *DB) UpsertModelScores(rows []ModelScore, configHash, runID string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO model_scores_daily
		 (trade_date, code,
		  alpha_a, risk_prob_a, risk_sev_a, conf_a, comment_a,
		  alpha_b, risk_prob_b, risk_sev_b, conf_b, comment_b,
		  alpha_final, risk_prob_final, risk_sev_final, disagreement, action, degraded_reason,
		  config_hash, run_id, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := nowStamp()
	for _, m := range rows {
		if _, err := stmt.Exec(m.TradeDate, m.Code,
			m.AlphaA, m.RiskProbA, m.RiskSevA, m.ConfA, m.CommentA,
			m.AlphaB, m.RiskProbB, m.RiskSevB, m.ConfB, m.CommentB,
			m.AlphaFinal, m.RiskProbFinal, m.RiskSevFinal, m.Disagreement, m.Action, m.DegradedReason,
			configHash, runID, ts); err != nil {
			return fmt.Errorf("upsert model score %s: %w", m.Code, err)
		}
	}
	return tx.Commit()
}

func (db *DB) ModelScoresForDate(tradeDate, configHash string) ([]ModelScore, error) {
	rows, err := db.conn.Query(
		`SELECT trade_date, code,
		        alpha_a, risk_prob_a, risk_sev_a, conf_a, comment_a,
		        alpha_b, risk_prob_b, risk_sev_b, conf_b, comment_b,
		        alpha_final, risk_prob_final, risk_sev_final, disagreement, action, degraded_reason
		 FROM model_scores_daily WHERE trade_date=? AND config_hash=?`, tradeDate, configHash)
	if err != nil {
		return nil, fmt.Errorf("query model scores: %w", err)
	}
	defer rows.Close()

	var out []ModelScore
	for rows.Next() {
		var m ModelScore
		if err := rows.Scan(&m.TradeDate, &m.Code,
			&m.AlphaA, &m.RiskProbA, &m.RiskSevA, &m.ConfA, &m.CommentA,
			&m.AlphaB, &m.RiskProbB, &m.RiskSevB, &m.ConfB, &m.CommentB,
			&m.AlphaFinal, &m.RiskProbFinal, &m.RiskSevFinal, &m.Disagreement, &m.Action, &m.DegradedReason); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertTargets writes desired weights for a date/run.
func (db *DB) UpsertTargets(rows []Target, configHash, runID string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO targets_daily
		 (trade_date, code, target_weight, config_hash, run_id, created_at)
		 VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := nowStamp()
	for _, t := range rows {
		if _, err := stmt.Exec(t.TradeDate, t.Code, t.TargetWeight, configHash, runID, ts); err != nil {
			return fmt.Errorf("upsert target %s: %w", t.Code, err)
		}
	}
	return tx.Commit()
}

// UpsertOrders persists exported orders for audit.
func (db *DB) UpsertOrders(rows []OrderRow, configHash, runID string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO orders_daily
		 (trade_date, code, side, client_order_id, qty, price_type, limit_price, notional,
		  reason, risk_tags, status, config_hash, run_id, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := nowStamp()
	for _, o := range rows {
		if _, err := stmt.Exec(o.TradeDate, o.Code, o.Side, o.ClientOrderID, o.Qty,
			o.PriceType, o.LimitPrice, o.Notional, o.Reason, o.RiskTags, o.Status,
			configHash, runID, ts); err != nil {
			return fmt.Errorf("upsert order %s %s: %w", o.Side, o.Code, err)
		}
	}
	return tx.Commit()
}

// WriteReconciliation records an asset check outcome, one per (date, config).
func (db *DB) WriteReconciliation(r ReconRecord, configHash string) error {
	ok := 0
	if r.OK {
		ok = 1
	}
	_, err := db.conn.Exec(
		`INSERT OR REPLACE INTO reconciliation_log
		 (trade_date, run_id, config_hash, expected_total_assets, real_total_assets,
		  dev_ratio, ok, detail, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		r.TradeDate, r.RunID, configHash, r.ExpectedTotalAssets, r.RealTotalAssets,
		r.DevRatio, ok, r.Detail, nowStamp())
	if err != nil {
		return fmt.Errorf("write reconciliation: %w", err)
	}
	return nil
}

// WriteMarketContext stores the per-run market context snapshot fed to the oracles.
func (db *DB) WriteMarketContext(tradeDate, runID, configHash, ctxJSON string) error {
	_, err := db.conn.Exec(
		`INSERT OR REPLACE INTO market_context_daily
		 (trade_date, run_id, config_hash, ctx_json, created_at) VALUES (?,?,?,?,?)`,
		tradeDate, runID, configHash, ctxJSON, nowStamp())
	if err != nil {
		return fmt.Errorf("write market context: %w", err)
	}
	return nil
}

// LatestPicksDate returns the most recent trade date with picks, if any.
func (db *DB) LatestPicksDate() (string, bool, error) {
	var d sql.NullString
	err := db.conn.QueryRow(`SELECT MAX(trade_date) FROM picks_daily`).Scan(&d)
	if err != nil {
		return "", false, fmt.Errorf("latest picks date: %w", err)
	}
	return d.String, d.Valid && d.String != "", nil
}

// CountPicks is used by idempotency checks and tests.
func (db *DB) CountPicks(tradeDate, configHash string) (int, error) {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM picks_daily WHERE trade_date=? AND config_hash=?`,
		tradeDate, configHash).Scan(&n)
	return n, err
}
