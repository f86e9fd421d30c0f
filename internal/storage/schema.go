package storage

import "fmt"

var tables = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		k TEXT PRIMARY KEY,
		v TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS system_state (
		k TEXT PRIMARY KEY,
		v TEXT,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS execution_log (
		run_id TEXT PRIMARY KEY,
		job TEXT,
		trade_date TEXT,
		status TEXT,
		error_code TEXT,
		error_msg TEXT,
		started_at TEXT,
		finished_at TEXT,
		config_hash TEXT,
		code_hash TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots_daily (
		trade_date TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT,
		close REAL,
		pct_chg REAL,
		amount REAL,
		turnover_rate REAL,
		total_mv REAL,
		circ_mv REAL,
		universe_flag INTEGER,
		filter_reason TEXT,
		config_hash TEXT NOT NULL,
		run_id TEXT,
		created_at TEXT,
		PRIMARY KEY (trade_date, code, config_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS picks_daily (
		trade_date TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT,
		score_rule REAL,
		trend_score REAL,
		fund_score REAL,
		flow_score REAL,
		final_score REAL,
		rank_rule INTEGER,
		rank_final INTEGER,
		config_hash TEXT NOT NULL,
		run_id TEXT NOT NULL,
		created_at TEXT,
		PRIMARY KEY (trade_date, code, config_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS model_scores_daily (
		trade_date TEXT NOT NULL,
		code TEXT NOT NULL,
		alpha_a REAL, risk_prob_a REAL, risk_sev_a INTEGER, conf_a REAL, comment_a TEXT,
		alpha_b REAL, risk_prob_b REAL, risk_sev_b INTEGER, conf_b REAL, comment_b TEXT,
		alpha_final REAL,
		risk_prob_final REAL,
		risk_sev_final INTEGER,
		disagreement REAL,
		action TEXT,
		degraded_reason TEXT,
		config_hash TEXT NOT NULL,
		run_id TEXT NOT NULL,
		created_at TEXT,
		PRIMARY KEY (trade_date, code, config_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS targets_daily (
		trade_date TEXT NOT NULL,
		code TEXT NOT NULL,
		target_weight REAL,
		config_hash TEXT NOT NULL,
		run_id TEXT NOT NULL,
		created_at TEXT,
		PRIMARY KEY (trade_date, code, config_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS orders_daily (
		trade_date TEXT NOT NULL,
		code TEXT NOT NULL,
		side TEXT NOT NULL,
		client_order_id TEXT,
		qty INTEGER NOT NULL,
		price_type TEXT,
		limit_price REAL,
		notional REAL,
		reason TEXT,
		risk_tags TEXT,
		status TEXT,
		config_hash TEXT NOT NULL,
		run_id TEXT NOT NULL,
		created_at TEXT,
		PRIMARY KEY (trade_date, code, side, config_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS reconciliation_log (
		trade_date TEXT NOT NULL,
		run_id TEXT NOT NULL,
		config_hash TEXT,
		expected_total_assets REAL,
		real_total_assets REAL,
		dev_ratio REAL,
		ok INTEGER,
		detail TEXT,
		created_at TEXT,
		PRIMARY KEY (trade_date, config_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS market_context_daily (
		trade_date TEXT NOT NULL,
		run_id TEXT NOT NULL,
		config_hash TEXT NOT NULL,
		ctx_json TEXT,
		created_at TEXT,
		PRIMARY KEY (trade_date, run_id, config_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS trade_calendar (
		cal_date TEXT PRIMARY KEY,
		is_open INTEGER
	)`,
}

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_picks_daily_date_hash ON picks_daily(trade_date, config_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_picks_daily_date_rank ON picks_daily(trade_date, rank_final)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_date ON snapshots_daily(trade_date)`,
	`CREATE INDEX IF NOT EXISTS idx_execlog_date ON execution_log(trade_date, job)`,
}

// columns added after the initial release; applied as additive ALTERs so
// already-written stores keep working. Never remove or retype a column.
var migrations = map[string]map[string]string{
	"picks_daily": {
		"final_score_ai": "REAL",
		"rank_ai":        "INTEGER",
	},
	"model_scores_daily": {
		"degraded_reason": "TEXT",
	},
	"orders_daily": {
		"risk_tags": "TEXT",
	},
}

// EnsureSchema creates missing tables and best-effort adds columns that
// newer code expects. Safe to call on every open.
func (db *DB) EnsureSchema() error {
	for _, ddl := range tables {
		if _, err := db.conn.Exec(ddl); err != nil {
			return fmt.Errorf("ensure table: %w", err)
		}
	}
	for _, ddl := range indexes {
		if _, err := db.conn.Exec(ddl); err != nil {
			return fmt.Errorf("ensure index: %w", err)
		}
	}
	for table, cols := range migrations {
		existing, err := db.columns(table)
		if err != nil {
			return err
		}
		for col, typ := range cols {
			if existing[col] {
				continue
			}
			if _, err := db.conn.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col, typ)); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, col, err)
			}
		}
	}
	return nil
}

func (db *DB) columns(table string) (map[string]bool, error) {
	rows, err := db.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}
