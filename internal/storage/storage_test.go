package storage

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnsureSchemaIsRepeatable(t *testing.T) {
	db := openTestDB(t)
	// Open already ran it once; a second pass must be a no-op.
	if err := db.EnsureSchema(); err != nil {
		t.Fatal(err)
	}

	cols, err := db.columns("picks_daily")
	if err != nil {
		t.Fatal(err)
	}
	// Columns added by migration after the initial CREATE.
	for _, want := range []string{"final_score_ai", "rank_ai"} {
		if !cols[want] {
			t.Errorf("picks_daily missing migrated column %s", want)
		}
	}
}

func TestSystemState(t *testing.T) {
	db := openTestDB(t)

	if _, found, err := db.GetState("phase"); err != nil || found {
		t.Fatalf("unset key: found=%v err=%v", found, err)
	}

	for _, v := range []string{"NIGHT_JOB", "IDLE"} {
		if err := db.SetState("phase", v); err != nil {
			t.Fatal(err)
		}
	}
	got, found, err := db.GetState("phase")
	if err != nil || !found || got != "IDLE" {
		t.Errorf("got %q found=%v err=%v", got, found, err)
	}
}

func TestExecutionLogLifecycle(t *testing.T) {
	db := openTestDB(t)

	if err := db.BeginRun("NIGHT_X", "NIGHT", "2026-09-01", "cfg1", "abc"); err != nil {
		t.Fatal(err)
	}

	var status string
	row := db.conn.QueryRow(`SELECT status FROM execution_log WHERE run_id=?`, "NIGHT_X")
	if err := row.Scan(&status); err != nil || status != StatusRunning {
		t.Fatalf("status = %q err=%v", status, err)
	}

	if err := db.FinishRun("NIGHT_X", "2026-09-01", StatusFailed, "NO_BARS", "no bars"); err != nil {
		t.Fatal(err)
	}
	var errCode string
	row = db.conn.QueryRow(`SELECT status, error_code FROM execution_log WHERE run_id=?`, "NIGHT_X")
	if err := row.Scan(&status, &errCode); err != nil {
		t.Fatal(err)
	}
	if status != StatusFailed || errCode != "NO_BARS" {
		t.Errorf("status=%q error_code=%q", status, errCode)
	}
}

func samplePicks(date string) []Pick {
	return []Pick{
		{TradeDate: date, Code: "600000.SH", Name: "浦发银行", ScoreRule: 0.61, FinalScore: 0.61, RankRule: 1, RankFinal: 1},
		{TradeDate: date, Code: "600016.SH", Name: "民生银行", ScoreRule: 0.55, FinalScore: 0.48, RankRule: 2, RankFinal: 2},
	}
}

func TestUpsertPicksIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 3; i++ {
		if err := db.UpsertPicks(samplePicks("2026-09-01"), "cfg1", "RUN1"); err != nil {
			t.Fatal(err)
		}
	}
	n, err := db.CountPicks("2026-09-01", "cfg1")
	if err != nil || n != 2 {
		t.Errorf("count = %d err=%v, re-runs must not multiply rows", n, err)
	}

	// A different config hash writes alongside, not over.
	if err := db.UpsertPicks(samplePicks("2026-09-01"), "cfg2", "RUN2"); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.CountPicks("2026-09-01", "cfg1"); n != 2 {
		t.Errorf("cfg1 rows disturbed: %d", n)
	}
	if n, _ := db.CountPicks("2026-09-01", "cfg2"); n != 2 {
		t.Errorf("cfg2 rows = %d", n)
	}
}

func TestPicksForDateConfigFallback(t *testing.T) {
	db := openTestDB(t)
	if err := db.UpsertPicks(samplePicks("2026-09-01"), "oldcfg", "RUN1"); err != nil {
		t.Fatal(err)
	}

	// Exact hash match.
	got, err := db.PicksForDate("2026-09-01", "oldcfg")
	if err != nil || len(got) != 2 {
		t.Fatalf("exact: n=%d err=%v", len(got), err)
	}
	if got[0].RankFinal != 1 || got[0].Code != "600000.SH" {
		t.Errorf("order: %+v", got[0])
	}

	// A config edit between night and morning must not orphan the picks.
	got, err = db.PicksForDate("2026-09-01", "newcfg")
	if err != nil || len(got) != 2 {
		t.Errorf("fallback: n=%d err=%v", len(got), err)
	}
}

func TestLatestPicksDate(t *testing.T) {
	db := openTestDB(t)

	if _, found, err := db.LatestPicksDate(); err != nil || found {
		t.Fatalf("empty table: found=%v err=%v", found, err)
	}

	db.UpsertPicks(samplePicks("2026-08-29"), "cfg1", "R1")
	db.UpsertPicks(samplePicks("2026-09-01"), "cfg1", "R2")

	date, found, err := db.LatestPicksDate()
	if err != nil || !found || date != "2026-09-01" {
		t.Errorf("date=%q found=%v err=%v", date, found, err)
	}
}

func TestOrdersAndTargetsRoundTrip(t *testing.T) {
	db := openTestDB(t)

	targets := []Target{
		{TradeDate: "2026-09-01", Code: "600000.SH", TargetWeight: 0.2},
	}
	if err := db.UpsertTargets(targets, "cfg1", "RUN1"); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertTargets(targets, "cfg1", "RUN1"); err != nil {
		t.Fatal(err)
	}

	orders := []OrderRow{{
		TradeDate: "2026-09-01", Code: "600000.SH", Side: "BUY",
		ClientOrderID: "2026-09-01_RUN1_BUY_600000.SH",
		Qty:           300, PriceType: "LIMIT", LimitPrice: 10.5,
		Notional: 3150, Reason: "TARGET_BUY", Status: "EXPORTED",
	}}
	for i := 0; i < 2; i++ {
		if err := db.UpsertOrders(orders, "cfg1", "RUN1"); err != nil {
			t.Fatal(err)
		}
	}

	var n int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM orders_daily`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("orders rows = %d, want 1 after re-run", n)
	}
}

func TestReconciliationAndModelScores(t *testing.T) {
	db := openTestDB(t)

	rec := ReconRecord{
		TradeDate: "2026-09-01", RunID: "CLOSE_X",
		ExpectedTotalAssets: 100000, RealTotalAssets: 100010,
		DevRatio: 0.0001, OK: true, Detail: "dev=0.01%",
	}
	if err := db.WriteReconciliation(rec, "cfg1"); err != nil {
		t.Fatal(err)
	}

	scores := []ModelScore{{
		TradeDate: "2026-09-01", Code: "600000.SH",
		AlphaA: 2.0, AlphaB: 1.0, AlphaFinal: 1.5,
		RiskProbA: 0.1, RiskProbB: 0.3, RiskProbFinal: 0.3,
		RiskSevA: 1, RiskSevB: 2, RiskSevFinal: 2,
		Disagreement: 0.15, Action: "PASS",
	}}
	if err := db.UpsertModelScores(scores, "cfg1", "RUN1"); err != nil {
		t.Fatal(err)
	}

	got, err := db.ModelScoresForDate("2026-09-01", "cfg1")
	if err != nil || len(got) != 1 {
		t.Fatalf("n=%d err=%v", len(got), err)
	}
	if got[0].AlphaFinal != 1.5 || got[0].RiskSevFinal != 2 {
		t.Errorf("got %+v", got[0])
	}
}

func TestCalendarMergeAndLookup(t *testing.T) {
	db := openTestDB(t)

	if _, found, err := db.CalendarLookup("2026-09-01"); err != nil || found {
		t.Fatalf("empty calendar: found=%v err=%v", found, err)
	}

	days := map[string]bool{"2026-09-01": true, "2026-09-05": false}
	if err := db.CalendarMerge(days); err != nil {
		t.Fatal(err)
	}

	open, found, err := db.CalendarLookup("2026-09-01")
	if err != nil || !found || !open {
		t.Errorf("open=%v found=%v err=%v", open, found, err)
	}
	open, found, _ = db.CalendarLookup("2026-09-05")
	if !found || open {
		t.Errorf("closed day: open=%v found=%v", open, found)
	}
}
