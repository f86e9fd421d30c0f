package bridge

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quantops/nightshift/internal/portfolio"
)

func sampleOrders() []portfolio.Order {
	return []portfolio.Order{
		{
			ClientOrderID: "2026-09-01_RUN1_BUY_600000.SH",
			Code:          "600000.SH", Side: portfolio.SideBuy,
			Qty: 300, PriceType: portfolio.PriceLimit, LimitPrice: 10.55,
			Reason: "TARGET_BUY",
		},
		{
			ClientOrderID: "2026-09-01_RUN1_SELL_600999.SH",
			Code:          "600999.SH", Side: portfolio.SideSell,
			Qty: 1000, PriceType: portfolio.PriceMarket,
			Reason: "BUFFER_SELL_NOT_RETAIN",
		},
	}
}

func TestExportOrdersRoundTrip(t *testing.T) {
	dir := t.TempDir()

	path, err := ExportOrders(dir, "2026-09-01", "RUN1", sampleOrders())
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != OrdersFileName {
		t.Errorf("path = %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(recs))
	}
	if recs[0][0] != "client_order_id" {
		t.Errorf("header = %v", recs[0])
	}
	if recs[1][3] != "BUY" || recs[1][6] != "10.55" {
		t.Errorf("buy row = %v", recs[1])
	}
	// Market orders carry no limit price.
	if recs[2][5] != "MKT" || recs[2][6] != "" {
		t.Errorf("sell row = %v", recs[2])
	}

	if n, err := CountOrderRows(path); err != nil || n != 2 {
		t.Errorf("CountOrderRows = %d, %v", n, err)
	}
}

func TestExportRefusesAfterProcessedMarker(t *testing.T) {
	dir := t.TempDir()

	// The terminal renames the consumed file to the marker.
	marker := ProcessedMarkerPath(dir, "2026-09-01", "RUN1")
	if !strings.HasSuffix(marker, "orders_processed_20260901_RUN1.csv") {
		t.Fatalf("marker = %s", marker)
	}
	if err := os.WriteFile(marker, []byte("consumed"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := ExportOrders(dir, "2026-09-01", "RUN1", sampleOrders())
	if _, ok := err.(ErrAlreadyProcessed); !ok {
		t.Fatalf("err = %v, want ErrAlreadyProcessed", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, OrdersFileName)); !os.IsNotExist(statErr) {
		t.Error("refused export must not write orders.csv")
	}

	// A different run id on the same day still exports.
	if _, err := ExportOrders(dir, "2026-09-01", "RUN2", sampleOrders()); err != nil {
		t.Errorf("unrelated run blocked: %v", err)
	}
}

func TestAtomicWriteLeavesNoTempDebris(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.json")

	for i := 0; i < 3; i++ {
		if err := atomicWrite(dst, []byte(fmt.Sprintf(`{"i":%d}`, i))); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "out.json" {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("directory = %v, want only out.json", names)
	}

	b, _ := os.ReadFile(dst)
	if string(b) != `{"i":2}` {
		t.Errorf("content = %s", b)
	}
}

func TestReconcileStatusGate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reconcile_status.json")

	t.Run("missing_blocks", func(t *testing.T) {
		ok, reason, _ := CheckReconcileStatus(path, "2026-09-01")
		if ok || !strings.Contains(reason, "missing") {
			t.Errorf("ok=%v reason=%q", ok, reason)
		}
	})

	t.Run("ok_roundtrip", func(t *testing.T) {
		err := WriteReconcileStatus(path, ReconcileStatus{
			TradeDate: "2026-09-01", OK: true, Reason: "OK", RunID: "CLOSE_X",
		})
		if err != nil {
			t.Fatal(err)
		}
		ok, _, st := CheckReconcileStatus(path, "2026-09-01")
		if !ok || st.RunID != "CLOSE_X" {
			t.Errorf("ok=%v st=%+v", ok, st)
		}
		// Compact date form must match too.
		if ok, _, _ := CheckReconcileStatus(path, "20260901"); !ok {
			t.Error("date normalization failed")
		}
	})

	t.Run("wrong_date_blocks", func(t *testing.T) {
		ok, reason, _ := CheckReconcileStatus(path, "2026-09-02")
		if ok || !strings.Contains(reason, "mismatch") {
			t.Errorf("ok=%v reason=%q", ok, reason)
		}
	})

	t.Run("not_ok_blocks", func(t *testing.T) {
		WriteReconcileStatus(path, ReconcileStatus{TradeDate: "2026-09-01", OK: false, Reason: "ASSET_DEVIATION"})
		ok, reason, _ := CheckReconcileStatus(path, "2026-09-01")
		if ok || reason != "ASSET_DEVIATION" {
			t.Errorf("ok=%v reason=%q", ok, reason)
		}
	})

	t.Run("corrupt_blocks", func(t *testing.T) {
		os.WriteFile(path, []byte("{truncated"), 0o644)
		if ok, _, _ := CheckReconcileStatus(path, "2026-09-01"); ok {
			t.Error("corrupt status must block")
		}
	})
}

func TestHeartbeatStale(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	if !HeartbeatStale(dir, 2*time.Minute, now) {
		t.Error("missing heartbeat is stale")
	}

	write := func(epoch float64) {
		b, _ := json.Marshal(Heartbeat{TS: now.Format(time.RFC3339), Epoch: epoch, Msg: "alive"})
		os.WriteFile(filepath.Join(dir, HeartbeatFileName), b, 0o644)
	}

	write(float64(now.Unix()))
	if HeartbeatStale(dir, 2*time.Minute, now) {
		t.Error("fresh heartbeat reported stale")
	}

	write(float64(now.Add(-3 * time.Minute).Unix()))
	if !HeartbeatStale(dir, 2*time.Minute, now) {
		t.Error("old heartbeat reported fresh")
	}

	os.WriteFile(filepath.Join(dir, HeartbeatFileName), []byte("not json"), 0o644)
	if !HeartbeatStale(dir, 2*time.Minute, now) {
		t.Error("unreadable heartbeat must count as stale")
	}
}

func TestReadAssetExport(t *testing.T) {
	dir := t.TempDir()

	t.Run("aliased_columns", func(t *testing.T) {
		path := filepath.Join(dir, "asset.csv")
		os.WriteFile(path, []byte("total_asset,enable_balance,market_value\n1000000.50,250000,750000.50\n"), 0o644)

		rep, err := ReadAssetExport(path)
		if err != nil {
			t.Fatal(err)
		}
		if !rep.Found || rep.TotalAssets != 1000000.50 {
			t.Errorf("rep = %+v", rep)
		}
		if rep.Cash != 250000 || rep.MarketValue != 750000.50 {
			t.Errorf("rep = %+v", rep)
		}
	})

	t.Run("unknown_header_falls_back", func(t *testing.T) {
		path := filepath.Join(dir, "weird.csv")
		os.WriteFile(path, []byte("账户,资产\nA123,888888.88\n"), 0o644)

		rep, err := ReadAssetExport(path)
		if err != nil {
			t.Fatal(err)
		}
		if !rep.Found || rep.TotalAssets != 888888.88 {
			t.Errorf("fallback failed: %+v", rep)
		}
	})

	t.Run("missing_file", func(t *testing.T) {
		if _, err := ReadAssetExport(filepath.Join(dir, "absent.csv")); err == nil {
			t.Error("missing asset export must error")
		}
	})
}

func TestReadPositionsAndQuotes(t *testing.T) {
	dir := t.TempDir()

	t.Run("positions_missing_is_empty_book", func(t *testing.T) {
		got, err := ReadPositions(filepath.Join(dir, "absent.csv"))
		if err != nil || got != nil {
			t.Errorf("got %v, %v", got, err)
		}
	})

	t.Run("positions", func(t *testing.T) {
		path := filepath.Join(dir, "positions.csv")
		os.WriteFile(path, []byte("code,qty,market_value\n600000.SH,1000,10550\n,0,0\n"), 0o644)

		got, err := ReadPositions(path)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Qty != 1000 || got[0].MarketValue != 10550 {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("quotes", func(t *testing.T) {
		path := filepath.Join(dir, "quotes.csv")
		os.WriteFile(path, []byte("code,ref_price,last_price,up_limit,down_limit\n600000.SH,10.5,10.4,11.55,9.45\n"), 0o644)

		got, err := ReadQuotes(path)
		if err != nil {
			t.Fatal(err)
		}
		q := got["600000.SH"]
		if q.Ref != 10.5 || q.UpLimit != 11.55 || q.DownLimit != 9.45 {
			t.Errorf("q = %+v", q)
		}
	})
}
