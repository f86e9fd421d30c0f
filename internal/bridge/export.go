package bridge

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/quantops/nightshift/internal/observ"
	"github.com/quantops/nightshift/internal/portfolio"
	"github.com/quantops/nightshift/internal/universe"
)

// OrdersFileName is the single well-known path the terminal polls.
const OrdersFileName = "orders.csv"

var orderHeader = []string{
	"client_order_id", "trade_date", "code", "side", "qty",
	"price_type", "limit_price", "reason", "run_id",
}

// ErrAlreadyProcessed means the terminal already consumed this run's
// orders; re-exporting would risk double execution.
type ErrAlreadyProcessed struct{ Marker string }

func (e ErrAlreadyProcessed) Error() string {
	return "processed marker exists: " + e.Marker
}

// ProcessedMarkerPath is where the terminal renames the consumed file.
// Its mere existence is the "already handled" signal for (date, run).
func ProcessedMarkerPath(outboxDir, tradeDate, runID string) string {
	return filepath.Join(outboxDir,
		fmt.Sprintf("orders_processed_%s_%s.csv", universe.DateDigits(tradeDate), runID))
}

// ExportOrders atomically publishes the order file. It refuses to write
// when the processed marker for this (date, run) already exists.
func ExportOrders(outboxDir, tradeDate, runID string, orders []portfolio.Order) (string, error) {
	marker := ProcessedMarkerPath(outboxDir, tradeDate, runID)
	if _, err := os.Stat(marker); err == nil {
		return "", ErrAlreadyProcessed{Marker: marker}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(orderHeader); err != nil {
		return "", err
	}
	for _, o := range orders {
		limit := ""
		if o.PriceType == portfolio.PriceLimit {
			limit = strconv.FormatFloat(o.LimitPrice, 'f', -1, 64)
		}
		rec := []string{
			o.ClientOrderID, tradeDate, o.Code, o.Side,
			strconv.Itoa(o.Qty), o.PriceType, limit, o.Reason, runID,
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}

	dst := filepath.Join(outboxDir, OrdersFileName)
	if err := atomicWrite(dst, buf.Bytes()); err != nil {
		return "", err
	}
	observ.Log("orders_exported", map[string]any{
		"path": dst, "orders": len(orders), "run_id": runID, "trade_date": tradeDate,
	})
	return dst, nil
}

// CountOrderRows reads back a published order file and counts its data
// rows; the close job uses it as the evidence that the export happened.
func CountOrderRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	recs, err := r.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	n := 0
	for i, rec := range recs {
		if i == 0 {
			continue // header
		}
		for _, cell := range rec {
			if cell != "" {
				n++
				break
			}
		}
	}
	return n, nil
}
