package bridge

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quantops/nightshift/internal/portfolio"
)

// AssetReport is the terminal's end-of-day account snapshot.
type AssetReport struct {
	TotalAssets float64
	Cash        float64
	MarketValue float64
	Found       bool
}

// ReadAssetExport parses the terminal asset CSV: a header row and one
// data row. Column naming varies by broker environment, so the total
// is resolved from a list of known aliases, then any positive numeric.
func ReadAssetExport(path string) (AssetReport, error) {
	rec, header, err := readFirstRow(path)
	if err != nil {
		return AssetReport{}, err
	}

	get := func(names ...string) (float64, bool) {
		for _, n := range names {
			for i, h := range header {
				if h == n && i < len(rec) {
					if v, ok := parseNum(rec[i]); ok {
						return v, true
					}
				}
			}
		}
		return 0, false
	}

	var rep AssetReport
	if v, ok := get("total_assets", "total_asset", "total"); ok {
		rep.TotalAssets = v
		rep.Found = true
	} else {
		// best effort: first positive numeric cell
		for _, cell := range rec {
			if v, ok := parseNum(cell); ok && v > 0 {
				rep.TotalAssets = v
				rep.Found = true
				break
			}
		}
	}
	if v, ok := get("cash", "available_cash", "enable_balance"); ok {
		rep.Cash = v
	}
	if v, ok := get("market_value", "position_value"); ok {
		rep.MarketValue = v
	}
	return rep, nil
}

// ReadPositions parses the terminal position export. A missing file is
// an empty book, not an error.
func ReadPositions(path string) ([]portfolio.Holding, error) {
	rows, header, err := readAllRows(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	idx := headerIndex(header)
	var out []portfolio.Holding
	for _, rec := range rows {
		code := cell(rec, idx, "code", "ts_code", "symbol")
		if code == "" {
			continue
		}
		qty, _ := parseNum(cell(rec, idx, "qty", "amount", "quantity"))
		mv, _ := parseNum(cell(rec, idx, "market_value", "mv"))
		out = append(out, portfolio.Holding{Code: code, Qty: int(qty), MarketValue: mv})
	}
	return out, nil
}

// ReadQuotes parses the pre-open quote export with limit prices.
func ReadQuotes(path string) (map[string]portfolio.Quote, error) {
	rows, header, err := readAllRows(path)
	if os.IsNotExist(err) {
		return map[string]portfolio.Quote{}, nil
	}
	if err != nil {
		return nil, err
	}

	idx := headerIndex(header)
	out := make(map[string]portfolio.Quote, len(rows))
	for _, rec := range rows {
		code := cell(rec, idx, "code", "ts_code", "symbol")
		if code == "" {
			continue
		}
		q := portfolio.Quote{Code: code}
		q.Ref, _ = parseNum(cell(rec, idx, "ref_price", "open", "price"))
		q.Last, _ = parseNum(cell(rec, idx, "last_price", "last", "close"))
		q.UpLimit, _ = parseNum(cell(rec, idx, "up_limit", "limit_up"))
		q.DownLimit, _ = parseNum(cell(rec, idx, "down_limit", "limit_down"))
		out[code] = q
	}
	return out, nil
}

func parseNum(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	f, _ := d.Float64()
	return f, true
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.ToLower(h))] = i
	}
	return idx
}

func cell(rec []string, idx map[string]int, names ...string) string {
	for _, n := range names {
		if i, ok := idx[n]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
	}
	return ""
}

func readFirstRow(path string) (rec, header []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err = r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s header: %w", path, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.ToLower(header[i]))
	}
	rec, err = r.Read()
	if err == io.EOF {
		return nil, header, fmt.Errorf("%s has no data row", path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rec, header, nil
}

func readAllRows(path string) (rows [][]string, header []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	all, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, nil, nil
	}
	return all[1:], all[0], nil
}
