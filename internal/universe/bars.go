// Package universe loads the daily bar snapshot, applies the hard
// instrument filters and computes the cross-sectionally normalized
// factor set the scoring stage consumes.
package universe

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Bar is one instrument's snapshot for one trade date. Absent or
// malformed upstream fields are normalized to zero here, once, so no
// downstream stage ever guards against missing columns.
type Bar struct {
	TradeDate    string
	Code         string
	Name         string
	Close        float64
	PctChg       float64 // percent, e.g. 1.5 means +1.5%
	Amount       float64
	TurnoverRate float64 // percent
	TotalMV      float64
	CircMV       float64
}

// LoadBars reads the daily bars CSV and returns rows for one trade date.
// When tradeDate is empty the latest date in the file is used and returned.
func LoadBars(path, tradeDate string) ([]Bar, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open bars file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, "", fmt.Errorf("read bars header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(strings.ToLower(h))] = i
	}
	if _, ok := col["trade_date"]; !ok {
		return nil, "", fmt.Errorf("bars file missing trade_date column")
	}

	field := func(rec []string, names ...string) string {
		for _, n := range names {
			if i, ok := col[n]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
		}
		return ""
	}

	var all []Bar
	latest := ""
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("read bars row: %w", err)
		}
		b := Bar{
			TradeDate:    NormalizeDate(field(rec, "trade_date")),
			Code:         field(rec, "ts_code", "code", "symbol"),
			Name:         field(rec, "name"),
			Close:        num(field(rec, "close")),
			PctChg:       num(field(rec, "pct_chg")),
			Amount:       num(field(rec, "amount")),
			TurnoverRate: num(field(rec, "turnover_rate")),
			TotalMV:      num(field(rec, "total_mv")),
			CircMV:       num(field(rec, "circ_mv")),
		}
		if b.Code == "" || b.TradeDate == "" {
			continue
		}
		if b.TradeDate > latest {
			latest = b.TradeDate
		}
		all = append(all, b)
	}

	if tradeDate == "" {
		tradeDate = latest
	} else {
		tradeDate = NormalizeDate(tradeDate)
	}

	var out []Bar
	for _, b := range all {
		if b.TradeDate == tradeDate {
			out = append(out, b)
		}
	}
	return out, tradeDate, nil
}

// num is the single best-effort numeric coercion point: anything that
// does not parse becomes the neutral default.
func num(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// NormalizeDate accepts 20260105 or 2026-01-05 and returns YYYY-MM-DD.
// Returns "" for anything else.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	digits := strings.ReplaceAll(s, "-", "")
	if len(digits) != 8 {
		return ""
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return digits[:4] + "-" + digits[4:6] + "-" + digits[6:8]
}

// DateDigits returns the compact YYYYMMDD form used in file names.
func DateDigits(s string) string {
	return strings.ReplaceAll(NormalizeDate(s), "-", "")
}
