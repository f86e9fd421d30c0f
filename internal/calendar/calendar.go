// Package calendar answers one question, cache first: is this date a
// trading day. Lookup order: memory, persisted table, remote source,
// weekday heuristic.
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/quantops/nightshift/internal/config"
	"github.com/quantops/nightshift/internal/observ"
	"github.com/quantops/nightshift/internal/storage"
	"github.com/quantops/nightshift/internal/universe"
)

// ReasonNotTradeDay is the structured reason a job refuses to run.
const ReasonNotTradeDay = "NOT_TRADE_DAY"

// Source fetches a window of calendar days from a remote provider.
// Keys are YYYY-MM-DD, values are "market open".
type Source interface {
	FetchWindow(ctx context.Context, start, end string) (map[string]bool, error)
}

// Calendar is the trading-day gate.
type Calendar struct {
	mu     sync.Mutex
	mem    map[string]bool
	db     *storage.DB
	source Source
	cfg    config.Calendar

	lastErr error
}

func New(db *storage.DB, source Source, cfg config.Calendar) *Calendar {
	return &Calendar{mem: map[string]bool{}, db: db, source: source, cfg: cfg}
}

// IsTradeDay resolves one date. Remote errors degrade to the weekday
// heuristic; an unparseable date is never a trading day.
func (c *Calendar) IsTradeDay(ctx context.Context, tradeDate string) bool {
	date := universe.NormalizeDate(tradeDate)
	if date == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if open, ok := c.mem[date]; ok {
		return open
	}
	if c.db != nil {
		if open, found, err := c.db.CalendarLookup(date); err == nil && found {
			c.mem[date] = open
			return open
		}
	}

	if open, ok := c.fetchAround(ctx, date); ok {
		return open
	}

	// Last resort: Monday..Friday.
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return false
	}
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// fetchAround pulls one window around the target, merges it into both
// cache layers, and resolves the date if the window covered it.
func (c *Calendar) fetchAround(ctx context.Context, date string) (open, resolved bool) {
	if c.source == nil {
		return false, false
	}
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return false, false
	}
	start := t.AddDate(0, 0, -c.cfg.LookbackDays).Format("2006-01-02")
	end := t.AddDate(0, 0, c.cfg.LookaheadDays).Format("2006-01-02")

	fetchCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	days, err := c.source.FetchWindow(fetchCtx, start, end)
	if err != nil {
		c.lastErr = err
		observ.Warn("calendar_fetch_failed", map[string]any{"err": err.Error()})
		return false, false
	}
	c.lastErr = nil

	for d, o := range days {
		if nd := universe.NormalizeDate(d); nd != "" {
			c.mem[nd] = o
		}
	}
	if c.db != nil {
		if err := c.db.CalendarMerge(c.mem); err != nil {
			observ.Warn("calendar_persist_failed", map[string]any{"err": err.Error()})
		}
	}

	o, ok := c.mem[date]
	return o, ok
}

// Gate refuses non-trading dates with a structured reason.
func (c *Calendar) Gate(ctx context.Context, tradeDate string) (bool, string) {
	if !c.IsTradeDay(ctx, tradeDate) {
		return false, ReasonNotTradeDay
	}
	return true, ""
}

// LastError exposes the most recent remote failure for diagnostics.
func (c *Calendar) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// HTTPSource reads a JSON calendar endpoint:
// GET {base}?start=...&end=... -> [{"cal_date":"2026-01-05","is_open":1}, ...]
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPSource(baseURL string, timeoutMs int) *HTTPSource {
	return &HTTPSource{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
	}
}

func (s *HTTPSource) FetchWindow(ctx context.Context, start, end string) (map[string]bool, error) {
	if s.BaseURL == "" {
		return nil, fmt.Errorf("calendar source url not configured")
	}
	url := fmt.Sprintf("%s?start=%s&end=%s", s.BaseURL, universe.DateDigits(start), universe.DateDigits(end))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar fetch: status %d", resp.StatusCode)
	}

	var rows []struct {
		CalDate string `json:"cal_date"`
		IsOpen  int    `json:"is_open"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("calendar decode: %w", err)
	}

	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		if d := universe.NormalizeDate(r.CalDate); d != "" {
			out[d] = r.IsOpen == 1
		}
	}
	return out, nil
}
