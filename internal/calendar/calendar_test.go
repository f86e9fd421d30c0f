package calendar

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quantops/nightshift/internal/config"
)

type stubSource struct {
	days  map[string]bool
	err   error
	calls int
}

func (s *stubSource) FetchWindow(_ context.Context, start, end string) (map[string]bool, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.days, nil
}

func calCfg() config.Calendar {
	return config.Calendar{TimeoutMs: 1000, LookbackDays: 366, LookaheadDays: 7}
}

func TestWeekdayFallback(t *testing.T) {
	// No db, no source: only the weekday heuristic remains.
	c := New(nil, nil, calCfg())
	ctx := context.Background()

	if c.IsTradeDay(ctx, "2026-08-30") { // Sunday
		t.Error("Sunday should not be a trading day")
	}
	if c.IsTradeDay(ctx, "2026-08-29") { // Saturday
		t.Error("Saturday should not be a trading day")
	}
	if !c.IsTradeDay(ctx, "2026-08-31") { // Monday
		t.Error("Monday should fall back to open")
	}
}

func TestGateReason(t *testing.T) {
	c := New(nil, nil, calCfg())
	ok, reason := c.Gate(context.Background(), "2026-08-30")
	if ok || reason != ReasonNotTradeDay {
		t.Errorf("ok=%v reason=%q", ok, reason)
	}
	if ok, reason := c.Gate(context.Background(), "2026-08-31"); !ok || reason != "" {
		t.Errorf("ok=%v reason=%q", ok, reason)
	}
}

func TestBadDateNeverTrades(t *testing.T) {
	c := New(nil, nil, calCfg())
	if c.IsTradeDay(context.Background(), "garbage") {
		t.Error("unparseable date must not be a trading day")
	}
}

func TestRemoteWindowOverridesWeekday(t *testing.T) {
	// 2026-10-01 is a Thursday, but the exchange says closed.
	src := &stubSource{days: map[string]bool{
		"2026-10-01": false,
		"2026-10-09": true,
	}}
	c := New(nil, src, calCfg())
	ctx := context.Background()

	if c.IsTradeDay(ctx, "2026-10-01") {
		t.Error("remote closed day must win over the weekday heuristic")
	}
	if !c.IsTradeDay(ctx, "2026-10-09") {
		t.Error("remote open day should trade")
	}
}

func TestMemoryCacheAvoidsRefetch(t *testing.T) {
	src := &stubSource{days: map[string]bool{"2026-09-01": true}}
	c := New(nil, src, calCfg())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if !c.IsTradeDay(ctx, "2026-09-01") {
			t.Fatal("cached open day flipped")
		}
	}
	if src.calls != 1 {
		t.Errorf("source called %d times, want 1", src.calls)
	}
}

func TestRemoteErrorDegradesToWeekday(t *testing.T) {
	src := &stubSource{err: fmt.Errorf("connection refused")}
	c := New(nil, src, calCfg())
	ctx := context.Background()

	if !c.IsTradeDay(ctx, "2026-09-01") { // Tuesday
		t.Error("remote failure should degrade to the weekday answer")
	}
	if c.LastError() == nil {
		t.Error("remote failure should be observable")
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("start") == "" || r.URL.Query().Get("end") == "" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Write([]byte(`[
			{"cal_date":"20260901","is_open":1},
			{"cal_date":"20260905","is_open":0}
		]`))
	}))
	defer srv.Close()

	s := NewHTTPSource(srv.URL, 1000)
	days, err := s.FetchWindow(context.Background(), "2026-08-01", "2026-09-08")
	if err != nil {
		t.Fatal(err)
	}
	if !days["2026-09-01"] || days["2026-09-05"] {
		t.Errorf("days = %v", days)
	}
}

func TestHTTPSourceErrors(t *testing.T) {
	t.Run("no_url", func(t *testing.T) {
		s := NewHTTPSource("", 1000)
		if _, err := s.FetchWindow(context.Background(), "2026-08-01", "2026-09-08"); err == nil {
			t.Error("empty base url must error")
		}
	})

	t.Run("bad_status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()
		s := NewHTTPSource(srv.URL, 1000)
		if _, err := s.FetchWindow(context.Background(), "2026-08-01", "2026-09-08"); err == nil {
			t.Error("5xx must error")
		}
	})
}
