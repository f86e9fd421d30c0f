package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/quantops/nightshift/internal/calendar"
	"github.com/quantops/nightshift/internal/config"
	"github.com/quantops/nightshift/internal/jobs"
	"github.com/quantops/nightshift/internal/observ"
	"github.com/quantops/nightshift/internal/storage"
)

// codeVersion is stamped by the release build via -ldflags.
var codeVersion = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: pipeline <command> [flags]

commands:
  initdb     create or migrate the sqlite store
  night      nightly selection: filter, score, oracle, rank, persist
  morning    pre-open order generation and export
  close      post-close reconciliation
  schedule   run night/morning/close on their cron schedules

flags:
  -config PATH   config YAML (default config/config.yaml)
  -date DATE     trade date override, YYYY-MM-DD or YYYYMMDD
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	command := os.Args[1]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "config YAML path")
	date := fs.String("date", "", "trade date override")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	db, err := storage.Open(cfg.Paths.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if command == "initdb" {
		// Open already ran the schema and migrations.
		fmt.Println(`{"ok":true,"db":"` + cfg.Paths.DBPath + `"}`)
		return
	}

	cal := calendar.New(db, calendar.NewHTTPSource(cfg.Calendar.SourceURL, cfg.Calendar.TimeoutMs), cfg.Calendar)
	runner := jobs.NewRunner(cfg, db, cal, codeVersion)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "night":
		emit(runner.Night(ctx, *date))
	case "morning":
		emit(runner.Morning(ctx, *date))
	case "close":
		emit(runner.Close(ctx, *date))
	case "schedule":
		runSchedule(ctx, runner, cfg)
	default:
		usage()
	}
}

// emit prints the result as a single JSON line and exits non-zero on
// failure so shells and schedulers can chain on the outcome.
func emit(res jobs.Result) {
	b, err := json.Marshal(res)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
	if !res.OK {
		os.Exit(1)
	}
}

// runSchedule keeps the process resident and fires each job on its cron
// spec. Empty specs disable the job. Dates always resolve at fire time.
func runSchedule(ctx context.Context, runner *jobs.Runner, cfg config.Root) {
	c := cron.New()

	add := func(spec, name string, fn func(context.Context, string) jobs.Result) {
		if spec == "" {
			observ.Log("schedule_disabled", map[string]any{"job": name})
			return
		}
		_, err := c.AddFunc(spec, func() {
			res := fn(ctx, "")
			observ.Log("scheduled_run_done", map[string]any{
				"job": name, "ok": res.OK, "run_id": res.RunID, "reason": res.Reason,
			})
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad cron spec for %s: %v\n", name, err)
			os.Exit(1)
		}
		observ.Log("schedule_armed", map[string]any{"job": name, "spec": spec})
	}

	add(cfg.Schedule.Night, "night", runner.Night)
	add(cfg.Schedule.Morning, "morning", runner.Morning)
	add(cfg.Schedule.Close, "close", runner.Close)

	c.Start()
	<-ctx.Done()
	cctx := c.Stop()
	<-cctx.Done()
	observ.Log("scheduler_stopped", nil)
}
