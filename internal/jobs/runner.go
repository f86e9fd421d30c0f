// Package jobs sequences the three scheduled pipeline jobs and owns the
// execution-log state machine. A job either fully applies its results
// or marks the run FAILED; nothing is ever half-written.
package jobs

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantops/nightshift/internal/calendar"
	"github.com/quantops/nightshift/internal/config"
	"github.com/quantops/nightshift/internal/observ"
	"github.com/quantops/nightshift/internal/storage"
)

// Job kinds as recorded in execution_log.
const (
	JobNight   = "NIGHT"
	JobMorning = "MORNING"
	JobClose   = "CLOSE"
)

// Orchestrator phases published through system_state.
const (
	PhaseIdle    = "IDLE"
	PhaseNight   = "NIGHT_JOB"
	PhaseMorning = "MORNING_JOB"
	PhaseClose   = "CLOSE_JOB"
)

// Machine-readable failure reasons surfaced to callers and exit codes.
const (
	ReasonNotTradeDay    = calendar.ReasonNotTradeDay
	ReasonBadTradeDate   = "BAD_TRADE_DATE"
	ReasonReconcileBlock = "RECONCILE_STATUS_BLOCK"
	ReasonKillSwitch     = "KILL_SWITCH"
	ReasonFatFinger      = "FAT_FINGER"
	ReasonNoBars         = "NO_BARS"
	ReasonNoPicks        = "NO_PICKS"
	ReasonNoAssetData    = "NO_ASSET_DATA"
	ReasonNoOrders       = "NO_ORDERS"
	ReasonAssetDeviation = "ASSET_DEVIATION"
	ReasonStorage        = "STORAGE_ERROR"
)

// Result is the one structured object every invocation produces,
// success or not. The CLI renders it and maps OK to the exit code.
type Result struct {
	OK         bool   `json:"ok"`
	Job        string `json:"job"`
	RunID      string `json:"run_id"`
	TradeDate  string `json:"trade_date"`
	Reason     string `json:"reason,omitempty"`
	Detail     string `json:"detail,omitempty"`
	ConfigHash string `json:"config_hash"`
	Degraded   bool   `json:"degraded,omitempty"`
	OrdersPath string `json:"orders_path,omitempty"`
	Orders     int    `json:"orders,omitempty"`
}

// Runner wires the jobs to their collaborators.
type Runner struct {
	Cfg      config.Root
	DB       *storage.DB
	Cal      *calendar.Calendar
	CodeHash string

	now func() time.Time
}

func NewRunner(cfg config.Root, db *storage.DB, cal *calendar.Calendar, codeHash string) *Runner {
	return &Runner{Cfg: cfg, DB: db, Cal: cal, CodeHash: codeHash, now: time.Now}
}

// makeRunID yields e.g. NIGHT_20260901_230001_1a2b3c4d: sortable by
// start time, unique per invocation.
func (r *Runner) makeRunID(job string) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return job + "_" + r.now().UTC().Format("20060102_150405") + "_" + short
}

// fail closes the execution log row and system state, then builds the
// failing Result. Storage errors on the way out are logged, not raised:
// the original failure is the one the caller needs.
func (r *Runner) fail(res Result, errCode, detail string) Result {
	res.OK = false
	res.Reason = errCode
	res.Detail = detail
	if err := r.DB.FinishRun(res.RunID, res.TradeDate, storage.StatusFailed, errCode, detail); err != nil {
		observ.Error("execution_log_update_failed", err, map[string]any{"run_id": res.RunID})
	}
	r.setState("phase", PhaseIdle)
	r.setState("last_error", errCode+": "+detail)
	observ.Warn("job_failed", map[string]any{
		"job": res.Job, "run_id": res.RunID, "reason": errCode, "detail": detail,
	})
	return res
}

func (r *Runner) finishOK(res Result, lastOKKey string) Result {
	res.OK = true
	if err := r.DB.FinishRun(res.RunID, res.TradeDate, storage.StatusOK, "", ""); err != nil {
		observ.Error("execution_log_update_failed", err, map[string]any{"run_id": res.RunID})
	}
	r.setState("phase", PhaseIdle)
	r.setState(lastOKKey, r.now().UTC().Format(time.RFC3339))
	observ.Log("job_ok", map[string]any{
		"job": res.Job, "run_id": res.RunID, "trade_date": res.TradeDate,
	})
	return res
}

func (r *Runner) setState(k, v string) {
	if err := r.DB.SetState(k, v); err != nil {
		observ.Error("system_state_write_failed", err, map[string]any{"key": k})
	}
}

func (r *Runner) today() string {
	return r.now().Format("2006-01-02")
}
