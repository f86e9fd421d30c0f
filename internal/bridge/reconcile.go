package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/quantops/nightshift/internal/universe"
)

// ReconcileStatus is written by the close job and read by the morning
// gate. The morning job blocks when it is absent, unreadable, for the
// wrong date, or not OK.
type ReconcileStatus struct {
	TradeDate string `json:"trade_date"`
	OK        bool   `json:"ok"`
	Reason    string `json:"reason"`
	RunID     string `json:"run_id"`
	TS        string `json:"ts"`
}

// WriteReconcileStatus atomically publishes the status object.
func WriteReconcileStatus(path string, st ReconcileStatus) error {
	if st.TS == "" {
		st.TS = time.Now().Format(time.RFC3339)
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode reconcile status: %w", err)
	}
	return atomicWrite(path, b)
}

// CheckReconcileStatus validates the status file against a target date.
// Any defect returns ok=false with a human-readable reason; callers map
// that to the RECONCILE_STATUS_BLOCK job reason.
func CheckReconcileStatus(path, tradeDate string) (bool, string, ReconcileStatus) {
	var st ReconcileStatus

	b, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Sprintf("reconcile status missing at %s", path), st
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return false, fmt.Sprintf("reconcile status unreadable at %s: %v", path, err), st
	}

	want := universe.NormalizeDate(tradeDate)
	got := universe.NormalizeDate(st.TradeDate)
	if got == "" {
		return false, "reconcile status missing trade_date", st
	}
	if want != "" && got != want {
		return false, fmt.Sprintf("trade_date mismatch: expected %s, got %s", want, st.TradeDate), st
	}
	if !st.OK {
		reason := st.Reason
		if reason == "" {
			reason = "reconcile status ok=false"
		}
		return false, reason, st
	}
	return true, st.Reason, st
}
