package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// HeartbeatFileName is rewritten by the terminal on every tick.
const HeartbeatFileName = "terminal_heartbeat.json"

// Heartbeat is the terminal's liveness signal.
type Heartbeat struct {
	TS    string  `json:"ts"`
	Epoch float64 `json:"epoch"`
	Msg   string  `json:"msg"`
}

// ReadHeartbeat loads the terminal heartbeat from the inbox directory.
func ReadHeartbeat(inboxDir string) (Heartbeat, error) {
	var hb Heartbeat
	b, err := os.ReadFile(filepath.Join(inboxDir, HeartbeatFileName))
	if err != nil {
		return hb, fmt.Errorf("read heartbeat: %w", err)
	}
	if err := json.Unmarshal(b, &hb); err != nil {
		return hb, fmt.Errorf("decode heartbeat: %w", err)
	}
	return hb, nil
}

// HeartbeatStale reports terminal-down: heartbeat missing, unreadable,
// or older than the staleness interval.
func HeartbeatStale(inboxDir string, staleAfter time.Duration, now time.Time) bool {
	hb, err := ReadHeartbeat(inboxDir)
	if err != nil {
		return true
	}
	tick := time.Unix(int64(hb.Epoch), 0)
	if hb.Epoch == 0 {
		return true
	}
	return now.Sub(tick) > staleAfter
}
