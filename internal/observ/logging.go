package observ

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// Log emits one structured event line. Every job stage, gate decision and
// degraded-mode fallback goes through here so runs can be replayed from logs.
func Log(event string, kv map[string]any) {
	e := logger.Info()
	for k, v := range kv {
		e = e.Interface(k, v)
	}
	e.Str("event", event).Send()
}

// Warn is Log at warning level, used for gate blocks and degraded oracle output.
func Warn(event string, kv map[string]any) {
	e := logger.Warn()
	for k, v := range kv {
		e = e.Interface(k, v)
	}
	e.Str("event", event).Send()
}

// Error logs a failure that is fatal to the current job.
func Error(event string, err error, kv map[string]any) {
	e := logger.Error().Err(err)
	for k, v := range kv {
		e = e.Interface(k, v)
	}
	e.Str("event", event).Send()
}
