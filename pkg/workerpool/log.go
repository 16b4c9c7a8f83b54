package workerpool

import (
	"log"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// PoolLogLevel controls how chatty the pool's structured log is.
type PoolLogLevel int

const (
	LogLevelNone PoolLogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

func (l PoolLogLevel) String() string {
	switch l {
	case LogLevelError:
		return "error"
	case LogLevelWarn:
		return "warn"
	case LogLevelInfo:
		return "info"
	case LogLevelDebug:
		return "debug"
	default:
		return "none"
	}
}

func parsePoolLogLevel(raw string) PoolLogLevel {
	value := strings.TrimSpace(strings.ToLower(raw))
	switch value {
	case "none", "off", "0":
		return LogLevelNone
	case "error", "err", "1":
		return LogLevelError
	case "warn", "warning", "2":
		return LogLevelWarn
	case "info", "3":
		return LogLevelInfo
	case "debug", "4":
		return LogLevelDebug
	default:
		return LogLevelWarn
	}
}

// logEvent writes one structured JSON line. Events above the configured
// level are dropped.
func (p *Pool) logEvent(level PoolLogLevel, event string, fields map[string]any) {
	if p == nil || level == LogLevelNone {
		return
	}
	if p.logLevel == LogLevelNone || level > p.logLevel {
		return
	}

	payload := map[string]any{
		"ts":        time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level.String(),
		"component": "worker_pool",
		"event":     event,
	}
	for k, v := range fields {
		payload[k] = v
	}
	b, err := json.Marshal(payload)
	if err != nil {
		log.Printf("worker pool: failed to marshal log event %s: %v", event, err)
		return
	}
	log.Printf("%s", b)
}
