// Package obs carries the process-wide observability hooks shared by the
// pool and the proxy daemon: JSON line logging and Prometheus collectors.
package obs

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	mu           sync.Mutex
	out          io.Writer = os.Stdout
	debugEnabled bool
)

func init() {
	// DEBUG=1 turns on debug logs without touching flags, the same switch
	// style as the TRACE env var used by the pool's state tracing.
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG")))
	debugEnabled = v == "1" || v == "true" || v == "yes" || v == "y"
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	debugEnabled = v
	mu.Unlock()
}

// SetOutput redirects log output; tests use it to capture lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

type Fields map[string]any

func logWith(level, msg string, f Fields) {
	if f == nil {
		f = Fields{}
	}
	f["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	f["level"] = level
	f["msg"] = msg
	b, err := json.Marshal(f)
	if err != nil {
		b = []byte(`{"level":"error","msg":"log marshal failure"}`)
	}
	mu.Lock()
	defer mu.Unlock()
	_, _ = out.Write(append(b, '\n'))
}

func Info(msg string, f Fields)  { logWith("info", msg, f) }
func Error(msg string, f Fields) { logWith("error", msg, f) }

func Debug(msg string, f Fields) {
	mu.Lock()
	on := debugEnabled
	mu.Unlock()
	if on {
		logWith("debug", msg, f)
	}
}
