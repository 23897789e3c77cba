package core

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TraceRecorder writes full failure traces to disk while keeping the
// console output to a single pointer line. Each recorded failure lands in
// its own file named after the cache and the moment of capture.
type TraceRecorder struct {
	dir string

	mu  sync.Mutex
	seq int
}

// NewTraceRecorder creates a recorder writing under dir. The directory is
// created on first use.
func NewTraceRecorder(dir string) *TraceRecorder {
	return &TraceRecorder{dir: dir}
}

// Record writes the error, its context message and the current goroutine
// stacks to a trace file and emits a one-line console pointer. Failures to
// write the trace fall back to logging the full error on the console.
func (r *TraceRecorder) Record(cacheName, msg string, cause error) {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		Error("failed to create trace directory",
			zap.String("cache", cacheName),
			zap.String("dir", r.dir),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}

	name := fmt.Sprintf("%s-%s-%03d.trace",
		sanitizeName(cacheName), time.Now().UTC().Format("20060102T150405"), seq)
	path := filepath.Join(r.dir, name)

	buf := make([]byte, 1<<20)
	buf = buf[:runtime.Stack(buf, true)]

	body := fmt.Sprintf("cache: %s\ntime: %s\nmessage: %s\nerror: %v\n\n%s",
		cacheName, time.Now().UTC().Format(time.RFC3339Nano), msg, cause, buf)

	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		Error("failed to write trace file",
			zap.String("cache", cacheName),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}

	Warn(msg,
		zap.String("cache", cacheName),
		zap.NamedError("cause", cause),
		zap.String("trace", path))
}

func sanitizeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
