package decoder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// legacySessionCounter is a process-wide, process-scoped atomic counter
// used to build unique flat-log filenames, per spec.md §9's note that
// module-level counters become process-scoped atomic values.
var legacySessionCounter int64

// LegacyLogger is the pre-Merkle flat-file decoder/logger mode: every
// decoded event is appended to one file per connection. InitializeSession
// is a no-op in this mode (spec.md §4.5).
type LegacyLogger struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// legacyFilename builds <utc-iso>-<remote-ip:15>-<forwarded-ip:15>-<session-counter:010>-<pid>.
func legacyFilename(nowISO, remoteIP, forwardedIP string) string {
	counter := atomic.AddInt64(&legacySessionCounter, 1)
	return fmt.Sprintf("%s-%s-%s-%010d-%d",
		nowISO, padField(remoteIP, 15), padField(forwardedIP, 15), counter, os.Getpid())
}

func padField(s string, width int) string {
	for len(s) < width {
		s += "-"
	}
	return s
}

// NewLegacyLogger creates the per-connection flat log file under dir.
func NewLegacyLogger(dir, nowISO, remoteIP, forwardedIP string) (*LegacyLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("decoder: mkdir legacy log dir: %w", err)
	}
	name := legacyFilename(nowISO, remoteIP, forwardedIP)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("decoder: open legacy log: %w", err)
	}
	return &LegacyLogger{file: f}, nil
}

func (l *LegacyLogger) Decode(_ context.Context, raw []byte) (map[string]any, error) {
	var event map[string]any
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("decoder: decode message: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	w := bufio.NewWriter(l.file)
	if err := json.NewEncoder(w).Encode(event); err != nil {
		return event, fmt.Errorf("decoder: write legacy log line: %w", err)
	}
	if err := w.Flush(); err != nil {
		return event, fmt.Errorf("decoder: flush legacy log: %w", err)
	}
	return event, nil
}

// InitializeSession is a no-op in legacy mode.
func (l *LegacyLogger) InitializeSession(_ context.Context, _, _ string) error {
	return nil
}

func (l *LegacyLogger) Close(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
