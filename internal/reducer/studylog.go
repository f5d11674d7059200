package reducer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// studyLog is a single append-only JSONL file, one line per event the
// dispatcher sees for a connection — the raw research record underneath
// the reducers, independent of whether any reducer matched.
type studyLog struct {
	mu   sync.Mutex
	file *os.File
}

// studyLogCounter is a process-wide, process-scoped atomic counter used to
// build unique study log filenames, mirroring decoder's legacySessionCounter.
var studyLogCounter int64

// studyLogFilename builds <utc-iso>-<counter:010>-<safe_user_id or "GUEST">-<pid>.study,
// per spec.md §6.
func studyLogFilename(metadata map[string]any) string {
	counter := atomic.AddInt64(&studyLogCounter, 1)
	return fmt.Sprintf("%s-%010d-%s-%d.study",
		time.Now().UTC().Format("20060102T150405.000000"), counter, safeUserID(metadata), os.Getpid())
}

// safeUserID reads metadata["auth"]["safe_user_id"], falling back to
// "GUEST" when the connection never authenticated.
func safeUserID(metadata map[string]any) string {
	auth, _ := metadata["auth"].(map[string]any)
	if auth == nil {
		return "GUEST"
	}
	id, _ := auth["safe_user_id"].(string)
	if id == "" {
		return "GUEST"
	}
	return id
}

func (d *Dispatcher) openStudyLog(metadata map[string]any) (*studyLog, func() error, error) {
	if d.StudyLogDir == "" {
		return nil, func() error { return nil }, nil
	}
	if err := os.MkdirAll(d.StudyLogDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("reducer: create study log dir: %w", err)
	}

	name := studyLogFilename(metadata)
	f, err := os.OpenFile(filepath.Join(d.StudyLogDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("reducer: open study log: %w", err)
	}

	sl := &studyLog{file: f}
	return sl, sl.close, nil
}

func (sl *studyLog) close() error {
	if sl == nil || sl.file == nil {
		return nil
	}
	return sl.file.Close()
}

func writeStudyLogLine(sl *studyLog, composed map[string]any) {
	if sl == nil || sl.file == nil {
		return
	}
	line, err := json.Marshal(composed)
	if err != nil {
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.file.Write(line)
	sl.file.Write([]byte("\n"))
}

func serverBlock() map[string]any {
	return map[string]any{"received_at": nowTraceTimestamp()}
}

func nowTraceTimestamp() string {
	return time.Now().UTC().Format("20060102T150405.000000Z")
}
