// Package reducer implements the reducer dispatcher (C7):
// handle_incoming_client_event's Go equivalent. It canonicalizes legacy
// event shapes, resolves the reducer catalog for a detected source, maps
// event fields to reducer inputs via named scope selectors, and runs each
// message through every applicable reducer with per-message failure
// isolation.
//
// Grounded on incoming_student_event.py's student_event_pipeline /
// handle_incoming_client_event.
package reducer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

// Func is a per-session reducer closure: given the fully composed event and
// the fields extracted per its Scope, it produces an analytics artifact (or
// an error, isolated per-message by the Dispatcher).
type Func func(ctx context.Context, composed map[string]any, fields map[string]any) (any, error)

// Factory builds a Func bound to one connection's metadata (student, tool,
// course, ...). Analogous to the Python catalog entry's async "reducer"
// factory.
type Factory func(metadata map[string]any) (Func, error)

// Entry is one reducer-catalog entry: a field-selector Scope plus the
// Factory that builds the per-session closure.
type Entry struct {
	Name    string
	Scope   []string
	Factory Factory
}

// Catalog maps a client source to its applicable reducer entries.
// Generation is bumped on every Register. Reads (Generation, EntriesFor)
// take the shared read lock; they are not lock-free.
type Catalog struct {
	mu         sync.RWMutex
	entries    map[string][]Entry
	generation uint64
}

// NewCatalog builds an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string][]Entry)}
}

// Register adds entries for a source and bumps the generation token.
func (c *Catalog) Register(source string, entries ...Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[source] = append(c.entries[source], entries...)
	c.generation++
}

// Generation returns the current generation token.
func (c *Catalog) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// EntriesFor returns the registered entries for source, defaulting to the
// empty catalog (no reducers) when the source is unrecognized — mirroring
// the Python original's fallback to an empty analytics-module list rather
// than failing the connection.
func (c *Catalog) EntriesFor(source string) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entry(nil), c.entries[source]...)
}

// Handler is the per-connection runner built by Dispatcher.Build: the
// pipeline's "reducers" stage calls it once per event.
type Handler func(ctx context.Context, event map[string]any) error

// Adapter canonicalizes a legacy or alternate client event shape into the
// {client, server, metadata} triple the rest of the dispatcher expects.
// The identity adapter is used when no legacy format needs translating.
type Adapter func(event map[string]any) map[string]any

func IdentityAdapter(event map[string]any) map[string]any { return event }

// DevMode controls whether reducer panics/errors re-raise (true) or are
// isolated to a trace file and swallowed (false, production default), per
// spec.md §7's ReducerError policy.
type Dispatcher struct {
	Catalog     *Catalog
	Adapter     Adapter
	TraceDir    string
	StudyLogDir string
	DevMode     bool
	Logger      *slog.Logger

	// ErrorCounter is an optional otel counter (observability.Counters,
	// "telemetry.reducer.errors") incremented once per isolated error.
	// Nil disables counting.
	ErrorCounter metric.Int64Counter
}

type boundReducer struct {
	entry   Entry
	partial Func
}

// Build canonicalizes legacy formats, resolves the catalog for
// metadata["source"], and constructs per-session reducer closures. It also
// opens a study log file that Close releases.
func (d *Dispatcher) Build(metadata map[string]any) (Handler, func() error, error) {
	source, _ := metadata["source"].(string)
	if source == "" {
		d.Logger.Warn("no source in metadata; falling back to the generic reducer catalog", "metadata", metadata)
		source = "org.ets.generic"
	}

	entries := d.Catalog.EntriesFor(source)
	bound := make([]boundReducer, 0, len(entries))
	for _, e := range entries {
		partial, err := e.Factory(metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("reducer: build factory %q: %w", e.Name, err)
		}
		bound = append(bound, boundReducer{entry: e, partial: partial})
	}

	studyLog, closeStudyLog, err := d.openStudyLog(metadata)
	if err != nil {
		return nil, nil, err
	}

	handler := func(ctx context.Context, rawEvent map[string]any) error {
		adapted := d.Adapter(rawEvent)
		composed := map[string]any{
			"client":   adapted,
			"server":   serverBlock(),
			"metadata": metadata,
		}

		writeStudyLogLine(studyLog, composed)

		if adapted["event"] == "terminate" {
			return closeStudyLog()
		}

		client, _ := adapted["client"].(map[string]any)
		if client == nil {
			client = adapted
		}

		for _, r := range bound {
			fields, ok := extractFields(client, r.entry.Scope)
			if !ok {
				continue
			}
			var escaped any
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						d.isolate(ctx, composed, fmt.Errorf("panic: %v\n%s", rec, debug.Stack()))
						if d.DevMode {
							escaped = rec
						}
					}
				}()
				if _, err := r.partial(ctx, composed, fields); err != nil {
					d.isolate(ctx, composed, err)
					if d.DevMode {
						escaped = err
					}
				}
			}()
			if escaped != nil {
				panic(escaped)
			}
		}

		return nil
	}

	return handler, closeStudyLog, nil
}

func extractFields(client map[string]any, scope []string) (map[string]any, bool) {
	fields := make(map[string]any, len(scope))
	for _, name := range scope {
		v, ok := client[name]
		if !ok {
			return nil, false
		}
		fields[name] = v
	}
	return fields, true
}

// isolate writes a critical-error-<ts>-<uuid>.tb trace file containing the
// pretty-printed event followed by the error, per spec.md §4.7 step 5.
func (d *Dispatcher) isolate(ctx context.Context, composed map[string]any, cause error) {
	d.Logger.Error("reducer error isolated to trace file", "error", cause)
	if d.ErrorCounter != nil {
		d.ErrorCounter.Add(ctx, 1)
	}

	pretty, _ := json.MarshalIndent(composed, "", "  ")
	name := fmt.Sprintf("critical-error-%s-%s.tb", nowTraceTimestamp(), uuid.NewString())
	path := filepath.Join(d.TraceDir, name)

	var buf bytes.Buffer
	buf.Write(pretty)
	buf.WriteString("\n\n")
	buf.WriteString(cause.Error())

	if err := os.MkdirAll(d.TraceDir, 0o755); err != nil {
		d.Logger.Error("cannot create trace dir", "error", err)
		return
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		d.Logger.Error("cannot write trace file", "error", err)
	}
}
