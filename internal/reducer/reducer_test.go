package reducer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestDispatcher(t *testing.T, catalog *Catalog) *Dispatcher {
	t.Helper()
	dir := t.TempDir()
	return &Dispatcher{
		Catalog:     catalog,
		Adapter:     IdentityAdapter,
		TraceDir:    filepath.Join(dir, "traces"),
		StudyLogDir: filepath.Join(dir, "studylog"),
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
}

func TestDispatcherRunsMatchingReducer(t *testing.T) {
	var gotFields map[string]any
	catalog := NewCatalog()
	catalog.Register("org.ets.quiz", Entry{
		Name:  "score",
		Scope: []string{"score", "max_score"},
		Factory: func(metadata map[string]any) (Func, error) {
			return func(_ context.Context, _ map[string]any, fields map[string]any) (any, error) {
				gotFields = fields
				return nil, nil
			}, nil
		},
	})

	d := newTestDispatcher(t, catalog)
	handler, closeFn, err := d.Build(map[string]any{"source": "org.ets.quiz", "session_id": "s1"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer closeFn()

	err = handler(context.Background(), map[string]any{"event": "answer", "score": 1.0, "max_score": 2.0})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if gotFields["score"] != 1.0 || gotFields["max_score"] != 2.0 {
		t.Fatalf("reducer did not receive expected fields: %+v", gotFields)
	}
}

func TestDispatcherSkipsReducerWhenFieldsMissing(t *testing.T) {
	called := false
	catalog := NewCatalog()
	catalog.Register("org.ets.quiz", Entry{
		Name:  "score",
		Scope: []string{"score"},
		Factory: func(metadata map[string]any) (Func, error) {
			return func(_ context.Context, _ map[string]any, _ map[string]any) (any, error) {
				called = true
				return nil, nil
			}, nil
		},
	})

	d := newTestDispatcher(t, catalog)
	handler, closeFn, err := d.Build(map[string]any{"source": "org.ets.quiz", "session_id": "s2"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer closeFn()

	if err := handler(context.Background(), map[string]any{"event": "heartbeat"}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if called {
		t.Fatalf("reducer should not have been invoked without its scope fields present")
	}
}

func TestDispatcherIsolatesReducerError(t *testing.T) {
	catalog := NewCatalog()
	catalog.Register("org.ets.quiz", Entry{
		Name:  "broken",
		Scope: []string{"score"},
		Factory: func(metadata map[string]any) (Func, error) {
			return func(_ context.Context, _ map[string]any, _ map[string]any) (any, error) {
				panic("boom")
			}, nil
		},
	})

	d := newTestDispatcher(t, catalog)
	handler, closeFn, err := d.Build(map[string]any{"source": "org.ets.quiz", "session_id": "s3"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer closeFn()

	if err := handler(context.Background(), map[string]any{"event": "answer", "score": 1.0}); err != nil {
		t.Fatalf("handler should isolate the panic, not return it: %v", err)
	}

	entries, err := os.ReadDir(d.TraceDir)
	if err != nil {
		t.Fatalf("ReadDir trace dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one trace file, got %d", len(entries))
	}
}

func TestDispatcherUnknownSourceFallsBackToGenericEmptyCatalog(t *testing.T) {
	catalog := NewCatalog()
	d := newTestDispatcher(t, catalog)
	handler, closeFn, err := d.Build(map[string]any{"session_id": "s4"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer closeFn()

	if err := handler(context.Background(), map[string]any{"event": "whatever"}); err != nil {
		t.Fatalf("handler: %v", err)
	}
}
