package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/arglab/telemetry/internal/auth"
	"github.com/arglab/telemetry/internal/blacklist"
	"github.com/arglab/telemetry/internal/reducer"
)

type fakeDecoder struct {
	decoded []map[string]any
}

func (d *fakeDecoder) Decode(_ context.Context, raw []byte) (map[string]any, error) {
	var event map[string]any
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}
	d.decoded = append(d.decoded, event)
	return event, nil
}
func (d *fakeDecoder) InitializeSession(context.Context, string, string) error { return nil }
func (d *fakeDecoder) Close(context.Context) error                            { return nil }

type fixedResolver struct{ identity *auth.Identity }

func (r fixedResolver) Resolve(_ context.Context, event map[string]any) (*auth.Identity, error) {
	if event["event"] != "authenticate" {
		return nil, nil
	}
	return r.identity, nil
}

func frame(t *testing.T, event map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func newTestComposer(t *testing.T, resolver auth.Resolver) (*Composer, *ConnState) {
	t.Helper()
	eval, err := blacklist.New(blacklist.DefaultRules)
	if err != nil {
		t.Fatalf("blacklist.New: %v", err)
	}
	deps := Deps{
		AuthResolver:   resolver,
		Blacklist:      eval,
		ReducerCatalog: reducer.NewCatalog(),
		Logger:         slog.Default(),
		UpdateHandler:  func(context.Context, *ConnState, map[string]any) error { return nil },
	}
	composer, err := NewComposer(deps)
	if err != nil {
		t.Fatalf("NewComposer: %v", err)
	}
	conn := &ConnState{ConnID: "conn-1", Decoder: &fakeDecoder{}}
	return composer, conn
}

func TestLockFieldsMergeAppliesToSubsequentEvents(t *testing.T) {
	identity := &auth.Identity{UserID: "u1", SafeUserID: "safe-u1"}
	composer, conn := newTestComposer(t, fixedResolver{identity: identity})
	frames := make(chan []byte, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, control, err := composer.Run(ctx, conn, frames)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	go func() {
		for range control {
		}
	}()

	// lock_fields is consumed before auth and never itself reaches the
	// backlog; "x" is queued unauthenticated; authenticate resolves the
	// identity; the probe event triggers the backlog flush that surfaces
	// "x" with the lock-fields merge already applied.
	frames <- frame(t, map[string]any{"event": "lock_fields", "fields": map[string]any{"source": "S", "course": "C"}})
	frames <- frame(t, map[string]any{"event": "x"})
	frames <- frame(t, map[string]any{"event": "authenticate"})
	frames <- frame(t, map[string]any{"event": "probe"})
	close(frames)

	var got map[string]any
	for e := range events {
		if e.Event["event"] == "x" {
			got = e.Event
		}
	}

	if got == nil {
		t.Fatalf("expected the backlogged \"x\" event to survive")
	}
	if got["source"] != "S" || got["course"] != "C" {
		t.Fatalf("expected lock-fields merged into event, got %+v", got)
	}
}

func TestDuplicateEventIsDropped(t *testing.T) {
	identity := &auth.Identity{UserID: "u1", SafeUserID: "safe-u1"}
	composer, conn := newTestComposer(t, fixedResolver{identity: identity})
	frames := make(chan []byte, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, control, err := composer.Run(ctx, conn, frames)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	go func() {
		for range control {
		}
	}()

	same := map[string]any{"event": "answer", "score": 1.0}
	frames <- frame(t, map[string]any{"event": "authenticate"})
	frames <- frame(t, same)
	frames <- frame(t, same)
	close(frames)

	count := 0
	for range events {
		count++
	}
	if count != 1 {
		t.Fatalf("expected the duplicate event to be dropped, got %d surviving events", count)
	}
}

func TestAuthBacklogReplaysWithIdentityAttached(t *testing.T) {
	identity := &auth.Identity{UserID: "u1", SafeUserID: "safe-u1"}
	composer, conn := newTestComposer(t, fixedResolver{identity: identity})
	frames := make(chan []byte, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, control, err := composer.Run(ctx, conn, frames)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	frames <- frame(t, map[string]any{"event": "pre_auth_event", "n": 1.0})
	frames <- frame(t, map[string]any{"event": "authenticate"})
	frames <- frame(t, map[string]any{"event": "post_auth_event", "n": 2.0})
	close(frames)

	go func() {
		for range control {
		}
	}()

	var seen []map[string]any
	for e := range events {
		seen = append(seen, e.Event)
	}

	if len(seen) != 2 {
		t.Fatalf("expected the pre-auth event replayed plus the post-auth event, got %d: %+v", len(seen), seen)
	}
	for _, e := range seen {
		if e["auth"] == nil {
			t.Fatalf("expected every surviving event to carry auth, got %+v", e)
		}
	}
}

func TestBlacklistDenyEndsTheStream(t *testing.T) {
	identity := &auth.Identity{UserID: "u1", SafeUserID: "safe-u1", Email: "student@ncsu.edu"}
	composer, conn := newTestComposer(t, fixedResolver{identity: identity})
	frames := make(chan []byte, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, control, err := composer.Run(ctx, conn, frames)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	frames <- frame(t, map[string]any{"event": "authenticate"})
	frames <- frame(t, map[string]any{"event": "x"})
	close(frames)

	go func() {
		for range control {
		}
	}()

	var last Envelope
	for e := range events {
		last = e
	}
	if last.Outcome == nil {
		t.Fatalf("expected a blacklist Outcome to close the connection")
	}
}
