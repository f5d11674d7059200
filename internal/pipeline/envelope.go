// Package pipeline implements the per-connection event pipeline (C6) and
// its dedup stage (C9): the fork-join chain of goroutine stages that turns
// raw client frames into reducer invocations and Merkle log entries.
//
// Grounded on incoming_student_event.py's process_ws_message_through_pipeline
// for stage order and semantics, and on the teacher's
// internal/server/websocket/handler.go for the goroutine read/write-pump
// shape translated into a channel-per-stage graph (spec.md §9's fork-join
// design note).
package pipeline

import (
	"context"
	"log/slog"

	"github.com/arglab/telemetry/internal/auth"
	"github.com/arglab/telemetry/internal/decoder"
	"github.com/arglab/telemetry/internal/reducer"
)

// ConnState is the mutable, single-writer state threaded through one
// connection's stage chain. Every stage receives the same *ConnState and
// may mutate it before passing the Envelope downstream; because stages run
// strictly in series for a given envelope (fan-out only decouples speed
// between stages, not ordering), no locking is required.
type ConnState struct {
	ConnID       string
	LockedFields map[string]any
	Identity     *auth.Identity
	Handler      reducer.Handler
	CloseHandler func() error
	Metadata     map[string]any
	Decoder      decoder.Logger
	SessionKey   string
}

// Envelope is the tagged event unit passed between stages (spec.md §9's
// dynamic-typing note: Go needs an explicit sum type where the original
// relied on duck typing). Drop set to true means an earlier stage
// short-circuited the event (lock_fields consumed, deduplicated, blob verb,
// or a parse failure); Reason records why. A blacklist deny sets Outcome,
// not Drop.
type Envelope struct {
	Conn   *ConnState
	Raw    []byte
	Event  map[string]any
	Drop   bool
	Reason string

	// AuthConsumed marks an event that triggered identity resolution itself
	// (spec.md §4.6 step 5): it is queued to the backlog but must not be
	// replayed a second time once the backlog flushes.
	AuthConsumed bool

	// Outcome is set once a stage determines the connection must close
	// (terminate event, blacklist deny). A nil Outcome means "keep going."
	Outcome *Outcome
}

// Outcome instructs the transport layer to end the connection, optionally
// after writing a control response (used by the blacklist stage's
// deny/deny_for_two_days actions, spec.md §4.8).
type Outcome struct {
	StatusCode int
	Message    string
}

// Stage transforms a stream of envelopes. Each Stage owns its own goroutine
// once started by Composer.Run; a Stage must close out when in closes.
type Stage func(ctx context.Context, logger *slog.Logger, in <-chan Envelope, out chan<- Envelope)

func drop(e Envelope, reason string) Envelope {
	e.Drop = true
	e.Reason = reason
	return e
}
