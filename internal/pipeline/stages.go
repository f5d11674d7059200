package pipeline

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/arglab/telemetry/internal/auth"
	"github.com/arglab/telemetry/internal/blacklist"
	"github.com/arglab/telemetry/internal/reducer"
)

// incr calls Add(ctx, 1) on counter if it is non-nil, so stages stay usable
// in tests that build Deps without an observability.Providers.
func incr(ctx context.Context, counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(ctx, 1)
	}
}

// BlobService is the external blob store's interface at the pipeline
// boundary (spec.md §5 lists blob storage as an out-of-scope external
// collaborator; the pipeline only needs its contract).
type BlobService interface {
	Save(ctx context.Context, owner, source, activity string, blob any) error
	Fetch(ctx context.Context, safeUserID, legacyUserID, source, activity string) (any, error)
}

// Outbound is how stages talk back to the transport layer without
// depending on it: a channel of control frames the transport serializes
// and writes to the websocket.
type Outbound chan<- map[string]any

// DecodeAndLogStage wraps decoder.Logger.Decode as a pipeline stage.
// Decode errors drop the event (and are logged) rather than ending the
// connection — a single malformed frame must not kill the session.
func DecodeAndLogStage(ctx context.Context, logger *slog.Logger, in <-chan Envelope, out chan<- Envelope) {
	defer close(out)
	for e := range in {
		event, err := e.Conn.Decoder.Decode(ctx, e.Raw)
		if err != nil {
			logger.Warn("decode_and_log: dropping unparseable frame", "conn", e.Conn.ConnID, "error", err)
			out <- drop(e, "decode_error")
			continue
		}
		e.Event = event
		out <- e
	}
}

// LockFieldsStage implements spec.md §4.6 step 3.
func LockFieldsStage(ctx context.Context, logger *slog.Logger, in <-chan Envelope, out chan<- Envelope) {
	defer close(out)
	for e := range in {
		if e.Drop {
			out <- e
			continue
		}
		event := e.Event
		if event["event"] == "lock_fields" {
			fields, _ := event["fields"].(map[string]any)
			currentSource, locked := e.Conn.LockedFields["source"]
			newSource, hasNewSource := fields["source"]
			if !locked || !hasNewSource || currentSource == newSource {
				if e.Conn.LockedFields == nil {
					e.Conn.LockedFields = map[string]any{}
				}
				for k, v := range fields {
					e.Conn.LockedFields[k] = v
				}
			}
			out <- drop(e, "lock_fields_consumed")
			continue
		}
		for k, v := range e.Conn.LockedFields {
			if _, exists := event[k]; !exists {
				event[k] = v
			}
		}
		out <- e
	}
}

// TerminateStage implements spec.md §4.6 step 4: on a terminate event, it
// closes the reducer handler and decoder, then sets Outcome to signal the
// transport to end the connection.
func TerminateStage(ctx context.Context, logger *slog.Logger, in <-chan Envelope, out chan<- Envelope) {
	defer close(out)
	for e := range in {
		if e.Drop {
			out <- e
			continue
		}
		if e.Event["event"] != "terminate" {
			out <- e
			continue
		}
		if e.Conn.CloseHandler != nil {
			if err := e.Conn.CloseHandler(); err != nil {
				logger.Warn("terminate: reducer close failed", "conn", e.Conn.ConnID, "error", err)
			}
		}
		if err := e.Conn.Decoder.Close(ctx); err != nil {
			logger.Warn("terminate: decoder close failed", "conn", e.Conn.ConnID, "error", err)
		}
		e.Outcome = &Outcome{StatusCode: 200, Message: "terminated"}
		out <- e
		return
	}
}

// AuthStage implements spec.md §4.6 step 5, including the backlog replay.
// It owns the backlog across calls for one connection, so it is built as a
// stateful closure rather than a free function like the stages above.
func AuthStage(resolver auth.Resolver, outbound Outbound, onAuthenticated func(conn *ConnState, event map[string]any)) Stage {
	backlogs := map[string][]Envelope{}

	return func(ctx context.Context, logger *slog.Logger, in <-chan Envelope, out chan<- Envelope) {
		defer close(out)
		for e := range in {
			if e.Drop {
				out <- e
				continue
			}
			if _, injected := e.Event["auth"]; injected {
				logger.Warn("auth: client-injected auth field stripped", "conn", e.Conn.ConnID)
				delete(e.Event, "auth")
			}

			if e.Conn.Identity != nil {
				flushBacklog(backlogs, e.Conn.ConnID, out)
				e.Event["auth"] = e.Conn.Identity.AsMap()
				out <- e
				continue
			}

			identity, err := resolver.Resolve(ctx, e.Event)
			if err != nil {
				logger.Warn("auth: resolver error", "conn", e.Conn.ConnID, "error", err)
			}
			if identity != nil {
				e.Conn.Identity = identity
				if outbound != nil {
					outbound <- map[string]any{"status": "auth", "user_id": identity.UserID}
				}
				if onAuthenticated != nil {
					onAuthenticated(e.Conn, e.Event)
				}
				e.AuthConsumed = true
				backlogs[e.Conn.ConnID] = append(backlogs[e.Conn.ConnID], e)
				continue
			}

			backlogs[e.Conn.ConnID] = append(backlogs[e.Conn.ConnID], e)
		}
	}
}

func flushBacklog(backlogs map[string][]Envelope, connID string, out chan<- Envelope) {
	queued := backlogs[connID]
	delete(backlogs, connID)
	for _, item := range queued {
		if item.AuthConsumed {
			continue
		}
		item.Event["auth"] = item.Conn.Identity.AsMap()
		out <- item
	}
}

// DedupStage implements SPEC_FULL.md §4.6 step 6 / §4.9. dropCounter may be
// nil (tests, or observability disabled).
func DedupStage(filter *DedupFilter, dropCounter metric.Int64Counter) Stage {
	return func(ctx context.Context, logger *slog.Logger, in <-chan Envelope, out chan<- Envelope) {
		defer close(out)
		for e := range in {
			if e.Drop {
				out <- e
				continue
			}
			seen, err := filter.Seen(e.Event)
			if err != nil {
				logger.Warn("dedup: hash failed, letting event through", "conn", e.Conn.ConnID, "error", err)
				out <- e
				continue
			}
			if seen {
				incr(ctx, dropCounter)
				out <- drop(e, "duplicate")
				continue
			}
			out <- e
		}
	}
}

// BlacklistStage implements spec.md §4.6 step 6 (now step 7). denyCounter
// may be nil (tests, or observability disabled).
func BlacklistStage(eval *blacklist.Evaluator, denyCounter metric.Int64Counter) Stage {
	return func(ctx context.Context, logger *slog.Logger, in <-chan Envelope, out chan<- Envelope) {
		defer close(out)
		for e := range in {
			if e.Drop {
				out <- e
				continue
			}
			identity := map[string]any{}
			if e.Conn.Identity != nil {
				identity = e.Conn.Identity.AsMap()
			}
			action, resp := eval.Evaluate(identity)
			if action == blacklist.Allow {
				out <- e
				continue
			}
			incr(ctx, denyCounter)
			e.Outcome = &Outcome{StatusCode: resp.StatusCode, Message: resp.Message}
			out <- e
			return
		}
	}
}

// BlobStage implements spec.md §4.6 step 7 (now step 8).
func BlobStage(blobs BlobService, outbound Outbound) Stage {
	return func(ctx context.Context, logger *slog.Logger, in <-chan Envelope, out chan<- Envelope) {
		defer close(out)
		for e := range in {
			if e.Drop {
				out <- e
				continue
			}
			verb, _ := e.Event["event"].(string)
			if verb != "save_blob" && verb != "fetch_blob" {
				out <- e
				continue
			}

			source, _ := e.Event["source"].(string)
			activity, _ := e.Event["activity"].(string)

			if verb == "save_blob" {
				if blobs != nil {
					if err := blobs.Save(ctx, ownerOf(e.Conn), source, activity, e.Event["blob"]); err != nil {
						logger.Warn("blob: save failed", "conn", e.Conn.ConnID, "error", err)
					}
				}
				out <- drop(e, "blob_verb")
				continue
			}

			var data any
			if blobs != nil {
				safe, legacy := "", ""
				if e.Conn.Identity != nil {
					safe, legacy = e.Conn.Identity.SafeUserID, e.Conn.Identity.UserID
				}
				var err error
				data, err = blobs.Fetch(ctx, safe, legacy, source, activity)
				if err != nil {
					logger.Warn("blob: fetch failed", "conn", e.Conn.ConnID, "error", err)
				}
			}
			if outbound != nil {
				outbound <- map[string]any{"status": "fetch_blob", "data": data}
			}
			out <- drop(e, "blob_verb")
		}
	}
}

func ownerOf(conn *ConnState) string {
	if conn.Identity != nil {
		return conn.Identity.SafeUserID
	}
	return "anonymous"
}

// ReducerRefreshStage implements spec.md §4.6 step 8 (now step 9): rebuilds
// the reducer handler when the catalog generation has advanced.
func ReducerRefreshStage(catalog *reducer.Catalog, updateHandler func(ctx context.Context, conn *ConnState, seed map[string]any) error) Stage {
	generations := map[string]uint64{}
	return func(ctx context.Context, logger *slog.Logger, in <-chan Envelope, out chan<- Envelope) {
		defer close(out)
		for e := range in {
			if e.Drop {
				out <- e
				continue
			}
			current := catalog.Generation()
			if generations[e.Conn.ConnID] != current {
				if err := updateHandler(ctx, e.Conn, e.Event); err != nil {
					logger.Error("reducer-refresh: rebuild failed", "conn", e.Conn.ConnID, "error", err)
				} else {
					generations[e.Conn.ConnID] = current
				}
			}
			out <- e
		}
	}
}

// ReducersStage implements spec.md §4.6 step 9 (now step 10).
func ReducersStage(ctx context.Context, logger *slog.Logger, in <-chan Envelope, out chan<- Envelope) {
	defer close(out)
	for e := range in {
		if e.Drop {
			out <- e
			continue
		}
		if e.Conn.Handler != nil {
			if err := e.Conn.Handler(ctx, e.Event); err != nil {
				logger.Error("reducers: handler error escaped isolation", "conn", e.Conn.ConnID, "error", err)
			}
		}
		out <- e
	}
}
