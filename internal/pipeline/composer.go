package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/arglab/telemetry/internal/auth"
	"github.com/arglab/telemetry/internal/blacklist"
	"github.com/arglab/telemetry/internal/reducer"
)

// Deps is every external collaborator the pipeline's stages need, per
// spec.md §5's list of out-of-scope external collaborators plus the
// process-wide shared resources of §4.6 (reducer catalog, blacklist rules).
type Deps struct {
	AuthResolver   auth.Resolver
	Blacklist      *blacklist.Evaluator
	Blobs          BlobService
	ReducerCatalog *reducer.Catalog
	DedupCapacity  int
	Logger         *slog.Logger

	// DedupDrops and BlacklistDenies are optional otel counters
	// (observability.Counters); nil disables counting, used by tests that
	// build Deps without an observability.Providers.
	DedupDrops      metric.Int64Counter
	BlacklistDenies metric.Int64Counter

	// UpdateHandler implements update_event_handler (spec.md §4.6's closing
	// paragraph): build metadata from the lock map or seed event, attach
	// identity, instantiate the per-user reducer-runner, and initialize the
	// decoder's Merkle session.
	UpdateHandler func(ctx context.Context, conn *ConnState, seed map[string]any) error
}

// Composer wires the ten pipeline stages (spec.md §4.6 + SPEC_FULL.md
// §4.6's dedup insertion) into one channel-per-stage graph per connection.
type Composer struct {
	deps Deps
}

// NewComposer validates deps and returns a ready Composer.
func NewComposer(deps Deps) (*Composer, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Composer{deps: deps}, nil
}

// Run drives one connection's frames through the full stage graph. It
// returns two channels: events carries envelopes that survived to the end
// (reached the reducers stage, or carry a non-nil Outcome the transport
// must act on); control carries outbound control frames the auth and blob
// stages emit ({status:"auth",...}, {status:"fetch_blob",...}) for the
// transport to serialize onto the websocket. Dropped envelopes (lock_fields
// consumption, dedup hits, blob verbs, decode errors) never appear on
// events; of these, only decode errors are logged.
func (c *Composer) Run(ctx context.Context, conn *ConnState, frames <-chan []byte) (events <-chan Envelope, control <-chan map[string]any, err error) {
	dedup, err := NewDedupFilter(c.deps.DedupCapacity)
	if err != nil {
		return nil, nil, err
	}

	raw := make(chan Envelope)
	go func() {
		defer close(raw)
		for frame := range frames {
			select {
			case raw <- Envelope{Conn: conn, Raw: frame}:
			case <-ctx.Done():
				return
			}
		}
	}()

	controlChan := make(chan map[string]any, 8)
	var controlWriters sync.WaitGroup
	controlWriters.Add(2)

	stages := []Stage{
		DecodeAndLogStage,
		LockFieldsStage,
		TerminateStage,
		wrapDone(AuthStage(c.deps.AuthResolver, controlChan, func(conn *ConnState, event map[string]any) {
			if c.deps.UpdateHandler == nil {
				return
			}
			if err := c.deps.UpdateHandler(ctx, conn, event); err != nil {
				c.deps.Logger.Error("auth: update_event_handler failed", "conn", conn.ConnID, "error", err)
			}
		}), &controlWriters),
		DedupStage(dedup, c.deps.DedupDrops),
		BlacklistStage(c.deps.Blacklist, c.deps.BlacklistDenies),
		wrapDone(BlobStage(c.deps.Blobs, controlChan), &controlWriters),
		ReducerRefreshStage(c.deps.ReducerCatalog, c.deps.UpdateHandler),
		ReducersStage,
	}

	current := (<-chan Envelope)(raw)
	for _, stage := range stages {
		next := make(chan Envelope)
		go stage(ctx, c.deps.Logger, current, next)
		current = next
	}

	go func() {
		controlWriters.Wait()
		close(controlChan)
	}()

	final := make(chan Envelope)
	go func() {
		defer close(final)
		for e := range current {
			if e.Drop && e.Outcome == nil {
				continue
			}
			final <- e
		}
	}()

	return final, controlChan, nil
}

// wrapDone marks wg done once stage's output channel closes, so Run knows
// when it is safe to close the shared control-frame channel.
func wrapDone(stage Stage, wg *sync.WaitGroup) Stage {
	return func(ctx context.Context, logger *slog.Logger, in <-chan Envelope, out chan<- Envelope) {
		defer wg.Done()
		stage(ctx, logger, in, out)
	}
}
