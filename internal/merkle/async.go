package merkle

import (
	"context"

	"github.com/arglab/telemetry/internal/streamstore"
)

// job is one offloaded Engine call.
type job func()

// Async wraps an Engine and dispatches every call onto a fixed worker pool
// so pipeline goroutines never block on storage I/O, per spec.md §4.4. This
// is the Go equivalent of the Python original's AsyncMerkle, which
// delegates every method to loop.run_in_executor; Go has no event loop to
// protect, so the pool exists purely to bound concurrent storage access and
// to give callers a future-style result instead of inline blocking.
type Async struct {
	engine *Engine
	jobs   chan job
	done   chan struct{}
}

// NewAsync starts a worker pool of the given size wrapping engine. workers
// must be >= 1.
func NewAsync(engine *Engine, workers int) *Async {
	if workers < 1 {
		workers = 1
	}
	a := &Async{
		engine: engine,
		jobs:   make(chan job),
		done:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go a.worker()
	}
	return a
}

func (a *Async) worker() {
	for {
		select {
		case j, ok := <-a.jobs:
			if !ok {
				return
			}
			j()
		case <-a.done:
			return
		}
	}
}

// Close stops the worker pool. Pending submitted jobs already taken by a
// worker still run to completion.
func (a *Async) Close() {
	close(a.done)
}

// itemResult carries back an (item, error) pair from a worker goroutine;
// stringResult below does the same for (string, error).
type itemResult struct {
	item streamstore.Item
	err  error
}

func (a *Async) submitItem(fn func() (streamstore.Item, error)) <-chan itemResult {
	out := make(chan itemResult, 1)
	a.jobs <- func() {
		item, err := fn()
		out <- itemResult{item: item, err: err}
	}
	return out
}

type stringResult struct {
	value string
	err   error
}

func (a *Async) submitString(fn func() (string, error)) <-chan stringResult {
	out := make(chan stringResult, 1)
	a.jobs <- func() {
		v, err := fn()
		out <- stringResult{value: v, err: err}
	}
	return out
}

// Start offloads Engine.Start.
func (a *Async) Start(ctx context.Context, descriptor Descriptor, metadata map[string]any, continuationHash string) (streamstore.Item, error) {
	res := <-a.submitItem(func() (streamstore.Item, error) {
		return a.engine.Start(ctx, descriptor, metadata, continuationHash)
	})
	return res.item, res.err
}

// EventToSession offloads Engine.EventToSession.
func (a *Async) EventToSession(ctx context.Context, event map[string]any, descriptor Descriptor, extraChildren []string, label string) (streamstore.Item, error) {
	res := <-a.submitItem(func() (streamstore.Item, error) {
		return a.engine.EventToSession(ctx, event, descriptor, extraChildren, label)
	})
	return res.item, res.err
}

// CloseSession offloads Engine.CloseSession.
func (a *Async) CloseSession(ctx context.Context, descriptor Descriptor, logicalBreak bool) (string, error) {
	res := <-a.submitString(func() (string, error) {
		return a.engine.CloseSession(ctx, descriptor, logicalBreak)
	})
	return res.value, res.err
}

// VerifyChain offloads Engine.VerifyChain.
func (a *Async) VerifyChain(ctx context.Context, streamKey string) error {
	res := <-a.submitString(func() (string, error) {
		return "", a.engine.VerifyChain(ctx, streamKey)
	})
	return res.err
}
