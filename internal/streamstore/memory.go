package streamstore

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory stream store: a map from stream key to ordered
// item list guarded by a single mutex. Readers take a snapshot copy before
// releasing the lock so iteration is safe against concurrent writers.
type Memory struct {
	mu      sync.Mutex
	streams map[string][]Item
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{streams: make(map[string][]Item)}
}

func (m *Memory) Append(_ context.Context, streamKey string, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[streamKey] = append(m.streams[streamKey], item)
	return nil
}

func (m *Memory) Rename(_ context.Context, oldKey, newKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if oldKey == newKey {
		return nil
	}
	items, ok := m.streams[oldKey]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, oldKey)
	}
	m.streams[newKey] = items
	delete(m.streams, oldKey)
	return nil
}

func (m *Memory) ReadAll(_ context.Context, streamKey string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, ok := m.streams[streamKey]
	if !ok {
		return nil, nil
	}
	return snapshot(items), nil
}

func (m *Memory) Delete(_ context.Context, streamKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, streamKey)
	return nil
}

func (m *Memory) Last(_ context.Context, streamKey string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.streams[streamKey]
	if len(items) == 0 {
		return nil, nil
	}
	last := items[len(items)-1]
	return &last, nil
}

func (m *Memory) WalkStreams(_ context.Context, fn func(streamKey string, items []Item) error) error {
	m.mu.Lock()
	snap := make(map[string][]Item, len(m.streams))
	for k, v := range m.streams {
		snap[k] = snapshot(v)
	}
	m.mu.Unlock()

	for k, v := range snap {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func snapshot(items []Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
