package pipeline

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/arglab/telemetry/internal/codec"
)

// DedupFilter is the bounded per-connection LRU of event-content hashes
// consulted by the dedup stage (C9, SPEC_FULL.md §4.9). The zero value is
// not usable; build with NewDedupFilter.
type DedupFilter struct {
	seen *lru.Cache[string, struct{}]
}

// DefaultDedupCapacity is the default entry count per connection.
const DefaultDedupCapacity = 256

// NewDedupFilter builds a filter with the given capacity, defaulting to
// DefaultDedupCapacity when capacity <= 0.
func NewDedupFilter(capacity int) (*DedupFilter, error) {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &DedupFilter{seen: cache}, nil
}

// Seen reports whether event has already been observed on this connection
// and, if not, records it. A true return means the caller must drop event.
func (f *DedupFilter) Seen(event map[string]any) (bool, error) {
	canonical, err := codec.CanonicalJSON(event)
	if err != nil {
		return false, err
	}
	hash, err := codec.Default.Hash(canonical)
	if err != nil {
		return false, err
	}
	if _, ok := f.seen.Get(hash); ok {
		return true, nil
	}
	f.seen.Add(hash, struct{}{})
	return false, nil
}
