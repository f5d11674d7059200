// Package streamstore implements the polymorphic append-only stream store
// (C2): a capability interface plus in-memory, filesystem, and Postgres
// backends, all thread-safe.
package streamstore

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by Rename when oldKey does not exist, and wrapped
// by the Merkle engine's VerifyChain and DeleteStreamWithTombstone for an
// absent or empty stream. ReadAll, Last, and Delete report an absent
// stream without an error.
var ErrNotFound = errors.New("streamstore: stream not found")

// Item is the unit appended to a stream: an event plus its children hashes,
// timestamp, and node hash. Label is a display hint and never contributes
// to Hash.
type Item struct {
	Event     json.RawMessage `json:"event"`
	Children  []string        `json:"children"`
	Timestamp string          `json:"timestamp"`
	Hash      string          `json:"hash"`
	Label     string          `json:"label,omitempty"`
}

// Store is the capability set every stream-storage backend must satisfy.
type Store interface {
	// Append adds item to the stream at streamKey, creating the stream if
	// it does not exist. Atomic per stream.
	Append(ctx context.Context, streamKey string, item Item) error

	// Rename moves all items from oldKey to newKey. A no-op if the keys are
	// equal. Fails with ErrNotFound if oldKey does not exist. If newKey
	// already holds items, they are overwritten (spec.md leaves this
	// undefined upstream; the test suite assumes overwrite, so this
	// implementation overwrites).
	Rename(ctx context.Context, oldKey, newKey string) error

	// ReadAll returns the full ordered contents of a stream, nil if the
	// stream does not exist, or an empty non-nil slice if the stream exists
	// but has no items.
	ReadAll(ctx context.Context, streamKey string) ([]Item, error)

	// Delete removes a stream. Idempotent: deleting an absent stream is not
	// an error.
	Delete(ctx context.Context, streamKey string) error

	// Last returns the most recently appended item, or nil if the stream is
	// absent or empty.
	Last(ctx context.Context, streamKey string) (*Item, error)

	// WalkStreams calls fn once per stream with a snapshot of its items.
	// Iteration order is unspecified. A non-nil error from fn stops the
	// walk and is returned to the caller.
	WalkStreams(ctx context.Context, fn func(streamKey string, items []Item) error) error
}
