// Package merkle implements the Merkle DAG log store (C3): session
// lifecycle, chain construction, verification, tombstone deletion, and
// parent-stream propagation, over a streamstore.Store.
//
// This is the direct Go-idiom generalization of the teacher's
// internal/audit/audit_logger.go (single-predecessor hash chain, genesis
// value, mutex-guarded sequential append) into a children-list hash chain
// with parent-category propagation and cryptographic tombstones, following
// the algorithm in the Python original (learning_observer/merkle_store.py).
package merkle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arglab/telemetry/internal/codec"
	"github.com/arglab/telemetry/internal/streamstore"
)

// DefaultCategories is the default set of recognized parent categories.
var DefaultCategories = []string{"teacher", "student", "school", "classroom", "course", "assignment", "tool"}

const tombstonePrefix = "__tombstone__"

// IntegrityError reports a verify_chain mismatch at a specific item index.
type IntegrityError struct {
	Index    int
	Reason   string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("merkle: integrity error at item %d: %s (expected %q, got %q)",
		e.Index, e.Reason, e.Expected, e.Actual)
}

// Engine holds a storage reference and the set of recognized categories.
//
// Concurrency note: the engine is not safe under multiple writers to the
// same session concurrently — the last-item read and the subsequent append
// are not atomic. Callers must serialize writes per session; the
// per-connection ownership model in internal/pipeline satisfies this.
type Engine struct {
	Store      streamstore.Store
	Categories map[string]bool
	Codec      codec.Codec
}

// New builds an Engine. A nil categories slice selects DefaultCategories.
func New(store streamstore.Store, categories []string) *Engine {
	if categories == nil {
		categories = DefaultCategories
	}
	cats := make(map[string]bool, len(categories))
	for _, c := range categories {
		cats[c] = true
	}
	return &Engine{Store: store, Categories: cats, Codec: codec.Default}
}

// Descriptor is a session descriptor: category -> ordered list of values.
type Descriptor map[string]any

// hashEvent computes hash(canonical_json(event)) and returns both the hash
// and the canonical JSON bytes, so callers can store the exact bytes that
// were hashed.
func (e *Engine) hashEvent(event any) (hash string, canon []byte, err error) {
	s, err := codec.CanonicalJSON(event)
	if err != nil {
		return "", nil, err
	}
	h, err := e.Codec.Hash(s)
	if err != nil {
		return "", nil, err
	}
	return h, []byte(s), nil
}

// EventToSession appends event to the stream keyed by descriptor's session
// key, computing the children list and node hash per spec.md §4.3.
func (e *Engine) EventToSession(ctx context.Context, event map[string]any, descriptor Descriptor, extraChildren []string, label string) (streamstore.Item, error) {
	eventHash, canon, err := e.hashEvent(event)
	if err != nil {
		return streamstore.Item{}, fmt.Errorf("merkle: hash event: %w", err)
	}

	children := make([]string, 0, len(extraChildren)+2)
	children = append(children, extraChildren...)
	children = append(children, eventHash)

	streamKey, err := codec.SessionKey(descriptor)
	if err != nil {
		return streamstore.Item{}, fmt.Errorf("merkle: session key: %w", err)
	}

	last, err := e.Store.Last(ctx, streamKey)
	if err != nil {
		return streamstore.Item{}, fmt.Errorf("merkle: load last item: %w", err)
	}
	if last != nil {
		children = append(children, last.Hash)
	}

	ts := codec.NowISO()
	sorted := codec.SortedStrings(children)
	hashArgs := append(append([]string{}, sorted...), ts)
	nodeHash, err := e.Codec.Hash(hashArgs...)
	if err != nil {
		return streamstore.Item{}, fmt.Errorf("merkle: node hash: %w", err)
	}

	item := streamstore.Item{
		Event:     json.RawMessage(canon),
		Children:  children,
		Timestamp: ts,
		Hash:      nodeHash,
		Label:     label,
	}

	if err := e.Store.Append(ctx, streamKey, item); err != nil {
		return streamstore.Item{}, fmt.Errorf("merkle: append: %w", err)
	}
	return item, nil
}

// Start begins (or continues) a session. When continuationHash is
// non-empty, the event type becomes "continue" and the hash is both
// recorded in the event body and added as an extra child.
func (e *Engine) Start(ctx context.Context, descriptor Descriptor, metadata map[string]any, continuationHash string) (streamstore.Item, error) {
	event := map[string]any{
		"type":    "start",
		"session": descriptor,
	}
	if metadata != nil {
		event["metadata"] = metadata
	}

	var extra []string
	if continuationHash != "" {
		event["type"] = "continue"
		event["continues"] = continuationHash
		extra = []string{continuationHash}
	}

	return e.EventToSession(ctx, event, descriptor, extra, "start")
}

// CloseSession closes a session: appends a close item, renames the stream
// to its final (content-addressed) hash, and — unless logicalBreak is
// true — propagates a child_session_finished notification to every
// recognized parent-category stream.
func (e *Engine) CloseSession(ctx context.Context, descriptor Descriptor, logicalBreak bool) (string, error) {
	closeItem, err := e.EventToSession(ctx, map[string]any{"type": "close"}, descriptor, nil, "")
	if err != nil {
		return "", fmt.Errorf("merkle: append close item: %w", err)
	}
	finalHash := closeItem.Hash

	sessionKey, err := codec.SessionKey(descriptor)
	if err != nil {
		return "", fmt.Errorf("merkle: session key: %w", err)
	}
	if err := e.Store.Rename(ctx, sessionKey, finalHash); err != nil {
		return "", fmt.Errorf("merkle: rename to final hash: %w", err)
	}

	if logicalBreak {
		return finalHash, nil
	}

	for category, rawValues := range descriptor {
		if !e.Categories[category] {
			continue
		}
		values := toStringSlice(rawValues)
		for _, v := range values {
			parent := Descriptor{category: v}
			childEvent := map[string]any{
				"type":          "child_session_finished",
				"child_hash":    finalHash,
				"child_session": descriptor,
			}
			label := fmt.Sprintf("%s:%s", category, v)
			if _, err := e.EventToSession(ctx, childEvent, parent, []string{finalHash}, label); err != nil {
				return "", fmt.Errorf("merkle: propagate to parent %s: %w", label, err)
			}
		}
	}

	return finalHash, nil
}

// BreakSession closes the session as a logical break (no parent
// propagation), then immediately re-opens a continuation segment. It
// produces a periodic checkpoint without notifying parent streams.
func (e *Engine) BreakSession(ctx context.Context, descriptor Descriptor) (string, error) {
	segmentHash, err := e.CloseSession(ctx, descriptor, true)
	if err != nil {
		return "", err
	}
	if _, err := e.Start(ctx, descriptor, nil, segmentHash); err != nil {
		return "", fmt.Errorf("merkle: restart after break: %w", err)
	}
	return segmentHash, nil
}

// VerifyChain walks a stream front-to-back, checking every item's
// containment and hash invariants. Returns an *IntegrityError on the first
// mismatch, with the failing item index and the expected/actual values.
func (e *Engine) VerifyChain(ctx context.Context, streamKey string) error {
	items, err := e.Store.ReadAll(ctx, streamKey)
	if err != nil {
		return fmt.Errorf("merkle: read stream: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: %s", streamstore.ErrNotFound, streamKey)
	}

	var prevHash string
	for i, item := range items {
		var event any
		if err := json.Unmarshal(item.Event, &event); err != nil {
			return fmt.Errorf("merkle: decode event at index %d: %w", i, err)
		}
		eventJSON, err := codec.CanonicalJSON(event)
		if err != nil {
			return fmt.Errorf("merkle: canonicalize event at index %d: %w", i, err)
		}
		eventHash, err := e.Codec.Hash(eventJSON)
		if err != nil {
			return fmt.Errorf("merkle: hash event at index %d: %w", i, err)
		}

		if !contains(item.Children, eventHash) {
			return &IntegrityError{Index: i, Reason: "event hash not in children", Expected: eventHash}
		}
		if i > 0 && !contains(item.Children, prevHash) {
			return &IntegrityError{Index: i, Reason: "previous item hash not in children", Expected: prevHash}
		}

		sorted := codec.SortedStrings(item.Children)
		hashArgs := append(append([]string{}, sorted...), item.Timestamp)
		expected, err := e.Codec.Hash(hashArgs...)
		if err != nil {
			return fmt.Errorf("merkle: recompute node hash at index %d: %w", i, err)
		}
		if expected != item.Hash {
			return &IntegrityError{Index: i, Reason: "node hash mismatch", Expected: expected, Actual: item.Hash}
		}

		prevHash = item.Hash
	}
	return nil
}

// Tombstone is the record appended to __tombstone__<stream_key> by
// DeleteStreamWithTombstone.
type Tombstone struct {
	Type          string   `json:"type"`
	DeletedStream string   `json:"deleted_stream"`
	FinalHash     string   `json:"final_hash"`
	ItemHashes    []string `json:"item_hashes"`
	ItemCount     int      `json:"item_count"`
	Reason        string   `json:"reason"`
	Timestamp     string   `json:"timestamp"`
	TombstoneHash string   `json:"tombstone_hash"`
}

// DeleteStreamWithTombstone reads a stream, captures its final hash and the
// ordered list of every item hash, deletes the stream, and appends a
// tombstone record to __tombstone__<stream_key>. tombstone_hash is computed
// over the canonical JSON of the record *before* the tombstone_hash field is
// added, matching the original source's ordering.
func (e *Engine) DeleteStreamWithTombstone(ctx context.Context, streamKey, reason string) (Tombstone, error) {
	items, err := e.Store.ReadAll(ctx, streamKey)
	if err != nil {
		return Tombstone{}, fmt.Errorf("merkle: read stream: %w", err)
	}
	if len(items) == 0 {
		return Tombstone{}, fmt.Errorf("%w: %s", streamstore.ErrNotFound, streamKey)
	}

	itemHashes := make([]string, len(items))
	for i, it := range items {
		itemHashes[i] = it.Hash
	}

	ts := codec.NowISO()
	unhashed := map[string]any{
		"type":           "tombstone",
		"deleted_stream": streamKey,
		"final_hash":     items[len(items)-1].Hash,
		"item_hashes":    itemHashes,
		"item_count":     len(items),
		"reason":         reason,
		"timestamp":      ts,
	}
	canon, err := codec.CanonicalJSON(unhashed)
	if err != nil {
		return Tombstone{}, fmt.Errorf("merkle: canonicalize tombstone: %w", err)
	}
	tombstoneHash, err := e.Codec.Hash(canon)
	if err != nil {
		return Tombstone{}, fmt.Errorf("merkle: hash tombstone: %w", err)
	}

	tombstone := Tombstone{
		Type:          "tombstone",
		DeletedStream: streamKey,
		FinalHash:     items[len(items)-1].Hash,
		ItemHashes:    itemHashes,
		ItemCount:     len(items),
		Reason:        reason,
		Timestamp:     ts,
		TombstoneHash: tombstoneHash,
	}

	if err := e.Store.Delete(ctx, streamKey); err != nil {
		return Tombstone{}, fmt.Errorf("merkle: delete stream: %w", err)
	}

	raw, err := json.Marshal(tombstone)
	if err != nil {
		return Tombstone{}, fmt.Errorf("merkle: marshal tombstone: %w", err)
	}
	item := streamstore.Item{
		Event:     json.RawMessage(raw),
		Children:  nil,
		Timestamp: ts,
		Hash:      tombstoneHash,
	}
	if err := e.Store.Append(ctx, tombstonePrefix+streamKey, item); err != nil {
		return Tombstone{}, fmt.Errorf("merkle: append tombstone: %w", err)
	}

	return tombstone, nil
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
