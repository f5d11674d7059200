// Package decoder implements the event-decoder/logger factory (C5): a
// per-connection logger stage that decodes incoming messages, buffers them
// until a Merkle session is initialized, then streams them into the chain;
// plus a legacy flat-file variant.
//
// Grounded on the Python original's event_decoder_and_logger
// (incoming_student_event.py): buffer-before-session-open, idempotent
// initialize_session, FIFO buffer replay, and the legacy filename scheme.
package decoder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/arglab/telemetry/internal/merkle"
)

// Logger is the per-connection decoder/logger stage. In Merkle mode the
// session descriptor is built from the first InitializeSession call on the
// connection.
type Logger interface {
	// Decode converts one raw message into a JSON object, appending it to
	// the Merkle session if already started, or buffering it otherwise.
	// The decoded event is always returned so the pipeline can continue
	// processing it regardless of persistence state.
	Decode(ctx context.Context, raw []byte) (map[string]any, error)

	// InitializeSession is idempotent: only the first call has effect. It
	// opens the Merkle session, optionally injects a header event, and
	// replays the buffer in FIFO order.
	InitializeSession(ctx context.Context, student, tool string) error

	// Close flushes and releases all resources. Idempotent.
	Close(ctx context.Context) error
}

// MerkleLogger is the Merkle-mode implementation of Logger.
type MerkleLogger struct {
	async      *merkle.Async
	categories []string
	headers    map[string]any
	logger     *slog.Logger

	descriptor     merkle.Descriptor
	sessionStarted bool
	sessionClosed  bool
	buffer         []map[string]any
}

// NewMerkleLogger constructs a Merkle-mode decoder/logger. headers may be
// nil; when non-nil, a synthetic {type:"header", headers:...} event is
// appended immediately after session start.
func NewMerkleLogger(async *merkle.Async, headers map[string]any, logger *slog.Logger) *MerkleLogger {
	return &MerkleLogger{async: async, headers: headers, logger: logger}
}

func (m *MerkleLogger) Decode(ctx context.Context, raw []byte) (map[string]any, error) {
	var event map[string]any
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("decoder: decode message: %w", err)
	}

	if m.sessionStarted {
		if _, err := m.async.EventToSession(ctx, event, m.descriptor, nil, ""); err != nil {
			m.logger.Error("merkle append failed", "error", err)
			return event, fmt.Errorf("decoder: append event: %w", err)
		}
	} else {
		m.buffer = append(m.buffer, event)
	}

	return event, nil
}

// InitializeSession opens the Merkle session on first call. Subsequent
// calls are no-ops, matching the idempotent-session-init testable property
// in spec.md §8.
func (m *MerkleLogger) InitializeSession(ctx context.Context, student, tool string) error {
	if m.sessionStarted {
		return nil
	}

	m.descriptor = merkle.Descriptor{
		"student": []string{student},
		"tool":    []string{tool},
	}

	if _, err := m.async.Start(ctx, m.descriptor, nil, ""); err != nil {
		return fmt.Errorf("decoder: start session: %w", err)
	}

	if m.headers != nil {
		headerEvent := map[string]any{"type": "header", "headers": m.headers}
		if _, err := m.async.EventToSession(ctx, headerEvent, m.descriptor, nil, ""); err != nil {
			return fmt.Errorf("decoder: append header event: %w", err)
		}
	}

	// Log the buffer length before clearing it (spec.md §9's open question:
	// the original logs it after, which makes the logged metric useless).
	m.logger.Info("replaying pre-session buffer", "count", len(m.buffer))

	for _, event := range m.buffer {
		if _, err := m.async.EventToSession(ctx, event, m.descriptor, nil, ""); err != nil {
			return fmt.Errorf("decoder: replay buffered event: %w", err)
		}
	}
	m.buffer = nil
	m.sessionStarted = true
	return nil
}

func (m *MerkleLogger) Close(ctx context.Context) error {
	if m.sessionClosed {
		return nil
	}
	m.sessionClosed = true

	if m.sessionStarted {
		if _, err := m.async.CloseSession(ctx, m.descriptor, false); err != nil {
			m.logger.Error("close session failed", "error", err)
			return nil
		}
		return nil
	}

	if len(m.buffer) > 0 {
		m.logger.Warn("connection closed with unflushed buffer; events never reached a chain", "count", len(m.buffer))
	}
	return nil
}
