package transport

import (
	"bufio"
	"context"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §4.1; not used for security
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arglab/telemetry/internal/decoder"
	"github.com/arglab/telemetry/internal/pipeline"
)

// maxFrameSize is the maximum WebSocket payload length (in bytes) the
// server accepts from a client.
const maxFrameSize = 64 * 1024

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// DecoderFactory builds a fresh decoder.Logger for one connection.
type DecoderFactory func() decoder.Logger

// WSHandler upgrades HTTP connections to WebSocket and drives one
// pipeline.Composer per connection: the ws_reader stage (spec.md §4.6 step
// 1) plus the write pump that serializes outbound control frames.
//
// Grounded on the teacher's internal/server/websocket/handler.go for the
// RFC 6455 hijack/handshake/frame-codec shape, replacing its
// discard-everything read loop with one that decodes and forwards text
// frames into the pipeline.
type WSHandler struct {
	Composer     *pipeline.Composer
	NewDecoder   DecoderFactory
	Logger       *slog.Logger
	WriteTimeout time.Duration
}

// NewWSHandler builds a WSHandler. writeTimeout <= 0 defaults to 10s.
func NewWSHandler(composer *pipeline.Composer, newDecoder DecoderFactory, logger *slog.Logger, writeTimeout time.Duration) *WSHandler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSHandler{Composer: composer, NewDecoder: newDecoder, Logger: logger, WriteTimeout: writeTimeout}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return
	}
	conn, bufrw, err := hj.Hijack()
	if err != nil {
		h.Logger.Error("websocket: hijack failed", "error", err)
		return
	}
	defer conn.Close()

	accept := computeAcceptKey(key)
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	if _, err := bufrw.WriteString(resp); err != nil || bufrw.Flush() != nil {
		h.Logger.Error("websocket: handshake failed", "error", err)
		return
	}

	connID := uuid.NewString()
	h.Logger.Info("websocket: client connected", "conn_id", connID, "remote_addr", conn.RemoteAddr().String())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	state := &pipeline.ConnState{ConnID: connID, Decoder: h.NewDecoder()}

	frames := make(chan []byte)
	go func() {
		defer close(frames)
		readFrames(conn, h.Logger, connID, frames)
	}()

	events, control, err := h.Composer.Run(ctx, state, frames)
	if err != nil {
		h.Logger.Error("websocket: composer setup failed", "conn_id", connID, "error", err)
		return
	}

	for {
		select {
		case frame, ok := <-control:
			if !ok {
				control = nil
				continue
			}
			if err := h.writeJSONFrame(conn, frame); err != nil {
				h.Logger.Warn("websocket: control write failed", "conn_id", connID, "error", err)
				return
			}

		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Outcome != nil {
				_ = h.writeJSONFrame(conn, map[string]any{
					"type":        "close",
					"msg":         e.Outcome.Message,
					"status_code": e.Outcome.StatusCode,
				})
				return
			}
		}
	}
}

func (h *WSHandler) writeJSONFrame(conn net.Conn, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("websocket: marshal control frame: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout)); err != nil {
		return err
	}
	return writeTextFrame(conn, b)
}

// readFrames reads text frames from conn and forwards their payloads to
// out until the connection closes or a close frame is received. Non-text
// frames are skipped; oversized frames end the read loop.
func readFrames(conn net.Conn, logger *slog.Logger, connID string, out chan<- []byte) {
	buf := bufio.NewReader(conn)
	for {
		b0, err := buf.ReadByte()
		if err != nil {
			return
		}
		b1, err := buf.ReadByte()
		if err != nil {
			return
		}

		opcode := b0 & 0x0F
		masked := (b1 & 0x80) != 0
		length := int64(b1 & 0x7F)

		switch length {
		case 126:
			var ext [2]byte
			if _, err := io.ReadFull(buf, ext[:]); err != nil {
				return
			}
			length = int64(binary.BigEndian.Uint16(ext[:]))
		case 127:
			var ext [8]byte
			if _, err := io.ReadFull(buf, ext[:]); err != nil {
				return
			}
			rawLen := binary.BigEndian.Uint64(ext[:])
			if rawLen > maxFrameSize {
				logger.Warn("websocket: oversized frame, dropping connection", "conn_id", connID)
				return
			}
			length = int64(rawLen)
		}

		var maskKey [4]byte
		if masked {
			if _, err := io.ReadFull(buf, maskKey[:]); err != nil {
				return
			}
		}

		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(buf, payload); err != nil {
				return
			}
			if masked {
				for i := range payload {
					payload[i] ^= maskKey[i%4]
				}
			}
		}

		switch opcode {
		case 0x08: // close
			logger.Debug("websocket: received close frame", "conn_id", connID)
			return
		case 0x01: // text
			out <- payload
		default:
			logger.Debug("websocket: skipping non-text frame", "conn_id", connID, "opcode", opcode)
		}
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func computeAcceptKey(key string) string {
	//nolint:gosec // SHA-1 is mandated by RFC 6455; not used for security
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func writeTextFrame(conn net.Conn, payload []byte) error {
	n := len(payload)
	var header []byte
	switch {
	case n < 126:
		header = []byte{0x81, byte(n)}
	case n < 65536:
		header = []byte{0x81, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = 0x81
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}
	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}
