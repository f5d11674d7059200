package transport_test

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SHA-1 mandated by RFC 6455
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/arglab/telemetry/internal/auth"
	"github.com/arglab/telemetry/internal/blacklist"
	"github.com/arglab/telemetry/internal/decoder"
	"github.com/arglab/telemetry/internal/pipeline"
	"github.com/arglab/telemetry/internal/reducer"
	"github.com/arglab/telemetry/internal/transport"
)

// fakeDecoder is a minimal decoder.Logger for tests that do not exercise
// Merkle persistence.
type fakeDecoder struct{}

func (fakeDecoder) Decode(_ context.Context, raw []byte) (map[string]any, error) {
	var event map[string]any
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}
	return event, nil
}
func (fakeDecoder) InitializeSession(context.Context, string, string) error { return nil }
func (fakeDecoder) Close(context.Context) error                            { return nil }

func newTestWSHandler(t *testing.T) *transport.WSHandler {
	t.Helper()
	eval, err := blacklist.New(blacklist.DefaultRules)
	if err != nil {
		t.Fatalf("blacklist.New: %v", err)
	}
	composer, err := pipeline.NewComposer(pipeline.Deps{
		AuthResolver:   auth.FixtureResolver{},
		Blacklist:      eval,
		ReducerCatalog: reducer.NewCatalog(),
		Logger:         slog.Default(),
		UpdateHandler:  func(context.Context, *pipeline.ConnState, map[string]any) error { return nil },
	})
	if err != nil {
		t.Fatalf("NewComposer: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return transport.NewWSHandler(composer, func() decoder.Logger { return fakeDecoder{} }, logger, 5*time.Second)
}

func TestWSHandlerRejectsNonWebSocket(t *testing.T) {
	h := newTestWSHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUpgradeRequired {
		t.Fatalf("expected %d, got %d", http.StatusUpgradeRequired, rec.Code)
	}
}

func TestWSHandlerRejectsMissingKey(t *testing.T) {
	h := newTestWSHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

// TestWSHandlerHandshakeAndAuthControlFrame performs a real RFC 6455
// handshake over a raw TCP connection, sends a masked client frame
// carrying the fixture-identity verb, and checks the server replies with
// an {status:"auth"} control frame.
func TestWSHandlerHandshakeAndAuthControlFrame(t *testing.T) {
	h := newTestWSHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	clientKey := "dGhlIHNhbXBsZSBub25jZQ=="
	req := "GET /ws HTTP/1.1\r\n" +
		"Host: " + strings.TrimPrefix(srv.URL, "http://") + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + clientKey + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write upgrade request: %v", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	if got, want := resp.Header.Get("Sec-WebSocket-Accept"), computeAcceptForTest(clientKey); got != want {
		t.Fatalf("Sec-WebSocket-Accept: got %q, want %q", got, want)
	}

	payload, err := json.Marshal(map[string]any{"event": "test_framework_fake_identity", "user_id": "u1"})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := writeMaskedTextFrame(conn, payload); err != nil {
		t.Fatalf("write client frame: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	got, err := readServerTextFrame(reader)
	if err != nil {
		t.Fatalf("read server frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(got, &frame); err != nil {
		t.Fatalf("unmarshal server frame: %v", err)
	}
	if frame["status"] != "auth" || frame["user_id"] != "u1" {
		t.Fatalf("expected an auth control frame for u1, got %+v", frame)
	}
}

func computeAcceptForTest(key string) string {
	//nolint:gosec // SHA-1 mandated by RFC 6455
	h := sha1.New()
	h.Write([]byte(key + "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeMaskedTextFrame sends payload as a single masked text frame, as RFC
// 6455 requires for all client-to-server frames.
func writeMaskedTextFrame(conn net.Conn, payload []byte) error {
	var mask [4]byte
	if _, err := rand.Read(mask[:]); err != nil {
		return err
	}
	masked := make([]byte, len(payload))
	for i, b := range payload {
		masked[i] = b ^ mask[i%4]
	}

	var header []byte
	switch {
	case len(payload) <= 125:
		header = []byte{0x81, byte(len(payload)) | 0x80}
	case len(payload) <= 0xFFFF:
		header = make([]byte, 4)
		header[0] = 0x81
		header[1] = 126 | 0x80
		binary.BigEndian.PutUint16(header[2:], uint16(len(payload)))
	default:
		header = make([]byte, 10)
		header[0] = 0x81
		header[1] = 127 | 0x80
		binary.BigEndian.PutUint64(header[2:], uint64(len(payload)))
	}

	if _, err := conn.Write(header); err != nil {
		return err
	}
	if _, err := conn.Write(mask[:]); err != nil {
		return err
	}
	_, err := conn.Write(masked)
	return err
}

// readServerTextFrame reads one unmasked server-to-client text frame.
func readServerTextFrame(reader *bufio.Reader) ([]byte, error) {
	if _, err := reader.ReadByte(); err != nil {
		return nil, err
	}
	b1, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	length := int64(b1 & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := reader.Read(ext[:]); err != nil {
			return nil, err
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := reader.Read(ext[:]); err != nil {
			return nil, err
		}
		length = int64(binary.BigEndian.Uint64(ext[:]))
	}
	payload := make([]byte, length)
	if _, err := reader.Read(payload); err != nil {
		return nil, err
	}
	return payload, nil
}
