package maxapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake MAX Server
// ============================================================================

// inbound is a command received by the fake server.
type inbound struct {
	Conn    int             `json:"-"`
	Ver     int             `json:"ver"`
	Cmd     int             `json:"cmd"`
	Seq     int64           `json:"seq"`
	Opcode  Opcode          `json:"opcode"`
	Payload json.RawMessage `json:"payload"`
}

func (f inbound) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.Payload, v))
}

type replyAction int

const (
	actDefault replyAction = iota
	actReply
	actSilent
	actError
)

// handlerFunc overrides the default reply for a command.
type handlerFunc func(f inbound) (payload any, action replyAction)

type fakeConn struct {
	id     int
	conn   *websocket.Conn
	cancel context.CancelFunc
	header http.Header
}

type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	ctx    context.Context
	cancel context.CancelFunc

	refuse    atomic.Bool
	authError atomic.Value // string

	mu      sync.Mutex
	conns   []*fakeConn
	frames  []inbound
	handler handlerFunc
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := &fakeServer{t: t, ctx: ctx, cancel: cancel}
	s.authError.Store("")
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(func() {
		s.cancel()
		s.srv.Close()
	})
	return s
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *fakeServer) setHandler(h handlerFunc) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	if s.refuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	s.mu.Lock()
	fc := &fakeConn{id: len(s.conns) + 1, conn: conn, cancel: cancel, header: r.Header.Clone()}
	s.conns = append(s.conns, fc)
	s.mu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f inbound
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		f.Conn = fc.id

		s.mu.Lock()
		s.frames = append(s.frames, f)
		h := s.handler
		s.mu.Unlock()

		var body any
		action := actDefault
		if h != nil {
			body, action = h(f)
		}
		if action == actDefault {
			body, action = s.defaultReply(f)
		}
		switch action {
		case actReply:
			s.write(fc, CmdResponse, f.Seq, f.Opcode, body)
		case actError:
			s.write(fc, CmdError, f.Seq, f.Opcode, body)
		}
	}
}

func (s *fakeServer) defaultReply(f inbound) (any, replyAction) {
	switch f.Opcode {
	case OpHeartbeat:
		return nil, actSilent
	case OpHandshake:
		return map[string]any{"location": "RU"}, actReply
	case OpAuthenticate:
		if msg := s.authError.Load().(string); msg != "" {
			return map[string]any{"error": msg}, actReply
		}
		return map[string]any{
			"profile": map[string]any{
				"contact": map[string]any{
					"id":    int64(1001),
					"names": []map[string]any{{"name": "Test User", "type": "ONEME"}},
				},
			},
			"chats": []map[string]any{
				{"id": int64(12345), "type": "CHAT", "title": "Team"},
				{"id": int64(67890), "type": "DIALOG"},
			},
		}, actReply
	default:
		return map[string]any{}, actReply
	}
}

func (s *fakeServer) write(fc *fakeConn, cmd int, seq int64, op Opcode, payload any) {
	data, err := json.Marshal(map[string]any{
		"ver":     ProtocolVersion,
		"cmd":     cmd,
		"seq":     seq,
		"opcode":  op,
		"payload": payload,
	})
	require.NoError(s.t, err)
	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	_ = fc.conn.Write(ctx, websocket.MessageText, data)
}

// writeRaw sends data verbatim on the newest connection.
func (s *fakeServer) writeRaw(data string) {
	fc := s.latest()
	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	_ = fc.conn.Write(ctx, websocket.MessageText, []byte(data))
}

// push sends a cmd=0 event on the newest connection.
func (s *fakeServer) push(op Opcode, seq int64, payload any) {
	s.write(s.latest(), CmdRequest, seq, op, payload)
}

func (s *fakeServer) reply(f inbound, payload any) {
	s.write(s.conn(f.Conn), CmdResponse, f.Seq, f.Opcode, payload)
}

func (s *fakeServer) latest() *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(s.t, s.conns)
	return s.conns[len(s.conns)-1]
}

func (s *fakeServer) conn(id int) *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id-1]
}

// dropConnections kills every open connection from the server side.
func (s *fakeServer) dropConnections() {
	s.mu.Lock()
	conns := append([]*fakeConn(nil), s.conns...)
	s.mu.Unlock()
	for _, fc := range conns {
		fc.cancel()
	}
}

func (s *fakeServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeServer) received() []inbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inbound(nil), s.frames...)
}

func (s *fakeServer) receivedOn(conn int, op Opcode) []inbound {
	var out []inbound
	for _, f := range s.received() {
		if f.Conn == conn && f.Opcode == op {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeServer) receivedOp(op Opcode) []inbound {
	var out []inbound
	for _, f := range s.received() {
		if f.Opcode == op {
			out = append(out, f)
		}
	}
	return out
}

// waitFor blocks until the server has received n commands with op.
func (s *fakeServer) waitFor(t *testing.T, op Opcode, n int) []inbound {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.receivedOp(op)) >= n
	}, 3*time.Second, 5*time.Millisecond, "waiting for %d %s commands", n, op)
	return s.receivedOp(op)
}

// ============================================================================
// Client Helpers
// ============================================================================

func testConfig(s *fakeServer) *Config {
	nop := zerolog.Nop()
	return &Config{
		URL:                s.url(),
		Token:              "test-token",
		ConnectTimeout:     2 * time.Second,
		RequestTimeout:     time.Second,
		WriteTimeout:       time.Second,
		HeartbeatInterval:  time.Hour,
		ReconnectBaseDelay: 20 * time.Millisecond,
		ReconnectMaxDelay:  100 * time.Millisecond,
		InitialRetryDelay:  50 * time.Millisecond,
		DeviceID:           "device-under-test",
		Logger:             &nop,
	}
}

func newTestClient(t *testing.T, s *fakeServer, opts ...func(*Config)) *Client {
	t.Helper()
	cfg := testConfig(s)
	for _, opt := range opts {
		opt(cfg)
	}
	c := NewClient(cfg)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connectTestClient(t *testing.T, s *fakeServer, opts ...func(*Config)) *Client {
	t.Helper()
	c := newTestClient(t, s, opts...)
	require.NoError(t, c.Connect(context.Background()))
	return c
}
