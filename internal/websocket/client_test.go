package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"dispatch-agent/utils"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer is a coordinator that hands every accepted connection to the test.
type fakeServer struct {
	srv     *httptest.Server
	conns   chan *ws.Conn
	queries chan url.Values
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		conns:   make(chan *ws.Conn, 8),
		queries: make(chan url.Values, 8),
	}
	upgrader := ws.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.queries <- r.URL.Query()
		f.conns <- conn
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) URL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *fakeServer) accept(t *testing.T) *ws.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(waitFor):
		t.Fatal("no connection from client")
		return nil
	}
}

// readType reads frames until one of the given type arrives.
func readType(t *testing.T, conn *ws.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		if m["type"] == typ {
			return m
		}
	}
}

type recordingHandler struct {
	connected    chan struct{}
	disconnected chan struct{}
	msgs         chan Inbound
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		connected:    make(chan struct{}, 16),
		disconnected: make(chan struct{}, 16),
		msgs:         make(chan Inbound, 16),
	}
}

func (h *recordingHandler) Connected()                           { h.connected <- struct{}{} }
func (h *recordingHandler) Disconnected()                        { h.disconnected <- struct{}{} }
func (h *recordingHandler) Handle(_ context.Context, m Inbound) { h.msgs <- m }

func wait[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func testOptions(server string) Options {
	return Options{
		Server:               server,
		Name:                 "agent-1",
		HeartbeatInterval:    time.Hour,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectAttempts: -1,
		SystemInfo: func() utils.SystemInfo {
			return utils.SystemInfo{Hostname: "test-host", AgentVersion: "test"}
		},
	}
}

func startClient(t *testing.T, c *Client, h Handler) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(waitFor):
		}
	})
	return cancel, errc
}

func TestClientURL(t *testing.T) {
	tests := []struct {
		name   string
		server string
		token  string
		want   url.Values
	}{
		{"name only", "ws://example.com/ws", "", url.Values{"name": {"my agent"}}},
		{"with token", "wss://example.com/ws", "s3cret", url.Values{"name": {"my agent"}, "token": {"s3cret"}}},
		{"existing query", "ws://example.com/ws?region=eu", "", url.Values{"name": {"my agent"}, "region": {"eu"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(Options{Server: tt.server, Name: "my agent", Token: tt.token}, testLogger())
			raw, err := c.URL()
			require.NoError(t, err)

			u, err := url.Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.Query())
			assert.Equal(t, "/ws", u.Path)
		})
	}
}

func TestClientExchangesMessages(t *testing.T) {
	f := newFakeServer(t)
	h := newRecordingHandler()
	c := NewClient(testOptions(f.URL()), testLogger())
	cancel, errc := startClient(t, c, h)

	conn := f.accept(t)
	assert.Equal(t, "agent-1", (<-f.queries).Get("name"))
	wait(t, h.connected, "connected")
	assert.Equal(t, StateConnected, c.State())

	hb := readType(t, conn, TypeHeartbeat)
	info, ok := hb["system_info"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "test-host", info["hostname"])

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`{"type":"task_dispatch","task_id":9,"command":"make"}`)))
	got := wait(t, h.msgs, "dispatch")
	assert.Equal(t, TaskDispatch{
		TaskID:        9,
		WorkspaceName: DefaultWorkspace,
		Command:       "make",
		RepoRef:       DefaultRepoRef,
		Timeout:       DefaultTaskTimeout,
		Environment:   map[string]string{},
	}, got)

	require.NoError(t, c.Send(context.Background(), TaskStarted{TaskID: 9}))
	started := readType(t, conn, TypeTaskStarted)
	assert.EqualValues(t, 9, started["task_id"])

	cancel()
	require.NoError(t, wait(t, errc, "run to return"))
	assert.Equal(t, StateStopped, c.State())

	_, _, err := conn.ReadMessage()
	assert.True(t, ws.IsCloseError(err, ws.CloseNormalClosure), "got %v", err)
}

func TestClientDropsMalformedFrames(t *testing.T) {
	f := newFakeServer(t)
	h := newRecordingHandler()
	c := NewClient(testOptions(f.URL()), testLogger())
	startClient(t, c, h)

	conn := f.accept(t)
	wait(t, h.connected, "connected")

	for _, frame := range []string{
		`not json`,
		`{"type":"mystery"}`,
		`{"type":"task_cancel"}`,
		`{"type":"task_cancel","task_id":7}`,
	} {
		require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(frame)))
	}

	assert.Equal(t, TaskCancel{TaskID: 7}, wait(t, h.msgs, "cancel"))
	assert.Equal(t, StateConnected, c.State())
}

func TestClientAnswersPing(t *testing.T) {
	f := newFakeServer(t)
	h := newRecordingHandler()
	c := NewClient(testOptions(f.URL()), testLogger())
	startClient(t, c, h)

	conn := f.accept(t)
	wait(t, h.connected, "connected")

	pongs := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pongs <- data
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.NoError(t, conn.WriteControl(ws.PingMessage, []byte("abc"), time.Now().Add(time.Second)))
	assert.Equal(t, "abc", wait(t, pongs, "pong"))
}

func TestClientReconnectsAfterServerClose(t *testing.T) {
	f := newFakeServer(t)
	h := newRecordingHandler()
	c := NewClient(testOptions(f.URL()), testLogger())
	startClient(t, c, h)

	first := f.accept(t)
	wait(t, h.connected, "first connect")
	require.NoError(t, first.Close())

	wait(t, h.disconnected, "disconnect")

	second := f.accept(t)
	wait(t, h.connected, "second connect")
	require.NoError(t, c.Send(context.Background(), TaskHeartbeat{TaskID: 3}))
	msg := readType(t, second, TypeTaskHeartbeat)
	assert.EqualValues(t, 3, msg["task_id"])
}

func TestClientMaxReconnectAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	server := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	opts := testOptions(server)
	opts.ReconnectInterval = time.Millisecond
	opts.MaxReconnectAttempts = 3
	c := NewClient(opts, testLogger())
	h := newRecordingHandler()

	err := c.Run(context.Background(), h)
	require.ErrorIs(t, err, ErrMaxReconnectAttempts)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, StateStopped, c.State())
	assert.Empty(t, h.connected)
}

func TestClientAttemptsResetAfterConnect(t *testing.T) {
	var dials atomic.Int32
	upgrader := ws.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) != 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	opts := testOptions("ws" + strings.TrimPrefix(srv.URL, "http"))
	opts.MaxReconnectAttempts = 2
	c := NewClient(opts, testLogger())
	h := newRecordingHandler()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := c.Run(ctx, h)

	// fail, connect (counter back to 0), fail, fail: only the fourth dial exhausts the budget.
	require.ErrorIs(t, err, ErrMaxReconnectAttempts)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, int32(4), dials.Load())
	assert.Len(t, h.connected, 1)
	assert.Equal(t, StateStopped, c.State())
}

func TestClientHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	opts := testOptions("ws" + strings.TrimPrefix(srv.URL, "http"))
	opts.MaxReconnectAttempts = 1
	c := NewClient(opts, testLogger())

	err := c.Run(context.Background(), newRecordingHandler())
	require.ErrorIs(t, err, ErrMaxReconnectAttempts)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "bad token")
}

func TestClientStop(t *testing.T) {
	f := newFakeServer(t)
	h := newRecordingHandler()
	c := NewClient(testOptions(f.URL()), testLogger())
	_, errc := startClient(t, c, h)

	f.accept(t)
	wait(t, h.connected, "connected")

	c.Stop()
	c.Stop()
	require.NoError(t, wait(t, errc, "run to return"))
	assert.Equal(t, StateStopped, c.State())
	assert.ErrorIs(t, c.Send(context.Background(), TaskStarted{TaskID: 1}), ErrNotConnected)
}

func TestSendWithoutConnection(t *testing.T) {
	c := NewClient(testOptions("ws://127.0.0.1:1/ws"), testLogger())
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Send(context.Background(), TaskStarted{TaskID: 1}), ErrNotConnected)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}
