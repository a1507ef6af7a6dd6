package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dispatch-agent/utils"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	// websocket timeouts
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
	pingPeriod = (pongWait * 9) / 10
	readLimit  = 1024 * 1024 // 1MB

	handshakeTimeout = 30 * time.Second
	outboundQueue    = 100

	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectInterval = 5 * time.Second
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrNotConnected is returned by Send while there is no live connection.
	ErrNotConnected = errors.New("not connected to server")
	// ErrMaxReconnectAttempts is returned by Run once the configured number of
	// consecutive failed dials is reached.
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts reached")
)

// Handler receives connection events and inbound messages. Handle is called
// from the connection's read loop in arrival order and must not block for long.
type Handler interface {
	Connected()
	Disconnected()
	Handle(ctx context.Context, msg Inbound)
}

type Options struct {
	Server string // ws:// or wss:// endpoint
	Name   string
	Token  string

	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	// MaxReconnectAttempts bounds consecutive failed dials; negative means unlimited.
	MaxReconnectAttempts int

	SystemInfo func() utils.SystemInfo
	Dialer     *ws.Dialer
}

// Client keeps one control connection to the server alive and multiplexes
// outbound messages from many goroutines onto it.
type Client struct {
	opts   Options
	logger *slog.Logger
	state  atomic.Int32

	mu      sync.RWMutex
	current *session

	stop     chan struct{}
	stopOnce sync.Once
}

// session is one live connection. Its queue and done channel die with it.
type session struct {
	id   string
	conn *ws.Conn
	out  chan Outbound
	done chan struct{}
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.SystemInfo == nil {
		opts.SystemInfo = utils.CollectSystemInfo
	}
	if opts.Dialer == nil {
		opts.Dialer = &ws.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	return &Client{
		opts:   opts,
		logger: logger.With("component", "websocket"),
		stop:   make(chan struct{}),
	}
}

// URL returns the endpoint with the agent identity (and token, when set)
// added as query parameters.
func (c *Client) URL() (string, error) {
	u, err := url.Parse(c.opts.Server)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	q := u.Query()
	q.Set("name", c.opts.Name)
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		c.logger.Debug("connection state changed", "from", prev, "to", s)
	}
}

// Stop asks Run to close the connection and return. It is safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Send queues msg on the current connection. It blocks while the queue is
// full and fails with ErrNotConnected when no connection is up.
func (c *Client) Send(ctx context.Context, msg Outbound) error {
	c.mu.RLock()
	s := c.current
	c.mu.RUnlock()
	if s == nil {
		return ErrNotConnected
	}

	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}

	select {
	case s.out <- msg:
		return nil
	case <-s.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dials the server and keeps the connection up until ctx is cancelled or
// Stop is called, in which case it returns nil. It returns an error wrapping
// ErrMaxReconnectAttempts when the dial budget runs out.
func (c *Client) Run(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	target, err := c.URL()
	if err != nil {
		c.setState(StateStopped)
		return err
	}

	attempts := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateStopped)
			return nil
		}

		c.setState(StateConnecting)
		c.logger.Info("connecting to server", "server", c.opts.Server, "attempt", attempts+1)

		conn, err := c.dial(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateStopped)
				return nil
			}
			delay := Backoff(c.opts.ReconnectInterval, attempts)
			attempts++
			c.setState(StateDisconnected)

			if c.opts.MaxReconnectAttempts >= 0 && attempts >= c.opts.MaxReconnectAttempts {
				c.setState(StateStopped)
				c.logger.Error("giving up on server", "attempts", attempts, "err", err)
				return fmt.Errorf("%w after %d attempts: %w", ErrMaxReconnectAttempts, attempts, err)
			}

			c.logger.Warn("connect failed", "attempt", attempts, "retry_in", delay, "err", err)
			if !sleep(ctx, delay) {
				c.setState(StateStopped)
				return nil
			}
			continue
		}

		attempts = 0
		err = c.serve(ctx, conn, h)
		if ctx.Err() != nil {
			c.setState(StateStopped)
			return nil
		}

		c.logger.Warn("connection lost; will reconnect", "retry_in", c.opts.ReconnectInterval, "err", err)
		if !sleep(ctx, c.opts.ReconnectInterval) {
			c.setState(StateStopped)
			return nil
		}
	}
}

func (c *Client) dial(ctx context.Context, target string) (*ws.Conn, error) {
	conn, resp, err := c.opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("handshake rejected (%s): %s: %w", resp.Status, strings.TrimSpace(string(body)), err)
		}
		return nil, err
	}
	return conn, nil
}

// serve runs the reader, writer and closer for one connection and returns
// once any of them fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *ws.Conn, h Handler) error {
	s := &session{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan Outbound, outboundQueue),
		done: make(chan struct{}),
	}
	logger := c.logger.With("session", s.id)

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(ws.PongMessage, []byte(data), time.Now().Add(writeWait))
		var netErr net.Error
		if errors.Is(err, ws.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
	c.setState(StateConnected)
	logger.Info("connected to server", "server", c.opts.Server)
	h.Connected()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, s, h, logger) })
	g.Go(func() error { return c.writeLoop(gctx, s, logger) })
	g.Go(func() error {
		<-gctx.Done()
		close(s.done)
		if ctx.Err() != nil {
			msg := ws.FormatCloseMessage(ws.CloseNormalClosure, "agent shutting down")
			_ = conn.WriteControl(ws.CloseMessage, msg, time.Now().Add(writeWait))
		}
		_ = conn.Close()
		return nil
	})
	err := g.Wait()

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	if dropped := len(s.out); dropped > 0 {
		logger.Debug("dropping queued messages", "count", dropped)
	}
	c.setState(StateDisconnected)
	h.Disconnected()
	return err
}

func (c *Client) readLoop(ctx context.Context, s *session, h Handler, logger *slog.Logger) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ws.IsCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
				return fmt.Errorf("server closed connection: %w", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := DecodeInbound(data)
		if err != nil {
			logger.Warn("dropping inbound message", "err", err, "size", len(data))
			continue
		}

		switch m := msg.(type) {
		case Connected:
			logger.Info("server acknowledged connection", "message", m.Message)
		case HeartbeatAck:
			logger.Debug("heartbeat acknowledged", "server_time", m.ServerTime)
		}
		h.Handle(ctx, msg)
	}
}

func (c *Client) writeLoop(ctx context.Context, s *session, logger *slog.Logger) error {
	heartbeat := time.NewTicker(c.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	if err := s.write(Heartbeat{SystemInfo: c.opts.SystemInfo()}, logger); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.out:
			if err := s.write(msg, logger); err != nil {
				return err
			}
		case <-heartbeat.C:
			if err := s.write(Heartbeat{SystemInfo: c.opts.SystemInfo()}, logger); err != nil {
				return err
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(ws.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// write serializes one message. Messages that cannot be encoded are dropped;
// only socket errors end the connection.
func (s *session) write(msg Outbound, logger *slog.Logger) error {
	data, err := EncodeOutbound(msg)
	if err != nil {
		logger.Error("dropping outbound message", "err", err)
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(ws.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
