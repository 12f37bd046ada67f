// Package rpc implements the client side of the agent wire protocol:
// one long-lived WebSocket carrying JSON-RPC 2.0 requests and
// responses plus server-pushed notifications. Conn owns the socket
// lifecycle and request correlation; Router fans notifications out to
// subscribers.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/perch-dev/perch/internal/logger"
)

const (
	defaultConnectTimeout = 10 * time.Second
	writeTimeout          = 10 * time.Second
	defaultBackoffBase    = time.Second
	defaultBackoffMax     = 30 * time.Second
	defaultMaxReconnects  = 5
	maxFrameSize          = 1 << 20
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "error"
	}
	return "unknown"
}

// Config configures a Conn. Zero values get sensible defaults.
type Config struct {
	URL      string // e.g. "wss://agent.example.dev/ws"
	Token    string // bearer token for the handshake, optional
	Insecure bool   // allow plain ws:// to non-loopback hosts

	ConnectTimeout time.Duration // bounds the dial only, never requests
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxReconnects  int

	OnStateChange func(State, error)
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Conn is the single WebSocket to the agent backend. Call correlates
// requests with responses by monotonic ID; the read goroutine routes
// everything else through the Router. On an unexpected close every
// pending call is rejected and a reconnect is scheduled with
// exponential backoff, up to MaxReconnects attempts.
type Conn struct {
	cfg    Config
	router *Router

	// nextID is monotonic for the life of the transport: it survives
	// reconnects and resets only on Close.
	nextID atomic.Int64

	mu           sync.Mutex
	ws           *websocket.Conn
	state        State
	pending      map[int64]chan callResult
	reconnectFns []func(context.Context)
	wasConnected bool
	closed       bool
	backoff      *Backoff
}

func NewConn(cfg Config) *Conn {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	return &Conn{
		cfg:     cfg,
		router:  NewRouter(),
		pending: make(map[int64]chan callResult),
		backoff: NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
	}
}

// Router returns the notification router for this connection.
func (c *Conn) Router() *Router { return c.router }

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnReconnect registers a handler invoked after every successful
// re-dial (not the first connect). Notification subscriptions are NOT
// replayed by the transport; handlers use this hook to re-issue
// subscribe_session and re-arm whatever the disconnect dropped.
func (c *Conn) OnReconnect(fn func(context.Context)) {
	c.mu.Lock()
	c.reconnectFns = append(c.reconnectFns, fn)
	c.mu.Unlock()
}

// Connect establishes the WebSocket. It is a no-op when already
// connected. The dial is bounded by ConnectTimeout; a plain ws:// URL
// to a non-loopback host is refused up front unless Insecure is set,
// since that misconfiguration otherwise surfaces as an opaque
// handshake failure.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ConnectionError{URL: c.cfg.URL, Err: errors.New("transport closed")}
	}
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.setStateLocked(StateErrored, err)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Conn) checkScheme() error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" || c.cfg.Insecure {
		return nil
	}
	host := u.Hostname()
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("refusing insecure ws:// to %s (use wss:// or set insecure)", host)
}

func (c *Conn) dial(ctx context.Context) error {
	if err := c.checkScheme(); err != nil {
		return &ConnectionError{URL: c.cfg.URL, Err: err}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	opts := &websocket.DialOptions{HTTPHeader: make(http.Header)}
	if c.cfg.Token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	ws, _, err := websocket.Dial(dialCtx, c.cfg.URL, opts)
	if err != nil {
		return &ConnectionError{URL: c.cfg.URL, Err: err}
	}
	ws.SetReadLimit(maxFrameSize)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.CloseNow()
		return &ConnectionError{URL: c.cfg.URL, Err: errors.New("transport closed")}
	}
	c.ws = ws
	reconnected := c.wasConnected
	c.wasConnected = true
	c.backoff.Reset()
	c.setStateLocked(StateConnected, nil)
	fns := append([]func(context.Context){}, c.reconnectFns...)
	c.mu.Unlock()

	go c.readLoop(ws)

	if reconnected {
		for _, fn := range fns {
			go fn(context.Background())
		}
	}
	return nil
}

// Call sends a JSON-RPC request and blocks until the matching response
// arrives, the connection drops, or ctx is cancelled. The transport
// never times a request out on its own: only a disconnect clears
// pending calls. A caller abandoning a call via ctx releases its
// pending entry but does not cancel anything server-side.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.ws == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	ws := c.ws
	id := c.nextID.Add(1)
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	f := Frame{JSONRPC: jsonrpcVersion, Method: method, ID: &id}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			c.drop(id)
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		f.Params = raw
	}
	if err := c.write(ctx, ws, &f); err != nil {
		c.drop(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		c.drop(id)
		return nil, ctx.Err()
	}
}

// Notify sends a request with no ID; the server will not reply.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	if c.state != StateConnected || c.ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ws := c.ws
	c.mu.Unlock()

	f := Frame{JSONRPC: jsonrpcVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		f.Params = raw
	}
	return c.write(ctx, ws, &f)
}

func (c *Conn) drop(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) write(ctx context.Context, ws *websocket.Conn, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	logger.Debug("ws send", "frame", string(data))
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.handleClosed(ws, err)
			return
		}
		logger.Debug("ws recv", "frame", string(data))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Warn("bad frame", "err", err)
			continue
		}
		switch {
		case f.IsResponse():
			c.resolve(&f)
		case f.Method != "":
			// Dispatched inline: per-session handlers must observe
			// updates in server-emission order.
			c.router.Dispatch(f.Method, f.Params)
		}
	}
}

func (c *Conn) resolve(f *Frame) {
	c.mu.Lock()
	ch := c.pending[*f.ID]
	delete(c.pending, *f.ID)
	c.mu.Unlock()
	if ch == nil {
		logger.Debug("response with no pending request", "id", *f.ID)
		return
	}
	if f.Error != nil {
		ch <- callResult{err: &RemoteError{Code: f.Error.Code, Message: f.Error.Message}}
		return
	}
	ch <- callResult{result: f.Result}
}

func (c *Conn) handleClosed(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		// A stale read loop from an earlier socket; the current one
		// already owns the state.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.failPendingLocked()
	if c.closed {
		c.setStateLocked(StateDisconnected, nil)
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateDisconnected, err)
	c.mu.Unlock()

	logger.Info("connection lost", "err", err)
	go c.reconnectLoop()
}

// failPendingLocked rejects every in-flight call exactly once. Each
// channel is buffered and its map entry is removed here, so a call
// can never resolve after this.
func (c *Conn) failPendingLocked() {
	for id, ch := range c.pending {
		ch <- callResult{err: ErrDisconnected}
		delete(c.pending, id)
	}
}

func (c *Conn) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.backoff.Attempt() >= c.cfg.MaxReconnects {
			c.setStateLocked(StateErrored, errors.New("reconnect attempts exhausted"))
			c.mu.Unlock()
			return
		}
		delay := c.backoff.Next()
		attempt := c.backoff.Attempt()
		c.mu.Unlock()

		logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnecting, nil)
		c.mu.Unlock()

		if err := c.dial(context.Background()); err != nil {
			logger.Warn("reconnect failed", "attempt", attempt, "err", err)
			c.mu.Lock()
			c.setStateLocked(StateDisconnected, err)
			c.mu.Unlock()
			continue
		}
		return
	}
}

// Close tears the transport down for good: no reconnect is scheduled,
// pending calls are rejected, and the request ID counter resets.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.failPendingLocked()
	c.setStateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	c.nextID.Store(0)
	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (c *Conn) setStateLocked(s State, err error) {
	if c.state == s {
		return
	}
	c.state = s
	if c.cfg.OnStateChange != nil {
		go c.cfg.OnStateChange(s, err)
	}
}
