package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newTestServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		handler(conn)
	}))
}

func wsAddr(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_, data, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("server unmarshal: %v", err)
	}
	return f
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("server marshal: %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func respond(t *testing.T, conn *websocket.Conn, id int64, result string) {
	t.Helper()
	writeJSON(t, conn, map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  json.RawMessage(result),
	})
}

func TestCallNotConnected(t *testing.T) {
	c := NewConn(Config{URL: "ws://localhost:0/ws"})
	_, err := c.Call(context.Background(), MethodListSessions, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestConnectRefusesInsecureURL(t *testing.T) {
	c := NewConn(Config{URL: "ws://agent.example.dev/ws"})
	err := c.Connect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("err = %v, want *ConnectionError", err)
	}
	if !strings.Contains(err.Error(), "insecure") {
		t.Errorf("err = %q, want insecure refusal", err)
	}
}

func TestConnectInsecureAllowedWithFlag(t *testing.T) {
	c := NewConn(Config{URL: "ws://agent.example.dev/ws", Insecure: true})
	if err := c.checkScheme(); err != nil {
		t.Errorf("checkScheme with Insecure: %v", err)
	}
}

func TestConnectTimeout(t *testing.T) {
	// A listener that accepts but never completes the handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	c := NewConn(Config{
		URL:            "ws://" + ln.Addr().String(),
		ConnectTimeout: 100 * time.Millisecond,
	})
	start := time.Now()
	err = c.Connect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("err = %v, want *ConnectionError", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("connect took %v, timeout did not apply", elapsed)
	}
}

func TestConnectIdempotent(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		conn.Read(context.Background())
	})
	defer srv.Close()

	c := NewConn(Config{URL: wsAddr(srv)})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %v, want connected", c.State())
	}
	// Second connect is a no-op.
	if err := c.Connect(context.Background()); err != nil {
		t.Errorf("second Connect: %v", err)
	}
}

func TestCallInterleavedResponses(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		a := readFrame(t, conn)
		b := readFrame(t, conn)
		// Answer out of order: B first, then A.
		respond(t, conn, *b.ID, `{"which":"b"}`)
		respond(t, conn, *a.ID, `{"which":"a"}`)
		conn.Read(context.Background())
	})
	defer srv.Close()

	c := NewConn(Config{URL: wsAddr(srv)})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	type res struct {
		raw json.RawMessage
		err error
	}
	aCh := make(chan res, 1)
	bCh := make(chan res, 1)
	go func() {
		raw, err := c.Call(context.Background(), "method_a", nil)
		aCh <- res{raw, err}
	}()
	// Ensure A is sent (and gets the lower ID) before B.
	time.Sleep(50 * time.Millisecond)
	go func() {
		raw, err := c.Call(context.Background(), "method_b", nil)
		bCh <- res{raw, err}
	}()

	a := <-aCh
	b := <-bCh
	if a.err != nil || b.err != nil {
		t.Fatalf("call errors: a=%v b=%v", a.err, b.err)
	}
	if !strings.Contains(string(a.raw), `"a"`) {
		t.Errorf("a result = %s, want payload a", a.raw)
	}
	if !strings.Contains(string(b.raw), `"b"`) {
		t.Errorf("b result = %s, want payload b", b.raw)
	}
}

func TestRequestIDsStrictlyIncrease(t *testing.T) {
	ids := make(chan int64, 3)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		for i := 0; i < 3; i++ {
			f := readFrame(t, conn)
			ids <- *f.ID
			respond(t, conn, *f.ID, `{}`)
		}
		conn.Read(context.Background())
	})
	defer srv.Close()

	c := NewConn(Config{URL: wsAddr(srv)})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.Call(context.Background(), "ping", nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	prev := int64(0)
	for i := 0; i < 3; i++ {
		id := <-ids
		if id <= prev {
			t.Errorf("id %d after %d: not strictly increasing", id, prev)
		}
		prev = id
	}
}

func TestRemoteErrorPreservesCode(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		f := readFrame(t, conn)
		writeJSON(t, conn, map[string]any{
			"jsonrpc": "2.0",
			"id":      *f.ID,
			"error":   map[string]any{"code": -32601, "message": "no such session"},
		})
		conn.Read(context.Background())
	})
	defer srv.Close()

	c := NewConn(Config{URL: wsAddr(srv)})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, err := c.Call(context.Background(), MethodGetSessionInfo, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if remote.Code != -32601 {
		t.Errorf("code = %d, want -32601", remote.Code)
	}
	if remote.Message != "no such session" {
		t.Errorf("message = %q", remote.Message)
	}
	if err.Error() != "no such session" {
		t.Errorf("Error() = %q, want message only", err.Error())
	}
}

func TestDisconnectRejectsAllPending(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		// Swallow both requests, then drop the connection.
		readFrame(t, conn)
		readFrame(t, conn)
		conn.Close(websocket.StatusGoingAway, "test disconnect")
	})
	defer srv.Close()

	c := NewConn(Config{URL: wsAddr(srv), BackoffBase: time.Millisecond, MaxReconnects: 1})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Call(context.Background(), "slow", nil)
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrDisconnected) {
				t.Errorf("pending call err = %v, want ErrDisconnected", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("pending call did not settle after disconnect")
		}
	}
}

func TestNotificationDeliveredBeforeResponse(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		f := readFrame(t, conn)
		writeJSON(t, conn, map[string]any{
			"jsonrpc": "2.0",
			"method":  NoteSessionUpdate,
			"params": map[string]any{
				"sessionId": "s1",
				"update":    map[string]any{"sessionUpdate": "agent_message_chunk", "content": map[string]any{"type": "text", "text": "Hi"}},
			},
		})
		respond(t, conn, *f.ID, `{"stopReason":"end_turn"}`)
		conn.Read(context.Background())
	})
	defer srv.Close()

	c := NewConn(Config{URL: wsAddr(srv)})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	chunks := make(chan SessionUpdate, 1)
	sub := c.Router().OnSessionUpdate("s1", func(u SessionUpdate) {
		chunks <- u
	})
	defer sub.Cancel()

	raw, err := c.Call(context.Background(), MethodSendPrompt, map[string]any{"sessionId": "s1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	// Frames are dispatched in order on one goroutine, so the chunk
	// must already be buffered by the time the response resolved.
	select {
	case u := <-chunks:
		if u.SessionID != "s1" {
			t.Errorf("chunk sessionId = %q", u.SessionID)
		}
	default:
		t.Fatal("session update not delivered before response resolved")
	}
	if !strings.Contains(string(raw), "end_turn") {
		t.Errorf("result = %s", raw)
	}
}

func TestUnknownNotificationDropped(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"jsonrpc": "2.0",
			"method":  "server/experimental_thing",
			"params":  map[string]any{"x": 1},
		})
		f := readFrame(t, conn)
		respond(t, conn, *f.ID, `{}`)
		conn.Read(context.Background())
	})
	defer srv.Close()

	c := NewConn(Config{URL: wsAddr(srv)})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// The connection must survive the unknown method and keep serving.
	if _, err := c.Call(context.Background(), "ping", nil); err != nil {
		t.Errorf("call after unknown notification: %v", err)
	}
}

func TestReconnectInvokesHandlers(t *testing.T) {
	var mu sync.Mutex
	connCount := 0
	srv := newTestServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		connCount++
		n := connCount
		mu.Unlock()
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "test disconnect")
			return
		}
		conn.Read(context.Background())
	})
	defer srv.Close()

	c := NewConn(Config{URL: wsAddr(srv), BackoffBase: 5 * time.Millisecond})
	defer c.Close()

	reconnected := make(chan struct{}, 1)
	c.OnReconnect(func(ctx context.Context) {
		reconnected <- struct{}{}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect handler never invoked")
	}
	mu.Lock()
	n := connCount
	mu.Unlock()
	if n < 2 {
		t.Errorf("connections = %d, want >= 2", n)
	}
}

func TestReconnectStopsAfterMaxAttempts(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		conn.Close(websocket.StatusGoingAway, "test disconnect")
	})

	c := NewConn(Config{URL: wsAddr(srv), BackoffBase: time.Millisecond, MaxReconnects: 2})
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Take the server down so every reconnect fails.
	srv.CloseClientConnections()
	srv.Close()

	deadline := time.After(5 * time.Second)
	for c.State() != StateErrored {
		select {
		case <-deadline:
			t.Fatalf("state = %v, want errored after attempts exhausted", c.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCloseRejectsPendingOnce(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		readFrame(t, conn)
		conn.Read(context.Background())
	})
	defer srv.Close()

	c := NewConn(Config{URL: wsAddr(srv)})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "slow", nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("err = %v, want ErrDisconnected", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call did not settle on Close")
	}
	// Closed for good: no reconnect, new calls fail fast.
	if _, err := c.Call(context.Background(), "ping", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("call after Close: %v, want ErrNotConnected", err)
	}
}
