package permission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/perch-dev/perch/internal/rpc"
)

// TestTwoClientRace runs the full cross-client scenario over live
// transports: two clients receive the same permission request, one
// answers, the server broadcasts permission/resolved, and the loser's
// dialog is cancelled without a second respond_permission.
func TestTwoClientRace(t *testing.T) {
	type frame struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     *int64          `json:"id"`
	}

	var mu sync.Mutex
	var conns []*websocket.Conn
	ready := make(chan struct{}, 2)
	responds := make(chan string, 4) // raw respond_permission params

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		mu.Lock()
		idx := len(conns)
		conns = append(conns, ws)
		mu.Unlock()
		ready <- struct{}{}

		ctx := context.Background()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			if f.Method != "respond_permission" {
				continue
			}
			responds <- string(f.Params)
			reply, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": f.ID, "result": map[string]any{}})
			ws.Write(ctx, websocket.MessageText, reply)

			// Tell the other client someone already answered.
			mu.Lock()
			other := conns[1-idx]
			mu.Unlock()
			resolved, _ := json.Marshal(map[string]any{
				"jsonrpc": "2.0", "method": "permission/resolved",
				"params": map[string]any{"requestId": 7, "sessionId": "s1"},
			})
			other.Write(ctx, websocket.MessageText, resolved)
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	newClient := func(h Handler) *rpc.Conn {
		conn := rpc.NewConn(rpc.Config{URL: url})
		coord := NewCoordinator(conn)
		coord.SetHandler(h)
		conn.Router().SetPermissionSink(coord)
		if err := conn.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		return conn
	}

	// Client A answers immediately; client B waits on a human who
	// never comes.
	connA := newClient(func(ctx context.Context, req rpc.PermissionRequest) Outcome {
		return Selected("allow")
	})
	defer connA.Close()

	loserCancelled := make(chan struct{})
	connB := newClient(func(ctx context.Context, req rpc.PermissionRequest) Outcome {
		<-ctx.Done()
		close(loserCancelled)
		return Selected("allow") // must be discarded
	})
	defer connB.Close()

	<-ready
	<-ready

	// Broadcast the same request to both clients.
	request, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "method": "permission/request",
		"params": map[string]any{
			"requestId": 7,
			"sessionId": "s1",
			"toolCall":  map[string]any{"toolCallId": "tc1", "title": "Edit main.go"},
			"options":   []map[string]any{{"optionId": "allow", "name": "Allow", "kind": "allow_once"}},
		},
	})
	mu.Lock()
	for _, ws := range conns {
		ws.Write(context.Background(), websocket.MessageText, request)
	}
	mu.Unlock()

	select {
	case params := <-responds:
		if !strings.Contains(params, `"requestId":7`) {
			t.Errorf("respond params = %s", params)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no respond_permission received")
	}
	select {
	case <-loserCancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("losing client's handler never cancelled")
	}
	// The loser must stay silent.
	select {
	case params := <-responds:
		t.Errorf("second respond_permission sent: %s", params)
	case <-time.After(200 * time.Millisecond):
	}
}
