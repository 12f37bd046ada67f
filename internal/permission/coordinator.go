// Package permission brokers tool-call approval between the backend
// and whichever connected client answers first. Exactly one global
// handler is registered per process; when several clients watch the
// same session, the server broadcasts permission/resolved to the
// losers so their dialogs clear without a second answer.
package permission

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/perch-dev/perch/internal/logger"
	"github.com/perch-dev/perch/internal/rpc"
)

// Outcome is the user's answer: either cancelled, or one selected
// option.
type Outcome struct {
	Cancelled bool
	OptionID  string
}

// Cancelled is the outcome for a dismissed request.
func Cancelled() Outcome { return Outcome{Cancelled: true} }

// Selected is the outcome for a chosen option.
func Selected(optionID string) Outcome { return Outcome{OptionID: optionID} }

// Handler answers a permission request. It may block on a human; ctx
// is cancelled when another client answers first, at which point the
// return value is discarded.
type Handler func(ctx context.Context, req rpc.PermissionRequest) Outcome

// Caller is the slice of the transport the coordinator needs.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

type pendingRequest struct {
	req    rpc.PermissionRequest
	cancel context.CancelFunc
}

// Coordinator implements rpc.PermissionSink. A request resolves
// exactly once: either the local handler's answer is sent as
// respond_permission, or a permission/resolved notification retires it
// first and the local answer is dropped.
type Coordinator struct {
	caller Caller

	mu      sync.Mutex
	handler Handler
	pending map[string]*pendingRequest
}

func NewCoordinator(caller Caller) *Coordinator {
	return &Coordinator{
		caller:  caller,
		pending: make(map[string]*pendingRequest),
	}
}

// SetHandler installs the global permission handler, replacing any
// previous one. Pass nil to clear it; requests arriving with no
// handler are logged and ignored.
func (c *Coordinator) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Pending returns the requests still awaiting an answer, for UI
// display.
func (c *Coordinator) Pending() []rpc.PermissionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]rpc.PermissionRequest, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.req)
	}
	return out
}

// idKey canonicalizes an opaque requestId for map lookup. Equality is
// structural: whitespace in the raw JSON must not matter.
func idKey(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// HandleRequest runs the global handler for an inbound
// permission/request and sends its outcome back as respond_permission.
// Invoked from the connection's read goroutine; the handler runs on
// its own goroutine because it blocks on a human.
func (c *Coordinator) HandleRequest(req rpc.PermissionRequest) {
	c.mu.Lock()
	h := c.handler
	if h == nil {
		c.mu.Unlock()
		logger.Warn("permission request ignored: no handler registered",
			"sessionId", req.SessionID, "tool", req.ToolCall.Title)
		return
	}
	key := idKey(req.RequestID)
	ctx, cancel := context.WithCancel(context.Background())
	c.pending[key] = &pendingRequest{req: req, cancel: cancel}
	c.mu.Unlock()

	go func() {
		defer cancel()
		outcome := h(ctx, req)

		// Claim the request. If permission/resolved got here first the
		// entry is gone and the server must not hear from us again.
		c.mu.Lock()
		_, live := c.pending[key]
		delete(c.pending, key)
		c.mu.Unlock()
		if !live || ctx.Err() != nil {
			return
		}

		if err := c.respond(req, outcome); err != nil {
			logger.Error("respond_permission failed",
				"sessionId", req.SessionID, "err", err)
		}
	}()
}

// HandleResolved retires a request another client answered. The local
// handler's context is cancelled so its dialog clears; its eventual
// return value is discarded rather than sent. An unknown requestId is
// a no-op.
func (c *Coordinator) HandleResolved(res rpc.PermissionResolved) {
	key := idKey(res.RequestID)
	c.mu.Lock()
	p := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if p == nil {
		return
	}
	logger.Debug("permission resolved by another client", "sessionId", res.SessionID)
	p.cancel()
}

type outcomePayload struct {
	Outcome  string `json:"outcome"` // "cancelled" or "selected"
	OptionID string `json:"optionId,omitempty"`
}

type respondParams struct {
	RequestID json.RawMessage `json:"requestId"`
	SessionID string          `json:"sessionId"`
	Outcome   outcomePayload  `json:"outcome"`
}

func (c *Coordinator) respond(req rpc.PermissionRequest, outcome Outcome) error {
	p := respondParams{RequestID: req.RequestID, SessionID: req.SessionID}
	if outcome.Cancelled {
		p.Outcome = outcomePayload{Outcome: "cancelled"}
	} else {
		p.Outcome = outcomePayload{Outcome: "selected", OptionID: outcome.OptionID}
	}
	_, err := c.caller.Call(context.Background(), rpc.MethodRespondPermission, p)
	return err
}
