// Package session is the typed session-sync API over the rpc
// transport: lifecycle calls, prompt submission with optimistic
// message IDs, and the client-side projection of a session's
// authoritative state.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/perch-dev/perch/internal/logger"
	"github.com/perch-dev/perch/internal/rpc"
)

// Transport is the slice of rpc.Conn the session client uses.
type Transport interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Router() *rpc.Router
	OnReconnect(fn func(context.Context))
}

// Client wraps the transport with typed session operations. Each
// wrapper is parameter shaping over one Call; the transport's error
// taxonomy passes through untouched.
type Client struct {
	t Transport

	mu      sync.Mutex
	watched map[string]bool
}

func NewClient(t Transport) *Client {
	c := &Client{t: t, watched: make(map[string]bool)}
	// The transport does not replay subscriptions across reconnects;
	// re-issue subscribe_session for sessions we are watching.
	t.OnReconnect(c.resubscribe)
	return c
}

func (c *Client) resubscribe(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.watched))
	for id := range c.watched {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		if _, err := c.Subscribe(ctx, id, false); err != nil {
			logger.Warn("resubscribe failed", "sessionId", id, "err", err)
		}
	}
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	raw, err := c.t.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// MCPServer configures one MCP server for a new session.
type MCPServer struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// InitializeResult is the server's handshake reply.
type InitializeResult struct {
	ClientID        string `json:"clientId"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
	ServerVersion   string `json:"serverVersion,omitempty"`
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	var res InitializeResult
	err := c.call(ctx, rpc.MethodInitialize, nil, &res)
	return res, err
}

type createParams struct {
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers,omitempty"`
}

// Create starts a new session rooted at cwd and returns its ID.
// mcpServers is omitted from the wire when empty.
func (c *Client) Create(ctx context.Context, cwd string, mcpServers []MCPServer) (string, error) {
	var res struct {
		SessionID string `json:"sessionId"`
	}
	err := c.call(ctx, rpc.MethodCreateSession, createParams{Cwd: cwd, MCPServers: mcpServers}, &res)
	return res.SessionID, err
}

type sessionCwdParams struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
}

// Resume reactivates a stopped session.
func (c *Client) Resume(ctx context.Context, sessionID, cwd string) error {
	return c.call(ctx, rpc.MethodResumeSession, sessionCwdParams{SessionID: sessionID, Cwd: cwd}, nil)
}

// Fork creates a new session branching from an existing one.
func (c *Client) Fork(ctx context.Context, sessionID, cwd string) (string, error) {
	var res struct {
		SessionID string `json:"sessionId"`
	}
	err := c.call(ctx, rpc.MethodForkSession, sessionCwdParams{SessionID: sessionID, Cwd: cwd}, &res)
	return res.SessionID, err
}

// ListOptions filter and page list_sessions.
type ListOptions struct {
	Cwd    string `json:"cwd,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// List returns session summaries, newest first.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]rpc.SessionSummary, error) {
	var res struct {
		Sessions []rpc.SessionSummary `json:"sessions"`
	}
	err := c.call(ctx, rpc.MethodListSessions, opts, &res)
	return res.Sessions, err
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

// Info returns one session's summary.
func (c *Client) Info(ctx context.Context, sessionID string) (rpc.SessionSummary, error) {
	var res rpc.SessionSummary
	err := c.call(ctx, rpc.MethodGetSessionInfo, sessionIDParams{SessionID: sessionID}, &res)
	return res, err
}

// Delete removes a session server-side.
func (c *Client) Delete(ctx context.Context, sessionID string) error {
	return c.call(ctx, rpc.MethodDeleteSession, sessionIDParams{SessionID: sessionID}, nil)
}

// Stop deactivates a session without deleting it.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	return c.call(ctx, rpc.MethodStopSession, sessionIDParams{SessionID: sessionID}, nil)
}

// Cancel interrupts the session's current turn. This is a new request,
// not a cancellation of any pending Call.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	return c.call(ctx, rpc.MethodCancelSession, sessionIDParams{SessionID: sessionID}, nil)
}

type setModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// SetMode switches the session's permission/agent mode.
func (c *Client) SetMode(ctx context.Context, sessionID, modeID string) error {
	return c.call(ctx, rpc.MethodSetSessionMode, setModeParams{SessionID: sessionID, ModeID: modeID}, nil)
}

type subscribeParams struct {
	SessionID  string `json:"sessionId"`
	AutoResume bool   `json:"autoResume"`
}

// Subscribe requests the authoritative state snapshot and registers
// this client for the session's notifications. autoResume=false keeps
// a passive refresh from waking a stopped session.
func (c *Client) Subscribe(ctx context.Context, sessionID string, autoResume bool) (*State, error) {
	var snap State
	err := c.call(ctx, rpc.MethodSubscribeSession, subscribeParams{SessionID: sessionID, AutoResume: autoResume}, &snap)
	if err != nil {
		return nil, err
	}
	snap.reindex()
	c.mu.Lock()
	c.watched[sessionID] = true
	c.mu.Unlock()
	return &snap, nil
}

// Unsubscribe drops the server-side subscription and the reconnect
// replay for this session.
func (c *Client) Unsubscribe(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.watched, sessionID)
	c.mu.Unlock()
	return c.call(ctx, rpc.MethodUnsubscribeSession, sessionIDParams{SessionID: sessionID}, nil)
}

// GetState fetches the snapshot without subscribing.
func (c *Client) GetState(ctx context.Context, sessionID string, autoResume bool) (*State, error) {
	var snap State
	err := c.call(ctx, rpc.MethodGetSessionState, subscribeParams{SessionID: sessionID, AutoResume: autoResume}, &snap)
	if err != nil {
		return nil, err
	}
	snap.reindex()
	return &snap, nil
}

// Current returns the active session ID shared across clients.
func (c *Client) Current(ctx context.Context) (string, error) {
	var res struct {
		SessionID string `json:"sessionId"`
	}
	err := c.call(ctx, rpc.MethodGetCurrentSession, nil, &res)
	return res.SessionID, err
}

// SetCurrent changes the active session for every connected client.
func (c *Client) SetCurrent(ctx context.Context, sessionID string) error {
	return c.call(ctx, rpc.MethodSetCurrentSession, sessionIDParams{SessionID: sessionID}, nil)
}

// ClientID returns this connection's server-assigned identity.
func (c *Client) ClientID(ctx context.Context) (string, error) {
	var res struct {
		ClientID string `json:"clientId"`
	}
	err := c.call(ctx, rpc.MethodGetClientID, nil, &res)
	return res.ClientID, err
}

// Disconnect tells the server we are going away cleanly.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.call(ctx, rpc.MethodDisconnect, nil, nil)
}

// PromptOptions tune a Prompt call.
type PromptOptions struct {
	// OnUpdate receives session/update chunks for the duration of the
	// call, in server-emission order, before the prompt resolves.
	OnUpdate func(rpc.SessionUpdate)
	// MessageID overrides the generated optimistic message ID.
	MessageID string
}

// PromptResult is the send_prompt response.
type PromptResult struct {
	StopReason string `json:"stopReason"`
	// MessageID is the client-generated ID the server echoes on the
	// confirmed user message, for deduplicating the optimistic copy.
	MessageID string `json:"-"`
}

type sendPromptParams struct {
	SessionID string         `json:"sessionId"`
	Content   []ContentBlock `json:"content"`
	MessageID string         `json:"messageId,omitempty"`
}

// Prompt submits a user turn. A temporary session-update handler is
// registered for the duration of the call and removed on every exit
// path, so repeated prompts never leak handlers.
func (c *Client) Prompt(ctx context.Context, sessionID string, content []ContentBlock, opts PromptOptions) (PromptResult, error) {
	messageID := opts.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	if opts.OnUpdate != nil {
		sub := c.t.Router().OnSessionUpdate(sessionID, opts.OnUpdate)
		defer sub.Cancel()
	}

	var res PromptResult
	err := c.call(ctx, rpc.MethodSendPrompt, sendPromptParams{
		SessionID: sessionID,
		Content:   content,
		MessageID: messageID,
	}, &res)
	if err != nil {
		return PromptResult{}, err
	}
	res.MessageID = messageID
	return res, nil
}
