package rpc

import "encoding/json"

// JSON-RPC 2.0 framing for the agent protocol. One WebSocket carries
// client requests, server responses, and server-pushed notifications;
// a non-null id distinguishes a response from a notification.

const jsonrpcVersion = "2.0"

// Request methods.
const (
	MethodConnect            = "connect"
	MethodInitialize         = "initialize"
	MethodCreateSession      = "create_session"
	MethodResumeSession      = "resume_session"
	MethodForkSession        = "fork_session"
	MethodListSessions       = "list_sessions"
	MethodGetSessionInfo     = "get_session_info"
	MethodDeleteSession      = "delete_session"
	MethodSendPrompt         = "send_prompt"
	MethodCancelSession      = "cancel_session"
	MethodStopSession        = "stop_session"
	MethodSetSessionMode     = "set_session_mode"
	MethodSubscribeSession   = "subscribe_session"
	MethodUnsubscribeSession = "unsubscribe_session"
	MethodGetSessionState    = "get_session_state"
	MethodRespondPermission  = "respond_permission"
	MethodGetCurrentSession  = "get_current_session"
	MethodSetCurrentSession  = "set_current_session"
	MethodGetClientID        = "get_client_id"
	MethodDisconnect         = "disconnect"
)

// Server-pushed notification methods.
const (
	NoteSessionUpdate      = "session/update"
	NoteSessionStateUpdate = "session/state_update"
	NotePermissionRequest  = "permission/request"
	NotePermissionResolved = "permission/resolved"
	NoteTerminalOutput     = "terminal/output"
	NoteSessionActivated   = "session/activated"
	NoteSessionsUpdated    = "sessions/updated"
)

// Frame is the wire envelope for every message in either direction.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
	ID      *int64          `json:"id,omitempty"`
}

// ErrorObject is the JSON-RPC error member of a response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// IsResponse reports whether the frame answers a request we sent.
func (f *Frame) IsResponse() bool { return f.ID != nil }

// SessionUpdate is the payload of session/update: one streamed chunk of
// a session's chat timeline. Update is the inner sessionUpdate object,
// left raw here and folded into a projection by the session package.
type SessionUpdate struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// SessionStateUpdate is the payload of session/state_update: a change
// to the session's authoritative state (modes, models, plan, title).
type SessionStateUpdate struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// PermissionOption is one answer the user may pick for a tool call.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"` // "allow_once", "allow_always", "reject_once", "reject_always"
}

// ToolCallSummary describes the tool call awaiting approval.
type ToolCallSummary struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// PermissionRequest is the payload of permission/request. RequestID is
// opaque to the client and compared structurally, never interpreted.
type PermissionRequest struct {
	RequestID json.RawMessage    `json:"requestId"`
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallSummary    `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionResolved is the payload of permission/resolved: another
// client answered the request first.
type PermissionResolved struct {
	RequestID json.RawMessage `json:"requestId"`
	SessionID string          `json:"sessionId"`
}

// TerminalOutput is the payload of terminal/output.
type TerminalOutput struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId,omitempty"`
	Data       string `json:"data"`
}

// SessionActivated is the payload of session/activated, keeping the
// active-session selection synchronized across clients.
type SessionActivated struct {
	SessionID string `json:"sessionId"`
}

// SessionSummary is one entry of a session list.
type SessionSummary struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd,omitempty"`
	Title     string `json:"title,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"` // unix millis
	Active    bool   `json:"active,omitempty"`
}

// SessionsUpdated is the payload of sessions/updated: a full
// replacement snapshot of the session list, not a delta.
type SessionsUpdated struct {
	Sessions []SessionSummary `json:"sessions"`
}
