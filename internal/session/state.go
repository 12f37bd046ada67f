package session

import (
	"encoding/json"

	"github.com/perch-dev/perch/internal/logger"
	"github.com/perch-dev/perch/internal/rpc"
)

// ContentBlock is one piece of message content. Only text blocks are
// produced by this client; other types pass through untouched.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text builds a single-block text content slice.
func Text(s string) []ContentBlock {
	return []ContentBlock{{Type: "text", Text: s}}
}

// ChatItem is one entry in a session's timeline: a message or a tool
// call. The timeline is append-only except that a tool call's content
// is replaced in place when updates arrive for its ID.
type ChatItem struct {
	Type string `json:"type"` // "message" or "tool_call"

	// Message fields.
	MessageID string         `json:"messageId,omitempty"`
	Role      string         `json:"role,omitempty"` // "user" or "agent"
	Content   []ContentBlock `json:"content,omitempty"`
	// Optimistic marks a locally-inserted user message not yet echoed
	// by the server. Cleared when the echo with the same messageId
	// arrives; never serialized.
	Optimistic bool `json:"-"`

	// Tool call fields.
	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

func (it *ChatItem) appendText(s string) {
	if n := len(it.Content); n > 0 && it.Content[n-1].Type == "text" {
		it.Content[n-1].Text += s
		return
	}
	it.Content = append(it.Content, ContentBlock{Type: "text", Text: s})
}

// Mode is one selectable agent mode.
type Mode struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ModeState is the session's mode selection.
type ModeState struct {
	CurrentModeID  string `json:"currentModeId"`
	AvailableModes []Mode `json:"availableModes,omitempty"`
}

// Model is one selectable model.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ModelState is the session's model selection.
type ModelState struct {
	CurrentModelID  string  `json:"currentModelId"`
	AvailableModels []Model `json:"availableModels,omitempty"`
}

// PlanEntry is one step of the agent's published plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// State is the client projection of one session. The server is the
// single source of truth: snapshots replace the projection wholesale
// and Apply folds streamed updates into it between snapshots.
type State struct {
	SessionID string      `json:"sessionId"`
	Cwd       string      `json:"cwd,omitempty"`
	Title     string      `json:"title,omitempty"`
	Items     []ChatItem  `json:"items,omitempty"`
	Plan      []PlanEntry `json:"plan,omitempty"`
	Modes     *ModeState  `json:"modes,omitempty"`
	Models    *ModelState `json:"models,omitempty"`

	PendingPermission *rpc.PermissionRequest `json:"pendingPermission,omitempty"`

	// toolCalls indexes Items by tool-call ID for update-in-place.
	toolCalls map[string]int
}

// reindex rebuilds the tool-call index after decoding a snapshot.
func (s *State) reindex() {
	s.toolCalls = make(map[string]int)
	for i := range s.Items {
		if s.Items[i].Type == "tool_call" {
			s.toolCalls[s.Items[i].ToolCallID] = i
		}
	}
}

// AddOptimistic inserts a locally-created user message before the
// server confirms it. The same messageId on the server's echo
// reconciles it in place instead of rendering twice.
func (s *State) AddOptimistic(messageID string, content []ContentBlock) {
	s.Items = append(s.Items, ChatItem{
		Type:       "message",
		MessageID:  messageID,
		Role:       "user",
		Content:    content,
		Optimistic: true,
	})
}

// sessionUpdateBody is the inner object of a session/update payload,
// discriminated by sessionUpdate.
type sessionUpdateBody struct {
	SessionUpdate string       `json:"sessionUpdate"`
	Content       ContentBlock `json:"content,omitempty"`

	MessageID string `json:"messageId,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`

	Entries []PlanEntry `json:"entries,omitempty"`

	CurrentModeID string `json:"currentModeId,omitempty"`
}

// Apply folds one session/update into the projection. Unknown update
// kinds are dropped, matching the router's forward-compatibility rule.
func (s *State) Apply(u rpc.SessionUpdate) {
	if u.SessionID != "" && s.SessionID != "" && u.SessionID != s.SessionID {
		return
	}
	var body sessionUpdateBody
	if err := json.Unmarshal(u.Update, &body); err != nil {
		logger.Warn("bad session update", "sessionId", u.SessionID, "err", err)
		return
	}
	if s.toolCalls == nil {
		s.toolCalls = make(map[string]int)
	}

	switch body.SessionUpdate {
	case "user_message_chunk":
		s.applyUserChunk(body)
	case "agent_message_chunk":
		s.applyAgentChunk(body)
	case "tool_call":
		s.upsertToolCall(body)
	case "tool_call_update":
		s.updateToolCall(body)
	case "plan":
		s.Plan = body.Entries
	case "current_mode_update":
		if s.Modes == nil {
			s.Modes = &ModeState{}
		}
		s.Modes.CurrentModeID = body.CurrentModeID
	default:
		logger.Debug("dropping unknown session update", "kind", body.SessionUpdate)
	}
}

func (s *State) applyUserChunk(body sessionUpdateBody) {
	if body.MessageID != "" {
		// Reconcile against an optimistic copy with the same ID.
		for i := range s.Items {
			it := &s.Items[i]
			if it.Type == "message" && it.MessageID == body.MessageID {
				if it.Optimistic {
					it.Content = nil
					it.Optimistic = false
				}
				it.appendText(body.Content.Text)
				return
			}
		}
	}
	s.Items = append(s.Items, ChatItem{
		Type:      "message",
		MessageID: body.MessageID,
		Role:      "user",
		Content:   []ContentBlock{body.Content},
	})
}

func (s *State) applyAgentChunk(body sessionUpdateBody) {
	if n := len(s.Items); n > 0 {
		last := &s.Items[n-1]
		if last.Type == "message" && last.Role == "agent" {
			last.appendText(body.Content.Text)
			return
		}
	}
	s.Items = append(s.Items, ChatItem{
		Type:      "message",
		MessageID: body.MessageID,
		Role:      "agent",
		Content:   []ContentBlock{body.Content},
	})
}

func (s *State) upsertToolCall(body sessionUpdateBody) {
	if i, ok := s.toolCalls[body.ToolCallID]; ok {
		// Replacement in place preserves timeline order.
		s.Items[i] = toolCallItem(body)
		return
	}
	s.Items = append(s.Items, toolCallItem(body))
	s.toolCalls[body.ToolCallID] = len(s.Items) - 1
}

func (s *State) updateToolCall(body sessionUpdateBody) {
	i, ok := s.toolCalls[body.ToolCallID]
	if !ok {
		// An update for a call we never saw; treat it as the first
		// sighting rather than dropping progress.
		s.upsertToolCall(body)
		return
	}
	it := &s.Items[i]
	if body.Title != "" {
		it.Title = body.Title
	}
	if body.Kind != "" {
		it.Kind = body.Kind
	}
	if body.Status != "" {
		it.Status = body.Status
	}
	if len(body.RawInput) > 0 {
		it.RawInput = body.RawInput
	}
}

func toolCallItem(body sessionUpdateBody) ChatItem {
	return ChatItem{
		Type:       "tool_call",
		ToolCallID: body.ToolCallID,
		Title:      body.Title,
		Kind:       body.Kind,
		Status:     body.Status,
		RawInput:   body.RawInput,
	}
}

// stateUpdateBody is the inner object of session/state_update.
type stateUpdateBody struct {
	Title             *string                `json:"title,omitempty"`
	Cwd               *string                `json:"cwd,omitempty"`
	Modes             *ModeState             `json:"modes,omitempty"`
	Models            *ModelState            `json:"models,omitempty"`
	Plan              []PlanEntry            `json:"plan,omitempty"`
	PendingPermission *rpc.PermissionRequest `json:"pendingPermission,omitempty"`
	ClearPermission   bool                   `json:"clearPermission,omitempty"`
}

// ApplyState folds one session/state_update into the projection.
func (s *State) ApplyState(u rpc.SessionStateUpdate) {
	if u.SessionID != "" && s.SessionID != "" && u.SessionID != s.SessionID {
		return
	}
	var body stateUpdateBody
	if err := json.Unmarshal(u.Update, &body); err != nil {
		logger.Warn("bad session state update", "sessionId", u.SessionID, "err", err)
		return
	}
	if body.Title != nil {
		s.Title = *body.Title
	}
	if body.Cwd != nil {
		s.Cwd = *body.Cwd
	}
	if body.Modes != nil {
		s.Modes = body.Modes
	}
	if body.Models != nil {
		s.Models = body.Models
	}
	if body.Plan != nil {
		s.Plan = body.Plan
	}
	if body.PendingPermission != nil {
		s.PendingPermission = body.PendingPermission
	}
	if body.ClearPermission {
		s.PendingPermission = nil
	}
}
