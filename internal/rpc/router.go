package rpc

import (
	"encoding/json"
	"sync"

	"github.com/perch-dev/perch/internal/logger"
)

// Event keys for handler registration. Session-scoped keys append the
// session ID.
const (
	keySessionUpdate      = "session-update-"       // + sessionID
	keySessionStateScoped = "session-state-update-" // + sessionID
	keySessionStateGlobal = "session-state-update"
	keyTerminalOutput     = "terminal:output"
	keySessionsUpdated    = "sessions-updated"
)

// PermissionSink receives permission traffic. permission/request and
// permission/resolved are routed here exclusively, never to generic
// subscribers.
type PermissionSink interface {
	HandleRequest(req PermissionRequest)
	HandleResolved(res PermissionResolved)
}

// Router fans inbound notifications out to subscribers. Handlers run
// inline on the connection's read goroutine, so per-session consumers
// observe updates in server-emission order.
type Router struct {
	mu       sync.Mutex
	handlers map[string]map[uint64]any
	nextID   uint64

	// At most one activation handler; last registration wins.
	onActivated func(SessionActivated)

	perm PermissionSink
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]map[uint64]any)}
}

// Subscription is a handle to one registered handler. Cancel removes
// that handler only; other subscribers on the same key are untouched.
type Subscription struct {
	r   *Router
	key string
	id  uint64
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.r == nil {
		return
	}
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	set := s.r.handlers[s.key]
	if set == nil {
		return
	}
	delete(set, s.id)
	if len(set) == 0 {
		delete(s.r.handlers, s.key)
	}
	s.r = nil
}

func (r *Router) add(key string, fn any) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.handlers[key]
	if set == nil {
		set = make(map[uint64]any)
		r.handlers[key] = set
	}
	r.nextID++
	set[r.nextID] = fn
	return &Subscription{r: r, key: key, id: r.nextID}
}

// OnSessionUpdate subscribes to session/update chunks for one session.
func (r *Router) OnSessionUpdate(sessionID string, fn func(SessionUpdate)) *Subscription {
	return r.add(keySessionUpdate+sessionID, fn)
}

// OnSessionState subscribes to session/state_update for one session,
// or for all sessions when sessionID is empty.
func (r *Router) OnSessionState(sessionID string, fn func(SessionStateUpdate)) *Subscription {
	if sessionID == "" {
		return r.add(keySessionStateGlobal, fn)
	}
	return r.add(keySessionStateScoped+sessionID, fn)
}

// OnTerminalOutput subscribes to terminal/output.
func (r *Router) OnTerminalOutput(fn func(TerminalOutput)) *Subscription {
	return r.add(keyTerminalOutput, fn)
}

// OnSessionsUpdated subscribes to full session-list snapshots.
func (r *Router) OnSessionsUpdated(fn func(SessionsUpdated)) *Subscription {
	return r.add(keySessionsUpdated, fn)
}

// OnSessionActivated installs the session-activation handler,
// replacing any previous one. Pass nil to clear it.
func (r *Router) OnSessionActivated(fn func(SessionActivated)) {
	r.mu.Lock()
	r.onActivated = fn
	r.mu.Unlock()
}

// SetPermissionSink installs the permission coordinator.
func (r *Router) SetPermissionSink(p PermissionSink) {
	r.mu.Lock()
	r.perm = p
	r.mu.Unlock()
}

// HandlerCount reports how many handlers are registered under a key.
func (r *Router) HandlerCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[key])
}

// snapshot copies the handler set for a key so dispatch runs without
// holding the lock (a handler may subscribe or cancel reentrantly).
func (r *Router) snapshot(key string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.handlers[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]any, 0, len(set))
	for _, fn := range set {
		out = append(out, fn)
	}
	return out
}

// Dispatch decodes a notification by method and delivers the typed
// payload. Unknown methods are logged and dropped so server additions
// don't break older clients.
func (r *Router) Dispatch(method string, params json.RawMessage) {
	switch method {
	case NoteSessionUpdate:
		var p SessionUpdate
		if err := json.Unmarshal(params, &p); err != nil {
			logger.Warn("bad session/update payload", "err", err)
			return
		}
		for _, fn := range r.snapshot(keySessionUpdate + p.SessionID) {
			fn.(func(SessionUpdate))(p)
		}

	case NoteSessionStateUpdate:
		var p SessionStateUpdate
		if err := json.Unmarshal(params, &p); err != nil {
			logger.Warn("bad session/state_update payload", "err", err)
			return
		}
		for _, fn := range r.snapshot(keySessionStateScoped + p.SessionID) {
			fn.(func(SessionStateUpdate))(p)
		}
		for _, fn := range r.snapshot(keySessionStateGlobal) {
			fn.(func(SessionStateUpdate))(p)
		}

	case NotePermissionRequest:
		var p PermissionRequest
		if err := json.Unmarshal(params, &p); err != nil {
			logger.Warn("bad permission/request payload", "err", err)
			return
		}
		r.mu.Lock()
		perm := r.perm
		r.mu.Unlock()
		if perm == nil {
			logger.Warn("permission/request with no coordinator installed", "sessionId", p.SessionID)
			return
		}
		perm.HandleRequest(p)

	case NotePermissionResolved:
		var p PermissionResolved
		if err := json.Unmarshal(params, &p); err != nil {
			logger.Warn("bad permission/resolved payload", "err", err)
			return
		}
		r.mu.Lock()
		perm := r.perm
		r.mu.Unlock()
		if perm != nil {
			perm.HandleResolved(p)
		}

	case NoteTerminalOutput:
		var p TerminalOutput
		if err := json.Unmarshal(params, &p); err != nil {
			logger.Warn("bad terminal/output payload", "err", err)
			return
		}
		for _, fn := range r.snapshot(keyTerminalOutput) {
			fn.(func(TerminalOutput))(p)
		}

	case NoteSessionActivated:
		var p SessionActivated
		if err := json.Unmarshal(params, &p); err != nil {
			logger.Warn("bad session/activated payload", "err", err)
			return
		}
		r.mu.Lock()
		fn := r.onActivated
		r.mu.Unlock()
		if fn != nil {
			fn(p)
		}

	case NoteSessionsUpdated:
		var p SessionsUpdated
		if err := json.Unmarshal(params, &p); err != nil {
			logger.Warn("bad sessions/updated payload", "err", err)
			return
		}
		for _, fn := range r.snapshot(keySessionsUpdated) {
			fn.(func(SessionsUpdated))(p)
		}

	default:
		logger.Debug("dropping unknown notification", "method", method)
	}
}

// SessionUpdateKey returns the registry key for a session's update
// handlers. Exposed for handler-leak assertions in tests.
func SessionUpdateKey(sessionID string) string {
	return keySessionUpdate + sessionID
}
