package gateway

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
)

// Close codes sent to peers when the control plane ends a connection.
const (
	CloseSessionNotFound = 4004
	CloseSessionDeleted  = 4005
	CloseSlowClient      = 4008
	CloseBridgeReplaced  = 4009
)

// Sender is the write side of a connection as the registry sees it.
// *Conn implements it; tests substitute fakes.
type Sender interface {
	Send(v interface{}) bool
	Close(code int, reason string)
}

// sessionConns tracks the live sockets of one session: any number of
// clients and at most one sandbox bridge.
type sessionConns struct {
	clients map[Sender]struct{}
	sandbox Sender
}

// Registry maps session ids to their live connections. It is the only
// holder of socket references; all methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionConns
	logger   *logger.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*sessionConns),
		logger:   log,
	}
}

func (r *Registry) entry(sessionID string) *sessionConns {
	entry, ok := r.sessions[sessionID]
	if !ok {
		entry = &sessionConns{clients: make(map[Sender]struct{})}
		r.sessions[sessionID] = entry
	}
	return entry
}

// removeIfEmpty drops the session entry once it has no clients and no
// bridge. Caller must hold the write lock.
func (r *Registry) removeIfEmpty(sessionID string) {
	if entry, ok := r.sessions[sessionID]; ok && len(entry.clients) == 0 && entry.sandbox == nil {
		delete(r.sessions, sessionID)
	}
}

// RegisterClient adds a client socket to a session.
func (r *Registry) RegisterClient(sessionID string, conn Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(sessionID).clients[conn] = struct{}{}
}

// UnregisterClient removes a client socket from a session.
func (r *Registry) UnregisterClient(sessionID string, conn Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sessionID]; ok {
		delete(entry.clients, conn)
		r.removeIfEmpty(sessionID)
	}
}

// RegisterSandbox attaches the bridge socket for a session. If a previous
// bridge exists it is displaced: closed and replaced by the new one.
func (r *Registry) RegisterSandbox(sessionID string, conn Sender) {
	r.mu.Lock()
	entry := r.entry(sessionID)
	displaced := entry.sandbox
	entry.sandbox = conn
	r.mu.Unlock()

	if displaced != nil && displaced != conn {
		r.logger.Info("Displacing previous sandbox bridge", zap.String("session_id", sessionID))
		displaced.Close(CloseBridgeReplaced, "bridge replaced")
	}
}

// UnregisterSandbox detaches the bridge only if conn is still the current
// one; a displaced bridge's close handler must not evict its replacement.
func (r *Registry) UnregisterSandbox(sessionID string, conn Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok || entry.sandbox != conn {
		return false
	}
	entry.sandbox = nil
	r.removeIfEmpty(sessionID)
	return true
}

// HasSandbox reports whether a bridge is currently attached.
func (r *Registry) HasSandbox(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sessionID]
	return ok && entry.sandbox != nil
}

// ClientCount returns the number of attached client sockets.
func (r *Registry) ClientCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.sessions[sessionID]; ok {
		return len(entry.clients)
	}
	return 0
}

// Broadcast fans a frame out to every client of a session. Failures are
// swallowed per socket; a client that cannot keep up is closed so it never
// blocks persistence.
func (r *Registry) Broadcast(sessionID string, frame interface{}) {
	r.mu.RLock()
	entry, ok := r.sessions[sessionID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	clients := make([]Sender, 0, len(entry.clients))
	for conn := range entry.clients {
		clients = append(clients, conn)
	}
	r.mu.RUnlock()

	var slow []Sender
	for _, conn := range clients {
		if !conn.Send(frame) {
			slow = append(slow, conn)
		}
	}

	for _, conn := range slow {
		r.logger.Warn("Dropping slow client", zap.String("session_id", sessionID))
		r.UnregisterClient(sessionID, conn)
		conn.Close(CloseSlowClient, "client too slow")
	}
}

// SendToSandbox sends a frame to the session's bridge. It returns false
// when no bridge is attached or the bridge is not writable.
func (r *Registry) SendToSandbox(sessionID string, frame interface{}) bool {
	r.mu.RLock()
	entry, ok := r.sessions[sessionID]
	var sandbox Sender
	if ok {
		sandbox = entry.sandbox
	}
	r.mu.RUnlock()

	if sandbox == nil {
		return false
	}
	return sandbox.Send(frame)
}

// CloseSession closes every socket of a session with the given status and
// removes the registry entry. Used after session deletion.
func (r *Registry) CloseSession(sessionID string, code int, reason string) {
	r.mu.Lock()
	entry, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	for conn := range entry.clients {
		conn.Close(code, reason)
	}
	if entry.sandbox != nil {
		entry.sandbox.Close(websocket.CloseGoingAway, reason)
	}
}
