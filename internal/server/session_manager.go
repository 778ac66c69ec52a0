package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/confirm"
)

// ErrNoApprover is returned by Publish when nobody is listening for the
// request's session.
var ErrNoApprover = errors.New("no approver connected")

const writeWait = 10 * time.Second

// approver is one websocket connection answering confirmations.
type approver struct {
	conn *websocket.Conn
	mu   sync.Mutex // one writer at a time
}

func (a *approver) writeJSON(v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteJSON(v)
}

func (a *approver) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(time.Second))
	a.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
	a.conn.Close()
}

// SessionManager tracks the approvers connected to each session. It is the
// confirm.Publisher behind the interactive gate.
type SessionManager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]map[*approver]struct{}
}

// NewSessionManager creates an empty registry.
func NewSessionManager(logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		logger:   logger.With(zap.String("component", "approvers")),
		sessions: make(map[string]map[*approver]struct{}),
	}
}

func (sm *SessionManager) add(sessionID string, a *approver) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	set, ok := sm.sessions[sessionID]
	if !ok {
		set = make(map[*approver]struct{})
		sm.sessions[sessionID] = set
	}
	set[a] = struct{}{}
}

func (sm *SessionManager) remove(sessionID string, a *approver) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	set := sm.sessions[sessionID]
	delete(set, a)
	if len(set) == 0 {
		delete(sm.sessions, sessionID)
	}
}

// Connected returns the number of approvers listening on sessionID.
func (sm *SessionManager) Connected(sessionID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions[sessionID])
}

// Len returns the number of connected approvers across all sessions.
func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	n := 0
	for _, set := range sm.sessions {
		n += len(set)
	}
	return n
}

func (sm *SessionManager) snapshot(sessionID string) []*approver {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*approver, 0, len(sm.sessions[sessionID]))
	for a := range sm.sessions[sessionID] {
		out = append(out, a)
	}
	return out
}

// Publish sends msg to every approver of msg.SessionID. It succeeds if at
// least one of them received it.
func (sm *SessionManager) Publish(ctx context.Context, msg confirm.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	targets := sm.snapshot(msg.SessionID)
	if len(targets) == 0 {
		return fmt.Errorf("%w for session %s", ErrNoApprover, msg.SessionID)
	}
	var errs []error
	for _, a := range targets {
		if err := a.writeJSON(msg); err != nil {
			sm.logger.Warn("pushing confirmation failed",
				zap.String("session_id", msg.SessionID),
				zap.String("request_id", msg.RequestID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) == len(targets) {
		return errors.Join(errs...)
	}
	return nil
}

// Remove disconnects every approver of sessionID.
func (sm *SessionManager) Remove(sessionID string) {
	sm.mu.Lock()
	set := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()
	for a := range set {
		a.close()
	}
}

// CloseAll disconnects every approver.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	all := sm.sessions
	sm.sessions = make(map[string]map[*approver]struct{})
	sm.mu.Unlock()
	for _, set := range all {
		for a := range set {
			a.close()
		}
	}
}

var _ confirm.Publisher = (*SessionManager)(nil)
