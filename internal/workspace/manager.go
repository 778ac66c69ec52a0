package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Workspace Options
	Retention time.Duration // idle time after which Cleanup removes a workspace; 0 disables
}

type managed struct {
	ws       *Workspace
	lastUsed time.Time
}

// Manager hands out one Workspace per session under a common base directory.
type Manager struct {
	baseDir string
	opts    ManagerOptions
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	spaces map[string]*managed
}

// NewManager creates a Manager rooted at baseDir.
func NewManager(baseDir string, opts ManagerOptions, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace base dir: %w", err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace base dir: %w", err)
	}
	return &Manager{
		baseDir: abs,
		opts:    opts,
		logger:  logger.With(zap.String("component", "workspace")),
		now:     time.Now,
		spaces:  make(map[string]*managed),
	}, nil
}

// Get returns the workspace for sessionID, creating it on first use.
func (m *Manager) Get(sessionID string) (*Workspace, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return nil, fmt.Errorf("%w: invalid session id %q", ErrPathTraversal, sessionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sp, ok := m.spaces[sessionID]; ok {
		sp.lastUsed = m.now()
		return sp.ws, nil
	}

	ws, err := Create(filepath.Join(m.baseDir, sessionID), m.opts.Workspace)
	if err != nil {
		return nil, err
	}
	m.spaces[sessionID] = &managed{ws: ws, lastUsed: m.now()}
	m.logger.Debug("workspace created",
		zap.String("session_id", sessionID),
		zap.String("root", ws.Root()))
	return ws, nil
}

// Touch marks a session's workspace as used now. Unknown sessions are ignored.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sp, ok := m.spaces[sessionID]; ok {
		sp.lastUsed = m.now()
	}
}

// Remove destroys a session's workspace. Removing an unknown session is a no-op.
func (m *Manager) Remove(sessionID string) error {
	m.mu.Lock()
	sp, ok := m.spaces[sessionID]
	delete(m.spaces, sessionID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sp.ws.Destroy(); err != nil {
		return fmt.Errorf("destroying workspace %s: %w", sessionID, err)
	}
	return nil
}

// Cleanup destroys workspaces idle for longer than the retention period and
// returns the removed session ids.
func (m *Manager) Cleanup(now time.Time) []string {
	if m.opts.Retention <= 0 {
		return nil
	}

	m.mu.Lock()
	var expired []string
	var victims []*Workspace
	for id, sp := range m.spaces {
		if now.Sub(sp.lastUsed) > m.opts.Retention {
			expired = append(expired, id)
			victims = append(victims, sp.ws)
			delete(m.spaces, id)
		}
	}
	m.mu.Unlock()

	for i, ws := range victims {
		if err := ws.Destroy(); err != nil {
			m.logger.Warn("workspace cleanup failed",
				zap.String("session_id", expired[i]),
				zap.Error(err))
			continue
		}
		m.logger.Info("workspace expired", zap.String("session_id", expired[i]))
	}
	return expired
}

// Run calls Cleanup every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || m.opts.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			m.Cleanup(t)
		}
	}
}

// Len returns the number of live workspaces.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spaces)
}
