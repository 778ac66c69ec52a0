package pool

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/remote"
	"github.com/michaelbrown/warden/internal/sandbox"
	"github.com/michaelbrown/warden/internal/workspace"
)

// Executor runs requests on pooled remote sandboxes. It is the remote tier
// seen by the orchestrator.
type Executor struct {
	pool   *Pool
	logger *zap.Logger
}

// NewExecutor wraps p as a sandbox.Executor.
func NewExecutor(p *Pool, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{pool: p, logger: logger.With(zap.String("component", "remote_executor"))}
}

func (e *Executor) Tier() sandbox.Tier { return sandbox.TierRemote }

// Execute acquires the session's connection, runs req and releases it. A
// connection that reports BackendUnavailable is discarded.
func (e *Executor) Execute(ctx context.Context, ws *workspace.Workspace, req sandbox.Request) sandbox.Result {
	start := time.Now()
	conn, err := e.pool.Acquire(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, ErrPoolClosed) {
			err = sandbox.NewError(sandbox.KindBackendUnavailable, "remote pool", err)
		}
		res := sandbox.Failed(sandbox.TierRemote, err)
		res.Elapsed = time.Since(start)
		return res
	}

	res := conn.Execute(ctx, req)
	if res.Kind() == sandbox.KindBackendUnavailable {
		e.logger.Warn("discarding broken remote sandbox",
			zap.String("session_id", req.SessionID),
			zap.String("error", res.Error))
		e.pool.Discard(req.SessionID)
	} else {
		e.pool.Release(req.SessionID)
	}
	res.Tier = sandbox.TierRemote
	return res
}

// EndSession drops the session's idle connection.
func (e *Executor) EndSession(sessionID string) {
	e.pool.Evict(sessionID)
}

// Stats reports the pool's connection counts.
func (e *Executor) Stats() Stats {
	return e.pool.Stats()
}

// Close stops the pool.
func (e *Executor) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return e.pool.Stop(ctx)
}

// WorkspaceResolver maps a session to the path of its workspace.
type WorkspaceResolver func(sessionID string) (*workspace.Workspace, error)

// RemoteFactory opens pooled connections through a remote protocol client.
func RemoteFactory(client *remote.Client, resolve WorkspaceResolver) Factory {
	return func(ctx context.Context, sessionID string) (Conn, error) {
		path := ""
		if resolve != nil {
			ws, err := resolve(sessionID)
			if err != nil {
				return nil, err
			}
			path = ws.Root()
		}
		sess, err := client.Connect(ctx, sessionID, path)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}
