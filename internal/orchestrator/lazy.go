package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/sandbox"
	"github.com/michaelbrown/warden/internal/workspace"
)

// lazyExecutor builds its executor on first use. A construction failure is
// reported as BackendUnavailable so the orchestrator can fall back.
type lazyExecutor struct {
	tier   sandbox.Tier
	create func() (sandbox.Executor, error)
	logger *zap.Logger

	mu   sync.Mutex
	exec sandbox.Executor
	err  error
	done bool
}

// Lazy returns an executor for tier that calls create the first time it is
// needed. create is not retried after a failure.
func Lazy(tier sandbox.Tier, create func() (sandbox.Executor, error), logger *zap.Logger) sandbox.Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &lazyExecutor{tier: tier, create: create, logger: logger}
}

func (l *lazyExecutor) Tier() sandbox.Tier { return l.tier }

func (l *lazyExecutor) get() (sandbox.Executor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.done {
		l.done = true
		l.exec, l.err = l.create()
		if l.err != nil {
			l.logger.Warn("executor unavailable",
				zap.String("tier", string(l.tier)),
				zap.Error(l.err))
		}
	}
	return l.exec, l.err
}

func (l *lazyExecutor) Execute(ctx context.Context, ws *workspace.Workspace, req sandbox.Request) sandbox.Result {
	exec, err := l.get()
	if err != nil {
		return sandbox.Failed(l.tier, sandbox.NewError(sandbox.KindBackendUnavailable, "starting "+string(l.tier)+" executor", err))
	}
	return exec.Execute(ctx, ws, req)
}

func (l *lazyExecutor) built() sandbox.Executor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exec
}

// EndSession forwards to the built executor, if any.
func (l *lazyExecutor) EndSession(sessionID string) {
	if s, ok := l.built().(interface{ EndSession(string) }); ok {
		s.EndSession(sessionID)
	}
}

func (l *lazyExecutor) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = true
	if l.exec == nil {
		return nil
	}
	return l.exec.Close()
}
