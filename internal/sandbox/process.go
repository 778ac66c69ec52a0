package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/workspace"
)

// ProcessExecutor runs code as a child process of the host, confined to the
// workspace directory. It is the lowest isolation tier.
type ProcessExecutor struct {
	policy   Policy
	logger   *zap.Logger
	lookPath func(string) (string, error)
}

// NewProcessExecutor creates a process-tier executor.
func NewProcessExecutor(policy Policy, logger *zap.Logger) *ProcessExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessExecutor{
		policy:   policy,
		logger:   logger.With(zap.String("component", "process_executor")),
		lookPath: exec.LookPath,
	}
}

func (p *ProcessExecutor) Tier() Tier { return TierProcess }

func (p *ProcessExecutor) Close() error { return nil }

// Execute runs req in a child process with the workspace root as its working
// directory. The child and all its descendants are killed on timeout.
func (p *ProcessExecutor) Execute(ctx context.Context, ws *workspace.Workspace, req Request) Result {
	start := time.Now()
	res := p.execute(ctx, ws, req)
	res.Tier = TierProcess
	res.Elapsed = time.Since(start)
	return res
}

func (p *ProcessExecutor) execute(ctx context.Context, ws *workspace.Workspace, req Request) Result {
	if ws == nil {
		return Failed(TierProcess, Errorf(KindInternal, "no workspace"))
	}
	name, args, err := Interpreter(req.Language)
	if err != nil {
		return Failed(TierProcess, err)
	}
	bin, err := p.lookPath(name)
	if err != nil {
		return Failed(TierProcess, NewError(KindBackendUnavailable, "interpreter "+name+" not found", err))
	}

	before, err := ws.Snapshot()
	if err != nil {
		return Failed(TierProcess, NewError(KindInternal, "snapshot workspace", err))
	}

	var stdin *strings.Reader
	if req.Language == LangShell {
		stdin = strings.NewReader(req.Code)
	} else {
		rel := "temp/exec-" + uuid.NewString() + req.Language.Extension()
		if err := ws.WriteText(rel, req.Code); err != nil {
			return Failed(TierProcess, NewError(KindInternal, "writing code file", err))
		}
		defer ws.Delete(rel)
		path, err := ws.Resolve(rel)
		if err != nil {
			return Failed(TierProcess, err)
		}
		args = append(args, path)
	}

	timeout := p.policy.Timeout(req.Timeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limit := p.policy.OutputLimit(req.MaxOutputBytes)
	stdout, stderr := newCappedBuffer(limit), newCappedBuffer(limit)

	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = ws.Root()
	cmd.Env = childEnv(ws.Root())
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}
	setupProcessGroup(cmd)

	p.logger.Debug("starting process",
		zap.String("session_id", req.SessionID),
		zap.String("language", string(req.Language)),
		zap.Duration("timeout", timeout))

	runErr := cmd.Run()

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if after, err := ws.Snapshot(); err == nil {
		res.FilesCreated = workspace.Changed(before, after)
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.ExitCode = -1
		res.Err = Errorf(KindTimeout, "exceeded %s", timeout)
		res.Error = res.Err.Error()
		p.logger.Info("process timed out", zap.String("session_id", req.SessionID))
		return res
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Err = NewError(KindInternal, "execution cancelled", ctx.Err())
		res.Error = res.Err.Error()
		return res
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		res.Success = true
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Err = NewError(KindInternal, "running process", runErr)
		res.Error = res.Err.Error()
	}
	return res
}

// childEnv is a minimal environment: the host PATH so interpreters resolve,
// with HOME pointed into the workspace.
func childEnv(root string) []string {
	env := []string{
		"HOME=" + root,
		"TMPDIR=" + root + string(os.PathSeparator) + "temp",
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
	}
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	}
	return env
}
