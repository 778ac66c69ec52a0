// Package orchestrator is the single entry point for running untrusted code:
// it assesses risk, asks for confirmation, picks an isolation tier and
// dispatches to an executor, degrading to weaker tiers only when a backend
// is unavailable.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/warden/internal/confirm"
	"github.com/michaelbrown/warden/internal/metrics"
	"github.com/michaelbrown/warden/internal/pool"
	"github.com/michaelbrown/warden/internal/risk"
	"github.com/michaelbrown/warden/internal/sandbox"
	"github.com/michaelbrown/warden/internal/storage"
	"github.com/michaelbrown/warden/internal/workspace"
)

// fallbackChain orders tiers from most to least isolated.
var fallbackChain = []sandbox.Tier{sandbox.TierRemote, sandbox.TierContainer, sandbox.TierProcess}

// Options configures an Orchestrator. Zero values fall back to sensible
// defaults; a nil Gate skips confirmation entirely.
type Options struct {
	Mode                risk.SecurityMode
	Gate                confirm.Gate
	ConfirmationTimeout time.Duration
	DefaultTimeout      time.Duration
	MaxMemoryMB         int
	MaxOutputBytes      int

	// Store, when set, receives an audit record per execution.
	Store storage.Store
	// Metrics, when set, receives execution metrics.
	Metrics *metrics.Collector
}

// Orchestrator runs execution requests end to end.
type Orchestrator struct {
	workspaces *workspace.Manager
	executors  map[sandbox.Tier]sandbox.Executor
	opts       Options
	logger     *zap.Logger
	newID      func() string

	statsMu sync.Mutex
	stats   map[sandbox.Tier]*ExecutorStats

	activeMu sync.Mutex
	active   map[string]struct{}

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// New creates an orchestrator over the given executors, keyed by their tier.
// Missing tiers are treated as unavailable.
func New(workspaces *workspace.Manager, executors []sandbox.Executor, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Mode == "" {
		opts.Mode = risk.ModeStrict
	}
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = 5 * time.Minute
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	o := &Orchestrator{
		workspaces: workspaces,
		executors:  make(map[sandbox.Tier]sandbox.Executor, len(executors)),
		opts:       opts,
		logger:     logger.With(zap.String("component", "orchestrator")),
		newID:      uuid.NewString,
		stats:      make(map[sandbox.Tier]*ExecutorStats),
		active:     make(map[string]struct{}),
		closed:     make(chan struct{}),
	}
	for _, e := range executors {
		if e == nil {
			continue
		}
		o.executors[e.Tier()] = e
	}
	return o
}

// Assess classifies code without running it.
func (o *Orchestrator) Assess(code string, lang sandbox.Language) risk.Assessment {
	return risk.Assess(code, lang)
}

// Mode returns the active security mode.
func (o *Orchestrator) Mode() risk.SecurityMode {
	return o.opts.Mode
}

// Workspaces returns the workspace manager.
func (o *Orchestrator) Workspaces() *workspace.Manager {
	return o.workspaces
}

// Execute runs req and always returns a Result; failures of every kind are
// reported through it.
func (o *Orchestrator) Execute(ctx context.Context, req sandbox.Request) sandbox.Result {
	start := time.Now()
	rec := &storage.Execution{
		ID:        o.newID(),
		SessionID: req.SessionID,
		Language:  string(req.Language),
		Code:      req.Code,
		RiskLevel: risk.Safe.String(),
		CreatedAt: start.UTC(),
	}

	res := o.execute(ctx, req, rec)
	if res.Elapsed == 0 {
		res.Elapsed = time.Since(start)
	}
	o.finish(ctx, rec, res)
	return res
}

func (o *Orchestrator) execute(ctx context.Context, req sandbox.Request, rec *storage.Execution) sandbox.Result {
	select {
	case <-o.closed:
		return sandbox.Failed(sandbox.TierNone, sandbox.Errorf(sandbox.KindInternal, "orchestrator is closed"))
	default:
	}

	req, err := o.validate(req)
	if err != nil {
		return sandbox.Failed(sandbox.TierNone, err)
	}
	rec.Language = string(req.Language)

	log := o.logger.With(
		zap.String("session_id", req.SessionID),
		zap.String("language", string(req.Language)),
		zap.String("execution_id", rec.ID))

	// 1-2. Classify; a rejection is final.
	assessment := o.assess(req, rec)
	if assessment.Rejected() {
		log.Info("execution rejected by policy", zap.Strings("patterns", assessment.Patterns))
		return sandbox.Failed(sandbox.TierReject, sandbox.Errorf(sandbox.KindRejectedByPolicy, "%s", assessment.Describe()))
	}

	// 3. Confirm.
	if assessment.RequiresConfirmation && o.opts.Gate != nil {
		var res sandbox.Result
		var ok bool
		req, assessment, res, ok = o.confirm(ctx, log, req, assessment, rec)
		if !ok {
			return res
		}
	}

	// 4. Resolve the tier.
	tier := req.Tier
	if tier == sandbox.TierNone {
		tier = risk.RequiredTier(assessment, o.opts.Mode)
	}
	rec.RequestedTier = string(tier)

	// One execution per session on every tier; the remote pool keeps its own
	// guard for connections shared outside this process.
	release, err := o.lease(req.SessionID)
	if err != nil {
		log.Info("execution refused", zap.Error(err))
		return sandbox.Failed(tier, err)
	}
	defer release()

	ws, err := o.workspaces.Get(req.SessionID)
	if err != nil {
		kind := sandbox.KindOf(err)
		if kind != sandbox.KindPathTraversal {
			kind = sandbox.KindInternal
		}
		log.Error("workspace unavailable", zap.Error(err))
		return sandbox.Failed(tier, sandbox.NewError(kind, "opening workspace", err))
	}

	// 5. Dispatch.
	log.Debug("dispatching",
		zap.String("risk", assessment.Level.String()),
		zap.String("tier", string(tier)))
	return o.dispatch(ctx, log, ws, req, tier)
}

func (o *Orchestrator) validate(req sandbox.Request) (sandbox.Request, error) {
	lang, err := sandbox.ParseLanguage(string(req.Language))
	if err != nil {
		return req, sandbox.NewError(sandbox.KindInvalidRequest, "", err)
	}
	req.Language = lang
	if strings.TrimSpace(req.Code) == "" {
		return req, sandbox.Errorf(sandbox.KindInvalidRequest, "code is empty")
	}
	if req.SessionID == "" {
		return req, sandbox.Errorf(sandbox.KindInvalidRequest, "session id is required")
	}
	if req.Tier != sandbox.TierNone && !req.Tier.Executable() {
		return req, sandbox.Errorf(sandbox.KindInvalidRequest, "tier %q cannot run code", req.Tier)
	}
	if req.Timeout <= 0 {
		req.Timeout = o.opts.DefaultTimeout
	}
	if req.MaxMemoryMB <= 0 {
		req.MaxMemoryMB = o.opts.MaxMemoryMB
	}
	if req.MaxOutputBytes <= 0 {
		req.MaxOutputBytes = o.opts.MaxOutputBytes
	}
	return req, nil
}

func (o *Orchestrator) assess(req sandbox.Request, rec *storage.Execution) risk.Assessment {
	a := risk.Assess(req.Code, req.Language)
	rec.Code = req.Code
	rec.RiskLevel = a.Level.String()
	rec.Patterns = a.Patterns
	if o.opts.Metrics != nil {
		o.opts.Metrics.RecordAssessment(string(req.Language), a.Level.String())
	}
	return a
}

// confirm asks the gate. ok is false when the result is final.
func (o *Orchestrator) confirm(ctx context.Context, log *zap.Logger, req sandbox.Request, a risk.Assessment, rec *storage.Execution) (sandbox.Request, risk.Assessment, sandbox.Result, bool) {
	creq := confirm.NewRequest(req.SessionID, req.Code, a, o.opts.ConfirmationTimeout)
	answer, err := o.opts.Gate.RequestConfirmation(ctx, creq)
	if err != nil {
		switch {
		case errors.Is(err, confirm.ErrTimedOut):
			rec.Confirmation = storage.ConfirmationTimedOut
			o.recordConfirmation(storage.ConfirmationTimedOut)
			log.Info("confirmation timed out")
			return req, a, sandbox.Failed(sandbox.TierNone, sandbox.NewError(sandbox.KindConfirmationTimedOut, "", nil)), false
		case ctx.Err() != nil:
			return req, a, sandbox.Failed(sandbox.TierNone, sandbox.NewError(sandbox.KindInternal, "cancelled awaiting confirmation", ctx.Err())), false
		default:
			rec.Confirmation = storage.ConfirmationDenied
			o.recordConfirmation(storage.ConfirmationDenied)
			return req, a, sandbox.Failed(sandbox.TierNone, sandbox.NewError(sandbox.KindConfirmationDenied, "", err)), false
		}
	}
	if !answer.Approved {
		reason := answer.Reason
		if reason == "" {
			reason = "no reason given"
		}
		rec.Confirmation = storage.ConfirmationDenied
		o.recordConfirmation(storage.ConfirmationDenied)
		log.Info("confirmation denied", zap.String("reason", reason))
		return req, a, sandbox.Failed(sandbox.TierNone, sandbox.Errorf(sandbox.KindConfirmationDenied, "%s", reason)), false
	}

	rec.Confirmation = storage.ConfirmationApproved
	if answer.ModifiedCode != "" && answer.ModifiedCode != req.Code {
		rec.Confirmation = storage.ConfirmationModified
		req = req.WithCode(answer.ModifiedCode)
		a = o.assess(req, rec)
		log.Info("approved with modified code", zap.String("risk", a.Level.String()))
		if a.Rejected() {
			o.recordConfirmation(rec.Confirmation)
			return req, a, sandbox.Failed(sandbox.TierReject, sandbox.Errorf(sandbox.KindRejectedByPolicy, "%s", a.Describe())), false
		}
	}
	o.recordConfirmation(rec.Confirmation)
	return req, a, sandbox.Result{}, true
}

func (o *Orchestrator) recordConfirmation(outcome string) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.RecordConfirmation(outcome)
	}
}

// dispatch runs req on tier, walking down the fallback chain while the
// backend reports BackendUnavailable.
func (o *Orchestrator) dispatch(ctx context.Context, log *zap.Logger, ws *workspace.Workspace, req sandbox.Request, tier sandbox.Tier) sandbox.Result {
	var last sandbox.Result
	from := sandbox.TierNone
	for _, t := range chainFrom(tier) {
		exec, ok := o.executors[t]
		if !ok {
			last = sandbox.Failed(t, sandbox.Errorf(sandbox.KindBackendUnavailable, "no %s executor configured", t))
		} else {
			if from != sandbox.TierNone {
				log.Warn("degrading to a less isolated tier",
					zap.String("from", string(from)),
					zap.String("to", string(t)),
					zap.String("reason", last.Error))
				if o.opts.Metrics != nil {
					o.opts.Metrics.RecordFallback(string(from), string(t))
				}
			}
			last = exec.Execute(ctx, ws, req)
			if last.Tier == sandbox.TierNone {
				last.Tier = t
			}
			o.recordStats(t, last)
		}
		if last.Kind() != sandbox.KindBackendUnavailable {
			return last
		}
		from = t
	}
	log.Error("no execution backend available", zap.String("error", last.Error))
	return last
}

// lease marks sessionID as running until the returned func is called. It
// fails immediately with sandbox.ErrConcurrentAccess if it already is.
func (o *Orchestrator) lease(sessionID string) (func(), error) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	if _, busy := o.active[sessionID]; busy {
		return nil, sandbox.NewError(sandbox.KindConcurrentAccess, sessionID, nil)
	}
	o.active[sessionID] = struct{}{}
	return func() {
		o.activeMu.Lock()
		delete(o.active, sessionID)
		o.activeMu.Unlock()
		// Idle time for retention starts when the run ends, not when it began.
		o.workspaces.Touch(sessionID)
	}, nil
}

// chainFrom returns the fallback chain starting at tier.
func chainFrom(tier sandbox.Tier) []sandbox.Tier {
	for i, t := range fallbackChain {
		if t == tier {
			return fallbackChain[i:]
		}
	}
	return []sandbox.Tier{tier}
}

func (o *Orchestrator) finish(ctx context.Context, rec *storage.Execution, res sandbox.Result) {
	rec.Tier = string(res.Tier)
	rec.Success = res.Success
	rec.ExitCode = res.ExitCode
	rec.Error = res.Error
	rec.FilesCreated = res.FilesCreated
	rec.Elapsed = res.Elapsed
	outcome := "success"
	if !res.Success {
		if k := res.Kind(); k != sandbox.KindNone {
			rec.ErrorKind = k.String()
			outcome = k.String()
		} else {
			outcome = "failed"
		}
	}

	if m := o.opts.Metrics; m != nil {
		m.RecordExecution(rec.Language, rec.Tier, outcome, res.Elapsed)
		if s, ok := o.PoolStats(); ok {
			m.SetPoolStats(s.Idle, s.Acquiring, s.Busy)
		}
	}

	if o.opts.Store != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.opts.Store.RecordExecution(sctx, rec); err != nil {
			o.logger.Warn("recording execution failed",
				zap.String("execution_id", rec.ID),
				zap.Error(err))
		}
	}
}

// PoolStats reports the remote pool's connection counts when a remote tier
// is configured and running.
func (o *Orchestrator) PoolStats() (pool.Stats, bool) {
	e := o.executors[sandbox.TierRemote]
	if l, ok := e.(*lazyExecutor); ok {
		e = l.built()
	}
	p, ok := e.(interface{ Stats() pool.Stats })
	if !ok {
		return pool.Stats{}, false
	}
	return p.Stats(), true
}

// EndSession releases a session's workspace and any pooled connection.
func (o *Orchestrator) EndSession(sessionID string) error {
	for _, e := range o.executors {
		if s, ok := e.(interface{ EndSession(string) }); ok {
			s.EndSession(sessionID)
		}
	}
	return o.workspaces.Remove(sessionID)
}

// Close tears down every executor in parallel. Later Execute calls fail.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		close(o.closed)
		var g errgroup.Group
		for tier, e := range o.executors {
			g.Go(func() error {
				if err := e.Close(); err != nil {
					o.logger.Warn("closing executor failed", zap.String("tier", string(tier)), zap.Error(err))
					return err
				}
				return nil
			})
		}
		o.closeErr = g.Wait()
	})
	return o.closeErr
}
