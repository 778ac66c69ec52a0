// Package app assembles warden's components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/config"
	"github.com/michaelbrown/warden/internal/confirm"
	"github.com/michaelbrown/warden/internal/metrics"
	"github.com/michaelbrown/warden/internal/orchestrator"
	"github.com/michaelbrown/warden/internal/pool"
	"github.com/michaelbrown/warden/internal/remote"
	"github.com/michaelbrown/warden/internal/risk"
	"github.com/michaelbrown/warden/internal/sandbox"
	"github.com/michaelbrown/warden/internal/server"
	"github.com/michaelbrown/warden/internal/storage"
	"github.com/michaelbrown/warden/internal/storage/sqlite"
	"github.com/michaelbrown/warden/internal/workspace"
)

// Options adjusts how New wires the components.
type Options struct {
	// Gate replaces the configured confirmation gate.
	Gate confirm.Gate
	// Prompt is where the terminal gate writes. Defaults to stderr.
	Prompt io.Writer
	// NoStore skips opening the audit database.
	NoStore bool
}

// App holds the wired components of one warden process.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Store        storage.Store
	Metrics      *metrics.Collector
	Workspaces   *workspace.Manager
	Orchestrator *orchestrator.Orchestrator

	// Confirmations and Approvers are set when the gate is interactive.
	Confirmations *confirm.Interactive
	Approvers     *server.SessionManager
}

// New builds the application graph: store, metrics, workspaces, executors,
// gate and orchestrator.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	policy, err := Policy(cfg)
	if err != nil {
		return nil, err
	}
	mode, err := risk.ParseSecurityMode(cfg.Security.Mode)
	if err != nil {
		return nil, err
	}

	var maxSize int64
	if cfg.Workspace.MaxSize != "" {
		if maxSize, err = units.FromHumanSize(cfg.Workspace.MaxSize); err != nil {
			return nil, fmt.Errorf("workspace.max_size: %w", err)
		}
	}
	a.Workspaces, err = workspace.NewManager(cfg.Workspace.BaseDir, workspace.ManagerOptions{
		Workspace: workspace.Options{MaxSizeBytes: maxSize},
		Retention: cfg.Workspace.Retention,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("workspace manager: %w", err)
	}

	if !opts.NoStore {
		store, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		a.Store = store
	}

	a.Metrics = metrics.NewCollector("warden", logger)

	gate := opts.Gate
	if gate == nil {
		gate, err = a.buildGate(opts.Prompt)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Orchestrator = orchestrator.New(a.Workspaces, a.executors(policy), orchestrator.Options{
		Mode:                mode,
		Gate:                gate,
		ConfirmationTimeout: cfg.Security.ConfirmationTimeout,
		DefaultTimeout:      cfg.Execution.DefaultTimeout,
		MaxMemoryMB:         int(cfg.Execution.MaxMemoryMB),
		MaxOutputBytes:      cfg.Execution.MaxOutputBytes,
		Store:               a.Store,
		Metrics:             a.Metrics,
	}, logger)

	logger.Info("warden ready",
		zap.String("mode", string(mode)),
		zap.String("gate", cfg.Security.Gate),
		zap.Bool("container", cfg.Container.Enabled),
		zap.Bool("remote", cfg.Remote.Enabled))
	return a, nil
}

// Policy translates the configured limits into an executor policy.
func Policy(cfg *config.Config) (sandbox.Policy, error) {
	p := sandbox.DefaultPolicy()
	p.MaxMemory = fmt.Sprintf("%dm", cfg.Execution.MaxMemoryMB)
	p.DefaultTimeout = cfg.Execution.DefaultTimeout
	p.MaxTimeout = cfg.Execution.MaxTimeout
	p.MaxOutputBytes = cfg.Execution.MaxOutputBytes
	if cfg.Container.CPUs > 0 {
		p.CPUs = cfg.Container.CPUs
	}
	if cfg.Container.PidsLimit > 0 {
		p.PidsLimit = cfg.Container.PidsLimit
	}
	if cfg.Container.User != "" {
		p.User = cfg.Container.User
	}
	for name, image := range cfg.Container.Images {
		lang, err := sandbox.ParseLanguage(name)
		if err != nil {
			return p, fmt.Errorf("container.images: %w", err)
		}
		p.Images[lang] = image
	}
	return p, nil
}

func (a *App) buildGate(prompt io.Writer) (confirm.Gate, error) {
	timeout := a.Config.Security.ConfirmationTimeout
	switch a.Config.Security.Gate {
	case "auto_approve":
		return confirm.NewAutoApprove(a.Logger), nil
	case "auto_reject":
		return confirm.AutoReject{}, nil
	case "interactive":
		a.Approvers = server.NewSessionManager(a.Logger)
		a.Confirmations = confirm.NewInteractive(a.Approvers, timeout, a.Logger)
		return a.Confirmations, nil
	case "terminal":
		if prompt == nil {
			prompt = os.Stderr
		}
		return confirm.NewTerminal(prompt, timeout), nil
	}
	return nil, fmt.Errorf("unknown confirmation gate %q", a.Config.Security.Gate)
}

func (a *App) executors(policy sandbox.Policy) []sandbox.Executor {
	execs := []sandbox.Executor{sandbox.NewProcessExecutor(policy, a.Logger)}

	if a.Config.Container.Enabled {
		execs = append(execs, orchestrator.Lazy(sandbox.TierContainer, func() (sandbox.Executor, error) {
			c, err := sandbox.NewContainerExecutor(policy, a.Logger)
			if err != nil {
				return nil, err
			}
			return c, nil
		}, a.Logger))
	}

	if a.Config.Remote.Enabled {
		client := remote.NewClient(a.Config.Remote.BaseURL, a.Config.Remote.Token, a.Logger)
		p := pool.New(pool.RemoteFactory(client, a.Workspaces.Get), pool.Options{
			MinIdle:      a.Config.Pool.MinIdle,
			MaxUses:      a.Config.Pool.MaxUses,
			IdleTimeout:  a.Config.Pool.IdleTimeout,
			ReapInterval: a.Config.Pool.ReapInterval,
		}, a.Logger)
		execs = append(execs, pool.NewExecutor(p, a.Logger))
	}
	return execs
}

// RunJanitor removes idle workspaces until ctx is done.
func (a *App) RunJanitor(ctx context.Context) {
	interval := a.Config.Workspace.Retention / 4
	if interval > 10*time.Minute {
		interval = 10 * time.Minute
	}
	a.Workspaces.Run(ctx, interval)
}

// Server builds the HTTP API over the application.
func (a *App) Server() (*server.Server, error) {
	return server.New(server.Options{
		Orchestrator:  a.Orchestrator,
		Store:         a.Store,
		Metrics:       a.Metrics,
		Confirmations: a.Confirmations,
		Sessions:      a.Approvers,
		MaxTimeout:    a.Config.Execution.MaxTimeout,
	}, a.Logger)
}

// Close shuts the orchestrator and store down.
func (a *App) Close() error {
	var errs []error
	if a.Orchestrator != nil {
		errs = append(errs, a.Orchestrator.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
