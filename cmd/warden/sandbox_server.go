package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/app"
	"github.com/michaelbrown/warden/internal/remote"
	"github.com/michaelbrown/warden/internal/sandbox"
	"github.com/michaelbrown/warden/internal/workspace"
)

var (
	sandboxPortFlag    int
	sandboxIsolateFlag bool
	sandboxTrustFlag   bool
)

var sandboxServerCmd = &cobra.Command{
	Use:   "sandbox-server",
	Short: "Serve the remote sandbox protocol",
	Long: `Run a remote sandbox host that other warden instances reach through
the remote tier. Each session gets a persistent workspace on this host.

The bearer token is remote.token from the config.

Examples:
  warden sandbox-server --port 8090
  warden sandbox-server --container`,
	RunE: runSandboxServer,
}

func init() {
	sandboxServerCmd.Flags().IntVar(&sandboxPortFlag, "port", 0, "Port to listen on (overrides server.sandbox_port)")
	sandboxServerCmd.Flags().BoolVar(&sandboxIsolateFlag, "container", false, "Run code in containers instead of host processes")
	sandboxServerCmd.Flags().BoolVar(&sandboxTrustFlag, "trust-workspace-paths", false, "Use the workspace path sent by clients (shared filesystem only)")
	rootCmd.AddCommand(sandboxServerCmd)
}

func runSandboxServer(cmd *cobra.Command, args []string) error {
	policy, err := app.Policy(cfg)
	if err != nil {
		return err
	}

	var exec sandbox.Executor = sandbox.NewProcessExecutor(policy, logger)
	if sandboxIsolateFlag {
		c, err := sandbox.NewContainerExecutor(policy, logger)
		if err != nil {
			return err
		}
		exec = c
	}
	defer exec.Close()

	mgr, err := workspace.NewManager(cfg.Workspace.BaseDir, workspace.ManagerOptions{Retention: cfg.Workspace.Retention}, logger)
	if err != nil {
		return err
	}
	srv := remote.NewServer(exec, mgr, remote.ServerOptions{
		Token:               cfg.Remote.Token,
		TrustWorkspacePaths: sandboxTrustFlag,
		MaxTimeout:          cfg.Execution.MaxTimeout,
	}, logger)
	if cfg.Remote.Token == "" {
		logger.Warn("remote.token is empty; the sandbox server accepts unauthenticated requests")
	}

	port := cfg.Server.SandboxPort
	if sandboxPortFlag > 0 {
		port = sandboxPortFlag
	}
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go mgr.Run(ctx, time.Minute)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("sandbox server starting",
		zap.String("addr", httpSrv.Addr),
		zap.String("tier", string(exec.Tier())))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
