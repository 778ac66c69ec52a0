// Command code-runner serves warden's code_run and code_assess tools over
// MCP stdio. With the interactive gate it also starts the HTTP API so
// approvers can answer confirmations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/app"
	"github.com/michaelbrown/warden/internal/config"
	"github.com/michaelbrown/warden/internal/confirm"
	"github.com/michaelbrown/warden/internal/logging"
	"github.com/michaelbrown/warden/internal/mcptool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "code-runner: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Config file")
	session := flag.String("session", "mcp", "Default session id")
	flag.Parse()

	godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	// stdout carries the protocol; logs go to stderr.
	logger, err := logging.New(cfg.Log.Level, "json")
	if err != nil {
		return err
	}
	defer logger.Sync()

	var opts app.Options
	if cfg.Security.Gate == "terminal" {
		// stdin is the protocol stream, there is no terminal to prompt on.
		opts.Gate = confirm.AutoReject{Reason: "no terminal available to confirm risky code"}
	}
	a, err := app.New(cfg, logger, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go a.RunJanitor(ctx)

	if a.Confirmations != nil {
		srv, err := a.Server()
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Start(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("approval server failed", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	s := mcptool.New(a.Orchestrator, *session).Server("warden-code-runner", "0.1.0")
	return server.ServeStdio(s)
}
