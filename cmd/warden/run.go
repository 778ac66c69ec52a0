package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/warden/internal/app"
	"github.com/michaelbrown/warden/internal/confirm"
	"github.com/michaelbrown/warden/internal/sandbox"
)

var (
	runLang    string
	runCode    string
	runSession string
	runTier    string
	runTimeout time.Duration
	runYes     bool
	runJSON    bool
)

var runCmd = &cobra.Command{
	Use:   "run [file|-]",
	Short: "Run a snippet through the full pipeline",
	Long: `Assess, confirm and execute code like an agent would.

Risky code is held for approval on this terminal: y approves, e replaces
the code before running, anything else denies.

Examples:
  warden run script.py
  echo 'ls -la' | warden run --lang shell
  warden run --lang python -c 'print(40 + 2)'
  warden run --tier container build.sh`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runLang, "lang", "l", "", "Language (python, javascript, shell); inferred from the file extension")
	runCmd.Flags().StringVarP(&runCode, "code", "c", "", "Code to run instead of a file")
	runCmd.Flags().StringVar(&runSession, "session", "cli", "Session id, which selects the workspace")
	runCmd.Flags().StringVar(&runTier, "tier", "", "Force a tier (process, container, remote)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Execution timeout (default from config)")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Approve confirmations without asking")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the result as JSON")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	code, path, err := readCode(runCode, args)
	if err != nil {
		return err
	}
	lang, err := resolveLanguage(runLang, path)
	if err != nil {
		return err
	}
	tier, err := sandbox.ParseTier(runTier)
	if err != nil {
		return err
	}

	var gate confirm.Gate = confirm.NewTerminal(os.Stderr, cfg.Security.ConfirmationTimeout)
	if runYes {
		gate = confirm.NewAutoApprove(logger)
	}
	a, err := newApp(app.Options{Gate: gate})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res := a.Orchestrator.Execute(ctx, sandbox.Request{
		Code:      code,
		Language:  lang,
		Timeout:   runTimeout,
		SessionID: runSession,
		Tier:      tier,
	})

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printResult(res)
	}
	if !res.Success {
		return fmt.Errorf("execution failed (%s)", res.Kind())
	}
	return nil
}

func printResult(res sandbox.Result) {
	fmt.Print(res.Stdout)
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}

	status := "\033[32mok\033[0m"
	if !res.Success {
		status = "\033[31mfailed\033[0m"
	}
	tier := string(res.Tier)
	if tier == "" {
		tier = "none"
	}
	fmt.Fprintf(os.Stderr, "\n── %s  tier=%s exit=%d %s\n", status, tier, res.ExitCode, res.Elapsed.Round(time.Millisecond))
	if res.Error != "" {
		fmt.Fprintf(os.Stderr, "   %s\n", res.Error)
	}
	if len(res.FilesCreated) > 0 {
		fmt.Fprintf(os.Stderr, "   files: %s\n", strings.Join(res.FilesCreated, ", "))
	}
}
