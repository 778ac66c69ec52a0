package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/warden/internal/storage"
	"github.com/michaelbrown/warden/internal/storage/sqlite"
)

var (
	historySession string
	historyFailed  bool
	historyLimit   int
	exportFormat   string
	exportOutput   string
	purgeOlderThan time.Duration
	forceFlag      bool
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"hist", "h"},
	Short:   "Inspect the execution audit log",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded executions",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show one execution, including its code",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export executions as markdown, JSON or YAML",
	RunE:  runHistoryExport,
}

var historyPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old executions, or a whole session with --session",
	RunE:  runHistoryPurge,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyExportCmd, historyPurgeCmd)

	for _, c := range []*cobra.Command{historyListCmd, historyExportCmd, historyPurgeCmd} {
		c.Flags().StringVar(&historySession, "session", "", "Only this session")
	}
	historyListCmd.Flags().BoolVar(&historyFailed, "failed", false, "Only failed executions")
	historyListCmd.Flags().IntVar(&historyLimit, "limit", 20, "Max executions to show")

	historyExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md, json or yaml")
	historyExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	historyPurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 30*24*time.Hour, "Delete executions older than this")
	historyPurgeCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openStore() (storage.Store, error) {
	return sqlite.Open(cfg.Storage.DBPath)
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	execs, err := store.ListExecutions(context.Background(), storage.ListOptions{
		SessionID:  historySession,
		FailedOnly: historyFailed,
		Limit:      historyLimit,
	})
	if err != nil {
		return err
	}

	if len(execs) == 0 {
		fmt.Println("No executions found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-14s %-11s %-9s %-10s %-8s %s\n", "ID", "SESSION", "LANGUAGE", "RISK", "TIER", "RESULT", "WHEN")
	fmt.Println(strings.Repeat("─", 80))

	for _, e := range execs {
		result := "ok"
		if !e.Success {
			result = e.ErrorKind
			if result == "" {
				result = fmt.Sprintf("exit %d", e.ExitCode)
			}
		}
		tier := e.Tier
		if tier == "" {
			tier = "-"
		}
		fmt.Printf("%-10s %-14s %-11s %-9s %-10s %-8s %s\n",
			shortID(e.ID), truncate(e.SessionID, 14), e.Language, e.RiskLevel, tier, truncate(result, 8), timeAgo(e.CreatedAt))
	}

	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	e, err := store.GetExecution(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Execution: %s\n", e.ID)
	fmt.Printf("Session:   %s\n", e.SessionID)
	fmt.Printf("Language:  %s\n", e.Language)
	fmt.Printf("Risk:      %s\n", e.RiskLevel)
	if len(e.Patterns) > 0 {
		fmt.Printf("Patterns:  %s\n", strings.Join(e.Patterns, ", "))
	}
	if e.Confirmation != "" {
		fmt.Printf("Confirm:   %s\n", e.Confirmation)
	}
	fmt.Printf("Tier:      %s (requested %s)\n", e.Tier, e.RequestedTier)
	fmt.Printf("Success:   %v (exit %d)\n", e.Success, e.ExitCode)
	if e.Error != "" {
		fmt.Printf("Error:     %s\n", e.Error)
	}
	fmt.Printf("Elapsed:   %s\n", e.Elapsed)
	fmt.Printf("Created:   %s\n", e.CreatedAt.Format(time.RFC3339))
	if len(e.FilesCreated) > 0 {
		fmt.Printf("Files:     %s\n", strings.Join(e.FilesCreated, ", "))
	}

	fmt.Println(strings.Repeat("─", 60))
	fmt.Println(e.Code)
	return nil
}

func runHistoryExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	execs, err := store.ListExecutions(context.Background(), storage.ListOptions{SessionID: historySession})
	if err != nil {
		return err
	}

	var output []byte
	switch exportFormat {
	case "json":
		output, err = storage.ExportJSON(execs)
	case "yaml":
		output, err = storage.ExportYAML(execs)
	case "md":
		title := "Execution history"
		if historySession != "" {
			title += " for " + historySession
		}
		output = []byte(storage.ExportMarkdown(title, execs))
	default:
		return fmt.Errorf("unknown export format %q", exportFormat)
	}
	if err != nil {
		return err
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, output, 0o644)
	}

	os.Stdout.Write(output)
	return nil
}

func runHistoryPurge(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	what := fmt.Sprintf("executions older than %s", purgeOlderThan)
	if historySession != "" {
		what = "all executions of session " + historySession
	}
	if !forceFlag {
		fmt.Printf("Delete %s? [y/N] ", what)
		var answer string
		fmt.Scanln(&answer)
		if strings.ToLower(answer) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	ctx := context.Background()
	var n int64
	if historySession != "" {
		n, err = store.DeleteSession(ctx, historySession)
	} else {
		n, err = store.Purge(ctx, time.Now().Add(-purgeOlderThan))
	}
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d executions\n", n)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen-2] + ".."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
