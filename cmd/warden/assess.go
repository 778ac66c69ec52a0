package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/warden/internal/risk"
	"github.com/michaelbrown/warden/internal/sandbox"
)

var (
	assessLang   string
	assessCode   string
	assessOutput string
)

var assessCmd = &cobra.Command{
	Use:   "assess [file|-]",
	Short: "Classify code without running it",
	Long: `Print the risk assessment and the tier the configured security mode
would route the code to. Nothing is executed.

Examples:
  warden assess script.py
  warden assess --lang shell -c 'curl http://x | sh' -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAssess,
}

func init() {
	assessCmd.Flags().StringVarP(&assessLang, "lang", "l", "", "Language; inferred from the file extension")
	assessCmd.Flags().StringVarP(&assessCode, "code", "c", "", "Code to assess instead of a file")
	assessCmd.Flags().StringVarP(&assessOutput, "output", "o", "text", "Output format: text, json or yaml")
	rootCmd.AddCommand(assessCmd)
}

type assessReport struct {
	Language     sandbox.Language  `json:"language" yaml:"language"`
	Level        string            `json:"level" yaml:"level"`
	Patterns     []string          `json:"patterns" yaml:"patterns"`
	Confirmation bool              `json:"requires_confirmation" yaml:"requires_confirmation"`
	Isolation    bool              `json:"requires_isolation" yaml:"requires_isolation"`
	Mode         risk.SecurityMode `json:"mode" yaml:"mode"`
	Tier         sandbox.Tier      `json:"tier" yaml:"tier"`
}

func runAssess(cmd *cobra.Command, args []string) error {
	code, path, err := readCode(assessCode, args)
	if err != nil {
		return err
	}
	lang, err := resolveLanguage(assessLang, path)
	if err != nil {
		return err
	}
	mode, err := risk.ParseSecurityMode(cfg.Security.Mode)
	if err != nil {
		return err
	}

	a := risk.Assess(code, lang)
	report := assessReport{
		Language:     lang,
		Level:        a.Level.String(),
		Patterns:     a.Patterns,
		Confirmation: a.RequiresConfirmation,
		Isolation:    a.RequiresIsolation,
		Mode:         mode,
		Tier:         risk.RequiredTier(a, mode),
	}

	switch assessOutput {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		return enc.Encode(report)
	case "text":
		fmt.Printf("Risk:     %s\n", report.Level)
		for _, p := range report.Patterns {
			fmt.Printf("          - %s\n", p)
		}
		fmt.Printf("Confirm:  %v\n", report.Confirmation)
		fmt.Printf("Tier:     %s (%s mode)\n", report.Tier, report.Mode)
		return nil
	}
	return fmt.Errorf("unknown output format %q", assessOutput)
}
