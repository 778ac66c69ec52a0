package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExportMarkdown renders execution records as a markdown report.
func ExportMarkdown(title string, execs []Execution) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# %s\n\n", title))
	b.WriteString(fmt.Sprintf("- **Executions:** %d\n", len(execs)))
	b.WriteString("\n---\n\n")

	for _, e := range execs {
		status := "ok"
		if !e.Success {
			status = "failed"
		}
		b.WriteString(fmt.Sprintf("## %s (%s)\n\n", shortID(e.ID), status))
		b.WriteString(fmt.Sprintf("- **Session:** %s\n", e.SessionID))
		b.WriteString(fmt.Sprintf("- **When:** %s\n", e.CreatedAt.Format("2006-01-02 15:04:05")))
		b.WriteString(fmt.Sprintf("- **Risk:** %s\n", e.RiskLevel))
		if len(e.Patterns) > 0 {
			b.WriteString(fmt.Sprintf("- **Patterns:** %s\n", strings.Join(e.Patterns, ", ")))
		}
		if e.Confirmation != "" {
			b.WriteString(fmt.Sprintf("- **Confirmation:** %s\n", e.Confirmation))
		}
		tier := e.Tier
		if e.RequestedTier != "" && e.RequestedTier != e.Tier {
			tier = fmt.Sprintf("%s (requested %s)", e.Tier, e.RequestedTier)
		}
		if tier != "" {
			b.WriteString(fmt.Sprintf("- **Tier:** %s\n", tier))
		}
		b.WriteString(fmt.Sprintf("- **Exit code:** %d\n", e.ExitCode))
		if e.Error != "" {
			b.WriteString(fmt.Sprintf("- **Error:** %s\n", e.Error))
		}
		b.WriteString(fmt.Sprintf("\n```%s\n%s\n```\n\n", e.Language, strings.TrimRight(e.Code, "\n")))
		if len(e.FilesCreated) > 0 {
			b.WriteString("<details>\n<summary>Files created</summary>\n\n")
			for _, f := range e.FilesCreated {
				b.WriteString(fmt.Sprintf("- %s\n", f))
			}
			b.WriteString("</details>\n\n")
		}
	}

	return b.String()
}

// ExportJSON renders execution records as formatted JSON.
func ExportJSON(execs []Execution) ([]byte, error) {
	export := struct {
		Executions []Execution `json:"executions"`
	}{
		Executions: execs,
	}
	return json.MarshalIndent(export, "", "  ")
}

// ExportYAML renders execution records as YAML.
func ExportYAML(execs []Execution) ([]byte, error) {
	return yaml.Marshal(map[string][]Execution{"executions": execs})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
