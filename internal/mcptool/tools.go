// Package mcptool exposes the orchestrator as MCP tools for agent runtimes.
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/warden/internal/orchestrator"
	"github.com/michaelbrown/warden/internal/risk"
	"github.com/michaelbrown/warden/internal/sandbox"
)

// maxTextLen bounds the text handed back to the model.
const maxTextLen = 4000

// Tools serves code_run and code_assess.
type Tools struct {
	orch           *orchestrator.Orchestrator
	defaultSession string
}

// New creates the tool handlers. Calls without a session_id run in
// defaultSession.
func New(orch *orchestrator.Orchestrator, defaultSession string) *Tools {
	if defaultSession == "" {
		defaultSession = "mcp"
	}
	return &Tools{orch: orch, defaultSession: defaultSession}
}

var languageProperty = map[string]any{
	"type":        "string",
	"description": "Programming language (python, javascript, shell)",
	"enum":        []string{"python", "javascript", "shell"},
}

// Server builds an MCP server with both tools registered.
func (t *Tools) Server(name, version string) *server.MCPServer {
	s := server.NewMCPServer(name, version)

	s.AddTool(mcp.Tool{
		Name: "code_run",
		Description: "Execute code in a sandbox. The code is risk-assessed first; risky code may need " +
			"human approval and runs in an isolated container or remote sandbox. Files persist per session " +
			"in the workspace (code/, data/, output/).",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": languageProperty,
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session whose workspace the code runs in (optional)",
				},
				"timeout_seconds": map[string]any{
					"type":        "number",
					"description": "Execution timeout in seconds (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}, t.handleCodeRun)

	s.AddTool(mcp.Tool{
		Name:        "code_assess",
		Description: "Report the risk level of code and the sandbox tier it would run in, without running it.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": languageProperty,
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to assess",
				},
			},
			Required: []string{"language", "code"},
		},
	}, t.handleCodeAssess)

	return s
}

func (t *Tools) handleCodeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	language, _ := args["language"].(string)
	code, _ := args["code"].(string)
	session, _ := args["session_id"].(string)
	timeout, _ := args["timeout_seconds"].(float64)

	if language == "" || code == "" {
		return errResult("error: 'language' and 'code' are required"), nil
	}
	if session == "" {
		session = t.defaultSession
	}

	res := t.orch.Execute(ctx, sandbox.Request{
		Code:      code,
		Language:  sandbox.Language(language),
		Timeout:   time.Duration(timeout * float64(time.Second)),
		SessionID: session,
	})

	var output strings.Builder
	if res.Stdout != "" {
		output.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("STDERR:\n" + res.Stderr)
	}
	if res.Error != "" {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("error: " + res.Error)
	}
	if res.ExitCode != 0 {
		output.WriteString(fmt.Sprintf("\nexit code: %d", res.ExitCode))
	}
	if len(res.FilesCreated) > 0 {
		output.WriteString("\nfiles created: " + strings.Join(res.FilesCreated, ", "))
	}
	if res.Tier != sandbox.TierNone {
		output.WriteString(fmt.Sprintf("\n[tier: %s]", res.Tier))
	}

	text := strings.TrimPrefix(output.String(), "\n")
	if len(text) > maxTextLen {
		text = text[:maxTextLen] + "\n... (output truncated)"
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: !res.Success,
	}, nil
}

type assessment struct {
	risk.Assessment
	RequiredTier sandbox.Tier `json:"required_tier"`
}

func (t *Tools) handleCodeAssess(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}
	language, _ := args["language"].(string)
	code, _ := args["code"].(string)

	lang, err := sandbox.ParseLanguage(language)
	if err != nil {
		return errResult("error: " + err.Error()), nil
	}
	a := t.orch.Assess(code, lang)
	data, err := json.MarshalIndent(assessment{Assessment: a, RequiredTier: risk.RequiredTier(a, t.orch.Mode())}, "", "  ")
	if err != nil {
		return errResult("error: " + err.Error()), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(data)}},
	}, nil
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
