package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/michaelbrown/warden/internal/workspace"
)

// Language is the language of a code snippet.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangShell      Language = "shell"
)

// ParseLanguage accepts the canonical names plus common aliases.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python", "python3", "py":
		return LangPython, nil
	case "javascript", "js", "node":
		return LangJavaScript, nil
	case "shell", "sh", "bash":
		return LangShell, nil
	default:
		return "", fmt.Errorf("unsupported language %q", s)
	}
}

// Extension returns the file extension used when writing code to disk.
func (l Language) Extension() string {
	switch l {
	case LangPython:
		return ".py"
	case LangJavaScript:
		return ".js"
	default:
		return ".sh"
	}
}

// Tier is an isolation level, from least to most isolated: process,
// container, remote. TierReject is a policy verdict, never an executor.
type Tier string

const (
	TierNone      Tier = ""
	TierProcess   Tier = "process"
	TierContainer Tier = "container"
	TierRemote    Tier = "remote"
	TierReject    Tier = "reject"
)

// ParseTier parses an executable tier name. The empty string yields TierNone.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierNone, TierProcess, TierContainer, TierRemote:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// Executable reports whether t names a backend that can run code.
func (t Tier) Executable() bool {
	return t == TierProcess || t == TierContainer || t == TierRemote
}

// Request describes one code execution.
type Request struct {
	Code           string
	Language       Language
	Timeout        time.Duration
	SessionID      string
	Tier           Tier // forced tier; TierNone lets policy decide
	MaxMemoryMB    int
	MaxOutputBytes int
}

// WithCode returns a copy of r running different code.
func (r Request) WithCode(code string) Request {
	r.Code = code
	return r
}

// Result is the outcome of an execution. Failures are data, not errors.
type Result struct {
	Success      bool          `json:"success"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	ExitCode     int           `json:"exit_code"`
	Error        string        `json:"error,omitempty"`
	Tier         Tier          `json:"tier"`
	Elapsed      time.Duration `json:"-"`
	FilesCreated []string      `json:"files_created"`

	// Err carries the error kind for callers that branch on it (fallback,
	// metrics). It is not serialized.
	Err error `json:"-"`
}

// Failed builds a failed Result with the sentinel exit code -1.
func Failed(tier Tier, err error) Result {
	return Result{
		Success:  false,
		ExitCode: -1,
		Error:    err.Error(),
		Tier:     tier,
		Err:      err,
	}
}

// Kind returns the error kind of r, or KindNone for successful runs.
func (r Result) Kind() Kind {
	return KindOf(r.Err)
}

// Executor runs code in one isolation tier. Execute never returns an error:
// every fault is reported through the Result.
type Executor interface {
	Tier() Tier
	Execute(ctx context.Context, ws *workspace.Workspace, req Request) Result
	Close() error
}
