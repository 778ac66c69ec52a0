package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/michaelbrown/warden/internal/workspace"
)

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func newTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.Create(filepath.Join(t.TempDir(), "ws"), workspace.Options{})
	if err != nil {
		t.Fatalf("workspace.Create: %v", err)
	}
	return ws
}

func TestProcessExecutorShell(t *testing.T) {
	requireBinary(t, "sh")
	ex := NewProcessExecutor(DefaultPolicy(), nil)
	ws := newTestWorkspace(t)

	tests := []struct {
		name     string
		code     string
		success  bool
		exitCode int
		stdout   string
		stderr   string
	}{
		{"echo", "echo hello", true, 0, "hello\n", ""},
		{"exit code", "echo oops >&2; exit 3", false, 3, "", "oops\n"},
		{"multi line", "a=1\nb=2\necho $((a+b))", true, 0, "3\n", ""},
		{"cwd is workspace", "test -d code && test -f notes.md && echo ok", true, 0, "ok\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ex.Execute(context.Background(), ws, Request{Code: tt.code, Language: LangShell, SessionID: "s"})
			if res.Success != tt.success || res.ExitCode != tt.exitCode {
				t.Fatalf("Success=%v ExitCode=%d, want %v/%d (stderr %q, error %q)",
					res.Success, res.ExitCode, tt.success, tt.exitCode, res.Stderr, res.Error)
			}
			if res.Stdout != tt.stdout {
				t.Errorf("Stdout = %q, want %q", res.Stdout, tt.stdout)
			}
			if res.Stderr != tt.stderr {
				t.Errorf("Stderr = %q, want %q", res.Stderr, tt.stderr)
			}
			if res.Tier != TierProcess {
				t.Errorf("Tier = %q, want process", res.Tier)
			}
		})
	}
}

func TestProcessExecutorTimeout(t *testing.T) {
	requireBinary(t, "sh")
	requireBinary(t, "sleep")
	ex := NewProcessExecutor(DefaultPolicy(), nil)
	ws := newTestWorkspace(t)

	start := time.Now()
	res := ex.Execute(context.Background(), ws, Request{
		Code:     "echo started; sleep 30 & sleep 30; wait",
		Language: LangShell,
		Timeout:  300 * time.Millisecond,
	})
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took %s; process group not killed", elapsed)
	}
	if res.Success || res.ExitCode != -1 {
		t.Fatalf("Success=%v ExitCode=%d, want false/-1", res.Success, res.ExitCode)
	}
	if !errors.Is(res.Err, ErrTimeout) || res.Kind() != KindTimeout {
		t.Errorf("Err = %v, want timeout kind", res.Err)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("Error = %q, want it to mention the timeout", res.Error)
	}
}

func TestProcessExecutorTruncatesOutput(t *testing.T) {
	requireBinary(t, "sh")
	policy := DefaultPolicy()
	policy.MaxOutputBytes = 16
	ex := NewProcessExecutor(policy, nil)

	res := ex.Execute(context.Background(), newTestWorkspace(t), Request{
		Code:     "i=0; while [ $i -lt 100 ]; do printf 0123456789; i=$((i+1)); done",
		Language: LangShell,
	})
	if !res.Success {
		t.Fatalf("execution failed: %+v", res)
	}
	want := "0123456789012345" + TruncationMarker
	if res.Stdout != want {
		t.Errorf("Stdout = %q, want %q", res.Stdout, want)
	}
}

func TestProcessExecutorReportsCreatedFiles(t *testing.T) {
	requireBinary(t, "sh")
	ex := NewProcessExecutor(DefaultPolicy(), nil)
	ws := newTestWorkspace(t)

	res := ex.Execute(context.Background(), ws, Request{
		Code:     "echo data > output/result.txt; echo scratch > temp/x",
		Language: LangShell,
	})
	if !res.Success {
		t.Fatalf("execution failed: %+v", res)
	}
	if len(res.FilesCreated) != 1 || res.FilesCreated[0] != "output/result.txt" {
		t.Errorf("FilesCreated = %v, want [output/result.txt]", res.FilesCreated)
	}
	got, err := ws.ReadText("output/result.txt")
	if err != nil || got != "data\n" {
		t.Errorf("output/result.txt = %q, %v", got, err)
	}
}

func TestProcessExecutorPythonRemovesCodeFile(t *testing.T) {
	requireBinary(t, "python3")
	ex := NewProcessExecutor(DefaultPolicy(), nil)
	ws := newTestWorkspace(t)

	res := ex.Execute(context.Background(), ws, Request{
		Code:     "print(sum(range(10)))",
		Language: LangPython,
	})
	if !res.Success || res.Stdout != "45\n" {
		t.Fatalf("result = %+v", res)
	}
	entries, err := ws.List("temp", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp/ not cleaned up: %+v", entries)
	}
	if len(res.FilesCreated) != 0 {
		t.Errorf("FilesCreated = %v, want none", res.FilesCreated)
	}
}

func TestProcessExecutorMissingInterpreter(t *testing.T) {
	ex := NewProcessExecutor(DefaultPolicy(), nil)
	ex.lookPath = func(string) (string, error) { return "", exec.ErrNotFound }

	res := ex.Execute(context.Background(), newTestWorkspace(t), Request{Code: "print(1)", Language: LangPython})
	if res.Success || res.Kind() != KindBackendUnavailable {
		t.Errorf("result = %+v, want BackendUnavailable", res)
	}
}

func TestProcessExecutorUnsupportedLanguage(t *testing.T) {
	ex := NewProcessExecutor(DefaultPolicy(), nil)
	res := ex.Execute(context.Background(), newTestWorkspace(t), Request{Code: "puts 1", Language: "ruby"})
	if res.Success || res.Kind() != KindInvalidRequest {
		t.Errorf("result = %+v, want InvalidRequest", res)
	}
}
