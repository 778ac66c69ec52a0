package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/michaelbrown/warden/internal/workspace"
)

// fakeDocker records calls and plays back a scripted container run.
type fakeDocker struct {
	mu sync.Mutex

	pingErr    error
	missing    bool // first create reports the image as not found
	exitCode   int64
	hang       bool // container never exits on its own
	slowStart  bool // ContainerStart blocks until its context ends
	stdout     string
	stderr     string
	onStart    func()
	created    []*container.HostConfig
	configs    []*container.Config
	pulls      []string
	killed     []string
	removed    []string
	createCall int
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, ref)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCall++
	if f.missing && f.createCall == 1 {
		return container.CreateResponse{}, cerrdefs.ErrNotFound
	}
	f.configs = append(f.configs, cfg)
	f.created = append(f.created, host)
	return container.CreateResponse{ID: "c-" + name}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	if f.onStart != nil {
		f.onStart()
	}
	if f.slowStart {
		<-ctx.Done()
		return fmt.Errorf("starting: %w", ctx.Err())
	}
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.hang {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
		return statusCh, errCh
	}
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, errCh
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerKill(ctx context.Context, id, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) Close() error { return nil }

func TestContainerExecutorRunsLockedDown(t *testing.T) {
	fake := &fakeDocker{stdout: "hi\n", stderr: "warn\n"}
	ex := NewContainerExecutorWithClient(fake, DefaultPolicy(), nil)
	ws := newTestWorkspace(t)

	res := ex.Execute(context.Background(), ws, Request{Code: "print('hi')", Language: LangPython, SessionID: "s1"})
	if !res.Success || res.ExitCode != 0 || res.Tier != TierContainer {
		t.Fatalf("result = %+v", res)
	}
	if res.Stdout != "hi\n" || res.Stderr != "warn\n" {
		t.Errorf("Stdout=%q Stderr=%q", res.Stdout, res.Stderr)
	}

	if len(fake.created) != 1 {
		t.Fatalf("created %d containers, want 1", len(fake.created))
	}
	cfg, host := fake.configs[0], fake.created[0]
	if !cfg.NetworkDisabled || host.NetworkMode != "none" {
		t.Error("network not disabled")
	}
	if cfg.User == "" || cfg.User == "root" || strings.HasPrefix(cfg.User, "0") {
		t.Errorf("User = %q, want non-root", cfg.User)
	}
	if cfg.Image != "python:3.12-slim" {
		t.Errorf("Image = %q", cfg.Image)
	}
	if len(cfg.Cmd) != 3 || cfg.Cmd[0] != "python3" || !strings.HasPrefix(cfg.Cmd[2], "/workspace/temp/exec-") {
		t.Errorf("Cmd = %v", cfg.Cmd)
	}
	if !host.ReadonlyRootfs || len(host.CapDrop) != 1 || host.CapDrop[0] != "ALL" {
		t.Errorf("host config not locked down: %+v", host)
	}
	if host.Resources.Memory != 256*1024*1024 || host.Resources.PidsLimit == nil || host.Resources.NanoCPUs != 1e9 {
		t.Errorf("resources = %+v", host.Resources)
	}
	if len(host.Mounts) != 1 || host.Mounts[0].Source != ws.Root() || host.Mounts[0].Target != "/workspace" || host.Mounts[0].ReadOnly {
		t.Errorf("mounts = %+v", host.Mounts)
	}
	if len(fake.removed) != 1 {
		t.Errorf("container not removed")
	}
	if entries, _ := ws.List("temp", false); len(entries) != 0 {
		t.Errorf("code file left behind: %+v", entries)
	}
}

func TestContainerExecutorShellAndMemoryOverride(t *testing.T) {
	fake := &fakeDocker{exitCode: 2}
	ex := NewContainerExecutorWithClient(fake, DefaultPolicy(), nil)

	res := ex.Execute(context.Background(), newTestWorkspace(t), Request{Code: "exit 2", Language: LangShell, MaxMemoryMB: 32})
	if res.Success || res.ExitCode != 2 {
		t.Fatalf("result = %+v", res)
	}
	cfg := fake.configs[0]
	if strings.Join(cfg.Cmd, " ") != "sh -c exit 2" {
		t.Errorf("Cmd = %v", cfg.Cmd)
	}
	if fake.created[0].Resources.Memory != 32*1024*1024 {
		t.Errorf("Memory = %d", fake.created[0].Resources.Memory)
	}
}

func TestContainerExecutorPullsMissingImage(t *testing.T) {
	fake := &fakeDocker{missing: true}
	ex := NewContainerExecutorWithClient(fake, DefaultPolicy(), nil)

	res := ex.Execute(context.Background(), newTestWorkspace(t), Request{Code: "console.log(1)", Language: LangJavaScript})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(fake.pulls) != 1 || fake.pulls[0] != "node:22-slim" {
		t.Errorf("pulls = %v", fake.pulls)
	}
}

func TestContainerExecutorTimeoutKills(t *testing.T) {
	fake := &fakeDocker{hang: true, stdout: "partial"}
	ex := NewContainerExecutorWithClient(fake, DefaultPolicy(), nil)

	res := ex.Execute(context.Background(), newTestWorkspace(t), Request{
		Code: "sleep 100", Language: LangShell, Timeout: 50 * time.Millisecond,
	})
	if res.Success || res.ExitCode != -1 || res.Kind() != KindTimeout {
		t.Fatalf("result = %+v", res)
	}
	if res.Stdout != "partial" {
		t.Errorf("partial output lost: %q", res.Stdout)
	}
	if len(fake.killed) != 1 || len(fake.removed) != 1 {
		t.Errorf("killed=%v removed=%v", fake.killed, fake.removed)
	}
}

func TestContainerExecutorDaemonUnavailable(t *testing.T) {
	fake := &fakeDocker{pingErr: errors.New("connection refused")}
	ex := NewContainerExecutorWithClient(fake, DefaultPolicy(), nil)

	res := ex.Execute(context.Background(), newTestWorkspace(t), Request{Code: "echo hi", Language: LangShell})
	if res.Success || res.Kind() != KindBackendUnavailable {
		t.Fatalf("result = %+v, want BackendUnavailable", res)
	}
	if len(fake.created) != 0 {
		t.Error("container created despite unavailable daemon")
	}
}

type stubExecutor struct {
	tier  Tier
	calls int
	res   Result
}

func (s *stubExecutor) Tier() Tier { return s.tier }
func (s *stubExecutor) Close() error { return nil }
func (s *stubExecutor) Execute(ctx context.Context, ws *workspace.Workspace, req Request) Result {
	s.calls++
	r := s.res
	r.Tier = s.tier
	return r
}

func TestContainerExecutorSlowStartIsTimeout(t *testing.T) {
	fake := &fakeDocker{slowStart: true}
	fb := &stubExecutor{tier: TierProcess, res: Result{Success: true}}
	ex := NewContainerExecutorWithClient(fake, DefaultPolicy(), nil).WithFallback(fb)

	res := ex.Execute(context.Background(), newTestWorkspace(t), Request{
		Code: "echo hi", Language: LangShell, Timeout: 50 * time.Millisecond,
	})
	if res.Success || res.Kind() != KindTimeout || res.Tier != TierContainer {
		t.Fatalf("result = %+v, want container timeout", res)
	}
	if fb.calls != 0 {
		t.Errorf("timed out run fell back %d times", fb.calls)
	}
	if len(fake.killed) != 1 || len(fake.removed) != 1 {
		t.Errorf("killed=%v removed=%v", fake.killed, fake.removed)
	}
}

func TestContainerExecutorFallback(t *testing.T) {
	fake := &fakeDocker{pingErr: errors.New("connection refused")}
	fb := &stubExecutor{tier: TierProcess, res: Result{Success: true, Stdout: "from process"}}
	ex := NewContainerExecutorWithClient(fake, DefaultPolicy(), nil).WithFallback(fb)

	res := ex.Execute(context.Background(), newTestWorkspace(t), Request{Code: "echo hi", Language: LangShell})
	if !res.Success || res.Tier != TierProcess || fb.calls != 1 {
		t.Errorf("result = %+v, fallback calls = %d", res, fb.calls)
	}
}
