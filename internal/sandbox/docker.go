package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/workspace"
)

// DockerAPI is the subset of the Docker Engine client used by
// ContainerExecutor.
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

const (
	pingTimeout    = 5 * time.Second
	cleanupTimeout = 10 * time.Second
)

// ContainerExecutor runs each request in a fresh, locked-down Docker
// container with the workspace bind-mounted at /workspace.
type ContainerExecutor struct {
	api      DockerAPI
	policy   Policy
	logger   *zap.Logger
	fallback Executor

	mu     sync.Mutex
	pulled map[string]bool
}

// NewContainerExecutor connects to the Docker daemon described by the
// environment (DOCKER_HOST etc.). The daemon is not contacted until the
// first execution.
func NewContainerExecutor(policy Policy, logger *zap.Logger) (*ContainerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return NewContainerExecutorWithClient(cli, policy, logger), nil
}

// NewContainerExecutorWithClient wraps an existing Docker API client.
func NewContainerExecutorWithClient(api DockerAPI, policy Policy, logger *zap.Logger) *ContainerExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContainerExecutor{
		api:    api,
		policy: policy,
		logger: logger.With(zap.String("component", "container_executor")),
		pulled: make(map[string]bool),
	}
}

// WithFallback makes the executor run requests on fb when the daemon is
// unreachable instead of reporting BackendUnavailable.
func (c *ContainerExecutor) WithFallback(fb Executor) *ContainerExecutor {
	c.fallback = fb
	return c
}

func (c *ContainerExecutor) Tier() Tier { return TierContainer }

func (c *ContainerExecutor) Close() error { return c.api.Close() }

// Available pings the daemon.
func (c *ContainerExecutor) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := c.api.Ping(ctx); err != nil {
		return NewError(KindBackendUnavailable, "docker daemon not reachable", err)
	}
	return nil
}

func (c *ContainerExecutor) Execute(ctx context.Context, ws *workspace.Workspace, req Request) Result {
	start := time.Now()
	res := c.execute(ctx, ws, req)
	if res.Kind() == KindBackendUnavailable && c.fallback != nil {
		c.logger.Warn("docker unavailable, degrading to fallback executor",
			zap.String("session_id", req.SessionID),
			zap.String("fallback", string(c.fallback.Tier())),
			zap.Error(res.Err))
		return c.fallback.Execute(ctx, ws, req)
	}
	res.Tier = TierContainer
	res.Elapsed = time.Since(start)
	return res
}

func (c *ContainerExecutor) execute(ctx context.Context, ws *workspace.Workspace, req Request) Result {
	if ws == nil {
		return Failed(TierContainer, Errorf(KindInternal, "no workspace"))
	}
	img, ok := c.policy.Image(req.Language)
	if !ok {
		return Failed(TierContainer, Errorf(KindInvalidRequest, "no image configured for %q", req.Language))
	}
	if err := c.Available(ctx); err != nil {
		return Failed(TierContainer, err)
	}

	cmd, cleanup, err := c.prepare(ws, req)
	if err != nil {
		return Failed(TierContainer, err)
	}
	defer cleanup()

	before, err := ws.Snapshot()
	if err != nil {
		return Failed(TierContainer, NewError(KindInternal, "snapshot workspace", err))
	}

	user, err := c.shareWorkspace(ws)
	if err != nil {
		return Failed(TierContainer, NewError(KindInternal, "sharing workspace with container user", err))
	}

	cfg, hostCfg, err := c.containerConfig(ws, img, cmd, req)
	if err != nil {
		return Failed(TierContainer, err)
	}
	cfg.User = user

	id, err := c.create(ctx, img, cfg, hostCfg)
	if err != nil {
		return Failed(TierContainer, err)
	}
	defer c.remove(id)

	timeout := c.policy.Timeout(req.Timeout)
	res := c.run(ctx, id, timeout, c.policy.OutputLimit(req.MaxOutputBytes))

	if after, err := ws.Snapshot(); err == nil {
		res.FilesCreated = workspace.Changed(before, after)
	}
	return res
}

// prepare writes non-shell code into temp/ and returns the container command.
func (c *ContainerExecutor) prepare(ws *workspace.Workspace, req Request) ([]string, func(), error) {
	noop := func() {}
	switch req.Language {
	case LangShell:
		return []string{"sh", "-c", req.Code}, noop, nil
	case LangPython, LangJavaScript:
		rel := "temp/exec-" + uuid.NewString() + req.Language.Extension()
		if err := ws.WriteText(rel, req.Code); err != nil {
			return nil, noop, NewError(KindInternal, "writing code file", err)
		}
		cleanup := func() { ws.Delete(rel) }
		target := path.Join(workspace.ContainerPath, rel)
		if req.Language == LangPython {
			return []string{"python3", "-u", target}, cleanup, nil
		}
		return []string{"node", target}, cleanup, nil
	default:
		return nil, noop, Errorf(KindInvalidRequest, "unsupported language %q", req.Language)
	}
}

func (c *ContainerExecutor) containerConfig(ws *workspace.Workspace, img string, cmd []string, req Request) (*container.Config, *container.HostConfig, error) {
	mem, err := c.policy.MemoryBytes(req.MaxMemoryMB)
	if err != nil {
		return nil, nil, NewError(KindInvalidRequest, "memory limit", err)
	}
	m := ws.Mount()

	cfg := &container.Config{
		Image:           img,
		Cmd:             cmd,
		WorkingDir:      m.ContainerPath,
		Env:             []string{"HOME=/tmp", "PYTHONDONTWRITEBYTECODE=1"},
		NetworkDisabled: !c.policy.Network,
		Labels:          map[string]string{"warden.session": req.SessionID},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		}},
		Resources: container.Resources{
			Memory:     mem,
			MemorySwap: mem,
			NanoCPUs:   int64(c.policy.CPUs * 1e9),
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 1024},
			},
		},
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}
	if c.policy.PidsLimit > 0 {
		pids := c.policy.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}
	if !c.policy.Network {
		hostCfg.NetworkMode = container.NetworkMode("none")
	}
	return cfg, hostCfg, nil
}

// nobodyID is the uid and gid containers use when the host runs as root.
const nobodyID = 65534

// containerUser returns the uid:gid containers run as. A configured user is
// used as is. Otherwise the host user is mirrored so files on both sides of
// the bind mount stay writable, with root mapped to nobody.
func (c *ContainerExecutor) containerUser() (user string, uid, gid int) {
	if c.policy.User != "" {
		return c.policy.User, -1, -1
	}
	uid, gid = os.Getuid(), os.Getgid()
	if uid <= 0 {
		uid, gid = nobodyID, nobodyID
	}
	return fmt.Sprintf("%d:%d", uid, gid), uid, gid
}

// shareWorkspace makes the workspace writable for the container user. Only
// a root host can hand the tree to another uid; with a configured user on a
// non-root host the mount may be read-only in practice.
func (c *ContainerExecutor) shareWorkspace(ws *workspace.Workspace) (string, error) {
	user, uid, gid := c.containerUser()
	if uid < 0 || os.Getuid() != 0 {
		return user, nil
	}
	return user, ws.Chown(uid, gid)
}

// create makes the container, pulling the image once if the daemon does not
// have it.
func (c *ContainerExecutor) create(ctx context.Context, img string, cfg *container.Config, hostCfg *container.HostConfig) (string, error) {
	name := "warden-" + uuid.NewString()[:12]
	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err == nil {
		return resp.ID, nil
	}
	if !cerrdefs.IsNotFound(err) || c.wasPulled(img) {
		return "", classifyDockerErr("creating container", err)
	}
	if err := c.pull(ctx, img); err != nil {
		return "", err
	}
	resp, err = c.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", classifyDockerErr("creating container", err)
	}
	return resp.ID, nil
}

func (c *ContainerExecutor) pull(ctx context.Context, img string) error {
	c.logger.Info("pulling image", zap.String("image", img))
	rc, err := c.api.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return classifyDockerErr("pulling image "+img, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return classifyDockerErr("pulling image "+img, err)
	}
	c.mu.Lock()
	c.pulled[img] = true
	c.mu.Unlock()
	return nil
}

func (c *ContainerExecutor) wasPulled(img string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pulled[img]
}

// run starts the container and waits for it under a watchdog that kills it
// when the timeout fires.
func (c *ContainerExecutor) run(ctx context.Context, id string, timeout time.Duration, limit int) Result {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.api.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		// A start that outlives the run deadline is the code's timeout, not
		// a daemon outage, and must not fall back to a weaker tier.
		if runCtx.Err() != nil {
			return c.abort(ctx, id, timeout)
		}
		return Failed(TierContainer, classifyDockerErr("starting container", err))
	}

	statusCh, errCh := c.api.ContainerWait(runCtx, id, container.WaitConditionNotRunning)

	var res Result
	select {
	case <-runCtx.Done():
		res = c.abort(ctx, id, timeout)
	case err := <-errCh:
		if runCtx.Err() != nil {
			res = c.abort(ctx, id, timeout)
			break
		}
		if err != nil {
			return Failed(TierContainer, classifyDockerErr("waiting for container", err))
		}
	case status := <-statusCh:
		res.ExitCode = int(status.StatusCode)
		res.Success = status.StatusCode == 0
		if status.Error != nil && status.Error.Message != "" {
			res.Success = false
			res.Err = Errorf(KindInternal, "container: %s", status.Error.Message)
			res.Error = res.Err.Error()
		}
	}

	stdout, stderr := newCappedBuffer(limit), newCappedBuffer(limit)
	if err := c.collectLogs(id, stdout, stderr); err != nil {
		c.logger.Warn("reading container logs", zap.String("container_id", id), zap.Error(err))
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res
}

// abort kills a container whose run context ended and reports why.
func (c *ContainerExecutor) abort(ctx context.Context, id string, timeout time.Duration) Result {
	killCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	_ = c.api.ContainerKill(killCtx, id, "SIGKILL")
	cancel()

	res := Result{ExitCode: -1}
	if ctx.Err() != nil {
		res.Err = NewError(KindInternal, "execution cancelled", ctx.Err())
	} else {
		res.Err = Errorf(KindTimeout, "exceeded %s", timeout)
		c.logger.Info("container timed out", zap.String("container_id", id))
	}
	res.Error = res.Err.Error()
	return res
}

func (c *ContainerExecutor) collectLogs(id string, stdout, stderr io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	logs, err := c.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()
	_, err = stdcopy.StdCopy(stdout, stderr, logs)
	return err
}

func (c *ContainerExecutor) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		c.logger.Warn("removing container", zap.String("container_id", id), zap.Error(err))
	}
}

// classifyDockerErr maps connection-level failures to BackendUnavailable.
// Only control calls made before the run deadline starts go through here
// with a deadline error.
func classifyDockerErr(op string, err error) error {
	if client.IsErrConnectionFailed(err) || cerrdefs.IsUnavailable(err) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindBackendUnavailable, op, err)
	}
	return NewError(KindInternal, op, err)
}
