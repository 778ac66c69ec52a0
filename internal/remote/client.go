package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/sandbox"
)

// TransportSlack is added to the execution timeout for the HTTP round trip.
const TransportSlack = 10 * time.Second

const controlTimeout = 15 * time.Second

// Client talks to a remote sandbox service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	slack   time.Duration
	logger  *zap.Logger
}

// NewClient creates a client for the service at baseURL. token, when set,
// is sent as a bearer token.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
		slack:   TransportSlack,
		logger:  logger.With(zap.String("component", "remote_client")),
	}
}

// Session is a connected remote sandbox bound to one session's workspace.
type Session struct {
	client    *Client
	ID        string
	SessionID string
}

// Connect creates a remote sandbox for sessionID. Transport and server
// faults are reported as BackendUnavailable.
func (c *Client) Connect(ctx context.Context, sessionID, workspacePath string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	var resp connectResponse
	err := c.do(ctx, http.MethodPost, "/sandbox", connectRequest{SessionID: sessionID, WorkspacePath: workspacePath}, &resp)
	if err != nil {
		return nil, sandbox.NewError(sandbox.KindBackendUnavailable, "connecting remote sandbox", err)
	}
	if resp.SandboxID == "" {
		return nil, sandbox.Errorf(sandbox.KindBackendUnavailable, "remote returned no sandbox id")
	}
	c.logger.Debug("remote sandbox connected",
		zap.String("session_id", sessionID),
		zap.String("sandbox_id", resp.SandboxID))
	return &Session{client: c, ID: resp.SandboxID, SessionID: sessionID}, nil
}

// Execute runs req remotely. The HTTP deadline is the request timeout plus
// TransportSlack; when it passes the local side stops waiting but the
// remote may keep running.
func (s *Session) Execute(ctx context.Context, req sandbox.Request) sandbox.Result {
	start := time.Now()
	res := s.execute(ctx, req)
	res.Tier = sandbox.TierRemote
	res.Elapsed = time.Since(start)
	return res
}

func (s *Session) execute(ctx context.Context, req sandbox.Request) sandbox.Result {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	wait := timeout + s.client.slack
	httpCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	body := executeRequest{Code: req.Code, Language: string(req.Language), Timeout: timeout.Seconds()}
	var resp ExecuteResponse
	err := s.client.do(httpCtx, http.MethodPost, "/sandbox/"+url.PathEscape(s.ID)+"/execute", body, &resp)

	switch {
	case err == nil:
	case errors.Is(httpCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		s.client.logger.Warn("remote execution abandoned; it may still be running remotely",
			zap.String("sandbox_id", s.ID),
			zap.Duration("waited", wait))
		return sandbox.Failed(sandbox.TierRemote, sandbox.Errorf(sandbox.KindTimeout, "remote did not answer within %s", wait))
	case ctx.Err() != nil:
		return sandbox.Failed(sandbox.TierRemote, sandbox.NewError(sandbox.KindInternal, "execution cancelled", ctx.Err()))
	default:
		var se *statusError
		if errors.As(err, &se) && se.status == http.StatusConflict {
			return sandbox.Failed(sandbox.TierRemote, sandbox.NewError(sandbox.KindConcurrentAccess, "remote sandbox busy", err))
		}
		return sandbox.Failed(sandbox.TierRemote, asUnavailable("remote execute", err))
	}

	res := sandbox.Result{
		Success:      resp.Success && resp.ExitCode == 0,
		Stdout:       resp.Stdout,
		Stderr:       resp.Stderr,
		ExitCode:     resp.ExitCode,
		Error:        resp.Error,
		FilesCreated: resp.FilesCreated,
	}
	if resp.TimedOut {
		res.Success = false
		res.Err = sandbox.Errorf(sandbox.KindTimeout, "remote: %s", resp.Error)
		res.Error = res.Err.Error()
	}
	return res
}

// Close releases the remote sandbox.
func (s *Session) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	err := s.client.do(ctx, http.MethodDelete, "/sandbox/"+url.PathEscape(s.ID), nil, nil)
	var se *statusError
	if errors.As(err, &se) && se.status == http.StatusNotFound {
		return nil
	}
	return err
}

type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("remote sandbox: HTTP %d: %s", e.status, e.msg)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &statusError{status: resp.StatusCode, msg: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// asUnavailable maps 4xx (except 404) to InvalidRequest and every other
// fault to BackendUnavailable.
func asUnavailable(op string, err error) error {
	var se *statusError
	if errors.As(err, &se) && se.status >= 400 && se.status < 500 && se.status != http.StatusNotFound {
		return sandbox.NewError(sandbox.KindInvalidRequest, op, err)
	}
	return sandbox.NewError(sandbox.KindBackendUnavailable, op, err)
}
