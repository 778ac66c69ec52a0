package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/warden/internal/sandbox"
	"github.com/michaelbrown/warden/internal/workspace"
)

// fakeExecutor stands in for the server-side executor.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []sandbox.Request
	roots   []string
	release chan struct{} // when set, Execute blocks until closed
	started chan struct{}
	result  sandbox.Result
}

func (f *fakeExecutor) Tier() sandbox.Tier { return sandbox.TierProcess }
func (f *fakeExecutor) Close() error       { return nil }

func (f *fakeExecutor) Execute(ctx context.Context, ws *workspace.Workspace, req sandbox.Request) sandbox.Result {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.roots = append(f.roots, ws.Root())
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.result
}

func newTestServer(t *testing.T, exec sandbox.Executor, opts ServerOptions) (*Server, *httptest.Server) {
	t.Helper()
	mgr, err := workspace.NewManager(t.TempDir(), workspace.ManagerOptions{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(exec, mgr, opts, nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestRoundTrip(t *testing.T) {
	exec := &fakeExecutor{result: sandbox.Result{Success: true, Stdout: "hi\n", FilesCreated: []string{"output/x"}}}
	srv, ts := newTestServer(t, exec, ServerOptions{Token: "secret"})
	client := NewClient(ts.URL, "secret", nil)
	ctx := context.Background()

	sess, err := client.Connect(ctx, "s1", "/ignored")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if srv.Len() != 1 {
		t.Errorf("server sandboxes = %d", srv.Len())
	}

	res := sess.Execute(ctx, sandbox.Request{Code: "print('hi')", Language: sandbox.LangPython, Timeout: 5 * time.Second})
	if !res.Success || res.Stdout != "hi\n" || res.Tier != sandbox.TierRemote {
		t.Fatalf("result = %+v", res)
	}
	if len(res.FilesCreated) != 1 || res.FilesCreated[0] != "output/x" {
		t.Errorf("FilesCreated = %v", res.FilesCreated)
	}
	if got := exec.calls[0]; got.Language != sandbox.LangPython || got.Timeout != 5*time.Second || got.SessionID != "s1" {
		t.Errorf("server saw %+v", got)
	}

	if err := sess.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if srv.Len() != 0 {
		t.Errorf("sandbox not released")
	}
	if err := sess.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestTrustWorkspacePaths(t *testing.T) {
	exec := &fakeExecutor{result: sandbox.Result{Success: true}}
	_, ts := newTestServer(t, exec, ServerOptions{TrustWorkspacePaths: true})

	ws, err := workspace.Create(t.TempDir(), workspace.Options{})
	if err != nil {
		t.Fatal(err)
	}
	sess, err := NewClient(ts.URL, "", nil).Connect(context.Background(), "s1", ws.Root())
	if err != nil {
		t.Fatal(err)
	}
	sess.Execute(context.Background(), sandbox.Request{Code: "ls", Language: sandbox.LangShell})
	if exec.roots[0] != ws.Root() {
		t.Errorf("executed in %s, want %s", exec.roots[0], ws.Root())
	}
}

func TestConnectFailures(t *testing.T) {
	_, ts := newTestServer(t, &fakeExecutor{}, ServerOptions{Token: "secret"})

	if _, err := NewClient(ts.URL, "wrong", nil).Connect(context.Background(), "s1", ""); sandbox.KindOf(err) != sandbox.KindBackendUnavailable {
		t.Errorf("bad token err = %v, want BackendUnavailable", err)
	}

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	if _, err := NewClient(dead.URL, "", nil).Connect(context.Background(), "s1", ""); sandbox.KindOf(err) != sandbox.KindBackendUnavailable {
		t.Errorf("dead server err = %v, want BackendUnavailable", err)
	}

	if _, err := NewClient(ts.URL, "secret", nil).Connect(context.Background(), "../escape", ""); err == nil {
		t.Error("invalid session id accepted")
	}
}

func TestExecuteOnReleasedSandbox(t *testing.T) {
	_, ts := newTestServer(t, &fakeExecutor{}, ServerOptions{})
	client := NewClient(ts.URL, "", nil)
	sess, err := client.Connect(context.Background(), "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	sess.Close(context.Background())

	res := sess.Execute(context.Background(), sandbox.Request{Code: "ls", Language: sandbox.LangShell})
	if res.Success || res.Kind() != sandbox.KindBackendUnavailable || res.ExitCode != -1 {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteRejectsBadLanguage(t *testing.T) {
	_, ts := newTestServer(t, &fakeExecutor{}, ServerOptions{})
	sess, err := NewClient(ts.URL, "", nil).Connect(context.Background(), "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	res := sess.Execute(context.Background(), sandbox.Request{Code: "x", Language: "cobol"})
	if res.Success || res.Kind() != sandbox.KindInvalidRequest {
		t.Errorf("result = %+v", res)
	}
}

func TestBusySandboxConflicts(t *testing.T) {
	exec := &fakeExecutor{
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
		result:  sandbox.Result{Success: true},
	}
	_, ts := newTestServer(t, exec, ServerOptions{})
	sess, err := NewClient(ts.URL, "", nil).Connect(context.Background(), "s1", "")
	if err != nil {
		t.Fatal(err)
	}

	first := make(chan sandbox.Result, 1)
	go func() {
		first <- sess.Execute(context.Background(), sandbox.Request{Code: "sleep", Language: sandbox.LangShell})
	}()
	<-exec.started

	res := sess.Execute(context.Background(), sandbox.Request{Code: "ls", Language: sandbox.LangShell})
	if res.Kind() != sandbox.KindConcurrentAccess {
		t.Errorf("second execute = %+v, want ConcurrentAccess", res)
	}

	close(exec.release)
	if r := <-first; !r.Success {
		t.Errorf("first execute = %+v", r)
	}
}

func TestRemoteTimeoutReported(t *testing.T) {
	exec := &fakeExecutor{result: sandbox.Result{
		ExitCode: -1,
		Error:    "execution timed out: exceeded 1s",
		Err:      sandbox.Errorf(sandbox.KindTimeout, "exceeded 1s"),
	}}
	_, ts := newTestServer(t, exec, ServerOptions{})
	sess, err := NewClient(ts.URL, "", nil).Connect(context.Background(), "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	res := sess.Execute(context.Background(), sandbox.Request{Code: "sleep 5", Language: sandbox.LangShell, Timeout: time.Second})
	if res.Success || res.Kind() != sandbox.KindTimeout || res.ExitCode != -1 {
		t.Errorf("result = %+v", res)
	}
}

func TestClientAbandonsSlowRemote(t *testing.T) {
	block := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(block) })

	client := NewClient(ts.URL, "", nil)
	client.slack = 50 * time.Millisecond
	sess := &Session{client: client, ID: "abc", SessionID: "s1"}

	start := time.Now()
	res := sess.Execute(context.Background(), sandbox.Request{Code: "x", Language: sandbox.LangShell, Timeout: 50 * time.Millisecond})
	if time.Since(start) > 5*time.Second {
		t.Fatal("client did not give up")
	}
	if res.Success || res.Kind() != sandbox.KindTimeout {
		t.Errorf("result = %+v, want timeout", res)
	}
}
