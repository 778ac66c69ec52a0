package confirm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/warden/internal/risk"
	"github.com/michaelbrown/warden/internal/sandbox"
)

func TestAutoGates(t *testing.T) {
	req := Request{Level: risk.High, Patterns: []string{"os module import"}}

	res, err := NewAutoApprove(nil).RequestConfirmation(context.Background(), req)
	if err != nil || !res.Approved {
		t.Errorf("AutoApprove = %+v, %v", res, err)
	}

	res, err = AutoReject{}.RequestConfirmation(context.Background(), req)
	if err != nil || res.Approved || !strings.Contains(res.Reason, "HIGH") {
		t.Errorf("AutoReject = %+v, %v", res, err)
	}

	res, err = AutoReject{Reason: "locked down"}.RequestConfirmation(context.Background(), req)
	if res.Reason != "locked down" {
		t.Errorf("Reason = %q", res.Reason)
	}
}

func TestCallbackGate(t *testing.T) {
	var got Request
	gate := Callback(func(ctx context.Context, req Request) (Result, error) {
		got = req
		return Result{Approved: true, ModifiedCode: "print(1)"}, nil
	})
	res, err := gate.RequestConfirmation(context.Background(), Request{SessionID: "s1"})
	if err != nil || !res.Approved || res.ModifiedCode != "print(1)" {
		t.Errorf("result = %+v, %v", res, err)
	}
	if got.SessionID != "s1" {
		t.Errorf("callback saw %+v", got)
	}
}

func TestNewRequest(t *testing.T) {
	a := risk.Assess("import os; os.system('ls')", sandbox.LangPython)
	req := NewRequest("s1", strings.Repeat("x", 2*PreviewLimit), a, time.Minute)
	if req.Level != risk.Critical || len(req.Patterns) == 0 {
		t.Errorf("req = %+v", req)
	}
	if !strings.HasPrefix(req.Description, "Execute code flagged as CRITICAL") {
		t.Errorf("Description = %q", req.Description)
	}
	if len(req.CodePreview) != PreviewLimit+3 {
		t.Errorf("preview length = %d", len(req.CodePreview))
	}
}

func TestPreviewKeepsRunes(t *testing.T) {
	code := strings.Repeat("a", PreviewLimit-1) + "é" + "tail"
	p := Preview(code)
	if !strings.HasSuffix(p, "...") || strings.Contains(p, "\xc3...") {
		t.Errorf("preview split a rune: %q", p[len(p)-6:])
	}
}

// chanPublisher hands published messages to the test.
type chanPublisher chan Message

func (c chanPublisher) Publish(ctx context.Context, msg Message) error {
	c <- msg
	return nil
}

func TestInteractiveApprove(t *testing.T) {
	pub := make(chanPublisher, 1)
	gate := NewInteractive(pub, time.Minute, nil)

	go func() {
		msg := <-pub
		if msg.Type != MessageType || msg.RiskLevel != risk.High {
			t.Errorf("published %+v", msg)
		}
		if err := gate.Resolve(Response{RequestID: msg.RequestID, Approved: true, ModifiedCode: "print('safe')"}); err != nil {
			t.Errorf("Resolve: %v", err)
		}
	}()

	res, err := gate.RequestConfirmation(context.Background(), Request{Level: risk.High})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Approved || res.ModifiedCode != "print('safe')" {
		t.Errorf("result = %+v", res)
	}
	if n := len(gate.Pending()); n != 0 {
		t.Errorf("Pending = %d after resolve", n)
	}
}

func TestInteractiveTimeoutPurgesEntry(t *testing.T) {
	pub := make(chanPublisher, 1)
	gate := NewInteractive(pub, time.Minute, nil)

	_, err := gate.RequestConfirmation(context.Background(), Request{ID: "r1", Timeout: 20 * time.Millisecond})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("err = %v, want ErrTimedOut", err)
	}
	if n := len(gate.Pending()); n != 0 {
		t.Errorf("Pending = %d after timeout", n)
	}
	if err := gate.Resolve(Response{RequestID: "r1", Approved: true}); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("late Resolve err = %v, want ErrUnknownRequest", err)
	}
}

func TestInteractiveCancel(t *testing.T) {
	pub := make(chanPublisher, 1)
	gate := NewInteractive(pub, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-pub
		cancel()
	}()
	if _, err := gate.RequestConfirmation(ctx, Request{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if n := len(gate.Pending()); n != 0 {
		t.Errorf("Pending = %d after cancel", n)
	}
}

func TestInteractiveDuplicateResolve(t *testing.T) {
	pub := make(chanPublisher, 1)
	gate := NewInteractive(pub, time.Minute, nil)

	done := make(chan Result, 1)
	go func() {
		res, _ := gate.RequestConfirmation(context.Background(), Request{ID: "dup"})
		done <- res
	}()
	<-pub

	if len(gate.Pending()) != 1 {
		t.Fatalf("Pending = %v", gate.Pending())
	}
	if err := gate.Resolve(Response{RequestID: "dup", Approved: false, Reason: "no"}); err != nil {
		t.Fatal(err)
	}
	if err := gate.Resolve(Response{RequestID: "dup", Approved: true}); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("second Resolve err = %v", err)
	}
	if res := <-done; res.Approved || res.Reason != "no" {
		t.Errorf("result = %+v", res)
	}
}

func TestInteractiveResolveForSession(t *testing.T) {
	pub := make(chanPublisher, 1)
	gate := NewInteractive(pub, time.Minute, nil)

	done := make(chan Result, 1)
	go func() {
		res, _ := gate.RequestConfirmation(context.Background(), Request{ID: "r-a", SessionID: "a"})
		done <- res
	}()
	<-pub

	if err := gate.ResolveForSession("b", Response{RequestID: "r-a", Approved: true}); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("cross-session Resolve err = %v, want ErrUnknownRequest", err)
	}
	if len(gate.Pending()) != 1 {
		t.Fatal("cross-session Resolve consumed the request")
	}
	if err := gate.ResolveForSession("a", Response{RequestID: "r-a", Approved: false, Reason: "mine"}); err != nil {
		t.Fatal(err)
	}
	if res := <-done; res.Approved || res.Reason != "mine" {
		t.Errorf("result = %+v", res)
	}
}

func TestInteractivePublishFailureDenies(t *testing.T) {
	gate := NewInteractive(PublisherFunc(func(ctx context.Context, msg Message) error {
		return errors.New("no client connected")
	}), time.Minute, nil)

	start := time.Now()
	res, err := gate.RequestConfirmation(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Approved || !strings.Contains(res.Reason, "no client connected") {
		t.Errorf("result = %+v", res)
	}
	if time.Since(start) > time.Second {
		t.Error("publish failure did not deny promptly")
	}
}

func TestInteractiveConcurrentRequests(t *testing.T) {
	pub := make(chanPublisher, 16)
	gate := NewInteractive(pub, time.Minute, nil)

	const n = 8
	var wg sync.WaitGroup
	results := make(chan Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := gate.RequestConfirmation(context.Background(), Request{})
			if err != nil {
				t.Error(err)
			}
			results <- res
		}()
	}
	for i := 0; i < n; i++ {
		msg := <-pub
		if err := gate.Resolve(Response{RequestID: msg.RequestID, Approved: i%2 == 0}); err != nil {
			t.Error(err)
		}
	}
	wg.Wait()
	close(results)

	approved := 0
	for r := range results {
		if r.Approved {
			approved++
		}
	}
	if approved != n/2 {
		t.Errorf("approved = %d, want %d", approved, n/2)
	}
}

// scriptedReader replays canned lines.
type scriptedReader struct {
	lines []string
	block bool
}

func (s *scriptedReader) Readline() (string, error) {
	if s.block {
		select {}
	}
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptedReader) SetPrompt(string) {}
func (s *scriptedReader) Close() error     { return nil }

func TestTerminalGate(t *testing.T) {
	tests := []struct {
		name     string
		lines    []string
		approved bool
		modified string
	}{
		{"yes", []string{"y"}, true, ""},
		{"no", []string{"n"}, false, ""},
		{"empty", []string{""}, false, ""},
		{"eof", nil, false, ""},
		{"edit", []string{"e", "print('a')", "print('b')", "."}, true, "print('a')\nprint('b')"},
		{"edit abandoned", []string{"e"}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			gate := NewTerminal(&out, time.Minute)
			gate.open = func() (lineReader, error) { return &scriptedReader{lines: tt.lines}, nil }

			res, err := gate.RequestConfirmation(context.Background(), Request{
				Description: "Execute code flagged as HIGH risk",
				Patterns:    []string{"os module import"},
				CodePreview: "import os",
			})
			if err != nil {
				t.Fatal(err)
			}
			if res.Approved != tt.approved || res.ModifiedCode != tt.modified {
				t.Errorf("result = %+v", res)
			}
			if !strings.Contains(out.String(), "import os") {
				t.Errorf("code preview not shown: %q", out.String())
			}
		})
	}
}

func TestTerminalGateTimeout(t *testing.T) {
	var out bytes.Buffer
	gate := NewTerminal(&out, 20*time.Millisecond)
	gate.open = func() (lineReader, error) { return &scriptedReader{block: true}, nil }

	if _, err := gate.RequestConfirmation(context.Background(), Request{}); !errors.Is(err, ErrTimedOut) {
		t.Errorf("err = %v, want ErrTimedOut", err)
	}
}
