package confirm

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
)

// lineReader is the part of *readline.Instance the terminal gate uses.
type lineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
	Close() error
}

// Terminal asks on the controlling terminal: y approves, e lets the user
// replace the code, anything else denies.
type Terminal struct {
	out     io.Writer
	timeout time.Duration
	open    func() (lineReader, error)

	mu sync.Mutex // one prompt at a time
}

// NewTerminal creates a gate that prompts on out.
func NewTerminal(out io.Writer, timeout time.Duration) *Terminal {
	return &Terminal{
		out:     out,
		timeout: timeout,
		open: func() (lineReader, error) {
			return readline.NewEx(&readline.Config{
				Prompt:          "\033[33mapprove?\033[0m [y/N/e] ",
				InterruptPrompt: "^C",
				EOFPrompt:       "n",
				Stdout:          out,
			})
		},
	}
}

type terminalAnswer struct {
	res Result
	err error
}

func (g *Terminal) RequestConfirmation(ctx context.Context, req Request) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	fmt.Fprintf(g.out, "\n\033[33m%s\033[0m\n", req.Description)
	if len(req.Patterns) > 0 {
		fmt.Fprintf(g.out, "  matched: %s\n", strings.Join(req.Patterns, ", "))
	}
	fmt.Fprintln(g.out, "  ---")
	for _, line := range strings.Split(req.CodePreview, "\n") {
		fmt.Fprintf(g.out, "  %s\n", line)
	}
	fmt.Fprintln(g.out, "  ---")

	rl, err := g.open()
	if err != nil {
		return Result{}, fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	answer := make(chan terminalAnswer, 1)
	go func() {
		res, err := g.ask(rl)
		answer <- terminalAnswer{res, err}
	}()

	select {
	case a := <-answer:
		return a.res, a.err
	case <-timer:
		fmt.Fprintln(g.out, "\nno answer, denying")
		return Result{}, ErrTimedOut
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (g *Terminal) ask(rl lineReader) (Result, error) {
	line, err := rl.Readline()
	if err != nil {
		// ^C and ^D both mean no.
		return Result{Approved: false, Reason: "denied at terminal"}, nil
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return Result{Approved: true, Reason: "approved at terminal"}, nil
	case "e", "edit":
		code, err := readCode(rl)
		if err != nil || strings.TrimSpace(code) == "" {
			return Result{Approved: false, Reason: "edit abandoned"}, nil
		}
		return Result{Approved: true, Reason: "approved with edits", ModifiedCode: code}, nil
	default:
		return Result{Approved: false, Reason: "denied at terminal"}, nil
	}
}

// readCode collects replacement lines until a lone ".".
func readCode(rl lineReader) (string, error) {
	rl.SetPrompt("... ")
	var lines []string
	for {
		line, err := rl.Readline()
		if err != nil {
			return "", err
		}
		if line == "." {
			return strings.Join(lines, "\n"), nil
		}
		lines = append(lines, line)
	}
}
