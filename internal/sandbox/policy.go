package sandbox

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
)

// Policy defines resource limits for sandbox execution.
type Policy struct {
	MaxMemory      string        // memory limit (e.g. "256m")
	MaxTimeout     time.Duration // upper bound on any requested timeout
	DefaultTimeout time.Duration // used when a request has none
	MaxOutputBytes int           // per-stream cap on captured output
	CPUs           float64       // container CPU quota
	PidsLimit      int64         // container process limit
	User           string        // container uid:gid; empty mirrors the host user, never root
	Network        bool          // whether containers get network access
	Images         map[Language]string
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		MaxMemory:      "256m",
		MaxTimeout:     5 * time.Minute,
		DefaultTimeout: 30 * time.Second,
		MaxOutputBytes: 1 << 20,
		CPUs:           1,
		PidsLimit:      128,
		User:           "",
		Network:        false,
		Images: map[Language]string{
			LangPython:     "python:3.12-slim",
			LangJavaScript: "node:22-slim",
			LangShell:      "alpine:3.20",
		},
	}
}

// Image returns the container image for lang.
func (p Policy) Image(lang Language) (string, bool) {
	img, ok := p.Images[lang]
	return img, ok && img != ""
}

// Timeout clamps a requested timeout into (0, MaxTimeout].
func (p Policy) Timeout(requested time.Duration) time.Duration {
	t := requested
	if t <= 0 {
		t = p.DefaultTimeout
	}
	if t <= 0 {
		t = 30 * time.Second
	}
	if p.MaxTimeout > 0 && t > p.MaxTimeout {
		t = p.MaxTimeout
	}
	return t
}

// OutputLimit returns the effective per-stream output cap.
func (p Policy) OutputLimit(requested int) int {
	if requested > 0 && (p.MaxOutputBytes <= 0 || requested < p.MaxOutputBytes) {
		return requested
	}
	return p.MaxOutputBytes
}

// MemoryBytes resolves the memory limit, preferring a per-request value in MB.
func (p Policy) MemoryBytes(requestedMB int) (int64, error) {
	if requestedMB > 0 {
		return int64(requestedMB) * units.MiB, nil
	}
	if p.MaxMemory == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(p.MaxMemory)
	if err != nil {
		return 0, fmt.Errorf("parsing memory limit %q: %w", p.MaxMemory, err)
	}
	return n, nil
}

// Interpreter returns the host command line for lang. For shell the code is
// fed on stdin; for the others it is passed as a file argument.
func Interpreter(lang Language) (name string, args []string, err error) {
	switch lang {
	case LangPython:
		return "python3", []string{"-u"}, nil
	case LangJavaScript:
		return "node", nil, nil
	case LangShell:
		return "sh", []string{"-s"}, nil
	default:
		return "", nil, Errorf(KindInvalidRequest, "unsupported language %q", lang)
	}
}
