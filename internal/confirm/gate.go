// Package confirm asks a human (or a stand-in) before risky code runs.
package confirm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/risk"
)

// PreviewLimit bounds the code excerpt shown to approvers.
const PreviewLimit = 500

var (
	// ErrTimedOut is returned when nobody answered in time.
	ErrTimedOut = errors.New("confirmation timed out")
	// ErrUnknownRequest is returned when resolving an id that is not pending.
	ErrUnknownRequest = errors.New("unknown or already resolved confirmation request")
)

// Request describes what the approver is asked to allow.
type Request struct {
	ID          string
	SessionID   string
	Description string
	Level       risk.Level
	Patterns    []string
	CodePreview string
	Timeout     time.Duration
}

// Result is the approver's answer. ModifiedCode, when set, replaces the
// code that was submitted.
type Result struct {
	Approved     bool
	Reason       string
	ModifiedCode string
}

// Gate decides whether a risky execution may proceed. An error is returned
// only on timeout or cancellation; a denial is a Result.
type Gate interface {
	RequestConfirmation(ctx context.Context, req Request) (Result, error)
}

// NewRequest builds a confirmation request for code with the given assessment.
func NewRequest(sessionID, code string, a risk.Assessment, timeout time.Duration) Request {
	return Request{
		SessionID:   sessionID,
		Description: "Execute code flagged as " + a.Describe(),
		Level:       a.Level,
		Patterns:    append([]string(nil), a.Patterns...),
		CodePreview: Preview(code),
		Timeout:     timeout,
	}
}

// Preview truncates code to PreviewLimit bytes on a rune boundary.
func Preview(code string) string {
	if len(code) <= PreviewLimit {
		return code
	}
	cut := PreviewLimit
	for cut > 0 && !isRuneStart(code[cut]) {
		cut--
	}
	return code[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// AutoApprove approves everything. Development only.
type AutoApprove struct {
	logger *zap.Logger
}

func NewAutoApprove(logger *zap.Logger) *AutoApprove {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoApprove{logger: logger.With(zap.String("component", "confirm"))}
}

func (g *AutoApprove) RequestConfirmation(ctx context.Context, req Request) (Result, error) {
	g.logger.Warn("auto-approving risky execution",
		zap.String("session_id", req.SessionID),
		zap.Stringer("risk", req.Level),
		zap.Strings("patterns", req.Patterns))
	return Result{Approved: true, Reason: "auto-approved"}, nil
}

// AutoReject denies everything that needs confirmation.
type AutoReject struct {
	Reason string
}

func (g AutoReject) RequestConfirmation(ctx context.Context, req Request) (Result, error) {
	reason := g.Reason
	if reason == "" {
		reason = "automatic rejection of " + req.Level.String() + " risk code"
	}
	return Result{Approved: false, Reason: reason}, nil
}

// Callback delegates the decision to a function, for scripted use and tests.
type Callback func(ctx context.Context, req Request) (Result, error)

func (f Callback) RequestConfirmation(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
