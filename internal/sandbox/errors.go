package sandbox

import (
	"errors"
	"fmt"

	"github.com/michaelbrown/warden/internal/workspace"
)

// Kind classifies a failure. The orchestrator turns every kind into a failed
// Result; only the kind decides whether a fallback is attempted.
type Kind int

const (
	KindNone Kind = iota
	KindPathTraversal
	KindConcurrentAccess
	KindTimeout
	KindBackendUnavailable
	KindConfirmationDenied
	KindConfirmationTimedOut
	KindRejectedByPolicy
	KindInvalidRequest
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindPathTraversal:
		return "path_traversal"
	case KindConcurrentAccess:
		return "concurrent_access"
	case KindTimeout:
		return "timeout"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindConfirmationDenied:
		return "confirmation_denied"
	case KindConfirmationTimedOut:
		return "confirmation_timed_out"
	case KindRejectedByPolicy:
		return "rejected_by_policy"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "internal"
	}
}

// Sentinel errors, one per kind, for errors.Is checks.
var (
	ErrPathTraversal        = workspace.ErrPathTraversal
	ErrConcurrentAccess     = errors.New("execution already running for session")
	ErrTimeout              = errors.New("execution timed out")
	ErrBackendUnavailable   = errors.New("execution backend unavailable")
	ErrConfirmationDenied   = errors.New("confirmation denied")
	ErrConfirmationTimedOut = errors.New("confirmation timed out")
	ErrRejectedByPolicy     = errors.New("rejected by policy")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInternal             = errors.New("internal error")
)

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindPathTraversal, ErrPathTraversal},
	{KindConcurrentAccess, ErrConcurrentAccess},
	{KindTimeout, ErrTimeout},
	{KindBackendUnavailable, ErrBackendUnavailable},
	{KindConfirmationDenied, ErrConfirmationDenied},
	{KindConfirmationTimedOut, ErrConfirmationTimedOut},
	{KindRejectedByPolicy, ErrRejectedByPolicy},
	{KindInvalidRequest, ErrInvalidRequest},
	{KindInternal, ErrInternal},
}

// Error is a failure tagged with its kind. It unwraps to both the kind's
// sentinel and the underlying cause.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// NewError builds an Error of the given kind. detail and cause are optional.
func NewError(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: cause}
}

func (e *Error) Error() string {
	msg := sentinelFor(e.Kind).Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{sentinelFor(e.Kind)}
	}
	return []error{sentinelFor(e.Kind), e.Err}
}

// Errorf is NewError with a formatted detail and no cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of err, KindNone for nil, KindInternal for
// errors that carry no kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	return KindInternal
}

func sentinelFor(k Kind) error {
	for _, ks := range kindSentinels {
		if ks.kind == k {
			return ks.err
		}
	}
	return ErrInternal
}
