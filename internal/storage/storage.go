package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no execution matches an ID or prefix.
var ErrNotFound = errors.New("execution not found")

// Execution is the audit record of one orchestrated execution.
type Execution struct {
	ID            string        `json:"id" yaml:"id"`
	SessionID     string        `json:"session_id" yaml:"session_id"`
	Language      string        `json:"language" yaml:"language"`
	Code          string        `json:"code" yaml:"code"`
	RiskLevel     string        `json:"risk_level" yaml:"risk_level"`
	Patterns      []string      `json:"patterns" yaml:"patterns"`
	Confirmation  string        `json:"confirmation,omitempty" yaml:"confirmation,omitempty"`
	RequestedTier string        `json:"requested_tier" yaml:"requested_tier"`
	Tier          string        `json:"tier" yaml:"tier"`
	Success       bool          `json:"success" yaml:"success"`
	ExitCode      int           `json:"exit_code" yaml:"exit_code"`
	ErrorKind     string        `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error         string        `json:"error,omitempty" yaml:"error,omitempty"`
	FilesCreated  []string      `json:"files_created" yaml:"files_created"`
	Elapsed       time.Duration `json:"elapsed" yaml:"elapsed"`
	CreatedAt     time.Time     `json:"created_at" yaml:"created_at"`
}

// Confirmation outcomes recorded on an Execution.
const (
	ConfirmationApproved = "approved"
	ConfirmationModified = "modified"
	ConfirmationDenied   = "denied"
	ConfirmationTimedOut = "timed_out"
)

// ListOptions controls filtering and pagination for ListExecutions.
type ListOptions struct {
	SessionID string
	// FailedOnly limits results to unsuccessful executions.
	FailedOnly bool
	Limit      int
	Offset     int
}

// Store is the persistence interface for the execution audit log.
type Store interface {
	// RecordExecution inserts a record. The ID field must be set by the caller.
	RecordExecution(ctx context.Context, e *Execution) error

	// GetExecution returns a record by ID or ID prefix.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// ListExecutions returns records ordered by created_at descending.
	ListExecutions(ctx context.Context, opts ListOptions) ([]Execution, error)

	// DeleteSession removes every record of a session and returns the count.
	DeleteSession(ctx context.Context, sessionID string) (int64, error)

	// Purge removes records created before the cutoff and returns the count.
	Purge(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources.
	Close() error
}
