package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/warden/internal/storage"

	_ "modernc.org/sqlite"
)

// ErrNotFound aliases storage.ErrNotFound.
var ErrNotFound = storage.ErrNotFound

const columns = `id, session_id, language, code, risk_level, patterns, confirmation,
	requested_tier, tier, success, exit_code, error_kind, error, files_created,
	elapsed_ms, created_at`

// Fixed-width timestamps keep text ordering chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Each :memory: connection is its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RecordExecution(ctx context.Context, e *storage.Execution) error {
	if e.ID == "" {
		return errors.New("execution id is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	patterns, err := json.Marshal(nonNil(e.Patterns))
	if err != nil {
		return fmt.Errorf("marshaling patterns: %w", err)
	}
	files, err := json.Marshal(nonNil(e.FilesCreated))
	if err != nil {
		return fmt.Errorf("marshaling files: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Language, e.Code, e.RiskLevel, string(patterns), e.Confirmation,
		e.RequestedTier, e.Tier, e.Success, e.ExitCode, e.ErrorKind, e.Error, string(files),
		e.Elapsed.Milliseconds(), e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*storage.Execution, error) {
	// Try exact match first, then prefix match
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM executions WHERE id = ?`, id))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying execution: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM executions WHERE id LIKE ? || '%' LIMIT 2`, id)
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous execution prefix %q", id)
	}
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, opts storage.ListOptions) ([]storage.Execution, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + columns + ` FROM executions WHERE 1 = 1`
	var args []any

	if opts.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, opts.SessionID)
	}
	if opts.FailedOnly {
		query += ` AND success = 0`
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var execs []storage.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *e)
	}
	return execs, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("deleting session executions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE created_at < ?`,
		before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("purging executions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*storage.Execution, error) {
	var (
		e               storage.Execution
		patterns, files string
		elapsedMS       int64
		createdAt       string
	)
	err := s.Scan(&e.ID, &e.SessionID, &e.Language, &e.Code, &e.RiskLevel, &patterns,
		&e.Confirmation, &e.RequestedTier, &e.Tier, &e.Success, &e.ExitCode, &e.ErrorKind,
		&e.Error, &files, &elapsedMS, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(patterns), &e.Patterns); err != nil {
		return nil, fmt.Errorf("unmarshaling patterns: %w", err)
	}
	if err := json.Unmarshal([]byte(files), &e.FilesCreated); err != nil {
		return nil, fmt.Errorf("unmarshaling files: %w", err)
	}
	e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &e, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
