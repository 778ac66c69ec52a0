package sqlite

import "database/sql"

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    id             TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL,
    language       TEXT NOT NULL DEFAULT '',
    code           TEXT NOT NULL DEFAULT '',
    risk_level     TEXT NOT NULL DEFAULT 'SAFE'
                   CHECK(risk_level IN ('SAFE','LOW','MEDIUM','HIGH','CRITICAL')),
    patterns       TEXT NOT NULL DEFAULT '[]',
    confirmation   TEXT NOT NULL DEFAULT '',
    requested_tier TEXT NOT NULL DEFAULT '',
    tier           TEXT NOT NULL DEFAULT '',
    success        INTEGER NOT NULL DEFAULT 0,
    exit_code      INTEGER NOT NULL DEFAULT 0,
    error_kind     TEXT NOT NULL DEFAULT '',
    error          TEXT NOT NULL DEFAULT '',
    files_created  TEXT NOT NULL DEFAULT '[]',
    elapsed_ms     INTEGER NOT NULL DEFAULT 0,
    created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id);
CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at DESC);
`

func runMigrations(db *sql.DB) error {
	// Check current version
	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Table doesn't exist or is empty, run initial schema
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}

	// Upsert schema version
	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}
