package history

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps history maps in a single-file database.
//
// Designed for single-machine pipelines: zero setup, one file next to the
// pipeline's outputs. Uses WAL mode so readers are not blocked by the
// post-run save. Pass ":memory:" for an in-memory database in tests.
//
// Schema: one row per (run_key, hist_key) in pipeline_history, replaced
// wholesale on Save inside a transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if necessary creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	table := `
		CREATE TABLE IF NOT EXISTS pipeline_history (
			run_key TEXT NOT NULL,
			hist_key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (run_key, hist_key)
		)
	`
	if _, err := db.ExecContext(ctx, table); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create pipeline_history table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Load retrieves the history saved under runKey.
func (s *SQLiteStore) Load(ctx context.Context, runKey string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT hist_key, value FROM pipeline_history WHERE run_key = ?", runKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	found := false
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		found = true
		if key == "" {
			// marker row for an empty history
			continue
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return out, nil
}

// Save replaces the history stored under runKey in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, runKey string, history map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pipeline_history WHERE run_key = ?", runKey); err != nil {
		return fmt.Errorf("failed to clear previous history: %w", err)
	}
	// Keep the run key present even for an empty history so Load can tell
	// "saved empty" from "never saved".
	if len(history) == 0 {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO pipeline_history (run_key, hist_key, value) VALUES (?, '', '')",
			runKey); err != nil {
			return fmt.Errorf("failed to mark empty history: %w", err)
		}
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO pipeline_history (run_key, hist_key, value) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for key, value := range history {
		if _, err := stmt.ExecContext(ctx, runKey, key, value); err != nil {
			return fmt.Errorf("failed to insert history key %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
