package history

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore keeps history maps in a MySQL database, for pipelines whose
// state is shared between machines.
//
// The DSN follows go-sql-driver conventions, e.g.
// "user:pass@tcp(localhost:3306)/pipelines?parseTime=true".
//
// Schema matches SQLiteStore: one row per (run_key, hist_key), replaced
// wholesale on Save inside a transaction.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to the database and creates the history table if
// it does not exist.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach MySQL: %w", err)
	}

	table := `
		CREATE TABLE IF NOT EXISTS pipeline_history (
			run_key VARCHAR(255) NOT NULL,
			hist_key VARCHAR(767) NOT NULL,
			value LONGTEXT NOT NULL,
			PRIMARY KEY (run_key, hist_key)
		)
	`
	if _, err := db.ExecContext(ctx, table); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create pipeline_history table: %w", err)
	}
	return &MySQLStore{db: db}, nil
}

// Load retrieves the history saved under runKey.
func (s *MySQLStore) Load(ctx context.Context, runKey string) (map[string]string, error) {
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
func (s *MySQLStore) Save(ctx context.Context, runKey string, history map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pipeline_history WHERE run_key = ?", runKey); err != nil {
		return fmt.Errorf("failed to clear previous history: %w", err)
	}
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
func (s *MySQLStore) Close() error { return s.db.Close() }
