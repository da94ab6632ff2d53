package history

import (
	"os"
	"testing"
)

// Integration test against a real MySQL server.
//
// Prerequisites:
//   - a reachable MySQL server
//   - TEST_MYSQL_DSN set, e.g.
//     "user:password@tcp(localhost:3306)/test_db?parseTime=true"
func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("Skipping MySQL integration test: set TEST_MYSQL_DSN to run")
	}

	store, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	defer func() { _ = store.Close() }()
	storeScenarios(t, store)
}
