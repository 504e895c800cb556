package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/streamquest/db"
	"github.com/onnwee/streamquest/docstore"
)

// SetupTestDB connects to TEST_PG_DSN, applies the schema and removes
// documents left behind by earlier runs in the given collections.
// It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T, collections ...string) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	for _, c := range collections {
		if _, err := database.Exec(`DELETE FROM documents WHERE collection = $1`, c); err != nil {
			t.Fatalf("failed to clean collection %s: %v", c, err)
		}
	}
	return database
}

// NewStore returns the Postgres document store when TEST_PG_DSN is set and an
// in-memory store otherwise, so store-level tests run in both setups.
func NewStore(t *testing.T, collections ...string) docstore.Store {
	t.Helper()
	if os.Getenv("TEST_PG_DSN") == "" {
		return docstore.NewMemory()
	}
	return db.NewDocumentStore(SetupTestDB(t, collections...))
}
