package testing

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/aristath/warden/internal/database"
)

var testDBCounter uint64

// NewTestDB creates a uniquely named in-memory SQLite database for testing.
// Returns the database instance and registers cleanup on the test.
func NewTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	n := atomic.AddUint64(&testDBCounter, 1)
	path := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", name, n)

	db, err := database.New(database.Config{
		Path:    path,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewTestLedgerDB creates an in-memory database with the ledger profile, as
// required by the audit log.
func NewTestLedgerDB(t *testing.T, name string) *database.DB {
	t.Helper()

	n := atomic.AddUint64(&testDBCounter, 1)
	path := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", name, n)

	db, err := database.New(database.Config{
		Path:    path,
		Profile: database.ProfileLedger,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("Failed to create test ledger database %s: %v", name, err)
	}

	t.Cleanup(func() { _ = db.Close() })
	return db
}
