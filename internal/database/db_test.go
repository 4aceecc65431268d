package database

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryDB opens a uniquely named shared in-memory database.
func memoryDB(t *testing.T, profile DatabaseProfile) *DB {
	t.Helper()
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := New(Config{Path: path, Profile: profile, Name: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNew_InMemory(t *testing.T) {
	db := memoryDB(t, ProfileStandard)
	assert.Equal(t, ProfileStandard, db.Profile())
	assert.Equal(t, "test", db.Name())
	assert.NoError(t, db.Conn().Ping())
}

func TestNew_DefaultsToStandardProfile(t *testing.T) {
	db, err := New(Config{Path: "file:defaultprofile?mode=memory&cache=shared", Name: "test"})
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, ProfileStandard, db.Profile())
}

func TestWithTransaction_CommitAndRollback(t *testing.T) {
	db := memoryDB(t, ProfileLedger)
	_, err := db.Conn().Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)

	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO t (v) VALUES ('committed')`)
		return err
	})
	require.NoError(t, err)

	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO t (v) VALUES ('rolled-back')`); err != nil {
			return err
		}
		return fmt.Errorf("force rollback")
	})
	assert.Error(t, err)

	var count int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM t`).Scan(&count))
	assert.Equal(t, 1, count)
}
