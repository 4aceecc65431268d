package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/warden/internal/database"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS market_snapshots (
	symbol TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`

// SnapshotStore persists the latest per-symbol snapshot in the cache
// database so a restart has last-known marks before the first live quote.
// Snapshots are msgpack-encoded; they are ephemeral derived state, not part
// of the audit surface.
type SnapshotStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotStore creates the store and applies the schema.
func NewSnapshotStore(db *database.DB, log zerolog.Logger) (*SnapshotStore, error) {
	if _, err := db.Conn().Exec(snapshotSchema); err != nil {
		return nil, fmt.Errorf("failed to apply snapshot schema: %w", err)
	}
	return &SnapshotStore{
		db:  db.Conn(),
		log: log.With().Str("repo", "market_snapshots").Logger(),
	}, nil
}

// Save upserts every snapshot.
func (s *SnapshotStore) Save(snaps []Snapshot) error {
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		for _, snap := range snaps {
			data, err := msgpack.Marshal(snap)
			if err != nil {
				return fmt.Errorf("failed to encode snapshot %s: %w", snap.Quote.Symbol, err)
			}
			if _, err := tx.Exec(`
				INSERT INTO market_snapshots (symbol, data, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(symbol) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
				snap.Quote.Symbol, data, snap.UpdatedAt.Format(time.RFC3339),
			); err != nil {
				return fmt.Errorf("failed to store snapshot %s: %w", snap.Quote.Symbol, err)
			}
		}
		return nil
	})
}

// Load returns every persisted snapshot. Entries that no longer decode are
// skipped: stale cache is never worth failing a start over.
func (s *SnapshotStore) Load() ([]Snapshot, error) {
	rows, err := s.db.Query(`SELECT symbol, data FROM market_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var symbol string
		var data []byte
		if err := rows.Scan(&symbol, &data); err != nil {
			return nil, err
		}
		var snap Snapshot
		if err := msgpack.Unmarshal(data, &snap); err != nil {
			s.log.Warn().Str("symbol", symbol).Err(err).Msg("Dropping undecodable snapshot")
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}
