// Package portfolio persists positions in the accounts database. All
// mutation goes through the Account Manager; this repository is the storage
// layer underneath it.
package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/database"
	"github.com/aristath/warden/internal/domain"
)

const positionSchema = `
CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	strategy TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	strike REAL NOT NULL,
	expiry TEXT NOT NULL,
	entry_price REAL NOT NULL,
	current_price REAL NOT NULL DEFAULT 0,
	unrealized_pnl REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	protocol_level INTEGER NOT NULL DEFAULT 0,
	atr_at_entry REAL NOT NULL DEFAULT 0,
	opened_at TEXT NOT NULL,
	closed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_positions_account ON positions(account_id);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);
`

const positionColumns = `id, account_id, symbol, strategy, quantity, strike, expiry,
	entry_price, current_price, unrealized_pnl, status, protocol_level,
	atr_at_entry, opened_at, closed_at`

// PositionRepository handles position database operations.
type PositionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionRepository creates the repository and applies the schema.
func NewPositionRepository(db *database.DB, log zerolog.Logger) (*PositionRepository, error) {
	if _, err := db.Conn().Exec(positionSchema); err != nil {
		return nil, fmt.Errorf("failed to apply positions schema: %w", err)
	}
	return &PositionRepository{
		db:  db.Conn(),
		log: log.With().Str("repo", "position").Logger(),
	}, nil
}

// Create inserts a new position.
func (r *PositionRepository) Create(pos *domain.Position) error {
	_, err := r.db.Exec(`
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, pos.AccountID, pos.Symbol, string(pos.Strategy), pos.Quantity,
		pos.Strike, pos.Expiry.Format(time.RFC3339), pos.EntryPrice,
		pos.CurrentPrice, pos.UnrealizedPnL, string(pos.Status),
		int(pos.ProtocolLevel), pos.ATRAtEntry,
		pos.OpenedAt.Format(time.RFC3339), closedAtValue(pos.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert position %s: %w", pos.ID, err)
	}
	return nil
}

// GetByID returns one position.
func (r *PositionRepository) GetByID(id string) (*domain.Position, error) {
	row := r.db.QueryRow(`SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, domain.Errorf(domain.ErrNotFound, "position %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load position %s: %w", id, err)
	}
	return pos, nil
}

// GetOpen returns all open positions.
func (r *PositionRepository) GetOpen() ([]*domain.Position, error) {
	return r.query(`SELECT `+positionColumns+` FROM positions WHERE status = ?`,
		string(domain.PositionOpen))
}

// GetOpenByAccount returns the open positions of one account.
func (r *PositionRepository) GetOpenByAccount(accountID string) ([]*domain.Position, error) {
	return r.query(`SELECT `+positionColumns+` FROM positions WHERE account_id = ? AND status = ?`,
		accountID, string(domain.PositionOpen))
}

// GetOpenBySymbol returns the open positions on one symbol across accounts.
func (r *PositionRepository) GetOpenBySymbol(symbol string) ([]*domain.Position, error) {
	return r.query(`SELECT `+positionColumns+` FROM positions WHERE symbol = ? AND status = ?`,
		symbol, string(domain.PositionOpen))
}

// UpdateMark updates the mark price and unrealized P&L.
func (r *PositionRepository) UpdateMark(id string, currentPrice, unrealizedPnL float64) error {
	return r.exec(`UPDATE positions SET current_price = ?, unrealized_pnl = ? WHERE id = ?`,
		currentPrice, unrealizedPnL, id)
}

// UpdateProtocolLevel stores the escalation level for restart recovery.
func (r *PositionRepository) UpdateProtocolLevel(id string, level domain.ProtocolLevel) error {
	return r.exec(`UPDATE positions SET protocol_level = ? WHERE id = ?`, int(level), id)
}

// SetStatus moves the position to a terminal or rolled status.
func (r *PositionRepository) SetStatus(id string, status domain.PositionStatus, closedAt time.Time) error {
	var closed interface{}
	switch status {
	case domain.PositionOpen:
		closed = nil
	default:
		closed = closedAt.Format(time.RFC3339)
	}
	return r.exec(`UPDATE positions SET status = ?, closed_at = ? WHERE id = ?`,
		string(status), closed, id)
}

// Reparent moves all open positions of one account to another (used by
// consolidation).
func (r *PositionRepository) Reparent(fromAccountID, toAccountID string) (int64, error) {
	res, err := r.db.Exec(`UPDATE positions SET account_id = ? WHERE account_id = ? AND status = ?`,
		toAccountID, fromAccountID, string(domain.PositionOpen))
	if err != nil {
		return 0, fmt.Errorf("failed to reparent positions: %w", err)
	}
	return res.RowsAffected()
}

// OpenSymbolExposure sums the notional of open positions on a symbol for an
// account.
func (r *PositionRepository) OpenSymbolExposure(accountID, symbol string) (float64, error) {
	positions, err := r.query(`SELECT `+positionColumns+` FROM positions
		WHERE account_id = ? AND symbol = ? AND status = ?`,
		accountID, symbol, string(domain.PositionOpen))
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, pos := range positions {
		total += pos.Notional()
	}
	return total, nil
}

// ClosedPnLs returns the realized P&L of every non-open position of an
// account, in close order. Used for performance attribution.
func (r *PositionRepository) ClosedPnLs(accountID string) ([]float64, error) {
	rows, err := r.db.Query(`SELECT unrealized_pnl FROM positions
		WHERE account_id = ? AND status != ? ORDER BY closed_at`,
		accountID, string(domain.PositionOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to query closed positions: %w", err)
	}
	defer rows.Close()

	var pnls []float64
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return nil, err
		}
		pnls = append(pnls, pnl)
	}
	return pnls, rows.Err()
}

func (r *PositionRepository) exec(query string, args ...interface{}) error {
	res, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewError(domain.ErrNotFound, "position not found")
	}
	return nil
}

func (r *PositionRepository) query(query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var (
		pos      domain.Position
		strategy string
		status   string
		level    int
		expiry   string
		openedAt string
		closedAt sql.NullString
	)
	err := row.Scan(&pos.ID, &pos.AccountID, &pos.Symbol, &strategy, &pos.Quantity,
		&pos.Strike, &expiry, &pos.EntryPrice, &pos.CurrentPrice, &pos.UnrealizedPnL,
		&status, &level, &pos.ATRAtEntry, &openedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	pos.Strategy = domain.Strategy(strategy)
	pos.Status = domain.PositionStatus(status)
	pos.ProtocolLevel = domain.ProtocolLevel(level)

	if pos.Expiry, err = time.Parse(time.RFC3339, expiry); err != nil {
		return nil, fmt.Errorf("bad expiry %q: %w", expiry, err)
	}
	if pos.OpenedAt, err = time.Parse(time.RFC3339, openedAt); err != nil {
		return nil, fmt.Errorf("bad opened_at %q: %w", openedAt, err)
	}
	if closedAt.Valid {
		t, err := time.Parse(time.RFC3339, closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad closed_at %q: %w", closedAt.String, err)
		}
		pos.ClosedAt = &t
	}
	return &pos, nil
}

func closedAtValue(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
