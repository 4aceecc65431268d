package accounts

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/warden/internal/database"
	"github.com/aristath/warden/internal/domain"
)

const accountSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	sleeve TEXT NOT NULL,
	parent_id TEXT,
	state TEXT NOT NULL,
	initial_capital TEXT NOT NULL,
	current_value TEXT NOT NULL,
	reserved_capital TEXT NOT NULL,
	fork_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	last_activity TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_parent ON accounts(parent_id);
CREATE INDEX IF NOT EXISTS idx_accounts_sleeve ON accounts(sleeve);

CREATE TABLE IF NOT EXISTS account_snapshots (
	account_id TEXT NOT NULL,
	ts TEXT NOT NULL,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_account ON account_snapshots(account_id, ts);
`

const accountColumns = `id, sleeve, parent_id, state, initial_capital,
	current_value, reserved_capital, fork_count, created_at, last_activity`

// Repository handles account database operations. Capital amounts are stored
// as decimal strings so no precision is lost round-tripping.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the repository and applies the schema.
func NewRepository(db *database.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Conn().Exec(accountSchema); err != nil {
		return nil, fmt.Errorf("failed to apply accounts schema: %w", err)
	}
	return &Repository{
		db:  db.Conn(),
		log: log.With().Str("repo", "account").Logger(),
	}, nil
}

// Create inserts a new account.
func (r *Repository) Create(acct *domain.Account) error {
	var parentID interface{}
	if acct.ParentID != nil {
		parentID = *acct.ParentID
	}
	_, err := r.db.Exec(`
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, string(acct.Sleeve), parentID, string(acct.State),
		acct.InitialCapital.String(), acct.CurrentValue.String(),
		acct.ReservedCapital.String(), acct.ForkCount,
		acct.CreatedAt.Format(time.RFC3339), acct.LastActivity.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert account %s: %w", acct.ID, err)
	}
	return nil
}

// GetByID returns one account.
func (r *Repository) GetByID(id string) (*domain.Account, error) {
	row := r.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acct, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, domain.Errorf(domain.ErrNotFound, "account %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", id, err)
	}
	return acct, nil
}

// GetAll returns every account.
func (r *Repository) GetAll() ([]*domain.Account, error) {
	return r.query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at`)
}

// GetChildren returns the direct children of an account.
func (r *Repository) GetChildren(parentID string) ([]*domain.Account, error) {
	return r.query(`SELECT `+accountColumns+` FROM accounts WHERE parent_id = ? ORDER BY created_at`, parentID)
}

// Update persists the full mutable state of an account.
func (r *Repository) Update(acct *domain.Account) error {
	res, err := r.db.Exec(`
		UPDATE accounts SET state = ?, current_value = ?, reserved_capital = ?,
			fork_count = ?, last_activity = ?
		WHERE id = ?`,
		string(acct.State), acct.CurrentValue.String(),
		acct.ReservedCapital.String(), acct.ForkCount,
		acct.LastActivity.Format(time.RFC3339), acct.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", acct.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.Errorf(domain.ErrNotFound, "account %s not found", acct.ID)
	}
	return nil
}

// Delete removes an account. Only used to unwind a failed fork before the
// seal; committed accounts are never deleted.
func (r *Repository) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", id, err)
	}
	return nil
}

// RecordSnapshot stores an equity snapshot for performance attribution.
func (r *Repository) RecordSnapshot(accountID string, at time.Time, value decimal.Decimal) error {
	_, err := r.db.Exec(`INSERT INTO account_snapshots (account_id, ts, value) VALUES (?, ?, ?)`,
		accountID, at.Format(time.RFC3339), value.String())
	if err != nil {
		return fmt.Errorf("failed to record snapshot for %s: %w", accountID, err)
	}
	return nil
}

// Snapshots returns the equity series of an account in time order.
func (r *Repository) Snapshots(accountID string) ([]float64, error) {
	rows, err := r.db.Query(`SELECT value FROM account_snapshots WHERE account_id = ? ORDER BY ts`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots for %s: %w", accountID, err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("bad snapshot value %q: %w", raw, err)
		}
		values = append(values, d.InexactFloat64())
	}
	return values, rows.Err()
}

func (r *Repository) query(query string, args ...interface{}) ([]*domain.Account, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		acct         domain.Account
		sleeve       string
		parentID     sql.NullString
		state        string
		initial      string
		current      string
		reserved     string
		createdAt    string
		lastActivity string
	)
	err := row.Scan(&acct.ID, &sleeve, &parentID, &state, &initial, &current,
		&reserved, &acct.ForkCount, &createdAt, &lastActivity)
	if err != nil {
		return nil, err
	}

	acct.Sleeve = domain.Sleeve(sleeve)
	acct.State = domain.AccountState(state)
	if parentID.Valid {
		p := parentID.String
		acct.ParentID = &p
	}

	if acct.InitialCapital, err = decimal.NewFromString(initial); err != nil {
		return nil, fmt.Errorf("bad initial_capital %q: %w", initial, err)
	}
	if acct.CurrentValue, err = decimal.NewFromString(current); err != nil {
		return nil, fmt.Errorf("bad current_value %q: %w", current, err)
	}
	if acct.ReservedCapital, err = decimal.NewFromString(reserved); err != nil {
		return nil, fmt.Errorf("bad reserved_capital %q: %w", reserved, err)
	}
	if acct.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at %q: %w", createdAt, err)
	}
	if acct.LastActivity, err = time.Parse(time.RFC3339, lastActivity); err != nil {
		return nil, fmt.Errorf("bad last_activity %q: %w", lastActivity, err)
	}
	return &acct, nil
}
