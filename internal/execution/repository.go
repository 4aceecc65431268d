package execution

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/database"
	"github.com/aristath/warden/internal/domain"
)

const orderSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	parent_order_id TEXT NOT NULL DEFAULT '',
	broker_order_id TEXT NOT NULL DEFAULT '',
	account_id TEXT NOT NULL,
	position_id TEXT NOT NULL DEFAULT '',
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	type TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	limit_price REAL NOT NULL DEFAULT 0,
	time_in_force TEXT NOT NULL,
	filled_qty INTEGER NOT NULL DEFAULT 0,
	avg_fill_price REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	submitted_at TEXT,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_order_id);
`

const orderColumns = `id, parent_order_id, broker_order_id, account_id, position_id,
	symbol, side, type, quantity, limit_price, time_in_force, filled_qty,
	avg_fill_price, status, reason, notes, created_at, submitted_at, updated_at`

// OrderRepository persists orders in the standard database. The in-memory
// engine map is authoritative while running; the rows back restarts, the
// daily cap query and reconciliation.
type OrderRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOrderRepository creates the repository and applies the schema.
func NewOrderRepository(db *database.DB, log zerolog.Logger) (*OrderRepository, error) {
	if _, err := db.Conn().Exec(orderSchema); err != nil {
		return nil, fmt.Errorf("failed to apply orders schema: %w", err)
	}
	return &OrderRepository{
		db:  db.Conn(),
		log: log.With().Str("repo", "order").Logger(),
	}, nil
}

// Save upserts the order.
func (r *OrderRepository) Save(o *Order) error {
	notes, err := json.Marshal(o.Notes)
	if err != nil {
		return fmt.Errorf("failed to encode order notes: %w", err)
	}
	var submittedAt interface{}
	if !o.SubmittedAt.IsZero() {
		submittedAt = o.SubmittedAt.Format(time.RFC3339)
	}
	_, err = r.db.Exec(`
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			broker_order_id = excluded.broker_order_id,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			status = excluded.status,
			reason = excluded.reason,
			notes = excluded.notes,
			submitted_at = excluded.submitted_at,
			updated_at = excluded.updated_at`,
		o.ID, o.ParentOrderID, o.BrokerOrderID, o.AccountID, o.PositionID,
		o.Symbol, string(o.Side), string(o.Type), o.Quantity, o.LimitPrice,
		string(o.TimeInForce), o.FilledQty, o.AvgFillPrice, string(o.Status),
		o.Reason, string(notes), o.CreatedAt.Format(time.RFC3339), submittedAt,
		o.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", o.ID, err)
	}
	return nil
}

// GetByID returns one order.
func (r *OrderRepository) GetByID(id string) (*Order, error) {
	row := r.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, domain.Errorf(domain.ErrNotFound, "order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}
	return o, nil
}

// GetLive returns every non-terminal order.
func (r *OrderRepository) GetLive() ([]*Order, error) {
	return r.query(`SELECT `+orderColumns+` FROM orders WHERE status IN (?, ?, ?, ?)`,
		string(StatusPendingValidation), string(StatusValidated),
		string(StatusSubmitted), string(StatusPartiallyFilled))
}

// SubmittedQtyOn sums the quantity of every order of the account created on
// the given day, excluding rejected ones. Slices are skipped: their parent
// already carries the full quantity. Feeds the daily volume cap.
func (r *OrderRepository) SubmittedQtyOn(accountID string, day time.Time) (int, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)
	row := r.db.QueryRow(`
		SELECT COALESCE(SUM(quantity), 0) FROM orders
		WHERE account_id = ? AND status != ? AND parent_order_id = ''
		AND created_at >= ? AND created_at < ?`,
		accountID, string(StatusRejected),
		dayStart.Format(time.RFC3339), dayEnd.Format(time.RFC3339))
	var total int
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum daily order quantity: %w", err)
	}
	return total, nil
}

func (r *OrderRepository) query(query string, args ...interface{}) ([]*Order, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o           Order
		side        string
		typ         string
		tif         string
		status      string
		notes       string
		createdAt   string
		submittedAt sql.NullString
		updatedAt   string
	)
	err := row.Scan(&o.ID, &o.ParentOrderID, &o.BrokerOrderID, &o.AccountID,
		&o.PositionID, &o.Symbol, &side, &typ, &o.Quantity, &o.LimitPrice,
		&tif, &o.FilledQty, &o.AvgFillPrice, &status, &o.Reason, &notes,
		&createdAt, &submittedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Status = OrderStatus(status)
	if err := json.Unmarshal([]byte(notes), &o.Notes); err != nil {
		return nil, fmt.Errorf("bad order notes %q: %w", notes, err)
	}
	if o.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at %q: %w", createdAt, err)
	}
	if submittedAt.Valid {
		if o.SubmittedAt, err = time.Parse(time.RFC3339, submittedAt.String); err != nil {
			return nil, fmt.Errorf("bad submitted_at %q: %w", submittedAt.String, err)
		}
	}
	if o.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at %q: %w", updatedAt, err)
	}
	return &o, nil
}
