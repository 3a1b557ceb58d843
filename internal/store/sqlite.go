package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"helmsman/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ StateStore = (*SQLiteStore)(nil)

// SQLiteStore implements StateStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id                    TEXT PRIMARY KEY,
	broker_order_id       TEXT NOT NULL DEFAULT '',
	symbol                TEXT NOT NULL,
	side                  TEXT NOT NULL,
	type                  TEXT NOT NULL,
	qty                   TEXT NOT NULL,
	time_in_force         TEXT NOT NULL,
	limit_price           TEXT,
	stop_price            TEXT,
	trail_percent         TEXT,
	status                TEXT NOT NULL,
	filled_qty            TEXT NOT NULL DEFAULT '0',
	filled_avg_price      TEXT,
	client_tag            TEXT NOT NULL DEFAULT '',
	source                TEXT NOT NULL DEFAULT '',
	protection_triggered  INTEGER NOT NULL DEFAULT 0,
	last_seq              INTEGER NOT NULL DEFAULT 0,
	created_at            TIMESTAMP NOT NULL,
	last_broker_update_at TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_broker_id
	ON orders(broker_order_id) WHERE broker_order_id != '';
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS fills (
	order_id  TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	symbol    TEXT NOT NULL,
	side      TEXT NOT NULL,
	qty       TEXT NOT NULL,
	price     TEXT NOT NULL,
	filled_at TIMESTAMP,
	PRIMARY KEY (order_id, seq)
);

CREATE TABLE IF NOT EXISTS positions (
	symbol          TEXT PRIMARY KEY,
	qty             TEXT NOT NULL,
	avg_entry_price TEXT NOT NULL,
	market_value    TEXT,
	unrealized_pl   TEXT,
	updated_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS protection_links (
	entry_order_id      TEXT NOT NULL,
	protection_order_id TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	qty                 TEXT NOT NULL DEFAULT '0',
	attempts            INTEGER NOT NULL DEFAULT 0,
	last_error          TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_links_active
	ON protection_links(entry_order_id) WHERE status != 'detached';

CREATE TABLE IF NOT EXISTS commands (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	payload      BLOB,
	payload_hash TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       BLOB,
	error        TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// The engine serialises writes per entity; a single connection avoids
	// SQLITE_BUSY across goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Decimal / time column helpers
// ---------------------------------------------------------------------------

func decOut(d decimal.Decimal) string { return d.String() }

func decPtrOut(p *decimal.Decimal) any {
	if p == nil {
		return nil
	}
	return p.String()
}

func decIn(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func decPtrIn(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func timeOut(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts a new order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, broker_order_id, symbol, side, type, qty, time_in_force,
			limit_price, stop_price, trail_percent, status, filled_qty,
			filled_avg_price, client_tag, source, protection_triggered,
			last_seq, created_at, last_broker_update_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.BrokerOrderID, o.Symbol, string(o.Side), string(o.Type),
		decOut(o.Qty), string(o.TimeInForce),
		decPtrOut(o.LimitPrice), decPtrOut(o.StopPrice), decPtrOut(o.TrailPercent),
		string(o.Status), decOut(o.FilledQty), decPtrOut(o.FilledAvgPrice),
		o.ClientTag, o.Source, boolOut(o.ProtectionTriggered),
		o.LastSeq, o.CreatedAt.UTC(), timeOut(o.LastBrokerUpdateAt),
	)
	if err != nil {
		return fmt.Errorf("saving order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrder persists changes to an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			broker_order_id = ?, status = ?, filled_qty = ?,
			filled_avg_price = ?, protection_triggered = ?, last_seq = ?,
			last_broker_update_at = ?, limit_price = ?, stop_price = ?,
			trail_percent = ?, time_in_force = ?, source = ?
		WHERE id = ?`,
		o.BrokerOrderID, string(o.Status), decOut(o.FilledQty),
		decPtrOut(o.FilledAvgPrice), boolOut(o.ProtectionTriggered), o.LastSeq,
		timeOut(o.LastBrokerUpdateAt), decPtrOut(o.LimitPrice),
		decPtrOut(o.StopPrice), decPtrOut(o.TrailPercent),
		string(o.TimeInForce), o.Source, o.ID,
	)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("updating order %s: no such order", o.ID)
	}
	return nil
}

const orderColumns = `
	id, broker_order_id, symbol, side, type, qty, time_in_force,
	limit_price, stop_price, trail_percent, status, filled_qty,
	filled_avg_price, client_tag, source, protection_triggered,
	last_seq, created_at, last_broker_update_at`

// GetOrder retrieves an order by its engine-issued id.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// GetOrderByBrokerID retrieves an order by the broker-assigned id.
func (s *SQLiteStore) GetOrderByBrokerID(ctx context.Context, brokerID string) (*domain.Order, error) {
	if brokerID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT`+orderColumns+` FROM orders WHERE broker_order_id = ?`, brokerID)
	return scanOrder(row)
}

// ListOrders returns orders matching the filter, newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error) {
	q := `SELECT` + orderColumns + ` FROM orders WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Symbol != "" {
		q += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if f.Open {
		q += ` AND status NOT IN ('filled', 'canceled', 'rejected', 'expired')`
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*domain.Order, error) {
	var (
		o                        domain.Order
		side, otype, tif, status string
		qty, filledQty           string
		limitP, stopP, trailP    sql.NullString
		avgP                     sql.NullString
		triggered                int
		updatedAt                sql.NullTime
	)
	err := r.Scan(
		&o.ID, &o.BrokerOrderID, &o.Symbol, &side, &otype, &qty, &tif,
		&limitP, &stopP, &trailP, &status, &filledQty, &avgP,
		&o.ClientTag, &o.Source, &triggered, &o.LastSeq, &o.CreatedAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning order: %w", err)
	}

	o.Side = domain.Side(side)
	o.Type = domain.OrderType(otype)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	o.ProtectionTriggered = triggered != 0
	if updatedAt.Valid {
		o.LastBrokerUpdateAt = updatedAt.Time
	}
	if o.Qty, err = decIn(qty); err != nil {
		return nil, err
	}
	if o.FilledQty, err = decIn(filledQty); err != nil {
		return nil, err
	}
	if o.LimitPrice, err = decPtrIn(limitP); err != nil {
		return nil, err
	}
	if o.StopPrice, err = decPtrIn(stopP); err != nil {
		return nil, err
	}
	if o.TrailPercent, err = decPtrIn(trailP); err != nil {
		return nil, err
	}
	if o.FilledAvgPrice, err = decPtrIn(avgP); err != nil {
		return nil, err
	}
	return &o, nil
}

func boolOut(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// FillStore implementation
// ---------------------------------------------------------------------------

// RecordFill inserts the fill if its (order id, seq) key is unseen.
func (s *SQLiteStore) RecordFill(ctx context.Context, f domain.Fill) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (order_id, seq, symbol, side, qty, price, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.OrderID, f.SequenceNo, f.Symbol, string(f.Side),
		decOut(f.Qty), decOut(f.Price), timeOut(f.FilledAt),
	)
	if err != nil {
		return false, fmt.Errorf("recording fill for %s: %w", f.OrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListFills returns all fills for an order in sequence order.
func (s *SQLiteStore) ListFills(ctx context.Context, orderID string) ([]domain.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, seq, symbol, side, qty, price, filled_at
		FROM fills WHERE order_id = ? ORDER BY seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var (
			f          domain.Fill
			side       string
			qty, price string
			filledAt   sql.NullTime
		)
		if err := rows.Scan(&f.OrderID, &f.SequenceNo, &f.Symbol, &side, &qty, &price, &filledAt); err != nil {
			return nil, err
		}
		f.Side = domain.Side(side)
		if f.Qty, err = decIn(qty); err != nil {
			return nil, err
		}
		if f.Price, err = decIn(price); err != nil {
			return nil, err
		}
		if filledAt.Valid {
			f.FilledAt = filledAt.Time
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// ReplacePositions swaps the whole position snapshot inside a transaction.
func (s *SQLiteStore) ReplacePositions(ctx context.Context, positions []domain.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return fmt.Errorf("clearing positions: %w", err)
	}
	for _, p := range positions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO positions (symbol, qty, avg_entry_price, market_value, unrealized_pl, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.Symbol, decOut(p.Qty), decOut(p.AvgEntryPrice),
			decPtrOut(p.MarketValue), decPtrOut(p.UnrealizedPL), p.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("inserting position %s: %w", p.Symbol, err)
		}
	}
	return tx.Commit()
}

// GetPosition retrieves the position for a symbol.
func (s *SQLiteStore) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, qty, avg_entry_price, market_value, unrealized_pl, updated_at
		FROM positions WHERE symbol = ?`, symbol)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListPositions returns the current snapshot ordered by symbol.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, qty, avg_entry_price, market_value, unrealized_pl, updated_at
		FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPosition(r rowScanner) (*domain.Position, error) {
	var (
		p        domain.Position
		qty, avg string
		mv, upl  sql.NullString
	)
	err := r.Scan(&p.Symbol, &qty, &avg, &mv, &upl, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if p.Qty, err = decIn(qty); err != nil {
		return nil, err
	}
	if p.AvgEntryPrice, err = decIn(avg); err != nil {
		return nil, err
	}
	if p.MarketValue, err = decPtrIn(mv); err != nil {
		return nil, err
	}
	if p.UnrealizedPL, err = decPtrIn(upl); err != nil {
		return nil, err
	}
	return &p, nil
}

// ---------------------------------------------------------------------------
// ProtectionStore implementation
// ---------------------------------------------------------------------------

// SaveLink inserts a new protection link. The partial unique index rejects a
// second active link for the same entry order.
func (s *SQLiteStore) SaveLink(ctx context.Context, l *domain.ProtectionLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO protection_links
			(entry_order_id, protection_order_id, status, qty, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.EntryOrderID, l.ProtectionOrderID, string(l.Status), decOut(l.Qty),
		l.Attempts, l.LastError, l.CreatedAt.UTC(), l.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving protection link for %s: %w", l.EntryOrderID, err)
	}
	return nil
}

// ActiveLink returns the non-detached link for an entry order.
func (s *SQLiteStore) ActiveLink(ctx context.Context, entryOrderID string) (*domain.ProtectionLink, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entry_order_id, protection_order_id, status, qty, attempts, last_error, created_at, updated_at
		FROM protection_links WHERE entry_order_id = ? AND status != 'detached'`, entryOrderID)
	l, err := scanLink(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// UpdateLink persists changes to the active link for its entry order.
func (s *SQLiteStore) UpdateLink(ctx context.Context, l *domain.ProtectionLink) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE protection_links SET
			protection_order_id = ?, status = ?, qty = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE entry_order_id = ? AND status != 'detached'`,
		l.ProtectionOrderID, string(l.Status), decOut(l.Qty), l.Attempts,
		l.LastError, l.UpdatedAt.UTC(), l.EntryOrderID,
	)
	if err != nil {
		return fmt.Errorf("updating protection link for %s: %w", l.EntryOrderID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("updating protection link for %s: no active link", l.EntryOrderID)
	}
	return nil
}

// ListLinks returns all links, newest first.
func (s *SQLiteStore) ListLinks(ctx context.Context) ([]domain.ProtectionLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_order_id, protection_order_id, status, qty, attempts, last_error, created_at, updated_at
		FROM protection_links ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing protection links: %w", err)
	}
	defer rows.Close()

	var out []domain.ProtectionLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func scanLink(r rowScanner) (*domain.ProtectionLink, error) {
	var (
		l      domain.ProtectionLink
		status string
		qty    string
	)
	err := r.Scan(&l.EntryOrderID, &l.ProtectionOrderID, &status, &qty,
		&l.Attempts, &l.LastError, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Status = domain.ProtectionStatus(status)
	if l.Qty, err = decIn(qty); err != nil {
		return nil, err
	}
	return &l, nil
}

// ---------------------------------------------------------------------------
// CommandStore implementation
// ---------------------------------------------------------------------------

// SaveCommand inserts a newly received command.
func (s *SQLiteStore) SaveCommand(ctx context.Context, c *domain.Command) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, kind, payload, payload_hash, status, result, error, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Kind), []byte(c.Payload), c.PayloadHash, string(c.Status),
		[]byte(c.Result), c.Error, c.SubmittedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving command %s: %w", c.ID, err)
	}
	return nil
}

// GetCommand retrieves a command by id.
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*domain.Command, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, payload, payload_hash, status, result, error, submitted_at, updated_at
		FROM commands WHERE id = ?`, id)
	c, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// UpdateCommand persists a status/result change.
func (s *SQLiteStore) UpdateCommand(ctx context.Context, c *domain.Command) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(c.Status), []byte(c.Result), c.Error, c.UpdatedAt.UTC(), c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating command %s: %w", c.ID, err)
	}
	return nil
}

// ListCommands returns recent commands, newest first.
func (s *SQLiteStore) ListCommands(ctx context.Context, limit int) ([]domain.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, payload_hash, status, result, error, submitted_at, updated_at
		FROM commands ORDER BY submitted_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing commands: %w", err)
	}
	defer rows.Close()

	var out []domain.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCommand(r rowScanner) (*domain.Command, error) {
	var (
		c               domain.Command
		kind, status    string
		payload, result []byte
	)
	err := r.Scan(&c.ID, &kind, &payload, &c.PayloadHash, &status, &result,
		&c.Error, &c.SubmittedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Kind = domain.CommandKind(kind)
	c.Status = domain.CommandStatus(status)
	c.Payload = payload
	c.Result = result
	return &c, nil
}
