package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"ordergate/internal/domain"
)

// Compile-time interface checks.
var _ IntentStore = (*SQLiteStore)(nil)
var _ RiskCheckStore = (*SQLiteStore)(nil)
var _ OrderStore = (*SQLiteStore)(nil)
var _ AuditStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS intents (
	id               TEXT PRIMARY KEY,
	client_intent_id TEXT NOT NULL UNIQUE,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	qty              INTEGER NOT NULL,
	order_type       TEXT NOT NULL,
	limit_price      REAL NOT NULL DEFAULT 0,
	stop_price       REAL NOT NULL DEFAULT 0,
	strategy         TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intents_status ON intents(status);

CREATE TABLE IF NOT EXISTS risk_checks (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	intent_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	passed     INTEGER NOT NULL,
	details    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_risk_checks_intent ON risk_checks(intent_id);

CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	intent_id       TEXT NOT NULL DEFAULT '',
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	qty             INTEGER NOT NULL,
	limit_price     REAL NOT NULL DEFAULT 0,
	stop_price      REAL NOT NULL DEFAULT 0,
	priority        INTEGER NOT NULL,
	status          TEXT NOT NULL,
	broker_order_id TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 3,
	retry_delay_ms  INTEGER NOT NULL DEFAULT 0,
	filled_qty      REAL NOT NULL DEFAULT 0,
	avg_fill_price  REAL NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_intent ON orders(intent_id);
CREATE INDEX IF NOT EXISTS idx_orders_broker ON orders(broker_order_id);

CREATE TABLE IF NOT EXISTS audit_events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at      TEXT NOT NULL,
	kind    TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	detail  TEXT NOT NULL DEFAULT '',
	data    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_events(at);
`

// SQLiteStore implements IntentStore, RiskCheckStore, OrderStore, and
// AuditStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// The in-process queue is the only writer; a single connection avoids
	// SQLITE_BUSY under concurrent HTTP handlers.
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

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// ---------------------------------------------------------------------------
// IntentStore implementation
// ---------------------------------------------------------------------------

// InsertIntent inserts a new intent. The UNIQUE constraint on
// client_intent_id makes the insert the idempotency gate: a conflict is
// reported as ErrDuplicateIntent, never as a new row.
func (s *SQLiteStore) InsertIntent(ctx context.Context, in *domain.Intent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intents
		(id, client_intent_id, symbol, side, qty, order_type, limit_price, stop_price, strategy, status, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.ClientIntentID, in.Symbol, string(in.Side), in.Qty, string(in.Type),
		in.LimitPrice, in.StopPrice, in.Strategy, string(in.Status), in.Reason,
		fmtTime(in.CreatedAt), fmtTime(in.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateIntent
		}
		return err
	}
	return nil
}

const intentColumns = `id, client_intent_id, symbol, side, qty, order_type, limit_price, stop_price, strategy, status, reason, created_at, updated_at`

func scanIntent(row *sql.Row) (*domain.Intent, error) {
	var in domain.Intent
	var side, otype, status, createdAt, updatedAt string
	err := row.Scan(&in.ID, &in.ClientIntentID, &in.Symbol, &side, &in.Qty, &otype,
		&in.LimitPrice, &in.StopPrice, &in.Strategy, &status, &in.Reason, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	in.Side = domain.Side(side)
	in.Type = domain.OrderType(otype)
	in.Status = domain.IntentStatus(status)
	in.CreatedAt = parseTime(createdAt)
	in.UpdatedAt = parseTime(updatedAt)
	return &in, nil
}

// GetIntent retrieves a single intent by its ID.
func (s *SQLiteStore) GetIntent(ctx context.Context, id string) (*domain.Intent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = ?`, id)
	return scanIntent(row)
}

// GetIntentByClientID retrieves an intent by its idempotency key.
func (s *SQLiteStore) GetIntentByClientID(ctx context.Context, clientIntentID string) (*domain.Intent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE client_intent_id = ?`, clientIntentID)
	return scanIntent(row)
}

// UpdateIntentStatus persists an intent status transition.
func (s *SQLiteStore) UpdateIntentStatus(ctx context.Context, id string, status domain.IntentStatus, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE intents SET status = ?, reason = ?, updated_at = ? WHERE id = ?`,
		string(status), reason, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// RiskCheckStore implementation
// ---------------------------------------------------------------------------

// SaveRiskChecks appends the full checklist of a single evaluation.
func (s *SQLiteStore) SaveRiskChecks(ctx context.Context, intentID string, checks []domain.RiskCheck) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	for i := range checks {
		c := &checks[i]
		passed := 0
		if c.Passed {
			passed = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO risk_checks (intent_id, name, passed, details, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			intentID, c.Name, passed, c.Details, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListRiskChecks returns all checks recorded for an intent, oldest first.
func (s *SQLiteStore) ListRiskChecks(ctx context.Context, intentID string) ([]domain.RiskCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT intent_id, name, passed, details, created_at
		FROM risk_checks WHERE intent_id = ? ORDER BY id`, intentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RiskCheck
	for rows.Next() {
		var c domain.RiskCheck
		var passed int
		var createdAt string
		if err := rows.Scan(&c.IntentID, &c.Name, &passed, &c.Details, &createdAt); err != nil {
			return nil, err
		}
		c.Passed = passed != 0
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts or replaces an order record.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders
		(id, intent_id, symbol, side, order_type, qty, limit_price, stop_price, priority, status,
		 broker_order_id, attempts, max_retries, retry_delay_ms, filled_qty, avg_fill_price,
		 last_error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.IntentID, o.Symbol, string(o.Side), string(o.Type), o.Qty, o.LimitPrice, o.StopPrice,
		int(o.Priority), string(o.Status), o.BrokerOrderID, o.Attempts, o.MaxRetries,
		o.RetryDelay.Milliseconds(), o.FilledQty, o.AvgFillPrice, o.LastError, string(meta),
		fmtTime(o.CreatedAt), fmtTime(o.UpdatedAt),
	)
	return err
}

const orderColumns = `id, intent_id, symbol, side, order_type, qty, limit_price, stop_price, priority, status,
	broker_order_id, attempts, max_retries, retry_delay_ms, filled_qty, avg_fill_price, last_error, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side, otype, status, meta, createdAt, updatedAt string
	var priority int
	var retryDelayMs int64
	err := row.Scan(&o.ID, &o.IntentID, &o.Symbol, &side, &otype, &o.Qty, &o.LimitPrice, &o.StopPrice,
		&priority, &status, &o.BrokerOrderID, &o.Attempts, &o.MaxRetries, &retryDelayMs,
		&o.FilledQty, &o.AvgFillPrice, &o.LastError, &meta, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(otype)
	o.Priority = domain.Priority(priority)
	o.Status = domain.OrderStatus(status)
	o.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	if meta != "" && meta != "null" {
		_ = json.Unmarshal([]byte(meta), &o.Metadata)
	}
	return &o, nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// GetOrderByIntentID retrieves the order created from an intent.
func (s *SQLiteStore) GetOrderByIntentID(ctx context.Context, intentID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE intent_id = ? ORDER BY created_at LIMIT 1`, intentID)
	return scanOrder(row)
}

func (s *SQLiteStore) listOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ListOrders returns all orders with the given status; an empty status
// returns everything.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	if status == "" {
		return s.listOrders(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at`)
	}
	return s.listOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY created_at`, string(status))
}

// ListOpenOrders returns all non-terminal orders for queue rebuild.
func (s *SQLiteStore) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	return s.listOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE status IN (?, ?) ORDER BY created_at`,
		string(domain.OrderStatusPending), string(domain.OrderStatusSubmitted))
}

// ---------------------------------------------------------------------------
// AuditStore implementation
// ---------------------------------------------------------------------------

// SaveAuditEvent appends one event to the journal.
func (s *SQLiteStore) SaveAuditEvent(ctx context.Context, ev *domain.AuditEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (at, kind, subject, detail, data)
		VALUES (?, ?, ?, ?, ?)`,
		fmtTime(ev.At), ev.Kind, ev.Subject, ev.Detail, string(data),
	)
	if err != nil {
		return err
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// ListAuditEvents returns events in [start, end), oldest first.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, start, end time.Time, limit int) ([]domain.AuditEvent, error) {
	query := `SELECT id, at, kind, subject, detail, data FROM audit_events WHERE at >= ? AND at < ? ORDER BY id`
	args := []any{fmtTime(start), fmtTime(end)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var at, data string
		if err := rows.Scan(&ev.ID, &at, &ev.Kind, &ev.Subject, &ev.Detail, &data); err != nil {
			return nil, err
		}
		ev.At = parseTime(at)
		if data != "" && data != "null" {
			_ = json.Unmarshal([]byte(data), &ev.Data)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
