package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockhold/stockhold/internal/core/domain"
	"github.com/stockhold/stockhold/internal/port"
)

// Postgres SQLSTATE codes the lock discipline has to translate.
const (
	pgCodeLockNotAvailable = "55P03"
	pgCodeSerialization    = "40001"
	pgCodeDeadlock         = "40P01"
	pgCodeUniqueViolation  = "23505"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS stock_items (
		id          TEXT        PRIMARY KEY,
		total_stock INT         NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stock_reservations (
		id            TEXT        PRIMARY KEY,
		stock_item_id TEXT        NOT NULL,
		quantity      INT         NOT NULL,
		holder_ref    TEXT        NOT NULL,
		state         TEXT        NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_item_state ON stock_reservations (stock_item_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_due ON stock_reservations (state, expires_at)`,
	`CREATE TABLE IF NOT EXISTS stock_log (
		id                BIGSERIAL   PRIMARY KEY,
		stock_item_id     TEXT        NOT NULL,
		reservation_id    TEXT        NULL,
		op_kind           TEXT        NOT NULL,
		delta             INT         NOT NULL,
		resulting_balance INT         NOT NULL,
		reason            TEXT        NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_log_item ON stock_log (stock_item_id, id)`,
}

// PostgresAdapter mirrors the MySQL adapter on pgx: SELECT ... FOR UPDATE on
// the stock_items row, with SET LOCAL lock_timeout bounding the wait.
type PostgresAdapter struct {
	pool     *pgxpool.Pool
	lockWait time.Duration
}

func NewPostgresAdapter(pool *pgxpool.Pool, lockWait time.Duration) *PostgresAdapter {
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	return &PostgresAdapter{pool: pool, lockWait: lockWait}
}

// NewPostgresPool opens a pgx pool sized for contended, short transactions.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	config.MaxConns = 50
	config.MinConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (p *PostgresAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresAdapter) WithItemLock(ctx context.Context, itemID string, fn func(tx port.StockTx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ms := int(p.lockWait / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	var item *domain.StockItem
	var row domain.StockItem
	err = tx.QueryRow(ctx, `
		SELECT id, total_stock, created_at, updated_at
		FROM stock_items WHERE id = $1 FOR UPDATE`, itemID,
	).Scan(&row.ID, &row.TotalStock, &row.CreatedAt, &row.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Missing row: creation proceeds, the primary key guards races.
	case err != nil:
		return mapPostgresErr(fmt.Errorf("lock stock item: %w", err))
	default:
		item = &row
	}

	ptx := &postgresTx{tx: tx, itemID: itemID, item: item}
	if err := fn(ptx); err != nil {
		return mapPostgresErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPostgresErr(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (p *PostgresAdapter) GetReservation(ctx context.Context, token string) (*domain.Reservation, error) {
	return scanPgReservation(p.pool.QueryRow(ctx, `
		SELECT id, stock_item_id, quantity, holder_ref, state, created_at, expires_at, updated_at
		FROM stock_reservations WHERE id = $1`, token))
}

func (p *PostgresAdapter) DueReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, stock_item_id, quantity, holder_ref, state, created_at, expires_at, updated_at
		FROM stock_reservations
		WHERE state = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3`, domain.ReservationActive, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due reservations: %w", err)
	}
	defer rows.Close()

	var due []domain.Reservation
	for rows.Next() {
		var r domain.Reservation
		if err := rows.Scan(&r.ID, &r.ItemID, &r.Quantity, &r.HolderRef, &r.State,
			&r.CreatedAt, &r.ExpiresAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		due = append(due, r)
	}
	return due, rows.Err()
}

func (p *PostgresAdapter) AvailableStock(ctx context.Context, itemID string) (int, error) {
	var available int
	err := p.pool.QueryRow(ctx, `
		SELECT i.total_stock - COALESCE(SUM(r.quantity), 0)::INT
		FROM stock_items i
		LEFT JOIN stock_reservations r ON r.stock_item_id = i.id AND r.state = $1
		WHERE i.id = $2
		GROUP BY i.total_stock`, domain.ReservationActive, itemID,
	).Scan(&available)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrItemNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query available stock: %w", err)
	}
	return available, nil
}

func (p *PostgresAdapter) LogEntries(ctx context.Context, itemID string) ([]domain.StockLogEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, stock_item_id, COALESCE(reservation_id, ''), op_kind, delta, resulting_balance, reason, created_at
		FROM stock_log WHERE stock_item_id = $1 ORDER BY id`, itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stock log: %w", err)
	}
	defer rows.Close()

	var entries []domain.StockLogEntry
	for rows.Next() {
		var e domain.StockLogEntry
		if err := rows.Scan(&e.ID, &e.ItemID, &e.ReservationID, &e.Op, &e.Delta,
			&e.ResultingBalance, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type postgresTx struct {
	tx     pgx.Tx
	itemID string
	item   *domain.StockItem
}

func (t *postgresTx) Item(ctx context.Context) (*domain.StockItem, error) {
	if t.item == nil {
		return nil, domain.ErrItemNotFound
	}
	cp := *t.item
	return &cp, nil
}

func (t *postgresTx) InsertItem(ctx context.Context, item *domain.StockItem) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_items (id, total_stock, created_at, updated_at)
		VALUES ($1, $2, $3, $4)`,
		item.ID, item.TotalStock, item.CreatedAt, item.UpdatedAt,
	)
	if isPgCode(err, pgCodeUniqueViolation) {
		return domain.ErrItemExists
	}
	if err != nil {
		return fmt.Errorf("insert stock item: %w", err)
	}
	cp := *item
	t.item = &cp
	return nil
}

func (t *postgresTx) ActiveQuantity(ctx context.Context) (int, error) {
	var sum int
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)::INT
		FROM stock_reservations
		WHERE stock_item_id = $1 AND state = $2`, t.itemID, domain.ReservationActive,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum active holds: %w", err)
	}
	return sum, nil
}

func (t *postgresTx) Reservation(ctx context.Context, token string) (*domain.Reservation, error) {
	return scanPgReservation(t.tx.QueryRow(ctx, `
		SELECT id, stock_item_id, quantity, holder_ref, state, created_at, expires_at, updated_at
		FROM stock_reservations WHERE id = $1`, token))
}

func (t *postgresTx) InsertReservation(ctx context.Context, r *domain.Reservation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_reservations (id, stock_item_id, quantity, holder_ref, state, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.ItemID, r.Quantity, r.HolderRef, r.State, r.CreatedAt, r.ExpiresAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateReservationState(ctx context.Context, token string, state domain.ReservationState, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE stock_reservations SET state = $1, updated_at = $2 WHERE id = $3`,
		state, at, token,
	)
	if err != nil {
		return fmt.Errorf("update reservation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReservationNotFound
	}
	return nil
}

func (t *postgresTx) SetTotalStock(ctx context.Context, total int, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE stock_items SET total_stock = $1, updated_at = $2 WHERE id = $3`,
		total, at, t.itemID,
	)
	if err != nil {
		return fmt.Errorf("update total stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrItemNotFound
	}
	if t.item != nil {
		t.item.TotalStock = total
		t.item.UpdatedAt = at
	}
	return nil
}

func (t *postgresTx) AppendLog(ctx context.Context, entry *domain.StockLogEntry) error {
	var resID any
	if entry.ReservationID != "" {
		resID = entry.ReservationID
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_log (stock_item_id, reservation_id, op_kind, delta, resulting_balance, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ItemID, resID, entry.Op, entry.Delta, entry.ResultingBalance, entry.Reason, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append stock log: %w", err)
	}
	return nil
}

func scanPgReservation(row pgx.Row) (*domain.Reservation, error) {
	var r domain.Reservation
	err := row.Scan(&r.ID, &r.ItemID, &r.Quantity, &r.HolderRef, &r.State,
		&r.CreatedAt, &r.ExpiresAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	return &r, nil
}

// mapPostgresErr folds lock waits, serialization aborts, and deadlocks into
// the retryable domain.ErrLockTimeout class.
func mapPostgresErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgCodeLockNotAvailable:
			return fmt.Errorf("lock wait exceeded: %w", domain.ErrLockTimeout)
		case pgCodeSerialization, pgCodeDeadlock:
			return fmt.Errorf("transaction aborted by conflict: %w", domain.ErrLockTimeout)
		}
	}
	return err
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
