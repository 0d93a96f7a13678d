package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/stockhold/stockhold/internal/core/domain"
	"github.com/stockhold/stockhold/internal/port"
)

// MySQL error numbers the lock discipline has to translate.
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
	mysqlErrDupEntry        = 1062
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS stock_items (
		id          VARCHAR(64) PRIMARY KEY,
		total_stock INT         NOT NULL,
		created_at  DATETIME(6) NOT NULL,
		updated_at  DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stock_reservations (
		id            CHAR(36)     PRIMARY KEY,
		stock_item_id VARCHAR(64)  NOT NULL,
		quantity      INT          NOT NULL,
		holder_ref    VARCHAR(128) NOT NULL,
		state         VARCHAR(16)  NOT NULL,
		created_at    DATETIME(6)  NOT NULL,
		expires_at    DATETIME(6)  NOT NULL,
		updated_at    DATETIME(6)  NOT NULL,
		INDEX idx_reservations_item_state (stock_item_id, state),
		INDEX idx_reservations_due (state, expires_at)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_log (
		id                BIGINT AUTO_INCREMENT PRIMARY KEY,
		stock_item_id     VARCHAR(64)  NOT NULL,
		reservation_id    CHAR(36)     NULL,
		op_kind           VARCHAR(16)  NOT NULL,
		delta             INT          NOT NULL,
		resulting_balance INT          NOT NULL,
		reason            VARCHAR(255) NOT NULL DEFAULT '',
		created_at        DATETIME(6)  NOT NULL,
		INDEX idx_log_item (stock_item_id, id)
	)`,
}

// MySQLAdapter serializes writers per item with SELECT ... FOR UPDATE on the
// stock_items row. InnoDB bounds the lock wait via innodb_lock_wait_timeout,
// set per transaction, so a contended item surfaces as domain.ErrLockTimeout
// instead of stalling callers.
type MySQLAdapter struct {
	db       *sql.DB
	lockWait time.Duration
}

func NewMySQLAdapter(db *sql.DB, lockWait time.Duration) *MySQLAdapter {
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	return &MySQLAdapter{db: db, lockWait: lockWait}
}

// EnsureSchema creates the tables when they do not exist yet.
func (m *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) WithItemLock(ctx context.Context, itemID string, fn func(tx port.StockTx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// innodb_lock_wait_timeout has one-second granularity and a minimum of 1.
	secs := int(m.lockWait / time.Second)
	if secs < 1 {
		secs = 1
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET innodb_lock_wait_timeout = %d", secs)); err != nil {
		return fmt.Errorf("set lock wait timeout: %w", err)
	}

	item, err := lockItemRow(ctx, tx, itemID)
	if err != nil {
		return mapMySQLErr(err)
	}

	mtx := &mysqlTx{tx: tx, itemID: itemID, item: item}
	if err := fn(mtx); err != nil {
		return mapMySQLErr(err)
	}
	if err := tx.Commit(); err != nil {
		return mapMySQLErr(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// lockItemRow takes the exclusive row lock. A missing row returns (nil, nil)
// so item creation can proceed inside the same transaction; the primary key
// then guards against concurrent creates.
func lockItemRow(ctx context.Context, tx *sql.Tx, itemID string) (*domain.StockItem, error) {
	var item domain.StockItem
	err := tx.QueryRowContext(ctx, `
		SELECT id, total_stock, created_at, updated_at
		FROM stock_items WHERE id = ? FOR UPDATE`, itemID,
	).Scan(&item.ID, &item.TotalStock, &item.CreatedAt, &item.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock stock item: %w", err)
	}
	return &item, nil
}

func (m *MySQLAdapter) GetReservation(ctx context.Context, token string) (*domain.Reservation, error) {
	return scanReservation(m.db.QueryRowContext(ctx, `
		SELECT id, stock_item_id, quantity, holder_ref, state, created_at, expires_at, updated_at
		FROM stock_reservations WHERE id = ?`, token))
}

func (m *MySQLAdapter) DueReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, stock_item_id, quantity, holder_ref, state, created_at, expires_at, updated_at
		FROM stock_reservations
		WHERE state = ? AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?`, domain.ReservationActive, now, limit,
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

func (m *MySQLAdapter) AvailableStock(ctx context.Context, itemID string) (int, error) {
	var available int
	err := m.db.QueryRowContext(ctx, `
		SELECT i.total_stock - COALESCE(SUM(r.quantity), 0)
		FROM stock_items i
		LEFT JOIN stock_reservations r ON r.stock_item_id = i.id AND r.state = ?
		WHERE i.id = ?
		GROUP BY i.total_stock`, domain.ReservationActive, itemID,
	).Scan(&available)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrItemNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query available stock: %w", err)
	}
	return available, nil
}

func (m *MySQLAdapter) LogEntries(ctx context.Context, itemID string) ([]domain.StockLogEntry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, stock_item_id, reservation_id, op_kind, delta, resulting_balance, reason, created_at
		FROM stock_log WHERE stock_item_id = ? ORDER BY id`, itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stock log: %w", err)
	}
	defer rows.Close()

	var entries []domain.StockLogEntry
	for rows.Next() {
		var (
			e     domain.StockLogEntry
			resID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ItemID, &resID, &e.Op, &e.Delta,
			&e.ResultingBalance, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.ReservationID = resID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type mysqlTx struct {
	tx     *sql.Tx
	itemID string
	item   *domain.StockItem // locked row, nil when absent
}

func (t *mysqlTx) Item(ctx context.Context) (*domain.StockItem, error) {
	if t.item == nil {
		return nil, domain.ErrItemNotFound
	}
	cp := *t.item
	return &cp, nil
}

func (t *mysqlTx) InsertItem(ctx context.Context, item *domain.StockItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_items (id, total_stock, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		item.ID, item.TotalStock, item.CreatedAt, item.UpdatedAt,
	)
	if isMySQLErr(err, mysqlErrDupEntry) {
		return domain.ErrItemExists
	}
	if err != nil {
		return fmt.Errorf("insert stock item: %w", err)
	}
	cp := *item
	t.item = &cp
	return nil
}

func (t *mysqlTx) ActiveQuantity(ctx context.Context) (int, error) {
	var sum int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM stock_reservations
		WHERE stock_item_id = ? AND state = ?`, t.itemID, domain.ReservationActive,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum active holds: %w", err)
	}
	return sum, nil
}

func (t *mysqlTx) Reservation(ctx context.Context, token string) (*domain.Reservation, error) {
	return scanReservation(t.tx.QueryRowContext(ctx, `
		SELECT id, stock_item_id, quantity, holder_ref, state, created_at, expires_at, updated_at
		FROM stock_reservations WHERE id = ?`, token))
}

func (t *mysqlTx) InsertReservation(ctx context.Context, r *domain.Reservation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_reservations (id, stock_item_id, quantity, holder_ref, state, created_at, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ItemID, r.Quantity, r.HolderRef, r.State, r.CreatedAt, r.ExpiresAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *mysqlTx) UpdateReservationState(ctx context.Context, token string, state domain.ReservationState, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE stock_reservations SET state = ?, updated_at = ? WHERE id = ?`,
		state, at, token,
	)
	if err != nil {
		return fmt.Errorf("update reservation state: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrReservationNotFound
	}
	return nil
}

func (t *mysqlTx) SetTotalStock(ctx context.Context, total int, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE stock_items SET total_stock = ?, updated_at = ? WHERE id = ?`,
		total, at, t.itemID,
	)
	if err != nil {
		return fmt.Errorf("update total stock: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrItemNotFound
	}
	if t.item != nil {
		t.item.TotalStock = total
		t.item.UpdatedAt = at
	}
	return nil
}

func (t *mysqlTx) AppendLog(ctx context.Context, entry *domain.StockLogEntry) error {
	var resID sql.NullString
	if entry.ReservationID != "" {
		resID = sql.NullString{String: entry.ReservationID, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_log (stock_item_id, reservation_id, op_kind, delta, resulting_balance, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ItemID, resID, entry.Op, entry.Delta, entry.ResultingBalance, entry.Reason, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append stock log: %w", err)
	}
	return nil
}

func scanReservation(row *sql.Row) (*domain.Reservation, error) {
	var r domain.Reservation
	err := row.Scan(&r.ID, &r.ItemID, &r.Quantity, &r.HolderRef, &r.State,
		&r.CreatedAt, &r.ExpiresAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	return &r, nil
}

// mapMySQLErr folds InnoDB's contention failures into the retryable
// domain.ErrLockTimeout class. Deadlocks land there too: InnoDB already
// rolled the transaction back and a retry is the correct response.
func mapMySQLErr(err error) error {
	if err == nil {
		return nil
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case mysqlErrLockWaitTimeout:
			return fmt.Errorf("lock wait exceeded: %w", domain.ErrLockTimeout)
		case mysqlErrDeadlock:
			return fmt.Errorf("deadlock detected: %w", domain.ErrLockTimeout)
		}
	}
	return err
}

func isMySQLErr(err error, number uint16) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == number
}
