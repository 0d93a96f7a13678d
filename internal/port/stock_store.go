package port

import (
	"context"
	"time"

	"github.com/stockhold/stockhold/internal/core/domain"
)

// StockTx is the row-scoped view inside one item-locked transaction. All of
// its writes commit or discard together when the enclosing WithItemLock call
// returns.
type StockTx interface {
	// Item returns the locked item counter, or domain.ErrItemNotFound when
	// no row exists for the transaction's item id.
	Item(ctx context.Context) (*domain.StockItem, error)

	// InsertItem creates the counter row for a new item. Returns
	// domain.ErrItemExists when another writer created it first.
	InsertItem(ctx context.Context, item *domain.StockItem) error

	// ActiveQuantity sums the quantities of the item's ACTIVE reservations.
	ActiveQuantity(ctx context.Context) (int, error)

	// Reservation loads one reservation by token, or
	// domain.ErrReservationNotFound.
	Reservation(ctx context.Context, token string) (*domain.Reservation, error)

	// InsertReservation persists a freshly built hold.
	InsertReservation(ctx context.Context, r *domain.Reservation) error

	// UpdateReservationState records a completed state transition.
	UpdateReservationState(ctx context.Context, token string, state domain.ReservationState, at time.Time) error

	// SetTotalStock overwrites the item counter.
	SetTotalStock(ctx context.Context, total int, at time.Time) error

	// AppendLog writes one audit entry.
	AppendLog(ctx context.Context, entry *domain.StockLogEntry) error
}

// StockStore is the persistence boundary for items, reservations, and the
// audit log.
type StockStore interface {
	// WithItemLock acquires the exclusive lock on one item id, runs fn in a
	// transaction holding it, and commits when fn returns nil. Any error from
	// fn rolls everything back and is returned unchanged. Waiting for the
	// lock is bounded; exceeding the bound yields domain.ErrLockTimeout.
	WithItemLock(ctx context.Context, itemID string, fn func(tx StockTx) error) error

	// GetReservation reads one reservation by token without locking.
	GetReservation(ctx context.Context, token string) (*domain.Reservation, error)

	// DueReservations lists ACTIVE reservations whose TTL elapsed at now,
	// oldest expiry first, at most limit rows.
	DueReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)

	// AvailableStock computes committed availability (total stock minus
	// active holds) without locking.
	AvailableStock(ctx context.Context, itemID string) (int, error)

	// LogEntries returns an item's audit entries, oldest first.
	LogEntries(ctx context.Context, itemID string) ([]domain.StockLogEntry, error)
}
