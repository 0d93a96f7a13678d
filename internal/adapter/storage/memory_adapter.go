package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stockhold/stockhold/internal/core/domain"
	"github.com/stockhold/stockhold/internal/port"
)

const defaultLockWait = 3 * time.Second

// MemoryAdapter keeps items, reservations, and the audit log in process
// memory. It backs unit tests and single-node runs; its semantics mirror the
// SQL adapters: an exclusive per-item lock with a bounded wait, and
// all-or-nothing application of a transaction's writes.
type MemoryAdapter struct {
	lockWait time.Duration

	mu    sync.RWMutex
	locks map[string]chan struct{}
	items map[string]*domain.StockItem
	resvs map[string]*domain.Reservation
	log   []domain.StockLogEntry
	seq   int64
}

func NewMemoryAdapter(lockWait time.Duration) *MemoryAdapter {
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	return &MemoryAdapter{
		lockWait: lockWait,
		locks:    make(map[string]chan struct{}),
		items:    make(map[string]*domain.StockItem),
		resvs:    make(map[string]*domain.Reservation),
	}
}

func (m *MemoryAdapter) lockChan(itemID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.locks[itemID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[itemID] = ch
	}
	return ch
}

func (m *MemoryAdapter) WithItemLock(ctx context.Context, itemID string, fn func(tx port.StockTx) error) error {
	ch := m.lockChan(itemID)
	timer := time.NewTimer(m.lockWait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("item %s: %w", itemID, domain.ErrLockTimeout)
	}
	defer func() { <-ch }()

	tx := &memoryTx{store: m, itemID: itemID}
	m.mu.RLock()
	if item, ok := m.items[itemID]; ok {
		cp := *item
		tx.item = &cp
	}
	m.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryAdapter) GetReservation(ctx context.Context, token string) (*domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resvs[token]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryAdapter) DueReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	m.mu.RLock()
	var due []domain.Reservation
	for _, r := range m.resvs {
		if r.State == domain.ReservationActive && r.DueAt(now) {
			due = append(due, *r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryAdapter) AvailableStock(ctx context.Context, itemID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[itemID]
	if !ok {
		return 0, domain.ErrItemNotFound
	}
	held := 0
	for _, r := range m.resvs {
		if r.ItemID == itemID && r.State == domain.ReservationActive {
			held += r.Quantity
		}
	}
	return item.AvailableWith(held), nil
}

func (m *MemoryAdapter) LogEntries(ctx context.Context, itemID string) ([]domain.StockLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []domain.StockLogEntry
	for _, e := range m.log {
		if e.ItemID == itemID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

type resvUpdate struct {
	state domain.ReservationState
	at    time.Time
}

// memoryTx stages writes while the item lock is held and applies them in one
// step on commit, so a failed operation leaves no partial state behind.
type memoryTx struct {
	store  *MemoryAdapter
	itemID string

	item     *domain.StockItem // locked counter copy, nil when absent
	inserted []*domain.Reservation
	updates  map[string]resvUpdate
	entries  []domain.StockLogEntry
}

func (t *memoryTx) Item(ctx context.Context) (*domain.StockItem, error) {
	if t.item == nil {
		return nil, domain.ErrItemNotFound
	}
	cp := *t.item
	return &cp, nil
}

func (t *memoryTx) InsertItem(ctx context.Context, item *domain.StockItem) error {
	if t.item != nil {
		return domain.ErrItemExists
	}
	t.store.mu.RLock()
	_, exists := t.store.items[item.ID]
	t.store.mu.RUnlock()
	if exists {
		return domain.ErrItemExists
	}
	cp := *item
	t.item = &cp
	return nil
}

func (t *memoryTx) ActiveQuantity(ctx context.Context) (int, error) {
	sum := 0
	t.store.mu.RLock()
	for _, r := range t.store.resvs {
		if r.ItemID != t.itemID || r.State != domain.ReservationActive {
			continue
		}
		if upd, ok := t.updates[r.ID]; ok && upd.state != domain.ReservationActive {
			continue
		}
		sum += r.Quantity
	}
	t.store.mu.RUnlock()
	for _, r := range t.inserted {
		if upd, ok := t.updates[r.ID]; ok && upd.state != domain.ReservationActive {
			continue
		}
		if r.State == domain.ReservationActive {
			sum += r.Quantity
		}
	}
	return sum, nil
}

func (t *memoryTx) Reservation(ctx context.Context, token string) (*domain.Reservation, error) {
	for _, r := range t.inserted {
		if r.ID == token {
			cp := *r
			t.applyUpdate(&cp)
			return &cp, nil
		}
	}
	t.store.mu.RLock()
	r, ok := t.store.resvs[token]
	if !ok {
		t.store.mu.RUnlock()
		return nil, domain.ErrReservationNotFound
	}
	cp := *r
	t.store.mu.RUnlock()
	t.applyUpdate(&cp)
	return &cp, nil
}

func (t *memoryTx) applyUpdate(r *domain.Reservation) {
	if upd, ok := t.updates[r.ID]; ok {
		r.State = upd.state
		r.UpdatedAt = upd.at
	}
}

func (t *memoryTx) InsertReservation(ctx context.Context, r *domain.Reservation) error {
	cp := *r
	t.inserted = append(t.inserted, &cp)
	return nil
}

func (t *memoryTx) UpdateReservationState(ctx context.Context, token string, state domain.ReservationState, at time.Time) error {
	if _, err := t.Reservation(ctx, token); err != nil {
		return err
	}
	if t.updates == nil {
		t.updates = make(map[string]resvUpdate)
	}
	t.updates[token] = resvUpdate{state: state, at: at}
	return nil
}

func (t *memoryTx) SetTotalStock(ctx context.Context, total int, at time.Time) error {
	if t.item == nil {
		return domain.ErrItemNotFound
	}
	t.item.TotalStock = total
	t.item.UpdatedAt = at
	return nil
}

func (t *memoryTx) AppendLog(ctx context.Context, entry *domain.StockLogEntry) error {
	t.entries = append(t.entries, *entry)
	return nil
}

func (t *memoryTx) commit() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.item != nil {
		cp := *t.item
		t.store.items[t.itemID] = &cp
	}
	for _, r := range t.inserted {
		cp := *r
		t.store.resvs[r.ID] = &cp
	}
	for token, upd := range t.updates {
		if r, ok := t.store.resvs[token]; ok {
			r.State = upd.state
			r.UpdatedAt = upd.at
		}
	}
	for i := range t.entries {
		t.store.seq++
		t.entries[i].ID = t.store.seq
		t.store.log = append(t.store.log, t.entries[i])
	}
}
