package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stockhold/stockhold/internal/core/domain"
	"github.com/stockhold/stockhold/internal/metrics"
	"github.com/stockhold/stockhold/internal/port"
)

var tracer = otel.Tracer("stockhold/service")

// Config carries the tunables of the reservation manager. Zero values fall
// back to the defaults below.
type Config struct {
	// DefaultTTL applies to reserves that do not pick a hold duration.
	DefaultTTL time.Duration

	// RetryAttempts bounds how often a lock-timeout aborted operation is
	// retried before the busy error surfaces to the caller.
	RetryAttempts int

	// RetryBackoff is the initial pause between retries; it doubles per
	// attempt.
	RetryBackoff time.Duration

	// SweepBatchSize caps how many due holds one sweep pass loads at a time.
	SweepBatchSize int

	// Clock supplies the current time; tests pin it.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = domain.DefaultReservationTTL
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 25 * time.Millisecond
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 100
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// StockService owns every stock movement: holds, confirmations, releases,
// expiries, and manual adjustments. Each write runs inside the store's
// exclusive item lock and appends one audit entry in the same transaction,
// which is what keeps reserved plus sold within total stock under load.
type StockService struct {
	store     port.StockStore
	cache     port.AvailabilityCache
	publisher port.LedgerPublisher
	cfg       Config
	logger    zerolog.Logger
}

// NewStockService wires the manager. cache and publisher may be nil; both
// are post-commit conveniences, not decision inputs.
func NewStockService(store port.StockStore, cache port.AvailabilityCache, publisher port.LedgerPublisher, cfg Config, logger zerolog.Logger) *StockService {
	return &StockService{
		store:     store,
		cache:     cache,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// CreateItem registers a new item and seeds its audit trail with an ADJUST
// entry carrying the initial stock, so replaying from the first entry always
// lands on the live availability.
func (s *StockService) CreateItem(ctx context.Context, itemID string, initialStock int) (*domain.StockItem, error) {
	defer metrics.ObserveOp("create_item", time.Now())
	ctx, span := tracer.Start(ctx, "StockService.CreateItem")
	defer span.End()

	if itemID == "" {
		return nil, fmt.Errorf("%w: item id is required", domain.ErrValidation)
	}
	if initialStock < 0 {
		return nil, fmt.Errorf("%w: initial stock must not be negative, got %d", domain.ErrValidation, initialStock)
	}

	var (
		item  *domain.StockItem
		entry *domain.StockLogEntry
	)
	err := s.withRetry(ctx, func() error {
		return s.store.WithItemLock(ctx, itemID, func(tx port.StockTx) error {
			if _, err := tx.Item(ctx); err == nil {
				return domain.ErrItemExists
			} else if !errors.Is(err, domain.ErrItemNotFound) {
				return err
			}
			now := s.cfg.Clock()
			item = &domain.StockItem{ID: itemID, TotalStock: initialStock, CreatedAt: now, UpdatedAt: now}
			if err := tx.InsertItem(ctx, item); err != nil {
				return err
			}
			entry = &domain.StockLogEntry{
				ItemID:           itemID,
				Op:               domain.OpAdjust,
				Delta:            initialStock,
				ResultingBalance: initialStock,
				Reason:           "initial stock",
				CreatedAt:        now,
			}
			return tx.AppendLog(ctx, entry)
		})
	})
	if err != nil {
		return nil, s.fail(span, err)
	}

	s.logger.Info().Str("item_id", itemID).Int("total_stock", initialStock).Msg("stock item created")
	s.afterCommit(ctx, entry)
	return item, nil
}

// Reserve places a soft hold on quantity units of an item. The availability
// check and the hold insert happen under the item lock, so concurrent
// reserves serialize and can never jointly exceed availability.
func (s *StockService) Reserve(ctx context.Context, itemID string, quantity int, holderRef string, ttl time.Duration) (*domain.Reservation, error) {
	defer metrics.ObserveOp("reserve", time.Now())
	ctx, span := tracer.Start(ctx, "StockService.Reserve")
	defer span.End()
	span.SetAttributes(attribute.String("stock.item_id", itemID), attribute.Int("stock.quantity", quantity))

	if itemID == "" {
		return nil, fmt.Errorf("%w: item id is required", domain.ErrValidation)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive, got %d", domain.ErrValidation, quantity)
	}
	if holderRef == "" {
		return nil, fmt.Errorf("%w: holder reference is required", domain.ErrValidation)
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	var (
		resv  *domain.Reservation
		entry *domain.StockLogEntry
	)
	err := s.withRetry(ctx, func() error {
		return s.store.WithItemLock(ctx, itemID, func(tx port.StockTx) error {
			item, err := tx.Item(ctx)
			if err != nil {
				return err
			}
			active, err := tx.ActiveQuantity(ctx)
			if err != nil {
				return err
			}
			available := item.AvailableWith(active)
			if available < quantity {
				return &domain.InsufficientStockError{ItemID: itemID, Requested: quantity, Available: available}
			}

			now := s.cfg.Clock()
			resv = domain.NewReservation(itemID, quantity, holderRef, now, ttl)
			if err := tx.InsertReservation(ctx, resv); err != nil {
				return err
			}
			entry = &domain.StockLogEntry{
				ItemID:           itemID,
				ReservationID:    resv.ID,
				Op:               domain.OpReserve,
				Delta:            -quantity,
				ResultingBalance: available - quantity,
				CreatedAt:        now,
			}
			return tx.AppendLog(ctx, entry)
		})
	})
	if err != nil {
		metrics.ReserveAttempts.WithLabelValues(reserveOutcome(err)).Inc()
		return nil, s.fail(span, err)
	}

	metrics.ReserveAttempts.WithLabelValues("reserved").Inc()
	s.logger.Info().
		Str("item_id", itemID).
		Str("reservation_id", resv.ID).
		Str("holder_ref", holderRef).
		Int("quantity", quantity).
		Int("available", entry.ResultingBalance).
		Time("expires_at", resv.ExpiresAt).
		Msg("stock reserved")
	s.afterCommit(ctx, entry)
	return resv, nil
}

// Confirm turns an ACTIVE hold into a permanent sale: the item counter drops
// by the held quantity and the hold leaves the active set, so availability
// does not move. An overdue hold that the sweeper has not visited yet still
// confirms; expiry only exists once recorded.
func (s *StockService) Confirm(ctx context.Context, token string) error {
	defer metrics.ObserveOp("confirm", time.Now())
	ctx, span := tracer.Start(ctx, "StockService.Confirm")
	defer span.End()

	if token == "" {
		return fmt.Errorf("%w: reservation token is required", domain.ErrValidation)
	}

	pre, err := s.store.GetReservation(ctx, token)
	if err != nil {
		return s.fail(span, err)
	}

	var entry *domain.StockLogEntry
	err = s.withRetry(ctx, func() error {
		return s.store.WithItemLock(ctx, pre.ItemID, func(tx port.StockTx) error {
			r, err := tx.Reservation(ctx, token)
			if err != nil {
				return err
			}
			now := s.cfg.Clock()
			if err := r.Confirm(now); err != nil {
				return err
			}
			item, err := tx.Item(ctx)
			if err != nil {
				return err
			}
			active, err := tx.ActiveQuantity(ctx)
			if err != nil {
				return err
			}
			if err := tx.SetTotalStock(ctx, item.TotalStock-r.Quantity, now); err != nil {
				return err
			}
			if err := tx.UpdateReservationState(ctx, token, domain.ReservationConfirmed, now); err != nil {
				return err
			}
			entry = &domain.StockLogEntry{
				ItemID:           r.ItemID,
				ReservationID:    r.ID,
				Op:               domain.OpConfirm,
				Delta:            0,
				ResultingBalance: item.TotalStock - active,
				CreatedAt:        now,
			}
			return tx.AppendLog(ctx, entry)
		})
	})
	if err != nil {
		return s.fail(span, err)
	}

	metrics.Transitions.WithLabelValues(string(domain.ReservationConfirmed)).Inc()
	s.logger.Info().
		Str("item_id", pre.ItemID).
		Str("reservation_id", token).
		Int("quantity", pre.Quantity).
		Msg("reservation confirmed")
	s.afterCommit(ctx, entry)
	return nil
}

// Release returns an ACTIVE hold's quantity to the pool. Releasing a hold
// that was already released or expired is a logged no-op, since explicit
// cancellation and the sweeper may race to settle the same row and the
// quantity is back in the pool either way. Releasing a CONFIRMED hold is
// refused: that stock is spent.
func (s *StockService) Release(ctx context.Context, token, reason string) error {
	defer metrics.ObserveOp("release", time.Now())
	ctx, span := tracer.Start(ctx, "StockService.Release")
	defer span.End()

	if token == "" {
		return fmt.Errorf("%w: reservation token is required", domain.ErrValidation)
	}

	pre, err := s.store.GetReservation(ctx, token)
	if err != nil {
		return s.fail(span, err)
	}
	// Terminal states are one-way, so a stale read here is still final.
	if !pre.Active() {
		if pre.State == domain.ReservationConfirmed {
			return s.fail(span, &domain.InvalidTransitionError{ReservationID: token, From: pre.State, Op: "release"})
		}
		s.logger.Info().
			Str("reservation_id", token).
			Str("state", string(pre.State)).
			Msg("release ignored: reservation already settled")
		return nil
	}

	var (
		entry *domain.StockLogEntry
		noop  bool
	)
	err = s.withRetry(ctx, func() error {
		noop = false
		return s.store.WithItemLock(ctx, pre.ItemID, func(tx port.StockTx) error {
			r, err := tx.Reservation(ctx, token)
			if err != nil {
				return err
			}
			if !r.Active() {
				if r.State == domain.ReservationConfirmed {
					return &domain.InvalidTransitionError{ReservationID: token, From: r.State, Op: "release"}
				}
				noop = true
				return nil
			}
			now := s.cfg.Clock()
			if err := r.Release(now); err != nil {
				return err
			}
			entry, err = s.returnToPool(ctx, tx, r, domain.OpRelease, reason, now)
			return err
		})
	})
	if err != nil {
		return s.fail(span, err)
	}
	if noop {
		s.logger.Info().Str("reservation_id", token).Msg("release ignored: reservation already settled")
		return nil
	}

	metrics.Transitions.WithLabelValues(string(domain.ReservationReleased)).Inc()
	s.logger.Info().
		Str("item_id", pre.ItemID).
		Str("reservation_id", token).
		Int("quantity", pre.Quantity).
		Int("available", entry.ResultingBalance).
		Msg("reservation released")
	s.afterCommit(ctx, entry)
	return nil
}

// ExpireDue moves every ACTIVE hold whose TTL elapsed at now to EXPIRED and
// returns their quantities to the pool. Each hold is expired in its own
// item-locked transaction, so the pass tolerates concurrent confirms,
// releases, and other sweepers; a hold that lost such a race is skipped.
// Returns how many holds this call expired.
func (s *StockService) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	defer metrics.ObserveOp("expire_due", time.Now())
	ctx, span := tracer.Start(ctx, "StockService.ExpireDue")
	defer span.End()

	expired := 0
	for {
		due, err := s.store.DueReservations(ctx, now, s.cfg.SweepBatchSize)
		if err != nil {
			return expired, s.fail(span, err)
		}
		if len(due) == 0 {
			return expired, nil
		}

		var firstErr error
		for i := range due {
			ok, err := s.expireOne(ctx, &due[i])
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				s.logger.Warn().Err(err).
					Str("reservation_id", due[i].ID).
					Str("item_id", due[i].ItemID).
					Msg("expiry failed, will retry next sweep")
				continue
			}
			if ok {
				expired++
			}
		}
		if firstErr != nil {
			return expired, s.fail(span, firstErr)
		}
		if len(due) < s.cfg.SweepBatchSize {
			return expired, nil
		}
	}
}

func (s *StockService) expireOne(ctx context.Context, pre *domain.Reservation) (bool, error) {
	transitioned := false
	var entry *domain.StockLogEntry
	err := s.withRetry(ctx, func() error {
		transitioned = false
		return s.store.WithItemLock(ctx, pre.ItemID, func(tx port.StockTx) error {
			r, err := tx.Reservation(ctx, pre.ID)
			if err != nil {
				return err
			}
			// Rechecked under the lock: a confirm or release that committed
			// after the due scan wins and the hold is left alone.
			if !r.Active() {
				return nil
			}
			now := s.cfg.Clock()
			if err := r.Expire(now); err != nil {
				return err
			}
			entry, err = s.returnToPool(ctx, tx, r, domain.OpExpire, "reservation ttl elapsed", now)
			if err != nil {
				return err
			}
			transitioned = true
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	if !transitioned {
		return false, nil
	}

	metrics.Transitions.WithLabelValues(string(domain.ReservationExpired)).Inc()
	s.logger.Info().
		Str("item_id", pre.ItemID).
		Str("reservation_id", pre.ID).
		Int("quantity", pre.Quantity).
		Time("expired_at", pre.ExpiresAt).
		Msg("reservation expired")
	s.afterCommit(ctx, entry)
	return true, nil
}

// returnToPool records the terminal transition of r and the audit entry that
// hands its quantity back to available stock. The caller has already moved
// r's in-memory state.
func (s *StockService) returnToPool(ctx context.Context, tx port.StockTx, r *domain.Reservation, op domain.OpKind, reason string, now time.Time) (*domain.StockLogEntry, error) {
	item, err := tx.Item(ctx)
	if err != nil {
		return nil, err
	}
	active, err := tx.ActiveQuantity(ctx)
	if err != nil {
		return nil, err
	}
	if err := tx.UpdateReservationState(ctx, r.ID, r.State, now); err != nil {
		return nil, err
	}
	entry := &domain.StockLogEntry{
		ItemID:           r.ItemID,
		ReservationID:    r.ID,
		Op:               op,
		Delta:            r.Quantity,
		ResultingBalance: item.AvailableWith(active) + r.Quantity,
		Reason:           reason,
		CreatedAt:        now,
	}
	if err := tx.AppendLog(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Adjust shifts an item's total stock by delta for restocks, damage, or
// recounts. It refuses adjustments that would leave the counter negative or
// below the quantity already held by ACTIVE reservations.
func (s *StockService) Adjust(ctx context.Context, itemID string, delta int, reason string) (int, error) {
	defer metrics.ObserveOp("adjust", time.Now())
	ctx, span := tracer.Start(ctx, "StockService.Adjust")
	defer span.End()

	if itemID == "" {
		return 0, fmt.Errorf("%w: item id is required", domain.ErrValidation)
	}
	if delta == 0 {
		return 0, fmt.Errorf("%w: adjustment delta must not be zero", domain.ErrValidation)
	}
	if reason == "" {
		return 0, fmt.Errorf("%w: adjustment reason is required", domain.ErrValidation)
	}

	var entry *domain.StockLogEntry
	err := s.withRetry(ctx, func() error {
		return s.store.WithItemLock(ctx, itemID, func(tx port.StockTx) error {
			item, err := tx.Item(ctx)
			if err != nil {
				return err
			}
			active, err := tx.ActiveQuantity(ctx)
			if err != nil {
				return err
			}
			newTotal := item.TotalStock + delta
			if newTotal < 0 {
				return fmt.Errorf("%w: adjustment of %+d would drive total stock %d negative",
					domain.ErrValidation, delta, item.TotalStock)
			}
			if newTotal < active {
				return fmt.Errorf("%w: adjustment would leave total stock %d below the %d actively held",
					domain.ErrValidation, newTotal, active)
			}
			now := s.cfg.Clock()
			if err := tx.SetTotalStock(ctx, newTotal, now); err != nil {
				return err
			}
			entry = &domain.StockLogEntry{
				ItemID:           itemID,
				Op:               domain.OpAdjust,
				Delta:            delta,
				ResultingBalance: newTotal - active,
				Reason:           reason,
				CreatedAt:        now,
			}
			return tx.AppendLog(ctx, entry)
		})
	})
	if err != nil {
		return 0, s.fail(span, err)
	}

	s.logger.Info().
		Str("item_id", itemID).
		Int("delta", delta).
		Str("reason", reason).
		Int("available", entry.ResultingBalance).
		Msg("stock adjusted")
	s.afterCommit(ctx, entry)
	return entry.ResultingBalance, nil
}

// Available returns committed availability straight from the store. The
// Redis projection is never consulted here; it can lag.
func (s *StockService) Available(ctx context.Context, itemID string) (int, error) {
	defer metrics.ObserveOp("available", time.Now())
	ctx, span := tracer.Start(ctx, "StockService.Available")
	defer span.End()

	if itemID == "" {
		return 0, fmt.Errorf("%w: item id is required", domain.ErrValidation)
	}
	available, err := s.store.AvailableStock(ctx, itemID)
	if err != nil {
		return 0, s.fail(span, err)
	}
	return available, nil
}

// CachedAvailable serves the Redis projection for catalog surfaces, falling
// back to the store when the projection is missing or unreachable. Callers
// deciding whether to sell must use Available instead.
func (s *StockService) CachedAvailable(ctx context.Context, itemID string) (int, error) {
	if itemID == "" {
		return 0, fmt.Errorf("%w: item id is required", domain.ErrValidation)
	}
	if s.cache != nil {
		available, ok, err := s.cache.Available(ctx, itemID)
		if err != nil {
			s.logger.Warn().Err(err).Str("item_id", itemID).Msg("availability projection read failed")
		} else if ok {
			return available, nil
		}
	}
	return s.Available(ctx, itemID)
}

// ReconcileReport compares the live counters with a replay of the audit log.
type ReconcileReport struct {
	ItemID    string `json:"item_id"`
	Available int    `json:"available"`
	Replayed  int    `json:"replayed"`
	Drift     int    `json:"drift"`
	Entries   int    `json:"entries"`
}

// Reconcile replays an item's audit log and reports any drift from the live
// availability. Drift is always zero unless the store was mutated outside
// the manager.
func (s *StockService) Reconcile(ctx context.Context, itemID string) (*ReconcileReport, error) {
	defer metrics.ObserveOp("reconcile", time.Now())
	ctx, span := tracer.Start(ctx, "StockService.Reconcile")
	defer span.End()

	if itemID == "" {
		return nil, fmt.Errorf("%w: item id is required", domain.ErrValidation)
	}
	available, err := s.store.AvailableStock(ctx, itemID)
	if err != nil {
		return nil, s.fail(span, err)
	}
	entries, err := s.store.LogEntries(ctx, itemID)
	if err != nil {
		return nil, s.fail(span, err)
	}
	report := &ReconcileReport{
		ItemID:    itemID,
		Available: available,
		Replayed:  domain.ReplayAvailable(entries),
		Entries:   len(entries),
	}
	report.Drift = report.Available - report.Replayed
	if report.Drift != 0 {
		s.logger.Error().
			Str("item_id", itemID).
			Int("available", report.Available).
			Int("replayed", report.Replayed).
			Msg("audit log does not reconcile with live availability")
	}
	return report, nil
}

// withRetry re-runs fn while it fails with the retryable busy class, backing
// off between attempts. Everything else returns immediately: an insufficient
// stock or state error fails identically on retry.
func (s *StockService) withRetry(ctx context.Context, fn func() error) error {
	backoff := s.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, domain.ErrLockTimeout) {
			return err
		}
		metrics.LockTimeouts.Inc()
		if attempt >= s.cfg.RetryAttempts {
			return err
		}
		s.logger.Debug().Int("attempt", attempt).Dur("backoff", backoff).Msg("item lock busy, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// afterCommit pushes a committed entry to the availability projection and
// the ledger stream. Both are best effort: a failure is logged, never
// propagated, and the store remains the source of truth.
func (s *StockService) afterCommit(ctx context.Context, entry *domain.StockLogEntry) {
	if entry == nil {
		return
	}
	if s.cache != nil {
		if err := s.cache.PublishAvailable(ctx, entry.ItemID, entry.ResultingBalance); err != nil {
			s.logger.Warn().Err(err).Str("item_id", entry.ItemID).Msg("availability projection update failed")
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishEntry(ctx, *entry); err != nil {
			s.logger.Warn().Err(err).Str("item_id", entry.ItemID).Msg("ledger event publish failed")
		}
	}
}

// fail records err on the span before handing it back to the caller.
func (s *StockService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	return err
}

func reserveOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrLockTimeout):
		return "busy"
	default:
		return "error"
	}
}
