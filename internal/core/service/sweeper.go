package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stockhold/stockhold/internal/metrics"
	"github.com/stockhold/stockhold/internal/port"
)

// Sweeper expires overdue holds on a fixed interval so abandoned checkouts
// hand their stock back without anyone touching the reservation. It is an
// internal maintenance loop, not an API surface. With a lease configured,
// only one replica sweeps per tick; without one, every replica sweeps, which
// stays correct because each expiry runs under the item lock and rechecks
// state.
type Sweeper struct {
	stock    *StockService
	lease    port.SweepLease
	interval time.Duration
	leaseTTL time.Duration
	holder   string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewSweeper builds a sweeper ticking every interval. lease may be nil.
func NewSweeper(stock *StockService, lease port.SweepLease, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		stock:    stock,
		lease:    lease,
		interval: interval,
		leaseTTL: 2 * interval,
		holder:   uuid.NewString(),
		logger:   logger,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled, sweeping once per tick. A failed sweep
// is logged and retried on the next tick; Run itself never fails.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.interval).Msg("reservation sweeper started")
	for {
		select {
		case <-ctx.Done():
			w.releaseLease()
			w.logger.Info().Msg("reservation sweeper stopped")
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	if w.lease != nil {
		ok, err := w.lease.AcquireSweepLease(ctx, w.holder, w.leaseTTL)
		if err != nil {
			// The lease only spreads load; sweeping without it is safe.
			w.logger.Warn().Err(err).Msg("sweep lease check failed, sweeping uncoordinated")
		} else if !ok {
			metrics.SweepRuns.WithLabelValues("skipped").Inc()
			w.logger.Debug().Msg("sweep lease held elsewhere, skipping tick")
			return
		}
	}

	expired, err := w.stock.ExpireDue(ctx, w.now())
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		w.logger.Error().Err(err).Int("expired", expired).Msg("sweep failed, will retry next tick")
		return
	}
	metrics.SweepRuns.WithLabelValues("ok").Inc()
	metrics.SweepExpired.Add(float64(expired))
	if expired > 0 {
		w.logger.Info().Int("expired", expired).Msg("sweep expired overdue reservations")
	}
}

func (w *Sweeper) releaseLease() {
	if w.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.lease.ReleaseSweepLease(ctx, w.holder); err != nil {
		w.logger.Warn().Err(err).Msg("sweep lease release failed")
	}
}
