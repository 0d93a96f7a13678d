package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/stockhold/stockhold/internal/adapter/storage"
	"github.com/stockhold/stockhold/internal/core/domain"
)

// CheckoutFlowSuite drives the manager through whole checkout stories, the
// way the shop front would.
type CheckoutFlowSuite struct {
	suite.Suite
	store *storage.MemoryAdapter
	clock *fakeClock
	stock *StockService
	ctx   context.Context
}

func (s *CheckoutFlowSuite) SetupTest() {
	s.store = storage.NewMemoryAdapter(2 * time.Second)
	s.clock = newFakeClock()
	s.stock = NewStockService(s.store, nil, nil, Config{Clock: s.clock.Now}, zerolog.Nop())
	s.ctx = context.Background()

	_, err := s.stock.CreateItem(s.ctx, "sneaker-42", 5)
	s.Require().NoError(err)
}

// TestFlashSaleRush: many shoppers race for the last units; exactly the
// stocked quantity wins and nobody oversells, then every winner checks out.
func (s *CheckoutFlowSuite) TestFlashSaleRush() {
	const shoppers = 25

	var (
		mu     sync.Mutex
		tokens []string
		losses atomic.Int32
	)
	var wg sync.WaitGroup
	for i := 0; i < shoppers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			resv, err := s.stock.Reserve(s.ctx, "sneaker-42", 1, fmt.Sprintf("shopper-%d", id), time.Hour)
			if err != nil {
				if errors.Is(err, domain.ErrInsufficientStock) {
					losses.Add(1)
				}
				return
			}
			mu.Lock()
			tokens = append(tokens, resv.ID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	s.Len(tokens, 5)
	s.Equal(int32(shoppers-5), losses.Load())

	available, err := s.stock.Available(s.ctx, "sneaker-42")
	s.NoError(err)
	s.Equal(0, available)

	for _, token := range tokens {
		s.NoError(s.stock.Confirm(s.ctx, token))
	}

	available, err = s.stock.Available(s.ctx, "sneaker-42")
	s.NoError(err)
	s.Equal(0, available)

	report, err := s.stock.Reconcile(s.ctx, "sneaker-42")
	s.NoError(err)
	s.Equal(0, report.Drift)
}

// TestRivalCarts: two shoppers want 3 of the 5 units each. Both fit alone
// but not together, so whoever takes the row lock second must be turned
// away by the fresh availability read.
func (s *CheckoutFlowSuite) TestRivalCarts() {
	var (
		wins   atomic.Int32
		losers []error
		mu     sync.Mutex
	)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := s.stock.Reserve(s.ctx, "sneaker-42", 3, fmt.Sprintf("shopper-%d", id), time.Hour)
			if err == nil {
				wins.Add(1)
				return
			}
			mu.Lock()
			losers = append(losers, err)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Require().Len(losers, 1)

	var insErr *domain.InsufficientStockError
	s.Require().ErrorAs(losers[0], &insErr)
	s.Equal(3, insErr.Requested)
	s.Equal(2, insErr.Available)

	available, err := s.stock.Available(s.ctx, "sneaker-42")
	s.NoError(err)
	s.Equal(2, available)
}

// TestAbandonedCart: a shopper walks away mid-checkout; the sweep returns
// the units and a later shopper can buy them, while the original token is
// dead.
func (s *CheckoutFlowSuite) TestAbandonedCart() {
	abandoned, err := s.stock.Reserve(s.ctx, "sneaker-42", 3, "shopper-1", 15*time.Minute)
	s.Require().NoError(err)

	available, err := s.stock.Available(s.ctx, "sneaker-42")
	s.NoError(err)
	s.Equal(2, available)

	s.clock.Advance(16 * time.Minute)
	expired, err := s.stock.ExpireDue(s.ctx, s.clock.Now())
	s.NoError(err)
	s.Equal(1, expired)

	available, err = s.stock.Available(s.ctx, "sneaker-42")
	s.NoError(err)
	s.Equal(5, available)

	// The shopper comes back and taps "buy" on the stale session.
	err = s.stock.Confirm(s.ctx, abandoned.ID)
	var trErr *domain.InvalidTransitionError
	s.ErrorAs(err, &trErr)
	s.Equal(domain.ReservationExpired, trErr.From)

	// Someone else gets the stock instead.
	fresh, err := s.stock.Reserve(s.ctx, "sneaker-42", 3, "shopper-2", 0)
	s.NoError(err)
	s.NoError(s.stock.Confirm(s.ctx, fresh.ID))
}

// TestDoubleSubmit: confirm and release races against the same hold settle
// exactly once, in whichever order they land.
func (s *CheckoutFlowSuite) TestDoubleSubmit() {
	resv, err := s.stock.Reserve(s.ctx, "sneaker-42", 2, "shopper-1", 0)
	s.Require().NoError(err)

	s.NoError(s.stock.Confirm(s.ctx, resv.ID))

	// Second click on "pay".
	err = s.stock.Confirm(s.ctx, resv.ID)
	s.ErrorIs(err, domain.ErrInvalidTransition)

	// The sale is final; a late cancellation cannot claw the stock back.
	err = s.stock.Release(s.ctx, resv.ID, "cart emptied")
	s.ErrorIs(err, domain.ErrInvalidTransition)

	available, err := s.stock.Available(s.ctx, "sneaker-42")
	s.NoError(err)
	s.Equal(3, available)

	report, err := s.stock.Reconcile(s.ctx, "sneaker-42")
	s.NoError(err)
	s.Equal(0, report.Drift)
}

// TestRestockDuringHolds: operations restocks and writes off damaged units
// while shoppers hold stock; the books stay consistent throughout.
func (s *CheckoutFlowSuite) TestRestockDuringHolds() {
	held, err := s.stock.Reserve(s.ctx, "sneaker-42", 4, "shopper-1", time.Hour)
	s.Require().NoError(err)

	available, err := s.stock.Adjust(s.ctx, "sneaker-42", 10, "restock delivery")
	s.NoError(err)
	s.Equal(11, available)

	// Write-off cannot cut under what shoppers already hold.
	_, err = s.stock.Adjust(s.ctx, "sneaker-42", -12, "flood damage")
	s.ErrorIs(err, domain.ErrValidation)

	available, err = s.stock.Adjust(s.ctx, "sneaker-42", -11, "flood damage")
	s.NoError(err)
	s.Equal(0, available)

	s.NoError(s.stock.Confirm(s.ctx, held.ID))

	report, err := s.stock.Reconcile(s.ctx, "sneaker-42")
	s.NoError(err)
	s.Equal(0, report.Drift)
	s.Equal(0, report.Available)
}

func TestCheckoutFlows(t *testing.T) {
	suite.Run(t, new(CheckoutFlowSuite))
}
