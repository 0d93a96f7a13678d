// Command stress_test hammers the reservation manager with concurrent
// single-unit reserves against a small stock pool and verifies the oversell
// invariant end to end: exactly stock reserves succeed, confirms and
// releases settle cleanly, and the audit log replays to the live
// availability.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockhold/stockhold/internal/adapter/storage"
	"github.com/stockhold/stockhold/internal/core/domain"
	"github.com/stockhold/stockhold/internal/core/service"
)

const itemID = "stress-item"

func main() {
	initialStock := flag.Int("stock", 20, "initial stock for the test item")
	totalRequests := flag.Int("requests", 50, "concurrent reserve attempts")
	flag.Parse()

	ctx := context.Background()

	store := storage.NewMemoryAdapter(5 * time.Second)
	stock := service.NewStockService(store, nil, nil, service.Config{
		RetryAttempts: 5,
	}, zerolog.Nop())

	if _, err := stock.CreateItem(ctx, itemID, *initialStock); err != nil {
		fmt.Printf("FAIL: create item: %v\n", err)
		os.Exit(1)
	}

	var (
		successCount atomic.Int32
		soldOutCount atomic.Int32
		errorCount   atomic.Int32

		mu     sync.Mutex
		tokens []string
	)

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func(holder int) {
			defer wg.Done()

			resv, err := stock.Reserve(ctx, itemID, 1, fmt.Sprintf("holder-%d", holder), time.Hour)
			switch {
			case err == nil:
				successCount.Add(1)
				mu.Lock()
				tokens = append(tokens, resv.ID)
				mu.Unlock()
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOutCount.Add(1)
			default:
				errorCount.Add(1)
				fmt.Printf("unexpected reserve error: %v\n", err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := int(successCount.Load())
	soldOut := int(soldOutCount.Load())

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Reserved:         %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOut)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	expectSuccess := *initialStock
	if *totalRequests < expectSuccess {
		expectSuccess = *totalRequests
	}
	if success == expectSuccess && soldOut == *totalRequests-expectSuccess && errorCount.Load() == 0 {
		fmt.Printf("PASS: exactly %d reserves succeeded, %d rejected\n", success, soldOut)
	} else {
		failed = true
		fmt.Printf("FAIL: expected %d success/%d rejected\n", expectSuccess, *totalRequests-expectSuccess)
	}

	// Settle every hold: confirm the first half, release the rest.
	confirmed := 0
	for i, token := range tokens {
		if i%2 == 0 {
			if err := stock.Confirm(ctx, token); err != nil {
				failed = true
				fmt.Printf("FAIL: confirm %s: %v\n", token, err)
				continue
			}
			confirmed++
		} else {
			if err := stock.Release(ctx, token, "stress cleanup"); err != nil {
				failed = true
				fmt.Printf("FAIL: release %s: %v\n", token, err)
			}
		}
	}

	available, err := stock.Available(ctx, itemID)
	if err != nil {
		fmt.Printf("FAIL: query availability: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Confirmed:        %d\n", confirmed)
	fmt.Printf("Final Available:  %d\n", available)

	if available == *initialStock-confirmed {
		fmt.Printf("PASS: availability settled at %d\n", available)
	} else {
		failed = true
		fmt.Printf("FAIL: expected availability %d, got %d\n", *initialStock-confirmed, available)
	}

	report, err := stock.Reconcile(ctx, itemID)
	if err != nil {
		fmt.Printf("FAIL: reconcile: %v\n", err)
		os.Exit(1)
	}
	if report.Drift == 0 {
		fmt.Printf("PASS: audit log replays to %d across %d entries\n", report.Replayed, report.Entries)
	} else {
		failed = true
		fmt.Printf("FAIL: audit log drift %d (live %d, replayed %d)\n", report.Drift, report.Available, report.Replayed)
	}

	if failed {
		os.Exit(1)
	}
}
