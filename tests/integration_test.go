package tests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stockhold/stockhold/internal/adapter/storage"
	"github.com/stockhold/stockhold/internal/core/domain"
	"github.com/stockhold/stockhold/internal/core/service"
)

type testEnv struct {
	redis *redis.Client
	mysql *sql.DB
	store *storage.MySQLAdapter
	cache *storage.RedisAdapter
	stock *service.StockService
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/stockhold?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		rdb.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		rdb.Close()
		db.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() {
		rdb.Close()
		db.Close()
	})

	store := storage.NewMySQLAdapter(db, 5*time.Second)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	cache := storage.NewRedisAdapter(rdb)

	stock := service.NewStockService(store, cache, nil, service.Config{}, zerolog.Nop())
	return &testEnv{redis: rdb, mysql: db, store: store, cache: cache, stock: stock}
}

func (env *testEnv) newItem(t *testing.T, initialStock int) string {
	t.Helper()
	itemID := fmt.Sprintf("itest-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		env.mysql.ExecContext(ctx, "DELETE FROM stock_log WHERE stock_item_id = ?", itemID)
		env.mysql.ExecContext(ctx, "DELETE FROM stock_reservations WHERE stock_item_id = ?", itemID)
		env.mysql.ExecContext(ctx, "DELETE FROM stock_items WHERE id = ?", itemID)
		env.redis.Del(ctx, "stock:avail:"+itemID)
	})
	if _, err := env.stock.CreateItem(context.Background(), itemID, initialStock); err != nil {
		t.Fatalf("create item: %v", err)
	}
	return itemID
}

func TestIntegration_CheckoutLifecycle(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	itemID := env.newItem(t, 10)

	confirmed, err := env.stock.Reserve(ctx, itemID, 3, "cart-confirm", time.Hour)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	abandoned, err := env.stock.Reserve(ctx, itemID, 2, "cart-abandon", time.Hour)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	available, err := env.stock.Available(ctx, itemID)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available != 5 {
		t.Errorf("expected availability 5 with both holds, got %d", available)
	}

	if err := env.stock.Confirm(ctx, confirmed.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := env.stock.Release(ctx, abandoned.ID, "cart emptied"); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Confirm spent 3 permanently, release returned 2.
	available, _ = env.stock.Available(ctx, itemID)
	if available != 7 {
		t.Errorf("expected availability 7 after settle, got %d", available)
	}

	// The projection caught up through the after-commit hook.
	cached, hit, err := env.cache.Available(ctx, itemID)
	if err != nil {
		t.Fatalf("projection read: %v", err)
	}
	if !hit || cached != 7 {
		t.Errorf("expected projection 7, got hit=%v value=%d", hit, cached)
	}

	report, err := env.stock.Reconcile(ctx, itemID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Drift != 0 || report.Entries != 4 {
		t.Errorf("unexpected reconcile report: %+v", report)
	}
}

func TestIntegration_ConcurrentReservesNeverOversell(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	itemID := env.newItem(t, 10)

	const shoppers = 50
	var (
		wg       sync.WaitGroup
		won      atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < shoppers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := env.stock.Reserve(ctx, itemID, 1, fmt.Sprintf("cart-%d", n), time.Hour)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("shopper %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if won.Load() != 10 {
		t.Errorf("expected exactly 10 holds, got %d", won.Load())
	}
	if rejected.Load() != shoppers-10 {
		t.Errorf("expected %d rejections, got %d", shoppers-10, rejected.Load())
	}

	available, err := env.stock.Available(ctx, itemID)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available != 0 {
		t.Errorf("expected availability 0 after rush, got %d", available)
	}

	report, err := env.stock.Reconcile(ctx, itemID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Drift != 0 {
		t.Errorf("ledger does not reconcile after rush: %+v", report)
	}
}

func TestIntegration_SweeperExpiresHolds(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	itemID := env.newItem(t, 5)

	resv, err := env.stock.Reserve(ctx, itemID, 2, "cart-slow", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// A lease left behind by an aborted run would stall the sweeper.
	env.redis.Del(ctx, "stock:sweep:leader")

	sweeper := service.NewSweeper(env.stock, env.cache, 50*time.Millisecond, zerolog.Nop())
	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(sweepCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := env.store.GetReservation(ctx, resv.ID)
		if err != nil {
			t.Fatalf("get reservation: %v", err)
		}
		if got.State == domain.ReservationExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("hold never expired, state is %s", got.State)
		}
		time.Sleep(25 * time.Millisecond)
	}

	available, _ := env.stock.Available(ctx, itemID)
	if available != 5 {
		t.Errorf("expected expiry to return stock, availability %d", available)
	}

	// Expired means settled: the late confirm is refused.
	err = env.stock.Confirm(ctx, resv.ID)
	var transition *domain.InvalidTransitionError
	if !errors.As(err, &transition) || transition.From != domain.ReservationExpired {
		t.Errorf("expected invalid transition from EXPIRED, got: %v", err)
	}
}
