package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisAvailabilityProjection(t *testing.T) {
	client := getRedisClient(t)
	cache := NewRedisAdapter(client)
	ctx := context.Background()

	itemID := fmt.Sprintf("it-%d", time.Now().UnixNano())
	t.Cleanup(func() { client.Del(context.Background(), availKeyPrefix+itemID) })

	_, ok, err := cache.Available(ctx, itemID)
	if err != nil {
		t.Fatalf("read missing projection: %v", err)
	}
	if ok {
		t.Error("expected miss before publish")
	}

	if err := cache.PublishAvailable(ctx, itemID, 7); err != nil {
		t.Fatalf("publish: %v", err)
	}
	available, ok, err := cache.Available(ctx, itemID)
	if err != nil {
		t.Fatalf("read projection: %v", err)
	}
	if !ok || available != 7 {
		t.Errorf("expected hit with 7, got ok=%v available=%d", ok, available)
	}

	// Latest write wins; the projection carries no history.
	if err := cache.PublishAvailable(ctx, itemID, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	available, ok, _ = cache.Available(ctx, itemID)
	if !ok || available != 0 {
		t.Errorf("expected hit with 0, got ok=%v available=%d", ok, available)
	}
}

func TestRedisSweepLease(t *testing.T) {
	client := getRedisClient(t)
	cache := NewRedisAdapter(client)
	ctx := context.Background()
	t.Cleanup(func() { client.Del(context.Background(), sweepLeaseKey) })
	client.Del(ctx, sweepLeaseKey)

	ok, err := cache.AcquireSweepLease(ctx, "holder-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected free lease to be acquired")
	}

	// The holder renews; anyone else is turned away.
	ok, err = cache.AcquireSweepLease(ctx, "holder-a", time.Minute)
	if err != nil || !ok {
		t.Errorf("expected holder renewal to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = cache.AcquireSweepLease(ctx, "holder-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire as other holder: %v", err)
	}
	if ok {
		t.Error("expected other holder to be denied while lease held")
	}

	// Release by a non-holder is a no-op.
	if err := cache.ReleaseSweepLease(ctx, "holder-b"); err != nil {
		t.Fatalf("release as non-holder: %v", err)
	}
	ok, _ = cache.AcquireSweepLease(ctx, "holder-b", time.Minute)
	if ok {
		t.Error("non-holder release must not free the lease")
	}

	if err := cache.ReleaseSweepLease(ctx, "holder-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = cache.AcquireSweepLease(ctx, "holder-b", time.Minute)
	if err != nil || !ok {
		t.Errorf("expected released lease to be acquirable, got ok=%v err=%v", ok, err)
	}
	cache.ReleaseSweepLease(ctx, "holder-b")
}

func TestRedisSweepLeaseExpires(t *testing.T) {
	client := getRedisClient(t)
	cache := NewRedisAdapter(client)
	ctx := context.Background()
	t.Cleanup(func() { client.Del(context.Background(), sweepLeaseKey) })
	client.Del(ctx, sweepLeaseKey)

	ok, err := cache.AcquireSweepLease(ctx, "holder-a", 100*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ok, err = cache.AcquireSweepLease(ctx, "holder-b", time.Minute)
		if err != nil {
			t.Fatalf("acquire after ttl: %v", err)
		}
		if ok || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !ok {
		t.Error("expected lease to lapse after its ttl")
	}
	cache.ReleaseSweepLease(ctx, "holder-b")
}

func TestRedisSweepLeaseSingleWinner(t *testing.T) {
	client := getRedisClient(t)
	cache := NewRedisAdapter(client)
	ctx := context.Background()
	t.Cleanup(func() { client.Del(context.Background(), sweepLeaseKey) })
	client.Del(ctx, sweepLeaseKey)

	const contenders = 10
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := cache.AcquireSweepLease(ctx, fmt.Sprintf("holder-%d", n), time.Minute)
			if err != nil {
				t.Errorf("contender %d: %v", n, err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly 1 lease winner, got %d", wins.Load())
	}
}
