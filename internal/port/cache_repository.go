package port

import (
	"context"
	"time"
)

// AvailabilityCache is the read-side projection of availability kept in
// Redis for catalog pages and external consumers. It is written after
// commit, best effort; reservation decisions never read it.
type AvailabilityCache interface {
	// PublishAvailable overwrites the cached availability for an item.
	PublishAvailable(ctx context.Context, itemID string, available int) error

	// Available reads the cached availability. ok is false when the item has
	// no projection yet.
	Available(ctx context.Context, itemID string) (available int, ok bool, err error)
}

// SweepLease elects a single sweeper across replicas. The lease is an
// optimization that stops every node from scanning for due holds at once;
// sweeping stays correct without it because expiry runs under the item lock.
type SweepLease interface {
	// AcquireSweepLease takes the lease for holder or renews it when holder
	// already owns it. Returns false while another holder has it.
	AcquireSweepLease(ctx context.Context, holder string, ttl time.Duration) (bool, error)

	// ReleaseSweepLease drops the lease if holder owns it.
	ReleaseSweepLease(ctx context.Context, holder string) error
}
