package domain

import (
	"time"

	"github.com/google/uuid"
)

// ReservationState tracks a hold through its lifecycle. ACTIVE is the only
// non-terminal state; every transition out of it is one-way.
type ReservationState string

const (
	ReservationActive    ReservationState = "ACTIVE"
	ReservationConfirmed ReservationState = "CONFIRMED"
	ReservationReleased  ReservationState = "RELEASED"
	ReservationExpired   ReservationState = "EXPIRED"
)

// DefaultReservationTTL applies when the caller does not pick a hold duration.
const DefaultReservationTTL = 15 * time.Minute

// Reservation is a soft hold on a quantity of one stock item. While ACTIVE it
// reduces availability without touching the item counter; confirming it turns
// the hold into a permanent decrement, releasing or expiring it returns the
// quantity to the pool.
type Reservation struct {
	ID        string
	ItemID    string
	Quantity  int
	HolderRef string
	State     ReservationState
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// NewReservation builds an ACTIVE hold with a fresh opaque token. A
// non-positive ttl falls back to DefaultReservationTTL.
func NewReservation(itemID string, quantity int, holderRef string, now time.Time, ttl time.Duration) *Reservation {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &Reservation{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		Quantity:  quantity,
		HolderRef: holderRef,
		State:     ReservationActive,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		UpdatedAt: now,
	}
}

// Active reports whether the hold still counts against availability.
func (r *Reservation) Active() bool {
	return r.State == ReservationActive
}

// DueAt reports whether the hold's TTL has elapsed at the given instant.
// Expiry only takes effect once a transition is recorded; an overdue ACTIVE
// hold keeps counting against availability until then.
func (r *Reservation) DueAt(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Confirm moves the hold to CONFIRMED. Only ACTIVE holds can be confirmed.
func (r *Reservation) Confirm(now time.Time) error {
	return r.transition(ReservationConfirmed, "confirm", now)
}

// Release moves the hold to RELEASED. Only ACTIVE holds can be released.
func (r *Reservation) Release(now time.Time) error {
	return r.transition(ReservationReleased, "release", now)
}

// Expire moves the hold to EXPIRED. Only ACTIVE holds can expire.
func (r *Reservation) Expire(now time.Time) error {
	return r.transition(ReservationExpired, "expire", now)
}

func (r *Reservation) transition(to ReservationState, op string, now time.Time) error {
	if r.State != ReservationActive {
		return &InvalidTransitionError{ReservationID: r.ID, From: r.State, Op: op}
	}
	r.State = to
	r.UpdatedAt = now
	return nil
}
