package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on with errors.Is.
var (
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrItemNotFound        = errors.New("stock item not found")
	ErrItemExists          = errors.New("stock item already exists")
	ErrInvalidTransition   = errors.New("invalid reservation state transition")
	ErrValidation          = errors.New("validation failed")

	// ErrLockTimeout is the retryable busy class: the exclusive item lock
	// could not be acquired within the bounded wait, or the store aborted
	// the transaction to break a conflict.
	ErrLockTimeout = errors.New("stock item lock wait timed out")
)

// InsufficientStockError rejects a reserve that exceeds availability. It
// carries the numbers the caller needs to render the failure.
type InsufficientStockError struct {
	ItemID    string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s: requested %d, available %d",
		e.ItemID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// InvalidTransitionError rejects an operation on a reservation that already
// left the ACTIVE state. From tells the caller what actually happened to the
// hold (confirmed, released, or expired).
type InvalidTransitionError struct {
	ReservationID string
	From          ReservationState
	Op            string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s reservation %s: state is %s", e.Op, e.ReservationID, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
