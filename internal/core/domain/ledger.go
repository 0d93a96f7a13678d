package domain

import "time"

// OpKind labels one audit log entry.
type OpKind string

const (
	OpReserve OpKind = "RESERVE"
	OpRelease OpKind = "RELEASE"
	OpConfirm OpKind = "CONFIRM"
	OpExpire  OpKind = "EXPIRE"
	OpAdjust  OpKind = "ADJUST"
)

// StockLogEntry is one immutable line of an item's audit trail. Delta is the
// signed effect of the operation on available stock: a reserve takes quantity
// out of the pool (-q), a release or expiry puts it back (+q), a confirm
// converts a hold into a sale without moving availability (0), and an
// adjustment shifts the pool directly. ResultingBalance is the availability
// the operation left behind, so folding deltas from an item's first entry
// reproduces every balance in order.
type StockLogEntry struct {
	ID               int64
	ItemID           string
	ReservationID    string // empty for ADJUST entries
	Op               OpKind
	Delta            int
	ResultingBalance int
	Reason           string
	CreatedAt        time.Time
}

// ReplayAvailable folds the signed deltas of an item's log, oldest first, and
// returns the availability they reconstruct. On a consistent ledger this
// equals the last entry's ResultingBalance and the live availability.
func ReplayAvailable(entries []StockLogEntry) int {
	available := 0
	for _, e := range entries {
		available += e.Delta
	}
	return available
}
