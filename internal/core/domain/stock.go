package domain

import "time"

// StockItem is one sellable unit's inventory counter. TotalStock is the
// physical count still owned by the shop; what a shopper may reserve is
// TotalStock minus everything actively held (see AvailableWith).
type StockItem struct {
	ID         string
	TotalStock int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AvailableWith returns the availability derived from this counter given the
// summed quantity of ACTIVE reservations.
func (i *StockItem) AvailableWith(activeHeld int) int {
	return i.TotalStock - activeHeld
}
