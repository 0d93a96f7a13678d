package port

import (
	"context"

	"github.com/stockhold/stockhold/internal/core/domain"
)

// LedgerPublisher fans committed audit entries out to external consumers,
// e.g. a Kafka topic feeding analytics. Publishing happens after commit and
// is best effort; the store's audit log stays the source of truth.
type LedgerPublisher interface {
	PublishEntry(ctx context.Context, entry domain.StockLogEntry) error
	Close() error
}
