package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/stockhold/stockhold/internal/core/domain"
)

// ledgerEvent is the wire form of one audit entry.
type ledgerEvent struct {
	ID               int64     `json:"id"`
	ItemID           string    `json:"item_id"`
	ReservationID    string    `json:"reservation_id,omitempty"`
	Op               string    `json:"op"`
	Delta            int       `json:"delta"`
	ResultingBalance int       `json:"resulting_balance"`
	Reason           string    `json:"reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// KafkaPublisher streams committed audit entries to a topic, keyed by item id
// so consumers see each item's entries in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) PublishEntry(ctx context.Context, entry domain.StockLogEntry) error {
	payload, err := json.Marshal(ledgerEvent{
		ID:               entry.ID,
		ItemID:           entry.ItemID,
		ReservationID:    entry.ReservationID,
		Op:               string(entry.Op),
		Delta:            entry.Delta,
		ResultingBalance: entry.ResultingBalance,
		Reason:           entry.Reason,
		CreatedAt:        entry.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal ledger event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.ItemID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("write ledger event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
