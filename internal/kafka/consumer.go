package kafka

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventHandler receives one decoded transition event. Returning an error
// stops the consume loop.
type EventHandler func(ctx context.Context, event TransitionEvent) error

type Consumer struct {
	reader *kafka.Reader
}

func NewConsumer(brokers []string, groupID, topic string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:           brokers,
			GroupID:           groupID,
			Topic:             topic,
			HeartbeatInterval: 3 * time.Second,
			SessionTimeout:    30 * time.Second,
		}),
	}
}

func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Consume reads transition events until the context is cancelled. Messages
// that do not decode are logged and skipped; notifications are best effort
// and a poison message must not wedge the group.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			return err
		}

		event, err := decodeEvent(msg.Value)
		if err != nil {
			log.Printf("skipping undecodable message at offset %d: %v", msg.Offset, err)
			continue
		}
		if err := handler(ctx, event); err != nil {
			return err
		}
	}
}

func decodeEvent(value []byte) (TransitionEvent, error) {
	var event TransitionEvent
	err := json.Unmarshal(value, &event)
	return event, err
}
