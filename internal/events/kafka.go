// Package events публикует события о заказах в Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mmeshcher/starshop/internal/model"
)

const (
	// OrderEventType значение заголовка event-type для событий заказов.
	OrderEventType = "order.recorded"
	writeTimeout   = 5 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher отправляет события о записанных заказах.
type Publisher struct {
	writer messageWriter
}

// NewPublisher создаёт издателя для указанных брокеров и топика.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// PublishOrder публикует событие. Ключ сообщения это идентификатор платежа,
// поэтому все события одного платежа попадают в один раздел.
func (p *Publisher) PublishOrder(ctx context.Context, e model.OrderEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.ChargeID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(OrderEventType)},
			{Key: "order-id", Value: []byte(strconv.FormatInt(e.OrderID, 10))},
		},
	})
	if err != nil {
		return fmt.Errorf("write order event: %w", err)
	}
	return nil
}

// Close закрывает соединение с брокерами.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
