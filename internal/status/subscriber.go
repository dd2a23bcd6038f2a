package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
)

// Source — источник подписок на события (RabbitMQ или in-memory Bus).
type Source interface {
	Subscribe(ctx context.Context, f Filter, fn func(domain.StatusEvent)) error
}

// Subscriber подписывается на conveyor.status через временную очередь.
type Subscriber struct {
	conn   *mq.Connection
	ttl    time.Duration
	logger *slog.Logger
}

// NewSubscriber создаёт Subscriber.
// ttl — время жизни события в очереди подписчика.
func NewSubscriber(conn *mq.Connection, ttl time.Duration, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Subscriber{conn: conn, ttl: ttl, logger: logger}
}

// Subscribe вызывает fn для каждого события, подходящего под фильтр.
// Блокируется до отмены ctx; при разрыве соединения переподписывается.
func (s *Subscriber) Subscribe(ctx context.Context, f Filter, fn func(domain.StatusEvent)) error {
	pattern := f.Pattern()

	for {
		reconnected := s.conn.ReconnectNotify()

		ch, deliveries, err := s.bind(pattern)
		if err == nil {
			s.logger.Debug("status subscription started", "pattern", pattern)
			err = s.consume(ctx, deliveries, fn)
			ch.Close()
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("status subscription interrupted", "pattern", pattern, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnected:
		case <-time.After(2 * time.Second):
		}
	}
}

// bind объявляет exclusive auto-delete очередь и привязывает её к pattern.
func (s *Subscriber) bind(pattern string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := s.conn.OpenChannel()
	if err != nil {
		return nil, nil, err
	}

	q, err := ch.QueueDeclare(
		"",    // имя генерирует брокер
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		amqp.Table{"x-message-ttl": s.ttl.Milliseconds()},
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("declare status queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, pattern, string(mq.ExchangeStatus), false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("bind status queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume status queue: %w", err)
	}

	return ch, deliveries, nil
}

func (s *Subscriber) consume(ctx context.Context, deliveries <-chan amqp.Delivery, fn func(domain.StatusEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}

			var msg mq.Message
			if err := json.Unmarshal(raw.Body, &msg); err != nil {
				s.logger.Warn("skip malformed status message", "error", err)
				continue
			}
			ev, err := mq.ParsePayload[domain.StatusEvent](&msg)
			if err != nil {
				s.logger.Warn("skip malformed status event", "error", err)
				continue
			}
			fn(ev)
		}
	}
}
