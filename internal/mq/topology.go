package mq

import (
	"context"
	"fmt"
	"sort"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/resilience"
)

// Exchange — тип для имени обменника.
type Exchange string

// Exchanges — имена обменников.
const (
	ExchangeWork   Exchange = "conveyor.work"
	ExchangeRetry  Exchange = "conveyor.retry"
	ExchangeDLQ    Exchange = "conveyor.dlq"
	ExchangeStatus Exchange = "conveyor.status"
)

// Заголовки сообщений.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderDeliveryCount = "x-delivery-count"
	HeaderDedup         = "x-deduplication-header"
	HeaderDeathReason   = "x-conveyor-death-reason"
	HeaderAttempts      = "x-conveyor-attempts"
)

// QueueConfig — настройки очереди одного kind.
// max_deliver и ack_wait задаются на очередь, не на сообщение.
type QueueConfig struct {
	// MaxDeliver — общее число попыток доставки, включая первую.
	MaxDeliver int `yaml:"max_deliver"`

	// AckWait — сколько брокер ждёт ack до повторной доставки.
	AckWait time.Duration `yaml:"ack_wait"`

	// Prefetch — количество неподтверждённых сообщений на consumer.
	Prefetch int `yaml:"prefetch"`

	// Redelivery — рост задержки между повторными доставками.
	Redelivery resilience.RetryPolicy `yaml:"redelivery"`
}

// DefaultQueueConfig возвращает настройки очереди по умолчанию.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxDeliver: 5,
		AckWait:    10 * time.Minute,
		Prefetch:   8,
		Redelivery: resilience.RetryPolicy{
			MaxAttempts:  5,
			InitialDelay: 5 * time.Second,
			MaxDelay:     5 * time.Minute,
			Multiplier:   3,
			Jitter:       0.1,
		},
	}
}

// WithDefaults подставляет значения по умолчанию для нулевых полей.
func (q QueueConfig) WithDefaults() QueueConfig {
	d := DefaultQueueConfig()
	if q.MaxDeliver <= 0 {
		q.MaxDeliver = d.MaxDeliver
	}
	if q.AckWait <= 0 {
		q.AckWait = d.AckWait
	}
	if q.Prefetch <= 0 {
		q.Prefetch = d.Prefetch
	}
	if q.Redelivery.InitialDelay <= 0 {
		q.Redelivery = d.Redelivery
	}
	return q
}

// RedeliveryBackoff возвращает задержку перед доставкой attempt+1.
func (q QueueConfig) RedeliveryBackoff(attempt int) time.Duration {
	return q.Redelivery.Backoff(attempt)
}

// SetupTopology объявляет exchanges, очереди и привязки для всех kinds.
//
//	conveyor.work (direct)  → work.{kind}   quorum, delivery-limit, consumer-timeout, DLX
//	conveyor.retry (direct) → retry.{kind}  TTL на сообщение, DLX обратно в work.{kind}
//	conveyor.dlq (direct)   → dlq.{kind}
//	conveyor.status (topic) — status.{kind}.{owner}.{resource}.{transform}
func SetupTopology(ctx context.Context, conn *Connection, queues map[domain.JobKind]QueueConfig) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Создаём exchanges
		if err := declareExchanges(ch); err != nil {
			return err
		}

		// 2. Очереди и привязки по kinds
		for _, kind := range sortedKinds(queues) {
			if err := declareKind(ch, kind, queues[kind].WithDefaults()); err != nil {
				return err
			}
		}

		return nil
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeWork, "direct"},
		{ExchangeRetry, "direct"},
		{ExchangeDLQ, "direct"},
		{ExchangeStatus, "topic"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareKind создаёт work, retry и dlq очереди одного kind.
func declareKind(ch *amqp.Channel, kind domain.JobKind, cfg QueueConfig) error {
	workArgs := amqp.Table{
		"x-queue-type":              "quorum",
		"x-delivery-limit":          int64(cfg.MaxDeliver),
		"x-consumer-timeout":        cfg.AckWait.Milliseconds(),
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": kind.DeadLetterSubject(),
	}

	// Сообщение лежит в retry.{kind} до истечения expiration,
	// затем возвращается в work.{kind} через DLX
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeWork),
		"x-dead-letter-routing-key": kind.Subject(),
	}

	queues := []struct {
		name     string
		args     amqp.Table
		exchange Exchange
	}{
		{kind.Subject(), workArgs, ExchangeWork},
		{kind.RetrySubject(), retryArgs, ExchangeRetry},
		{kind.DeadLetterSubject(), nil, ExchangeDLQ},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			q.name, // name
			true,   // durable
			false,  // delete when unused
			false,  // exclusive
			false,  // no-wait
			q.args, // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}

		err = ch.QueueBind(
			q.name,             // queue name
			q.name,             // routing key
			string(q.exchange), // exchange
			false,              // no-wait
			nil,                // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", q.name, q.exchange, err)
		}
	}

	return nil
}

func sortedKinds(queues map[domain.JobKind]QueueConfig) []domain.JobKind {
	kinds := make([]domain.JobKind, 0, len(queues))
	for k := range queues {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
