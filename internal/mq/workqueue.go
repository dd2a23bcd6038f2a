package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Deduper — окно дедупликации по dedup key.
//
// RabbitMQ не дедуплицирует публикации сам, поэтому окно хранится
// во внешнем хранилище (Postgres, см. repo.DedupRepo).
type Deduper interface {
	// Claim атомарно занимает ключ на window.
	// Возвращает false, если ключ уже занят и окно не истекло.
	Claim(ctx context.Context, key string, window time.Duration) (bool, error)

	// Release освобождает ключ (публикация не удалась).
	Release(ctx context.Context, key string) error

	// Remember занимает ключ на window безусловно.
	Remember(ctx context.Context, key string, window time.Duration) error
}

// PublishAck — результат публикации job.
type PublishAck struct {
	Subject   string
	MessageID string

	// Duplicate — ключ внутри окна, публикация пропущена.
	Duplicate bool
}

// WorkQueueConfig — конфигурация WorkQueue.
type WorkQueueConfig struct {
	Conn      *Connection
	Publisher *Publisher

	// Deduper — опционально. Без него дедупликация остаётся на брокере
	// (заголовок x-deduplication-header).
	Deduper     Deduper
	DedupWindow time.Duration

	Queues map[domain.JobKind]QueueConfig
	Logger *slog.Logger
}

// WorkQueue — durable очередь работ поверх RabbitMQ.
type WorkQueue struct {
	conn      *Connection
	publisher *Publisher
	deduper   Deduper
	window    time.Duration
	queues    map[domain.JobKind]QueueConfig
	logger    *slog.Logger
}

// NewWorkQueue создаёт WorkQueue.
func NewWorkQueue(cfg WorkQueueConfig) *WorkQueue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	window := cfg.DedupWindow
	if window <= 0 {
		window = time.Hour
	}

	queues := make(map[domain.JobKind]QueueConfig, len(cfg.Queues))
	for k, q := range cfg.Queues {
		queues[k] = q.WithDefaults()
	}

	return &WorkQueue{
		conn:      cfg.Conn,
		publisher: cfg.Publisher,
		deduper:   cfg.Deduper,
		window:    window,
		queues:    queues,
		logger:    logger,
	}
}

// QueueConfig возвращает настройки очереди kind.
func (q *WorkQueue) QueueConfig(kind domain.JobKind) (QueueConfig, bool) {
	cfg, ok := q.queues[kind]
	return cfg, ok
}

// PublishJob публикует job с дедупликацией.
//
// Если ключ уже внутри окна, публикация пропускается и возвращается
// PublishAck{Duplicate: true} без ошибки. При ошибке брокера ключ
// освобождается и возвращается ошибка, оборачивающая ErrPublish.
func (q *WorkQueue) PublishJob(ctx context.Context, job *domain.Job) (*PublishAck, error) {
	if _, ok := q.queues[job.Kind]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, job.Kind)
	}

	if q.deduper != nil {
		claimed, err := q.deduper.Claim(ctx, job.DedupKey, q.window)
		if err != nil {
			return nil, fmt.Errorf("%w: claim dedup key: %v", ErrPublish, err)
		}
		if !claimed {
			q.logger.Debug("duplicate job skipped",
				"dedup_key", job.DedupKey,
				"transform_id", job.TransformID,
				"unit_key", job.UnitKey,
			)
			return &PublishAck{Subject: job.Kind.Subject(), MessageID: job.DedupKey, Duplicate: true}, nil
		}
	}

	ack, err := q.publish(ctx, job)
	if err != nil {
		if q.deduper != nil {
			// ctx мог истечь вместе с публикацией
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if rerr := q.deduper.Release(rctx, job.DedupKey); rerr != nil {
				q.logger.Warn("failed to release dedup key", "dedup_key", job.DedupKey, "error", rerr)
			}
			cancel()
		}
		return nil, err
	}

	return ack, nil
}

// RepublishJob публикует job из pending ledger.
// Ключ не проверяется (ledger — владелец записи), окно обновляется
// после подтверждения брокером.
func (q *WorkQueue) RepublishJob(ctx context.Context, job *domain.Job) (*PublishAck, error) {
	if _, ok := q.queues[job.Kind]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, job.Kind)
	}

	ack, err := q.publish(ctx, job)
	if err != nil {
		return nil, err
	}

	if q.deduper != nil {
		if err := q.deduper.Remember(ctx, job.DedupKey, q.window); err != nil {
			q.logger.Warn("failed to refresh dedup key", "dedup_key", job.DedupKey, "error", err)
		}
	}

	return ack, nil
}

func (q *WorkQueue) publish(ctx context.Context, job *domain.Job) (*PublishAck, error) {
	msg := &Message{
		ID:        job.ID.String(),
		Type:      MessageTypeJob,
		Payload:   job,
		Timestamp: time.Now(),
	}

	headers := amqp.Table{
		HeaderDedup:    job.DedupKey,
		"x-kind":       string(job.Kind),
		"x-transform":  job.TransformID.String(),
		"x-unit-key":   job.UnitKey,
		"x-created-at": job.CreatedAt.Format(time.RFC3339Nano),
	}

	subject := job.Kind.Subject()
	if err := q.publisher.Publish(ctx, ExchangeWork, subject, msg, headers, job.DedupKey); err != nil {
		if errors.Is(err, ErrPublish) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPublish, err)
	}

	return &PublishAck{Subject: subject, MessageID: job.DedupKey}, nil
}

// Consume потребляет work.{kind}. Блокируется до отмены ctx.
func (q *WorkQueue) Consume(ctx context.Context, kind domain.JobKind, handler Handler) error {
	cfg, ok := q.queues[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, kind)
	}

	consumer := NewConsumer(q.conn, q.logger, ConsumerConfig{
		Kind:      kind,
		Queue:     cfg,
		Handler:   handler,
		Publisher: q.publisher,
	})
	return consumer.Start(ctx)
}
