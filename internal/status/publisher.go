package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Emitter отправляет status-события. Ошибки не возвращаются:
// статус — best-effort.
type Emitter interface {
	Emit(ctx context.Context, ev domain.StatusEvent)
}

// Sender — транспорт status-событий (mq.Publisher).
type Sender interface {
	PublishTransient(ctx context.Context, exchange mq.Exchange, routingKey string, msg *mq.Message) error
}

// PublisherConfig — конфигурация Publisher.
type PublisherConfig struct {
	Publisher Sender

	// Timeout — верхняя граница блокировки воркера на публикации.
	Timeout time.Duration

	Logger *slog.Logger
}

// Publisher публикует status-события в conveyor.status.
type Publisher struct {
	pub     Sender
	timeout time.Duration
	logger  *slog.Logger
}

// NewPublisher создаёт Publisher.
func NewPublisher(cfg PublisherConfig) *Publisher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}

	return &Publisher{
		pub:     cfg.Publisher,
		timeout: timeout,
		logger:  logger,
	}
}

// Emit публикует событие non-persistent сообщением.
// При ошибке событие логируется и отбрасывается.
func (p *Publisher) Emit(ctx context.Context, ev domain.StatusEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	msg := mq.NewMessage(mq.MessageTypeStatus, ev)
	if err := p.pub.PublishTransient(ctx, mq.ExchangeStatus, ev.Subject(), msg); err != nil {
		telemetry.StatusDropped.Inc()
		p.logger.Warn("status event dropped",
			"type", ev.Type,
			"job_id", ev.JobID,
			"transform_id", ev.TransformID,
			"error", err,
		)
		return
	}

	p.logger.Debug("status event published", "type", ev.Type, "subject", ev.Subject())
}
