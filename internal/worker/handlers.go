package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Conveyor/internal/admission"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/resilience"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Outcome — класс исхода обработки job.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

// String возвращает имя исхода.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Classify определяет исход по ошибке processor'а.
// Transient и CircuitOpen — повторяемые, Invalid и Exhausted — фатальные.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case resilience.IsFatal(err):
		return OutcomeFatal
	default:
		return OutcomeRetryable
	}
}

// handle принимает delivery: разбирает job, ждёт разрешение
// и запускает обработку в отдельной горутине.
func (w *Worker) handle(ctx, jobCtx context.Context, kind domain.JobKind, d *mq.Delivery) {
	job, err := mq.ParsePayload[domain.Job](&d.Message)
	if err == nil {
		err = job.Validate()
	}
	if err != nil {
		w.logger.Error("failed to parse job, sending to dead-letter queue",
			"kind", kind,
			"message_id", d.Message.ID,
			"error", err,
		)
		if terr := d.Term(fmt.Sprintf("%v: %v", ErrInvalidMessage, err)); terr != nil {
			w.logger.Warn("failed to dead-letter message", "message_id", d.Message.ID, "error", terr)
		}
		return
	}

	permit, err := w.limiter.Acquire(ctx)
	if err != nil {
		// Остановка: брокер вернёт сообщение в очередь при закрытии канала
		w.logger.Debug("admission cancelled, delivery abandoned", "job_id", job.ID, "error", err)
		d.Abandon()
		return
	}

	if !w.track() {
		permit.Release(admission.SignalNeutral)
		w.logger.Debug("worker is draining, delivery abandoned", "job_id", job.ID)
		d.Abandon()
		return
	}
	go func() {
		defer w.jobs.Done()
		w.process(jobCtx, d, &job, permit)
	}()
}

// process выполняет job и применяет исход к delivery.
func (w *Worker) process(ctx context.Context, d *mq.Delivery, job *domain.Job, permit *admission.Permit) {
	logger := w.logger.With(
		"job_id", job.ID,
		"kind", job.Kind,
		"transform_id", job.TransformID,
		"unit_key", job.UnitKey,
		"attempt", d.Attempt,
	)

	w.status.Emit(ctx, domain.NewStatusEvent(domain.EventStarted, job, d.Attempt))
	logger.Debug("job started")

	dependency := w.processor.Dependency(job.Kind)
	err := w.breakers.Call(ctx, dependency, func(ctx context.Context) error {
		return w.processor.Process(ctx, job)
	})

	if err != nil && ctx.Err() != nil {
		permit.Release(admission.SignalNeutral)
		d.Abandon()
		logger.Warn("job abandoned on shutdown, broker will redeliver", "error", err)
		return
	}

	switch Classify(err) {
	case OutcomeSuccess:
		permit.Release(w.succeed(ctx, logger, d, job))

	case OutcomeRetryable:
		if d.Exhausted() {
			w.fail(ctx, logger, d, job, resilience.Exhausted("process", err))
			permit.Release(admission.SignalNeutral)
			return
		}
		permit.Release(w.retry(ctx, logger, d, job, err))

	default:
		w.fail(ctx, logger, d, job, err)
		permit.Release(admission.SignalNeutral)
	}
}

// succeed записывает completed, подтверждает delivery и публикует событие.
func (w *Worker) succeed(ctx context.Context, logger *slog.Logger, d *mq.Delivery, job *domain.Job) admission.Signal {
	outcome := domain.NewJobOutcome(job, domain.OutcomeCompleted, "", d.Attempt)
	recorded, stats, err := w.record(ctx, outcome)
	if err != nil {
		logger.Error("failed to record completed outcome, redelivering", "error", err)
		w.nak(logger, d, job)
		return admission.SignalNeutral
	}

	w.settle(logger, "ack", d.Ack())

	if !recorded {
		logger.Info("duplicate delivery of recorded job acknowledged")
		return admission.SignalSuccess
	}

	telemetry.JobsCompleted.WithLabelValues(string(job.Kind)).Inc()
	ev := domain.NewStatusEvent(domain.EventCompleted, job, d.Attempt)
	ev.Stats = stats
	w.status.Emit(ctx, ev)

	logger.Info("job completed")
	return admission.SignalSuccess
}

// retry возвращает delivery брокеру с растущей задержкой.
func (w *Worker) retry(ctx context.Context, logger *slog.Logger, d *mq.Delivery, job *domain.Job, err error) admission.Signal {
	delay := w.nak(logger, d, job)

	telemetry.JobsRetried.WithLabelValues(string(job.Kind)).Inc()
	ev := domain.NewStatusEvent(domain.EventRetrying, job, d.Attempt)
	ev.Error = err.Error()
	w.status.Emit(ctx, ev)

	logger.Warn("job failed, redelivery scheduled",
		"delay", delay,
		"max_deliver", d.MaxDeliver,
		"error", err,
	)

	if resilience.IsOverload(err) {
		return admission.SignalPressure
	}
	return admission.SignalNeutral
}

// fail записывает failed и снимает delivery с повторов.
func (w *Worker) fail(ctx context.Context, logger *slog.Logger, d *mq.Delivery, job *domain.Job, err error) {
	outcome := domain.NewJobOutcome(job, domain.OutcomeFailed, err.Error(), d.Attempt)
	recorded, stats, rerr := w.record(ctx, outcome)
	if rerr != nil {
		logger.Error("failed to record failed outcome, redelivering", "error", rerr, "job_error", err)
		w.nak(logger, d, job)
		return
	}

	if w.deadLetterFatal {
		w.settle(logger, "term", d.Term(err.Error()))
	} else {
		w.settle(logger, "ack", d.Ack())
	}

	if !recorded {
		logger.Info("duplicate delivery of recorded job acknowledged")
		return
	}

	telemetry.JobsFailed.WithLabelValues(string(job.Kind)).Inc()
	ev := domain.NewStatusEvent(domain.EventFailed, job, d.Attempt)
	ev.Error = err.Error()
	ev.Stats = stats
	w.status.Emit(ctx, ev)

	logger.Error("job failed permanently",
		"error_kind", resilience.KindOf(err),
		"dead_lettered", w.deadLetterFatal,
		"error", err,
	)
}

// record сохраняет результат даже при отменённом ctx.
func (w *Worker) record(ctx context.Context, o *domain.JobOutcome) (bool, *domain.TransformStats, error) {
	if w.outcomes == nil {
		return true, nil, nil
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.recordTimeout)
	defer cancel()
	return w.outcomes.RecordOutcome(rctx, o)
}

// nak откладывает повторную доставку по настройкам очереди.
func (w *Worker) nak(logger *slog.Logger, d *mq.Delivery, job *domain.Job) time.Duration {
	cfg, ok := w.source.QueueConfig(job.Kind)
	if !ok {
		cfg = mq.DefaultQueueConfig()
	}
	delay := cfg.RedeliveryBackoff(d.Attempt)
	w.settle(logger, "nak", d.Nak(delay))
	return delay
}

// settle логирует ошибку подтверждения. Поздний ack после ack_wait
// отклоняется брокером: сообщение уже передоставлено.
func (w *Worker) settle(logger *slog.Logger, op string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, mq.ErrAlreadySettled) {
		logger.Debug("delivery already settled", "op", op)
		return
	}
	logger.Warn("failed to settle delivery", "op", op, "error", err)
}
