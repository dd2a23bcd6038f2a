package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Conveyor/internal/admission"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/resilience"
	"github.com/shaiso/Conveyor/internal/status"
)

// Default configuration values.
const (
	defaultShutdownGrace  = 30 * time.Second
	defaultRecordTimeout  = 5 * time.Second
	defaultConsumeBackoff = 2 * time.Second
)

// Source — очередь работ, из которой потребляет Worker.
type Source interface {
	Consume(ctx context.Context, kind domain.JobKind, handler mq.Handler) error
	QueueConfig(kind domain.JobKind) (mq.QueueConfig, bool)
}

// Outcomes — журнал результатов и счётчики трансформаций.
type Outcomes interface {
	// RecordOutcome записывает первый результат единицы в прогоне.
	// recorded = false, если результат уже был записан.
	RecordOutcome(ctx context.Context, o *domain.JobOutcome) (recorded bool, stats *domain.TransformStats, err error)
}

// Limiter — пул разрешений на обработку.
type Limiter interface {
	Acquire(ctx context.Context) (*admission.Permit, error)
}

// Worker потребляет jobs и обрабатывает их.
//
// Worker — stateless компонент системы, который:
//   - Получает jobs из очередей work.{kind}
//   - Ограничивает параллелизм через admission controller
//   - Вызывает внешний processor через circuit breaker зависимости
//   - Подтверждает, откладывает или отправляет в dead-letter delivery
//   - Записывает результат и публикует status-события
//
// Workers масштабируются горизонтально — несколько экземпляров
// могут потреблять из одной очереди.
type Worker struct {
	source    Source
	outcomes  Outcomes
	status    status.Emitter
	processor Processor
	breakers  *resilience.BreakerRegistry
	limiter   Limiter
	kinds     []domain.JobKind

	grace           time.Duration
	recordTimeout   time.Duration
	deadLetterFatal bool

	// Lifecycle
	logger      *slog.Logger
	mu          sync.Mutex
	started     bool
	draining    bool
	stopConsume context.CancelFunc
	cancelJobs  context.CancelFunc
	consumers   sync.WaitGroup
	jobs        sync.WaitGroup
	stopped     chan struct{}
	stopOnce    sync.Once
}

// Config — конфигурация Worker.
type Config struct {
	Queue     Source
	Outcomes  Outcomes
	Processor Processor

	// Status — получатель status-событий (опционально).
	Status status.Emitter

	// Breakers — общий реестр breaker'ов процесса. Если nil — создаётся новый.
	Breakers *resilience.BreakerRegistry

	// Limiter — admission controller процесса. Если nil — admission.New(DefaultConfig).
	Limiter Limiter

	// Kinds — потребляемые типы работы (default: все kinds).
	Kinds []domain.JobKind

	// ShutdownGrace — сколько ждать in-flight jobs при остановке (default: 30s).
	ShutdownGrace time.Duration

	// DeadLetterFatal — отправлять фатальные jobs в dlq.{kind} (Term), иначе Ack.
	DeadLetterFatal bool

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	breakers := cfg.Breakers
	if breakers == nil {
		breakers = resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig())
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = admission.New(admission.DefaultConfig())
	}

	emitter := cfg.Status
	if emitter == nil {
		emitter = nopEmitter{}
	}

	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = domain.Kinds()
	}

	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}

	return &Worker{
		source:          cfg.Queue,
		outcomes:        cfg.Outcomes,
		status:          emitter,
		processor:       cfg.Processor,
		breakers:        breakers,
		limiter:         limiter,
		kinds:           kinds,
		grace:           grace,
		recordTimeout:   defaultRecordTimeout,
		deadLetterFatal: cfg.DeadLetterFatal,
		logger:          logger,
		stopped:         make(chan struct{}),
	}
}

// Start запускает потребление всех настроенных kinds. Не блокируется.
func (w *Worker) Start(ctx context.Context) error {
	if w.source == nil {
		return ErrNoSource
	}
	if w.processor == nil {
		return ErrNoProcessor
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true

	// Jobs живут дольше потребления: при остановке им даётся grace period
	consumeCtx, stopConsume := context.WithCancel(ctx)
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	w.stopConsume = stopConsume
	w.cancelJobs = cancelJobs

	for _, kind := range w.kinds {
		if _, ok := w.source.QueueConfig(kind); !ok {
			w.logger.Warn("no queue configured for kind, skipping", "kind", kind)
			continue
		}

		w.consumers.Add(1)
		go func(kind domain.JobKind) {
			defer w.consumers.Done()
			w.consume(consumeCtx, jobCtx, kind)
		}(kind)
	}

	w.logger.Info("worker started", "kinds", w.kinds, "shutdown_grace", w.grace)
	return nil
}

// consume потребляет work.{kind} до отмены ctx.
func (w *Worker) consume(ctx, jobCtx context.Context, kind domain.JobKind) {
	handler := func(_ context.Context, d *mq.Delivery) {
		w.handle(ctx, jobCtx, kind, d)
	}

	for {
		err := w.source.Consume(ctx, kind, handler)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, mq.ErrUnknownQueue) {
			w.logger.Error("queue is not configured, consumer stopped", "kind", kind, "error", err)
			return
		}

		w.logger.Error("consumer stopped, restarting", "kind", kind, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(defaultConsumeBackoff):
		}
	}
}

// track регистрирует job. После начала остановки новые jobs не принимаются.
func (w *Worker) track() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.draining {
		return false
	}
	w.jobs.Add(1)
	return true
}

// Stop останавливает Worker.
//
// Прекращает приём сообщений, ждёт in-flight jobs не дольше ShutdownGrace,
// затем отменяет их. Каналы consumer'ов закрываются только после того,
// как jobs подтвердят или бросят свои delivery; брошенные сообщения
// брокер сразу вернёт в очередь.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		started := w.started
		w.draining = true
		w.mu.Unlock()
		if !started {
			close(w.stopped)
			return
		}

		w.logger.Info("stopping worker...")
		w.stopConsume()

		done := make(chan struct{})
		go func() {
			w.jobs.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(w.grace):
			w.logger.Warn("shutdown grace period elapsed, abandoning in-flight jobs", "grace", w.grace)
			w.cancelJobs()
			<-done
		}
		w.cancelJobs()
		w.consumers.Wait()

		close(w.stopped)
		w.logger.Info("worker stopped")
	})
}

// Done закрывается после завершения Stop.
func (w *Worker) Done() <-chan struct{} {
	return w.stopped
}

// nopEmitter — Emitter без получателей.
type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, domain.StatusEvent) {}
