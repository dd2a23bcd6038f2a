package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/resilience"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Transforms — источник включённых трансформаций.
type Transforms interface {
	ListEnabledTransforms(ctx context.Context) ([]domain.Transform, error)
}

// Enumerator — источник необработанных единиц работы.
type Enumerator interface {
	ListUnprocessed(ctx context.Context, t *domain.Transform, limit int) ([]domain.WorkUnit, error)
	MarkUnitsDispatched(ctx context.Context, transformID uuid.UUID, keys []string, at time.Time) error
}

// Dispatcher — очередь работ.
type Dispatcher interface {
	PublishJob(ctx context.Context, job *domain.Job) (*mq.PublishAck, error)
}

// Ledger — pending ledger для batches, которые не удалось опубликовать.
type Ledger interface {
	UpsertPending(ctx context.Context, entry *domain.PendingBatch) (*domain.PendingBatch, error)
}

// Stats — счётчики отправки.
type Stats interface {
	RecordDispatch(ctx context.Context, transformID, runID uuid.UUID, units int) error
	ReleaseDispatch(ctx context.Context, transformID, runID uuid.UUID, units, batches int) error
}

// Config — конфигурация Scanner.
type Config struct {
	Transforms Transforms
	Enumerator Enumerator
	Dispatcher Dispatcher
	Ledger     Ledger
	Stats      Stats
	Logger     *slog.Logger

	// BatchSize — максимум единиц на трансформацию за один тик (default: 100).
	BatchSize int

	// PublishRetry — повторы публикации одного job до записи в ledger.
	PublishRetry resilience.RetryPolicy

	// FetchRetry — повторы чтения единиц и записи счётчиков.
	FetchRetry resilience.RetryPolicy

	// MaxRetries — max_retries для новых записей ledger (default: 5).
	MaxRetries int

	// Now — источник времени (для тестов).
	Now func() time.Time
}

// TickResult — итог одного тика.
type TickResult struct {
	Transforms int
	Units      int
	Published  int
	Duplicates int

	// Deferred — записаны в pending ledger.
	Deferred int

	// Lost — не опубликованы и не записаны в ledger;
	// остаются необработанными и вернутся в следующем тике.
	Lost int

	// Invalid — job не удалось собрать из единицы работы.
	Invalid int
}

// Scanner периодически находит необработанные единицы и отправляет их в очередь.
type Scanner struct {
	transforms   Transforms
	enumerator   Enumerator
	dispatcher   Dispatcher
	ledger       Ledger
	stats        Stats
	logger       *slog.Logger
	batchSize    int
	publishRetry resilience.RetryPolicy
	fetchRetry   resilience.RetryPolicy
	maxRetries   int
	now          func() time.Time
}

// New создаёт новый Scanner.
func New(cfg Config) *Scanner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scanner{
		transforms:   cfg.Transforms,
		enumerator:   cfg.Enumerator,
		dispatcher:   cfg.Dispatcher,
		ledger:       cfg.Ledger,
		stats:        cfg.Stats,
		logger:       logger,
		batchSize:    batchSize,
		publishRetry: cfg.PublishRetry,
		fetchRetry:   cfg.FetchRetry,
		maxRetries:   maxRetries,
		now:          now,
	}
}

// Tick выполняет один проход.
//
//  1. Находит включённые трансформации
//  2. Для каждой берёт до BatchSize необработанных единиц
//  3. Резервирует счётчики отправки на весь batch
//  4. Публикует job на каждую единицу; при ошибке пишет запись в pending ledger
//  5. Возвращает резерв за неопубликованные единицы
//
// Ошибки одной трансформации не блокируют остальные.
// Ошибка возвращается, только если не удалось получить список трансформаций.
func (s *Scanner) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult

	transforms, err := resilience.RetryValue(ctx, s.fetchRetry, s.transforms.ListEnabledTransforms)
	if err != nil {
		return result, fmt.Errorf("list enabled transforms: %w", err)
	}

	for i := range transforms {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		t := &transforms[i]
		result.Transforms++

		if err := s.scanTransform(ctx, t, &result); err != nil {
			s.logger.Error("failed to scan transform",
				"transform_id", t.ID,
				"kind", t.Kind,
				"error", err,
			)
			// Продолжаем с остальными
			continue
		}
	}

	if result.Units > 0 {
		s.logger.Info("scanner tick completed",
			"transforms", result.Transforms,
			"units", result.Units,
			"published", result.Published,
			"duplicates", result.Duplicates,
			"deferred", result.Deferred,
			"lost", result.Lost,
		)
	}

	return result, nil
}

// scanTransform отправляет необработанные единицы одной трансформации.
func (s *Scanner) scanTransform(ctx context.Context, t *domain.Transform, result *TickResult) error {
	logger := telemetry.WithTransformID(s.logger, t.ID.String())

	units, err := resilience.RetryValue(ctx, s.fetchRetry, func(ctx context.Context) ([]domain.WorkUnit, error) {
		return s.enumerator.ListUnprocessed(ctx, t, s.batchSize)
	})
	if err != nil {
		return fmt.Errorf("list unprocessed: %w", err)
	}
	if len(units) == 0 {
		return nil
	}

	result.Units += len(units)
	kind := string(t.Kind)

	var touched []string
	jobs := make([]*domain.Job, 0, len(units))
	for _, unit := range units {
		job, err := domain.NewJob(t, unit)
		if err != nil {
			result.Invalid++
			// Отметка отправляет единицу в хвост следующего scan
			touched = append(touched, unit.Key)
			logger.Error("failed to build job", "unit_key", unit.Key, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}

	defer func() {
		if len(touched) == 0 {
			return
		}
		if err := s.enumerator.MarkUnitsDispatched(ctx, t.ID, touched, s.now()); err != nil {
			logger.Warn("failed to mark units dispatched", "error", err)
		}
	}()

	if len(jobs) == 0 {
		return nil
	}

	// Счётчики резервируются до публикации: воркер может завершить job
	// раньше, чем publish вернёт управление.
	err = resilience.Retry(ctx, s.fetchRetry, func(ctx context.Context) error {
		return s.stats.RecordDispatch(ctx, t.ID, t.CurrentRunID, len(jobs))
	})
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}

	var published int
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}

		ack, err := s.publish(ctx, job)
		switch {
		case err != nil:
			s.fallback(ctx, logger, job, err, result)

		case ack.Duplicate:
			result.Duplicates++
			touched = append(touched, job.UnitKey)
			telemetry.JobsDuplicate.WithLabelValues(kind).Inc()

		default:
			published++
			result.Published++
			touched = append(touched, job.UnitKey)
			telemetry.JobsDispatched.WithLabelValues(kind).Inc()
		}
	}

	if unsent := len(jobs) - published; unsent > 0 {
		batches := 0
		if published == 0 {
			batches = 1
		}
		s.releaseDispatch(ctx, logger, t, unsent, batches)
	}

	return nil
}

// releaseDispatch возвращает резерв за неопубликованные единицы.
// Ошибка оставляет dispatched завышенным, но инвариант
// dispatched >= completed + failed сохраняется.
func (s *Scanner) releaseDispatch(ctx context.Context, logger *slog.Logger, t *domain.Transform, units, batches int) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := resilience.Retry(wctx, s.fetchRetry, func(ctx context.Context) error {
		return s.stats.ReleaseDispatch(ctx, t.ID, t.CurrentRunID, units, batches)
	})
	if err != nil {
		logger.Error("failed to release dispatch reservation", "units", units, "error", err)
	}
}

// publish публикует job с повторами временных ошибок.
func (s *Scanner) publish(ctx context.Context, job *domain.Job) (*mq.PublishAck, error) {
	return resilience.RetryValue(ctx, s.publishRetry, func(ctx context.Context) (*mq.PublishAck, error) {
		ack, err := s.dispatcher.PublishJob(ctx, job)
		if errors.Is(err, mq.ErrUnknownQueue) {
			return nil, resilience.Invalid("publish", err)
		}
		return ack, err
	})
}

// fallback записывает job в pending ledger после неудачной публикации.
// Если и ledger недоступен, единица остаётся необработанной до следующего тика.
func (s *Scanner) fallback(ctx context.Context, logger *slog.Logger, job *domain.Job, publishErr error, result *TickResult) {
	kind := string(job.Kind)
	now := s.now()

	entry, err := domain.NewPendingBatch(job, publishErr, s.maxRetries, now)
	if err == nil {
		// ctx мог истечь вместе с публикацией
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		_, err = s.ledger.UpsertPending(wctx, entry)
		cancel()
	}
	if err != nil {
		result.Lost++
		logger.Error("failed to write pending ledger, unit left for next scan",
			"unit_key", job.UnitKey,
			"dedup_key", job.DedupKey,
			"publish_error", publishErr,
			"error", err,
		)
		return
	}

	result.Deferred++
	telemetry.PublishFallback.WithLabelValues(kind).Inc()
	logger.Warn("publish failed, job written to pending ledger",
		"unit_key", job.UnitKey,
		"dedup_key", job.DedupKey,
		"error", publishErr,
	)
}
