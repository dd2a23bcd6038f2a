package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/resilience"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Ledger — операции pending ledger, нужные реконсиляции.
type Ledger interface {
	ListDuePending(ctx context.Context, f repo.DueFilter) ([]domain.PendingBatch, error)
	MarkPendingPublished(ctx context.Context, id uuid.UUID, now time.Time) error
	SchedulePendingRetry(ctx context.Context, entry *domain.PendingBatch) error
	MarkPendingExpired(ctx context.Context, entry *domain.PendingBatch) error
	MarkPendingFailed(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error
	PrunePendingResolved(ctx context.Context, before time.Time) (int, error)
	CountPending(ctx context.Context) (int, error)
}

// Stats — счётчики трансформаций.
type Stats interface {
	RecordDispatch(ctx context.Context, transformID, runID uuid.UUID, units int) error
	ReleaseDispatch(ctx context.Context, transformID, runID uuid.UUID, units, batches int) error
	ListStaleStats(ctx context.Context, before time.Time, transformID *uuid.UUID) ([]domain.TransformStats, error)
}

// Runs — журнал прогонов реконсиляции.
type Runs interface {
	CreateReconciliationRun(ctx context.Context, run *domain.ReconciliationRun) error
	FinishReconciliationRun(ctx context.Context, run *domain.ReconciliationRun) error
}

// Dedup — окно дедупликации.
type Dedup interface {
	ReleaseDedupForTransform(ctx context.Context, transformID uuid.UUID) (int, error)
	PruneDedup(ctx context.Context, now time.Time) (int, error)
}

// Republisher — переотправка job из ledger.
type Republisher interface {
	RepublishJob(ctx context.Context, job *domain.Job) (*mq.PublishAck, error)
}

// Config — конфигурация Runner.
type Config struct {
	Ledger Ledger
	Stats  Stats
	Runs   Runs
	Dedup  Dedup
	Queue  Republisher
	Logger *slog.Logger

	// BatchSize — записей ledger за одну аренду (default: 100).
	BatchSize int

	// Lease — аренда записей на время sweep (default: 5m).
	Lease time.Duration

	// Backoff — задержка следующей попытки по retry_count.
	Backoff resilience.RetryPolicy

	// PublishTimeout — таймаут одной переотправки (default: 10s).
	PublishTimeout time.Duration

	// StalenessThreshold — сколько трансформация может молчать
	// с незавершёнными единицами, прежде чем считаться orphaned (default: 30m).
	StalenessThreshold time.Duration

	// Retention — сколько хранить published-записи (default: 7 дней).
	Retention time.Duration

	// OrphanPolicy — что делать с orphaned трансформациями (default: report).
	OrphanPolicy OrphanPolicy

	// Now — источник времени (для тестов).
	Now func() time.Time
}

// DefaultBackoff — backoff повторных публикаций из ledger.
func DefaultBackoff() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:  1,
		InitialDelay: 30 * time.Second,
		MaxDelay:     30 * time.Minute,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

// SweepOptions — параметры одного прогона.
type SweepOptions struct {
	RunType domain.ReconciliationRunType

	// TransformID ограничивает прогон одной трансформацией.
	TransformID *uuid.UUID
}

// Runner — периодическая реконсиляция: переотправка pending ledger,
// поиск orphaned трансформаций и очистка.
type Runner struct {
	ledger    Ledger
	stats     Stats
	runs      Runs
	dedup     Dedup
	queue     Republisher
	logger    *slog.Logger
	batchSize int
	lease     time.Duration
	backoff   resilience.RetryPolicy
	timeout   time.Duration
	staleness time.Duration
	retention time.Duration
	policy    OrphanPolicy
	now       func() time.Time
}

// New создаёт новый Runner.
func New(cfg Config) *Runner {
	r := &Runner{
		ledger:    cfg.Ledger,
		stats:     cfg.Stats,
		runs:      cfg.Runs,
		dedup:     cfg.Dedup,
		queue:     cfg.Queue,
		logger:    cfg.Logger,
		batchSize: cfg.BatchSize,
		lease:     cfg.Lease,
		backoff:   cfg.Backoff,
		timeout:   cfg.PublishTimeout,
		staleness: cfg.StalenessThreshold,
		retention: cfg.Retention,
		policy:    cfg.OrphanPolicy,
		now:       cfg.Now,
	}

	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	if r.lease <= 0 {
		r.lease = 5 * time.Minute
	}
	if r.backoff.InitialDelay <= 0 {
		r.backoff = DefaultBackoff()
	}
	if r.timeout <= 0 {
		r.timeout = 10 * time.Second
	}
	if r.staleness <= 0 {
		r.staleness = 30 * time.Minute
	}
	if r.retention <= 0 {
		r.retention = 7 * 24 * time.Hour
	}
	if r.policy == "" {
		r.policy = OrphanReport
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// sweepState — накопленные за прогон счётчики и ошибки хранилища.
type sweepState struct {
	run    *domain.ReconciliationRun
	failed int
	errs   []error
}

func (s *sweepState) fail(err error) {
	s.errs = append(s.errs, err)
}

// Sweep выполняет один прогон реконсиляции.
//
//  1. Создаёт запись прогона (running)
//  2. Переотправляет due-записи ledger; успешные — published,
//     неудачные — retry_count+1 и backoff, исчерпавшие лимит — expired
//  3. Ищет orphaned трансформации (есть незавершённые единицы,
//     нет активности и pending-записей) и применяет OrphanPolicy
//  4. Удаляет published-записи старше Retention и истёкшие dedup-ключи
//  5. Закрывает прогон со счётчиками
//
// Счётчики TransformStats никогда не уменьшаются. Ошибки хранилища
// не прерывают прогон, но переводят его в failed.
func (r *Runner) Sweep(ctx context.Context, opts SweepOptions) (*domain.ReconciliationRun, error) {
	if opts.RunType == "" {
		opts.RunType = domain.RunTypeScheduled
	}

	run := domain.NewReconciliationRun(opts.RunType, opts.TransformID)
	run.StartedAt = r.now()

	if err := r.runs.CreateReconciliationRun(ctx, run); err != nil {
		telemetry.ReconciliationRuns.WithLabelValues(string(domain.ReconciliationFailed)).Inc()
		return nil, fmt.Errorf("create reconciliation run: %w", err)
	}

	logger := r.logger.With("reconciliation_run_id", run.ID, "run_type", run.RunType)
	st := &sweepState{run: run}

	r.redrive(ctx, logger, opts, st)
	r.checkOrphans(ctx, logger, opts, st)
	r.cleanup(ctx, st)

	if depth, err := r.ledger.CountPending(ctx); err == nil {
		telemetry.PendingLedgerDepth.Set(float64(depth))
		run.Details["pending_depth"] = depth
	}
	run.Details["failed"] = st.failed

	sweepErr := errors.Join(st.errs...)
	errMsg := ""
	if sweepErr != nil {
		errMsg = sweepErr.Error()
	}
	run.Finish(errMsg)

	// Итог прогона сохраняем даже при отменённом ctx
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.runs.FinishReconciliationRun(fctx, run); err != nil {
		logger.Error("failed to finish reconciliation run", "error", err)
		sweepErr = errors.Join(sweepErr, fmt.Errorf("finish reconciliation run: %w", err))
	}

	telemetry.ReconciliationRuns.WithLabelValues(string(run.Status)).Inc()

	logger.Info("reconciliation sweep completed",
		"status", run.Status,
		"recovered", run.Recovered,
		"expired", run.Expired,
		"orphaned", run.OrphanedFound,
		"cleaned_up", run.CleanedUp,
		"duration", run.Duration(),
	)

	return run, sweepErr
}

// redrive переотправляет due-записи ledger, пока они есть.
// Обработанная запись либо терминальна, либо отложена в будущее,
// поэтому повторно в этом прогоне не появится.
func (r *Runner) redrive(ctx context.Context, logger *slog.Logger, opts SweepOptions, st *sweepState) {
	for ctx.Err() == nil {
		entries, err := r.ledger.ListDuePending(ctx, repo.DueFilter{
			Now:         r.now(),
			Limit:       r.batchSize,
			Lease:       r.lease,
			TransformID: opts.TransformID,
		})
		if err != nil {
			st.fail(fmt.Errorf("list due pending: %w", err))
			return
		}
		if len(entries) == 0 {
			return
		}

		for i := range entries {
			if ctx.Err() != nil {
				return
			}
			r.redriveEntry(ctx, logger, &entries[i], st)
		}

		if len(entries) < r.batchSize {
			return
		}
	}
}

func (r *Runner) redriveEntry(ctx context.Context, logger *slog.Logger, entry *domain.PendingBatch, st *sweepState) {
	logger = logger.With(
		"pending_id", entry.ID,
		"transform_id", entry.TransformID,
		"unit_key", entry.UnitKey,
		"kind", entry.BatchType,
	)
	now := r.now()

	job, err := entry.Job()
	if err != nil {
		st.failed++
		logger.Error("pending batch payload is not decodable", "error", err)
		if err := r.ledger.MarkPendingFailed(ctx, entry.ID, err.Error(), now); err != nil {
			st.fail(fmt.Errorf("mark pending %s failed: %w", entry.ID, err))
		}
		return
	}
	job.AttemptHint = entry.RetryCount + 1

	// Резерв до публикации, как у scanner
	if err := r.stats.RecordDispatch(ctx, job.TransformID, job.RunID, 1); err != nil {
		st.fail(fmt.Errorf("reserve dispatch for pending %s: %w", entry.ID, err))
		return
	}

	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	_, pubErr := r.queue.RepublishJob(pctx, job)
	cancel()

	if pubErr != nil {
		if err := r.stats.ReleaseDispatch(context.WithoutCancel(ctx), job.TransformID, job.RunID, 1, 1); err != nil {
			logger.Warn("failed to release dispatch reservation", "error", err)
		}
	}

	if pubErr == nil {
		if err := r.ledger.MarkPendingPublished(ctx, entry.ID, now); err != nil {
			// Job уже в очереди; при повторе окно дедупликации его отсечёт
			st.fail(fmt.Errorf("mark pending %s published: %w", entry.ID, err))
			return
		}
		st.run.Recovered++
		telemetry.ReconciliationRecovered.Inc()

		logger.Info("pending batch republished", "attempt", job.AttemptHint)
		return
	}

	if entry.RecordFailure(pubErr, now) {
		if err := r.ledger.MarkPendingExpired(ctx, entry); err != nil {
			st.fail(fmt.Errorf("mark pending %s expired: %w", entry.ID, err))
			return
		}
		st.run.Expired++
		telemetry.ReconciliationExpired.Inc()
		// Алерт: единица не будет отправлена без вмешательства
		logger.Error("pending batch expired after max retries",
			"retry_count", entry.RetryCount,
			"max_retries", entry.MaxRetries,
			"error", pubErr,
		)
		return
	}

	entry.ScheduleRetry(now.Add(r.backoff.Backoff(entry.RetryCount)))
	if err := r.ledger.SchedulePendingRetry(ctx, entry); err != nil {
		st.fail(fmt.Errorf("schedule pending %s retry: %w", entry.ID, err))
		return
	}
	logger.Warn("pending batch republish failed, retry scheduled",
		"retry_count", entry.RetryCount,
		"next_retry_at", entry.NextRetryAt,
		"error", pubErr,
	)
}

// checkOrphans находит трансформации с незавершёнными единицами без активности.
func (r *Runner) checkOrphans(ctx context.Context, logger *slog.Logger, opts SweepOptions, st *sweepState) {
	if ctx.Err() != nil {
		return
	}

	stale, err := r.stats.ListStaleStats(ctx, r.now().Add(-r.staleness), opts.TransformID)
	if err != nil {
		st.fail(fmt.Errorf("list stale stats: %w", err))
		return
	}

	st.run.OrphanedFound = len(stale)
	telemetry.OrphanedBatches.Set(float64(len(stale)))

	var orphans []string
	released := 0
	for i := range stale {
		s := &stale[i]
		orphans = append(orphans, s.TransformID.String())

		logger.Warn("orphaned batches detected",
			"transform_id", s.TransformID,
			"run_id", s.RunID,
			"outstanding", s.Outstanding(),
			"last_activity_at", s.LastActivityAt,
			"policy", r.policy,
		)

		if r.policy != OrphanReenumerate || r.dedup == nil {
			continue
		}
		n, err := r.dedup.ReleaseDedupForTransform(ctx, s.TransformID)
		if err != nil {
			st.fail(fmt.Errorf("release dedup keys of %s: %w", s.TransformID, err))
			continue
		}
		released += n
	}

	if len(orphans) > 0 {
		st.run.Details["orphaned_transforms"] = orphans
	}
	if r.policy == OrphanReenumerate {
		st.run.Details["dedup_released"] = released
	}
}

// cleanup удаляет published-записи старше Retention и истёкшие dedup-ключи.
func (r *Runner) cleanup(ctx context.Context, st *sweepState) {
	if ctx.Err() != nil {
		return
	}
	now := r.now()

	n, err := r.ledger.PrunePendingResolved(ctx, now.Add(-r.retention))
	if err != nil {
		st.fail(fmt.Errorf("prune pending: %w", err))
	} else {
		st.run.CleanedUp = n
	}

	if r.dedup == nil {
		return
	}
	pruned, err := r.dedup.PruneDedup(ctx, now)
	if err != nil {
		st.fail(fmt.Errorf("prune dedup: %w", err))
		return
	}
	st.run.Details["dedup_pruned"] = pruned
}
