package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

// StatsRepo — счётчики прогонов и результаты job.
type StatsRepo struct {
	pool *pgxpool.Pool
}

// NewStatsRepo создаёт новый StatsRepo.
func NewStatsRepo(pool *pgxpool.Pool) *StatsRepo {
	return &StatsRepo{pool: pool}
}

// in_flight не хранится: это dispatched_units - completed - failed.
const statsColumns = `transform_id, run_id, dispatched_batches, dispatched_units, completed, failed,
	GREATEST(dispatched_units - completed - failed, 0) AS in_flight,
	last_dispatch_at, last_activity_at, updated_at`

// RecordDispatch увеличивает счётчики отправки на units.
//
// Вызывается до публикации: job может завершиться раньше, чем
// publish вернёт управление, и completed не должен обогнать dispatched.
// Отправка под устаревшим run_id игнорируется: счётчики нового
// прогона не должны учитывать работу предыдущего.
func (r *StatsRepo) RecordDispatch(ctx context.Context, transformID, runID uuid.UUID, units int) error {
	now := time.Now()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO transform_stats (transform_id, run_id, dispatched_batches, dispatched_units,
			last_dispatch_at, last_activity_at, updated_at)
		VALUES ($1, $2, 1, $3, $4, $4, $4)
		ON CONFLICT (transform_id) DO UPDATE SET
			dispatched_batches = transform_stats.dispatched_batches + 1,
			dispatched_units = transform_stats.dispatched_units + EXCLUDED.dispatched_units,
			last_dispatch_at = EXCLUDED.last_dispatch_at,
			last_activity_at = EXCLUDED.last_activity_at,
			updated_at = EXCLUDED.updated_at
		WHERE transform_stats.run_id = EXCLUDED.run_id
	`, transformID, runID, units, now)
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// ReleaseDispatch откатывает резерв RecordDispatch для единиц,
// которые не были опубликованы (дубликат, pending ledger, ошибка).
// dispatched_units не опускается ниже completed + failed.
func (r *StatsRepo) ReleaseDispatch(ctx context.Context, transformID, runID uuid.UUID, units, batches int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE transform_stats SET
			dispatched_units = GREATEST(dispatched_units - $3, completed + failed),
			dispatched_batches = GREATEST(dispatched_batches - $4, 0),
			updated_at = $5
		WHERE transform_id = $1 AND run_id = $2
	`, transformID, runID, units, batches, time.Now())
	if err != nil {
		return fmt.Errorf("release dispatch: %w", err)
	}
	return nil
}

// RecordOutcome записывает первый терминальный результат единицы работы.
//
// В одной транзакции: запись в job_outcomes, отметка единицы как
// обработанной в прогоне и инкремент completed/failed. Если результат
// по (transform_id, run_id, unit_key) уже есть, ничего не меняется и
// возвращается recorded = false с текущими счётчиками.
func (r *StatsRepo) RecordOutcome(ctx context.Context, o *domain.JobOutcome) (bool, *domain.TransformStats, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		INSERT INTO job_outcomes (transform_id, run_id, unit_key, job_id, kind, status, error, attempts, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (transform_id, run_id, unit_key) DO NOTHING
	`, o.TransformID, o.RunID, o.UnitKey, o.JobID, o.Kind, o.Status, nullString(o.Error), o.Attempts, o.FinishedAt)
	if err != nil {
		return false, nil, fmt.Errorf("insert outcome: %w", err)
	}

	if result.RowsAffected() == 0 {
		stats, err := scanStats(tx.QueryRow(ctx, `SELECT `+statsColumns+` FROM transform_stats WHERE transform_id = $1`, o.TransformID))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return false, nil, err
		}
		return false, stats, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE work_units u SET processed_run_id = $3
		FROM transforms t
		WHERE u.transform_id = $1 AND u.unit_key = $2
		  AND t.id = u.transform_id AND t.current_run_id = $3
	`, o.TransformID, o.UnitKey, o.RunID); err != nil {
		return false, nil, fmt.Errorf("mark unit processed: %w", err)
	}

	completed, failed := 0, 0
	if o.Status == domain.OutcomeCompleted {
		completed = 1
	} else {
		failed = 1
	}

	stats, err := scanStats(tx.QueryRow(ctx, `
		UPDATE transform_stats SET
			completed = completed + $3,
			failed = failed + $4,
			last_activity_at = $5,
			updated_at = $5
		WHERE transform_id = $1 AND run_id = $2
		RETURNING `+statsColumns,
		o.TransformID, o.RunID, completed, failed, o.FinishedAt,
	))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("commit: %w", err)
	}
	return true, stats, nil
}

// GetStats возвращает счётчики трансформации.
func (r *StatsRepo) GetStats(ctx context.Context, transformID uuid.UUID) (*domain.TransformStats, error) {
	return scanStats(r.pool.QueryRow(ctx, `SELECT `+statsColumns+` FROM transform_stats WHERE transform_id = $1`, transformID))
}

// ListStats возвращает счётчики всех трансформаций.
func (r *StatsRepo) ListStats(ctx context.Context) ([]domain.TransformStats, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+statsColumns+` FROM transform_stats ORDER BY transform_id`)
	if err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}
	defer rows.Close()
	return collectStats(rows)
}

// ListStaleStats возвращает трансформации с незавершёнными единицами,
// без активности с before и без активных pending-записей.
// transformID ограничивает выборку одной трансформацией.
func (r *StatsRepo) ListStaleStats(ctx context.Context, before time.Time, transformID *uuid.UUID) ([]domain.TransformStats, error) {
	query := `
		SELECT ` + statsColumns + `
		FROM transform_stats s
		WHERE s.dispatched_units > s.completed + s.failed
		  AND COALESCE(s.last_activity_at, s.updated_at) < $1
		  AND ($2::uuid IS NULL OR s.transform_id = $2)
		  AND NOT EXISTS (
			SELECT 1 FROM pending_batches p
			WHERE p.transform_id = s.transform_id AND p.status = 'pending'
		  )
		ORDER BY s.transform_id
	`
	rows, err := r.pool.Query(ctx, query, before, nullUUID(transformID))
	if err != nil {
		return nil, fmt.Errorf("list stale stats: %w", err)
	}
	defer rows.Close()
	return collectStats(rows)
}

func collectStats(rows pgx.Rows) ([]domain.TransformStats, error) {
	var list []domain.TransformStats
	for rows.Next() {
		s, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

func scanStats(row pgx.Row) (*domain.TransformStats, error) {
	var s domain.TransformStats
	err := row.Scan(
		&s.TransformID,
		&s.RunID,
		&s.DispatchedBatches,
		&s.DispatchedUnits,
		&s.Completed,
		&s.Failed,
		&s.InFlight,
		&s.LastDispatchAt,
		&s.LastActivityAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan stats: %w", err)
	}
	return &s, nil
}
