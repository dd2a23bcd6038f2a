package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

// ReconciliationRepo — журнал прогонов реконсиляции (append-only).
type ReconciliationRepo struct {
	pool *pgxpool.Pool
}

// NewReconciliationRepo создаёт новый ReconciliationRepo.
func NewReconciliationRepo(pool *pgxpool.Pool) *ReconciliationRepo {
	return &ReconciliationRepo{pool: pool}
}

// RunFilter — фильтр для ListReconciliationRuns.
type RunFilter struct {
	TransformID *uuid.UUID
	Limit       int
	Offset      int
}

// CreateReconciliationRun создаёт запись о прогоне в статусе running.
func (r *ReconciliationRepo) CreateReconciliationRun(ctx context.Context, run *domain.ReconciliationRun) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO reconciliation_runs (id, run_type, transform_id, started_at, status)
		VALUES ($1, $2, $3, $4, $5)
	`, run.ID, run.RunType, nullUUID(run.TransformID), run.StartedAt, run.Status)
	if err != nil {
		return fmt.Errorf("insert reconciliation run: %w", err)
	}
	return nil
}

// FinishReconciliationRun сохраняет итог прогона.
// Завершённый прогон повторно не изменяется.
func (r *ReconciliationRepo) FinishReconciliationRun(ctx context.Context, run *domain.ReconciliationRun) error {
	details, err := json.Marshal(run.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE reconciliation_runs SET
			completed_at = $2,
			status = $3,
			orphaned_batches_found = $4,
			batches_recovered = $5,
			batches_cleaned_up = $6,
			batches_expired = $7,
			error_message = $8,
			details = $9
		WHERE id = $1 AND status = 'running'
	`,
		run.ID,
		run.CompletedAt,
		run.Status,
		run.OrphanedFound,
		run.Recovered,
		run.CleanedUp,
		run.Expired,
		nullString(run.ErrorMessage),
		details,
	)
	if err != nil {
		return fmt.Errorf("finish reconciliation run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// ListReconciliationRuns возвращает прогоны, новые первыми.
func (r *ReconciliationRepo) ListReconciliationRuns(ctx context.Context, filter RunFilter) ([]domain.ReconciliationRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, run_type, transform_id, started_at, completed_at, status,
		       orphaned_batches_found, batches_recovered, batches_cleaned_up, batches_expired,
		       error_message, details
		FROM reconciliation_runs
		WHERE ($1::uuid IS NULL OR transform_id = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`, filter.TransformID, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.ReconciliationRun
	for rows.Next() {
		var run domain.ReconciliationRun
		var errMsg *string
		var details []byte
		if err := rows.Scan(
			&run.ID,
			&run.RunType,
			&run.TransformID,
			&run.StartedAt,
			&run.CompletedAt,
			&run.Status,
			&run.OrphanedFound,
			&run.Recovered,
			&run.CleanedUp,
			&run.Expired,
			&errMsg,
			&details,
		); err != nil {
			return nil, fmt.Errorf("scan reconciliation run: %w", err)
		}
		run.ErrorMessage = derefString(errMsg)
		if details != nil {
			if err := json.Unmarshal(details, &run.Details); err != nil {
				return nil, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
