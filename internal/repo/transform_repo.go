package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

// TransformRepo — репозиторий трансформаций.
type TransformRepo struct {
	pool *pgxpool.Pool
}

// NewTransformRepo создаёт новый TransformRepo.
func NewTransformRepo(pool *pgxpool.Pool) *TransformRepo {
	return &TransformRepo{pool: pool}
}

const transformColumns = `id, owner_id, resource_id, kind, enabled, current_run_id, config, created_at`

// CreateTransform создаёт трансформацию.
func (r *TransformRepo) CreateTransform(ctx context.Context, t *domain.Transform) error {
	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	query := `
		INSERT INTO transforms (` + transformColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.pool.Exec(ctx, query,
		t.ID,
		t.OwnerID,
		t.ResourceID,
		t.Kind,
		t.Enabled,
		t.CurrentRunID,
		configJSON,
		t.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert transform: %w", err)
	}
	return nil
}

// GetTransform возвращает трансформацию по ID.
func (r *TransformRepo) GetTransform(ctx context.Context, id uuid.UUID) (*domain.Transform, error) {
	query := `SELECT ` + transformColumns + ` FROM transforms WHERE id = $1`
	return scanTransform(r.pool.QueryRow(ctx, query, id))
}

// ListTransforms возвращает все трансформации.
func (r *TransformRepo) ListTransforms(ctx context.Context) ([]domain.Transform, error) {
	return r.list(ctx, `SELECT `+transformColumns+` FROM transforms ORDER BY created_at`)
}

// ListEnabledTransforms возвращает включённые трансформации.
func (r *TransformRepo) ListEnabledTransforms(ctx context.Context) ([]domain.Transform, error) {
	return r.list(ctx, `SELECT `+transformColumns+` FROM transforms WHERE enabled ORDER BY created_at`)
}

func (r *TransformRepo) list(ctx context.Context, query string) ([]domain.Transform, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list transforms: %w", err)
	}
	defer rows.Close()

	var transforms []domain.Transform
	for rows.Next() {
		t, err := scanTransform(rows)
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, *t)
	}
	return transforms, rows.Err()
}

// StartRun начинает новый прогон трансформации.
//
// В одной транзакции: новый current_run_id, обнулённые stats
// для нового прогона и освобождённые dedup-ключи трансформации,
// чтобы Scanner заново отправил все единицы.
func (r *TransformRepo) StartRun(ctx context.Context, transformID uuid.UUID) (*domain.Transform, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	runID := uuid.New()
	now := time.Now()

	t, err := scanTransform(tx.QueryRow(ctx, `
		UPDATE transforms SET current_run_id = $2
		WHERE id = $1
		RETURNING `+transformColumns,
		transformID, runID,
	))
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO transform_stats (transform_id, run_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (transform_id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			dispatched_batches = 0,
			dispatched_units = 0,
			completed = 0,
			failed = 0,
			last_dispatch_at = NULL,
			last_activity_at = NULL,
			updated_at = EXCLUDED.updated_at
	`, transformID, runID, now)
	if err != nil {
		return nil, fmt.Errorf("reset stats: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM dispatch_dedup WHERE dedup_key LIKE $1`, dedupPattern(transformID)); err != nil {
		return nil, fmt.Errorf("release dedup keys: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE work_units SET dispatched_at = NULL WHERE transform_id = $1`, transformID); err != nil {
		return nil, fmt.Errorf("reset units: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

// scanTransform сканирует строку в Transform. Работает и для Row, и для Rows.
func scanTransform(row pgx.Row) (*domain.Transform, error) {
	var t domain.Transform
	var configJSON []byte

	err := row.Scan(
		&t.ID,
		&t.OwnerID,
		&t.ResourceID,
		&t.Kind,
		&t.Enabled,
		&t.CurrentRunID,
		&configJSON,
		&t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transform: %w", err)
	}

	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &t.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return &t, nil
}

// UnitRepo — перечисление единиц работы (реализация Enumerator поверх work_units).
type UnitRepo struct {
	pool *pgxpool.Pool
}

// NewUnitRepo создаёт новый UnitRepo.
func NewUnitRepo(pool *pgxpool.Pool) *UnitRepo {
	return &UnitRepo{pool: pool}
}

// UpsertUnits регистрирует единицы работы. Существующие обновляют атрибуты.
func (r *UnitRepo) UpsertUnits(ctx context.Context, transformID uuid.UUID, units []domain.WorkUnit) error {
	batch := &pgx.Batch{}
	for _, u := range units {
		attrs, err := json.Marshal(u.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes %s: %w", u.Key, err)
		}
		batch.Queue(`
			INSERT INTO work_units (transform_id, unit_key, attributes)
			VALUES ($1, $2, $3)
			ON CONFLICT (transform_id, unit_key) DO UPDATE SET attributes = EXCLUDED.attributes
		`, transformID, u.Key, attrs)
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert units: %w", err)
	}
	return nil
}

// ListUnprocessed возвращает до limit единиц, не обработанных в текущем прогоне
// и не ожидающих в pending ledger. Давно не отправлявшиеся идут первыми.
func (r *UnitRepo) ListUnprocessed(ctx context.Context, t *domain.Transform, limit int) ([]domain.WorkUnit, error) {
	query := `
		SELECT u.unit_key, u.attributes
		FROM work_units u
		WHERE u.transform_id = $1
		  AND u.processed_run_id IS DISTINCT FROM $2
		  AND NOT EXISTS (
			SELECT 1 FROM pending_batches p
			WHERE p.transform_id = u.transform_id
			  AND p.unit_key = u.unit_key
			  AND p.status = 'pending'
		  )
		ORDER BY u.dispatched_at NULLS FIRST, u.unit_key
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, t.ID, t.CurrentRunID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed units: %w", err)
	}
	defer rows.Close()

	var units []domain.WorkUnit
	for rows.Next() {
		u := domain.WorkUnit{TransformID: t.ID}
		var attrs []byte
		if err := rows.Scan(&u.Key, &attrs); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		if attrs != nil {
			if err := json.Unmarshal(attrs, &u.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshal attributes: %w", err)
			}
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// MarkUnitsDispatched отмечает время последней отправки,
// чтобы следующий scan начинал с ещё не отправлявшихся единиц.
func (r *UnitRepo) MarkUnitsDispatched(ctx context.Context, transformID uuid.UUID, keys []string, at time.Time) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE work_units SET dispatched_at = $3
		WHERE transform_id = $1 AND unit_key = ANY($2)
	`, transformID, keys, at)
	if err != nil {
		return fmt.Errorf("mark units dispatched: %w", err)
	}
	return nil
}
