package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

// LedgerRepo — pending ledger: batches, публикацию которых не удалось подтвердить.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

// NewLedgerRepo создаёт новый LedgerRepo.
func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// PendingFilter — фильтр для ListPending.
type PendingFilter struct {
	TransformID *uuid.UUID
	Status      *domain.PendingStatus
	Limit       int
	Offset      int
}

const pendingColumns = `id, batch_type, transform_id, unit_key, payload, retry_count, max_retries,
	last_error, next_retry_at, status, created_at, updated_at`

// UpsertPending создаёт запись или обновляет last_error существующей
// активной записи. retry_count существующей записи не сбрасывается.
// Возвращает сохранённую запись.
func (r *LedgerRepo) UpsertPending(ctx context.Context, entry *domain.PendingBatch) (*domain.PendingBatch, error) {
	query := `
		INSERT INTO pending_batches (` + pendingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (batch_type, transform_id, unit_key) WHERE status = 'pending'
		DO UPDATE SET
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + pendingColumns
	return scanPending(r.pool.QueryRow(ctx, query,
		entry.ID,
		entry.BatchType,
		entry.TransformID,
		entry.UnitKey,
		entry.Payload,
		entry.RetryCount,
		entry.MaxRetries,
		nullString(entry.LastError),
		entry.NextRetryAt,
		entry.Status,
		entry.CreatedAt,
		entry.UpdatedAt,
	))
}

// DueFilter — параметры аренды due-записей.
type DueFilter struct {
	Now   time.Time
	Limit int

	// Lease — на сколько сдвигается next_retry_at арендованных записей.
	Lease time.Duration

	// TransformID — если задан, только записи этой трансформации.
	TransformID *uuid.UUID
}

// ListDuePending арендует до Limit активных записей с next_retry_at <= Now.
//
// Выбранным записям next_retry_at сдвигается на Now+Lease, поэтому
// параллельный sweep их не увидит. Если sweep упадёт, записи станут
// due снова после аренды.
func (r *LedgerRepo) ListDuePending(ctx context.Context, f DueFilter) ([]domain.PendingBatch, error) {
	query := `
		UPDATE pending_batches SET next_retry_at = $3
		WHERE id IN (
			SELECT id FROM pending_batches
			WHERE status = 'pending' AND next_retry_at <= $1
			  AND ($4::uuid IS NULL OR transform_id = $4)
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + pendingColumns
	rows, err := r.pool.Query(ctx, query, f.Now, f.Limit, f.Now.Add(f.Lease), nullUUID(f.TransformID))
	if err != nil {
		return nil, fmt.Errorf("list due pending: %w", err)
	}
	defer rows.Close()

	entries, err := collectPending(rows)
	if err != nil {
		return nil, err
	}
	sortPendingDue(entries)
	return entries, nil
}

// MarkPendingPublished переводит активную запись в published.
func (r *LedgerRepo) MarkPendingPublished(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.execActive(ctx, `
		UPDATE pending_batches SET status = 'published', last_error = NULL, updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, now)
}

// SchedulePendingRetry сохраняет retry_count, last_error и next_retry_at.
func (r *LedgerRepo) SchedulePendingRetry(ctx context.Context, entry *domain.PendingBatch) error {
	return r.execActive(ctx, `
		UPDATE pending_batches
		SET retry_count = $2, last_error = $3, next_retry_at = $4, updated_at = $5
		WHERE id = $1 AND status = 'pending'
	`, entry.ID, entry.RetryCount, nullString(entry.LastError), entry.NextRetryAt, entry.UpdatedAt)
}

// MarkPendingExpired переводит запись в expired с итоговым retry_count.
func (r *LedgerRepo) MarkPendingExpired(ctx context.Context, entry *domain.PendingBatch) error {
	return r.execActive(ctx, `
		UPDATE pending_batches
		SET status = 'expired', retry_count = $2, last_error = $3, updated_at = $4
		WHERE id = $1 AND status = 'pending'
	`, entry.ID, entry.RetryCount, nullString(entry.LastError), entry.UpdatedAt)
}

// MarkPendingFailed переводит запись в failed (payload не восстанавливается).
func (r *LedgerRepo) MarkPendingFailed(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error {
	return r.execActive(ctx, `
		UPDATE pending_batches SET status = 'failed', last_error = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, nullString(errMsg), now)
}

func (r *LedgerRepo) execActive(ctx context.Context, query string, args ...any) error {
	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update pending: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// PrunePendingResolved удаляет published-записи, обновлённые раньше before.
func (r *LedgerRepo) PrunePendingResolved(ctx context.Context, before time.Time) (int, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM pending_batches WHERE status = 'published' AND updated_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("prune pending: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// CountPending возвращает число активных записей.
func (r *LedgerRepo) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM pending_batches WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// ListPending возвращает записи с фильтрацией, новые первыми.
func (r *LedgerRepo) ListPending(ctx context.Context, filter PendingFilter) ([]domain.PendingBatch, error) {
	query := `
		SELECT ` + pendingColumns + `
		FROM pending_batches
		WHERE ($1::uuid IS NULL OR transform_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}

	rows, err := r.pool.Query(ctx, query, filter.TransformID, status, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()
	return collectPending(rows)
}

func collectPending(rows pgx.Rows) ([]domain.PendingBatch, error) {
	var entries []domain.PendingBatch
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *p)
	}
	return entries, rows.Err()
}

func scanPending(row pgx.Row) (*domain.PendingBatch, error) {
	var p domain.PendingBatch
	var lastError *string

	err := row.Scan(
		&p.ID,
		&p.BatchType,
		&p.TransformID,
		&p.UnitKey,
		&p.Payload,
		&p.RetryCount,
		&p.MaxRetries,
		&lastError,
		&p.NextRetryAt,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending batch: %w", err)
	}
	p.LastError = derefString(lastError)
	return &p, nil
}

// sortPendingDue упорядочивает арендованные записи: RETURNING порядок не гарантирует.
func sortPendingDue(entries []domain.PendingBatch) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
