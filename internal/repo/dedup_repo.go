package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DedupRepo — окно дедупликации публикаций (реализует mq.Deduper).
type DedupRepo struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewDedupRepo создаёт новый DedupRepo.
func NewDedupRepo(pool *pgxpool.Pool) *DedupRepo {
	return &DedupRepo{pool: pool, now: time.Now}
}

// Claim занимает ключ на window. Истёкший ключ занимается заново.
func (r *DedupRepo) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	now := r.now()
	result, err := r.pool.Exec(ctx, `
		INSERT INTO dispatch_dedup (dedup_key, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (dedup_key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE dispatch_dedup.expires_at <= $3
	`, key, now.Add(window), now)
	if err != nil {
		return false, fmt.Errorf("claim dedup key: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// Release освобождает ключ.
func (r *DedupRepo) Release(ctx context.Context, key string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM dispatch_dedup WHERE dedup_key = $1`, key); err != nil {
		return fmt.Errorf("release dedup key: %w", err)
	}
	return nil
}

// Remember занимает ключ на window безусловно.
func (r *DedupRepo) Remember(ctx context.Context, key string, window time.Duration) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dispatch_dedup (dedup_key, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (dedup_key) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, key, r.now().Add(window))
	if err != nil {
		return fmt.Errorf("remember dedup key: %w", err)
	}
	return nil
}

// ReleaseDedupForTransform освобождает все ключи трансформации.
func (r *DedupRepo) ReleaseDedupForTransform(ctx context.Context, transformID uuid.UUID) (int, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM dispatch_dedup WHERE dedup_key LIKE $1`, dedupPattern(transformID))
	if err != nil {
		return 0, fmt.Errorf("release transform dedup keys: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// PruneDedup удаляет истёкшие ключи.
func (r *DedupRepo) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM dispatch_dedup WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("prune dedup keys: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// dedupPattern — LIKE-шаблон ключей трансформации: "{prefix}-{transform_id}-{unit}".
func dedupPattern(transformID uuid.UUID) string {
	return "%-" + transformID.String() + "-%"
}
