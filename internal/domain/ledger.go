package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PendingBatch — запись pending ledger: batch, публикацию которого
// не удалось подтвердить.
//
// Создаётся Scanner'ом при ошибке публикации, изменяется
// Reconciliation Runner'ом. Пока status = pending, запись уникальна
// по (batch_type, transform_id, unit_key).
type PendingBatch struct {
	ID          uuid.UUID     `json:"id"`
	BatchType   JobKind       `json:"batch_type"`
	TransformID uuid.UUID     `json:"transform_id"`
	UnitKey     string        `json:"unit_key"`
	Payload     []byte        `json:"payload"`
	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	LastError   string        `json:"last_error,omitempty"`
	NextRetryAt time.Time     `json:"next_retry_at"`
	Status      PendingStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// NewPendingBatch создаёт запись ledger для job, который не удалось опубликовать.
func NewPendingBatch(job *Job, publishErr error, maxRetries int, now time.Time) (*PendingBatch, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	entry := &PendingBatch{
		ID:          uuid.New(),
		BatchType:   job.Kind,
		TransformID: job.TransformID,
		UnitKey:     job.UnitKey,
		Payload:     payload,
		MaxRetries:  maxRetries,
		NextRetryAt: now,
		Status:      PendingStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if publishErr != nil {
		entry.LastError = publishErr.Error()
	}
	return entry, nil
}

// Job восстанавливает job из payload.
func (p *PendingBatch) Job() (*Job, error) {
	var job Job
	if err := json.Unmarshal(p.Payload, &job); err != nil {
		return nil, fmt.Errorf("%w: unmarshal pending payload: %v", ErrInvalidJob, err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkPublished переводит запись в published.
func (p *PendingBatch) MarkPublished(now time.Time) {
	p.Status = PendingStatusPublished
	p.LastError = ""
	p.UpdatedAt = now
}

// RecordFailure увеличивает retry_count и запоминает ошибку.
// Возвращает true, если лимит попыток исчерпан.
func (p *PendingBatch) RecordFailure(err error, now time.Time) bool {
	p.RetryCount++
	if err != nil {
		p.LastError = err.Error()
	}
	p.UpdatedAt = now
	return p.Exhausted()
}

// Exhausted возвращает true, если retry_count превысил max_retries.
func (p *PendingBatch) Exhausted() bool {
	return p.RetryCount > p.MaxRetries
}

// ScheduleRetry назначает время следующей попытки.
func (p *PendingBatch) ScheduleRetry(next time.Time) {
	p.NextRetryAt = next
}

// MarkExpired переводит запись в expired.
func (p *PendingBatch) MarkExpired(now time.Time) {
	p.Status = PendingStatusExpired
	p.UpdatedAt = now
}

// MarkFailed переводит запись в failed.
func (p *PendingBatch) MarkFailed(err error, now time.Time) {
	p.Status = PendingStatusFailed
	if err != nil {
		p.LastError = err.Error()
	}
	p.UpdatedAt = now
}
