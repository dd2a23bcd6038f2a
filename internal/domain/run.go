package domain

import (
	"time"

	"github.com/google/uuid"
)

// ReconciliationRun — один прогон реконсиляции.
//
// Создаётся в начале sweep и закрывается в конце.
// Таблица append-only: прогоны не изменяются после завершения.
type ReconciliationRun struct {
	// ID — уникальный идентификатор прогона.
	ID uuid.UUID `json:"id"`

	// RunType — scheduled или manual.
	RunType ReconciliationRunType `json:"run_type"`

	// TransformID — если задан, прогон ограничен одной трансформацией.
	TransformID *uuid.UUID `json:"transform_id,omitempty"`

	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	Status      ReconciliationStatus `json:"status"`

	// OrphanedFound — трансформации с отправленными, но не завершёнными
	// единицами без активности и без pending-записей.
	OrphanedFound int `json:"orphaned_batches_found"`

	// Recovered — pending-записи, успешно переотправленные в этом прогоне.
	Recovered int `json:"batches_recovered"`

	// CleanedUp — удалённые published-записи старше retention.
	CleanedUp int `json:"batches_cleaned_up"`

	// Expired — записи, исчерпавшие лимит попыток в этом прогоне.
	Expired int `json:"batches_expired"`

	ErrorMessage string         `json:"error_message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// NewReconciliationRun создаёт прогон в статусе running.
func NewReconciliationRun(runType ReconciliationRunType, transformID *uuid.UUID) *ReconciliationRun {
	return &ReconciliationRun{
		ID:          uuid.New(),
		RunType:     runType,
		TransformID: transformID,
		StartedAt:   time.Now(),
		Status:      ReconciliationRunning,
		Details:     map[string]any{},
	}
}

// Duration возвращает продолжительность прогона.
func (r *ReconciliationRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Finish закрывает прогон. Пустой errMsg означает успех.
func (r *ReconciliationRun) Finish(errMsg string) {
	now := time.Now()
	r.CompletedAt = &now
	if errMsg != "" {
		r.Status = ReconciliationFailed
		r.ErrorMessage = errMsg
		return
	}
	r.Status = ReconciliationSucceeded
}
