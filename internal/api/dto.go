package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Transform DTOs

// CreateTransformRequest — запрос на создание трансформации.
type CreateTransformRequest struct {
	OwnerID    string         `json:"owner_id"`
	ResourceID string         `json:"resource_id"`
	Kind       string         `json:"kind"`
	Enabled    *bool          `json:"enabled,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
}

// TransformResponse — ответ с трансформацией.
type TransformResponse struct {
	ID           uuid.UUID      `json:"id"`
	OwnerID      string         `json:"owner_id"`
	ResourceID   string         `json:"resource_id"`
	Kind         domain.JobKind `json:"kind"`
	Enabled      bool           `json:"enabled"`
	CurrentRunID uuid.UUID      `json:"current_run_id"`
	Config       map[string]any `json:"config,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TransformFromDomain конвертирует domain.Transform в TransformResponse.
func TransformFromDomain(t domain.Transform) TransformResponse {
	return TransformResponse{
		ID:           t.ID,
		OwnerID:      t.OwnerID,
		ResourceID:   t.ResourceID,
		Kind:         t.Kind,
		Enabled:      t.Enabled,
		CurrentRunID: t.CurrentRunID,
		Config:       t.Config,
		CreatedAt:    t.CreatedAt,
	}
}

// Unit DTOs

// UnitRequest — единица работы в запросе.
type UnitRequest struct {
	Key        string         `json:"key"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// AddUnitsRequest — запрос на регистрацию единиц работы.
type AddUnitsRequest struct {
	Units []UnitRequest `json:"units"`
}

// AddUnitsResponse — результат регистрации.
type AddUnitsResponse struct {
	TransformID uuid.UUID `json:"transform_id"`
	Accepted    int       `json:"accepted"`
}

// Stats DTOs

// StatsResponse — счётчики трансформации.
type StatsResponse struct {
	TransformID       uuid.UUID  `json:"transform_id"`
	RunID             uuid.UUID  `json:"run_id"`
	DispatchedBatches int64      `json:"dispatched_batches"`
	DispatchedUnits   int64      `json:"dispatched_units"`
	Completed         int64      `json:"completed"`
	Failed            int64      `json:"failed"`
	InFlight          int64      `json:"in_flight"`
	Outstanding       int64      `json:"outstanding"`
	Done              bool       `json:"done"`
	LastDispatchAt    *time.Time `json:"last_dispatch_at,omitempty"`
	LastActivityAt    *time.Time `json:"last_activity_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// StatsFromDomain конвертирует domain.TransformStats в StatsResponse.
func StatsFromDomain(s domain.TransformStats) StatsResponse {
	return StatsResponse{
		TransformID:       s.TransformID,
		RunID:             s.RunID,
		DispatchedBatches: s.DispatchedBatches,
		DispatchedUnits:   s.DispatchedUnits,
		Completed:         s.Completed,
		Failed:            s.Failed,
		InFlight:          s.InFlight,
		Outstanding:       s.Outstanding(),
		Done:              s.Done(),
		LastDispatchAt:    s.LastDispatchAt,
		LastActivityAt:    s.LastActivityAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

// Ledger DTOs

// PendingResponse — запись pending ledger без сериализованного job.
type PendingResponse struct {
	ID          uuid.UUID            `json:"id"`
	BatchType   domain.JobKind       `json:"batch_type"`
	TransformID uuid.UUID            `json:"transform_id"`
	UnitKey     string               `json:"unit_key"`
	RetryCount  int                  `json:"retry_count"`
	MaxRetries  int                  `json:"max_retries"`
	LastError   string               `json:"last_error,omitempty"`
	NextRetryAt time.Time            `json:"next_retry_at"`
	Status      domain.PendingStatus `json:"status"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// PendingFromDomain конвертирует domain.PendingBatch в PendingResponse.
func PendingFromDomain(p domain.PendingBatch) PendingResponse {
	return PendingResponse{
		ID:          p.ID,
		BatchType:   p.BatchType,
		TransformID: p.TransformID,
		UnitKey:     p.UnitKey,
		RetryCount:  p.RetryCount,
		MaxRetries:  p.MaxRetries,
		LastError:   p.LastError,
		NextRetryAt: p.NextRetryAt,
		Status:      p.Status,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// Reconciliation DTOs

// ReconciliationRunResponse — прогон reconciliation.
type ReconciliationRunResponse struct {
	ID            uuid.UUID                    `json:"id"`
	RunType       domain.ReconciliationRunType `json:"run_type"`
	TransformID   *uuid.UUID                   `json:"transform_id,omitempty"`
	Status        domain.ReconciliationStatus  `json:"status"`
	StartedAt     time.Time                    `json:"started_at"`
	CompletedAt   *time.Time                   `json:"completed_at,omitempty"`
	DurationMs    int64                        `json:"duration_ms"`
	OrphanedFound int                          `json:"orphaned_batches_found"`
	Recovered     int                          `json:"batches_recovered"`
	CleanedUp     int                          `json:"batches_cleaned_up"`
	Expired       int                          `json:"batches_expired"`
	ErrorMessage  string                       `json:"error_message,omitempty"`
	Details       map[string]any               `json:"details,omitempty"`
}

// ReconciliationRunFromDomain конвертирует domain.ReconciliationRun.
func ReconciliationRunFromDomain(r domain.ReconciliationRun) ReconciliationRunResponse {
	return ReconciliationRunResponse{
		ID:            r.ID,
		RunType:       r.RunType,
		TransformID:   r.TransformID,
		Status:        r.Status,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		DurationMs:    r.Duration().Milliseconds(),
		OrphanedFound: r.OrphanedFound,
		Recovered:     r.Recovered,
		CleanedUp:     r.CleanedUp,
		Expired:       r.Expired,
		ErrorMessage:  r.ErrorMessage,
		Details:       r.Details,
	}
}
