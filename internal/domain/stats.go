package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransformStats — агрегированные счётчики отправки и завершения
// по трансформации в рамках текущего прогона.
//
// Инвариант: DispatchedUnits >= Completed + Failed.
// InFlight не хранится, а вычисляется как Outstanding.
// Счётчики сбрасываются только при старте нового прогона.
type TransformStats struct {
	TransformID       uuid.UUID  `json:"transform_id"`
	RunID             uuid.UUID  `json:"run_id"`
	DispatchedBatches int64      `json:"dispatched_batches"`
	DispatchedUnits   int64      `json:"dispatched_units"`
	Completed         int64      `json:"completed"`
	Failed            int64      `json:"failed"`
	InFlight          int64      `json:"in_flight"`
	LastDispatchAt    *time.Time `json:"last_dispatch_at,omitempty"`
	LastActivityAt    *time.Time `json:"last_activity_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Outstanding возвращает количество отправленных, но не завершённых единиц.
func (s *TransformStats) Outstanding() int64 {
	n := s.DispatchedUnits - s.Completed - s.Failed
	if n < 0 {
		return 0
	}
	return n
}

// Done возвращает true, если все отправленные единицы завершены.
func (s *TransformStats) Done() bool {
	return s.DispatchedUnits > 0 && s.Outstanding() == 0
}

// JobOutcome — финальная запись по единице работы.
//
// Уникальна по (transform_id, run_id, unit_key): при повторной доставке
// того же job вторая запись не создаётся и счётчики не меняются.
type JobOutcome struct {
	TransformID uuid.UUID     `json:"transform_id"`
	RunID       uuid.UUID     `json:"run_id"`
	UnitKey     string        `json:"unit_key"`
	JobID       uuid.UUID     `json:"job_id"`
	Kind        JobKind       `json:"kind"`
	Status      OutcomeStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// NewJobOutcome создаёт запись результата для job.
func NewJobOutcome(job *Job, status OutcomeStatus, errMsg string, attempts int) *JobOutcome {
	return &JobOutcome{
		TransformID: job.TransformID,
		RunID:       job.RunID,
		UnitKey:     job.UnitKey,
		JobID:       job.ID,
		Kind:        job.Kind,
		Status:      status,
		Error:       errMsg,
		Attempts:    attempts,
		FinishedAt:  time.Now(),
	}
}
