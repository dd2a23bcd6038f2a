package domain

// PendingStatus — статус записи в pending ledger.
//
// Жизненный цикл:
//
//	pending → published
//	        ↘ expired (retry_count > max_retries)
//	        ↘ failed  (payload не удалось восстановить)
type PendingStatus string

const (
	// PendingStatusPending — публикация не подтверждена, ждёт повторной попытки.
	PendingStatusPending PendingStatus = "pending"

	// PendingStatusPublished — batch успешно опубликован при реконсиляции.
	PendingStatusPublished PendingStatus = "published"

	// PendingStatusFailed — запись невозможно переотправить (битый payload).
	PendingStatusFailed PendingStatus = "failed"

	// PendingStatusExpired — исчерпан лимит повторных попыток.
	PendingStatusExpired PendingStatus = "expired"
)

// IsTerminal возвращает true, если запись больше не будет переотправляться.
func (s PendingStatus) IsTerminal() bool {
	switch s {
	case PendingStatusPublished, PendingStatusFailed, PendingStatusExpired:
		return true
	default:
		return false
	}
}

// OutcomeStatus — финальный результат обработки единицы работы.
type OutcomeStatus string

const (
	// OutcomeCompleted — job успешно обработан.
	OutcomeCompleted OutcomeStatus = "completed"

	// OutcomeFailed — job завершился фатальной ошибкой или исчерпал попытки.
	OutcomeFailed OutcomeStatus = "failed"
)

// ReconciliationStatus — статус прогона реконсиляции.
//
// Жизненный цикл:
//
//	running → succeeded
//	        ↘ failed
type ReconciliationStatus string

const (
	// ReconciliationRunning — прогон в процессе.
	ReconciliationRunning ReconciliationStatus = "running"

	// ReconciliationSucceeded — прогон завершён без ошибок.
	ReconciliationSucceeded ReconciliationStatus = "succeeded"

	// ReconciliationFailed — прогон прерван ошибкой хранилища.
	ReconciliationFailed ReconciliationStatus = "failed"
)

// IsTerminal возвращает true, если прогон завершён.
func (s ReconciliationStatus) IsTerminal() bool {
	return s == ReconciliationSucceeded || s == ReconciliationFailed
}

// ReconciliationRunType — источник запуска реконсиляции.
type ReconciliationRunType string

const (
	// RunTypeScheduled — запуск по расписанию.
	RunTypeScheduled ReconciliationRunType = "scheduled"

	// RunTypeManual — ручной запуск оператором.
	RunTypeManual ReconciliationRunType = "manual"
)

// EventType — тип status-события для внешних слушателей.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetrying  EventType = "retrying"
)
