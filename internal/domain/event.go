package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// StatusEvent — лёгкое событие прогресса для внешних слушателей
// (SSE/WebSocket мост, агрегирующие счётчики).
//
// Статус — удобство для UI, а не источник истины:
// авторитетны TransformStats и pending ledger.
type StatusEvent struct {
	Type        EventType       `json:"type"`
	Kind        JobKind         `json:"kind"`
	JobID       uuid.UUID       `json:"job_id"`
	TransformID uuid.UUID       `json:"transform_id"`
	RunID       uuid.UUID       `json:"run_id"`
	UnitKey     string          `json:"unit_key"`
	OwnerID     string          `json:"owner_id"`
	ResourceID  string          `json:"resource_id"`
	Attempt     int             `json:"attempt"`
	Error       string          `json:"error,omitempty"`
	Stats       *TransformStats `json:"stats,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewStatusEvent создаёт событие для job.
func NewStatusEvent(eventType EventType, job *Job, attempt int) StatusEvent {
	return StatusEvent{
		Type:        eventType,
		Kind:        job.Kind,
		JobID:       job.ID,
		TransformID: job.TransformID,
		RunID:       job.RunID,
		UnitKey:     job.UnitKey,
		OwnerID:     job.OwnerID,
		ResourceID:  job.ResourceID,
		Attempt:     attempt,
		Timestamp:   time.Now(),
	}
}

// Subject возвращает адрес события:
// status.{kind}.{owner_scope}.{resource_id}.{transform_id}
func (e StatusEvent) Subject() string {
	return StatusSubject(string(e.Kind), e.OwnerID, e.ResourceID, e.TransformID.String())
}

// StatusSubject собирает subject из сегментов.
// Точки, wildcard-символы и пустые значения в сегментах заменяются,
// чтобы не сломать маршрутизацию.
func StatusSubject(kind, owner, resource, transform string) string {
	return strings.Join([]string{
		"status",
		subjectToken(kind),
		subjectToken(owner),
		subjectToken(resource),
		subjectToken(transform),
	}, ".")
}

// StatusPattern собирает binding key для topic exchange.
// Пустой сегмент означает любое значение, остальные экранируются
// так же, как в StatusSubject.
func StatusPattern(kind, owner, resource, transform string) string {
	return strings.Join([]string{
		"status",
		patternToken(kind),
		patternToken(owner),
		patternToken(resource),
		patternToken(transform),
	}, ".")
}

func patternToken(s string) string {
	if s == "" {
		return "*"
	}
	return subjectToken(s)
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", "#", "_", " ", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return subjectReplacer.Replace(s)
}
