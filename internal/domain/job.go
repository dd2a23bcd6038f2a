package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobKind — тип работы. Каждому типу соответствует своя очередь
// и свой внешний обработчик.
type JobKind string

const (
	KindExtraction    JobKind = "extraction"
	KindEmbedding     JobKind = "embedding"
	KindVisualization JobKind = "visualization"
)

// Kinds возвращает все поддерживаемые типы работы.
func Kinds() []JobKind {
	return []JobKind{KindExtraction, KindEmbedding, KindVisualization}
}

// ParseJobKind парсит строку в JobKind.
func ParseJobKind(s string) (JobKind, error) {
	switch JobKind(s) {
	case KindExtraction, KindEmbedding, KindVisualization:
		return JobKind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Subject возвращает subject очереди для данного типа: work.{kind}.
func (k JobKind) Subject() string {
	return "work." + string(k)
}

// DeadLetterSubject возвращает subject dead-letter очереди: dlq.{kind}.
func (k JobKind) DeadLetterSubject() string {
	return "dlq." + string(k)
}

// RetrySubject возвращает subject очереди отложенной переотправки: retry.{kind}.
func (k JobKind) RetrySubject() string {
	return "retry." + string(k)
}

// DedupPrefix возвращает короткий префикс для ключа дедупликации.
func (k JobKind) DedupPrefix() string {
	switch k {
	case KindExtraction:
		return "ext"
	case KindEmbedding:
		return "emb"
	case KindVisualization:
		return "viz"
	default:
		return string(k)
	}
}

// maxDedupKeyLen — максимальная длина ключа, который передаётся брокеру как есть.
const maxDedupKeyLen = 128

// DedupKey строит детерминированный ключ идемпотентности:
// "{kind-prefix}-{transform_id}-{unit_key}".
//
// Если ключ получается длиннее maxDedupKeyLen, unit_key заменяется
// на SHA-256 от него.
func DedupKey(kind JobKind, transformID uuid.UUID, unitKey string) string {
	key := fmt.Sprintf("%s-%s-%s", kind.DedupPrefix(), transformID, unitKey)
	if len(key) <= maxDedupKeyLen {
		return key
	}
	sum := sha256.Sum256([]byte(unitKey))
	return fmt.Sprintf("%s-%s-%s", kind.DedupPrefix(), transformID, hex.EncodeToString(sum[:]))
}

// ExtractionSpec — параметры извлечения текста из документа.
type ExtractionSpec struct {
	DocumentID  string `json:"document_id"`
	StoragePath string `json:"storage_path"`
	ContentType string `json:"content_type,omitempty"`
}

// EmbeddingSpec — параметры построения эмбеддингов для набора чанков.
type EmbeddingSpec struct {
	DocumentID string   `json:"document_id"`
	ChunkIDs   []string `json:"chunk_ids"`
	Model      string   `json:"model,omitempty"`
	Collection string   `json:"collection,omitempty"`
}

// VisualizationSpec — параметры построения проекции пространства эмбеддингов.
type VisualizationSpec struct {
	EmbeddingSetID string         `json:"embedding_set_id"`
	Params         map[string]any `json:"params,omitempty"`
}

// Job — одна отправленная единица работы.
//
// Job создаётся Scanner'ом (или восстанавливается из pending ledger)
// и обрабатывается одним экземпляром Worker'а. Доставка at-least-once,
// поэтому обработчики обязаны быть идемпотентными.
//
// Payload — tagged union: заполнено ровно одно из полей
// Extraction / Embedding / Visualization, соответствующее Kind.
type Job struct {
	// ID — уникальный идентификатор job.
	ID uuid.UUID `json:"job_id"`

	// TransformID — трансформация, которой принадлежит работа.
	TransformID uuid.UUID `json:"transform_id"`

	// RunID — текущий прогон трансформации на момент отправки.
	RunID uuid.UUID `json:"run_id"`

	// UnitKey — идентификатор единицы работы внутри трансформации.
	UnitKey string `json:"unit_key"`

	// Kind — дискриминант payload.
	Kind JobKind `json:"kind"`

	// DedupKey — ключ идемпотентности (см. DedupKey).
	DedupKey string `json:"dedup_key"`

	// AttemptHint — номер попытки с точки зрения отправителя (ledger retry).
	AttemptHint int `json:"attempt_hint,omitempty"`

	// OwnerID, ResourceID — адресация status-событий.
	OwnerID    string `json:"owner_id"`
	ResourceID string `json:"resource_id"`

	Extraction    *ExtractionSpec    `json:"extraction,omitempty"`
	Embedding     *EmbeddingSpec     `json:"embedding,omitempty"`
	Visualization *VisualizationSpec `json:"visualization,omitempty"`

	// CreatedAt — время создания job.
	CreatedAt time.Time `json:"created_at"`
}

// NewJob создаёт job для единицы работы трансформации.
func NewJob(t *Transform, unit WorkUnit) (*Job, error) {
	job := &Job{
		ID:          uuid.New(),
		TransformID: t.ID,
		RunID:       t.CurrentRunID,
		UnitKey:     unit.Key,
		Kind:        t.Kind,
		DedupKey:    DedupKey(t.Kind, t.ID, unit.Key),
		OwnerID:     t.OwnerID,
		ResourceID:  t.ResourceID,
		CreatedAt:   time.Now(),
	}

	switch t.Kind {
	case KindExtraction:
		job.Extraction = &ExtractionSpec{
			DocumentID:  unit.String("document_id", unit.Key),
			StoragePath: unit.String("storage_path", ""),
			ContentType: unit.String("content_type", ""),
		}
	case KindEmbedding:
		job.Embedding = &EmbeddingSpec{
			DocumentID: unit.String("document_id", unit.Key),
			ChunkIDs:   unit.Strings("chunk_ids"),
			Model:      t.ConfigString("model"),
			Collection: t.ConfigString("collection"),
		}
	case KindVisualization:
		job.Visualization = &VisualizationSpec{
			EmbeddingSetID: unit.String("embedding_set_id", unit.Key),
			Params:         t.Config,
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, t.Kind)
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// Validate проверяет, что job корректен: заполнены идентификаторы
// и payload соответствует Kind.
func (j *Job) Validate() error {
	if j.TransformID == uuid.Nil {
		return fmt.Errorf("%w: transform_id is required", ErrInvalidJob)
	}
	if j.UnitKey == "" {
		return fmt.Errorf("%w: unit_key is required", ErrInvalidJob)
	}
	if j.DedupKey == "" {
		return fmt.Errorf("%w: dedup_key is required", ErrInvalidJob)
	}

	set := 0
	if j.Extraction != nil {
		set++
	}
	if j.Embedding != nil {
		set++
	}
	if j.Visualization != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one payload must be set, got %d", ErrInvalidJob, set)
	}

	switch j.Kind {
	case KindExtraction:
		if j.Extraction == nil {
			return fmt.Errorf("%w: extraction payload missing", ErrInvalidJob)
		}
	case KindEmbedding:
		if j.Embedding == nil {
			return fmt.Errorf("%w: embedding payload missing", ErrInvalidJob)
		}
	case KindVisualization:
		if j.Visualization == nil {
			return fmt.Errorf("%w: visualization payload missing", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, j.Kind)
	}
	return nil
}

// Ошибки домена.
var (
	// ErrUnknownKind — неизвестный тип работы.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrInvalidJob — job не прошёл валидацию.
	ErrInvalidJob = errors.New("invalid job")
)
