package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transform — настроенная трансформация над ресурсом владельца
// (извлечение, эмбеддинг или визуализация набора документов).
//
// Сами трансформации создаются внешним CRUD-слоем; ядро только
// читает включённые трансформации и их текущий прогон.
type Transform struct {
	ID         uuid.UUID `json:"id"`
	OwnerID    string    `json:"owner_id"`
	ResourceID string    `json:"resource_id"`
	Kind       JobKind   `json:"kind"`
	Enabled    bool      `json:"enabled"`

	// CurrentRunID — текущий прогон. Счётчики TransformStats
	// сбрасываются при старте нового прогона.
	CurrentRunID uuid.UUID `json:"current_run_id"`

	// Config — параметры трансформации (модель, коллекция, параметры проекции).
	Config map[string]any `json:"config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ConfigString возвращает строковое значение из Config или "".
func (t *Transform) ConfigString(key string) string {
	if v, ok := t.Config[key].(string); ok {
		return v
	}
	return ""
}

// WorkUnit — кандидат на обработку, который вернул enumerator.
type WorkUnit struct {
	TransformID uuid.UUID      `json:"transform_id"`
	Key         string         `json:"key"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// String возвращает строковый атрибут или def.
func (u WorkUnit) String(key, def string) string {
	if v, ok := u.Attributes[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Strings возвращает список строк из атрибута.
// Поддерживает []string и []any (после JSON-декодирования).
func (u WorkUnit) Strings(key string) []string {
	switch v := u.Attributes[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
