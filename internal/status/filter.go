package status

import (
	"strings"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Filter — подписка на status-события.
// Пустое поле означает любое значение.
type Filter struct {
	Kind        domain.JobKind
	OwnerID     string
	ResourceID  string
	TransformID uuid.UUID
}

// Pattern возвращает binding key для topic exchange.
//
//	Filter{OwnerID: "acme"}              → status.*.acme.*.*
//	Filter{TransformID: id}              → status.*.*.*.{id}
func (f Filter) Pattern() string {
	transform := ""
	if f.TransformID != uuid.Nil {
		transform = f.TransformID.String()
	}
	return domain.StatusPattern(string(f.Kind), f.OwnerID, f.ResourceID, transform)
}

// Match проверяет событие на соответствие фильтру.
func (f Filter) Match(ev domain.StatusEvent) bool {
	want := strings.Split(f.Pattern(), ".")
	got := strings.Split(ev.Subject(), ".")
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != "*" && want[i] != got[i] {
			return false
		}
	}
	return true
}
