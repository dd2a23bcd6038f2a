package resilience

import (
	"context"
	"errors"
	"fmt"
)

// Kind — класс ошибки, определяющий политику повторов.
type Kind int

const (
	// KindTransient — сетевой таймаут, перегрузка или недоступность зависимости.
	// Повторяется локально или через redelivery брокера.
	KindTransient Kind = iota

	// KindInvalid — битый payload, отсутствующая сущность. Без повторов.
	KindInvalid

	// KindExhausted — исчерпан бюджет повторов. Фатально, уходит в DLQ.
	KindExhausted

	// KindCircuitOpen — зависимость в fast-fail. Для воркера это Transient,
	// но не учитывается в пороге ошибок самого breaker'а.
	KindCircuitOpen
)

// String возвращает имя класса.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindInvalid:
		return "invalid"
	case KindExhausted:
		return "exhausted"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error — классифицированная ошибка.
type Error struct {
	Kind Kind
	// Op — операция, в которой произошла ошибка (для логов).
	Op string
	// Overload — зависимость сообщила о нехватке ресурсов (HTTP 429/503).
	// Сигнал давления для admission controller.
	Overload bool
	Err      error
}

// Error реализует интерфейс error.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap возвращает базовую ошибку.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen — вызов отклонён открытым breaker'ом.
var ErrCircuitOpen = errors.New("circuit open")

// Transient оборачивает err как временную ошибку.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Overloaded оборачивает err как временную ошибку с сигналом перегрузки.
func Overloaded(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Overload: true, Err: err}
}

// Invalid оборачивает err как фатальную ошибку входных данных.
func Invalid(op string, err error) error {
	return &Error{Kind: KindInvalid, Op: op, Err: err}
}

// Exhausted оборачивает err как исчерпание бюджета повторов.
// Флаг Overload исходной ошибки сохраняется.
func Exhausted(op string, err error) error {
	return &Error{Kind: KindExhausted, Op: op, Overload: IsOverload(err), Err: err}
}

// KindOf возвращает класс ошибки.
//
// Неклассифицированные ошибки считаются временными: лучше повторить
// идемпотентную операцию, чем потерять работу.
func KindOf(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrCircuitOpen) {
		return KindCircuitOpen
	}
	return KindTransient
}

// IsOverload возвращает true, если ошибка несёт сигнал перегрузки.
func IsOverload(err error) bool {
	var e *Error
	for err != nil {
		if errors.As(err, &e) {
			if e.Overload {
				return true
			}
			err = e.Err
			continue
		}
		return false
	}
	return false
}

// IsRetryable возвращает true, если ошибку имеет смысл повторить
// в процессе (Retry). CircuitOpen и ошибки контекста не повторяются локально.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return KindOf(err) == KindTransient
}

// IsFatal возвращает true для Invalid и Exhausted.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	return k == KindInvalid || k == KindExhausted
}
