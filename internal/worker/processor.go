package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/resilience"
)

// Processor — внешний обработчик jobs, выбираемый по kind.
//
// Process возвращает классифицированную ошибку (resilience.Transient,
// Invalid, Overloaded); неклассифицированная считается временной.
// Обработчик обязан быть идемпотентным: доставка at-least-once.
type Processor interface {
	// Dependency возвращает имя внешней зависимости kind для circuit breaker'а.
	Dependency(kind domain.JobKind) string
	Process(ctx context.Context, job *domain.Job) error
}

// KindProcessor — обработчик одного типа работы.
type KindProcessor interface {
	Dependency() string
	Process(ctx context.Context, job *domain.Job) error
}

// ProcessFunc превращает функцию в KindProcessor.
type ProcessFunc struct {
	Name string
	Fn   func(ctx context.Context, job *domain.Job) error
}

// Dependency возвращает имя зависимости.
func (f ProcessFunc) Dependency() string { return f.Name }

// Process вызывает Fn.
func (f ProcessFunc) Process(ctx context.Context, job *domain.Job) error { return f.Fn(ctx, job) }

// ProcessorRegistry — реестр processor'ов по kind. Реализует Processor.
type ProcessorRegistry struct {
	mu         sync.RWMutex
	processors map[domain.JobKind]KindProcessor
}

// NewProcessorRegistry создаёт пустой реестр.
func NewProcessorRegistry() *ProcessorRegistry {
	return &ProcessorRegistry{processors: make(map[domain.JobKind]KindProcessor)}
}

// Register добавляет processor для kind.
func (r *ProcessorRegistry) Register(kind domain.JobKind, p KindProcessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[kind] = p
}

// Get возвращает processor для kind.
func (r *ProcessorRegistry) Get(kind domain.JobKind) (KindProcessor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return p, nil
}

// Kinds возвращает зарегистрированные типы работы.
func (r *ProcessorRegistry) Kinds() []domain.JobKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]domain.JobKind, 0, len(r.processors))
	for k := range r.processors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Dependency возвращает имя зависимости kind. Для незарегистрированного
// kind используется само имя kind.
func (r *ProcessorRegistry) Dependency(kind domain.JobKind) string {
	p, err := r.Get(kind)
	if err != nil || p.Dependency() == "" {
		return string(kind)
	}
	return p.Dependency()
}

// Process проверяет job и передаёт его processor'у по kind.
// Неизвестный kind и несоответствие payload — Invalid.
func (r *ProcessorRegistry) Process(ctx context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return resilience.Invalid("validate job", err)
	}

	switch job.Kind {
	case domain.KindExtraction:
		return r.ProcessExtraction(ctx, job)
	case domain.KindEmbedding:
		return r.ProcessEmbedding(ctx, job)
	case domain.KindVisualization:
		return r.ProcessVisualization(ctx, job)
	default:
		return resilience.Invalid("dispatch job", fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind))
	}
}

// ProcessExtraction обрабатывает job извлечения текста.
func (r *ProcessorRegistry) ProcessExtraction(ctx context.Context, job *domain.Job) error {
	return r.dispatch(ctx, domain.KindExtraction, job)
}

// ProcessEmbedding обрабатывает job построения эмбеддингов.
func (r *ProcessorRegistry) ProcessEmbedding(ctx context.Context, job *domain.Job) error {
	return r.dispatch(ctx, domain.KindEmbedding, job)
}

// ProcessVisualization обрабатывает job построения проекции.
func (r *ProcessorRegistry) ProcessVisualization(ctx context.Context, job *domain.Job) error {
	return r.dispatch(ctx, domain.KindVisualization, job)
}

func (r *ProcessorRegistry) dispatch(ctx context.Context, kind domain.JobKind, job *domain.Job) error {
	p, err := r.Get(kind)
	if err != nil {
		return resilience.Invalid("dispatch job", err)
	}
	return p.Process(ctx, job)
}
