package status

import (
	"context"
	"sync"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Bus — in-memory Emitter и Source в одном процессе.
// Используется в тестах и при запуске без брокера.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscription
	events []domain.StatusEvent
}

type subscription struct {
	filter Filter
	ch     chan domain.StatusEvent
}

// NewBus создаёт пустую шину.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscription)}
}

// Emit рассылает событие подписчикам. Медленный подписчик теряет событие.
func (b *Bus) Emit(ctx context.Context, ev domain.StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, ev)
	for _, s := range b.subs {
		if !s.filter.Match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Subscribe вызывает fn для событий, подходящих под фильтр, до отмены ctx.
func (b *Bus) Subscribe(ctx context.Context, f Filter, fn func(domain.StatusEvent)) error {
	ch := make(chan domain.StatusEvent, 64)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{filter: f, ch: ch}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			fn(ev)
		}
	}
}

// Subscribers возвращает число активных подписок.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Events возвращает все отправленные события.
func (b *Bus) Events() []domain.StatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.StatusEvent(nil), b.events...)
}

// EventsOf возвращает события указанного типа.
func (b *Bus) EventsOf(t domain.EventType) []domain.StatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.StatusEvent
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
