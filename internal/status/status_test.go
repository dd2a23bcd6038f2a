package status

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	dto "github.com/prometheus/client_model/go"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

func testEvent(owner string, kind domain.JobKind, transform uuid.UUID) domain.StatusEvent {
	return domain.StatusEvent{
		Type:        domain.EventCompleted,
		Kind:        kind,
		TransformID: transform,
		OwnerID:     owner,
		ResourceID:  "dataset-1",
		Timestamp:   time.Now(),
	}
}

// --- Filter Tests ---

func TestFilter_Pattern(t *testing.T) {
	id := uuid.MustParse("00000000-0000-4000-8000-000000000042")

	tests := []struct {
		name   string
		filter Filter
		want   string
	}{
		{"owner", Filter{OwnerID: "acme"}, "status.*.acme.*.*"},
		{"transform", Filter{TransformID: id}, "status.*.*.*." + id.String()},
		{"kind and owner", Filter{Kind: domain.KindEmbedding, OwnerID: "acme"}, "status.embedding.acme.*.*"},
		{"everything", Filter{}, "status.*.*.*.*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Pattern(); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestFilter_Match(t *testing.T) {
	id := uuid.New()
	ev := testEvent("acme", domain.KindEmbedding, id)

	if !(Filter{OwnerID: "acme"}).Match(ev) {
		t.Error("owner filter should match")
	}
	if !(Filter{TransformID: id}).Match(ev) {
		t.Error("transform filter should match")
	}
	if (Filter{OwnerID: "other"}).Match(ev) {
		t.Error("other owner should not match")
	}
	if (Filter{Kind: domain.KindExtraction}).Match(ev) {
		t.Error("other kind should not match")
	}
}

// --- Bus Tests ---

func TestBus_DeliversMatchingEvents(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got := make(chan domain.StatusEvent, 4)
	go bus.Subscribe(ctx, Filter{OwnerID: "acme"}, func(ev domain.StatusEvent) {
		got <- ev
	})

	for bus.Subscribers() == 0 {
		time.Sleep(time.Millisecond)
	}

	bus.Emit(ctx, testEvent("other", domain.KindExtraction, uuid.New()))
	bus.Emit(ctx, testEvent("acme", domain.KindExtraction, uuid.New()))

	select {
	case ev := <-got:
		if ev.OwnerID != "acme" {
			t.Errorf("unexpected event for %s", ev.OwnerID)
		}
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}

	if len(bus.Events()) != 2 {
		t.Errorf("expected 2 recorded events, got %d", len(bus.Events()))
	}
	if len(bus.EventsOf(domain.EventCompleted)) != 2 {
		t.Error("EventsOf should filter by type")
	}
}

// --- Publisher Tests ---

type fakeSender struct {
	mu     sync.Mutex
	err    error
	block  bool
	routes []string
}

func (f *fakeSender) PublishTransient(ctx context.Context, exchange mq.Exchange, routingKey string, msg *mq.Message) error {
	f.mu.Lock()
	err, block := f.err, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.routes = append(f.routes, string(exchange)+"/"+routingKey)
	f.mu.Unlock()
	return nil
}

func droppedEvents(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	if err := telemetry.StatusDropped.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestPublisher_EmitRoutesBySubject(t *testing.T) {
	sender := &fakeSender{}
	p := NewPublisher(PublisherConfig{Publisher: sender})
	ev := testEvent("acme", domain.KindExtraction, uuid.New())

	before := droppedEvents(t)
	p.Emit(context.Background(), ev)

	if len(sender.routes) != 1 || sender.routes[0] != string(mq.ExchangeStatus)+"/"+ev.Subject() {
		t.Errorf("unexpected routes %v", sender.routes)
	}
	if droppedEvents(t) != before {
		t.Error("published event must not count as dropped")
	}
}

func TestPublisher_EmitDropsOnError(t *testing.T) {
	var logs bytes.Buffer
	sender := &fakeSender{err: errors.New("channel closed")}
	p := NewPublisher(PublisherConfig{
		Publisher: sender,
		Logger:    slog.New(slog.NewTextHandler(&logs, nil)),
	})

	before := droppedEvents(t)
	p.Emit(context.Background(), testEvent("acme", domain.KindExtraction, uuid.New()))

	if got := droppedEvents(t) - before; got != 1 {
		t.Errorf("expected 1 dropped event, got %v", got)
	}
	if !strings.Contains(logs.String(), "status event dropped") {
		t.Errorf("drop must be logged, got %q", logs.String())
	}
}

func TestPublisher_EmitDoesNotBlockJob(t *testing.T) {
	sender := &fakeSender{block: true}
	p := NewPublisher(PublisherConfig{
		Publisher: sender,
		Timeout:   20 * time.Millisecond,
		Logger:    slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})

	before := droppedEvents(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Emit(context.Background(), testEvent("acme", domain.KindExtraction, uuid.New()))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit must give up after its timeout")
	}
	if got := droppedEvents(t) - before; got != 1 {
		t.Errorf("expected timed out event to be dropped, got %v", got)
	}
}
