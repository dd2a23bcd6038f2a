package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/admission"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/mq/mqtest"
	"github.com/shaiso/Conveyor/internal/repo/repotest"
	"github.com/shaiso/Conveyor/internal/resilience"
	"github.com/shaiso/Conveyor/internal/status"
)

type harness struct {
	queue *mqtest.Queue
	store *repotest.Store
	bus   *status.Bus
	tr    *domain.Transform
}

func fastQueue(maxDeliver int, ackWait time.Duration) mq.QueueConfig {
	return mq.QueueConfig{
		MaxDeliver: maxDeliver,
		AckWait:    ackWait,
		Prefetch:   1,
		Redelivery: resilience.RetryPolicy{
			MaxAttempts:  maxDeliver,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		},
	}
}

func newHarness(t *testing.T, qcfg mq.QueueConfig) *harness {
	t.Helper()
	ctx := context.Background()

	queue := mqtest.New(mqtest.Config{
		Queues: map[domain.JobKind]mq.QueueConfig{domain.KindExtraction: qcfg},
	})
	t.Cleanup(queue.Close)

	store := repotest.New()
	tr := &domain.Transform{
		ID:         uuid.New(),
		OwnerID:    "owner-1",
		ResourceID: "collection-1",
		Kind:       domain.KindExtraction,
		Enabled:    true,
	}
	if err := store.CreateTransform(ctx, tr); err != nil {
		t.Fatalf("create transform: %v", err)
	}
	started, err := store.StartRun(ctx, tr.ID)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	return &harness{queue: queue, store: store, bus: status.NewBus(), tr: started}
}

func (h *harness) publish(t *testing.T, key string) *domain.Job {
	t.Helper()
	unit := domain.WorkUnit{
		TransformID: h.tr.ID,
		Key:         key,
		Attributes:  map[string]any{"storage_path": "s3://bucket/" + key},
	}
	h.store.UpsertUnits(context.Background(), h.tr.ID, []domain.WorkUnit{unit})

	job, err := domain.NewJob(h.tr, unit)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if _, err := h.queue.PublishJob(context.Background(), job); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := h.store.RecordDispatch(context.Background(), h.tr.ID, h.tr.CurrentRunID, 1); err != nil {
		t.Fatalf("record dispatch: %v", err)
	}
	return job
}

func (h *harness) worker(p Processor, mutate func(*Config)) *Worker {
	cfg := Config{
		Queue:           h.queue,
		Outcomes:        h.store,
		Status:          h.bus,
		Processor:       p,
		Kinds:           []domain.JobKind{domain.KindExtraction},
		ShutdownGrace:   time.Second,
		DeadLetterFatal: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func extractor(fn func(ctx context.Context, job *domain.Job) error) *ProcessorRegistry {
	reg := NewProcessorRegistry()
	reg.Register(domain.KindExtraction, ProcessFunc{Name: "extractor", Fn: fn})
	return reg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- Worker Tests ---

func TestWorker_ProcessesJobs(t *testing.T) {
	h := newHarness(t, fastQueue(5, time.Minute))
	for i := 0; i < 3; i++ {
		h.publish(t, fmt.Sprintf("doc-%d.pdf", i))
	}

	var calls atomic.Int32
	w := h.worker(extractor(func(ctx context.Context, job *domain.Job) error {
		calls.Add(1)
		if job.Extraction == nil || job.Extraction.StoragePath == "" {
			return resilience.Invalid("test", errors.New("missing spec"))
		}
		return nil
	}), nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "3 completed events", func() bool { return len(h.bus.EventsOf(domain.EventCompleted)) == 3 })
	w.Stop()

	if calls.Load() != 3 {
		t.Errorf("expected 3 processor calls, got %d", calls.Load())
	}
	if h.queue.Acked() != 3 {
		t.Errorf("expected 3 acks, got %d", h.queue.Acked())
	}
	if got := len(h.bus.EventsOf(domain.EventStarted)); got != 3 {
		t.Errorf("expected 3 started events, got %d", got)
	}

	outcomes := h.store.Outcomes()
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Status != domain.OutcomeCompleted || o.Attempts != 1 {
			t.Errorf("outcome %s: %s after %d attempts", o.UnitKey, o.Status, o.Attempts)
		}
	}

	stats, _ := h.store.GetStats(context.Background(), h.tr.ID)
	if stats.Completed != 3 || stats.InFlight != 0 || !stats.Done() {
		t.Errorf("unexpected stats: %+v", stats)
	}

	last := h.bus.EventsOf(domain.EventCompleted)[2]
	if last.Stats == nil || last.Subject() != domain.StatusSubject(string(domain.KindExtraction), "owner-1", "collection-1", h.tr.ID.String()) {
		t.Errorf("completed event not addressed to the transform: %+v", last)
	}
}

func TestWorker_RetryExhaustion(t *testing.T) {
	h := newHarness(t, fastQueue(5, time.Minute))
	h.publish(t, "flaky.pdf")

	var calls atomic.Int32
	w := h.worker(extractor(func(ctx context.Context, job *domain.Job) error {
		calls.Add(1)
		return resilience.Transient("extract", errors.New("storage timeout"))
	}), nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "failed event", func() bool { return len(h.bus.EventsOf(domain.EventFailed)) == 1 })
	waitFor(t, "idle queue", func() bool { return h.queue.Outstanding() == 0 })
	time.Sleep(20 * time.Millisecond)
	w.Stop()

	if calls.Load() != 5 {
		t.Errorf("expected 5 attempts, got %d", calls.Load())
	}
	if h.queue.Delivered() != 5 {
		t.Errorf("expected no redelivery after exhaustion, got %d deliveries", h.queue.Delivered())
	}
	if got := len(h.bus.EventsOf(domain.EventFailed)); got != 1 {
		t.Errorf("expected exactly one failed event, got %d", got)
	}
	if got := len(h.bus.EventsOf(domain.EventRetrying)); got != 4 {
		t.Errorf("expected 4 retrying events, got %d", got)
	}

	dead := h.queue.DeadLetters()
	if len(dead) != 1 || dead[0].Attempts != 5 {
		t.Fatalf("expected one dead letter after 5 attempts, got %+v", dead)
	}

	outcomes := h.store.Outcomes()
	if len(outcomes) != 1 || outcomes[0].Status != domain.OutcomeFailed || outcomes[0].Attempts != 5 {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
	if outcomes[0].Error == "" {
		t.Error("failed outcome must carry the error")
	}

	failed := h.bus.EventsOf(domain.EventFailed)[0]
	if failed.Attempt != 5 || failed.Error == "" {
		t.Errorf("unexpected failed event: %+v", failed)
	}

	stats, _ := h.store.GetStats(context.Background(), h.tr.ID)
	if stats.Failed != 1 || stats.Completed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestWorker_FatalErrorAckedWithoutRetry(t *testing.T) {
	h := newHarness(t, fastQueue(5, time.Minute))
	h.publish(t, "broken.pdf")

	var calls atomic.Int32
	w := h.worker(extractor(func(ctx context.Context, job *domain.Job) error {
		calls.Add(1)
		return resilience.Invalid("extract", errors.New("document not found"))
	}), func(cfg *Config) { cfg.DeadLetterFatal = false })

	w.Start(context.Background())
	waitFor(t, "failed event", func() bool { return len(h.bus.EventsOf(domain.EventFailed)) == 1 })
	w.Stop()

	if calls.Load() != 1 {
		t.Errorf("invalid job must not be retried, got %d calls", calls.Load())
	}
	if h.queue.Acked() != 1 || len(h.queue.DeadLetters()) != 0 {
		t.Errorf("expected ack without dead letter, acked %d dead %d", h.queue.Acked(), len(h.queue.DeadLetters()))
	}
	if got := len(h.bus.EventsOf(domain.EventRetrying)); got != 0 {
		t.Errorf("expected no retrying events, got %d", got)
	}
}

func TestWorker_CrashMidJobRedelivered(t *testing.T) {
	h := newHarness(t, fastQueue(5, 100*time.Millisecond))
	h.publish(t, "slow.pdf")

	started := make(chan struct{})
	var once atomic.Bool
	crashed := h.worker(extractor(func(ctx context.Context, job *domain.Job) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}), func(cfg *Config) { cfg.ShutdownGrace = 10 * time.Millisecond })

	crashed.Start(context.Background())
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not delivered")
	}
	crashed.Stop()

	if h.queue.Acked() != 0 || len(h.store.Outcomes()) != 0 {
		t.Fatal("abandoned job must stay unsettled")
	}

	live := h.worker(extractor(func(ctx context.Context, job *domain.Job) error {
		return nil
	}), nil)
	live.Start(context.Background())
	waitFor(t, "completed event", func() bool { return len(h.bus.EventsOf(domain.EventCompleted)) == 1 })
	live.Stop()

	outcomes := h.store.Outcomes()
	if len(outcomes) != 1 {
		t.Fatalf("expected exactly one outcome, got %d", len(outcomes))
	}
	if outcomes[0].Status != domain.OutcomeCompleted || outcomes[0].Attempts != 2 {
		t.Errorf("unexpected outcome: %+v", outcomes[0])
	}
	if got := len(h.bus.EventsOf(domain.EventFailed)); got != 0 {
		t.Errorf("expected no failed events, got %d", got)
	}
}

func TestWorker_StopDrainsInFlightJob(t *testing.T) {
	h := newHarness(t, fastQueue(5, time.Minute))
	h.publish(t, "long.pdf")

	started := make(chan struct{})
	release := make(chan struct{})
	w := h.worker(extractor(func(ctx context.Context, job *domain.Job) error {
		close(started)
		<-release
		return nil
	}), func(cfg *Config) { cfg.ShutdownGrace = 5 * time.Second })

	w.Start(context.Background())
	<-started
	go w.Stop()

	// Приём остановлен, job ещё выполняется
	time.Sleep(50 * time.Millisecond)
	select {
	case <-w.Done():
		t.Fatal("stop must wait for the in-flight job")
	default:
	}
	close(release)

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	if h.queue.Acked() != 1 || h.queue.Requeued() != 0 {
		t.Errorf("job finished within grace must be acked, acked %d requeued %d", h.queue.Acked(), h.queue.Requeued())
	}
	if h.queue.Outstanding() != 0 {
		t.Errorf("expected empty queue, got %d outstanding", h.queue.Outstanding())
	}
	outcomes := h.store.Outcomes()
	if len(outcomes) != 1 || outcomes[0].Status != domain.OutcomeCompleted {
		t.Errorf("expected one completed outcome, got %+v", outcomes)
	}
	if got := len(h.bus.EventsOf(domain.EventCompleted)); got != 1 {
		t.Errorf("expected completed event, got %d", got)
	}
}

func TestWorker_StopAfterGraceRequeuesJob(t *testing.T) {
	h := newHarness(t, fastQueue(5, time.Minute))
	h.publish(t, "stuck.pdf")

	started := make(chan struct{})
	w := h.worker(extractor(func(ctx context.Context, job *domain.Job) error {
		close(started)
		<-ctx.Done()
		return resilience.Transient("extract", ctx.Err())
	}), func(cfg *Config) { cfg.ShutdownGrace = 20 * time.Millisecond })

	w.Start(context.Background())
	<-started

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop must not wait past the grace period")
	}

	if h.queue.Acked() != 0 || len(h.store.Outcomes()) != 0 {
		t.Errorf("cancelled job must not be settled, acked %d", h.queue.Acked())
	}
	if h.queue.Requeued() != 1 || h.queue.Outstanding() != 1 {
		t.Errorf("cancelled job must return to the queue, requeued %d outstanding %d",
			h.queue.Requeued(), h.queue.Outstanding())
	}
	if len(h.queue.DeadLetters()) != 0 || len(h.bus.EventsOf(domain.EventRetrying)) != 0 {
		t.Error("shutdown must not count as a failed attempt")
	}
}

func TestWorker_DuplicateDeliveryAckedWithoutEvent(t *testing.T) {
	h := newHarness(t, fastQueue(5, time.Minute))
	job := h.publish(t, "done.pdf")

	prior := domain.NewJobOutcome(job, domain.OutcomeCompleted, "", 1)
	if _, _, err := h.store.RecordOutcome(context.Background(), prior); err != nil {
		t.Fatalf("record prior outcome: %v", err)
	}

	w := h.worker(extractor(func(ctx context.Context, job *domain.Job) error { return nil }), nil)
	w.Start(context.Background())
	waitFor(t, "ack", func() bool { return h.queue.Acked() == 1 })
	w.Stop()

	if got := len(h.bus.EventsOf(domain.EventCompleted)); got != 0 {
		t.Errorf("duplicate must not emit a completed event, got %d", got)
	}
	stats, _ := h.store.GetStats(context.Background(), h.tr.ID)
	if stats.Completed != 1 {
		t.Errorf("duplicate must not change counters, completed %d", stats.Completed)
	}
}

func TestWorker_RecordFailureRedelivers(t *testing.T) {
	h := newHarness(t, fastQueue(5, time.Minute))
	h.publish(t, "doc.pdf")
	h.store.Fail("RecordOutcome", errors.New("db down"))

	w := h.worker(extractor(func(ctx context.Context, job *domain.Job) error { return nil }), nil)
	w.Start(context.Background())

	waitFor(t, "redelivery", func() bool { return h.queue.Delivered() >= 2 })
	if h.queue.Acked() != 0 {
		t.Fatal("job must not be acked without a durable outcome")
	}

	h.store.Fail("RecordOutcome", nil)
	waitFor(t, "completed event", func() bool { return len(h.bus.EventsOf(domain.EventCompleted)) == 1 })
	w.Stop()

	if h.queue.Acked() != 1 || len(h.store.Outcomes()) != 1 {
		t.Errorf("expected one ack and one outcome, got %d and %d", h.queue.Acked(), len(h.store.Outcomes()))
	}
}

func TestWorker_OverloadReducesAdmission(t *testing.T) {
	h := newHarness(t, fastQueue(2, time.Minute))
	h.publish(t, "doc.pdf")

	ctrl := admission.New(admission.Config{Floor: 1, Ceiling: 8, Initial: 4, Cooldown: time.Hour})
	w := h.worker(extractor(func(ctx context.Context, job *domain.Job) error {
		return resilience.Overloaded("embed", errors.New("HTTP 503"))
	}), func(cfg *Config) { cfg.Limiter = ctrl })

	w.Start(context.Background())
	waitFor(t, "failed event", func() bool { return len(h.bus.EventsOf(domain.EventFailed)) == 1 })
	w.Stop()

	if ctrl.Limit() >= 4 {
		t.Errorf("expected limit to drop below 4 after overload, got %d", ctrl.Limit())
	}
	if snap := ctrl.Snapshot(); snap.InFlight != 0 {
		t.Errorf("all permits must be released, in flight %d", snap.InFlight)
	}
}

func TestWorker_OpenBreakerSkipsProcessor(t *testing.T) {
	h := newHarness(t, fastQueue(3, time.Minute))
	h.publish(t, "doc.pdf")

	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{
		FailureThreshold: 1,
		OpenTimeout:      time.Hour,
	})

	var calls atomic.Int32
	w := h.worker(extractor(func(ctx context.Context, job *domain.Job) error {
		calls.Add(1)
		return resilience.Transient("extract", errors.New("connection refused"))
	}), func(cfg *Config) { cfg.Breakers = breakers })

	w.Start(context.Background())
	waitFor(t, "failed event", func() bool { return len(h.bus.EventsOf(domain.EventFailed)) == 1 })
	w.Stop()

	if calls.Load() != 1 {
		t.Errorf("open breaker must not invoke the processor, got %d calls", calls.Load())
	}
	if state := breakers.Get("extractor").State(); state != resilience.StateOpen {
		t.Errorf("expected open breaker, got %s", state)
	}

	outcomes := h.store.Outcomes()
	if len(outcomes) != 1 || outcomes[0].Attempts != 3 {
		t.Errorf("expected failure after 3 attempts, got %+v", outcomes)
	}
}

func TestWorker_UnparseableMessageDeadLettered(t *testing.T) {
	h := newHarness(t, fastQueue(5, time.Minute))
	h.queue.Publish(domain.KindExtraction, mq.Message{ID: "bad", Type: mq.MessageTypeJob, Payload: "garbage"})

	var calls atomic.Int32
	w := h.worker(extractor(func(ctx context.Context, job *domain.Job) error {
		calls.Add(1)
		return nil
	}), nil)

	w.Start(context.Background())
	waitFor(t, "dead letter", func() bool { return len(h.queue.DeadLetters()) == 1 })
	w.Stop()

	if calls.Load() != 0 {
		t.Errorf("processor must not see unparseable messages, got %d calls", calls.Load())
	}
	if len(h.bus.Events()) != 0 {
		t.Errorf("expected no status events, got %d", len(h.bus.Events()))
	}
}

func TestWorker_StartValidation(t *testing.T) {
	if err := New(Config{}).Start(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Errorf("expected ErrNoSource, got %v", err)
	}

	queue := mqtest.New(mqtest.Config{})
	defer queue.Close()
	if err := New(Config{Queue: queue}).Start(context.Background()); !errors.Is(err, ErrNoProcessor) {
		t.Errorf("expected ErrNoProcessor, got %v", err)
	}

	w := New(Config{Queue: queue, Processor: NewProcessorRegistry(), Kinds: []domain.JobKind{domain.KindEmbedding}})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	w.Stop()
	w.Stop()

	select {
	case <-w.Done():
	default:
		t.Error("Done must be closed after Stop")
	}
}

// --- Classify Tests ---

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeSuccess},
		{"transient", resilience.Transient("op", errors.New("timeout")), OutcomeRetryable},
		{"overloaded", resilience.Overloaded("op", errors.New("503")), OutcomeRetryable},
		{"circuit open", fmt.Errorf("call: %w", resilience.ErrCircuitOpen), OutcomeRetryable},
		{"unclassified", errors.New("boom"), OutcomeRetryable},
		{"invalid", resilience.Invalid("op", errors.New("bad payload")), OutcomeFatal},
		{"exhausted", resilience.Exhausted("op", errors.New("timeout")), OutcomeFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}
