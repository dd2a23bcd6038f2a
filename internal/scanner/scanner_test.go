package scanner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/mq/mqtest"
	"github.com/shaiso/Conveyor/internal/repo/repotest"
)

func newTransform(t *testing.T, store *repotest.Store, units int) *domain.Transform {
	t.Helper()
	ctx := context.Background()

	tr := &domain.Transform{
		ID:         uuid.New(),
		OwnerID:    "owner-1",
		ResourceID: "collection-1",
		Kind:       domain.KindExtraction,
		Enabled:    true,
		CreatedAt:  time.Now(),
	}
	if err := store.CreateTransform(ctx, tr); err != nil {
		t.Fatalf("create transform: %v", err)
	}
	started, err := store.StartRun(ctx, tr.ID)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	list := make([]domain.WorkUnit, units)
	for i := range list {
		key := fmt.Sprintf("doc-%02d.pdf", i)
		list[i] = domain.WorkUnit{Key: key, Attributes: map[string]any{"storage_path": "s3://bucket/" + key}}
	}
	if err := store.UpsertUnits(ctx, tr.ID, list); err != nil {
		t.Fatalf("upsert units: %v", err)
	}
	return started
}

func newScanner(store *repotest.Store, queue *mqtest.Queue) *Scanner {
	return New(Config{
		Transforms: store,
		Enumerator: store,
		Dispatcher: queue,
		Ledger:     store,
		Stats:      store,
		BatchSize:  50,
		MaxRetries: 3,
	})
}

// --- Tick Tests ---

func TestTick_PublishesUnprocessedUnits(t *testing.T) {
	store := repotest.New()
	queue := mqtest.New(mqtest.Config{})
	defer queue.Close()
	tr := newTransform(t, store, 5)

	result, err := newScanner(store, queue).Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}

	if result.Transforms != 1 || result.Units != 5 || result.Published != 5 {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(queue.Published()) != 5 {
		t.Errorf("expected 5 published jobs, got %d", len(queue.Published()))
	}

	stats, err := store.GetStats(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.DispatchedBatches != 1 {
		t.Errorf("expected 1 dispatched batch, got %d", stats.DispatchedBatches)
	}
	if stats.DispatchedUnits != 5 || stats.InFlight != 5 {
		t.Errorf("expected 5 dispatched units in flight, got %+v", stats)
	}
	if stats.RunID != tr.CurrentRunID {
		t.Errorf("stats run %s, want %s", stats.RunID, tr.CurrentRunID)
	}

	for _, job := range queue.Published() {
		if job.RunID != tr.CurrentRunID {
			t.Errorf("job %s carries run %s", job.UnitKey, job.RunID)
		}
		if job.Extraction == nil || job.Extraction.StoragePath == "" {
			t.Errorf("job %s has no extraction spec", job.UnitKey)
		}
	}
}

func TestTick_IdempotentDispatch(t *testing.T) {
	store := repotest.New()
	queue := mqtest.New(mqtest.Config{DedupWindow: time.Hour})
	defer queue.Close()
	tr := newTransform(t, store, 5)
	sc := newScanner(store, queue)
	ctx := context.Background()

	if _, err := sc.Tick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}

	// Единицы ещё не обработаны, второй тик видит их снова
	result, err := sc.Tick(ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if result.Duplicates != 5 || result.Published != 0 {
		t.Errorf("expected 5 duplicates, got %+v", result)
	}
	if len(queue.Published()) != 5 {
		t.Errorf("expected 5 accepted messages, got %d", len(queue.Published()))
	}

	stats, _ := store.GetStats(ctx, tr.ID)
	if stats.DispatchedUnits != 5 || stats.DispatchedBatches != 1 {
		t.Errorf("duplicates must not change counters: %+v", stats)
	}
}

func TestTick_BrokerOutageWritesLedger(t *testing.T) {
	store := repotest.New()
	queue := mqtest.New(mqtest.Config{})
	defer queue.Close()
	tr := newTransform(t, store, 10)
	queue.SetDown(true)
	sc := newScanner(store, queue)

	result, err := sc.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Deferred != 10 || result.Published != 0 || result.Lost != 0 {
		t.Fatalf("expected 10 deferred, got %+v", result)
	}

	pending := store.Pending()
	if len(pending) != 10 {
		t.Fatalf("expected 10 ledger rows, got %d", len(pending))
	}
	for _, p := range pending {
		if p.Status != domain.PendingStatusPending {
			t.Errorf("row %s status %s, want pending", p.UnitKey, p.Status)
		}
		if p.RetryCount != 0 || p.MaxRetries != 3 {
			t.Errorf("row %s retry %d/%d", p.UnitKey, p.RetryCount, p.MaxRetries)
		}
		if p.LastError == "" {
			t.Errorf("row %s has no last error", p.UnitKey)
		}
		if p.TransformID != tr.ID || p.BatchType != domain.KindExtraction {
			t.Errorf("row %s has wrong identity", p.UnitKey)
		}
		if _, err := p.Job(); err != nil {
			t.Errorf("row %s payload not decodable: %v", p.UnitKey, err)
		}
	}

	// Единицы в ledger не отправляются повторно scanner'ом
	result, err = sc.Tick(context.Background())
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if result.Units != 0 {
		t.Errorf("ledger units must be skipped, got %+v", result)
	}
	if len(store.Pending()) != 10 {
		t.Errorf("expected ledger to stay at 10 rows, got %d", len(store.Pending()))
	}

	if _, err := store.GetStats(context.Background(), tr.ID); err != nil {
		t.Fatalf("get stats: %v", err)
	}
}

func TestTick_LedgerFailureLeavesUnitForNextScan(t *testing.T) {
	store := repotest.New()
	queue := mqtest.New(mqtest.Config{})
	defer queue.Close()
	newTransform(t, store, 4)
	sc := newScanner(store, queue)
	ctx := context.Background()

	queue.SetDown(true)
	store.Fail("UpsertPending", errors.New("db down"))

	result, err := sc.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Lost != 4 || result.Deferred != 0 {
		t.Fatalf("expected 4 lost, got %+v", result)
	}
	if len(store.Pending()) != 0 {
		t.Fatalf("expected empty ledger, got %d rows", len(store.Pending()))
	}

	queue.SetDown(false)
	store.Fail("UpsertPending", nil)

	result, err = sc.Tick(ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if result.Published != 4 {
		t.Errorf("expected 4 published on recovery, got %+v", result)
	}
}

func TestTick_NoSilentLoss(t *testing.T) {
	store := repotest.New()
	queue := mqtest.New(mqtest.Config{})
	defer queue.Close()
	tr := newTransform(t, store, 40)

	rng := rand.New(rand.NewPCG(7, 11))
	queue.SetPublishHook(func(*domain.Job) error {
		if rng.IntN(3) == 0 {
			return errors.New("connection reset")
		}
		return nil
	})

	result, err := newScanner(store, queue).Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Published+result.Deferred != 40 {
		t.Fatalf("every unit must be published or deferred: %+v", result)
	}
	if result.Deferred == 0 || result.Published == 0 {
		t.Fatalf("expected a mix of outcomes, got %+v", result)
	}

	seen := make(map[string]string)
	for _, job := range queue.Published() {
		seen[job.UnitKey] = "published"
	}
	for _, p := range store.Pending() {
		if prev, ok := seen[p.UnitKey]; ok {
			t.Errorf("unit %s both %s and pending", p.UnitKey, prev)
		}
		seen[p.UnitKey] = "pending"
	}
	if len(seen) != 40 {
		t.Errorf("expected all 40 units accounted for, got %d", len(seen))
	}

	stats, _ := store.GetStats(context.Background(), tr.ID)
	if stats.DispatchedUnits != int64(result.Published) {
		t.Errorf("dispatched %d, published %d", stats.DispatchedUnits, result.Published)
	}
}

func TestTick_PublishRetryRecoversTransientFailure(t *testing.T) {
	store := repotest.New()
	queue := mqtest.New(mqtest.Config{})
	defer queue.Close()
	newTransform(t, store, 3)

	failures := map[string]int{}
	queue.SetPublishHook(func(job *domain.Job) error {
		failures[job.UnitKey]++
		if failures[job.UnitKey] == 1 {
			return errors.New("timeout")
		}
		return nil
	})

	sc := newScanner(store, queue)
	sc.publishRetry.MaxAttempts = 3
	sc.publishRetry.InitialDelay = time.Millisecond
	sc.publishRetry.MaxDelay = time.Millisecond

	result, err := sc.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Published != 3 || result.Deferred != 0 {
		t.Errorf("expected retries to publish all units, got %+v", result)
	}
}

func TestTick_SkipsDisabledTransforms(t *testing.T) {
	store := repotest.New()
	queue := mqtest.New(mqtest.Config{})
	defer queue.Close()

	disabled := &domain.Transform{
		ID:           uuid.New(),
		OwnerID:      "owner-1",
		ResourceID:   "collection-2",
		Kind:         domain.KindEmbedding,
		Enabled:      false,
		CurrentRunID: uuid.New(),
	}
	if err := store.CreateTransform(context.Background(), disabled); err != nil {
		t.Fatalf("create: %v", err)
	}
	store.UpsertUnits(context.Background(), disabled.ID, []domain.WorkUnit{{Key: "doc"}})

	result, err := newScanner(store, queue).Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Transforms != 0 || len(queue.Published()) != 0 {
		t.Errorf("disabled transform must be skipped: %+v", result)
	}
}

func TestTick_ListTransformsError(t *testing.T) {
	store := repotest.New()
	queue := mqtest.New(mqtest.Config{})
	defer queue.Close()
	store.Fail("ListEnabledTransforms", errors.New("db down"))

	if _, err := newScanner(store, queue).Tick(context.Background()); err == nil {
		t.Fatal("expected error when transforms cannot be listed")
	}
}

// flakyEnumerator отказывает для одной трансформации.
type flakyEnumerator struct {
	*repotest.Store
	broken uuid.UUID
}

func (e *flakyEnumerator) ListUnprocessed(ctx context.Context, t *domain.Transform, limit int) ([]domain.WorkUnit, error) {
	if t.ID == e.broken {
		return nil, errors.New("enumerator unavailable")
	}
	return e.Store.ListUnprocessed(ctx, t, limit)
}

func TestTick_TransformErrorDoesNotBlockOthers(t *testing.T) {
	store := repotest.New()
	queue := mqtest.New(mqtest.Config{})
	defer queue.Close()
	broken := newTransform(t, store, 2)
	newTransform(t, store, 3)

	sc := New(Config{
		Transforms: store,
		Enumerator: &flakyEnumerator{Store: store, broken: broken.ID},
		Dispatcher: queue,
		Ledger:     store,
		Stats:      store,
	})

	result, err := sc.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Transforms != 2 || result.Published != 3 {
		t.Errorf("expected healthy transform to be dispatched, got %+v", result)
	}
}

// eagerWorker завершает каждый job сразу после публикации,
// до того как scanner вернётся из PublishJob.
type eagerWorker struct {
	*mqtest.Queue
	store *repotest.Store
	t     *testing.T
}

func (w *eagerWorker) PublishJob(ctx context.Context, job *domain.Job) (*mq.PublishAck, error) {
	ack, err := w.Queue.PublishJob(ctx, job)
	if err != nil || ack.Duplicate {
		return ack, err
	}
	outcome := domain.NewJobOutcome(job, domain.OutcomeCompleted, "", 1)
	if _, _, err := w.store.RecordOutcome(ctx, outcome); err != nil {
		w.t.Fatalf("record outcome: %v", err)
	}
	stats, _ := w.store.GetStats(ctx, job.TransformID)
	if stats.DispatchedUnits < stats.Completed+stats.Failed+stats.InFlight {
		w.t.Errorf("unit %s: dispatched %d < completed %d + failed %d + in flight %d",
			job.UnitKey, stats.DispatchedUnits, stats.Completed, stats.Failed, stats.InFlight)
	}
	return ack, nil
}

func TestTick_CompletionDuringPublishKeepsCounters(t *testing.T) {
	store := repotest.New()
	queue := mqtest.New(mqtest.Config{})
	defer queue.Close()
	tr := newTransform(t, store, 3)

	sc := New(Config{
		Transforms: store,
		Enumerator: store,
		Dispatcher: &eagerWorker{Queue: queue, store: store, t: t},
		Ledger:     store,
		Stats:      store,
	})

	result, err := sc.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Published != 3 {
		t.Fatalf("expected 3 published, got %+v", result)
	}

	stats, _ := store.GetStats(context.Background(), tr.ID)
	if stats.DispatchedUnits != 3 || stats.Completed != 3 || stats.InFlight != 0 {
		t.Errorf("expected 3 dispatched, 3 completed, 0 in flight, got %+v", stats)
	}
	if !stats.Done() {
		t.Error("transform must be done")
	}
}

func TestTick_ReleasesReservationForUnsentUnits(t *testing.T) {
	store := repotest.New()
	queue := mqtest.New(mqtest.Config{})
	defer queue.Close()
	tr := newTransform(t, store, 6)

	calls := 0
	queue.SetPublishHook(func(*domain.Job) error {
		calls++
		if calls%2 == 0 {
			return errors.New("connection reset")
		}
		return nil
	})

	result, err := newScanner(store, queue).Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Published != 3 || result.Deferred != 3 {
		t.Fatalf("expected 3 published and 3 deferred, got %+v", result)
	}

	stats, _ := store.GetStats(context.Background(), tr.ID)
	if stats.DispatchedUnits != 3 || stats.InFlight != 3 || stats.DispatchedBatches != 1 {
		t.Errorf("reservation for deferred units must be released: %+v", stats)
	}
}

func TestTick_ReservationFailureSkipsPublish(t *testing.T) {
	store := repotest.New()
	queue := mqtest.New(mqtest.Config{})
	defer queue.Close()
	newTransform(t, store, 2)
	store.Fail("RecordDispatch", errors.New("db down"))

	result, err := newScanner(store, queue).Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Published != 0 || len(queue.Published()) != 0 {
		t.Errorf("nothing may be published without counters, got %+v", result)
	}
}

// brokenJobEnumerator отдаёт единицу, из которой нельзя собрать job.
type brokenJobEnumerator struct {
	*repotest.Store
	marked []string
}

func (e *brokenJobEnumerator) ListUnprocessed(ctx context.Context, t *domain.Transform, limit int) ([]domain.WorkUnit, error) {
	units, err := e.Store.ListUnprocessed(ctx, t, limit)
	if err != nil {
		return nil, err
	}
	return append(units, domain.WorkUnit{TransformID: t.ID, Key: ""}), nil
}

func (e *brokenJobEnumerator) MarkUnitsDispatched(ctx context.Context, transformID uuid.UUID, keys []string, at time.Time) error {
	e.marked = append(e.marked, keys...)
	return e.Store.MarkUnitsDispatched(ctx, transformID, keys, at)
}

func TestTick_InvalidUnitIsMarked(t *testing.T) {
	store := repotest.New()
	queue := mqtest.New(mqtest.Config{})
	defer queue.Close()
	tr := newTransform(t, store, 2)
	enum := &brokenJobEnumerator{Store: store}

	sc := New(Config{
		Transforms: store,
		Enumerator: enum,
		Dispatcher: queue,
		Ledger:     store,
		Stats:      store,
	})

	result, err := sc.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Invalid != 1 || result.Published != 2 {
		t.Fatalf("expected 1 invalid and 2 published, got %+v", result)
	}

	found := false
	for _, k := range enum.marked {
		if k == "" {
			found = true
		}
	}
	if !found {
		t.Errorf("invalid unit must be marked dispatched, marked %v", enum.marked)
	}

	stats, _ := store.GetStats(context.Background(), tr.ID)
	if stats.DispatchedUnits != 2 {
		t.Errorf("invalid unit must not be counted, got %+v", stats)
	}
}
