package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq/mqtest"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/repo/repotest"
	"github.com/shaiso/Conveyor/internal/resilience"
	"github.com/shaiso/Conveyor/internal/scanner"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock *clock
	store *repotest.Store
	queue *mqtest.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := newClock()
	store := repotest.New()
	store.SetNow(c.Now)
	queue := mqtest.New(mqtest.Config{DedupWindow: time.Hour, Now: c.Now})
	t.Cleanup(queue.Close)
	return &fixture{clock: c, store: store, queue: queue}
}

func (f *fixture) transform(t *testing.T, units int) *domain.Transform {
	t.Helper()
	ctx := context.Background()
	tr := &domain.Transform{
		ID:         uuid.New(),
		OwnerID:    "owner-1",
		ResourceID: "collection-1",
		Kind:       domain.KindEmbedding,
		Enabled:    true,
		Config:     map[string]any{"model": "text-embed-small"},
	}
	if err := f.store.CreateTransform(ctx, tr); err != nil {
		t.Fatalf("create transform: %v", err)
	}
	started, err := f.store.StartRun(ctx, tr.ID)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	list := make([]domain.WorkUnit, units)
	for i := range list {
		list[i] = domain.WorkUnit{
			Key:        fmt.Sprintf("doc-%02d", i),
			Attributes: map[string]any{"chunk_ids": []any{"c1", "c2"}},
		}
	}
	if err := f.store.UpsertUnits(ctx, tr.ID, list); err != nil {
		t.Fatalf("upsert units: %v", err)
	}
	return started
}

func (f *fixture) scanner() *scanner.Scanner {
	return scanner.New(scanner.Config{
		Transforms: f.store,
		Enumerator: f.store,
		Dispatcher: f.queue,
		Ledger:     f.store,
		Stats:      f.store,
		MaxRetries: 3,
		Now:        f.clock.Now,
	})
}

func (f *fixture) runner(policy OrphanPolicy) *Runner {
	return New(Config{
		Ledger: f.store,
		Stats:  f.store,
		Runs:   f.store,
		Dedup:  f.store,
		Queue:  f.queue,
		Backoff: resilience.RetryPolicy{
			InitialDelay: time.Minute,
			MaxDelay:     time.Hour,
			Multiplier:   2,
		},
		StalenessThreshold: 30 * time.Minute,
		Retention:          time.Hour,
		OrphanPolicy:       policy,
		Now:                f.clock.Now,
	})
}

// --- Sweep Tests ---

func TestSweep_RecoversAfterBrokerOutage(t *testing.T) {
	f := newFixture(t)
	tr := f.transform(t, 10)
	ctx := context.Background()

	f.queue.SetDown(true)
	result, err := f.scanner().Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Deferred != 10 {
		t.Fatalf("expected 10 ledger rows, got %+v", result)
	}

	f.queue.SetDown(false)
	run, err := f.runner(OrphanReport).Sweep(ctx, SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if run.Recovered != 10 {
		t.Errorf("expected 10 recovered, got %d", run.Recovered)
	}
	if run.Status != domain.ReconciliationSucceeded {
		t.Errorf("expected succeeded, got %s (%s)", run.Status, run.ErrorMessage)
	}
	if got := len(f.queue.Published()); got != 10 {
		t.Errorf("expected 10 published jobs, got %d", got)
	}
	for _, p := range f.store.Pending() {
		if p.Status != domain.PendingStatusPublished {
			t.Errorf("row %s status %s, want published", p.UnitKey, p.Status)
		}
	}
	for _, job := range f.queue.Published() {
		if job.AttemptHint != 1 {
			t.Errorf("job %s attempt hint %d, want 1", job.UnitKey, job.AttemptHint)
		}
	}

	stats, _ := f.store.GetStats(ctx, tr.ID)
	if stats.DispatchedUnits != 10 {
		t.Errorf("recovered jobs must count as dispatched, got %d", stats.DispatchedUnits)
	}

	runs, _ := f.store.ListReconciliationRuns(ctx, repo.RunFilter{})
	if len(runs) != 1 || runs[0].Recovered != 10 || runs[0].CompletedAt == nil {
		t.Errorf("run not persisted: %+v", runs)
	}
}

func TestSweep_FailedRepublishSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	tr := f.transform(t, 2)
	ctx := context.Background()

	f.queue.SetDown(true)
	f.scanner().Tick(ctx)

	run, err := f.runner(OrphanReport).Sweep(ctx, SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if run.Recovered != 0 || run.Expired != 0 {
		t.Errorf("unexpected counts: %+v", run)
	}
	if stats, _ := f.store.GetStats(ctx, tr.ID); stats.DispatchedUnits != 0 || stats.DispatchedBatches != 0 {
		t.Errorf("failed republish must release its reservation: %+v", stats)
	}

	for _, p := range f.store.Pending() {
		if p.Status != domain.PendingStatusPending || p.RetryCount != 1 {
			t.Errorf("row %s: status %s retry %d", p.UnitKey, p.Status, p.RetryCount)
		}
		want := f.clock.Now().Add(time.Minute)
		if !p.NextRetryAt.Equal(want) {
			t.Errorf("row %s next retry %v, want %v", p.UnitKey, p.NextRetryAt, want)
		}
	}

	// До next_retry_at записи не переотправляются
	f.queue.SetDown(false)
	run, _ = f.runner(OrphanReport).Sweep(ctx, SweepOptions{})
	if run.Recovered != 0 {
		t.Errorf("rows are not due yet, recovered %d", run.Recovered)
	}

	f.clock.Advance(2 * time.Minute)
	run, _ = f.runner(OrphanReport).Sweep(ctx, SweepOptions{})
	if run.Recovered != 2 {
		t.Errorf("expected 2 recovered after backoff, got %d", run.Recovered)
	}
}

func TestSweep_ReservationFailureKeepsRow(t *testing.T) {
	f := newFixture(t)
	f.transform(t, 1)
	ctx := context.Background()

	f.queue.SetDown(true)
	f.scanner().Tick(ctx)
	f.queue.SetDown(false)
	f.store.Fail("RecordDispatch", errors.New("db down"))

	run, err := f.runner(OrphanReport).Sweep(ctx, SweepOptions{})
	if err == nil {
		t.Fatal("expected sweep error when dispatch cannot be reserved")
	}
	if run.Recovered != 0 || len(f.queue.Published()) != 0 {
		t.Errorf("row must not be republished without counters: %+v", run)
	}
	for _, p := range f.store.Pending() {
		if p.Status != domain.PendingStatusPending {
			t.Errorf("row %s status %s, want pending", p.UnitKey, p.Status)
		}
	}
}

func TestSweep_RedrivesOldestFirst(t *testing.T) {
	f := newFixture(t)
	tr := f.transform(t, 2)
	ctx := context.Background()

	older, _ := domain.NewJob(tr, domain.WorkUnit{TransformID: tr.ID, Key: "doc-00"})
	entry, _ := domain.NewPendingBatch(older, errors.New("down"), 5, f.clock.Now())
	entry.NextRetryAt = f.clock.Now().Add(time.Minute)
	f.store.UpsertPending(ctx, entry)

	newer, _ := domain.NewJob(tr, domain.WorkUnit{TransformID: tr.ID, Key: "doc-01"})
	entry, _ = domain.NewPendingBatch(newer, errors.New("down"), 5, f.clock.Now().Add(time.Second))
	f.store.UpsertPending(ctx, entry)

	f.clock.Advance(2 * time.Minute)
	runner := f.runner(OrphanReport)
	runner.batchSize = 1

	run, err := runner.Sweep(ctx, SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if run.Recovered != 2 {
		t.Fatalf("expected 2 recovered, got %+v", run)
	}
	published := f.queue.Published()
	if published[0].UnitKey != "doc-00" || published[1].UnitKey != "doc-01" {
		t.Errorf("expected oldest row first, got %s then %s", published[0].UnitKey, published[1].UnitKey)
	}
}

func TestSweep_ExpiresAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	tr := f.transform(t, 1)
	ctx := context.Background()

	job, err := domain.NewJob(tr, domain.WorkUnit{TransformID: tr.ID, Key: "doc-00"})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	entry, _ := domain.NewPendingBatch(job, errors.New("broker down"), 1, f.clock.Now())
	if _, err := f.store.UpsertPending(ctx, entry); err != nil {
		t.Fatalf("upsert pending: %v", err)
	}

	f.queue.SetDown(true)
	runner := f.runner(OrphanReport)

	run, _ := runner.Sweep(ctx, SweepOptions{})
	if run.Expired != 0 {
		t.Fatalf("first failure must not expire, got %+v", run)
	}

	f.clock.Advance(10 * time.Minute)
	run, _ = runner.Sweep(ctx, SweepOptions{})
	if run.Expired != 1 {
		t.Fatalf("expected expiry on second failure, got %+v", run)
	}

	pending := f.store.Pending()
	if len(pending) != 1 || pending[0].Status != domain.PendingStatusExpired {
		t.Fatalf("expected expired row, got %+v", pending)
	}
	if pending[0].RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", pending[0].RetryCount)
	}

	// Expired-запись больше не переотправляется
	f.queue.SetDown(false)
	f.clock.Advance(time.Hour)
	run, _ = runner.Sweep(ctx, SweepOptions{})
	if run.Recovered != 0 || len(f.queue.Published()) != 0 {
		t.Errorf("expired row must stay terminal, got %+v", run)
	}
}

func TestSweep_UndecodablePayloadMarkedFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := &domain.PendingBatch{
		ID:          uuid.New(),
		BatchType:   domain.KindExtraction,
		TransformID: uuid.New(),
		UnitKey:     "broken",
		Payload:     []byte(`{"kind":`),
		MaxRetries:  3,
		NextRetryAt: f.clock.Now(),
		Status:      domain.PendingStatusPending,
		CreatedAt:   f.clock.Now(),
		UpdatedAt:   f.clock.Now(),
	}
	f.store.UpsertPending(ctx, entry)

	run, err := f.runner(OrphanReport).Sweep(ctx, SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if run.Details["failed"] != 1 {
		t.Errorf("expected 1 failed row in details, got %v", run.Details["failed"])
	}
	if p := f.store.Pending()[0]; p.Status != domain.PendingStatusFailed {
		t.Errorf("expected failed row, got %s", p.Status)
	}
}

func TestSweep_NeverDecreasesCounters(t *testing.T) {
	f := newFixture(t)
	tr := f.transform(t, 6)
	ctx := context.Background()

	f.scanner().Tick(ctx)
	for _, job := range f.queue.Published()[:4] {
		o := domain.NewJobOutcome(job, domain.OutcomeCompleted, "", 1)
		if _, _, err := f.store.RecordOutcome(ctx, o); err != nil {
			t.Fatalf("record outcome: %v", err)
		}
	}
	before, _ := f.store.GetStats(ctx, tr.ID)

	runner := f.runner(OrphanReenumerate)
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Hour)
		if _, err := runner.Sweep(ctx, SweepOptions{}); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		after, _ := f.store.GetStats(ctx, tr.ID)
		if after.DispatchedUnits < before.DispatchedUnits ||
			after.Completed < before.Completed ||
			after.Failed < before.Failed {
			t.Fatalf("counters decreased: before %+v after %+v", before, after)
		}
		before = after
	}
}

func TestSweep_IdempotentWhenNothingChanged(t *testing.T) {
	f := newFixture(t)
	f.transform(t, 3)
	ctx := context.Background()
	runner := f.runner(OrphanReport)

	f.queue.SetDown(true)
	f.scanner().Tick(ctx)
	f.queue.SetDown(false)

	if _, err := runner.Sweep(ctx, SweepOptions{}); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	snapshot := make(map[uuid.UUID]domain.PendingBatch)
	for _, p := range f.store.Pending() {
		snapshot[p.ID] = p
	}

	run, err := runner.Sweep(ctx, SweepOptions{})
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if run.Recovered != 0 || run.Expired != 0 || run.CleanedUp != 0 {
		t.Errorf("second sweep must be a no-op, got %+v", run)
	}
	for _, p := range f.store.Pending() {
		prev := snapshot[p.ID]
		if prev.Status != p.Status || prev.RetryCount != p.RetryCount {
			t.Errorf("row %s changed: %s/%d -> %s/%d", p.UnitKey, prev.Status, prev.RetryCount, p.Status, p.RetryCount)
		}
	}
	if len(f.queue.Published()) != 3 {
		t.Errorf("expected 3 published jobs, got %d", len(f.queue.Published()))
	}
}

func orphanFixture(t *testing.T) (*fixture, *domain.Transform) {
	t.Helper()
	f := newFixture(t)
	tr := f.transform(t, 3)
	ctx := context.Background()

	if _, err := f.scanner().Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// Ключи занимает Store как Deduper для проверки политики
	for _, job := range f.queue.Published() {
		f.store.Claim(ctx, job.DedupKey, 24*time.Hour)
	}
	f.clock.Advance(time.Hour)
	return f, tr
}

func TestSweep_OrphanReportOnly(t *testing.T) {
	f, tr := orphanFixture(t)
	ctx := context.Background()
	before, _ := f.store.GetStats(ctx, tr.ID)

	run, err := f.runner(OrphanReport).Sweep(ctx, SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if run.OrphanedFound != 1 {
		t.Errorf("expected 1 orphan, got %d", run.OrphanedFound)
	}
	if f.store.DedupKeys() != 3 {
		t.Errorf("report policy must keep dedup keys, got %d", f.store.DedupKeys())
	}

	after, _ := f.store.GetStats(ctx, tr.ID)
	if after.DispatchedUnits != before.DispatchedUnits ||
		after.Completed != before.Completed ||
		after.Failed != before.Failed ||
		after.InFlight != before.InFlight {
		t.Errorf("orphan check must not mutate counters: %+v -> %+v", before, after)
	}
}

func TestSweep_OrphanReenumerateReleasesKeys(t *testing.T) {
	f, tr := orphanFixture(t)
	ctx := context.Background()

	run, err := f.runner(OrphanReenumerate).Sweep(ctx, SweepOptions{TransformID: &tr.ID, RunType: domain.RunTypeManual})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if run.OrphanedFound != 1 {
		t.Errorf("expected 1 orphan, got %d", run.OrphanedFound)
	}
	if run.RunType != domain.RunTypeManual || run.TransformID == nil || *run.TransformID != tr.ID {
		t.Errorf("run scope not recorded: %+v", run)
	}
	if f.store.DedupKeys() != 0 {
		t.Errorf("expected dedup keys released, got %d", f.store.DedupKeys())
	}
	if run.Details["dedup_released"] != 3 {
		t.Errorf("expected 3 released keys, got %v", run.Details["dedup_released"])
	}
}

func TestSweep_NoOrphanWhileLedgerHoldsRows(t *testing.T) {
	f := newFixture(t)
	tr := f.transform(t, 2)
	ctx := context.Background()

	f.store.RecordDispatch(ctx, tr.ID, tr.CurrentRunID, 1)
	job, _ := domain.NewJob(tr, domain.WorkUnit{TransformID: tr.ID, Key: "doc-01"})
	entry, _ := domain.NewPendingBatch(job, errors.New("down"), 5, f.clock.Now().Add(time.Hour))
	entry.NextRetryAt = f.clock.Now().Add(24 * time.Hour)
	f.store.UpsertPending(ctx, entry)
	f.clock.Advance(time.Hour)

	run, _ := f.runner(OrphanReport).Sweep(ctx, SweepOptions{})
	if run.OrphanedFound != 0 {
		t.Errorf("transform with ledger rows is not orphaned, got %d", run.OrphanedFound)
	}
}

func TestSweep_PrunesResolvedRows(t *testing.T) {
	f := newFixture(t)
	f.transform(t, 4)
	ctx := context.Background()
	runner := f.runner(OrphanReport)

	f.queue.SetDown(true)
	f.scanner().Tick(ctx)
	f.queue.SetDown(false)
	runner.Sweep(ctx, SweepOptions{})

	f.clock.Advance(2 * time.Hour)
	run, err := runner.Sweep(ctx, SweepOptions{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if run.CleanedUp != 4 {
		t.Errorf("expected 4 cleaned up, got %d", run.CleanedUp)
	}
	if len(f.store.Pending()) != 0 {
		t.Errorf("expected empty ledger, got %d", len(f.store.Pending()))
	}
}

func TestSweep_StorageErrorFailsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Fail("ListDuePending", errors.New("db down"))

	run, err := f.runner(OrphanReport).Sweep(ctx, SweepOptions{})
	if err == nil {
		t.Fatal("expected sweep error")
	}
	if run.Status != domain.ReconciliationFailed || run.ErrorMessage == "" {
		t.Errorf("expected failed run with message, got %+v", run)
	}

	runs, _ := f.store.ListReconciliationRuns(ctx, repo.RunFilter{})
	if len(runs) != 1 || runs[0].Status != domain.ReconciliationFailed {
		t.Errorf("failed run not persisted: %+v", runs)
	}
}

// --- OrphanPolicy Tests ---

func TestParseOrphanPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    OrphanPolicy
		wantErr bool
	}{
		{"", OrphanReport, false},
		{"report", OrphanReport, false},
		{"reenumerate", OrphanReenumerate, false},
		{"delete", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOrphanPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOrphanPolicy(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseOrphanPolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
