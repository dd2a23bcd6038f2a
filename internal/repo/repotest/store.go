// Package repotest предоставляет in-memory реализацию репозиториев repo.
//
// Store повторяет семантику SQL-запросов: частичную уникальность активных
// pending-записей, аренду due-записей, первый-результат-побеждает для
// job_outcomes и игнорирование отправок под устаревшим run_id.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

type unitState struct {
	unit         domain.WorkUnit
	processedRun uuid.UUID
	dispatchedAt *time.Time
}

type outcomeKey struct {
	transformID uuid.UUID
	runID       uuid.UUID
	unitKey     string
}

// Store — in-memory хранилище с методами TransformRepo, UnitRepo, LedgerRepo,
// StatsRepo, ReconciliationRepo и DedupRepo.
type Store struct {
	mu sync.Mutex

	now        func() time.Time
	transforms map[uuid.UUID]*domain.Transform
	order      []uuid.UUID
	units      map[uuid.UUID]map[string]*unitState
	pending    map[uuid.UUID]*domain.PendingBatch
	stats      map[uuid.UUID]*domain.TransformStats
	outcomes   map[outcomeKey]*domain.JobOutcome
	runs       []*domain.ReconciliationRun
	dedup      map[string]time.Time
	faults     map[string]error
}

// New создаёт пустой Store.
func New() *Store {
	return &Store{
		now:        time.Now,
		transforms: make(map[uuid.UUID]*domain.Transform),
		units:      make(map[uuid.UUID]map[string]*unitState),
		pending:    make(map[uuid.UUID]*domain.PendingBatch),
		stats:      make(map[uuid.UUID]*domain.TransformStats),
		outcomes:   make(map[outcomeKey]*domain.JobOutcome),
		dedup:      make(map[string]time.Time),
		faults:     make(map[string]error),
	}
}

// SetNow подменяет часы для полей времени, которые в SQL ставит now().
func (s *Store) SetNow(fn func() time.Time) {
	s.mu.Lock()
	s.now = fn
	s.mu.Unlock()
}

// Fail заставляет метод с именем op возвращать err. nil снимает ошибку.
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

func (s *Store) faultLocked(op string) error {
	if err, ok := s.faults[op]; ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// --- Transforms ---

// CreateTransform сохраняет трансформацию.
func (s *Store) CreateTransform(ctx context.Context, t *domain.Transform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("CreateTransform"); err != nil {
		return err
	}
	if _, ok := s.transforms[t.ID]; ok {
		return repo.ErrAlreadyExists
	}
	cp := *t
	s.transforms[t.ID] = &cp
	s.order = append(s.order, t.ID)
	return nil
}

// GetTransform возвращает трансформацию.
func (s *Store) GetTransform(ctx context.Context, id uuid.UUID) (*domain.Transform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("GetTransform"); err != nil {
		return nil, err
	}
	t, ok := s.transforms[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// ListTransforms возвращает все трансформации в порядке создания.
func (s *Store) ListTransforms(ctx context.Context) ([]domain.Transform, error) {
	return s.listTransforms("ListTransforms", false)
}

// ListEnabledTransforms возвращает включённые трансформации.
func (s *Store) ListEnabledTransforms(ctx context.Context) ([]domain.Transform, error) {
	return s.listTransforms("ListEnabledTransforms", true)
}

func (s *Store) listTransforms(op string, enabledOnly bool) ([]domain.Transform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked(op); err != nil {
		return nil, err
	}
	var list []domain.Transform
	for _, id := range s.order {
		t := s.transforms[id]
		if enabledOnly && !t.Enabled {
			continue
		}
		list = append(list, *t)
	}
	return list, nil
}

// StartRun начинает новый прогон: новый run_id, обнулённые stats, освобождённые ключи.
func (s *Store) StartRun(ctx context.Context, transformID uuid.UUID) (*domain.Transform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("StartRun"); err != nil {
		return nil, err
	}
	t, ok := s.transforms[transformID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	t.CurrentRunID = uuid.New()
	s.stats[transformID] = &domain.TransformStats{
		TransformID: transformID,
		RunID:       t.CurrentRunID,
		UpdatedAt:   s.now(),
	}
	s.releaseTransformLocked(transformID)
	for _, u := range s.units[transformID] {
		u.dispatchedAt = nil
	}
	cp := *t
	return &cp, nil
}

// --- Units ---

// UpsertUnits регистрирует единицы работы.
func (s *Store) UpsertUnits(ctx context.Context, transformID uuid.UUID, units []domain.WorkUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("UpsertUnits"); err != nil {
		return err
	}
	m, ok := s.units[transformID]
	if !ok {
		m = make(map[string]*unitState)
		s.units[transformID] = m
	}
	for _, u := range units {
		u.TransformID = transformID
		if st, ok := m[u.Key]; ok {
			st.unit.Attributes = u.Attributes
			continue
		}
		m[u.Key] = &unitState{unit: u}
	}
	return nil
}

// ListUnprocessed возвращает необработанные единицы без активных pending-записей.
func (s *Store) ListUnprocessed(ctx context.Context, t *domain.Transform, limit int) ([]domain.WorkUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("ListUnprocessed"); err != nil {
		return nil, err
	}

	inLedger := make(map[string]bool)
	for _, p := range s.pending {
		if p.TransformID == t.ID && p.Status == domain.PendingStatusPending {
			inLedger[p.UnitKey] = true
		}
	}

	var candidates []*unitState
	for _, u := range s.units[t.ID] {
		if u.processedRun == t.CurrentRunID || inLedger[u.unit.Key] {
			continue
		}
		candidates = append(candidates, u)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].dispatchedAt, candidates[j].dispatchedAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return candidates[i].unit.Key < candidates[j].unit.Key
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]domain.WorkUnit, 0, len(candidates))
	for _, u := range candidates {
		out = append(out, u.unit)
	}
	return out, nil
}

// MarkUnitsDispatched отмечает время отправки.
func (s *Store) MarkUnitsDispatched(ctx context.Context, transformID uuid.UUID, keys []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("MarkUnitsDispatched"); err != nil {
		return err
	}
	for _, k := range keys {
		if u, ok := s.units[transformID][k]; ok {
			ts := at
			u.dispatchedAt = &ts
		}
	}
	return nil
}

// --- Ledger ---

// UpsertPending создаёт запись или обновляет last_error активной записи.
func (s *Store) UpsertPending(ctx context.Context, entry *domain.PendingBatch) (*domain.PendingBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("UpsertPending"); err != nil {
		return nil, err
	}
	for _, p := range s.pending {
		if p.Status == domain.PendingStatusPending &&
			p.BatchType == entry.BatchType &&
			p.TransformID == entry.TransformID &&
			p.UnitKey == entry.UnitKey {
			p.LastError = entry.LastError
			p.UpdatedAt = entry.UpdatedAt
			return clonePending(p), nil
		}
	}
	cp := clonePending(entry)
	s.pending[cp.ID] = cp
	return clonePending(cp), nil
}

// ListDuePending арендует due-записи, старые первыми.
func (s *Store) ListDuePending(ctx context.Context, f repo.DueFilter) ([]domain.PendingBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("ListDuePending"); err != nil {
		return nil, err
	}
	var due []*domain.PendingBatch
	for _, p := range s.pending {
		if p.Status != domain.PendingStatusPending || p.NextRetryAt.After(f.Now) {
			continue
		}
		if f.TransformID != nil && p.TransformID != *f.TransformID {
			continue
		}
		due = append(due, p)
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if f.Limit > 0 && len(due) > f.Limit {
		due = due[:f.Limit]
	}

	out := make([]domain.PendingBatch, 0, len(due))
	for _, p := range due {
		p.NextRetryAt = f.Now.Add(f.Lease)
		out = append(out, *clonePending(p))
	}
	return out, nil
}

// MarkPendingPublished переводит запись в published.
func (s *Store) MarkPendingPublished(ctx context.Context, id uuid.UUID, now time.Time) error {
	return s.updateActive("MarkPendingPublished", id, func(p *domain.PendingBatch) {
		p.MarkPublished(now)
	})
}

// SchedulePendingRetry сохраняет retry_count, last_error и next_retry_at.
func (s *Store) SchedulePendingRetry(ctx context.Context, entry *domain.PendingBatch) error {
	return s.updateActive("SchedulePendingRetry", entry.ID, func(p *domain.PendingBatch) {
		p.RetryCount = entry.RetryCount
		p.LastError = entry.LastError
		p.NextRetryAt = entry.NextRetryAt
		p.UpdatedAt = entry.UpdatedAt
	})
}

// MarkPendingExpired переводит запись в expired.
func (s *Store) MarkPendingExpired(ctx context.Context, entry *domain.PendingBatch) error {
	return s.updateActive("MarkPendingExpired", entry.ID, func(p *domain.PendingBatch) {
		p.RetryCount = entry.RetryCount
		p.LastError = entry.LastError
		p.MarkExpired(entry.UpdatedAt)
	})
}

// MarkPendingFailed переводит запись в failed.
func (s *Store) MarkPendingFailed(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error {
	return s.updateActive("MarkPendingFailed", id, func(p *domain.PendingBatch) {
		p.Status = domain.PendingStatusFailed
		p.LastError = errMsg
		p.UpdatedAt = now
	})
}

func (s *Store) updateActive(op string, id uuid.UUID, fn func(*domain.PendingBatch)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked(op); err != nil {
		return err
	}
	p, ok := s.pending[id]
	if !ok || p.Status != domain.PendingStatusPending {
		return repo.ErrInvalidState
	}
	fn(p)
	return nil
}

// PrunePendingResolved удаляет published-записи старше before.
func (s *Store) PrunePendingResolved(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("PrunePendingResolved"); err != nil {
		return 0, err
	}
	n := 0
	for id, p := range s.pending {
		if p.Status == domain.PendingStatusPublished && p.UpdatedAt.Before(before) {
			delete(s.pending, id)
			n++
		}
	}
	return n, nil
}

// CountPending возвращает число активных записей.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("CountPending"); err != nil {
		return 0, err
	}
	n := 0
	for _, p := range s.pending {
		if p.Status == domain.PendingStatusPending {
			n++
		}
	}
	return n, nil
}

// ListPending возвращает записи по фильтру, новые первыми.
func (s *Store) ListPending(ctx context.Context, filter repo.PendingFilter) ([]domain.PendingBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("ListPending"); err != nil {
		return nil, err
	}
	var list []domain.PendingBatch
	for _, p := range s.pending {
		if filter.TransformID != nil && p.TransformID != *filter.TransformID {
			continue
		}
		if filter.Status != nil && p.Status != *filter.Status {
			continue
		}
		list = append(list, *clonePending(p))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return page(list, filter.Limit, filter.Offset, 100), nil
}

// --- Stats ---

// RecordDispatch увеличивает счётчики отправки. Устаревший run_id игнорируется.
func (s *Store) RecordDispatch(ctx context.Context, transformID, runID uuid.UUID, units int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("RecordDispatch"); err != nil {
		return err
	}
	now := s.now()
	st, ok := s.stats[transformID]
	if !ok {
		st = &domain.TransformStats{TransformID: transformID, RunID: runID}
		s.stats[transformID] = st
	}
	if st.RunID != runID {
		return nil
	}
	st.DispatchedBatches++
	st.DispatchedUnits += int64(units)
	st.LastDispatchAt = &now
	st.LastActivityAt = &now
	st.UpdatedAt = now
	return nil
}

// ReleaseDispatch откатывает резерв RecordDispatch для неопубликованных единиц.
func (s *Store) ReleaseDispatch(ctx context.Context, transformID, runID uuid.UUID, units, batches int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("ReleaseDispatch"); err != nil {
		return err
	}
	st, ok := s.stats[transformID]
	if !ok || st.RunID != runID {
		return nil
	}
	st.DispatchedUnits = max(st.DispatchedUnits-int64(units), st.Completed+st.Failed)
	st.DispatchedBatches = max(st.DispatchedBatches-int64(batches), 0)
	st.UpdatedAt = s.now()
	return nil
}

// RecordOutcome записывает первый результат единицы работы в прогоне.
func (s *Store) RecordOutcome(ctx context.Context, o *domain.JobOutcome) (bool, *domain.TransformStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("RecordOutcome"); err != nil {
		return false, nil, err
	}

	key := outcomeKey{o.TransformID, o.RunID, o.UnitKey}
	if _, ok := s.outcomes[key]; ok {
		return false, cloneStats(s.stats[o.TransformID]), nil
	}
	cp := *o
	s.outcomes[key] = &cp

	if t, ok := s.transforms[o.TransformID]; ok && t.CurrentRunID == o.RunID {
		if u, ok := s.units[o.TransformID][o.UnitKey]; ok {
			u.processedRun = o.RunID
		}
	}

	st, ok := s.stats[o.TransformID]
	if !ok || st.RunID != o.RunID {
		return true, nil, nil
	}
	if o.Status == domain.OutcomeCompleted {
		st.Completed++
	} else {
		st.Failed++
	}
	at := o.FinishedAt
	st.LastActivityAt = &at
	st.UpdatedAt = at
	return true, cloneStats(st), nil
}

// GetStats возвращает счётчики трансформации.
func (s *Store) GetStats(ctx context.Context, transformID uuid.UUID) (*domain.TransformStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("GetStats"); err != nil {
		return nil, err
	}
	st, ok := s.stats[transformID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return cloneStats(st), nil
}

// ListStats возвращает счётчики всех трансформаций.
func (s *Store) ListStats(ctx context.Context) ([]domain.TransformStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("ListStats"); err != nil {
		return nil, err
	}
	return s.sortedStatsLocked(func(*domain.TransformStats) bool { return true }), nil
}

// ListStaleStats возвращает трансформации с незавершёнными единицами без активности.
func (s *Store) ListStaleStats(ctx context.Context, before time.Time, transformID *uuid.UUID) ([]domain.TransformStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("ListStaleStats"); err != nil {
		return nil, err
	}

	hasPending := make(map[uuid.UUID]bool)
	for _, p := range s.pending {
		if p.Status == domain.PendingStatusPending {
			hasPending[p.TransformID] = true
		}
	}

	return s.sortedStatsLocked(func(st *domain.TransformStats) bool {
		if transformID != nil && st.TransformID != *transformID {
			return false
		}
		if st.DispatchedUnits <= st.Completed+st.Failed || hasPending[st.TransformID] {
			return false
		}
		last := st.UpdatedAt
		if st.LastActivityAt != nil {
			last = *st.LastActivityAt
		}
		return last.Before(before)
	}), nil
}

func (s *Store) sortedStatsLocked(keep func(*domain.TransformStats) bool) []domain.TransformStats {
	var list []domain.TransformStats
	for _, st := range s.stats {
		if keep(st) {
			list = append(list, *cloneStats(st))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].TransformID.String() < list[j].TransformID.String()
	})
	return list
}

// --- Reconciliation runs ---

// CreateReconciliationRun сохраняет прогон.
func (s *Store) CreateReconciliationRun(ctx context.Context, run *domain.ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("CreateReconciliationRun"); err != nil {
		return err
	}
	s.runs = append(s.runs, cloneRun(run))
	return nil
}

// FinishReconciliationRun сохраняет итог прогона.
func (s *Store) FinishReconciliationRun(ctx context.Context, run *domain.ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("FinishReconciliationRun"); err != nil {
		return err
	}
	for i, r := range s.runs {
		if r.ID != run.ID {
			continue
		}
		if r.Status != domain.ReconciliationRunning {
			return repo.ErrInvalidState
		}
		s.runs[i] = cloneRun(run)
		return nil
	}
	return repo.ErrInvalidState
}

// ListReconciliationRuns возвращает прогоны, новые первыми.
func (s *Store) ListReconciliationRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ReconciliationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("ListReconciliationRuns"); err != nil {
		return nil, err
	}
	var list []domain.ReconciliationRun
	for i := len(s.runs) - 1; i >= 0; i-- {
		r := s.runs[i]
		if filter.TransformID != nil && (r.TransformID == nil || *r.TransformID != *filter.TransformID) {
			continue
		}
		list = append(list, *cloneRun(r))
	}
	return page(list, filter.Limit, filter.Offset, 50), nil
}

// --- Dedup ---

// Claim занимает ключ на window.
func (s *Store) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("Claim"); err != nil {
		return false, err
	}
	now := s.now()
	if exp, ok := s.dedup[key]; ok && exp.After(now) {
		return false, nil
	}
	s.dedup[key] = now.Add(window)
	return true, nil
}

// Release освобождает ключ.
func (s *Store) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("Release"); err != nil {
		return err
	}
	delete(s.dedup, key)
	return nil
}

// Remember занимает ключ безусловно.
func (s *Store) Remember(ctx context.Context, key string, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("Remember"); err != nil {
		return err
	}
	s.dedup[key] = s.now().Add(window)
	return nil
}

// ReleaseDedupForTransform освобождает все ключи трансформации.
func (s *Store) ReleaseDedupForTransform(ctx context.Context, transformID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("ReleaseDedupForTransform"); err != nil {
		return 0, err
	}
	return s.releaseTransformLocked(transformID), nil
}

func (s *Store) releaseTransformLocked(transformID uuid.UUID) int {
	marker := "-" + transformID.String() + "-"
	n := 0
	for key := range s.dedup {
		if strings.Contains(key, marker) {
			delete(s.dedup, key)
			n++
		}
	}
	return n
}

// PruneDedup удаляет истёкшие ключи.
func (s *Store) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked("PruneDedup"); err != nil {
		return 0, err
	}
	n := 0
	for key, exp := range s.dedup {
		if !exp.After(now) {
			delete(s.dedup, key)
			n++
		}
	}
	return n, nil
}

// --- Inspection ---

// Outcomes возвращает все записанные результаты.
func (s *Store) Outcomes() []domain.JobOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]domain.JobOutcome, 0, len(s.outcomes))
	for _, o := range s.outcomes {
		list = append(list, *o)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UnitKey < list[j].UnitKey })
	return list
}

// Pending возвращает все записи ledger в порядке создания.
func (s *Store) Pending() []domain.PendingBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]domain.PendingBatch, 0, len(s.pending))
	for _, p := range s.pending {
		list = append(list, *clonePending(p))
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].UnitKey < list[j].UnitKey
	})
	return list
}

// DedupKeys возвращает число занятых ключей.
func (s *Store) DedupKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dedup)
}

func page[T any](list []T, limit, offset, def int) []T {
	if limit <= 0 {
		limit = def
	}
	if offset >= len(list) {
		return nil
	}
	list = list[offset:]
	if len(list) > limit {
		list = list[:limit]
	}
	return list
}

func clonePending(p *domain.PendingBatch) *domain.PendingBatch {
	cp := *p
	cp.Payload = append([]byte(nil), p.Payload...)
	return &cp
}

func cloneStats(st *domain.TransformStats) *domain.TransformStats {
	if st == nil {
		return nil
	}
	cp := *st
	cp.InFlight = cp.Outstanding()
	return &cp
}

func cloneRun(r *domain.ReconciliationRun) *domain.ReconciliationRun {
	cp := *r
	cp.Details = make(map[string]any, len(r.Details))
	for k, v := range r.Details {
		cp.Details[k] = v
	}
	return &cp
}
