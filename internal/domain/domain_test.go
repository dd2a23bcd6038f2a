package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testTransform(kind JobKind) *Transform {
	return &Transform{
		ID:           uuid.New(),
		OwnerID:      "owner-1",
		ResourceID:   "dataset-9",
		Kind:         kind,
		Enabled:      true,
		CurrentRunID: uuid.New(),
		Config:       map[string]any{"model": "text-embedding-3-small"},
	}
}

// --- DedupKey Tests ---

func TestDedupKey_Format(t *testing.T) {
	id := uuid.MustParse("7f1d8a3e-0000-4000-8000-000000000001")

	key := DedupKey(KindEmbedding, id, "doc-42")

	want := "emb-7f1d8a3e-0000-4000-8000-000000000001-doc-42"
	if key != want {
		t.Errorf("expected %s, got %s", want, key)
	}
}

func TestDedupKey_Deterministic(t *testing.T) {
	id := uuid.New()
	if DedupKey(KindExtraction, id, "a") != DedupKey(KindExtraction, id, "a") {
		t.Error("same inputs must give the same key")
	}
	if DedupKey(KindExtraction, id, "a") == DedupKey(KindEmbedding, id, "a") {
		t.Error("different kinds must give different keys")
	}
}

func TestDedupKey_LongUnitKeyIsHashed(t *testing.T) {
	id := uuid.New()
	long := strings.Repeat("x", 300)

	key := DedupKey(KindExtraction, id, long)

	if len(key) > maxDedupKeyLen {
		t.Errorf("key too long: %d", len(key))
	}
	if strings.Contains(key, long) {
		t.Error("long unit key should be hashed")
	}
	if key != DedupKey(KindExtraction, id, long) {
		t.Error("hashed key must be deterministic")
	}
}

// --- Job Tests ---

func TestNewJob_PayloadMatchesKind(t *testing.T) {
	tests := []struct {
		kind  JobKind
		check func(*Job) bool
	}{
		{KindExtraction, func(j *Job) bool { return j.Extraction != nil && j.Embedding == nil }},
		{KindEmbedding, func(j *Job) bool { return j.Embedding != nil && j.Embedding.Model == "text-embedding-3-small" }},
		{KindVisualization, func(j *Job) bool { return j.Visualization != nil }},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			tr := testTransform(tt.kind)
			job, err := NewJob(tr, WorkUnit{TransformID: tr.ID, Key: "unit-1"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.check(job) {
				t.Errorf("payload does not match kind %s", tt.kind)
			}
			if job.RunID != tr.CurrentRunID {
				t.Error("job should carry the current run id")
			}
			if job.DedupKey != DedupKey(tt.kind, tr.ID, "unit-1") {
				t.Errorf("unexpected dedup key %s", job.DedupKey)
			}
		})
	}
}

func TestNewJob_UnknownKind(t *testing.T) {
	tr := testTransform("clustering")
	_, err := NewJob(tr, WorkUnit{Key: "u"})
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestJobValidate_MismatchedPayload(t *testing.T) {
	job := &Job{
		TransformID: uuid.New(),
		UnitKey:     "u",
		Kind:        KindEmbedding,
		DedupKey:    "k",
		Extraction:  &ExtractionSpec{DocumentID: "d"},
	}
	if err := job.Validate(); !errors.Is(err, ErrInvalidJob) {
		t.Errorf("expected ErrInvalidJob, got %v", err)
	}
}

func TestWorkUnit_Strings(t *testing.T) {
	u := WorkUnit{Attributes: map[string]any{
		"a": []any{"x", 1, "y"},
		"b": []string{"z"},
	}}
	if got := u.Strings("a"); len(got) != 2 || got[1] != "y" {
		t.Errorf("unexpected %v", got)
	}
	if got := u.Strings("b"); len(got) != 1 {
		t.Errorf("unexpected %v", got)
	}
	if got := u.Strings("missing"); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

// --- PendingBatch Tests ---

func TestPendingBatch_RoundTrip(t *testing.T) {
	tr := testTransform(KindExtraction)
	job, _ := NewJob(tr, WorkUnit{Key: "file.pdf"})
	now := time.Now()

	entry, err := NewPendingBatch(job, errors.New("broker down"), 3, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Status != PendingStatusPending || entry.RetryCount != 0 {
		t.Errorf("unexpected initial state: %+v", entry)
	}
	if !entry.NextRetryAt.Equal(now) {
		t.Error("next_retry_at should be now")
	}
	if entry.LastError != "broker down" {
		t.Errorf("unexpected last error %q", entry.LastError)
	}

	restored, err := entry.Job()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restored.ID != job.ID || restored.DedupKey != job.DedupKey {
		t.Error("restored job differs")
	}
}

func TestPendingBatch_Exhaustion(t *testing.T) {
	entry := &PendingBatch{MaxRetries: 2, Status: PendingStatusPending}
	now := time.Now()

	if entry.RecordFailure(errors.New("e1"), now) {
		t.Error("1 > 2 should be false")
	}
	if entry.RecordFailure(errors.New("e2"), now) {
		t.Error("2 > 2 should be false")
	}
	if !entry.RecordFailure(errors.New("e3"), now) {
		t.Error("3 > 2 should be exhausted")
	}
	entry.MarkExpired(now)
	if !entry.Status.IsTerminal() {
		t.Error("expired must be terminal")
	}
}

func TestPendingBatch_CorruptPayload(t *testing.T) {
	entry := &PendingBatch{Payload: []byte("{not json")}
	if _, err := entry.Job(); !errors.Is(err, ErrInvalidJob) {
		t.Errorf("expected ErrInvalidJob, got %v", err)
	}
}

// --- StatusEvent Tests ---

func TestStatusEvent_Subject(t *testing.T) {
	tr := testTransform(KindEmbedding)
	tr.OwnerID = "org.acme"
	job, _ := NewJob(tr, WorkUnit{Key: "u"})

	ev := NewStatusEvent(EventCompleted, job, 1)

	want := "status.embedding.org_acme.dataset-9." + tr.ID.String()
	if ev.Subject() != want {
		t.Errorf("expected %s, got %s", want, ev.Subject())
	}
}

func TestStatusSubject_EscapesWildcards(t *testing.T) {
	got := StatusSubject("extraction", "#", "a.b", "*")
	if got != "status.extraction._.a_b._" {
		t.Errorf("unexpected %s", got)
	}
}

func TestStatusPattern(t *testing.T) {
	tests := []struct {
		name                             string
		kind, owner, resource, transform string
		want                             string
	}{
		{"empty segments match anything", "", "acme", "", "", "status.*.acme.*.*"},
		{"hash owner is literal", "", "#", "", "", "status.*._.*.*"},
		{"star owner is literal", "", "*", "", "", "status.*._.*.*"},
		{"dotted owner", "embedding", "org.acme", "", "", "status.embedding.org_acme.*.*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusPattern(tt.kind, tt.owner, tt.resource, tt.transform); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

// --- TransformStats Tests ---

func TestTransformStats_Outstanding(t *testing.T) {
	s := &TransformStats{DispatchedUnits: 10, Completed: 6, Failed: 1}
	if s.Outstanding() != 3 {
		t.Errorf("expected 3, got %d", s.Outstanding())
	}
	if s.Done() {
		t.Error("should not be done")
	}
	s.Completed = 9
	if !s.Done() {
		t.Error("should be done")
	}
}
