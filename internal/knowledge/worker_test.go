package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/kalambet/scribo/internal/failover"
	"github.com/kalambet/scribo/internal/storage"
	"github.com/kalambet/scribo/internal/vector"
)

type mockEmbedder struct {
	embedFunc func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedFunc(ctx, text)
}

type captureVectorStore struct {
	mu      sync.Mutex
	records []vector.Record
	err     error
}

func (c *captureVectorStore) Upsert(ctx context.Context, records []vector.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.records = append(c.records, records...)
	return nil
}

func (c *captureVectorStore) Search(ctx context.Context, v []float32, topK int) ([]vector.ScoredRecord, error) {
	return nil, nil
}

func (c *captureVectorStore) HealthCheck(ctx context.Context) bool { return true }

type stubBinder struct {
	binding failover.Binding
}

func (s *stubBinder) Bind(ctx context.Context) failover.Binding { return s.binding }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func okEmbedder() *mockEmbedder {
	return &mockEmbedder{embedFunc: func(_ context.Context, _ string) ([]float32, error) {
		return []float32{1, 0}, nil
	}}
}

func enqueue(t *testing.T, store *storage.Store, jobType string, payload map[string]string) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.NewString()
	if err := store.EnqueueIngestJob(storage.IngestJob{ID: id, Type: jobType, PayloadJSON: string(raw)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func ingestStatus(t *testing.T, store *storage.Store, id string) string {
	t.Helper()
	var status string
	if err := store.DB().QueryRow("SELECT status FROM ingest_jobs WHERE id = ?", id).Scan(&status); err != nil {
		t.Fatalf("reading ingest status: %v", err)
	}
	return status
}

func TestProcessOne_IndexesTextDocument(t *testing.T) {
	store := openTestStore(t)
	doc := storage.Document{
		ID:       uuid.NewString(),
		Title:    "field notes",
		Content:  []byte(strings.Repeat("Observed the colony relocating at dusk. ", 60)),
		MimeType: "text/plain",
	}
	if err := store.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	ingestID := enqueue(t, store, TypeIndexDocument, map[string]string{"document_id": doc.ID})

	vs := &captureVectorStore{}
	w := NewWorker(store, &stubBinder{binding: failover.Binding{Vector: vs}}, okEmbedder(), testLogger())

	processed, err := w.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if !processed {
		t.Fatal("expected a job to be claimed")
	}
	if len(vs.records) < 2 {
		t.Fatalf("stored %d records, want multiple fragments", len(vs.records))
	}
	for _, r := range vs.records {
		if r.Topic != "field notes" {
			t.Fatalf("record topic = %q", r.Topic)
		}
	}
	if got := ingestStatus(t, store, ingestID); got != "completed" {
		t.Fatalf("ingest status = %q", got)
	}
}

func TestProcessOne_IndexesFinishedReport(t *testing.T) {
	store := openTestStore(t)
	report := storage.Report{
		ID:      uuid.NewString(),
		JobID:   uuid.NewString(),
		Topic:   "deep sea mining",
		Content: "A report about nodules and regulation.",
		Sources: []string{"s1"},
	}
	if err := store.SaveReport(context.Background(), report); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	ingestID := enqueue(t, store, TypeIndexReport, map[string]string{"report_id": report.ID})

	vs := &captureVectorStore{}
	w := NewWorker(store, &stubBinder{binding: failover.Binding{Vector: vs, Reports: store}}, okEmbedder(), testLogger())

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if len(vs.records) != 1 {
		t.Fatalf("stored %d records, want 1", len(vs.records))
	}
	if vs.records[0].Topic != "deep sea mining" {
		t.Fatalf("record topic = %q", vs.records[0].Topic)
	}
	if got := ingestStatus(t, store, ingestID); got != "completed" {
		t.Fatalf("ingest status = %q", got)
	}
}

// memReportStore stands in for a networked primary holding reports the
// local store never saw.
type memReportStore struct {
	reports map[string]storage.Report
}

func (m *memReportStore) SaveReport(ctx context.Context, r storage.Report) error {
	m.reports[r.ID] = r
	return nil
}

func (m *memReportStore) GetReport(ctx context.Context, id string) (storage.Report, error) {
	r, ok := m.reports[id]
	if !ok {
		return storage.Report{}, storage.ErrNotFound
	}
	return r, nil
}

func (m *memReportStore) HealthCheck(ctx context.Context) bool { return true }

func TestProcessOne_IndexesReportHeldByBoundStore(t *testing.T) {
	store := openTestStore(t)
	report := storage.Report{
		ID:      uuid.NewString(),
		JobID:   uuid.NewString(),
		Topic:   "grid storage",
		Content: "A report persisted through the primary backend.",
	}
	primary := &memReportStore{reports: map[string]storage.Report{report.ID: report}}
	ingestID := enqueue(t, store, TypeIndexReport, map[string]string{"report_id": report.ID})

	vs := &captureVectorStore{}
	w := NewWorker(store, &stubBinder{binding: failover.Binding{Vector: vs, Reports: primary}}, okEmbedder(), testLogger())

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if len(vs.records) != 1 || vs.records[0].Topic != "grid storage" {
		t.Fatalf("records = %+v, want one fragment from the primary-held report", vs.records)
	}
	if got := ingestStatus(t, store, ingestID); got != "completed" {
		t.Fatalf("ingest status = %q", got)
	}
}

func TestProcessOne_ReportFallsBackToLocalStore(t *testing.T) {
	store := openTestStore(t)
	report := storage.Report{
		ID:      uuid.NewString(),
		JobID:   uuid.NewString(),
		Topic:   "local only",
		Content: "A report saved while the primary was down.",
	}
	if err := store.SaveReport(context.Background(), report); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	primary := &memReportStore{reports: map[string]storage.Report{}}
	ingestID := enqueue(t, store, TypeIndexReport, map[string]string{"report_id": report.ID})

	vs := &captureVectorStore{}
	w := NewWorker(store, &stubBinder{binding: failover.Binding{Vector: vs, Reports: primary}}, okEmbedder(), testLogger())

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if len(vs.records) != 1 || vs.records[0].Topic != "local only" {
		t.Fatalf("records = %+v, want one fragment from the local report", vs.records)
	}
	if got := ingestStatus(t, store, ingestID); got != "completed" {
		t.Fatalf("ingest status = %q", got)
	}
}

func TestProcessOne_EmptyQueue(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &stubBinder{}, okEmbedder(), testLogger())

	processed, err := w.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if processed {
		t.Fatal("claimed a job from an empty queue")
	}
}

func TestProcessOne_MissingDocumentIsRetried(t *testing.T) {
	store := openTestStore(t)
	ingestID := enqueue(t, store, TypeIndexDocument, map[string]string{"document_id": "no-such-doc"})

	w := NewWorker(store, &stubBinder{}, okEmbedder(), testLogger())
	processed, err := w.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if !processed {
		t.Fatal("expected the job to be claimed")
	}
	// One attempt down, rescheduled with backoff.
	if got := ingestStatus(t, store, ingestID); got != "pending" {
		t.Fatalf("ingest status = %q, want pending", got)
	}
}

func TestProcessOne_EmbeddingTotalFailureFailsJob(t *testing.T) {
	store := openTestStore(t)
	doc := storage.Document{ID: uuid.NewString(), Title: "t", Content: []byte("short text"), MimeType: "text/plain"}
	if err := store.SaveDocument(doc); err != nil {
		t.Fatal(err)
	}
	ingestID := enqueue(t, store, TypeIndexDocument, map[string]string{"document_id": doc.ID})

	emb := &mockEmbedder{embedFunc: func(_ context.Context, _ string) ([]float32, error) {
		return nil, errors.New("embeddings down")
	}}
	w := NewWorker(store, &stubBinder{binding: failover.Binding{Vector: &captureVectorStore{}}}, emb, testLogger())

	// Exhaust all three attempts.
	for i := 0; i < 3; i++ {
		if _, err := w.ProcessOne(context.Background()); err != nil {
			t.Fatalf("ProcessOne attempt %d: %v", i, err)
		}
		if i < 2 {
			if _, err := store.DB().Exec("UPDATE ingest_jobs SET run_after = '2000-01-01T00:00:00Z' WHERE id = ?", ingestID); err != nil {
				t.Fatal(err)
			}
		}
	}
	if got := ingestStatus(t, store, ingestID); got != "failed" {
		t.Fatalf("ingest status = %q, want failed", got)
	}
}
