package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle_Success(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateJob(Job{ID: "j1", Topic: "quantum computing"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	j, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != JobPending {
		t.Errorf("state = %q, want %q", j.State, JobPending)
	}
	if j.ReportID != "" || j.Error != "" {
		t.Errorf("new job has report_id %q / error %q, want empty", j.ReportID, j.Error)
	}

	if err := s.AdvanceJob("j1", JobResearching); err != nil {
		t.Fatalf("AdvanceJob(researching): %v", err)
	}
	if err := s.AdvanceJob("j1", JobWriting); err != nil {
		t.Fatalf("AdvanceJob(writing): %v", err)
	}
	if err := s.CompleteJob("j1", "r1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	j, err = s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != JobCompleted {
		t.Errorf("state = %q, want %q", j.State, JobCompleted)
	}
	if j.ReportID != "r1" {
		t.Errorf("report_id = %q, want %q", j.ReportID, "r1")
	}
}

func TestJobLifecycle_TerminalStatesDoNotRegress(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateJob(Job{ID: "j1", Topic: "ai trends"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.FailJob("j1", "no usable content"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	if err := s.AdvanceJob("j1", JobResearching); !errors.Is(err, ErrTerminal) {
		t.Errorf("AdvanceJob after failure = %v, want ErrTerminal", err)
	}
	if err := s.CompleteJob("j1", "r1"); !errors.Is(err, ErrTerminal) {
		t.Errorf("CompleteJob after failure = %v, want ErrTerminal", err)
	}
	if err := s.FailJob("j1", "second failure"); !errors.Is(err, ErrTerminal) {
		t.Errorf("FailJob after failure = %v, want ErrTerminal", err)
	}

	j, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != JobFailed {
		t.Errorf("state = %q, want %q", j.State, JobFailed)
	}
	if j.Error != "no usable content" {
		t.Errorf("error = %q, want original failure message", j.Error)
	}
	if j.ReportID != "" {
		t.Errorf("report_id = %q, want empty on failed job", j.ReportID)
	}
}

func TestJob_NotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob(missing) = %v, want ErrNotFound", err)
	}
	if err := s.AdvanceJob("missing", JobResearching); !errors.Is(err, ErrNotFound) {
		t.Errorf("AdvanceJob(missing) = %v, want ErrNotFound", err)
	}
	if err := s.FailJob("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestMarkJobDegraded_FlagsOnlyRaise(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateJob(Job{ID: "j1", Topic: "ai trends"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.MarkJobDegraded("j1", true, false); err != nil {
		t.Fatalf("MarkJobDegraded: %v", err)
	}
	// A later call must not clear the vector flag.
	if err := s.MarkJobDegraded("j1", false, true); err != nil {
		t.Fatalf("MarkJobDegraded: %v", err)
	}

	j, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !j.DegradedVector || !j.DegradedReports {
		t.Errorf("degraded flags = (%v, %v), want both true", j.DegradedVector, j.DegradedReports)
	}
}

func TestReports_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := Report{
		ID:      "r1",
		JobID:   "j1",
		Topic:   "ai trends",
		Content: "# AI Trends\n\nA report.",
		Sources: []string{"f2", "f1", "f3"},
	}
	if err := s.SaveReport(ctx, r); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}

	got, err := s.GetReport(ctx, "r1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.JobID != "j1" || got.Topic != "ai trends" || got.Content != r.Content {
		t.Errorf("report fields mismatch: %+v", got)
	}
	if len(got.Sources) != 3 || got.Sources[0] != "f2" {
		t.Errorf("sources = %v, want ordered [f2 f1 f3]", got.Sources)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}

	if _, err := s.GetReport(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetReport(missing) = %v, want ErrNotFound", err)
	}
}

func TestStore_HealthCheck(t *testing.T) {
	s := openTestStore(t)
	if !s.HealthCheck(context.Background()) {
		t.Error("HealthCheck = false for open store, want true")
	}
}

func TestDocuments_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	doc := Document{
		ID:       "d1",
		Title:    "Notes",
		Content:  []byte("some reference text"),
		MimeType: "text/plain",
		Source:   "cli",
	}
	if err := s.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	got, err := s.GetDocument("d1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Title != "Notes" || string(got.Content) != "some reference text" {
		t.Errorf("document mismatch: %+v", got)
	}

	if _, err := s.GetDocument("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDocument(missing) = %v, want ErrNotFound", err)
	}
}

func TestIngestQueue_ClaimAndComplete(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueIngestJob(IngestJob{ID: "q1", Type: "index_document", PayloadJSON: `{"document_id":"d1"}`}); err != nil {
		t.Fatalf("EnqueueIngestJob: %v", err)
	}

	job, err := s.ClaimNextIngestJob([]string{"index_document"})
	if err != nil {
		t.Fatalf("ClaimNextIngestJob: %v", err)
	}
	if job == nil {
		t.Fatal("claimed nil job, want q1")
	}
	if job.ID != "q1" || job.Status != "running" {
		t.Errorf("claimed job = %+v", job)
	}

	// Running jobs must not be claimable again.
	again, err := s.ClaimNextIngestJob([]string{"index_document"})
	if err != nil {
		t.Fatalf("ClaimNextIngestJob: %v", err)
	}
	if again != nil {
		t.Errorf("re-claimed running job %s", again.ID)
	}

	if err := s.CompleteIngestJob("q1"); err != nil {
		t.Fatalf("CompleteIngestJob: %v", err)
	}
}

func TestIngestQueue_FailWithBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueIngestJob(IngestJob{ID: "q1", Type: "index_document", PayloadJSON: `{}`, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueIngestJob: %v", err)
	}
	if _, err := s.ClaimNextIngestJob([]string{"index_document"}); err != nil {
		t.Fatalf("ClaimNextIngestJob: %v", err)
	}

	// First failure reschedules with backoff.
	if err := s.FailIngestJob("q1", "embed failed"); err != nil {
		t.Fatalf("FailIngestJob: %v", err)
	}
	job, err := s.ClaimNextIngestJob([]string{"index_document"})
	if err != nil {
		t.Fatalf("ClaimNextIngestJob: %v", err)
	}
	if job != nil {
		t.Fatalf("job claimable before backoff elapsed")
	}

	// Force the job runnable and exhaust attempts.
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(`UPDATE ingest_jobs SET run_after = ? WHERE id = ?`, now, "q1"); err != nil {
		t.Fatalf("resetting run_after: %v", err)
	}
	if _, err := s.ClaimNextIngestJob([]string{"index_document"}); err != nil {
		t.Fatalf("ClaimNextIngestJob: %v", err)
	}
	if err := s.FailIngestJob("q1", "embed failed again"); err != nil {
		t.Fatalf("FailIngestJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM ingest_jobs WHERE id = ?`, "q1").Scan(&status); err != nil {
		t.Fatalf("querying status: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q after max attempts, want failed", status)
	}
}

func TestConversations_AppendOnly(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnsureConversation("c1"); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	// Idempotent.
	if err := s.EnsureConversation("c1"); err != nil {
		t.Fatalf("EnsureConversation (again): %v", err)
	}

	if err := s.AppendMessage("c1", Message{Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.AppendMessage("c1", Message{Role: "assistant", Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := s.GetConversation("c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("message order wrong: %+v", msgs)
	}

	if _, err := s.GetConversation("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConversation(missing) = %v, want ErrNotFound", err)
	}
}
