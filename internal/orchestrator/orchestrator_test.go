package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/scribo/internal/failover"
	"github.com/kalambet/scribo/internal/research"
	"github.com/kalambet/scribo/internal/storage"
	"github.com/kalambet/scribo/internal/writer"
)

type stubBinder struct {
	binding failover.Binding
}

func (s *stubBinder) Bind(ctx context.Context) failover.Binding { return s.binding }

type stubResearch struct {
	runFunc func(ctx context.Context, topic string, depth research.Depth, b failover.Binding) (int, error)
}

func (s *stubResearch) Run(ctx context.Context, topic string, depth research.Depth, b failover.Binding) (int, error) {
	return s.runFunc(ctx, topic, depth, b)
}

type stubWriter struct {
	runFunc func(ctx context.Context, jobID, topic string, b failover.Binding) (storage.Report, error)
}

func (s *stubWriter) Run(ctx context.Context, jobID, topic string, b failover.Binding) (storage.Report, error) {
	return s.runFunc(ctx, jobID, topic, b)
}

type stubReviewer struct {
	review string
}

func (s *stubReviewer) Review(ctx context.Context, topic, content string) string { return s.review }

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

func okResearch() *stubResearch {
	return &stubResearch{runFunc: func(_ context.Context, _ string, _ research.Depth, _ failover.Binding) (int, error) {
		return 3, nil
	}}
}

func okWriter(reportID string) *stubWriter {
	return &stubWriter{runFunc: func(_ context.Context, jobID, topic string, _ failover.Binding) (storage.Report, error) {
		return storage.Report{ID: reportID, JobID: jobID, Topic: topic, Content: "report body"}, nil
	}}
}

func waitForTerminal(t *testing.T, o *Orchestrator, jobID string) storage.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := o.Status(jobID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if job.State.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return storage.Job{}
}

func TestSubmit_RejectsInvalidTopic(t *testing.T) {
	store := openTestStore(t)
	o := New(store, &stubBinder{}, okResearch(), okWriter("r"), nil, Options{}, testLogger())

	for _, topic := range []string{"", "   \t\n", strings.Repeat("x", 501)} {
		if _, err := o.Submit(context.Background(), topic, research.DepthBasic); !errors.Is(err, ErrInvalidTopic) {
			t.Fatalf("topic %q: expected ErrInvalidTopic, got %v", topic, err)
		}
	}
}

func TestSubmit_RunsJobToCompletion(t *testing.T) {
	store := openTestStore(t)
	o := New(store, &stubBinder{}, okResearch(), okWriter("report-1"), nil, Options{}, testLogger())

	jobID, err := o.Submit(context.Background(), "ocean currents", research.DepthBasic)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForTerminal(t, o, jobID)
	if job.State != storage.JobCompleted {
		t.Fatalf("state = %s, error = %q", job.State, job.Error)
	}
	if job.ReportID != "report-1" {
		t.Fatalf("report id = %q", job.ReportID)
	}
	if job.Error != "" {
		t.Fatalf("completed job carries error %q", job.Error)
	}

	// Completion queues the report for knowledge indexing.
	claimed, err := store.ClaimNextIngestJob([]string{"index_report"})
	if err != nil {
		t.Fatalf("claiming ingest job: %v", err)
	}
	if claimed == nil || !strings.Contains(claimed.PayloadJSON, "report-1") {
		t.Fatalf("expected index_report ingest job, got %+v", claimed)
	}
}

func TestSubmit_DepthReachesResearchStage(t *testing.T) {
	store := openTestStore(t)
	got := make(chan research.Depth, 1)
	r := &stubResearch{runFunc: func(_ context.Context, _ string, depth research.Depth, _ failover.Binding) (int, error) {
		got <- depth
		return 1, nil
	}}
	o := New(store, &stubBinder{}, r, okWriter("r"), nil, Options{}, testLogger())

	jobID, err := o.Submit(context.Background(), "tidal energy", research.DepthDeep)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForTerminal(t, o, jobID)
	if depth := <-got; depth != research.DepthDeep {
		t.Fatalf("research ran at depth %q, want deep", depth)
	}

	// An unspecified depth defaults to basic.
	jobID, err = o.Submit(context.Background(), "tidal energy", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForTerminal(t, o, jobID)
	if depth := <-got; depth != research.DepthBasic {
		t.Fatalf("research ran at depth %q, want basic", depth)
	}
}

func TestSubmit_SameTopicJobsAreIndependent(t *testing.T) {
	store := openTestStore(t)
	w := &stubWriter{runFunc: func(_ context.Context, jobID, topic string, _ failover.Binding) (storage.Report, error) {
		return storage.Report{ID: "r-" + jobID, JobID: jobID, Topic: topic, Content: "body"}, nil
	}}
	o := New(store, &stubBinder{}, okResearch(), w, nil, Options{}, testLogger())

	first, err := o.Submit(context.Background(), "deep sea vents", research.DepthBasic)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := o.Submit(context.Background(), "deep sea vents", research.DepthBasic)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if first == second {
		t.Fatalf("both submissions got job id %s", first)
	}

	for _, id := range []string{first, second} {
		job := waitForTerminal(t, o, id)
		if job.State != storage.JobCompleted {
			t.Fatalf("job %s state = %s, error = %q", id, job.State, job.Error)
		}
		if job.ReportID != "r-"+id {
			t.Fatalf("job %s report id = %q", id, job.ReportID)
		}
	}
}

func TestSubmit_ResearchFailureFailsJob(t *testing.T) {
	store := openTestStore(t)
	failing := &stubResearch{runFunc: func(_ context.Context, _ string, _ research.Depth, _ failover.Binding) (int, error) {
		return 0, research.ErrNoUsableContent
	}}
	o := New(store, &stubBinder{}, failing, okWriter("r"), nil, Options{}, testLogger())

	jobID, err := o.Submit(context.Background(), "unresearchable", research.DepthBasic)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForTerminal(t, o, jobID)
	if job.State != storage.JobFailed {
		t.Fatalf("state = %s", job.State)
	}
	if !strings.Contains(job.Error, research.ErrNoUsableContent.Error()) {
		t.Fatalf("error = %q", job.Error)
	}
	if job.ReportID != "" {
		t.Fatalf("failed job carries report id %q", job.ReportID)
	}
}

func TestSubmit_WriterFailureFailsJob(t *testing.T) {
	store := openTestStore(t)
	failing := &stubWriter{runFunc: func(_ context.Context, _, _ string, _ failover.Binding) (storage.Report, error) {
		return storage.Report{}, writer.ErrNoContext
	}}
	o := New(store, &stubBinder{}, okResearch(), failing, nil, Options{}, testLogger())

	jobID, err := o.Submit(context.Background(), "contextless", research.DepthBasic)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForTerminal(t, o, jobID)
	if job.State != storage.JobFailed {
		t.Fatalf("state = %s", job.State)
	}
	if !strings.Contains(job.Error, writer.ErrNoContext.Error()) {
		t.Fatalf("error = %q", job.Error)
	}
}

func TestSubmit_DegradedBindingIsRecordedOnJob(t *testing.T) {
	store := openTestStore(t)
	binder := &stubBinder{binding: failover.Binding{VectorDegraded: true}}
	o := New(store, binder, okResearch(), okWriter("r"), nil, Options{}, testLogger())

	jobID, err := o.Submit(context.Background(), "degraded run", research.DepthBasic)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForTerminal(t, o, jobID)
	if job.State != storage.JobCompleted {
		t.Fatalf("state = %s, error = %q", job.State, job.Error)
	}
	if !job.DegradedVector || job.DegradedReports {
		t.Fatalf("degraded flags = vector:%t reports:%t", job.DegradedVector, job.DegradedReports)
	}
}

func TestSubmit_WatchdogFailsStuckJob(t *testing.T) {
	store := openTestStore(t)
	stuck := &stubResearch{runFunc: func(ctx context.Context, _ string, _ research.Depth, _ failover.Binding) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}}
	o := New(store, &stubBinder{}, stuck, okWriter("r"), nil, Options{JobTimeout: 50 * time.Millisecond}, testLogger())

	jobID, err := o.Submit(context.Background(), "slow topic", research.DepthBasic)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitForTerminal(t, o, jobID)
	if job.State != storage.JobFailed {
		t.Fatalf("state = %s", job.State)
	}
	if !strings.Contains(job.Error, ErrJobTimeout.Error()) {
		t.Fatalf("error = %q", job.Error)
	}
}

func TestSubmit_ConcurrencyIsBounded(t *testing.T) {
	store := openTestStore(t)

	release := make(chan struct{})
	var running atomic.Int32
	var peak atomic.Int32
	gated := &stubResearch{runFunc: func(_ context.Context, _ string, _ research.Depth, _ failover.Binding) (int, error) {
		n := running.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		<-release
		running.Add(-1)
		return 1, nil
	}}
	o := New(store, &stubBinder{}, gated, okWriter("r"), nil, Options{MaxConcurrentJobs: 1}, testLogger())

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := o.Submit(context.Background(), "queued topic", research.DepthBasic)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, id)
	}

	time.Sleep(50 * time.Millisecond)
	if got := running.Load(); got != 1 {
		t.Fatalf("running = %d, want 1", got)
	}
	close(release)

	for _, id := range ids {
		job := waitForTerminal(t, o, id)
		if job.State != storage.JobCompleted {
			t.Fatalf("job %s state = %s, error = %q", id, job.State, job.Error)
		}
	}
	if peak.Load() != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestSubmit_ReviewIsStoredOnReport(t *testing.T) {
	store := openTestStore(t)
	binder := &stubBinder{binding: failover.Binding{Reports: store}}
	persisting := &stubWriter{runFunc: func(ctx context.Context, jobID, topic string, b failover.Binding) (storage.Report, error) {
		r := storage.Report{ID: "report-rev", JobID: jobID, Topic: topic, Content: "body"}
		if err := b.Reports.SaveReport(ctx, r); err != nil {
			return storage.Report{}, err
		}
		return r, nil
	}}
	o := New(store, binder, okResearch(), persisting, &stubReviewer{review: "needs citations"}, Options{}, testLogger())

	jobID, err := o.Submit(context.Background(), "reviewed topic", research.DepthBasic)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForTerminal(t, o, jobID)

	report, err := store.GetReport(context.Background(), "report-rev")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if report.Review != "needs citations" {
		t.Fatalf("review = %q", report.Review)
	}
}

func TestWait_ReturnsAfterJobsDrain(t *testing.T) {
	store := openTestStore(t)
	o := New(store, &stubBinder{}, okResearch(), okWriter("r"), nil, Options{}, testLogger())

	if _, err := o.Submit(context.Background(), "drain me", research.DepthBasic); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := o.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
