// Package orchestrator owns the research job lifecycle: it accepts
// topics, drives each job through the gather and write stages, and
// records every outcome in the local job store.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/scribo/internal/failover"
	"github.com/kalambet/scribo/internal/research"
	"github.com/kalambet/scribo/internal/storage"
)

var (
	// ErrInvalidTopic rejects a submission before a job is created.
	ErrInvalidTopic = errors.New("topic must be non-empty and at most 500 characters")

	// ErrJobTimeout is recorded on jobs killed by the watchdog.
	ErrJobTimeout = errors.New("job exceeded its time budget")
)

const (
	maxTopicLen          = 500
	defaultJobTimeout    = 10 * time.Minute
	defaultMaxConcurrent = 4
)

type researchStage interface {
	Run(ctx context.Context, topic string, depth research.Depth, binding failover.Binding) (int, error)
}

type writeStage interface {
	Run(ctx context.Context, jobID, topic string, binding failover.Binding) (storage.Report, error)
}

type reportReviewer interface {
	Review(ctx context.Context, topic, content string) string
}

type binder interface {
	Bind(ctx context.Context) failover.Binding
}

// jobStore is the slice of the local store the orchestrator drives.
type jobStore interface {
	CreateJob(job storage.Job) error
	GetJob(id string) (storage.Job, error)
	AdvanceJob(id string, to storage.JobState) error
	CompleteJob(id, reportID string) error
	FailJob(id, errMsg string) error
	MarkJobDegraded(id string, vector, reports bool) error
	EnqueueIngestJob(job storage.IngestJob) error
}

// Options tune the orchestrator. Zero values fall back to defaults.
type Options struct {
	JobTimeout        time.Duration
	MaxConcurrentJobs int64
}

// Orchestrator runs report jobs. Submissions return immediately; each
// accepted job runs on its own goroutine once a concurrency slot frees
// up, against storage backends bound once at job start.
type Orchestrator struct {
	jobs     jobStore
	policy   binder
	research researchStage
	writer   writeStage
	reviewer reportReviewer
	logger   *slog.Logger

	sem        *semaphore.Weighted
	jobTimeout time.Duration
	wg         sync.WaitGroup
}

func New(jobs jobStore, policy binder, research researchStage, writer writeStage, reviewer reportReviewer, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = defaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		jobs:       jobs,
		policy:     policy,
		research:   research,
		writer:     writer,
		reviewer:   reviewer,
		logger:     logger,
		sem:        semaphore.NewWeighted(opts.MaxConcurrentJobs),
		jobTimeout: opts.JobTimeout,
	}
}

// Submit validates the topic, durably records a pending job and kicks
// off its pipeline in the background. It never blocks on the pipeline:
// over-capacity jobs simply wait in the pending state. The zero Depth
// means basic.
func (o *Orchestrator) Submit(ctx context.Context, topic string, depth research.Depth) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" || utf8.RuneCountInString(topic) > maxTopicLen {
		return "", ErrInvalidTopic
	}
	if depth == "" {
		depth = research.DepthBasic
	}

	job := storage.Job{ID: uuid.NewString(), Topic: topic}
	if err := o.jobs.CreateJob(job); err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}
	o.logger.Info("job accepted", "job_id", job.ID, "topic", topic, "depth", depth)

	o.wg.Add(1)
	go o.runJob(job.ID, topic, depth)
	return job.ID, nil
}

// Status returns the current job record.
func (o *Orchestrator) Status(jobID string) (storage.Job, error) {
	return o.jobs.GetJob(jobID)
}

// Wait blocks until all in-flight jobs have finished or ctx expires.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runJob drives one job through the pipeline. The job's lifetime is not
// tied to the submitting request: it runs on a background context
// bounded only by the wall-clock budget.
func (o *Orchestrator) runJob(jobID, topic string, depth research.Depth) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), o.jobTimeout)
	defer cancel()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.fail(jobID, fmt.Errorf("%w: queued for %s", ErrJobTimeout, o.jobTimeout))
		return
	}
	defer o.sem.Release(1)

	// Watchdog: a stage stuck past the budget gets its job failed out
	// from under it. The guarded transitions in the store make the
	// race with a concurrent completion safe.
	watchdog := time.AfterFunc(o.jobTimeout, func() {
		o.fail(jobID, ErrJobTimeout)
	})
	defer watchdog.Stop()

	if err := o.pipeline(ctx, jobID, topic, depth); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrJobTimeout
		}
		o.fail(jobID, err)
	}
}

func (o *Orchestrator) pipeline(ctx context.Context, jobID, topic string, depth research.Depth) error {
	binding := o.policy.Bind(ctx)
	if binding.Degraded() {
		if err := o.jobs.MarkJobDegraded(jobID, binding.VectorDegraded, binding.ReportsDegraded); err != nil {
			return fmt.Errorf("marking job degraded: %w", err)
		}
	}

	if err := o.jobs.AdvanceJob(jobID, storage.JobResearching); err != nil {
		return fmt.Errorf("advancing to researching: %w", err)
	}
	stored, err := o.research.Run(ctx, topic, depth, binding)
	if err != nil {
		return err
	}
	o.logger.Info("research stage done", "job_id", jobID, "fragments", stored)

	if err := o.jobs.AdvanceJob(jobID, storage.JobWriting); err != nil {
		return fmt.Errorf("advancing to writing: %w", err)
	}
	report, err := o.writer.Run(ctx, jobID, topic, binding)
	if err != nil {
		return err
	}

	if o.reviewer != nil {
		if review := o.reviewer.Review(ctx, topic, report.Content); review != "" {
			report.Review = review
			if err := binding.Reports.SaveReport(ctx, report); err != nil {
				o.logger.Warn("storing review failed", "job_id", jobID, "error", err)
			}
		}
	}

	if err := o.jobs.CompleteJob(jobID, report.ID); err != nil {
		if errors.Is(err, storage.ErrTerminal) {
			o.logger.Warn("job finished after terminal transition, result discarded", "job_id", jobID)
			return nil
		}
		return fmt.Errorf("completing job: %w", err)
	}
	o.logger.Info("job completed", "job_id", jobID, "report_id", report.ID)

	o.enqueueReportIndexing(jobID, report.ID)
	return nil
}

// fail records a job failure. A job that already reached a terminal
// state keeps its original outcome.
func (o *Orchestrator) fail(jobID string, cause error) {
	err := o.jobs.FailJob(jobID, cause.Error())
	switch {
	case err == nil:
		o.logger.Error("job failed", "job_id", jobID, "error", cause)
	case errors.Is(err, storage.ErrTerminal):
		// Lost the race against completion or the watchdog.
	default:
		o.logger.Error("recording job failure", "job_id", jobID, "error", err, "cause", cause)
	}
}

// enqueueReportIndexing asks the knowledge worker to fold the finished
// report back into the vector store. Best effort: the job outcome is
// already recorded.
func (o *Orchestrator) enqueueReportIndexing(jobID, reportID string) {
	payload, err := json.Marshal(map[string]string{"report_id": reportID})
	if err != nil {
		return
	}
	ingest := storage.IngestJob{
		ID:          uuid.NewString(),
		Type:        "index_report",
		PayloadJSON: string(payload),
	}
	if err := o.jobs.EnqueueIngestJob(ingest); err != nil {
		o.logger.Warn("enqueueing report indexing failed", "job_id", jobID, "report_id", reportID, "error", err)
	}
}
