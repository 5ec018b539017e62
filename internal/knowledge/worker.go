// Package knowledge runs the background ingest worker: it folds
// uploaded documents and finished reports into the vector store so
// later jobs and chat turns can draw on them.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/kalambet/scribo/internal/failover"
	"github.com/kalambet/scribo/internal/research"
	"github.com/kalambet/scribo/internal/storage"
	"github.com/kalambet/scribo/internal/vector"
)

const (
	TypeIndexDocument = "index_document"
	TypeIndexReport   = "index_report"

	defaultPollInterval = 2 * time.Second
	chunkSize           = 1000
	chunkOverlap        = 200
)

var jobTypes = []string{TypeIndexDocument, TypeIndexReport}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type binder interface {
	Bind(ctx context.Context) failover.Binding
}

// queueStore is the slice of the local store the worker drives.
type queueStore interface {
	ClaimNextIngestJob(types []string) (*storage.IngestJob, error)
	CompleteIngestJob(id string) error
	FailIngestJob(id, errMsg string) error
	GetDocument(id string) (storage.Document, error)
	GetReport(ctx context.Context, id string) (storage.Report, error)
}

// Worker polls the ingest queue and indexes one job at a time. Storage
// backends are bound fresh per job, so a recovered primary is picked up
// without restarting the worker.
type Worker struct {
	store    queueStore
	policy   binder
	embedder Embedder
	logger   *slog.Logger
	interval time.Duration
}

func NewWorker(store queueStore, policy binder, embedder Embedder, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		policy:   policy,
		embedder: embedder,
		logger:   logger,
		interval: defaultPollInterval,
	}
}

// Run drains the queue until ctx is cancelled, sleeping between polls
// when the queue is empty.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		for {
			processed, err := w.ProcessOne(ctx)
			if err != nil {
				w.logger.Error("ingest queue poll failed", "error", err)
				break
			}
			if !processed {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOne claims and runs a single ingest job. It reports whether a
// job was claimed; job-level failures are recorded on the queue and do
// not surface as errors.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextIngestJob(jobTypes)
	if err != nil {
		return false, fmt.Errorf("claiming ingest job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.index(ctx, job); err != nil {
		w.logger.Warn("ingest job failed", "ingest_id", job.ID, "type", job.Type, "error", err)
		if ferr := w.store.FailIngestJob(job.ID, err.Error()); ferr != nil {
			w.logger.Error("recording ingest failure", "ingest_id", job.ID, "error", ferr)
		}
		return true, nil
	}
	if err := w.store.CompleteIngestJob(job.ID); err != nil {
		w.logger.Error("completing ingest job", "ingest_id", job.ID, "error", err)
	}
	return true, nil
}

func (w *Worker) index(ctx context.Context, job *storage.IngestJob) error {
	binding := w.policy.Bind(ctx)

	topic, text, err := w.load(ctx, job, binding)
	if err != nil {
		return err
	}

	fragments := research.SplitFragments(text, chunkSize, chunkOverlap)
	if len(fragments) == 0 {
		return errors.New("nothing to index")
	}

	now := time.Now().UTC()
	records := make([]vector.Record, 0, len(fragments))
	for i, fragment := range fragments {
		embedding, err := w.embedder.Embed(ctx, fragment)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("fragment embedding failed, skipping",
				"ingest_id", job.ID, "fragment", i, "error", err)
			continue
		}
		records = append(records, vector.Record{
			ID:         uuid.NewString(),
			Topic:      topic,
			SourceText: fragment,
			Embedding:  embedding,
			CreatedAt:  now,
		})
	}
	if len(records) == 0 {
		return errors.New("no fragment survived embedding")
	}

	if err := binding.Vector.Upsert(ctx, records); err != nil {
		return fmt.Errorf("storing fragments: %w", err)
	}
	w.logger.Info("indexed", "ingest_id", job.ID, "type", job.Type, "fragments", len(records))
	return nil
}

// load resolves the ingest payload into a topic and the plain text to
// index.
func (w *Worker) load(ctx context.Context, job *storage.IngestJob, binding failover.Binding) (string, string, error) {
	switch job.Type {
	case TypeIndexDocument:
		var payload struct {
			DocumentID string `json:"document_id"`
		}
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return "", "", fmt.Errorf("parsing payload: %w", err)
		}
		doc, err := w.store.GetDocument(payload.DocumentID)
		if err != nil {
			return "", "", fmt.Errorf("loading document %s: %w", payload.DocumentID, err)
		}
		text, err := extractText(doc)
		if err != nil {
			return "", "", fmt.Errorf("extracting text from %s: %w", doc.ID, err)
		}
		return doc.Title, text, nil

	case TypeIndexReport:
		var payload struct {
			ReportID string `json:"report_id"`
		}
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return "", "", fmt.Errorf("parsing payload: %w", err)
		}
		// Reports live in whichever store the writing job was bound to,
		// so check the current binding first and the local store second.
		report, err := binding.Reports.GetReport(ctx, payload.ReportID)
		if errors.Is(err, storage.ErrNotFound) {
			report, err = w.store.GetReport(ctx, payload.ReportID)
		}
		if err != nil {
			return "", "", fmt.Errorf("loading report %s: %w", payload.ReportID, err)
		}
		return report.Topic, report.Content, nil

	default:
		return "", "", fmt.Errorf("unknown ingest job type %q", job.Type)
	}
}

// extractText pulls plain text out of a stored document. PDFs go
// through the pdf reader; everything else is treated as UTF-8 text.
func extractText(doc storage.Document) (string, error) {
	if doc.MimeType != "application/pdf" {
		return string(doc.Content), nil
	}

	reader, err := pdf.NewReader(bytes.NewReader(doc.Content), int64(len(doc.Content)))
	if err != nil {
		return "", err
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if _, err := io.Copy(&b, plain); err != nil {
		return "", err
	}
	return b.String(), nil
}
