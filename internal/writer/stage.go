// Package writer implements the second half of the report pipeline:
// retrieving the fragments gathered for a topic and composing them into
// a persisted report.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/scribo/internal/failover"
	"github.com/kalambet/scribo/internal/llm"
	"github.com/kalambet/scribo/internal/storage"
)

// ErrNoContext means retrieval returned nothing to write from. The
// report cannot be generated.
var ErrNoContext = errors.New("no context retrieved for topic")

const defaultTopK = 5

// Generator produces free text from a chat exchange.
type Generator interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Stage retrieves stored fragments relevant to a topic and generates
// the final report from them.
type Stage struct {
	generator Generator
	embedder  Embedder
	logger    *slog.Logger
	topK      int
}

func NewStage(generator Generator, embedder Embedder, topK int, logger *slog.Logger) *Stage {
	if topK <= 0 {
		topK = defaultTopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{generator: generator, embedder: embedder, topK: topK, logger: logger}
}

// Run retrieves context for topic through binding, composes the report
// and persists it. The returned report carries the ordered source
// fragments it was written from.
func (s *Stage) Run(ctx context.Context, jobID, topic string, binding failover.Binding) (storage.Report, error) {
	queryVec, err := s.embedder.Embed(ctx, topic)
	if err != nil {
		return storage.Report{}, fmt.Errorf("embedding topic query: %w", err)
	}

	hits, err := binding.Vector.Search(ctx, queryVec, s.topK)
	if err != nil {
		return storage.Report{}, fmt.Errorf("retrieving context: %w", err)
	}
	if len(hits) == 0 {
		return storage.Report{}, ErrNoContext
	}

	// Equal-score hits rank newest first so a re-researched topic
	// favors its fresh fragments.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})

	messages := []llm.Message{
		{Role: "system", Content: composeSystemPrompt},
		{Role: "user", Content: composeUserPrompt(topic, hits)},
	}
	content, err := s.generator.Chat(ctx, messages)
	if err != nil {
		return storage.Report{}, fmt.Errorf("generating report: %w", err)
	}
	if strings.TrimSpace(content) == "" {
		return storage.Report{}, fmt.Errorf("generating report: %w", llm.ErrEmptyCompletion)
	}

	// Sources records the fragment ids in the order they were handed to
	// the generator, not the passage text itself.
	sources := make([]string, len(hits))
	for i, hit := range hits {
		sources[i] = hit.ID
	}

	report := storage.Report{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Topic:     topic,
		Content:   content,
		Sources:   sources,
		CreatedAt: time.Now().UTC(),
	}
	if err := binding.Reports.SaveReport(ctx, report); err != nil {
		return storage.Report{}, fmt.Errorf("persisting report: %w", err)
	}

	s.logger.Info("report generated", "job_id", jobID, "report_id", report.ID, "sources", len(sources))
	return report, nil
}
