// Package review runs an optional quality pass over generated reports.
// A review is advisory: its failure never fails the job that produced
// the report.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/scribo/internal/llm"
)

const defaultTimeout = 60 * time.Second

const reviewSystemPrompt = `You are an editor reviewing a research report.

Assess factual coherence, structure and coverage of the stated topic.
Reply with a short review: two or three sentences of overall assessment
followed by a bulleted list of concrete improvements, if any.`

// Generator produces free text from a chat exchange.
type Generator interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// Reviewer asks the model to critique a finished report. Disabled
// reviewers and failed reviews both yield an empty review.
type Reviewer struct {
	generator Generator
	logger    *slog.Logger
	enabled   bool
	timeout   time.Duration
}

func NewReviewer(generator Generator, enabled bool, timeout time.Duration, logger *slog.Logger) *Reviewer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{generator: generator, logger: logger, enabled: enabled, timeout: timeout}
}

// Review returns the model's critique of the report, or "" when the
// reviewer is disabled or the critique could not be produced.
func (r *Reviewer) Review(ctx context.Context, topic, content string) string {
	if !r.enabled || r.generator == nil {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	messages := []llm.Message{
		{Role: "system", Content: reviewSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Topic: %s\n\nReport:\n\n%s", topic, content)},
	}
	review, err := r.generator.Chat(ctx, messages)
	if err != nil {
		r.logger.Warn("report review skipped", "topic", topic, "error", err)
		return ""
	}
	return strings.TrimSpace(review)
}
