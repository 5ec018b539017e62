// Package research implements the gathering half of the report pipeline:
// it turns a topic into embedded knowledge fragments stored in the
// vector backend bound for the job.
package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/scribo/internal/failover"
	"github.com/kalambet/scribo/internal/llm"
	"github.com/kalambet/scribo/internal/vector"
)

// ErrNoUsableContent means the stage could not produce a single stored
// fragment for the topic. The job cannot proceed to writing.
var ErrNoUsableContent = errors.New("no usable content gathered for topic")

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
	defaultEmbedWorkers = 4
)

// Depth controls how many gathering passes the stage runs for a topic.
type Depth string

const (
	DepthBasic        Depth = "basic"
	DepthIntermediate Depth = "intermediate"
	DepthDeep         Depth = "deep"
)

// ParseDepth maps a caller-supplied depth string onto a Depth. The empty
// string means basic.
func ParseDepth(s string) (Depth, error) {
	switch Depth(s) {
	case "", DepthBasic:
		return DepthBasic, nil
	case DepthIntermediate:
		return DepthIntermediate, nil
	case DepthDeep:
		return DepthDeep, nil
	default:
		return "", fmt.Errorf("unknown research depth %q (want basic, intermediate or deep)", s)
	}
}

func (d Depth) passes() int {
	switch d {
	case DepthIntermediate:
		return 2
	case DepthDeep:
		return 3
	default:
		return 1
	}
}

// Generator produces free text from a chat exchange.
type Generator interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Stage gathers raw content for a topic, splits it into fragments and
// embeds each one into the job's bound vector store.
type Stage struct {
	generator Generator
	embedder  Embedder
	logger    *slog.Logger

	chunkSize    int
	chunkOverlap int
	embedWorkers int
}

func NewStage(generator Generator, embedder Embedder, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		generator:    generator,
		embedder:     embedder,
		logger:       logger,
		chunkSize:    defaultChunkSize,
		chunkOverlap: defaultChunkOverlap,
		embedWorkers: defaultEmbedWorkers,
	}
}

// Run gathers content for topic at the requested depth and stores
// embedded fragments through binding. It returns the number of
// fragments stored. Individual fragment embedding failures are
// tolerated; the stage fails only when nothing at all survives or the
// vector store rejects the batch.
func (s *Stage) Run(ctx context.Context, topic string, depth Depth, binding failover.Binding) (int, error) {
	content, err := s.gather(ctx, topic, depth)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoUsableContent, err)
	}

	fragments := SplitFragments(content, s.chunkSize, s.chunkOverlap)
	if len(fragments) == 0 {
		return 0, ErrNoUsableContent
	}

	records := make([]*vector.Record, len(fragments))
	now := time.Now().UTC()

	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.embedWorkers)
	for i, fragment := range fragments {
		g.Go(func() error {
			embedding, err := s.embedder.Embed(gctx, fragment)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Warn("fragment embedding failed, skipping",
					"topic", topic, "fragment", i, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			records[i] = &vector.Record{
				ID:         uuid.NewString(),
				Topic:      topic,
				SourceText: fragment,
				Embedding:  embedding,
				CreatedAt:  now,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("embedding fragments: %w", err)
	}

	survivors := make([]vector.Record, 0, len(records))
	for _, r := range records {
		if r != nil {
			survivors = append(survivors, *r)
		}
	}
	if len(survivors) == 0 {
		return 0, ErrNoUsableContent
	}

	if err := binding.Vector.Upsert(ctx, survivors); err != nil {
		return 0, fmt.Errorf("storing fragments: %w", err)
	}

	if failed > 0 {
		s.logger.Info("gathered content with partial embedding failures",
			"topic", topic, "stored", len(survivors), "failed", failed)
	}
	return len(survivors), nil
}

// gather runs one briefing pass per depth level. Passes after the first
// see the material so far and are asked to cover what it misses, so a
// deep job widens the fragment pool instead of restating it.
func (s *Stage) gather(ctx context.Context, topic string, depth Depth) (string, error) {
	var briefings []string
	for pass := 0; pass < depth.passes(); pass++ {
		user := fmt.Sprintf("Research topic: %s", topic)
		if pass > 0 {
			user = fmt.Sprintf("Research topic: %s\n\nThe briefing so far is below. Go deeper: cover aspects, details and angles it does not address. Do not repeat it.\n\n%s",
				topic, strings.Join(briefings, "\n\n"))
		}
		messages := []llm.Message{
			{Role: "system", Content: gatherSystemPrompt},
			{Role: "user", Content: user},
		}
		content, err := s.generator.Chat(ctx, messages)
		if err != nil {
			if pass > 0 {
				// Keep what earlier passes produced.
				s.logger.Warn("deep gathering pass failed, keeping earlier passes",
					"topic", topic, "pass", pass, "error", err)
				break
			}
			return "", err
		}
		if strings.TrimSpace(content) != "" {
			briefings = append(briefings, content)
		}
	}
	if len(briefings) == 0 {
		return "", errors.New("empty briefing")
	}
	return strings.Join(briefings, "\n\n"), nil
}

const gatherSystemPrompt = `You are a research analyst. Produce a thorough factual briefing on the given topic.

Cover the background, core concepts, current state, notable developments and open problems. Organize the briefing into paragraphs separated by blank lines. State concrete facts, figures and names where you know them. Do not include an introduction about yourself or meta commentary.`
