// Package chat answers conversational questions over the accumulated
// knowledge base: stored research fragments and indexed reports.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/scribo/internal/failover"
	"github.com/kalambet/scribo/internal/llm"
	"github.com/kalambet/scribo/internal/storage"
	"github.com/kalambet/scribo/internal/vector"
)

const (
	defaultTopK    = 5
	historyWindow  = 10
	chatSystemTmpl = `You are a research assistant answering from a private knowledge base.

Ground your answer in the context passages below. When the context does
not cover the question, say so plainly instead of guessing.

Context passages:

%s`
)

// Generator produces free text from a chat exchange.
type Generator interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type binder interface {
	Bind(ctx context.Context) failover.Binding
}

// conversationStore is the slice of the local store the responder uses.
type conversationStore interface {
	EnsureConversation(id string) error
	AppendMessage(conversationID string, msg storage.Message) error
	GetConversation(id string) ([]storage.Message, error)
}

// Responder runs one chat turn: retrieve context for the user message,
// generate a grounded answer and append both turns to the conversation.
type Responder struct {
	store     conversationStore
	policy    binder
	generator Generator
	embedder  Embedder
	logger    *slog.Logger
	topK      int
}

func NewResponder(store conversationStore, policy binder, generator Generator, embedder Embedder, topK int, logger *slog.Logger) *Responder {
	if topK <= 0 {
		topK = defaultTopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		store:     store,
		policy:    policy,
		generator: generator,
		embedder:  embedder,
		logger:    logger,
		topK:      topK,
	}
}

// Respond answers message within the given conversation and returns the
// assistant reply. Both turns are recorded before returning.
func (r *Responder) Respond(ctx context.Context, conversationID, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", fmt.Errorf("empty message")
	}

	if err := r.store.EnsureConversation(conversationID); err != nil {
		return "", fmt.Errorf("ensuring conversation: %w", err)
	}
	history, err := r.store.GetConversation(conversationID)
	if err != nil {
		return "", fmt.Errorf("loading conversation: %w", err)
	}

	hits, err := r.retrieve(ctx, message)
	if err != nil {
		return "", err
	}

	messages := r.buildMessages(history, hits, message)
	reply, err := r.generator.Chat(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generating reply: %w", err)
	}
	reply = strings.TrimSpace(reply)

	if err := r.store.AppendMessage(conversationID, storage.Message{Role: "user", Content: message}); err != nil {
		return "", fmt.Errorf("recording user turn: %w", err)
	}
	if err := r.store.AppendMessage(conversationID, storage.Message{Role: "assistant", Content: reply}); err != nil {
		return "", fmt.Errorf("recording assistant turn: %w", err)
	}
	return reply, nil
}

// retrieve fetches the most relevant stored fragments for the message.
// An empty knowledge base is not an error; the model just answers
// without context.
func (r *Responder) retrieve(ctx context.Context, message string) ([]vector.ScoredRecord, error) {
	queryVec, err := r.embedder.Embed(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("embedding message: %w", err)
	}
	binding := r.policy.Bind(ctx)
	hits, err := binding.Vector.Search(ctx, queryVec, r.topK)
	if err != nil {
		return nil, fmt.Errorf("searching knowledge base: %w", err)
	}
	return hits, nil
}

func (r *Responder) buildMessages(history []storage.Message, hits []vector.ScoredRecord, message string) []llm.Message {
	var contextBlock strings.Builder
	if len(hits) == 0 {
		contextBlock.WriteString("(no relevant passages found)")
	}
	for i, hit := range hits {
		fmt.Fprintf(&contextBlock, "[%d] %s\n\n", i+1, strings.TrimSpace(hit.SourceText))
	}

	messages := []llm.Message{
		{Role: "system", Content: fmt.Sprintf(chatSystemTmpl, contextBlock.String())},
	}
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	return append(messages, llm.Message{Role: "user", Content: message})
}
