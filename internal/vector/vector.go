// Package vector provides embedding storage and similarity search, with a
// networked Qdrant backend and a local SQLite fallback sharing one
// contract.
package vector

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
// The failover policy reacts to it by binding jobs to the fallback store.
var ErrUnavailable = errors.New("vector store unavailable")

// Store is the vector half of the storage capability. Implementations
// must be safe for concurrent use by multiple jobs.
type Store interface {
	// Upsert writes fragment records. Records are immutable once written.
	Upsert(ctx context.Context, records []Record) error

	// Search returns the top-K records most similar to the query vector,
	// ordered by descending relevance score.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error)

	// HealthCheck answers a cheap liveness probe. It never returns an
	// error; an unreachable backend reports false.
	HealthCheck(ctx context.Context) bool
}

// Record is one embedded content fragment.
type Record struct {
	ID         string
	Topic      string
	SourceText string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
