package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Compile-time check that QdrantStore implements Store.
var _ Store = (*QdrantStore)(nil)

// QdrantStore is the primary, networked vector backend talking to the
// Qdrant REST API. The underlying http.Client pools connections and is
// shared across concurrent jobs.
type QdrantStore struct {
	baseURL    string
	collection string
	dimensions int
	httpClient *http.Client

	mu      sync.Mutex
	created bool
}

// NewQdrantStore creates a store for the given collection. dimensions is
// the embedding width; the collection is created on first upsert if it
// does not exist.
func NewQdrantStore(baseURL, collection string, dimensions int) *QdrantStore {
	return &QdrantStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		dimensions: dimensions,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

type upsertRequest struct {
	Points []qdrantPoint `json:"points"`
}

// Upsert writes records, creating the collection on first use.
func (q *QdrantStore) Upsert(ctx context.Context, records []Record) error {
	if err := q.ensureCollection(ctx); err != nil {
		return err
	}

	points := make([]qdrantPoint, len(records))
	for i, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		points[i] = qdrantPoint{
			ID:     r.ID,
			Vector: r.Embedding,
			Payload: map[string]any{
				"topic":       r.Topic,
				"source_text": r.SourceText,
				"created_at":  createdAt.Format(time.RFC3339),
			},
		}
	}

	body, err := json.Marshal(upsertRequest{Points: points})
	if err != nil {
		return fmt.Errorf("marshalling points: %w", err)
	}

	// wait=true: the operation must be acknowledged before the pipeline
	// advances, so a same-job search sees these writes.
	url := fmt.Sprintf("%s/collections/%s/points?wait=true", q.baseURL, q.collection)
	resp, err := q.do(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upsert: unexpected status %d: %w", resp.StatusCode, ErrUnavailable)
	}
	return nil
}

type searchRequest struct {
	Vector      []float32 `json:"vector"`
	Limit       int       `json:"limit"`
	WithPayload bool      `json:"with_payload"`
}

type searchResponse struct {
	Result []struct {
		ID      string         `json:"id"`
		Score   float32        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

// Search returns the top-K most similar records by cosine distance.
func (q *QdrantStore) Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error) {
	body, err := json.Marshal(searchRequest{Vector: vector, Limit: topK, WithPayload: true})
	if err != nil {
		return nil, fmt.Errorf("marshalling search request: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", q.baseURL, q.collection)
	resp, err := q.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// A missing collection just means nothing was ever upserted.
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search: unexpected status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	records := make([]ScoredRecord, 0, len(result.Result))
	for _, hit := range result.Result {
		r := Record{ID: hit.ID}
		if topic, ok := hit.Payload["topic"].(string); ok {
			r.Topic = topic
		}
		if text, ok := hit.Payload["source_text"].(string); ok {
			r.SourceText = text
		}
		if createdAt, ok := hit.Payload["created_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
				r.CreatedAt = t
			}
		}
		records = append(records, ScoredRecord{Record: r, Score: hit.Score})
	}
	return records, nil
}

// HealthCheck probes GET /healthz with a short timeout. Never errors.
func (q *QdrantStore) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := q.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type createCollectionRequest struct {
	Vectors vectorParams `json:"vectors"`
}

type vectorParams struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

// ensureCollection creates the collection if it does not exist yet. The
// check runs once per process; Qdrant treats re-creation of an identical
// collection as a conflict, so existence is probed first.
func (q *QdrantStore) ensureCollection(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.created {
		return nil
	}

	url := fmt.Sprintf("%s/collections/%s", q.baseURL, q.collection)
	resp, err := q.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		q.created = true
		return nil
	}

	body, err := json.Marshal(createCollectionRequest{
		Vectors: vectorParams{Size: q.dimensions, Distance: "Cosine"},
	})
	if err != nil {
		return fmt.Errorf("marshalling collection config: %w", err)
	}

	resp, err = q.do(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("creating collection %s: unexpected status %d: %w", q.collection, resp.StatusCode, ErrUnavailable)
	}
	q.created = true
	return nil
}

func (q *QdrantStore) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qdrant request failed: %v: %w", err, ErrUnavailable)
	}
	return resp, nil
}
