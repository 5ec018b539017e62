package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ReportStore is the relational half of the storage capability: persist a
// report, fetch one back, and answer a cheap health probe. Implemented by
// the networked Postgres store and by the local SQLite Store with
// identical call contracts (the fallback only offers weaker durability).
type ReportStore interface {
	SaveReport(ctx context.Context, r Report) error
	GetReport(ctx context.Context, id string) (Report, error)
	HealthCheck(ctx context.Context) bool
}

// Compile-time check that the SQLite store can serve as a report store.
var _ ReportStore = (*Store)(nil)

// SaveReport persists a report as a single row. All-or-nothing: a report
// is never partially visible. Saving the same id again overwrites the
// row, so a reviewed report can be re-persisted in place.
func (s *Store) SaveReport(ctx context.Context, r Report) error {
	sources, err := json.Marshal(r.Sources)
	if err != nil {
		return fmt.Errorf("marshalling sources: %w", err)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (id, job_id, topic, content, review, sources, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			review = excluded.review,
			sources = excluded.sources`,
		r.ID, r.JobID, r.Topic, r.Content, r.Review, string(sources), createdAt.Format(time.RFC3339),
	)
	return err
}

// GetReport returns the report with the given id, or ErrNotFound.
func (s *Store) GetReport(ctx context.Context, id string) (Report, error) {
	var r Report
	var sources, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, topic, content, review, sources, created_at
		FROM reports WHERE id = ?`, id,
	).Scan(&r.ID, &r.JobID, &r.Topic, &r.Content, &r.Review, &sources, &createdAt)
	if err == sql.ErrNoRows {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, err
	}
	if err := json.Unmarshal([]byte(sources), &r.Sources); err != nil {
		return Report{}, fmt.Errorf("parsing sources: %w", err)
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Report{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	return r, nil
}

// HealthCheck reports whether the local database answers a ping. Local
// SQLite is effectively always healthy; the probe exists so the fallback
// satisfies the same contract as the networked store.
func (s *Store) HealthCheck(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}
