package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the primary, networked report store backed by a pgx
// connection pool. The pool is shared across concurrent jobs. The
// server may be unreachable when the store is constructed; the schema
// is ensured on first successful use, and the failover policy keeps
// traffic on the fallback until the health probe passes.
type Postgres struct {
	pool *pgxpool.Pool

	mu    sync.Mutex
	ready bool
}

var _ ReportStore = (*Postgres)(nil)

// ConnectPostgres builds the connection pool. Only an invalid URL is an
// error here; an unreachable server just means the store reports
// unhealthy until it recovers.
func ConnectPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("configuring postgres pool: %w", err)
	}

	p := &Postgres{pool: pool}
	if pool.Ping(ctx) == nil {
		_ = p.ensureReady(ctx)
	}
	return p, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// ensureReady creates the reports schema once per process.
func (p *Postgres) ensureReady(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS reports (
			id UUID PRIMARY KEY,
			job_id UUID NOT NULL,
			topic TEXT NOT NULL,
			content TEXT NOT NULL,
			review TEXT NOT NULL DEFAULT '',
			sources JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_reports_job_id ON reports(job_id)`)
	if err != nil {
		return fmt.Errorf("ensuring reports schema: %w", err)
	}
	p.ready = true
	return nil
}

// SaveReport persists a report row. Saving the same id again overwrites
// the row, so a reviewed report can be re-persisted in place.
func (p *Postgres) SaveReport(ctx context.Context, r Report) error {
	if err := p.ensureReady(ctx); err != nil {
		return err
	}
	sources, err := json.Marshal(r.Sources)
	if err != nil {
		return fmt.Errorf("marshalling sources: %w", err)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO reports (id, job_id, topic, content, review, sources, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			review = EXCLUDED.review,
			sources = EXCLUDED.sources`,
		r.ID, r.JobID, r.Topic, r.Content, r.Review, sources, createdAt,
	)
	if err != nil {
		return fmt.Errorf("saving report %s: %w", r.ID, err)
	}
	return nil
}

// GetReport returns the report with the given id, or ErrNotFound.
func (p *Postgres) GetReport(ctx context.Context, id string) (Report, error) {
	if err := p.ensureReady(ctx); err != nil {
		return Report{}, err
	}
	var r Report
	var sources []byte
	err := p.pool.QueryRow(ctx, `
		SELECT id, job_id, topic, content, review, sources, created_at
		FROM reports WHERE id = $1`, id,
	).Scan(&r.ID, &r.JobID, &r.Topic, &r.Content, &r.Review, &sources, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("getting report %s: %w", id, err)
	}
	if err := json.Unmarshal(sources, &r.Sources); err != nil {
		return Report{}, fmt.Errorf("parsing sources: %w", err)
	}
	return r, nil
}

// HealthCheck pings the pool with a bounded timeout. It never propagates
// connection errors; an unreachable server is reported as false.
func (p *Postgres) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if p.pool.Ping(ctx) != nil {
		return false
	}
	return p.ensureReady(ctx) == nil
}
