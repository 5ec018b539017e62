// Package failover selects primary or fallback storage per job. The
// vector and report subsystems are probed independently; a binding is
// resolved once per job and never changes mid-pipeline, so every read in
// a job sees that job's own writes.
package failover

import (
	"context"
	"log/slog"

	"github.com/kalambet/scribo/internal/storage"
	"github.com/kalambet/scribo/internal/vector"
)

// Binding is the storage selection for one job. Stages receive it
// explicitly instead of consulting global state at each call site.
type Binding struct {
	Vector  vector.Store
	Reports storage.ReportStore

	VectorDegraded  bool
	ReportsDegraded bool
}

// Degraded reports whether any subsystem is running on its fallback.
func (b Binding) Degraded() bool {
	return b.VectorDegraded || b.ReportsDegraded
}

// Policy holds the primary/fallback pairs. Primaries may be nil when no
// networked backend is configured; the process then runs on local
// storage by choice, which is not counted as degradation.
type Policy struct {
	vectorPrimary   vector.Store
	vectorFallback  vector.Store
	reportsPrimary  storage.ReportStore
	reportsFallback storage.ReportStore
	logger          *slog.Logger
}

// NewPolicy creates a Policy. Fallbacks are required; primaries are
// optional.
func NewPolicy(vectorPrimary, vectorFallback vector.Store, reportsPrimary, reportsFallback storage.ReportStore) *Policy {
	return &Policy{
		vectorPrimary:   vectorPrimary,
		vectorFallback:  vectorFallback,
		reportsPrimary:  reportsPrimary,
		reportsFallback: reportsFallback,
		logger:          slog.Default(),
	}
}

// Bind resolves a binding for one job. Each primary is health-checked
// once; a failed probe binds the subsystem to its fallback for the whole
// job. There is no mid-job retry: mixing backends within a pipeline
// would silently lose the research stage's writes. The next job probes
// afresh.
func (p *Policy) Bind(ctx context.Context) Binding {
	b := Binding{
		Vector:  p.vectorFallback,
		Reports: p.reportsFallback,
	}

	if p.vectorPrimary != nil {
		if p.vectorPrimary.HealthCheck(ctx) {
			b.Vector = p.vectorPrimary
		} else {
			b.VectorDegraded = true
			p.logger.Warn("vector store unreachable, binding job to local fallback")
		}
	}

	if p.reportsPrimary != nil {
		if p.reportsPrimary.HealthCheck(ctx) {
			b.Reports = p.reportsPrimary
		} else {
			b.ReportsDegraded = true
			p.logger.Warn("report store unreachable, binding job to local fallback")
		}
	}

	return b
}
