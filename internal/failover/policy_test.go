package failover

import (
	"context"
	"testing"

	"github.com/kalambet/scribo/internal/storage"
	"github.com/kalambet/scribo/internal/vector"
)

type stubVectorStore struct {
	vector.Store
	healthy bool
}

func (s *stubVectorStore) HealthCheck(ctx context.Context) bool { return s.healthy }

type stubReportStore struct {
	storage.ReportStore
	healthy bool
}

func (s *stubReportStore) HealthCheck(ctx context.Context) bool { return s.healthy }

func TestBind_HealthyPrimaries(t *testing.T) {
	vp := &stubVectorStore{healthy: true}
	vf := &stubVectorStore{healthy: true}
	rp := &stubReportStore{healthy: true}
	rf := &stubReportStore{healthy: true}

	b := NewPolicy(vp, vf, rp, rf).Bind(context.Background())

	if b.Vector != vp {
		t.Error("vector bound to fallback despite healthy primary")
	}
	if b.Reports != rp {
		t.Error("reports bound to fallback despite healthy primary")
	}
	if b.Degraded() {
		t.Error("binding marked degraded with healthy primaries")
	}
}

func TestBind_SubsystemsDegradeIndependently(t *testing.T) {
	vp := &stubVectorStore{healthy: false}
	vf := &stubVectorStore{healthy: true}
	rp := &stubReportStore{healthy: true}
	rf := &stubReportStore{healthy: true}

	b := NewPolicy(vp, vf, rp, rf).Bind(context.Background())

	if b.Vector != vf {
		t.Error("vector not bound to fallback despite failed probe")
	}
	if !b.VectorDegraded {
		t.Error("VectorDegraded = false after failed probe")
	}
	if b.Reports != rp {
		t.Error("reports rebound even though its primary is healthy")
	}
	if b.ReportsDegraded {
		t.Error("ReportsDegraded = true with healthy reports primary")
	}
}

func TestBind_NoPrimariesConfigured(t *testing.T) {
	vf := &stubVectorStore{healthy: true}
	rf := &stubReportStore{healthy: true}

	b := NewPolicy(nil, vf, nil, rf).Bind(context.Background())

	if b.Vector != vf || b.Reports != rf {
		t.Error("not bound to fallbacks in local-only mode")
	}
	if b.Degraded() {
		t.Error("local-only mode must not count as degraded")
	}
}

func TestBind_FreshEvaluationPerJob(t *testing.T) {
	vp := &stubVectorStore{healthy: false}
	vf := &stubVectorStore{healthy: true}
	rf := &stubReportStore{healthy: true}
	p := NewPolicy(vp, vf, nil, rf)

	if b := p.Bind(context.Background()); !b.VectorDegraded {
		t.Fatal("first bind not degraded")
	}

	// Primary recovers: the next job binds to it again.
	vp.healthy = true
	if b := p.Bind(context.Background()); b.Vector != vp || b.VectorDegraded {
		t.Error("recovered primary not picked up by subsequent bind")
	}
}
