package rerank

import (
	"context"
	"errors"
	"testing"
)

type fakeCrossEncoder struct {
	scores map[string]float64
	err    error
}

func (f fakeCrossEncoder) Score(ctx context.Context, query string, pairs []Pair) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(pairs))
	for i, p := range pairs {
		out[i] = f.scores[p.EntityID]
	}
	return out, nil
}

func TestRerankOrdersByFinalScoreDesc(t *testing.T) {
	ce := fakeCrossEncoder{scores: map[string]float64{"a": 2.0, "b": 0.5, "c": 3.0}}
	r := New(DefaultConfig(), ce, nil)

	candidates := []Candidate{
		{EntityID: "a", Text: "a"},
		{EntityID: "b", Text: "b"},
		{EntityID: "c", Text: "c"},
	}

	ranked, usedCE := r.Rerank(context.Background(), "query", candidates)
	if !usedCE {
		t.Fatal("expected cross-encoder to be used")
	}
	if len(ranked) != 3 {
		t.Fatalf("len(ranked) = %d, want 3", len(ranked))
	}
	if ranked[0].EntityID != "c" {
		t.Fatalf("ranked[0] = %s, want c (highest raw score)", ranked[0].EntityID)
	}
}

func TestRerankDegradesToCombinedScoreOnEncoderError(t *testing.T) {
	ce := fakeCrossEncoder{err: errors.New("boom")}
	r := New(DefaultConfig(), ce, nil)

	candidates := []Candidate{
		{EntityID: "a", CombinedScore: 0.9},
		{EntityID: "b", CombinedScore: 0.1},
	}

	ranked, usedCE := r.Rerank(context.Background(), "query", candidates)
	if usedCE {
		t.Fatal("expected degraded=false equivalent (usedCE=false) on encoder error")
	}
	if ranked[0].EntityID != "a" {
		t.Fatalf("ranked[0] = %s, want a (higher combined score)", ranked[0].EntityID)
	}
}

func TestRerankNilEncoderDegradesImmediately(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)
	candidates := []Candidate{{EntityID: "a", CombinedScore: 0.5}}

	ranked, usedCE := r.Rerank(context.Background(), "q", candidates)
	if usedCE {
		t.Fatal("nil cross-encoder must degrade")
	}
	if len(ranked) != 1 {
		t.Fatalf("len(ranked) = %d, want 1", len(ranked))
	}
}

func TestRerankMemoryBoostCappedAndClamped(t *testing.T) {
	ce := fakeCrossEncoder{scores: map[string]float64{"a": 5.0}}
	cfg := DefaultConfig()
	cfg.ContextBoostCap = 0.1
	booster := func(entityID, area, domain string) float64 { return 3.0 } // max boost weight
	r := New(cfg, ce, booster)

	ranked, _ := r.Rerank(context.Background(), "q", []Candidate{{EntityID: "a"}})
	if ranked[0].ContextBoost > cfg.ContextBoostCap {
		t.Fatalf("context_boost = %f exceeds cap %f", ranked[0].ContextBoost, cfg.ContextBoostCap)
	}
}

func TestRerankPrimaryRelatedSplit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPrimary = 1
	cfg.MaxRelated = 1
	cfg.PrimaryThreshold = 0.0 // everyone clears primary threshold
	ce := fakeCrossEncoder{scores: map[string]float64{"a": 5, "b": 4, "c": 3}}
	r := New(cfg, ce, nil)

	candidates := []Candidate{{EntityID: "a"}, {EntityID: "b"}, {EntityID: "c"}}
	ranked, _ := r.Rerank(context.Background(), "q", candidates)

	if len(ranked) != 2 {
		t.Fatalf("len(ranked) = %d, want 2 (1 primary + 1 related, c dropped)", len(ranked))
	}
	if ranked[0].Role != RolePrimary || ranked[1].Role != RoleRelated {
		t.Fatalf("roles = %v, %v", ranked[0].Role, ranked[1].Role)
	}
}

func TestRerankEmptyCandidates(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)
	ranked, ok := r.Rerank(context.Background(), "q", nil)
	if ranked != nil || !ok {
		t.Fatalf("expected (nil, true) for empty candidates, got (%v, %v)", ranked, ok)
	}
}
