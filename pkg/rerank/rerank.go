// Package rerank implements the Reranker (C7): cross-encoder scoring
// combined with memory/area/domain boosts, producing the final
// RankedEntity ordering. The Reranker interface generalizes the
// teacher's pkg/core.Reranker/RerankerFunc (reranker.go) to the bridge's
// cross-encoder contract; the (query_hash, entity_id) TTL cache is
// grounded on the retrieval pack's transformCache idiom (also reused by
// pkg/rewrite).
package rerank

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Candidate is one entity eligible for ranking: the fields the reranker
// needs without importing pkg/entity (keeps this package free of a
// storage dependency, matching the teacher's separation between
// pkg/core (mechanism) and reranker (policy)).
type Candidate struct {
	EntityID      string
	Text          string
	Domain        string
	Area          string
	CombinedScore float64 // merged vector+text score, used as base when the cross-encoder is unavailable
	SourceCluster string  // non-empty if this candidate came from the cluster path
}

// Role enumerates the output tier: primary or related entity.
type Role string

const (
	RolePrimary Role = "primary"
	RoleRelated Role = "related"
)

// Ranked is a ranked entity, minus the Entity payload itself (the caller
// re-attaches it by EntityID).
type Ranked struct {
	EntityID        string
	ClusterScore    *float64
	VectorScore     *float64
	TextScore       *float64
	CrossEncoderRaw float64
	BaseScore       float64
	ContextBoost    float64
	FinalScore      float64
	SourceCluster   string
	Role            Role
	RankingFactors  map[string]float64
}

// CrossEncoder scores (query, document) pairs. Satisfied by
// pkg/llm.CrossEncoder (adapted by the caller into this package's Pair
// shape to keep pkg/rerank free of an llm import).
type CrossEncoder interface {
	Score(ctx context.Context, query string, pairs []Pair) ([]float64, error)
}

// Pair mirrors pkg/llm.Pair: a (query, document) input built by the
// reranker, consumed by the encoder adapter.
type Pair struct {
	EntityID string
	Document string
}

// MemoryBooster supplies the context_boost multiplier for a candidate,
// satisfied by pkg/convmemory.Manager.BoostWeight via a small adapter in
// pkg/pipeline.
type MemoryBooster func(entityID, area, domain string) float64

// Config controls reranking thresholds.
type Config struct {
	ScaleFactor      float64       // sigmoid scale, default 1.0
	Offset           float64       // sigmoid offset, default 0.0
	ContextBoostCap  float64       // default 0.5
	PrimaryThreshold float64       // default 0.6
	MaxPrimary       int           // default 4
	MaxRelated       int           // default 6
	CacheTTL         time.Duration // default 5m
	BatchSize        int           // default 32
}

// DefaultConfig returns the reranker's default thresholds.
func DefaultConfig() Config {
	return Config{
		ScaleFactor:      1.0,
		Offset:           0.0,
		ContextBoostCap:  0.5,
		PrimaryThreshold: 0.6,
		MaxPrimary:       4,
		MaxRelated:       6,
		CacheTTL:         5 * time.Minute,
		BatchSize:        32,
	}
}

// Reranker implements cross-encoder scoring plus memory-boosted ranking.
type Reranker struct {
	cfg     Config
	ce      CrossEncoder
	cache   *scoreCache
	booster MemoryBooster
}

// New builds a Reranker. ce may be nil, in which case every call falls
// back to Candidate.CombinedScore as the base score ("if cross-encoder
// is unavailable...").
func New(cfg Config, ce CrossEncoder, booster MemoryBooster) *Reranker {
	if booster == nil {
		booster = func(string, string, string) float64 { return 1.0 }
	}
	return &Reranker{cfg: cfg, ce: ce, cache: newScoreCache(cfg.CacheTTL), booster: booster}
}

// Rerank scores every candidate, applies the memory boost, and returns
// the primary/related split, sorted by final_score desc, base desc,
// entity_id asc (tie-breaks).
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate) ([]Ranked, bool) {
	if len(candidates) == 0 {
		return nil, true
	}

	raw, degraded := r.scoreAll(ctx, query, candidates)

	ranked := make([]Ranked, 0, len(candidates))
	for i, c := range candidates {
		rawScore := raw[i]
		var base float64
		if degraded {
			base = c.CombinedScore
		} else {
			clipped := clip(rawScore, -10, 10)
			base = sigmoid(r.cfg.ScaleFactor * (clipped - r.cfg.Offset))
		}
		if math.IsNaN(base) {
			base = -1 // demote NaN-producing candidates to the end
		}

		weight := r.booster(c.EntityID, c.Area, c.Domain)
		boost := base * (weight - 1.0)
		if boost > r.cfg.ContextBoostCap {
			boost = r.cfg.ContextBoostCap
		}
		if boost < 0 {
			boost = 0
		}
		final := base + boost

		factors := map[string]float64{
			"combined_score": c.CombinedScore,
			"memory_weight":  weight,
		}

		ranked = append(ranked, Ranked{
			EntityID:        c.EntityID,
			CrossEncoderRaw: rawScore,
			BaseScore:       base,
			ContextBoost:    boost,
			FinalScore:      final,
			SourceCluster:   c.SourceCluster,
			RankingFactors:  factors,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].FinalScore != ranked[j].FinalScore {
			return ranked[i].FinalScore > ranked[j].FinalScore
		}
		if ranked[i].BaseScore != ranked[j].BaseScore {
			return ranked[i].BaseScore > ranked[j].BaseScore
		}
		return ranked[i].EntityID < ranked[j].EntityID
	})

	primaryCount := 0
	for i := range ranked {
		switch {
		case ranked[i].FinalScore >= r.cfg.PrimaryThreshold && primaryCount < r.cfg.MaxPrimary:
			ranked[i].Role = RolePrimary
			primaryCount++
		}
	}
	relatedCount := 0
	out := make([]Ranked, 0, len(ranked))
	for _, rk := range ranked {
		if rk.Role == RolePrimary {
			out = append(out, rk)
			continue
		}
		if relatedCount < r.cfg.MaxRelated {
			rk.Role = RoleRelated
			out = append(out, rk)
			relatedCount++
		}
		// else: dropped, "the rest are dropped"
	}

	return out, !degraded
}

// scoreAll batches candidates through the cross-encoder ("batched, one
// awaited call"), consulting the (query_hash, entity_id) cache first,
// and fans batches out concurrently via errgroup (bounded by however
// many batches there are, which BatchSize already keeps small). Returns
// degraded=true if no cross-encoder is configured or any batch errors,
// in which case the caller falls back to CombinedScore.
func (r *Reranker) scoreAll(ctx context.Context, query string, candidates []Candidate) ([]float64, bool) {
	scores := make([]float64, len(candidates))
	if r.ce == nil {
		return scores, true
	}

	qHash := hashQuery(query)
	var toScore []int
	var pairs []Pair
	for i, c := range candidates {
		if v, ok := r.cache.get(qHash, c.EntityID); ok {
			scores[i] = v
			continue
		}
		toScore = append(toScore, i)
		pairs = append(pairs, Pair{EntityID: c.EntityID, Document: c.Text})
	}
	if len(toScore) == 0 {
		return scores, false
	}

	batchSize := r.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	type span struct{ start, end int }
	var batches []span
	for start := 0; start < len(pairs); start += batchSize {
		end := start + batchSize
		if end > len(pairs) {
			end = len(pairs)
		}
		batches = append(batches, span{start, end})
	}

	results := make([][]float64, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range batches {
		i, b := i, b
		g.Go(func() error {
			batch := pairs[b.start:b.end]
			res, err := r.ce.Score(gctx, query, batch)
			if err != nil {
				return err
			}
			if len(res) != len(batch) {
				return fmt.Errorf("cross-encoder returned %d scores for a batch of %d", len(res), len(batch))
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return scores, true // cross-encoder unavailable: caller degrades to CombinedScore
	}

	for i, b := range batches {
		for j, res := range results[i] {
			idx := toScore[b.start+j]
			scores[idx] = res
			r.cache.put(qHash, candidates[idx].EntityID, res)
		}
	}
	return scores, false
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func hashQuery(q string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(q))
	return h.Sum64()
}

// scoreCache is the (query_hash, entity_id) -> score TTL cache: a single
// map guarded by one mutex, with expired entries swept lazily once it
// grows large. The teacher's reranker.Reranker has no cache.
type scoreCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	score float64
	at    time.Time
}

func newScoreCache(ttl time.Duration) *scoreCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &scoreCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *scoreCache) get(qHash uint64, entityID string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[c.cacheKey(qHash, entityID)]
	if !ok || time.Since(e.at) > c.ttl {
		return 0, false
	}
	return e.score, true
}

func (c *scoreCache) put(qHash uint64, entityID string, score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.cacheKey(qHash, entityID)] = cacheEntry{score: score, at: time.Now()}
	// Lazy expiry sweep, bounded cost: only runs when the map grows large.
	if len(c.entries) > 10000 {
		now := time.Now()
		for k, v := range c.entries {
			if now.Sub(v.at) > c.ttl {
				delete(c.entries, k)
			}
		}
	}
}

func (c *scoreCache) cacheKey(qHash uint64, entityID string) string {
	return entityID + "#" + uintToString(qHash)
}

func uintToString(v uint64) string {
	if v == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}
