package pipeline

import (
	"context"
	"sort"

	"github.com/lopeti/ha-rag-bridge/pkg/cluster"
	"github.com/lopeti/ha-rag-bridge/pkg/entity"
	"github.com/lopeti/ha-rag-bridge/pkg/scope"
)

// vectorMinSim is VECTOR_MIN_SIM, the minimum cosine
// similarity a vector-path hit must clear to survive .
const vectorMinSim = 0.45

// mergedCandidate is one C6-merged or C5-sourced candidate fed into
// unionCandidates; score is whichever of combined/cluster-weight
// the candidate carries so the reranker's base fallback
// (Candidate.CombinedScore) has something non-zero even when the
// cross-encoder is unavailable (failure mode).
type mergedCandidate struct {
	entityID string
	score float64
	clusterID string
}

// searchClusters runs C5: embed the query, search clusters of the
// scope's allowed types, and expand to member entities.
func (o *Orchestrator) searchClusters(ctx context.Context, query string, sc scope.Decision) []cluster.ExpandedEntity {
	if o.clusters == nil || o.embedder == nil {
		return nil
	}
	vec, err := o.embedder.Embed(ctx, query)
	if err != nil {
		o.logger.Warn("pipeline: cluster embed failed", "err", err)
		return nil
	}

	allowedTypes := scopeToClusterTypes(sc.Scope)
	scored, err := o.clusters.Search(ctx, vec, allowedTypes, o.cfg.ClusterTopK, cluster.MinSimilarity)
	if err != nil {
		o.logger.Warn("pipeline: cluster search failed", "err", err)
		return nil
	}
	return o.clusters.Expand(scored, nil)
}

func scopeToClusterTypes(s scope.Scope) []cluster.Type {
	switch s {
	case scope.Micro:
		return []cluster.Type{cluster.TypeMicro}
	case scope.Overview:
		return []cluster.Type{cluster.TypeOverview, cluster.TypeMacro}
	default:
		return []cluster.Type{cluster.TypeMacro, cluster.TypeMicro}
	}
}

// retrieveEntities runs C6: vector and text search in parallel within
// this single fan-out slot (the orchestrator already runs C5 and C6
// concurrently with each other; this is the pair of sub-paths inside
// C6 itself — "two paths, executed in parallel").
func (o *Orchestrator) retrieveEntities(ctx context.Context, query string, sc scope.Decision) []mergedCandidate {
	type vecResult struct {
		hits []entity.ScoredEntity
		ok bool
	}
	type textResult struct {
		hits []entity.ScoredEntity
		ok bool
	}
	vecCh := make(chan vecResult, 1)
	textCh := make(chan textResult, 1)

	go func() {
		if o.embedder == nil {
			vecCh <- vecResult{ok: false}
			return
		}
		vec, err := o.embedder.Embed(ctx, query)
		if err != nil {
			o.logger.Warn("pipeline: retriever embed failed", "err", err)
			vecCh <- vecResult{ok: false}
			return
		}
		hits, err := o.entities.VectorSearch(ctx, vec, sc.OptimalK*2, entity.Filter{})
		if err != nil {
			o.logger.Warn("pipeline: vector search failed", "err", err)
			vecCh <- vecResult{ok: false}
			return
		}
		filtered := hits[:0:0]
		for _, h := range hits {
			if h.Score >= vectorMinSim {
				filtered = append(filtered, h)
			}
		}
		vecCh <- vecResult{hits: filtered, ok: true}
	}()

	go func() {
		hits, err := o.entities.TextSearch(ctx, query, sc.OptimalK, entity.Filter{})
		if err != nil {
			o.logger.Warn("pipeline: text search failed", "err", err)
			textCh <- textResult{ok: false}
			return
		}
		textCh <- textResult{hits: hits, ok: true}
	}()

	vr := <-vecCh
	tr := <-textCh

	return mergeHybrid(vr.hits, vr.ok, tr.hits, tr.ok)
}

// mergeHybrid implements the merge formula: normalize vector
// scores to [0,1]; combined = 0.7*vec + 0.3*text for overlap, vec alone
// for vector-only, 0.5*text_normalized for text-only. Vector or text
// backend failure falls through to the surviving path (graceful
// fall-through per "Failure").
func mergeHybrid(vecHits []entity.ScoredEntity, vecOK bool, textHits []entity.ScoredEntity, textOK bool) []mergedCandidate {
	vecNorm := normalizeScores(vecHits)
	textNorm := normalizeScores(textHits)

	byID := make(map[string]mergedCandidate)
	if vecOK {
		for id, v := range vecNorm {
			byID[id] = mergedCandidate{entityID: id, score: v}
		}
	}
	if textOK {
		for id, t := range textNorm {
			if c, ok := byID[id]; ok && vecOK {
				c.score = 0.7*c.score + 0.3*t
				byID[id] = c
			} else if !ok {
				byID[id] = mergedCandidate{entityID: id, score: 0.5 * t}
			}
		}
	}

	out := make([]mergedCandidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].entityID < out[j].entityID
	})
	return out
}

func normalizeScores(hits []entity.ScoredEntity) map[string]float64 {
	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	max, min := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
		if h.Score < min {
			min = h.Score
		}
	}
	span := max - min
	for _, h := range hits {
		if span == 0 {
			out[h.EntityID] = 1.0
			continue
		}
		out[h.EntityID] = (h.Score - min) / span
	}
	return out
}

// unionCandidates implements the orchestrator's candidate assembly
// ("candidates := union(...)") and C6's fallback policy
// : if the cluster path returned zero entities, or fewer
// than optimal_k/2, the retriever's results supply the remainder,
// keeping cluster entities' scores intact.
func unionCandidates(clusterEnts []cluster.ExpandedEntity, retrieved []mergedCandidate, optimalK int) []mergedCandidate {
	byID := make(map[string]mergedCandidate, len(clusterEnts)+len(retrieved))
	for _, c := range clusterEnts {
		byID[c.EntityID] = mergedCandidate{entityID: c.EntityID, score: c.Weight, clusterID: c.ClusterID}
	}

	needsFallback := len(clusterEnts) == 0 || len(clusterEnts) < optimalK/2
	if needsFallback {
		for _, r := range retrieved {
			if _, exists := byID[r.entityID]; !exists {
				byID[r.entityID] = r
			}
		}
	} else {
		// Still fold in retriever hits that beat the cluster-derived
		// score for the same entity, per "dedup by entity_id, keep best
		// score" .
		for _, r := range retrieved {
			if cur, exists := byID[r.entityID]; !exists {
				byID[r.entityID] = r
			} else if r.score > cur.score {
				cur.score = r.score
				byID[r.entityID] = cur
			}
		}
	}

	out := make([]mergedCandidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].entityID < out[j].entityID
	})
	return out
}
