// Package llm defines the capability interfaces the pipeline depends on
// but never implements: embedding, cross-encoder scoring, and LLM
// completion. Every concrete provider (an HTTP call to an embedding
// service, a local cross-encoder model, a hosted LLM) lives outside this
// module; pkg/llm only describes the shape the orchestrator calls
// through, following the same small-interface-over-global-singleton
// shape as the teacher's semantic-router.Embedder.
package llm

import (
	"context"
	"fmt"
	"sync"
)

// Embedder turns text into a unit-normalized vector. EMBED_DIM is fixed
// for the lifetime of a store (embed_dim).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// CrossEncoder scores a (query, document) pair, typically a small
// transformer model run out-of-process. Scores are not assumed to be
// bounded; callers normalize with a sigmoid .
type CrossEncoder interface {
	Score(ctx context.Context, query string, pairs []Pair) ([]float64, error)
}

// Pair is the value type fed to a CrossEncoder: one candidate document
// with the entity it came from, so callers can re-attach scores without
// a second lookup.
type Pair struct {
	EntityID string
	Document string
}

// Completer performs a single LLM completion, used by the optional LLM
// stages of the Query Rewriter (C2) and Scope Detector (C4) refinement
// paths. Modeled on the retrieval pack's QueryLLMProvider interface.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CachedEmbedder wraps an Embedder with an exact-text cache, splitting
// batch requests into cached/uncached subsets the same way the
// teacher's semantic-router.CachedEmbedder does. Safe for concurrent
// use.
type CachedEmbedder struct {
	inner Embedder
	mu sync.RWMutex
	cache map[string][]float32
}

// NewCachedEmbedder wraps inner with an in-memory cache.
func NewCachedEmbedder(inner Embedder) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: make(map[string][]float32)}
}

func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.RLock()
	if v, ok := c.cache[text]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[text] = v
	c.mu.Unlock()
	return v, nil
}

func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	miss := make(map[int]string)

	c.mu.RLock()
	for i, t := range texts {
		if v, ok := c.cache[t]; ok {
			out[i] = v
		} else {
			miss[i] = t
		}
	}
	c.mu.RUnlock()

	if len(miss) == 0 {
		return out, nil
	}

	missTexts := make([]string, 0, len(miss))
	missIdx := make([]int, 0, len(miss))
	for i, t := range miss {
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		// Fall back to one-by-one so a single bad text doesn't fail the batch.
		for i, t := range miss {
			v, embErr := c.inner.Embed(ctx, t)
			if embErr != nil {
				return nil, fmt.Errorf("embed %q: %w", t, embErr)
			}
			out[i] = v
			c.mu.Lock()
			c.cache[t] = v
			c.mu.Unlock()
		}
		return out, nil
	}

	c.mu.Lock()
	for j, v := range vecs {
		out[missIdx[j]] = v
		c.cache[missTexts[j]] = v
	}
	c.mu.Unlock()
	return out, nil
}
