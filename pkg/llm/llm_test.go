package llm

import (
	"context"
	"errors"
	"testing"
)

func TestFakeEmbedderIsDeterministic(t *testing.T) {
	e := NewFakeEmbedder(16)
	v1, err := e.Embed(context.Background(), "turn on the kitchen light")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	v2, err := e.Embed(context.Background(), "turn on the kitchen light")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("Embed is not deterministic: v1[%d]=%v v2[%d]=%v", i, v1[i], i, v2[i])
		}
	}
}

func TestFakeEmbedderDimensions(t *testing.T) {
	e := NewFakeEmbedder(32)
	v, _ := e.Embed(context.Background(), "x")
	if len(v) != 32 {
		t.Fatalf("len(v) = %d, want 32", len(v))
	}
	if e.Dimensions() != 32 {
		t.Fatalf("Dimensions() = %d, want 32", e.Dimensions())
	}
}

func TestFakeCrossEncoderScoresOverlap(t *testing.T) {
	ce := FakeCrossEncoder{}
	scores, err := ce.Score(context.Background(), "kitchen light", []Pair{
		{EntityID: "a", Document: "kitchen ceiling light"},
		{EntityID: "b", Document: "garden pump"},
	})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if scores[0] <= scores[1] {
		t.Fatalf("scores = %v, want a higher-overlap doc to score higher", scores)
	}
}

func TestFakeCompleterEchoesByDefault(t *testing.T) {
	c := FakeCompleter{}
	got, err := c.Complete(context.Background(), "prompt text")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "prompt text" {
		t.Fatalf("Complete() = %q, want echoed prompt", got)
	}
}

func TestFakeCompleterReturnsConfiguredError(t *testing.T) {
	wantErr := errors.New("boom")
	c := FakeCompleter{Err: wantErr}
	if _, err := c.Complete(context.Background(), "x"); err != wantErr {
		t.Fatalf("Complete err = %v, want %v", err, wantErr)
	}
}

func TestCachedEmbedderHitsCacheOnSecondCall(t *testing.T) {
	inner := &countingEmbedder{FakeEmbedder: *NewFakeEmbedder(8)}
	cached := NewCachedEmbedder(inner)

	if _, err := cached.Embed(context.Background(), "hello"); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if _, err := cached.Embed(context.Background(), "hello"); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("inner.calls = %d, want 1 (second call should hit the cache)", inner.calls)
	}
}

func TestCachedEmbedderBatchSplitsHitsAndMisses(t *testing.T) {
	inner := &countingEmbedder{FakeEmbedder: *NewFakeEmbedder(8)}
	cached := NewCachedEmbedder(inner)

	if _, err := cached.Embed(context.Background(), "a"); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	vecs, err := cached.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("len(vecs) = %d, want 3", len(vecs))
	}
	if inner.batchCalls != 1 {
		t.Fatalf("inner.batchCalls = %d, want 1", inner.batchCalls)
	}
}

type countingEmbedder struct {
	FakeEmbedder
	calls      int
	batchCalls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.FakeEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batchCalls++
	return c.FakeEmbedder.EmbedBatch(ctx, texts)
}
