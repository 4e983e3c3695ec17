package llm

import "context"

// FakeEmbedder produces deterministic, hash-seeded pseudo-random vectors.
// It exists for tests that need an Embedder without a network dependency;
// grounded on the teacher's semantic-router.MockEmbedder.
type FakeEmbedder struct {
	dim int
}

// NewFakeEmbedder returns a FakeEmbedder of the given dimension.
func NewFakeEmbedder(dim int) *FakeEmbedder {
	return &FakeEmbedder{dim: dim}
}

func (f *FakeEmbedder) Dimensions() int { return f.dim }

func (f *FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.dim)
	var hash uint32
	for _, r := range text {
		hash = hash*31 + uint32(r)
	}
	seed := hash | 1
	var sumSq float64
	for i := range vec {
		seed = seed*1664525 + 1013904223
		v := float32(int32(seed)) / float32(1<<31)
		vec[i] = v
		sumSq += float64(v) * float64(v)
	}
	if sumSq > 0 {
		norm := float32(1.0 / sqrt(sumSq))
		for i := range vec {
			vec[i] *= norm
		}
	}
	return vec, nil
}

func (f *FakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func sqrt(x float64) float64 {
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// FakeCrossEncoder scores each pair by counting the document's runes
// that also occur anywhere in the query, giving unbounded raw scores for
// the reranker's sigmoid to squash. Deterministic, no model required.
type FakeCrossEncoder struct{}

func (FakeCrossEncoder) Score(_ context.Context, query string, pairs []Pair) ([]float64, error) {
	scores := make([]float64, len(pairs))
	for i, p := range pairs {
		scores[i] = float64(overlapLen(query, p.Document))
	}
	return scores, nil
}

func overlapLen(a, b string) int {
	count := 0
	seen := make(map[rune]bool)
	for _, r := range a {
		seen[r] = true
	}
	for _, r := range b {
		if seen[r] {
			count++
		}
	}
	return count
}

// FakeCompleter is a deterministic Completer for tests: it echoes a
// canned response, or simulates a timeout/error when configured to.
type FakeCompleter struct {
	Response string
	Err      error
	Delay    func() // optional, called before responding; used to simulate slow LLMs
}

func (f FakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if f.Delay != nil {
		f.Delay()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.Err != nil {
		return "", f.Err
	}
	if f.Response != "" {
		return f.Response, nil
	}
	return prompt, nil
}
