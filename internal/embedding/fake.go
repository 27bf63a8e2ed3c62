package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// FakeEmbedder produces deterministic unit vectors from the input text. Two
// equal inputs always map to the same vector, so tests can reason about
// similarity without a model.
type FakeEmbedder struct {
	Dim int
	Err error
}

func (f *FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	dim := f.Dim
	if dim == 0 {
		dim = 8
	}
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33)) / float32(math.MaxInt32)
		norm += float64(vec[i]) * float64(vec[i])
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// FakeClassifier returns canned assignments, optionally keyed by tool name.
type FakeClassifier struct {
	Assignments map[string][]Assignment
	Default     []Assignment
	Err         error
	Calls       []string
}

func (f *FakeClassifier) Classify(_ context.Context, desc ToolDescriptor) ([]Assignment, error) {
	f.Calls = append(f.Calls, desc.Name)
	if f.Err != nil {
		return nil, f.Err
	}
	if a, ok := f.Assignments[desc.Name]; ok {
		return a, nil
	}
	return f.Default, nil
}
