package embeddings

import (
	"context"
	"math"
	"sync"
)

// MockEmbedder returns deterministic vectors derived from character
// positions, so texts sharing characters land near each other.
type MockEmbedder struct {
	Dims int
	Err  error

	mu    sync.Mutex
	calls int
	texts []string
}

// NewMockEmbedder creates a MockEmbedder with dims dimensions.
func NewMockEmbedder(dims int) *MockEmbedder {
	return &MockEmbedder{Dims: dims}
}

func (m *MockEmbedder) Name() string    { return "mock" }
func (m *MockEmbedder) Dimensions() int { return m.Dims }

func (m *MockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	m.texts = append(m.texts, texts...)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = Vector(t, m.Dims)
	}
	return out, nil
}

// Calls returns how many Embed calls were made.
func (m *MockEmbedder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Texts returns every text embedded so far.
func (m *MockEmbedder) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

// Vector is the normalized deterministic vector MockEmbedder produces.
func Vector(text string, dims int) []float32 {
	vec := make([]float32, dims)
	for i, ch := range text {
		vec[(int(ch)+i)%dims] += 1
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}
