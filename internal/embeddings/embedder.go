// Package embeddings turns text into vectors for the knowledge index.
package embeddings

import (
	"context"
	"fmt"
)

// MaxInputChars caps each input sent to a provider.
const MaxInputChars = 8000

// Embedder defines the interface for generating text embeddings.
type Embedder interface {
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the length of the returned vectors.
	Dimensions() int

	// Name returns the model identifier.
	Name() string
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embeddings: expected 1 vector, got %d", len(vecs))
	}
	return vecs[0], nil
}

func truncate(text string) string {
	if len(text) <= MaxInputChars {
		return text
	}
	r := []rune(text)
	if len(r) <= MaxInputChars {
		return text
	}
	return string(r[:MaxInputChars])
}
