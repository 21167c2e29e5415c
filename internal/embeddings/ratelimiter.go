package embeddings

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to an Embedder. Each Embed call takes one
// token regardless of batch size.
type RateLimited struct {
	Embedder
	limiter *rate.Limiter
}

// NewRateLimited returns e unchanged when rps <= 0.
func NewRateLimited(e Embedder, rps float64) Embedder {
	if rps <= 0 {
		return e
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{Embedder: e, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Embedder.Embed(ctx, texts)
}
