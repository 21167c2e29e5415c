package vectorindex

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Chromem implements Index with the embedded chromem-go database. Vectors
// are always supplied by the caller, so collections carry no embedding func.
type Chromem struct {
	mu  sync.Mutex
	db  *chromem.DB
	dim map[string]int
}

// NewChromem opens a persistent DB at path, or an in-memory DB when path is empty.
func NewChromem(path string) (*Chromem, error) {
	if path == "" {
		return &Chromem{db: chromem.NewDB(), dim: make(map[string]int)}, nil
	}
	db, err := chromem.NewPersistentDB(path, true)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: chromem open %s: %w", path, err)
	}
	return &Chromem{db: db, dim: make(map[string]int)}, nil
}

// noEmbed rejects text queries; every call path here passes vectors.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("vectorindex: chromem collections take precomputed vectors")
}

func (c *Chromem) collection(name string) (*chromem.Collection, error) {
	col, err := c.db.GetOrCreateCollection(name, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: chromem collection %s: %w", name, err)
	}
	return col, nil
}

func (c *Chromem) EnsureCollection(ctx context.Context, name string, dims int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.collection(name); err != nil {
		return err
	}
	c.dim[name] = dims
	return nil
}

func (c *Chromem) Upsert(ctx context.Context, name string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	col, err := c.collection(name)
	if err != nil {
		return err
	}
	want := c.dim[name]
	for _, p := range points {
		if want > 0 && len(p.Vector) != want {
			return fmt.Errorf("vectorindex: chromem upsert %s: point %s has %d dims, want %d", name, p.ID, len(p.Vector), want)
		}
		md := make(map[string]string, len(p.Payload))
		for k, v := range p.Payload {
			md[k] = v
		}
		// AddDocument overwrites an existing id.
		err := col.AddDocument(ctx, chromem.Document{
			ID:        p.ID,
			Metadata:  md,
			Embedding: append([]float32(nil), p.Vector...),
			Content:   p.Payload[PayloadContent],
		})
		if err != nil {
			return fmt.Errorf("vectorindex: chromem upsert %s: %w", name, err)
		}
	}
	return nil
}

func (c *Chromem) Search(ctx context.Context, name string, vector []float32, limit int, threshold float32) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	c.mu.Lock()
	col := c.db.GetCollection(name, noEmbed)
	c.mu.Unlock()
	if col == nil {
		return nil, nil
	}

	// chromem-go requires nResults <= collection size.
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	results, err := col.QueryEmbedding(ctx, append([]float32(nil), vector...), limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: chromem query %s: %w", name, err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if r.Similarity < threshold {
			continue
		}
		hits = append(hits, Hit{ID: r.ID, Score: r.Similarity, Payload: r.Metadata})
	}
	return hits, nil
}

func (c *Chromem) Delete(ctx context.Context, name string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	c.mu.Lock()
	col := c.db.GetCollection(name, noEmbed)
	c.mu.Unlock()
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("vectorindex: chromem delete %s: %w", name, err)
	}
	return nil
}

func (c *Chromem) DeleteCollection(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dim, name)
	if c.db.GetCollection(name, noEmbed) == nil {
		return nil
	}
	if err := c.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("vectorindex: chromem delete collection %s: %w", name, err)
	}
	return nil
}
