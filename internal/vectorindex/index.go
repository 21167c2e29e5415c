// Package vectorindex stores chunk vectors per knowledge base and answers
// nearest-neighbour queries. Qdrant serves production and chromem-go
// serves local runs and tests.
package vectorindex

import (
	"context"
	"fmt"
)

// Point is a vector with its payload. ID must be a UUID.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// Hit is a search result.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Index is a collection-scoped vector store using cosine distance.
type Index interface {
	// EnsureCollection creates the collection if it does not exist.
	EnsureCollection(ctx context.Context, name string, dims int) error
	// Upsert inserts or replaces points by id.
	Upsert(ctx context.Context, name string, points []Point) error
	// Search returns up to limit hits scoring at least threshold, best first.
	Search(ctx context.Context, name string, vector []float32, limit int, threshold float32) ([]Hit, error)
	// Delete removes points by id. Unknown ids are ignored.
	Delete(ctx context.Context, name string, ids []string) error
	// DeleteCollection drops the collection. A missing collection is not an error.
	DeleteCollection(ctx context.Context, name string) error
}

// CollectionName returns the collection for a knowledge base.
func CollectionName(knowledgeBaseID string) string {
	return "kb_" + knowledgeBaseID
}

// Payload keys written by the indexer.
const (
	PayloadChunkID         = "chunk_id"
	PayloadSourceID        = "source_id"
	PayloadKnowledgeBaseID = "knowledge_base_id"
	PayloadContent         = "content"
	PayloadChunkIndex      = "chunk_index"
)

// Options selects and configures a backend.
type Options struct {
	Backend string // "qdrant" or "chromem"
	Host    string
	Port    int
	APIKey  string
	UseTLS  bool
	Path    string
}

// New opens the backend named in opts.
func New(opts Options) (Index, error) {
	switch opts.Backend {
	case "qdrant":
		return NewQdrant(opts.Host, opts.Port, opts.APIKey, opts.UseTLS)
	case "chromem", "":
		return NewChromem(opts.Path)
	default:
		return nil, fmt.Errorf("vectorindex: unknown backend %q", opts.Backend)
	}
}
