package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/zulandar/parley/internal/config"
	"github.com/zulandar/parley/internal/db"
	"github.com/zulandar/parley/internal/embeddings"
	"github.com/zulandar/parley/internal/knowledge"
	"github.com/zulandar/parley/internal/storage"
	"github.com/zulandar/parley/internal/vectorindex"
	"gorm.io/gorm"
)

const fetchTimeout = 30 * time.Second

// openDB connects and migrates the configured database.
func openDB(cfg *config.Config) (*gorm.DB, error) {
	gdb, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// retrieval bundles the embedder and vector index shared by the engine and
// the indexer. close releases the embedding cache and index connections.
type retrieval struct {
	embedder embeddings.Embedder
	index    vectorindex.Index
	closers  []io.Closer
}

func newRetrieval(cfg *config.Config) (*retrieval, error) {
	r := &retrieval{}
	var e embeddings.Embedder = embeddings.NewOpenAIEmbedder(cfg.Embeddings.APIKey, cfg.Embeddings.BaseURL, cfg.Embeddings.Model, cfg.Embeddings.Dimensions)
	e = embeddings.NewRateLimited(e, cfg.Embeddings.RateLimit)
	if cfg.Embeddings.CachePath != "" {
		cached, err := embeddings.NewCached(e, cfg.Embeddings.CachePath)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, cached)
		e = cached
	}
	r.embedder = e

	index, err := vectorindex.New(vectorindex.Options{
		Backend: cfg.VectorIndex.Backend,
		Host:    cfg.VectorIndex.Host,
		Port:    cfg.VectorIndex.Port,
		APIKey:  cfg.VectorIndex.APIKey,
		UseTLS:  cfg.VectorIndex.UseTLS,
		Path:    cfg.VectorIndex.Path,
	})
	if err != nil {
		r.close()
		return nil, err
	}
	if c, ok := index.(io.Closer); ok {
		r.closers = append(r.closers, c)
	}
	r.index = index
	return r, nil
}

func (r *retrieval) close() {
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			log.Printf("parley: close: %v", err)
		}
	}
}

// newIndexer builds the indexing pipeline over store and r.
func newIndexer(gdb *gorm.DB, store *storage.Store, r *retrieval) (*knowledge.Indexer, error) {
	ix, err := knowledge.NewIndexer(knowledge.Opts{
		DB:        gdb,
		Embedder:  r.embedder,
		Index:     r.index,
		Extractor: knowledge.NewExtractor(store, &http.Client{Timeout: fetchTimeout}),
	})
	if err != nil {
		return nil, fmt.Errorf("create indexer: %w", err)
	}
	return ix, nil
}
