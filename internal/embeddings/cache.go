package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"go.etcd.io/bbolt"
)

var bucketVectors = []byte("vectors")

// Cached stores vectors in a bbolt file keyed by model and text hash, so
// reindexing unchanged content does not call the provider again.
type Cached struct {
	inner Embedder
	db    *bbolt.DB
}

// NewCached opens (or creates) the cache file at path.
func NewCached(inner Embedder, path string) (*Cached, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("embeddings: open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVectors)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("embeddings: create cache bucket: %w", err)
	}
	return &Cached{inner: inner, db: db}, nil
}

func (c *Cached) Name() string    { return c.inner.Name() }
func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

// Close releases the cache file.
func (c *Cached) Close() error {
	return c.db.Close()
}

func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVectors)
		for i, t := range texts {
			if v := b.Get(c.key(t)); v != nil {
				out[i] = decodeVector(v)
				continue
			}
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: read cache: %w", err)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("embeddings: inner returned %d vectors, expected %d", len(fresh), len(missTexts))
	}

	err = c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVectors)
		for j, i := range missIdx {
			out[i] = fresh[j]
			if err := b.Put(c.key(missTexts[j]), encodeVector(fresh[j])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: write cache: %w", err)
	}
	return out, nil
}

func (c *Cached) key(text string) []byte {
	sum := sha256.Sum256([]byte(c.inner.Name() + "\x00" + truncate(text)))
	return sum[:]
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
