// Package knowledge ingests documents, URLs and FAQs into a tenant's
// knowledge base: extraction, chunking, embedding and vector upserts.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/parley/internal/embeddings"
	"github.com/zulandar/parley/internal/jobs"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/vectorindex"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	embedBatchSize = 100
	previewChars   = 5000
)

// ErrNoContent is recorded on documents whose extraction yields no text.
var ErrNoContent = errors.New("could not extract content from document")

// pointNamespace seeds the stable point ids derived from "<sourceID>:<index>".
var pointNamespace = uuid.MustParse("6f1c1f4e-3a52-4c8e-9f7d-2b5c0a9e8d41")

// PointID returns the vector point id, which is also the chunk row id, for
// the index-th chunk of a source.
func PointID(sourceID string, index int) string {
	return uuid.NewSHA1(pointNamespace, []byte(fmt.Sprintf("%s:%d", sourceID, index))).String()
}

// Opts configures an Indexer.
type Opts struct {
	DB        *gorm.DB
	Embedder  embeddings.Embedder
	Index     vectorindex.Index
	Extractor *Extractor
}

// Indexer runs the indexing pipeline. It serves the embed-document queue.
type Indexer struct {
	db        *gorm.DB
	embedder  embeddings.Embedder
	index     vectorindex.Index
	extractor *Extractor
	now       func() time.Time
}

// NewIndexer validates opts and returns an Indexer. A nil Extractor gets
// one with no file source.
func NewIndexer(opts Opts) (*Indexer, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("knowledge: db is required")
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("knowledge: embedder is required")
	}
	if opts.Index == nil {
		return nil, fmt.Errorf("knowledge: index is required")
	}
	x := opts.Extractor
	if x == nil {
		x = NewExtractor(nil, nil)
	}
	return &Indexer{
		db:        opts.DB,
		embedder:  opts.Embedder,
		index:     opts.Index,
		extractor: x,
		now:       time.Now,
	}, nil
}

// Handle implements jobs.Handler for embed and embed-faq payloads.
func (ix *Indexer) Handle(ctx context.Context, p jobs.Payload) error {
	switch p := p.(type) {
	case jobs.EmbedDocument:
		return ix.IndexDocument(ctx, p.DocumentID)
	case jobs.EmbedFaq:
		return ix.IndexFaq(ctx, p.FaqID)
	default:
		return jobs.Permanent(fmt.Errorf("knowledge: unexpected payload %s", p.Kind()))
	}
}

// IndexDocument extracts, chunks and embeds a document, replacing any
// chunks from a previous run. The outcome is recorded on the document.
func (ix *Indexer) IndexDocument(ctx context.Context, documentID string) error {
	var doc models.Document
	if err := ix.db.WithContext(ctx).First(&doc, "id = ?", documentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jobs.Permanent(fmt.Errorf("knowledge: document %s not found", documentID))
		}
		return fmt.Errorf("knowledge: load document %s: %w", documentID, err)
	}

	if err := ix.setDocument(ctx, doc.ID, map[string]interface{}{
		"status":        models.DocumentProcessing,
		"error_message": "",
	}); err != nil {
		return err
	}

	count, preview, err := ix.indexDocument(ctx, &doc)
	if err != nil {
		log.Printf("knowledge: document %s failed: %v", doc.ID, err)
		if serr := ix.setDocument(context.WithoutCancel(ctx), doc.ID, map[string]interface{}{
			"status":        models.DocumentFailed,
			"error_message": err.Error(),
		}); serr != nil {
			log.Printf("knowledge: %v", serr)
		}
		return err
	}

	indexedAt := ix.now()
	if err := ix.setDocument(ctx, doc.ID, map[string]interface{}{
		"status":          models.DocumentIndexed,
		"content_preview": preview,
		"chunk_count":     count,
		"indexed_at":      &indexedAt,
	}); err != nil {
		return err
	}
	log.Printf("knowledge: indexed document %s (%d chunks)", doc.ID, count)
	return nil
}

func (ix *Indexer) indexDocument(ctx context.Context, doc *models.Document) (int, string, error) {
	text, err := ix.extractor.Extract(ctx, doc)
	if err != nil {
		return 0, "", err
	}
	if strings.TrimSpace(text) == "" {
		return 0, "", jobs.Permanent(ErrNoContent)
	}

	pieces := Chunk(text, ChunkSize, ChunkOverlap)
	if _, err := ix.replaceSource(ctx, doc.KnowledgeBaseID, models.SourceDocument, doc.ID, pieces); err != nil {
		return 0, "", err
	}
	return len(pieces), contentPreview(text), nil
}

func contentPreview(text string) string {
	if r := []rune(text); len(r) > previewChars {
		return string(r[:previewChars])
	}
	return text
}

func (ix *Indexer) setDocument(ctx context.Context, id string, updates map[string]interface{}) error {
	if err := ix.db.WithContext(ctx).Model(&models.Document{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("knowledge: update document %s: %w", id, err)
	}
	return nil
}

// FaqContent is the text embedded for a FAQ entry.
func FaqContent(question, answer string) string {
	return fmt.Sprintf("Q: %s\nA: %s", question, answer)
}

// IndexFaq embeds a FAQ entry as a single chunk and records its point id.
func (ix *Indexer) IndexFaq(ctx context.Context, faqID string) error {
	var faq models.Faq
	if err := ix.db.WithContext(ctx).First(&faq, "id = ?", faqID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jobs.Permanent(fmt.Errorf("knowledge: faq %s not found", faqID))
		}
		return fmt.Errorf("knowledge: load faq %s: %w", faqID, err)
	}

	ids, err := ix.replaceSource(ctx, faq.KnowledgeBaseID, models.SourceFaq, faq.ID, []string{FaqContent(faq.Question, faq.Answer)})
	if err != nil {
		return err
	}
	if err := ix.db.WithContext(ctx).Model(&models.Faq{}).Where("id = ?", faq.ID).Update("point_id", ids[0]).Error; err != nil {
		return fmt.Errorf("knowledge: update faq %s: %w", faq.ID, err)
	}
	return nil
}

// replaceSource drops the source's previous chunks and points, then embeds
// contents in batches and stores one point and one chunk row per piece.
// It returns the chunk ids in order.
func (ix *Indexer) replaceSource(ctx context.Context, kbID, kind, sourceID string, contents []string) ([]string, error) {
	collection := vectorindex.CollectionName(kbID)
	if err := ix.index.EnsureCollection(ctx, collection, ix.embedder.Dimensions()); err != nil {
		return nil, fmt.Errorf("knowledge: ensure collection %s: %w", collection, err)
	}
	if err := ix.removeSource(ctx, kbID, kind, sourceID); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(contents))
	for start := 0; start < len(contents); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(contents) {
			end = len(contents)
		}
		batch := contents[start:end]

		vecs, err := ix.embedder.Embed(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("knowledge: embed %s chunks %d-%d: %w", sourceID, start, end-1, err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("knowledge: embed %s: got %d vectors for %d chunks", sourceID, len(vecs), len(batch))
		}

		points := make([]vectorindex.Point, len(batch))
		rows := make([]models.Chunk, len(batch))
		for i, content := range batch {
			idx := start + i
			id := PointID(sourceID, idx)
			points[i] = vectorindex.Point{
				ID:     id,
				Vector: vecs[i],
				Payload: map[string]string{
					vectorindex.PayloadChunkID:         id,
					vectorindex.PayloadSourceID:        sourceID,
					vectorindex.PayloadKnowledgeBaseID: kbID,
					vectorindex.PayloadContent:         content,
					vectorindex.PayloadChunkIndex:      strconv.Itoa(idx),
				},
			}
			rows[i] = models.Chunk{
				ID:              id,
				KnowledgeBaseID: kbID,
				SourceKind:      kind,
				SourceID:        sourceID,
				ChunkIndex:      idx,
				Content:         content,
			}
			ids = append(ids, id)
		}

		if err := ix.index.Upsert(ctx, collection, points); err != nil {
			return nil, fmt.Errorf("knowledge: upsert %s: %w", sourceID, err)
		}
		err = ix.db.WithContext(ctx).
			Clauses(clause.OnConflict{UpdateAll: true}).
			Create(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("knowledge: store chunks for %s: %w", sourceID, err)
		}
	}
	return ids, nil
}

// removeSource deletes a source's points and chunk rows.
func (ix *Indexer) removeSource(ctx context.Context, kbID, kind, sourceID string) error {
	var ids []string
	err := ix.db.WithContext(ctx).Model(&models.Chunk{}).
		Where("source_kind = ? AND source_id = ?", kind, sourceID).
		Pluck("id", &ids).Error
	if err != nil {
		return fmt.Errorf("knowledge: list chunks for %s: %w", sourceID, err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := ix.index.Delete(ctx, vectorindex.CollectionName(kbID), ids); err != nil {
		return fmt.Errorf("knowledge: delete points for %s: %w", sourceID, err)
	}
	err = ix.db.WithContext(ctx).
		Where("source_kind = ? AND source_id = ?", kind, sourceID).
		Delete(&models.Chunk{}).Error
	if err != nil {
		return fmt.Errorf("knowledge: delete chunks for %s: %w", sourceID, err)
	}
	return nil
}

// DeleteDocument removes a document with its chunks and points. The deleted
// record is returned so the caller can remove the stored upload.
func (ix *Indexer) DeleteDocument(ctx context.Context, documentID string) (*models.Document, error) {
	var doc models.Document
	if err := ix.db.WithContext(ctx).First(&doc, "id = ?", documentID).Error; err != nil {
		return nil, fmt.Errorf("knowledge: load document %s: %w", documentID, err)
	}
	if err := ix.removeSource(ctx, doc.KnowledgeBaseID, models.SourceDocument, doc.ID); err != nil {
		return nil, err
	}
	if err := ix.db.WithContext(ctx).Delete(&models.Document{}, "id = ?", doc.ID).Error; err != nil {
		return nil, fmt.Errorf("knowledge: delete document %s: %w", doc.ID, err)
	}
	return &doc, nil
}

// DeleteFaq removes a FAQ entry with its chunk and point.
func (ix *Indexer) DeleteFaq(ctx context.Context, faqID string) error {
	var faq models.Faq
	if err := ix.db.WithContext(ctx).First(&faq, "id = ?", faqID).Error; err != nil {
		return fmt.Errorf("knowledge: load faq %s: %w", faqID, err)
	}
	if err := ix.removeSource(ctx, faq.KnowledgeBaseID, models.SourceFaq, faq.ID); err != nil {
		return err
	}
	if err := ix.db.WithContext(ctx).Delete(&models.Faq{}, "id = ?", faq.ID).Error; err != nil {
		return fmt.Errorf("knowledge: delete faq %s: %w", faq.ID, err)
	}
	return nil
}

// DeleteKnowledgeBase drops the collection and every row belonging to the
// knowledge base. It returns the deleted documents.
func (ix *Indexer) DeleteKnowledgeBase(ctx context.Context, kbID string) ([]models.Document, error) {
	if err := ix.index.DeleteCollection(ctx, vectorindex.CollectionName(kbID)); err != nil {
		return nil, fmt.Errorf("knowledge: drop collection for %s: %w", kbID, err)
	}

	var docs []models.Document
	err := ix.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("knowledge_base_id = ?", kbID).Find(&docs).Error; err != nil {
			return err
		}
		for _, m := range []interface{}{&models.Chunk{}, &models.Faq{}, &models.Document{}} {
			if err := tx.Where("knowledge_base_id = ?", kbID).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&models.KnowledgeBase{}, "id = ?", kbID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: delete knowledge base %s: %w", kbID, err)
	}
	return docs, nil
}

// Result is one search match.
type Result struct {
	ChunkID    string  `json:"chunkId"`
	SourceID   string  `json:"sourceId"`
	ChunkIndex int     `json:"chunkIndex"`
	Content    string  `json:"content"`
	Score      float32 `json:"score"`
}

// Search embeds query and returns the closest chunks of a knowledge base.
func (ix *Indexer) Search(ctx context.Context, kbID, query string, limit int, threshold float32) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("knowledge: query is required")
	}
	vec, err := embeddings.EmbedOne(ctx, ix.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	hits, err := ix.index.Search(ctx, vectorindex.CollectionName(kbID), vec, limit, threshold)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search %s: %w", kbID, err)
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		r := Result{
			ChunkID:  h.Payload[vectorindex.PayloadChunkID],
			SourceID: h.Payload[vectorindex.PayloadSourceID],
			Content:  h.Payload[vectorindex.PayloadContent],
			Score:    h.Score,
		}
		if r.ChunkID == "" {
			r.ChunkID = h.ID
		}
		if n, err := strconv.Atoi(h.Payload[vectorindex.PayloadChunkIndex]); err == nil {
			r.ChunkIndex = n
		}
		results = append(results, r)
	}
	return results, nil
}
