package knowledge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/zulandar/parley/internal/db"
	"github.com/zulandar/parley/internal/embeddings"
	"github.com/zulandar/parley/internal/jobs"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/vectorindex"
	"gorm.io/gorm"
)

const dims = 16

type memFiles map[string][]byte

func (m memFiles) ReadFile(rel string) ([]byte, error) {
	data, ok := m[rel]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// Chunking
// ---------------------------------------------------------------------------

func TestChunk(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []int // rune length of each chunk
	}{
		{"empty", "", 500, 50, nil},
		{"short", "hello", 500, 50, []int{5}},
		{"1200 chars", strings.Repeat("a", 1200), 500, 50, []int{500, 500, 300}},
		{"exact size", strings.Repeat("a", 500), 500, 50, []int{500, 50}},
		{"multibyte", strings.Repeat("é", 12), 5, 1, []int{5, 5, 4}},
		{"bad overlap", strings.Repeat("a", 10), 5, 9, []int{5, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Chunk(tt.text, tt.size, tt.overlap)
			if len(got) != len(tt.want) {
				t.Fatalf("Chunk() returned %d chunks, want %d", len(got), len(tt.want))
			}
			for i, c := range got {
				if n := len([]rune(c)); n != tt.want[i] {
					t.Errorf("chunk %d length = %d, want %d", i, n, tt.want[i])
				}
			}
		})
	}
}

func TestChunk_Overlap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 1200; i++ {
		b.WriteByte(byte('a' + i%26))
	}
	text := b.String()
	chunks := Chunk(text, 500, 50)
	if chunks[1][:50] != chunks[0][450:] {
		t.Error("second chunk does not start with the last 50 chars of the first")
	}
	if chunks[2] != text[900:] {
		t.Error("last chunk does not cover the tail")
	}
}

// ---------------------------------------------------------------------------
// Extraction
// ---------------------------------------------------------------------------

func TestExtract_FileKinds(t *testing.T) {
	files := memFiles{
		"documents/a.txt": []byte("plain text"),
		"documents/b.csv": []byte("sku,price\nA1,10"),
		"documents/c.txt": []byte("manual from file"),
	}
	x := NewExtractor(files, nil)

	tests := []struct {
		name string
		doc  models.Document
		want string
	}{
		{"txt", models.Document{Kind: models.DocumentTXT, FilePath: "documents/a.txt"}, "plain text"},
		{"csv", models.Document{Kind: models.DocumentCSV, FilePath: "documents/b.csv"}, "sku,price\nA1,10"},
		{"manual inline", models.Document{Kind: models.DocumentManual, SourceText: "We ship in 2 days."}, "We ship in 2 days."},
		{"manual file", models.Document{Kind: models.DocumentManual, FilePath: "documents/c.txt"}, "manual from file"},
		{"manual empty", models.Document{Kind: models.DocumentManual}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := x.Extract(context.Background(), &tt.doc)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if got != tt.want {
				t.Errorf("Extract() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtract_Errors(t *testing.T) {
	x := NewExtractor(memFiles{"documents/x.bin": []byte("x")}, nil)
	tests := []struct {
		name string
		doc  models.Document
		want string
	}{
		{"missing file", models.Document{Kind: models.DocumentTXT, FilePath: "documents/nope.txt"}, "knowledge: read"},
		{"unsupported", models.Document{Kind: "xlsx", FilePath: "documents/x.bin"}, "unsupported document kind"},
		{"url without source", models.Document{ID: "d1", Kind: models.DocumentURL}, "no source url"},
		{"bad pdf", models.Document{Kind: models.DocumentPDF, FilePath: "documents/x.bin"}, "knowledge: open pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := x.Extract(context.Background(), &tt.doc)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err, tt.want)
			}
		})
	}
}

func TestExtract_URL(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		fmt.Fprint(w, `<html><head><style>body{}</style></head><body>
			<header>Site header</header>
			<nav>Home | Shop</nav>
			<main><h1>Returns</h1>
			<p>Items can be returned
			   within 30 days.</p></main>
			<script>track()</script>
			<footer>Copyright</footer>
		</body></html>`)
	}))
	defer srv.Close()

	x := NewExtractor(nil, srv.Client())
	got, err := x.Extract(context.Background(), &models.Document{Kind: models.DocumentURL, SourceURL: srv.URL})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if want := "Returns Items can be returned within 30 days."; got != want {
		t.Errorf("Extract() = %q, want %q", got, want)
	}
	if gotUA != fetchUserAgent {
		t.Errorf("User-Agent = %q, want %q", gotUA, fetchUserAgent)
	}
}

func TestExtract_URLStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	x := NewExtractor(nil, srv.Client())
	_, err := x.Extract(context.Background(), &models.Document{Kind: models.DocumentURL, SourceURL: srv.URL})
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Errorf("error = %v, want status 404", err)
	}
}

func TestDocxXMLToText(t *testing.T) {
	xml := `<w:document><w:body><w:p><w:r><w:t>Opening hours</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>Mon &amp; Tue</w:t><w:tab/><w:t>9-5</w:t></w:r></w:p><w:p></w:p></w:body></w:document>`
	want := "Opening hours\nMon & Tue\n9-5"
	if got := docxXMLToText(xml); got != want {
		t.Errorf("docxXMLToText() = %q, want %q", got, want)
	}
}

// ---------------------------------------------------------------------------
// Indexer
// ---------------------------------------------------------------------------

type fixture struct {
	db       *gorm.DB
	index    *vectorindex.Chromem
	embedder *embeddings.MockEmbedder
	files    memFiles
	indexer  *Indexer
	kb       models.KnowledgeBase
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	idx, err := vectorindex.NewChromem("")
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		db:       gdb,
		index:    idx,
		embedder: embeddings.NewMockEmbedder(dims),
		files:    memFiles{},
		kb:       models.KnowledgeBase{TenantID: "t1", Name: "Default", IsDefault: true},
	}
	if err := gdb.Create(&f.kb).Error; err != nil {
		t.Fatal(err)
	}
	f.indexer, err = NewIndexer(Opts{
		DB:        gdb,
		Embedder:  f.embedder,
		Index:     idx,
		Extractor: NewExtractor(f.files, nil),
	})
	if err != nil {
		t.Fatalf("NewIndexer: %v", err)
	}
	return f
}

func (f *fixture) addDocument(t *testing.T, text string) *models.Document {
	t.Helper()
	doc := &models.Document{KnowledgeBaseID: f.kb.ID, Name: "policy", Kind: models.DocumentManual, SourceText: text, Status: models.DocumentPending}
	if err := f.db.Create(doc).Error; err != nil {
		t.Fatal(err)
	}
	return doc
}

func (f *fixture) reload(t *testing.T, doc *models.Document) models.Document {
	t.Helper()
	var got models.Document
	if err := f.db.First(&got, "id = ?", doc.ID).Error; err != nil {
		t.Fatal(err)
	}
	return got
}

func (f *fixture) chunkRows(t *testing.T, sourceID string) []models.Chunk {
	t.Helper()
	var rows []models.Chunk
	f.db.Where("source_id = ?", sourceID).Order("chunk_index").Find(&rows)
	return rows
}

// pointCount counts points in the knowledge base collection.
func (f *fixture) pointCount(t *testing.T) int {
	t.Helper()
	hits, err := f.index.Search(context.Background(), vectorindex.CollectionName(f.kb.ID), embeddings.Vector("a", dims), 1000, -1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	return len(hits)
}

func TestNewIndexer_Required(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		opts Opts
		want string
	}{
		{"db", Opts{Embedder: f.embedder, Index: f.index}, "db is required"},
		{"embedder", Opts{DB: f.db, Index: f.index}, "embedder is required"},
		{"index", Opts{DB: f.db, Embedder: f.embedder}, "index is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewIndexer(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestIndexDocument_Success(t *testing.T) {
	f := newFixture(t)
	text := strings.Repeat("Our store opens at nine. ", 48) // 1200 chars
	doc := f.addDocument(t, text)

	if err := f.indexer.IndexDocument(context.Background(), doc.ID); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	got := f.reload(t, doc)
	if got.Status != models.DocumentIndexed {
		t.Errorf("Status = %q, want indexed", got.Status)
	}
	if got.ChunkCount != 3 {
		t.Errorf("ChunkCount = %d, want 3", got.ChunkCount)
	}
	if got.IndexedAt == nil {
		t.Error("IndexedAt not set")
	}
	if got.ContentPreview != text {
		t.Errorf("ContentPreview length = %d, want %d", len(got.ContentPreview), len(text))
	}

	rows := f.chunkRows(t, doc.ID)
	if len(rows) != 3 {
		t.Fatalf("chunk rows = %d, want 3", len(rows))
	}
	for i, r := range rows {
		if r.ID != PointID(doc.ID, i) {
			t.Errorf("row %d id = %q, want %q", i, r.ID, PointID(doc.ID, i))
		}
		if r.KnowledgeBaseID != f.kb.ID || r.SourceKind != models.SourceDocument {
			t.Errorf("row %d = %+v", i, r)
		}
	}
	if n := f.pointCount(t); n != 3 {
		t.Errorf("points = %d, want 3", n)
	}

	hits, _ := f.index.Search(context.Background(), vectorindex.CollectionName(f.kb.ID), embeddings.Vector(rows[0].Content, dims), 1, 0.99)
	if len(hits) != 1 || hits[0].Payload[vectorindex.PayloadChunkID] != hits[0].ID {
		t.Errorf("hits = %+v, want chunk_id equal to point id", hits)
	}
}

func TestIndexDocument_PreviewCapped(t *testing.T) {
	f := newFixture(t)
	doc := f.addDocument(t, strings.Repeat("x", 6000))
	if err := f.indexer.IndexDocument(context.Background(), doc.ID); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	if got := f.reload(t, doc); len(got.ContentPreview) != 5000 {
		t.Errorf("ContentPreview length = %d, want 5000", len(got.ContentPreview))
	}
}

func TestIndexDocument_ReindexReplacesChunks(t *testing.T) {
	f := newFixture(t)
	doc := f.addDocument(t, strings.Repeat("b", 1200))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.indexer.IndexDocument(ctx, doc.ID); err != nil {
			t.Fatalf("IndexDocument #%d: %v", i, err)
		}
	}
	if n := len(f.chunkRows(t, doc.ID)); n != 3 {
		t.Errorf("chunk rows after reindex = %d, want 3", n)
	}
	if n := f.pointCount(t); n != 3 {
		t.Errorf("points after reindex = %d, want 3", n)
	}

	f.db.Model(&models.Document{}).Where("id = ?", doc.ID).Update("source_text", "short now")
	if err := f.indexer.IndexDocument(ctx, doc.ID); err != nil {
		t.Fatalf("IndexDocument (shorter): %v", err)
	}
	if n := len(f.chunkRows(t, doc.ID)); n != 1 {
		t.Errorf("chunk rows = %d, want 1", n)
	}
	if n := f.pointCount(t); n != 1 {
		t.Errorf("points = %d, want 1", n)
	}
}

func TestIndexDocument_EmptyContentFailsPermanently(t *testing.T) {
	f := newFixture(t)
	doc := f.addDocument(t, "   \n ")

	err := f.indexer.IndexDocument(context.Background(), doc.ID)
	if err == nil {
		t.Fatal("expected error")
	}
	if !jobs.IsPermanent(err) || !errors.Is(err, ErrNoContent) {
		t.Errorf("error = %v, want permanent ErrNoContent", err)
	}

	got := f.reload(t, doc)
	if got.Status != models.DocumentFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.ErrorMessage != "could not extract content from document" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
	if f.embedder.Calls() != 0 {
		t.Errorf("embedder called %d times, want 0", f.embedder.Calls())
	}
	if n := len(f.chunkRows(t, doc.ID)); n != 0 {
		t.Errorf("chunk rows = %d, want 0", n)
	}
}

func TestIndexDocument_EmbedderFailure(t *testing.T) {
	f := newFixture(t)
	f.embedder.Err = errors.New("429 too many requests")
	doc := f.addDocument(t, "Shipping is free over $50.")

	err := f.indexer.IndexDocument(context.Background(), doc.ID)
	if err == nil {
		t.Fatal("expected error")
	}
	if jobs.IsPermanent(err) {
		t.Error("embedder failure should be retryable")
	}
	got := f.reload(t, doc)
	if got.Status != models.DocumentFailed || !strings.Contains(got.ErrorMessage, "429 too many requests") {
		t.Errorf("document = status %q error %q", got.Status, got.ErrorMessage)
	}
}

func TestIndexDocument_Missing(t *testing.T) {
	f := newFixture(t)
	err := f.indexer.IndexDocument(context.Background(), "nope")
	if !jobs.IsPermanent(err) {
		t.Errorf("error = %v, want permanent", err)
	}
}

func TestIndexDocument_BatchesEmbeddings(t *testing.T) {
	f := newFixture(t)
	doc := f.addDocument(t, strings.Repeat("c", 450*120))
	if err := f.indexer.IndexDocument(context.Background(), doc.ID); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	if got := f.reload(t, doc).ChunkCount; got != 120 {
		t.Errorf("ChunkCount = %d, want 120", got)
	}
	if f.embedder.Calls() != 2 {
		t.Errorf("embed calls = %d, want 2", f.embedder.Calls())
	}
}

func TestIndexFaq(t *testing.T) {
	f := newFixture(t)
	faq := models.Faq{KnowledgeBaseID: f.kb.ID, Question: "Do you deliver?", Answer: "Yes, city-wide."}
	f.db.Create(&faq)

	if err := f.indexer.Handle(context.Background(), jobs.EmbedFaq{FaqID: faq.ID}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var got models.Faq
	f.db.First(&got, "id = ?", faq.ID)
	if got.PointID != PointID(faq.ID, 0) {
		t.Errorf("PointID = %q, want %q", got.PointID, PointID(faq.ID, 0))
	}
	rows := f.chunkRows(t, faq.ID)
	if len(rows) != 1 || rows[0].Content != "Q: Do you deliver?\nA: Yes, city-wide." || rows[0].SourceKind != models.SourceFaq {
		t.Errorf("rows = %+v", rows)
	}
}

func TestHandle_Dispatch(t *testing.T) {
	f := newFixture(t)
	doc := f.addDocument(t, "Gift cards never expire.")
	if err := f.indexer.Handle(context.Background(), jobs.EmbedDocument{DocumentID: doc.ID}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := f.reload(t, doc).Status; got != models.DocumentIndexed {
		t.Errorf("Status = %q, want indexed", got)
	}

	err := f.indexer.Handle(context.Background(), jobs.SendBroadcast{BroadcastID: "b", TenantID: "t"})
	if !jobs.IsPermanent(err) {
		t.Errorf("error = %v, want permanent for foreign payload", err)
	}
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.addDocument(t, strings.Repeat("d", 900))
	keep := f.addDocument(t, "other document")
	f.indexer.IndexDocument(ctx, doc.ID)
	f.indexer.IndexDocument(ctx, keep.ID)

	deleted, err := f.indexer.DeleteDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if deleted.ID != doc.ID {
		t.Errorf("deleted = %q, want %q", deleted.ID, doc.ID)
	}
	if n := len(f.chunkRows(t, doc.ID)); n != 0 {
		t.Errorf("chunk rows = %d, want 0", n)
	}
	if n := f.pointCount(t); n != 1 {
		t.Errorf("points = %d, want 1 (other document)", n)
	}
	var count int64
	f.db.Model(&models.Document{}).Where("id = ?", doc.ID).Count(&count)
	if count != 0 {
		t.Error("document row not deleted")
	}
}

func TestDeleteFaq(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	faq := models.Faq{KnowledgeBaseID: f.kb.ID, Question: "Q", Answer: "A"}
	f.db.Create(&faq)
	f.indexer.IndexFaq(ctx, faq.ID)

	if err := f.indexer.DeleteFaq(ctx, faq.ID); err != nil {
		t.Fatalf("DeleteFaq: %v", err)
	}
	if n := f.pointCount(t); n != 0 {
		t.Errorf("points = %d, want 0", n)
	}
	if err := f.indexer.DeleteFaq(ctx, faq.ID); err == nil {
		t.Error("expected error deleting a missing faq")
	}
}

func TestDeleteKnowledgeBase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.addDocument(t, "Returns within 30 days.")
	f.indexer.IndexDocument(ctx, doc.ID)

	docs, err := f.indexer.DeleteKnowledgeBase(ctx, f.kb.ID)
	if err != nil {
		t.Fatalf("DeleteKnowledgeBase: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != doc.ID {
		t.Errorf("deleted docs = %+v", docs)
	}
	for _, m := range []interface{}{&models.KnowledgeBase{}, &models.Document{}, &models.Chunk{}} {
		var n int64
		f.db.Model(m).Count(&n)
		if n != 0 {
			t.Errorf("%T rows = %d, want 0", m, n)
		}
	}
	if n := f.pointCount(t); n != 0 {
		t.Errorf("points = %d, want 0", n)
	}
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.addDocument(t, "Refunds are issued within five business days.")
	f.indexer.IndexDocument(ctx, doc.ID)

	results, err := f.indexer.Search(ctx, f.kb.ID, "Refunds are issued within five business days.", 5, 0.9)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	r := results[0]
	if r.ChunkID != PointID(doc.ID, 0) || r.SourceID != doc.ID || r.ChunkIndex != 0 {
		t.Errorf("result = %+v", r)
	}
	if _, err := f.indexer.Search(ctx, f.kb.ID, " ", 5, 0); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestPointID_Stable(t *testing.T) {
	if PointID("doc", 1) != PointID("doc", 1) {
		t.Error("PointID not deterministic")
	}
	if PointID("doc", 1) == PointID("doc", 2) {
		t.Error("PointID collides across indexes")
	}
}
