package api

import (
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/parley/internal/jobs"
	"github.com/zulandar/parley/internal/knowledge"
	"github.com/zulandar/parley/internal/models"
)

// Search defaults.
const (
	defaultSearchLimit     = 5
	maxSearchLimit         = 50
	defaultSearchThreshold = 0.3
)

var uploadKinds = map[string]string{
	".pdf":  models.DocumentPDF,
	".docx": models.DocumentDOCX,
	".txt":  models.DocumentTXT,
	".csv":  models.DocumentCSV,
	".md":   models.DocumentTXT,
}

type createDocumentRequest struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	URL  string `json:"url"`
	Text string `json:"text"`
}

func (s *Server) loadKnowledgeBase(c *gin.Context) (*models.KnowledgeBase, bool) {
	var kb models.KnowledgeBase
	if err := s.opts.DB.WithContext(c.Request.Context()).First(&kb, "id = ?", c.Param("id")).Error; err != nil {
		fail(c, err)
		return nil, false
	}
	return &kb, true
}

// handleCreateDocument accepts a multipart upload in the "file" field, or a
// JSON body describing a url or manual document. Indexing happens on the
// embed-document queue.
func (s *Server) handleCreateDocument(c *gin.Context) {
	kb, ok := s.loadKnowledgeBase(c)
	if !ok {
		return
	}
	doc := models.Document{KnowledgeBaseID: kb.ID, Status: models.DocumentPending}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if !s.fillUpload(c, &doc) {
			return
		}
	} else {
		var req createDocumentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		switch req.Kind {
		case models.DocumentURL:
			u, err := url.Parse(req.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				badRequest(c, "url must be an absolute http(s) url")
				return
			}
			doc.Kind, doc.SourceURL, doc.Name = models.DocumentURL, req.URL, firstNonEmpty(req.Name, req.URL)
		case models.DocumentManual:
			if strings.TrimSpace(req.Text) == "" {
				badRequest(c, "text is required for manual documents")
				return
			}
			doc.Kind, doc.SourceText, doc.Name = models.DocumentManual, req.Text, firstNonEmpty(req.Name, "Manual entry")
		default:
			badRequest(c, "kind must be url or manual")
			return
		}
	}

	ctx := c.Request.Context()
	if err := s.opts.DB.WithContext(ctx).Create(&doc).Error; err != nil {
		fail(c, err)
		return
	}
	if _, err := s.opts.Queue.Enqueue(ctx, jobs.EmbedDocument{DocumentID: doc.ID}); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, doc)
}

func (s *Server) fillUpload(c *gin.Context, doc *models.Document) bool {
	if s.opts.Files == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "file uploads are not enabled"})
		return false
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return false
	}
	kind, ok := uploadKinds[strings.ToLower(filepath.Ext(fh.Filename))]
	if !ok {
		badRequest(c, "unsupported file type "+filepath.Ext(fh.Filename))
		return false
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, err)
		return false
	}
	defer f.Close()
	rel, err := s.opts.Files.SaveDocument(fh.Filename, f)
	if err != nil {
		fail(c, err)
		return false
	}
	doc.Kind = kind
	doc.FilePath = rel
	doc.Name = firstNonEmpty(c.PostForm("name"), fh.Filename)
	return true
}

func (s *Server) handleReindex(c *gin.Context) {
	ctx := c.Request.Context()
	var doc models.Document
	err := s.opts.DB.WithContext(ctx).First(&doc, "id = ? AND knowledge_base_id = ?", c.Param("docId"), c.Param("id")).Error
	if err != nil {
		fail(c, err)
		return
	}
	err = s.opts.DB.WithContext(ctx).Model(&models.Document{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
		"status":        models.DocumentPending,
		"error_message": "",
	}).Error
	if err != nil {
		fail(c, err)
		return
	}
	if _, err := s.opts.Queue.Enqueue(ctx, jobs.EmbedDocument{DocumentID: doc.ID}); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": doc.ID, "status": models.DocumentPending})
}

func (s *Server) handleDeleteDocument(c *gin.Context) {
	ctx := c.Request.Context()
	var doc models.Document
	if err := s.opts.DB.WithContext(ctx).First(&doc, "id = ? AND knowledge_base_id = ?", c.Param("docId"), c.Param("id")).Error; err != nil {
		fail(c, err)
		return
	}
	deleted, err := s.opts.Knowledge.DeleteDocument(ctx, doc.ID)
	if err != nil {
		fail(c, err)
		return
	}
	s.removeUploads(*deleted)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCreateFaq(c *gin.Context) {
	var req struct {
		Question string `json:"question" binding:"required"`
		Answer   string `json:"answer" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	kb, ok := s.loadKnowledgeBase(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	faq := models.Faq{
		KnowledgeBaseID: kb.ID,
		Question:        strings.TrimSpace(req.Question),
		Answer:          strings.TrimSpace(req.Answer),
	}
	if err := s.opts.DB.WithContext(ctx).Create(&faq).Error; err != nil {
		fail(c, err)
		return
	}
	if _, err := s.opts.Queue.Enqueue(ctx, jobs.EmbedFaq{FaqID: faq.ID}); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, faq)
}

func (s *Server) handleDeleteFaq(c *gin.Context) {
	ctx := c.Request.Context()
	var faq models.Faq
	if err := s.opts.DB.WithContext(ctx).First(&faq, "id = ? AND knowledge_base_id = ?", c.Param("faqId"), c.Param("id")).Error; err != nil {
		fail(c, err)
		return
	}
	if err := s.opts.Knowledge.DeleteFaq(ctx, faq.ID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSearch(c *gin.Context) {
	var req struct {
		Query     string   `json:"query" binding:"required"`
		Limit     int      `json:"limit"`
		Threshold *float32 `json:"threshold"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}
	if req.Limit > maxSearchLimit {
		req.Limit = maxSearchLimit
	}
	threshold := float32(defaultSearchThreshold)
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	results, err := s.opts.Knowledge.Search(c.Request.Context(), c.Param("id"), req.Query, req.Limit, threshold)
	if err != nil {
		fail(c, err)
		return
	}
	if results == nil {
		results = []knowledge.Result{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleDeleteKnowledgeBase(c *gin.Context) {
	kb, ok := s.loadKnowledgeBase(c)
	if !ok {
		return
	}
	docs, err := s.opts.Knowledge.DeleteKnowledgeBase(c.Request.Context(), kb.ID)
	if err != nil {
		fail(c, err)
		return
	}
	s.removeUploads(docs...)
	c.Status(http.StatusNoContent)
}

func (s *Server) removeUploads(docs ...models.Document) {
	if s.opts.Files == nil {
		return
	}
	for _, d := range docs {
		if d.FilePath == "" {
			continue
		}
		if err := s.opts.Files.Remove(d.FilePath); err != nil {
			log.Printf("api: remove upload of document %s: %v", d.ID, err)
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
