package knowledge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/zulandar/parley/internal/models"
)

const (
	fetchTimeout   = 15 * time.Second
	maxPageChars   = 100000
	maxFetchBytes  = 10 << 20
	fetchUserAgent = "Parley/1.0 (content indexer)"
)

// FileSource reads stored uploads by relative path.
type FileSource interface {
	ReadFile(rel string) ([]byte, error)
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	xmlTagRe     = regexp.MustCompile(`<[^>]+>`)
	paragraphRe  = regexp.MustCompile(`</w:p>|<w:br/>|<w:tab/>`)
)

// Extractor turns a Document into plain text.
type Extractor struct {
	files  FileSource
	client *http.Client
}

// NewExtractor creates an Extractor. files may be nil when only url and
// inline manual documents are indexed.
func NewExtractor(files FileSource, client *http.Client) *Extractor {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Extractor{files: files, client: client}
}

// Extract returns the document's text. An empty result is not an error.
func (x *Extractor) Extract(ctx context.Context, doc *models.Document) (string, error) {
	switch doc.Kind {
	case models.DocumentURL:
		if doc.SourceURL == "" {
			return "", fmt.Errorf("knowledge: url document %s has no source url", doc.ID)
		}
		return x.fetchURL(ctx, doc.SourceURL)
	case models.DocumentManual:
		if doc.SourceText != "" {
			return doc.SourceText, nil
		}
	}

	if doc.FilePath == "" {
		return "", nil
	}
	if x.files == nil {
		return "", fmt.Errorf("knowledge: no file source for %s", doc.FilePath)
	}
	data, err := x.files.ReadFile(doc.FilePath)
	if err != nil {
		return "", fmt.Errorf("knowledge: read %s: %w", doc.FilePath, err)
	}

	switch doc.Kind {
	case models.DocumentPDF:
		return pdfText(data)
	case models.DocumentDOCX:
		return docxText(data)
	case models.DocumentTXT, models.DocumentCSV, models.DocumentManual:
		return string(data), nil
	default:
		return "", fmt.Errorf("knowledge: unsupported document kind %q", doc.Kind)
	}
}

func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("knowledge: open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("knowledge: pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("knowledge: pdf text: %w", err)
	}
	return buf.String(), nil
}

func docxText(data []byte) (string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("knowledge: open docx: %w", err)
	}
	defer r.Close()
	return docxXMLToText(r.Editable().GetContent()), nil
}

// docxXMLToText reduces WordprocessingML to text, keeping paragraph breaks.
func docxXMLToText(xml string) string {
	xml = paragraphRe.ReplaceAllString(xml, "\n")
	text := xmlTagRe.ReplaceAllString(xml, "")
	text = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'").Replace(text)
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

func (x *Extractor) fetchURL(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("knowledge: fetch %s: %w", url, err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := x.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("knowledge: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("knowledge: fetch %s: status %d", url, resp.StatusCode)
	}

	page, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("knowledge: parse %s: %w", url, err)
	}
	return pageText(page), nil
}

// pageText strips page chrome and collapses whitespace.
func pageText(page *goquery.Document) string {
	page.Find("script, style, nav, footer, header, noscript").Remove()
	text := strings.TrimSpace(whitespaceRe.ReplaceAllString(page.Find("body").Text(), " "))
	if r := []rune(text); len(r) > maxPageChars {
		text = string(r[:maxPageChars])
	}
	return text
}
