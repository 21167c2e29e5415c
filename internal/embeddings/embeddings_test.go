package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

type embedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions"`
}

// embedServer answers /v1/embeddings with vectors whose first element is
// the input's length, returning data in reverse order.
func embedServer(t *testing.T, requests *[]embedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req embedRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		*requests = append(*requests, req)

		var data []string
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, fmt.Sprintf(`{"object":"embedding","index":%d,"embedding":[%d,0.5]}`, i, len(req.Input[i])))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"object":"list","model":%q,"data":[%s],"usage":{"prompt_tokens":1,"total_tokens":1}}`,
			req.Model, strings.Join(data, ","))
	}))
}

func TestOpenAIEmbedder_Batches(t *testing.T) {
	var reqs []embedRequest
	srv := embedServer(t, &reqs)
	defer srv.Close()

	e := NewOpenAIEmbedder("sk-test", srv.URL+"/v1", "text-embedding-3-small", 2)
	texts := make([]string, 150)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}

	vecs, err := e.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if len(reqs[0].Input) != 100 || len(reqs[1].Input) != 50 {
		t.Errorf("batch sizes = %d/%d, want 100/50", len(reqs[0].Input), len(reqs[1].Input))
	}
	if reqs[0].Dimensions != 2 {
		t.Errorf("Dimensions = %d, want 2", reqs[0].Dimensions)
	}
	if len(vecs) != 150 {
		t.Fatalf("vectors = %d, want 150", len(vecs))
	}
	for i, v := range vecs {
		if int(v[0]) != i+1 {
			t.Fatalf("vecs[%d][0] = %v, want %d (order not preserved)", i, v[0], i+1)
		}
	}
}

func TestOpenAIEmbedder_TruncatesLongInput(t *testing.T) {
	var reqs []embedRequest
	srv := embedServer(t, &reqs)
	defer srv.Close()

	e := NewOpenAIEmbedder("sk-test", srv.URL+"/v1", "m", 2)
	if _, err := e.Embed(context.Background(), []string{strings.Repeat("y", 9000)}); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got := len(reqs[0].Input[0]); got != MaxInputChars {
		t.Errorf("input length = %d, want %d", got, MaxInputChars)
	}
}

func TestOpenAIEmbedder_Empty(t *testing.T) {
	e := NewOpenAIEmbedder("sk-test", "http://127.0.0.1:1", "m", 2)
	vecs, err := e.Embed(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("Embed(nil) = %v, %v; want nil, nil", vecs, err)
	}
}

func TestEmbedOne(t *testing.T) {
	m := NewMockEmbedder(8)
	v, err := EmbedOne(context.Background(), m, "hello")
	if err != nil {
		t.Fatalf("EmbedOne: %v", err)
	}
	if len(v) != 8 {
		t.Errorf("len = %d, want 8", len(v))
	}

	m.Err = errors.New("boom")
	if _, err := EmbedOne(context.Background(), m, "hello"); err == nil {
		t.Error("expected error")
	}
}

type countingEmbedder struct {
	*MockEmbedder
	texts atomic.Int64
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.texts.Add(int64(len(texts)))
	return c.MockEmbedder.Embed(ctx, texts)
}

func TestCached_HitsSkipProvider(t *testing.T) {
	inner := &countingEmbedder{MockEmbedder: NewMockEmbedder(16)}
	c, err := NewCached(inner, filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	first, err := c.Embed(ctx, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	second, err := c.Embed(ctx, []string{"beta", "gamma", "alpha"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if got := inner.texts.Load(); got != 3 {
		t.Errorf("provider saw %d texts, want 3", got)
	}
	for i := range first[0] {
		if second[2][i] != first[0][i] {
			t.Fatalf("cached alpha differs at %d", i)
		}
		if second[0][i] != first[1][i] {
			t.Fatalf("cached beta differs at %d", i)
		}
	}
	if c.Dimensions() != 16 || c.Name() != "mock" {
		t.Errorf("Dimensions/Name = %d/%q", c.Dimensions(), c.Name())
	}
}

func TestCached_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	inner := &countingEmbedder{MockEmbedder: NewMockEmbedder(4)}

	c, err := NewCached(inner, path)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	if _, err := c.Embed(context.Background(), []string{"persist me"}); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c, err = NewCached(inner, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	if _, err := c.Embed(context.Background(), []string{"persist me"}); err != nil {
		t.Fatal(err)
	}
	if got := inner.texts.Load(); got != 1 {
		t.Errorf("provider saw %d texts, want 1", got)
	}
}

func TestCached_InnerError(t *testing.T) {
	inner := NewMockEmbedder(4)
	inner.Err = errors.New("quota")
	c, err := NewCached(inner, filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Embed(context.Background(), []string{"x"}); err == nil {
		t.Error("expected error")
	}
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{0, -1.5, 3.25, 1e-7}
	got := decodeVector(encodeVector(v))
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], v[i])
		}
	}
}

func TestNewRateLimited(t *testing.T) {
	m := NewMockEmbedder(4)
	if NewRateLimited(m, 0) != Embedder(m) {
		t.Error("rps 0 should return the embedder unchanged")
	}
	r := NewRateLimited(m, 50)
	if _, err := r.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if r.Dimensions() != 4 {
		t.Errorf("Dimensions = %d, want 4", r.Dimensions())
	}
}
