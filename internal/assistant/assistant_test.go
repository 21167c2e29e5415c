package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/parley/internal/db"
	"github.com/zulandar/parley/internal/embeddings"
	"github.com/zulandar/parley/internal/llm"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/session"
	"github.com/zulandar/parley/internal/vectorindex"
	"gorm.io/gorm"
)

const dims = 32

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return gdb
}

func defaultSettings() *models.TenantSettings {
	return &models.TenantSettings{
		TenantID:            "t1",
		BotName:             "Ava",
		Temperature:         0.3,
		ConfidenceThreshold: 0.6,
		MaxHistory:          10,
		DefaultLanguage:     "auto",
	}
}

type fixture struct {
	db       *gorm.DB
	provider *llm.MockProvider
	index    *vectorindex.Chromem
	embedder *embeddings.MockEmbedder
	engine   *Engine
}

func newFixture(t *testing.T, reply string) *fixture {
	t.Helper()
	gdb := testDB(t)
	idx, err := vectorindex.NewChromem("")
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		db:       gdb,
		provider: &llm.MockProvider{Reply: reply, Transcript: "where is my parcel"},
		index:    idx,
		embedder: embeddings.NewMockEmbedder(dims),
	}
	f.engine, err = NewEngine(Opts{
		DB:           gdb,
		Provider:     f.provider,
		Transcriber:  f.provider,
		Embedder:     f.embedder,
		Index:        idx,
		DefaultModel: "gpt-default",
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return f
}

func (f *fixture) addMessage(t *testing.T, conv, dir, content string, approved *bool, at time.Time) {
	t.Helper()
	m := models.Message{ConversationID: conv, Direction: dir, SenderKind: models.SenderContact, Content: content, IsApproved: approved, CreatedAt: at}
	if dir == models.DirectionOutbound {
		m.SenderKind = models.SenderBot
	}
	if err := f.db.Create(&m).Error; err != nil {
		t.Fatal(err)
	}
}

func boolPtr(b bool) *bool { return &b }

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine(Opts{Provider: &llm.MockProvider{}}); err == nil {
		t.Error("expected error without db")
	}
	if _, err := NewEngine(Opts{DB: testDB(t)}); err == nil {
		t.Error("expected error without provider")
	}
	if _, err := NewEngine(Opts{DB: testDB(t), Provider: &llm.MockProvider{}, Embedder: embeddings.NewMockEmbedder(4)}); err == nil {
		t.Error("expected error with embedder but no index")
	}
}

func TestGenerate_HiWithoutKnowledgeBase(t *testing.T) {
	f := newFixture(t, "Hi there! How can I help you today?")
	f.addMessage(t, "c1", models.DirectionInbound, "hi", nil, time.Now())

	out, err := f.engine.Generate(context.Background(), Input{
		TenantID: "t1", ConversationID: "c1", Settings: defaultSettings(),
		Contact: &models.Contact{Name: "Ravi"}, Text: "hi",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Confidence != 0.65 {
		t.Errorf("Confidence = %v, want 0.65", out.Confidence)
	}
	if out.ShouldEscalate {
		t.Errorf("ShouldEscalate = true (%s), want false", out.EscalationReason)
	}
	if len(out.ChunksUsed) != 0 {
		t.Errorf("ChunksUsed = %v, want none", out.ChunksUsed)
	}

	req, _ := f.provider.Last()
	if req.Model != "gpt-default" || req.MaxTokens != 1024 || req.Temperature != 0.3 {
		t.Errorf("request = model %q, max %d, temp %v", req.Model, req.MaxTokens, req.Temperature)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %d, want system + user", len(req.Messages))
	}
	sys := req.Messages[0].Content
	for _, want := range []string{"You are Ava, a helpful AI assistant.", "talking with Ravi", "same language", "No knowledge base is loaded"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q:\n%s", want, sys)
		}
	}
}

func TestGenerate_RefundEscalates(t *testing.T) {
	f := newFixture(t, "I understand, let me look into your order details for you.")
	out, err := f.engine.Generate(context.Background(), Input{
		TenantID: "t1", ConversationID: "c1", Settings: defaultSettings(), Text: "I want a refund",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !out.ShouldEscalate || out.EscalationReason != ReasonKeyword {
		t.Errorf("escalate = %v (%q), want true (%q)", out.ShouldEscalate, out.EscalationReason, ReasonKeyword)
	}
}

func TestGenerate_ReplyKeywordsDoNotEscalate(t *testing.T) {
	f := newFixture(t, "You can cancel or request a refund anytime from the app.")
	out, err := f.engine.Generate(context.Background(), Input{
		TenantID: "t1", ConversationID: "c1", Settings: defaultSettings(), Text: "how does your app work",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.ShouldEscalate {
		t.Errorf("ShouldEscalate = true (%s), reply keywords must not escalate", out.EscalationReason)
	}
}

func TestGenerate_ProviderFailure(t *testing.T) {
	f := newFixture(t, "")
	f.provider.Err = errors.New("503")
	out, err := f.engine.Generate(context.Background(), Input{
		TenantID: "t1", ConversationID: "c1", Settings: defaultSettings(), Text: "hello",
	})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if out.Reply != FallbackReply || out.Confidence != 0 || !out.ShouldEscalate || out.EscalationReason != ReasonProviderError {
		t.Errorf("out = %+v", out)
	}
}

func TestGenerate_LowConfidence(t *testing.T) {
	f := newFixture(t, "ok")
	out, _ := f.engine.Generate(context.Background(), Input{
		TenantID: "t1", ConversationID: "c1", Settings: defaultSettings(), Text: "what time do you open",
	})
	if out.Confidence != 0.1 || !out.ShouldEscalate || out.EscalationReason != ReasonLowConfidence {
		t.Errorf("out = %+v", out)
	}
}

func TestGenerate_Retrieval(t *testing.T) {
	f := newFixture(t, "We ship within three to five business days across India.")
	ctx := context.Background()

	kb := models.KnowledgeBase{TenantID: "t1", Name: "Default", IsDefault: true}
	f.db.Create(&kb)
	name := vectorindex.CollectionName(kb.ID)
	f.index.EnsureCollection(ctx, name, dims)

	question := "how long does shipping take"
	content := strings.Repeat("Shipping takes 3-5 business days for all orders placed before noon. ", 3)
	f.index.Upsert(ctx, name, []vectorindex.Point{{
		ID:     "2f1b6a8e-0000-5000-8000-000000000001",
		Vector: embeddings.Vector(question, dims),
		Payload: map[string]string{
			vectorindex.PayloadChunkID: "2f1b6a8e-0000-5000-8000-000000000001",
			vectorindex.PayloadContent: content,
		},
	}})

	out, err := f.engine.Generate(ctx, Input{TenantID: "t1", ConversationID: "c1", Settings: defaultSettings(), Text: question})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85", out.Confidence)
	}
	if len(out.ChunksUsed) != 1 || out.ChunksUsed[0] != "2f1b6a8e-0000-5000-8000-000000000001" {
		t.Errorf("ChunksUsed = %v", out.ChunksUsed)
	}
	req, _ := f.provider.Last()
	if !strings.Contains(req.Messages[0].Content, "[Source 1]: Shipping takes") {
		t.Errorf("system prompt missing source block:\n%s", req.Messages[0].Content)
	}
}

func TestGenerate_HistoryExcludesDrafts(t *testing.T) {
	f := newFixture(t, "Sure, our store is open until 9pm today.")
	base := time.Now().Add(-time.Hour)
	f.addMessage(t, "c1", models.DirectionInbound, "hello", nil, base)
	f.addMessage(t, "c1", models.DirectionOutbound, "Hi! How can I help?", boolPtr(true), base.Add(time.Minute))
	f.addMessage(t, "c1", models.DirectionInbound, "are you open", nil, base.Add(2*time.Minute))
	f.addMessage(t, "c1", models.DirectionOutbound, "unapproved draft", boolPtr(false), base.Add(3*time.Minute))
	f.addMessage(t, "c1", models.DirectionInbound, "today?", nil, base.Add(4*time.Minute))

	_, err := f.engine.Generate(context.Background(), Input{
		TenantID: "t1", ConversationID: "c1", Settings: defaultSettings(), Text: "today?",
	})
	if err != nil {
		t.Fatal(err)
	}
	req, _ := f.provider.Last()
	msgs := req.Messages[1:]
	if len(msgs) != 3 {
		t.Fatalf("turns = %d, want 3: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != llm.RoleUser || msgs[1].Role != llm.RoleAssistant || msgs[2].Role != llm.RoleUser {
		t.Errorf("roles = %s/%s/%s", msgs[0].Role, msgs[1].Role, msgs[2].Role)
	}
	// "are you open" and "today?" merge, then the current turn replaces them.
	if msgs[2].Content != "today?" {
		t.Errorf("last turn = %q, want %q", msgs[2].Content, "today?")
	}
	for _, m := range msgs {
		if strings.Contains(m.Content, "draft") {
			t.Errorf("draft leaked into history: %q", m.Content)
		}
	}
}

func TestGenerate_CancelledContextStopsHistoryQuery(t *testing.T) {
	f := newFixture(t, "hello")
	f.addMessage(t, "c1", models.DirectionInbound, "hi", nil, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.Generate(ctx, Input{TenantID: "t1", ConversationID: "c1", Settings: defaultSettings(), Text: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if n := len(f.provider.Requests()); n != 0 {
		t.Errorf("provider calls = %d, want 0", n)
	}
}

func TestBuildTurns_OnlyBotRepliesAreAssistantTurns(t *testing.T) {
	current := llm.Message{Role: llm.RoleUser, Content: "and tomorrow?"}
	tests := []struct {
		name    string
		history []models.Message
		want    []llm.Message
	}{
		{
			name: "bot reply kept",
			history: []models.Message{
				{Direction: models.DirectionInbound, SenderKind: models.SenderContact, Content: "open today?"},
				{Direction: models.DirectionOutbound, SenderKind: models.SenderBot, Content: "Until 9pm."},
			},
			want: []llm.Message{
				{Role: llm.RoleUser, Content: "open today?"},
				{Role: llm.RoleAssistant, Content: "Until 9pm."},
				current,
			},
		},
		{
			name: "human agent reply dropped",
			history: []models.Message{
				{Direction: models.DirectionInbound, SenderKind: models.SenderContact, Content: "open today?"},
				{Direction: models.DirectionOutbound, SenderKind: models.SenderHuman, Content: "Hi, Sam here. Until 9pm."},
			},
			want: []llm.Message{current},
		},
		{
			name: "human reply between bot replies",
			history: []models.Message{
				{Direction: models.DirectionInbound, SenderKind: models.SenderContact, Content: "hello"},
				{Direction: models.DirectionOutbound, SenderKind: models.SenderBot, Content: "Hi! How can I help?"},
				{Direction: models.DirectionOutbound, SenderKind: models.SenderHuman, Content: "Sam from support"},
				{Direction: models.DirectionInbound, SenderKind: models.SenderContact, Content: "open today?"},
			},
			want: []llm.Message{
				{Role: llm.RoleUser, Content: "hello"},
				{Role: llm.RoleAssistant, Content: "Hi! How can I help?"},
				current,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildTurns(tt.history, current)
			if len(got) != len(tt.want) {
				t.Fatalf("turns = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i].Role != tt.want[i].Role || got[i].Content != tt.want[i].Content {
					t.Errorf("turn %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestGenerate_Media(t *testing.T) {
	tests := []struct {
		name      string
		kind      string
		text      string
		wantText  string
		wantImage bool
	}{
		{"voice", session.MediaAudio, "", `[Voice message transcription]: "where is my parcel"`, false},
		{"document", session.MediaDocument, "see attached", "[Document attached - please describe what you need help with]\nsee attached", false},
		{"video", session.MediaVideo, "", "[Video attached - please describe what you need help with]", false},
		{"image", session.MediaImage, "is this damaged?", "is this damaged?", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "Thanks for sending that over, let me check.")
			_, err := f.engine.Generate(context.Background(), Input{
				TenantID: "t1", ConversationID: "c1", Settings: defaultSettings(),
				Text: tt.text, MediaKind: tt.kind, MediaMime: "image/png", Media: []byte{1, 2, 3},
			})
			if err != nil {
				t.Fatal(err)
			}
			req, _ := f.provider.Last()
			cur := req.Messages[len(req.Messages)-1]
			if cur.Content != tt.wantText {
				t.Errorf("content = %q, want %q", cur.Content, tt.wantText)
			}
			if got := len(cur.ImageURLs) == 1; got != tt.wantImage {
				t.Errorf("image attached = %v, want %v", got, tt.wantImage)
			}
			if tt.wantImage && !strings.HasPrefix(cur.ImageURLs[0], "data:image/png;base64,") {
				t.Errorf("image url = %q", cur.ImageURLs[0])
			}
		})
	}
}

func TestGenerate_TranscriptionFailure(t *testing.T) {
	f := newFixture(t, "Could you type your question please?")
	f.provider.TranscribeErr = errors.New("bad audio")
	f.engine.Generate(context.Background(), Input{
		TenantID: "t1", ConversationID: "c1", Settings: defaultSettings(),
		MediaKind: session.MediaAudio, Media: []byte{1},
	})
	req, _ := f.provider.Last()
	if got := req.Messages[len(req.Messages)-1].Content; got != "[Voice message - unable to transcribe]" {
		t.Errorf("content = %q", got)
	}
}

func TestSystemPrompt_LanguageAndPersona(t *testing.T) {
	p := buildSystemPrompt(promptOpts{botName: "Max", persona: "the support agent of Acme", contactName: "Lee", language: "Hindi"})
	for _, want := range []string{"You are Max, the support agent of Acme.", "Always reply in Hindi.", "no markdown"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestContactName(t *testing.T) {
	tests := []struct {
		c    *models.Contact
		want string
	}{
		{&models.Contact{DisplayName: "D", Name: "N", PhoneNumber: "1"}, "D"},
		{&models.Contact{Name: "N", PhoneNumber: "1"}, "N"},
		{&models.Contact{PhoneNumber: "1"}, "1"},
		{nil, "a customer"},
	}
	for _, tt := range tests {
		if got := contactName(tt.c); got != tt.want {
			t.Errorf("contactName = %q, want %q", got, tt.want)
		}
	}
}

func TestEstimateConfidence(t *testing.T) {
	long := strings.Repeat("k", 101)
	tests := []struct {
		name  string
		reply string
		kb    string
		want  float64
	}{
		{"short reply", "ok sure", long, 0.1},
		{"short after trim", "   hi   ", "", 0.1},
		{"substantial kb", "Here is the answer you need.", long, 0.85},
		{"no kb", "Here is the answer you need.", "", 0.65},
		{"thin kb", "Here is the answer you need.", "tiny", 0.75},
		{"exactly 100", "Here is the answer you need.", strings.Repeat("k", 100), 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateConfidence(tt.reply, tt.kb); got != tt.want {
				t.Errorf("EstimateConfidence = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContainsEscalationKeyword(t *testing.T) {
	tests := map[string]bool{
		"I want a REFUND":             true,
		"please cancel my order":      true,
		"cancellation policy?":        true,
		"this is a scam":              true,
		"I have an issue with my bag": false,
		"pursue the matter":           false,
		"hello":                       false,
		"":                            false,
	}
	for text, want := range tests {
		if got := ContainsEscalationKeyword(text); got != want {
			t.Errorf("ContainsEscalationKeyword(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestDetectSentiment(t *testing.T) {
	tests := map[string]string{
		"thank you, this is great":  SentimentPositive,
		"worst service, I am angry": SentimentNegative,
		"good but also bad":         SentimentNeutral,
		"where is my order":         SentimentNeutral,
		"Thanks! Awesome work":      SentimentPositive,
	}
	for text, want := range tests {
		if got := DetectSentiment(text); got != want {
			t.Errorf("DetectSentiment(%q) = %q, want %q", text, got, want)
		}
	}
}
