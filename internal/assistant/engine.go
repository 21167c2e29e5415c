// Package assistant generates replies to inbound messages from conversation
// history, knowledge-base retrieval and attached media.
package assistant

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"

	"github.com/zulandar/parley/internal/embeddings"
	"github.com/zulandar/parley/internal/llm"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/session"
	"github.com/zulandar/parley/internal/vectorindex"
	"gorm.io/gorm"
)

// Retrieval parameters for knowledge-base context.
const (
	RetrievalLimit     = 5
	RetrievalThreshold = 0.7

	maxReplyTokens   = 1024
	defaultThreshold = 0.6
	defaultHistory   = 10
)

// FallbackReply is sent when the provider fails.
const FallbackReply = "I'm having trouble responding right now. Please try again in a moment."

// Escalation reasons.
const (
	ReasonProviderError = "provider error"
	ReasonLowConfidence = "low confidence"
	ReasonKeyword       = "escalation keyword"
)

// Input is one generation request.
type Input struct {
	TenantID       string
	ConversationID string
	Contact        *models.Contact
	Settings       *models.TenantSettings
	Text           string
	MediaKind      string
	MediaMime      string
	Media          []byte
}

// Output is the engine's verdict on an inbound message.
type Output struct {
	Reply            string
	Confidence       float64
	ChunksUsed       []string
	ShouldEscalate   bool
	EscalationReason string
	Sentiment        string
}

// Opts configures an Engine. Embedder and Index are optional together;
// without them no retrieval happens. Transcriber is optional.
type Opts struct {
	DB           *gorm.DB
	Provider     llm.Provider
	Transcriber  llm.Transcriber
	Embedder     embeddings.Embedder
	Index        vectorindex.Index
	DefaultModel string
}

// Engine is the retrieval-and-generation engine.
type Engine struct {
	db           *gorm.DB
	provider     llm.Provider
	transcriber  llm.Transcriber
	embedder     embeddings.Embedder
	index        vectorindex.Index
	defaultModel string
}

// NewEngine creates an Engine.
func NewEngine(opts Opts) (*Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("assistant: db is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("assistant: provider is required")
	}
	if (opts.Embedder == nil) != (opts.Index == nil) {
		return nil, fmt.Errorf("assistant: embedder and index must be set together")
	}
	return &Engine{
		db:           opts.DB,
		provider:     opts.Provider,
		transcriber:  opts.Transcriber,
		embedder:     opts.Embedder,
		index:        opts.Index,
		defaultModel: opts.DefaultModel,
	}, nil
}

// Generate produces a reply. Provider failures are folded into an
// escalating fallback Output; only storage errors are returned.
func (e *Engine) Generate(ctx context.Context, in Input) (*Output, error) {
	if in.Settings == nil {
		return nil, fmt.Errorf("assistant: settings are required")
	}

	history, err := e.loadHistory(ctx, in.ConversationID, in.Settings.MaxHistory)
	if err != nil {
		return nil, err
	}

	kbContext, chunks := e.retrieve(ctx, in.TenantID, in.Text)
	mediaContext, imageURL := e.describeMedia(ctx, in)

	system := buildSystemPrompt(promptOpts{
		botName:     in.Settings.BotName,
		persona:     in.Settings.Persona,
		contactName: contactName(in.Contact),
		language:    language(in.Contact, in.Settings),
		kbContext:   kbContext,
	})

	current := llm.Message{Role: llm.RoleUser, Content: joinNonEmpty("\n", mediaContext, in.Text)}
	if imageURL != "" {
		current.ImageURLs = []string{imageURL}
	}
	if current.Content == "" && imageURL == "" {
		current.Content = "[media message]"
	}

	messages := append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, buildTurns(history, current)...)

	model := in.Settings.Model
	if model == "" {
		model = e.defaultModel
	}
	text, err := e.provider.Complete(ctx, llm.Request{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxReplyTokens,
		Temperature: in.Settings.Temperature,
	})
	if err != nil {
		log.Printf("assistant: completion with %s failed for conversation %s: %v", model, in.ConversationID, err)
		return &Output{
			Reply:            FallbackReply,
			Confidence:       0,
			ShouldEscalate:   true,
			EscalationReason: ReasonProviderError,
			Sentiment:        DetectSentiment(in.Text),
		}, nil
	}

	reply := strings.TrimSpace(text)
	out := &Output{
		Reply:      reply,
		Confidence: EstimateConfidence(reply, kbContext),
		ChunksUsed: chunks,
		Sentiment:  DetectSentiment(in.Text),
	}

	threshold := in.Settings.ConfidenceThreshold
	if threshold == 0 {
		threshold = defaultThreshold
	}
	switch {
	case ContainsEscalationKeyword(in.Text):
		out.ShouldEscalate = true
		out.EscalationReason = ReasonKeyword
	case out.Confidence < threshold:
		out.ShouldEscalate = true
		out.EscalationReason = ReasonLowConfidence
	}
	return out, nil
}

// loadHistory returns the newest max messages, oldest first. Unapproved
// drafts never reach the model.
func (e *Engine) loadHistory(ctx context.Context, conversationID string, max int) ([]models.Message, error) {
	if max <= 0 {
		max = defaultHistory
	}
	var msgs []models.Message
	err := e.db.WithContext(ctx).Where("conversation_id = ? AND (is_approved IS NULL OR is_approved = ?)", conversationID, true).
		Order("created_at DESC").
		Limit(max).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("assistant: load history for %s: %w", conversationID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// retrieve searches the tenant's default knowledge base. Failures are
// logged and yield no context.
func (e *Engine) retrieve(ctx context.Context, tenantID, text string) (string, []string) {
	if e.index == nil || strings.TrimSpace(text) == "" {
		return "", nil
	}

	var kb models.KnowledgeBase
	err := e.db.WithContext(ctx).Where("tenant_id = ? AND is_default = ?", tenantID, true).Limit(1).Find(&kb).Error
	if err != nil {
		log.Printf("assistant: find default knowledge base for %s: %v", tenantID, err)
		return "", nil
	}
	if kb.ID == "" {
		return "", nil
	}

	vec, err := embeddings.EmbedOne(ctx, e.embedder, text)
	if err != nil {
		log.Printf("assistant: embed query for %s: %v", tenantID, err)
		return "", nil
	}
	hits, err := e.index.Search(ctx, vectorindex.CollectionName(kb.ID), vec, RetrievalLimit, RetrievalThreshold)
	if err != nil {
		log.Printf("assistant: search %s: %v", kb.ID, err)
		return "", nil
	}
	if len(hits) == 0 {
		return "", nil
	}

	blocks := make([]string, 0, len(hits))
	chunks := make([]string, 0, len(hits))
	for i, h := range hits {
		blocks = append(blocks, fmt.Sprintf("[Source %d]: %s", i+1, h.Payload[vectorindex.PayloadContent]))
		id := h.Payload[vectorindex.PayloadChunkID]
		if id == "" {
			id = h.ID
		}
		chunks = append(chunks, id)
	}
	return strings.Join(blocks, "\n\n"), chunks
}

// describeMedia turns an attachment into a text note or an image part.
func (e *Engine) describeMedia(ctx context.Context, in Input) (string, string) {
	if len(in.Media) == 0 {
		return "", ""
	}
	switch in.MediaKind {
	case session.MediaImage:
		mime := in.MediaMime
		if mime == "" || !strings.HasPrefix(mime, "image/") {
			mime = "image/jpeg"
		}
		return "", "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(in.Media)
	case session.MediaAudio:
		if e.transcriber == nil {
			return "[Voice message - unable to transcribe]", ""
		}
		text, err := e.transcriber.Transcribe(ctx, in.Media, in.MediaMime)
		if err != nil || text == "" {
			if err != nil {
				log.Printf("assistant: transcribe voice note in %s: %v", in.ConversationID, err)
			}
			return "[Voice message - unable to transcribe]", ""
		}
		return `[Voice message transcription]: "` + text + `"`, ""
	case session.MediaDocument:
		return "[Document attached - please describe what you need help with]", ""
	case session.MediaVideo:
		return "[Video attached - please describe what you need help with]", ""
	}
	return "", ""
}

// buildTurns maps history onto alternating roles and attaches the current
// user turn, replacing a trailing user turn. Only the bot's own replies
// become assistant turns; human agent replies are left out.
func buildTurns(history []models.Message, current llm.Message) []llm.Message {
	var turns []llm.Message
	for _, m := range history {
		var t llm.Message
		switch m.Direction {
		case models.DirectionInbound:
			content := m.Content
			if content == "" {
				content = "[media message]"
			}
			t = llm.Message{Role: llm.RoleUser, Content: content}
		case models.DirectionOutbound:
			if m.SenderKind != models.SenderBot || m.Content == "" {
				continue
			}
			t = llm.Message{Role: llm.RoleAssistant, Content: m.Content}
		default:
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == t.Role {
			turns[n-1].Content += "\n" + t.Content
			continue
		}
		turns = append(turns, t)
	}

	if n := len(turns); n > 0 && turns[n-1].Role == llm.RoleUser {
		turns[n-1] = current
		return turns
	}
	return append(turns, current)
}

func contactName(c *models.Contact) string {
	if c == nil {
		return "a customer"
	}
	for _, s := range []string{c.DisplayName, c.Name, c.PhoneNumber} {
		if s != "" {
			return s
		}
	}
	return "a customer"
}

func language(c *models.Contact, s *models.TenantSettings) string {
	if c != nil && c.Language != "" {
		return c.Language
	}
	return s.DefaultLanguage
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
