// Package router turns inbound WhatsApp messages into stored conversation
// state and decides whether, and how, the assistant answers.
package router

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zulandar/parley/internal/assistant"
	"github.com/zulandar/parley/internal/jobs"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/notify"
	"github.com/zulandar/parley/internal/payment"
	"github.com/zulandar/parley/internal/session"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultEscalationMessage is sent on escalation when the tenant has none.
const DefaultEscalationMessage = "I'm connecting you with a human agent who can better assist you."

// Transport sends and downloads through a live session. session.Manager
// satisfies it.
type Transport interface {
	Send(ctx context.Context, sessionID, to, text string) (string, error)
	Download(ctx context.Context, sessionID string, msg *session.InboundMessage) ([]byte, error)
}

// Generator produces assistant replies. assistant.Engine satisfies it.
type Generator interface {
	Generate(ctx context.Context, in assistant.Input) (*assistant.Output, error)
}

// Spooler writes media bytes to a temporary file. storage.Store satisfies it.
type Spooler interface {
	Spool(data []byte) (string, error)
}

// Enqueuer puts a job on the durable queue. jobs.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.Payload) (*models.Job, error)
}

// Opts holds parameters for creating a Router.
type Opts struct {
	DB        *gorm.DB        // required
	Transport Transport       // required
	Assistant Generator       // required
	Notifier  notify.Notifier // optional
	Linker    payment.Linker  // optional; without it payment directives get the placeholder
	// Spooler and Queue together enable persisting inbound media.
	Spooler Spooler
	Queue   Enqueuer
	// AlternateIdentity reports whether an address is a secondary identity
	// that bypasses contacts-only mode. Nil matches nothing.
	AlternateIdentity func(address string) bool
}

// Router is the inbound message pipeline. It implements session.Handler.
type Router struct {
	db        *gorm.DB
	transport Transport
	assistant Generator
	notifier  notify.Notifier
	linker    payment.Linker
	spooler   Spooler
	queue     Enqueuer
	altID     func(string) bool
	locks     *keyedLock
	now       func() time.Time
}

// New creates a Router.
func New(opts Opts) (*Router, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("router: db is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("router: transport is required")
	}
	if opts.Assistant == nil {
		return nil, fmt.Errorf("router: assistant is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop
	}
	if opts.AlternateIdentity == nil {
		opts.AlternateIdentity = func(string) bool { return false }
	}
	return &Router{
		db:        opts.DB,
		transport: opts.Transport,
		assistant: opts.Assistant,
		notifier:  opts.Notifier,
		linker:    opts.Linker,
		spooler:   opts.Spooler,
		queue:     opts.Queue,
		altID:     opts.AlternateIdentity,
		locks:     newKeyedLock(),
		now:       time.Now,
	}, nil
}

// Result reports what HandleInbound did.
type Result struct {
	Verdict        Verdict
	Reason         string
	ContactID      string
	ConversationID string
	InboundID      string
	// ReplyID is the stored outbound message, if any.
	ReplyID   string
	Escalated bool
}

// HandleInbound implements session.Handler. Errors are logged.
func (r *Router) HandleInbound(ctx context.Context, sessionID, tenantID string, msg *session.InboundMessage) {
	res, err := r.Process(ctx, sessionID, tenantID, msg)
	if err != nil {
		log.Printf("router: message %s on session %s: %v", msg.ID, sessionID, err)
		return
	}
	if res.Verdict == VerdictDrop && res.Reason != "" {
		log.Printf("router: dropped message %s from %s: %s", msg.ID, msg.Chat, res.Reason)
	}
}

// Process runs the pipeline for one inbound message. Work for the same
// contact address is serialized.
func (r *Router) Process(ctx context.Context, sessionID, tenantID string, msg *session.InboundMessage) (*Result, error) {
	if msg.IsGroup || msg.FromMe || strings.HasSuffix(msg.Chat, "@g.us") {
		return &Result{Verdict: VerdictDrop}, nil
	}
	if msg.Chat == "" {
		return nil, fmt.Errorf("router: message %s has no sender address", msg.ID)
	}

	var media []byte
	if msg.HasMedia() {
		data, err := r.transport.Download(ctx, sessionID, msg)
		if err != nil {
			log.Printf("router: download media of %s: %v", msg.ID, err)
		} else {
			media = data
		}
	}

	unlock := r.locks.Lock(tenantID + "|" + msg.Chat)
	defer unlock()

	contact, err := r.upsertContact(ctx, sessionID, tenantID, msg)
	if err != nil {
		return nil, err
	}
	conv, err := r.openConversation(ctx, sessionID, tenantID, contact.ID)
	if err != nil {
		return nil, err
	}
	inbound, err := r.saveInbound(ctx, conv, msg, media)
	if err != nil {
		return nil, err
	}
	r.notify(ctx, tenantID, notify.EventMessageNew, map[string]any{
		"message":      inbound,
		"conversation": map[string]string{"id": conv.ID, "contactId": contact.ID},
	})

	res := &Result{ContactID: contact.ID, ConversationID: conv.ID, InboundID: inbound.ID}

	settings, err := r.settings(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	res.Verdict, res.Reason = Decide(Facts{
		Contact:           contact,
		Settings:          settings,
		HasText:           strings.TrimSpace(msg.Text) != "",
		HasMedia:          len(media) > 0,
		AlternateIdentity: r.altID(msg.Chat),
	})

	switch res.Verdict {
	case VerdictDrop:
		return res, nil
	case VerdictHoldForHuman:
		return res, r.setStatus(ctx, tenantID, conv.ID, models.ConversationWaitingHuman)
	}

	out, err := r.assistant.Generate(ctx, assistant.Input{
		TenantID:       tenantID,
		ConversationID: conv.ID,
		Contact:        contact,
		Settings:       settings,
		Text:           msg.Text,
		MediaKind:      mediaKindFor(msg, media),
		MediaMime:      msg.MediaMime,
		Media:          media,
	})
	if err != nil {
		return nil, fmt.Errorf("router: generate reply: %w", err)
	}

	if res.Verdict == VerdictHoldForApproval {
		draft, err := r.holdForApproval(ctx, tenantID, conv, out)
		if err != nil {
			return nil, err
		}
		res.ReplyID = draft.ID
		return res, nil
	}

	if out.ShouldEscalate {
		res.Escalated = true
		reply, err := r.escalate(ctx, sessionID, tenantID, conv, contact, settings, out)
		if err != nil {
			return nil, err
		}
		res.ReplyID = reply.ID
		return res, nil
	}

	reply, err := r.autoReply(ctx, sessionID, tenantID, conv, contact, out)
	if err != nil {
		return nil, err
	}
	res.ReplyID = reply.ID
	return res, nil
}

func (r *Router) upsertContact(ctx context.Context, sessionID, tenantID string, msg *session.InboundMessage) (*models.Contact, error) {
	now := r.now()
	contact := models.Contact{
		TenantID:         tenantID,
		SessionID:        sessionID,
		Address:          msg.Chat,
		PhoneNumber:      PhoneFromAddress(msg.Chat),
		Name:             msg.PushName,
		AutoreplyEnabled: true,
		FirstSeenAt:      now,
		LastMessageAt:    &now,
	}
	updates := []string{"last_message_at"}
	if msg.PushName != "" {
		updates = append(updates, "name")
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "address"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&contact).Error
	if err != nil {
		return nil, fmt.Errorf("router: upsert contact %s: %w", msg.Chat, err)
	}

	var stored models.Contact
	if err := r.db.WithContext(ctx).Where("tenant_id = ? AND address = ?", tenantID, msg.Chat).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("router: load contact %s: %w", msg.Chat, err)
	}
	return &stored, nil
}

// liveStatuses are the conversation states a new inbound message joins.
// waiting_human and pending_approval count as open so a handed-off or
// held thread keeps its state instead of forking a fresh bot-driven one.
var liveStatuses = []string{
	models.ConversationOpen,
	models.ConversationWaitingHuman,
	models.ConversationPendingApproval,
}

// openConversation returns the contact's live conversation, creating an
// open one if there is none. An existing one gets its unread count bumped.
func (r *Router) openConversation(ctx context.Context, sessionID, tenantID, contactID string) (*models.Conversation, error) {
	now := r.now()
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Where("contact_id = ? AND status IN ?", contactID, liveStatuses).
		Order("created_at DESC").Limit(1).Find(&conv).Error
	if err != nil {
		return nil, fmt.Errorf("router: find conversation: %w", err)
	}

	if conv.ID == "" {
		conv = models.Conversation{
			TenantID:      tenantID,
			SessionID:     sessionID,
			ContactID:     contactID,
			Status:        models.ConversationOpen,
			UnreadCount:   1,
			LastMessageAt: &now,
		}
		if err := r.db.WithContext(ctx).Create(&conv).Error; err != nil {
			return nil, fmt.Errorf("router: create conversation: %w", err)
		}
		return &conv, nil
	}

	err = r.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", conv.ID).Updates(map[string]interface{}{
		"unread_count":    gorm.Expr("unread_count + 1"),
		"last_message_at": &now,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("router: update conversation %s: %w", conv.ID, err)
	}
	conv.UnreadCount++
	conv.LastMessageAt = &now
	return &conv, nil
}

func (r *Router) saveInbound(ctx context.Context, conv *models.Conversation, msg *session.InboundMessage, media []byte) (*models.Message, error) {
	m := models.Message{
		ConversationID:     conv.ID,
		TransportMessageID: msg.ID,
		Direction:          models.DirectionInbound,
		SenderKind:         models.SenderContact,
		Content:            msg.Text,
		MediaKind:          msg.MediaKind,
		MediaMime:          msg.MediaMime,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, fmt.Errorf("router: save inbound %s: %w", msg.ID, err)
	}
	if len(media) > 0 {
		r.spoolMedia(ctx, conv.TenantID, &m, media)
	}
	return &m, nil
}

// spoolMedia hands fetched bytes to the process-media job. Failures only
// cost the stored copy.
func (r *Router) spoolMedia(ctx context.Context, tenantID string, m *models.Message, media []byte) {
	if r.spooler == nil || r.queue == nil {
		return
	}
	path, err := r.spooler.Spool(media)
	if err != nil {
		log.Printf("router: spool media of %s: %v", m.ID, err)
		return
	}
	_, err = r.queue.Enqueue(ctx, jobs.ProcessMedia{MessageID: m.ID, TenantID: tenantID, SpoolPath: path, Mime: m.MediaMime})
	if err != nil {
		log.Printf("router: enqueue media of %s: %v", m.ID, err)
	}
}

func (r *Router) settings(ctx context.Context, tenantID string) (*models.TenantSettings, error) {
	var s models.TenantSettings
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Limit(1).Find(&s).Error; err != nil {
		return nil, fmt.Errorf("router: load settings for %s: %w", tenantID, err)
	}
	if s.TenantID == "" {
		return nil, nil
	}
	return &s, nil
}

func (r *Router) holdForApproval(ctx context.Context, tenantID string, conv *models.Conversation, out *assistant.Output) (*models.Message, error) {
	draft := botMessage(conv.ID, out.Reply, out)
	draft.IsApproved = boolPtr(false)
	if err := r.db.WithContext(ctx).Create(draft).Error; err != nil {
		return nil, fmt.Errorf("router: save draft: %w", err)
	}
	if err := r.setStatus(ctx, tenantID, conv.ID, models.ConversationPendingApproval); err != nil {
		return nil, err
	}
	return draft, nil
}

func (r *Router) escalate(ctx context.Context, sessionID, tenantID string, conv *models.Conversation, contact *models.Contact, settings *models.TenantSettings, out *assistant.Output) (*models.Message, error) {
	text := strings.TrimSpace(settings.EscalationMessage)
	if text == "" {
		text = DefaultEscalationMessage
	}
	transportID, err := r.transport.Send(ctx, sessionID, contact.Address, text)
	if err != nil {
		return nil, fmt.Errorf("router: send escalation: %w", err)
	}
	reply := &models.Message{
		ConversationID:     conv.ID,
		TransportMessageID: transportID,
		Direction:          models.DirectionOutbound,
		SenderKind:         models.SenderBot,
		Content:            text,
		Confidence:         floatPtr(out.Confidence),
		IsApproved:         boolPtr(true),
	}
	if err := r.db.WithContext(ctx).Create(reply).Error; err != nil {
		return nil, fmt.Errorf("router: save escalation: %w", err)
	}
	r.notify(ctx, tenantID, notify.EventMessageSent, map[string]any{
		"message":      reply,
		"conversation": map[string]string{"id": conv.ID},
	})
	log.Printf("router: conversation %s escalated: %s", conv.ID, out.EscalationReason)
	if err := r.setStatus(ctx, tenantID, conv.ID, models.ConversationWaitingHuman); err != nil {
		return nil, err
	}
	return reply, nil
}

func (r *Router) autoReply(ctx context.Context, sessionID, tenantID string, conv *models.Conversation, contact *models.Contact, out *assistant.Output) (*models.Message, error) {
	text := r.resolvePayment(ctx, tenantID, conv.ID, contact, out.Reply)
	transportID, err := r.transport.Send(ctx, sessionID, contact.Address, text)
	if err != nil {
		return nil, fmt.Errorf("router: send reply: %w", err)
	}
	reply := botMessage(conv.ID, text, out)
	reply.TransportMessageID = transportID
	reply.IsApproved = boolPtr(true)
	if err := r.db.WithContext(ctx).Create(reply).Error; err != nil {
		return nil, fmt.Errorf("router: save reply: %w", err)
	}
	r.notify(ctx, tenantID, notify.EventMessageSent, map[string]any{
		"message":      reply,
		"conversation": map[string]string{"id": conv.ID},
	})
	return reply, nil
}

// setStatus moves a conversation to status and tells observers.
func (r *Router) setStatus(ctx context.Context, tenantID, conversationID, status string) error {
	err := r.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", conversationID).Update("status", status).Error
	if err != nil {
		return fmt.Errorf("router: set conversation %s %s: %w", conversationID, status, err)
	}
	r.notify(ctx, tenantID, notify.EventConversationStatus, map[string]string{
		"conversationId": conversationID,
		"status":         status,
	})
	return nil
}

func (r *Router) notify(ctx context.Context, tenantID, event string, payload any) {
	if err := r.notifier.Notify(ctx, tenantID, event, payload); err != nil {
		log.Printf("router: notify %s: %v", event, err)
	}
}

func botMessage(conversationID, text string, out *assistant.Output) *models.Message {
	return &models.Message{
		ConversationID: conversationID,
		Direction:      models.DirectionOutbound,
		SenderKind:     models.SenderBot,
		Content:        text,
		Confidence:     floatPtr(out.Confidence),
		KBChunksUsed:   out.ChunksUsed,
		Sentiment:      out.Sentiment,
	}
}

// mediaKindFor reports the media kind only when bytes were fetched.
func mediaKindFor(msg *session.InboundMessage, media []byte) string {
	if len(media) == 0 {
		return ""
	}
	return msg.MediaKind
}

func boolPtr(b bool) *bool { return &b }

func floatPtr(f float64) *float64 { return &f }
