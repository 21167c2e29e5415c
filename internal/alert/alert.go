// Package alert tells the support team in Slack or Discord when a
// conversation is handed off to a human.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/zulandar/parley/internal/jobs"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/notify"
	"gorm.io/gorm"
)

// maxPreview caps the customer message quoted in an alert.
const maxPreview = 280

// Handoff is the content of one alert.
type Handoff struct {
	TenantID       string
	ConversationID string
	ContactName    string
	Phone          string
	LastMessage    string
	Unread         int
}

// Title is the one-line summary used as the alert heading.
func (h Handoff) Title() string {
	who := h.ContactName
	if who == "" {
		who = h.Phone
	}
	if who == "" {
		who = "A customer"
	}
	return who + " is waiting for a human"
}

// Poster delivers a handoff alert to one team-chat channel.
type Poster interface {
	Post(ctx context.Context, h Handoff) error
	Name() string
}

// Enqueuer puts a job on the durable queue. jobs.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.Payload) (*models.Job, error)
}

// Notifier is a notify.Notifier that enqueues a handoff-alert job whenever a
// conversation moves to waiting_human.
type Notifier struct {
	queue Enqueuer
}

// NewNotifier creates a Notifier.
func NewNotifier(q Enqueuer) *Notifier {
	return &Notifier{queue: q}
}

// Notify implements notify.Notifier.
func (n *Notifier) Notify(ctx context.Context, tenantID, event string, payload any) error {
	if event != notify.EventConversationStatus {
		return nil
	}
	fields, ok := payload.(map[string]string)
	if !ok || fields["status"] != models.ConversationWaitingHuman || fields["conversationId"] == "" {
		return nil
	}
	if _, err := n.queue.Enqueue(ctx, jobs.HandoffAlert{ConversationID: fields["conversationId"], TenantID: tenantID}); err != nil {
		return fmt.Errorf("alert: enqueue handoff for %s: %w", fields["conversationId"], err)
	}
	return nil
}

// Handler runs handoff-alert jobs.
type Handler struct {
	db      *gorm.DB
	posters []Poster
}

// NewHandler creates a Handler posting to every poster.
func NewHandler(db *gorm.DB, posters ...Poster) (*Handler, error) {
	if db == nil {
		return nil, fmt.Errorf("alert: db is required")
	}
	return &Handler{db: db, posters: posters}, nil
}

// Handle implements jobs.Handler. A conversation that is gone or no longer
// waiting for a human is skipped.
func (h *Handler) Handle(ctx context.Context, p jobs.Payload) error {
	job, ok := p.(jobs.HandoffAlert)
	if !ok {
		return jobs.Permanent(fmt.Errorf("alert: unexpected payload %s", p.Kind()))
	}
	if len(h.posters) == 0 {
		return nil
	}

	var conv models.Conversation
	err := h.db.WithContext(ctx).Preload("Contact").
		Where("id = ? AND tenant_id = ?", job.ConversationID, job.TenantID).
		Limit(1).Find(&conv).Error
	if err != nil {
		return fmt.Errorf("alert: load conversation %s: %w", job.ConversationID, err)
	}
	if conv.ID == "" {
		log.Printf("alert: conversation %s not found, skipping", job.ConversationID)
		return nil
	}
	if conv.Status != models.ConversationWaitingHuman {
		return nil
	}

	var last models.Message
	err = h.db.WithContext(ctx).
		Where("conversation_id = ? AND direction = ?", conv.ID, models.DirectionInbound).
		Order("created_at DESC").Limit(1).Find(&last).Error
	if err != nil {
		return fmt.Errorf("alert: load last message of %s: %w", conv.ID, err)
	}

	handoff := Handoff{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		ContactName:    firstNonEmpty(conv.Contact.DisplayName, conv.Contact.Name),
		Phone:          conv.Contact.PhoneNumber,
		LastMessage:    preview(last.Content),
		Unread:         conv.UnreadCount,
	}

	var errs []error
	for _, poster := range h.posters {
		if err := poster.Post(ctx, handoff); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", poster.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("alert: post handoff %s: %w", conv.ID, errors.Join(errs...))
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxPreview {
		return s
	}
	return string(r[:maxPreview-3]) + "..."
}

// MockPoster records posted handoffs. It is used by tests across packages.
type MockPoster struct {
	Err    error
	Posted []Handoff
}

// Post implements Poster.
func (m *MockPoster) Post(_ context.Context, h Handoff) error {
	if m.Err != nil {
		return m.Err
	}
	m.Posted = append(m.Posted, h)
	return nil
}

// Name implements Poster.
func (m *MockPoster) Name() string { return "mock" }
