// Package broadcast delivers one-to-many message campaigns to a tenant's
// contacts, one recipient at a time.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/parley/internal/jobs"
	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultDelay is the pause between two sends of a broadcast.
const DefaultDelay = time.Second

// ErrNoSession is returned when the tenant has no session to send from.
var ErrNoSession = errors.New("broadcast: no session available")

// MessageSender sends a text through a session. session.Manager satisfies it.
type MessageSender interface {
	Send(ctx context.Context, sessionID, to, text string) (string, error)
}

// Enqueuer puts a job on the durable queue. jobs.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.Payload) (*models.Job, error)
}

// Opts configures a Broadcaster. Delay 0 uses DefaultDelay; a negative
// Delay disables the pause.
type Opts struct {
	DB     *gorm.DB
	Sender MessageSender
	Queue  Enqueuer
	Delay  time.Duration
}

// Broadcaster handles send-broadcast jobs.
type Broadcaster struct {
	db     *gorm.DB
	sender MessageSender
	queue  Enqueuer
	delay  time.Duration
	now    func() time.Time
}

// New validates opts and returns a Broadcaster.
func New(opts Opts) (*Broadcaster, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("broadcast: db is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("broadcast: sender is required")
	}
	delay := opts.Delay
	if delay == 0 {
		delay = DefaultDelay
	}
	return &Broadcaster{db: opts.DB, sender: opts.Sender, queue: opts.Queue, delay: delay, now: time.Now}, nil
}

// Submit releases a draft broadcast. A broadcast scheduled in the future is
// left for the maintenance pass; otherwise it is queued now. It returns the
// resulting status.
func (b *Broadcaster) Submit(ctx context.Context, id string) (string, error) {
	if b.queue == nil {
		return "", fmt.Errorf("broadcast: queue is required to submit")
	}
	bc, err := b.load(ctx, id)
	if err != nil {
		return "", err
	}
	switch bc.Status {
	case models.BroadcastDraft, models.BroadcastScheduled, models.BroadcastFailed:
	default:
		return "", fmt.Errorf("broadcast: %s is already %s", id, bc.Status)
	}

	if bc.ScheduledAt != nil && bc.ScheduledAt.After(b.now()) {
		if err := b.setStatus(ctx, id, models.BroadcastScheduled); err != nil {
			return "", err
		}
		return models.BroadcastScheduled, nil
	}
	if err := b.setStatus(ctx, id, models.BroadcastQueued); err != nil {
		return "", err
	}
	if _, err := b.queue.Enqueue(ctx, jobs.SendBroadcast{BroadcastID: bc.ID, TenantID: bc.TenantID}); err != nil {
		return "", fmt.Errorf("broadcast: submit %s: %w", id, err)
	}
	return models.BroadcastQueued, nil
}

// Handle implements jobs.Handler for send-broadcast payloads.
func (b *Broadcaster) Handle(ctx context.Context, p jobs.Payload) error {
	sb, ok := p.(jobs.SendBroadcast)
	if !ok {
		return jobs.Permanent(fmt.Errorf("broadcast: unexpected payload %s", p.Kind()))
	}
	return b.Send(ctx, sb.BroadcastID)
}

// Send delivers a broadcast to every recipient still pending. Recipients
// are materialized once, so a re-run after a crash resumes where it stopped.
func (b *Broadcaster) Send(ctx context.Context, id string) error {
	bc, err := b.load(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jobs.Permanent(err)
		}
		return err
	}
	if bc.Status == models.BroadcastSent {
		log.Printf("broadcast: %s already sent", id)
		return nil
	}

	sessionID, err := b.sessionFor(ctx, bc)
	if err != nil {
		return err
	}
	if sessionID == "" {
		if serr := b.setStatus(ctx, id, models.BroadcastFailed); serr != nil {
			log.Printf("broadcast: %v", serr)
		}
		return jobs.Permanent(fmt.Errorf("%w for tenant %s", ErrNoSession, bc.TenantID))
	}

	contactIDs, err := b.targets(ctx, bc)
	if err != nil {
		return err
	}
	if err := b.addRecipients(ctx, id, contactIDs); err != nil {
		return err
	}
	if err := b.setStatus(ctx, id, models.BroadcastSending); err != nil {
		return err
	}

	var pending []models.BroadcastRecipient
	err = b.db.WithContext(ctx).
		Where("broadcast_id = ? AND status = ?", id, models.RecipientPending).
		Order("contact_id").
		Find(&pending).Error
	if err != nil {
		return fmt.Errorf("broadcast: list recipients of %s: %w", id, err)
	}

	for i, r := range pending {
		if i > 0 {
			if err := b.wait(ctx); err != nil {
				return fmt.Errorf("broadcast: %s interrupted: %w", id, err)
			}
		}
		b.deliver(ctx, bc, sessionID, r.ContactID)
	}

	sent, total, err := b.counts(ctx, id)
	if err != nil {
		return err
	}
	err = b.db.WithContext(ctx).Model(&models.Broadcast{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      models.BroadcastSent,
		"sent_count":  sent,
		"total_count": total,
	}).Error
	if err != nil {
		return fmt.Errorf("broadcast: finish %s: %w", id, err)
	}
	log.Printf("broadcast: %s sent to %d/%d recipients", id, sent, total)
	return nil
}

// deliver sends to one recipient and records the outcome on its row.
func (b *Broadcaster) deliver(ctx context.Context, bc *models.Broadcast, sessionID, contactID string) {
	var contact models.Contact
	err := b.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", contactID, bc.TenantID).Limit(1).Find(&contact).Error
	switch {
	case err != nil:
		err = fmt.Errorf("load contact: %w", err)
	case contact.ID == "":
		err = fmt.Errorf("contact not found")
	case contact.IsBlocked:
		err = fmt.Errorf("contact is blocked")
	default:
		_, err = b.sender.Send(ctx, sessionID, contact.Address, bc.Message)
	}

	updates := map[string]interface{}{"status": models.RecipientSent, "error": ""}
	if err != nil {
		log.Printf("broadcast: %s to %s: %v", bc.ID, contactID, err)
		updates = map[string]interface{}{"status": models.RecipientFailed, "error": err.Error()}
	} else {
		updates["sent_at"] = b.now()
	}
	res := b.db.WithContext(context.WithoutCancel(ctx)).Model(&models.BroadcastRecipient{}).
		Where("broadcast_id = ? AND contact_id = ?", bc.ID, contactID).
		Updates(updates)
	if res.Error != nil {
		log.Printf("broadcast: record %s/%s: %v", bc.ID, contactID, res.Error)
	}
}

func (b *Broadcaster) wait(ctx context.Context) error {
	if b.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(b.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (b *Broadcaster) load(ctx context.Context, id string) (*models.Broadcast, error) {
	var bc models.Broadcast
	if err := b.db.WithContext(ctx).First(&bc, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("broadcast: load %s: %w", id, err)
	}
	return &bc, nil
}

func (b *Broadcaster) setStatus(ctx context.Context, id, status string) error {
	err := b.db.WithContext(ctx).Model(&models.Broadcast{}).Where("id = ?", id).Update("status", status).Error
	if err != nil {
		return fmt.Errorf("broadcast: set %s %s: %w", id, status, err)
	}
	return nil
}

// sessionFor returns the broadcast's own session or the tenant's first one.
func (b *Broadcaster) sessionFor(ctx context.Context, bc *models.Broadcast) (string, error) {
	if bc.SessionID != "" {
		return bc.SessionID, nil
	}
	var s models.Session
	err := b.db.WithContext(ctx).Where("tenant_id = ?", bc.TenantID).Order("created_at, id").Limit(1).Find(&s).Error
	if err != nil {
		return "", fmt.Errorf("broadcast: find session for %s: %w", bc.TenantID, err)
	}
	return s.ID, nil
}

// targets resolves the broadcast audience to contact ids of its tenant.
func (b *Broadcaster) targets(ctx context.Context, bc *models.Broadcast) ([]string, error) {
	var ids []string
	q := b.db.WithContext(ctx).Model(&models.Contact{}).Where("contacts.tenant_id = ?", bc.TenantID)
	switch bc.TargetType {
	case models.TargetAll:
		q = q.Where("contacts.is_blocked = ?", false)
	case models.TargetLabel:
		if len(bc.LabelIDs) == 0 {
			return nil, nil
		}
		q = q.Distinct("contacts.id").
			Joins("JOIN contact_labels ON contact_labels.contact_id = contacts.id").
			Where("contact_labels.label_id IN ?", bc.LabelIDs)
	case models.TargetContacts:
		if len(bc.ContactIDs) == 0 {
			return nil, nil
		}
		q = q.Where("contacts.id IN ?", bc.ContactIDs)
	default:
		return nil, jobs.Permanent(fmt.Errorf("broadcast: %s has unknown target type %q", bc.ID, bc.TargetType))
	}
	if err := q.Order("contacts.id").Pluck("contacts.id", &ids).Error; err != nil {
		return nil, fmt.Errorf("broadcast: resolve targets of %s: %w", bc.ID, err)
	}
	return ids, nil
}

// addRecipients inserts one pending row per contact, skipping rows that
// already exist.
func (b *Broadcaster) addRecipients(ctx context.Context, id string, contactIDs []string) error {
	if len(contactIDs) == 0 {
		return nil
	}
	rows := make([]models.BroadcastRecipient, len(contactIDs))
	for i, cid := range contactIDs {
		rows[i] = models.BroadcastRecipient{BroadcastID: id, ContactID: cid, Status: models.RecipientPending}
	}
	err := b.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, 500).Error
	if err != nil {
		return fmt.Errorf("broadcast: add recipients to %s: %w", id, err)
	}
	return nil
}

func (b *Broadcaster) counts(ctx context.Context, id string) (sent, total int64, err error) {
	err = b.db.WithContext(ctx).Model(&models.BroadcastRecipient{}).
		Where("broadcast_id = ?", id).
		Count(&total).Error
	if err != nil {
		return 0, 0, fmt.Errorf("broadcast: count recipients of %s: %w", id, err)
	}
	err = b.db.WithContext(ctx).Model(&models.BroadcastRecipient{}).
		Where("broadcast_id = ? AND status = ?", id, models.RecipientSent).
		Count(&sent).Error
	if err != nil {
		return 0, 0, fmt.Errorf("broadcast: count sent of %s: %w", id, err)
	}
	return sent, total, nil
}
