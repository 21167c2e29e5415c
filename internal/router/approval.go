package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/notify"
	"gorm.io/gorm"
)

var (
	// ErrNotPending is returned by Approve and Reject when the message is
	// not an outbound draft awaiting approval.
	ErrNotPending = errors.New("router: message is not pending approval")
	// ErrConversationNotFound is returned for an unknown conversation id.
	ErrConversationNotFound = errors.New("router: conversation not found")
)

// Approve sends a pending draft to the contact and marks it approved.
func (r *Router) Approve(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	conv, err := r.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	unlock := r.locks.Lock(conv.TenantID + "|" + conv.Contact.Address)
	defer unlock()

	draft, err := r.pendingMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	// Drafts keep the raw directive so a link is only made once approved.
	text := r.resolvePayment(ctx, conv.TenantID, conv.ID, &conv.Contact, draft.Content)
	transportID, err := r.transport.Send(ctx, conv.SessionID, conv.Contact.Address, text)
	if err != nil {
		return nil, fmt.Errorf("router: send approved %s: %w", messageID, err)
	}

	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND is_approved = ?", draft.ID, false).
		Updates(map[string]interface{}{"is_approved": true, "transport_message_id": transportID, "content": text})
	if res.Error != nil {
		return nil, fmt.Errorf("router: approve %s: %w", messageID, res.Error)
	}
	draft.IsApproved = boolPtr(true)
	draft.Content = text
	draft.TransportMessageID = transportID

	r.notify(ctx, conv.TenantID, notify.EventMessageSent, map[string]any{
		"message":      draft,
		"conversation": map[string]string{"id": conv.ID},
	})
	if err := r.reopenIfSettled(ctx, conv); err != nil {
		return nil, err
	}
	return draft, nil
}

// Reject deletes a pending draft without sending it.
func (r *Router) Reject(ctx context.Context, conversationID, messageID string) error {
	conv, err := r.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	unlock := r.locks.Lock(conv.TenantID + "|" + conv.Contact.Address)
	defer unlock()

	draft, err := r.pendingMessage(ctx, conversationID, messageID)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Where("id = ? AND is_approved = ?", draft.ID, false).Delete(&models.Message{})
	if res.Error != nil {
		return fmt.Errorf("router: reject %s: %w", messageID, res.Error)
	}
	return r.reopenIfSettled(ctx, conv)
}

// Reply sends a message written by a human agent and clears the unread count.
func (r *Router) Reply(ctx context.Context, conversationID, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("router: reply text is required")
	}
	conv, err := r.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	unlock := r.locks.Lock(conv.TenantID + "|" + conv.Contact.Address)
	defer unlock()

	transportID, err := r.transport.Send(ctx, conv.SessionID, conv.Contact.Address, text)
	if err != nil {
		return nil, fmt.Errorf("router: send reply: %w", err)
	}
	now := r.now()
	msg := &models.Message{
		ConversationID:     conv.ID,
		TransportMessageID: transportID,
		Direction:          models.DirectionOutbound,
		SenderKind:         models.SenderHuman,
		Content:            text,
		IsApproved:         boolPtr(true),
	}
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("router: save reply: %w", err)
	}
	err = r.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", conv.ID).Updates(map[string]interface{}{
		"unread_count":    0,
		"last_message_at": &now,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("router: update conversation %s: %w", conv.ID, err)
	}
	r.notify(ctx, conv.TenantID, notify.EventMessageSent, map[string]any{
		"message":      msg,
		"conversation": map[string]string{"id": conv.ID},
	})
	return msg, nil
}

func (r *Router) conversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).Preload("Contact").Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("router: load conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (r *Router) pendingMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).Where("id = ? AND conversation_id = ?", messageID, conversationID).Limit(1).Find(&msg).Error
	if err != nil {
		return nil, fmt.Errorf("router: load message %s: %w", messageID, err)
	}
	if msg.ID == "" || !msg.Pending() {
		return nil, ErrNotPending
	}
	return &msg, nil
}

// reopenIfSettled returns a pending_approval conversation to open once no
// drafts remain.
func (r *Router) reopenIfSettled(ctx context.Context, conv *models.Conversation) error {
	var remaining int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND direction = ? AND is_approved = ?", conv.ID, models.DirectionOutbound, false).
		Count(&remaining).Error
	if err != nil {
		return fmt.Errorf("router: count drafts of %s: %w", conv.ID, err)
	}
	if remaining > 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND status = ?", conv.ID, models.ConversationPendingApproval).
		Update("status", models.ConversationOpen)
	if res.Error != nil {
		return fmt.Errorf("router: reopen %s: %w", conv.ID, res.Error)
	}
	if res.RowsAffected > 0 {
		r.notify(ctx, conv.TenantID, notify.EventConversationStatus, map[string]string{
			"conversationId": conv.ID,
			"status":         models.ConversationOpen,
		})
	}
	return nil
}
