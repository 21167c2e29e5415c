package models

import (
	"time"

	"gorm.io/gorm"
)

// Broadcast target types and statuses.
const (
	TargetAll      = "all"
	TargetLabel    = "label"
	TargetContacts = "contacts"

	BroadcastDraft     = "draft"
	BroadcastScheduled = "scheduled"
	BroadcastQueued    = "queued"
	BroadcastSending   = "sending"
	BroadcastSent      = "sent"
	BroadcastFailed    = "failed"

	RecipientPending = "pending"
	RecipientSent    = "sent"
	RecipientFailed  = "failed"
)

// Broadcast is a one-to-many message campaign.
type Broadcast struct {
	ID          string   `gorm:"primaryKey;size:36"`
	TenantID    string   `gorm:"size:36;not null;index"`
	SessionID   string   `gorm:"size:36"`
	Message     string   `gorm:"type:text;not null"`
	TargetType  string   `gorm:"size:16;not null"`
	LabelIDs    []string `gorm:"serializer:json"`
	ContactIDs  []string `gorm:"serializer:json"`
	Status      string   `gorm:"size:16;default:draft;index"`
	ScheduledAt *time.Time
	SentCount   int
	TotalCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (b *Broadcast) BeforeCreate(*gorm.DB) error {
	assignID(&b.ID)
	return nil
}

// BroadcastRecipient tracks delivery of a broadcast to one contact.
type BroadcastRecipient struct {
	BroadcastID string `gorm:"primaryKey;size:36"`
	ContactID   string `gorm:"primaryKey;size:36"`
	Status      string `gorm:"size:16;default:pending;index"`
	Error       string `gorm:"type:text"`
	SentAt      *time.Time
}
