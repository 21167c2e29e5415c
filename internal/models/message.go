package models

import (
	"time"

	"gorm.io/gorm"
)

// Conversation statuses.
const (
	ConversationOpen            = "open"
	ConversationWaitingHuman    = "waiting_human"
	ConversationPendingApproval = "pending_approval"
	ConversationResolved        = "resolved"
)

// Message directions and sender kinds.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	SenderContact = "contact"
	SenderBot     = "bot"
	SenderHuman   = "human"
)

// Conversation groups the messages exchanged with a contact. A contact has at
// most one open conversation.
type Conversation struct {
	ID            string `gorm:"primaryKey;size:36"`
	TenantID      string `gorm:"size:36;not null;index"`
	SessionID     string `gorm:"size:36;index"`
	ContactID     string `gorm:"size:36;not null;index"`
	Status        string `gorm:"size:24;default:open;index"`
	UnreadCount   int
	LastMessageAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Contact Contact `gorm:"foreignKey:ContactID"`
}

func (c *Conversation) BeforeCreate(*gorm.DB) error {
	assignID(&c.ID)
	return nil
}

// Message is one entry of a conversation log.
type Message struct {
	ID                 string `gorm:"primaryKey;size:36"`
	ConversationID     string `gorm:"size:36;not null;index"`
	TransportMessageID string `gorm:"size:128;index"`
	Direction          string `gorm:"size:16;not null"`
	SenderKind         string `gorm:"size:16;not null"`
	Content            string `gorm:"type:text"`
	MediaKind          string `gorm:"size:16"`
	MediaMime          string `gorm:"size:64"`
	MediaPath          string `gorm:"size:512"`
	Confidence         *float64
	KBChunksUsed       []string `gorm:"serializer:json"`
	IsApproved         *bool
	Sentiment          string `gorm:"size:16"`
	DeliveredAt        *time.Time
	ReadAt             *time.Time
	CreatedAt          time.Time
}

func (m *Message) BeforeCreate(*gorm.DB) error {
	assignID(&m.ID)
	return nil
}

// Pending reports whether the message is an outbound draft awaiting approval.
func (m *Message) Pending() bool {
	return m.Direction == DirectionOutbound && m.IsApproved != nil && !*m.IsApproved
}
