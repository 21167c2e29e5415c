package models

import (
	"time"

	"gorm.io/gorm"
)

// Payment link statuses.
const (
	PaymentActive = "active"
	PaymentPaid   = "paid"
)

// PaymentLink records a link issued to a contact during a conversation.
type PaymentLink struct {
	ID             string `gorm:"primaryKey;size:36"`
	TenantID       string `gorm:"size:36;not null;index"`
	ContactID      string `gorm:"size:36;index"`
	ConversationID string `gorm:"size:36;index"`
	LinkID         string `gorm:"size:64;uniqueIndex"`
	URL            string `gorm:"size:2048"`
	Amount         float64
	Currency       string `gorm:"size:8"`
	Purpose        string `gorm:"size:256"`
	Status         string `gorm:"size:16;default:active"`
	ExpiresAt      *time.Time
	PaidAt         *time.Time
	CreatedAt      time.Time
}

func (p *PaymentLink) BeforeCreate(*gorm.DB) error {
	assignID(&p.ID)
	return nil
}
