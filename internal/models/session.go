package models

import (
	"time"

	"gorm.io/gorm"
)

// Session statuses. Only the connection manager writes these.
const (
	SessionDisconnected = "disconnected"
	SessionConnecting   = "connecting"
	SessionQRReady      = "qr_ready"
	SessionConnected    = "connected"
	SessionError        = "error"
)

// Session is one WhatsApp device session for a tenant account.
type Session struct {
	ID                string `gorm:"primaryKey;size:36"`
	TenantID          string `gorm:"size:36;not null;uniqueIndex:idx_session_tenant_slug"`
	AccountSlug       string `gorm:"size:64;not null;uniqueIndex:idx_session_tenant_slug"`
	CredentialPath    string `gorm:"size:512"`
	Status            string `gorm:"size:16;default:disconnected;index"`
	PairingChallenge  string `gorm:"type:text"`
	PhoneNumber       string `gorm:"size:32"`
	DisplayName       string `gorm:"size:128"`
	ReconnectAttempts int
	LastConnectedAt   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (s *Session) BeforeCreate(*gorm.DB) error {
	assignID(&s.ID)
	return nil
}
