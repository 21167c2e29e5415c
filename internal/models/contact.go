package models

import (
	"time"

	"gorm.io/gorm"
)

// Contact is a WhatsApp counterpart of a tenant, keyed by transport address.
type Contact struct {
	ID               string `gorm:"primaryKey;size:36"`
	TenantID         string `gorm:"size:36;not null;uniqueIndex:idx_contact_tenant_address"`
	SessionID        string `gorm:"size:36;index"`
	Address          string `gorm:"size:128;not null;uniqueIndex:idx_contact_tenant_address"`
	PhoneNumber      string `gorm:"size:32"`
	Name             string `gorm:"size:128"`
	DisplayName      string `gorm:"size:128"`
	IsBlocked        bool
	HumanTakeover    bool
	AutoreplyEnabled bool
	ApprovalMode     bool
	IsManuallyAdded  bool
	Language         string `gorm:"size:16"`
	FirstSeenAt      time.Time
	LastMessageAt    *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (c *Contact) BeforeCreate(*gorm.DB) error {
	assignID(&c.ID)
	return nil
}

// Label tags contacts for broadcast targeting.
type Label struct {
	ID        string `gorm:"primaryKey;size:36"`
	TenantID  string `gorm:"size:36;not null;index"`
	Name      string `gorm:"size:64;not null"`
	Color     string `gorm:"size:16"`
	CreatedAt time.Time
}

func (l *Label) BeforeCreate(*gorm.DB) error {
	assignID(&l.ID)
	return nil
}

// ContactLabel joins contacts and labels.
type ContactLabel struct {
	ContactID string `gorm:"primaryKey;size:36"`
	LabelID   string `gorm:"primaryKey;size:36"`
}
