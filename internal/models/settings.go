package models

import "time"

// Autoreply modes.
const (
	AutoreplyEveryone     = "everyone"
	AutoreplyContactsOnly = "contacts_only"
)

// TenantSettings holds the assistant configuration of one tenant.
type TenantSettings struct {
	TenantID            string  `gorm:"primaryKey;size:36"`
	BotName             string  `gorm:"size:64"`
	Persona             string  `gorm:"type:text"`
	Model               string  `gorm:"size:64"`
	Temperature         float64 `gorm:"default:0.7"`
	ConfidenceThreshold float64 `gorm:"default:0.6"`
	MaxHistory          int     `gorm:"default:10"`
	DefaultLanguage     string  `gorm:"size:16;default:auto"`
	AutoreplyMode       string  `gorm:"size:16;default:everyone"`
	EscalationMessage   string  `gorm:"type:text"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
