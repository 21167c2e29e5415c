package models

import (
	"time"

	"gorm.io/gorm"
)

// Webhook is a tenant-registered outbound HTTP callback.
type Webhook struct {
	ID           string   `gorm:"primaryKey;size:36"`
	TenantID     string   `gorm:"size:36;not null;index"`
	URL          string   `gorm:"size:2048;not null"`
	Events       []string `gorm:"serializer:json"`
	Secret       string   `gorm:"size:128"`
	IsActive     bool
	FailureCount int
	LastCalledAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (w *Webhook) BeforeCreate(*gorm.DB) error {
	assignID(&w.ID)
	return nil
}

// Subscribed reports whether the webhook wants event. No events means all.
func (w *Webhook) Subscribed(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}
