package db

import (
	"fmt"

	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.Contact{},
		&models.Label{},
		&models.ContactLabel{},
		&models.Conversation{},
		&models.Message{},
		&models.KnowledgeBase{},
		&models.Document{},
		&models.Faq{},
		&models.Chunk{},
		&models.TenantSettings{},
		&models.Webhook{},
		&models.Broadcast{},
		&models.BroadcastRecipient{},
		&models.PaymentLink{},
		&models.Job{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// EnsureTenant creates default settings and a default knowledge base for a
// tenant if they do not exist yet. Existing rows are left untouched.
func EnsureTenant(db *gorm.DB, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("db: tenantID is required")
	}
	settings := models.TenantSettings{
		TenantID:            tenantID,
		Temperature:         0.7,
		ConfidenceThreshold: 0.6,
		MaxHistory:          10,
		DefaultLanguage:     "auto",
		AutoreplyMode:       models.AutoreplyEveryone,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&settings).Error; err != nil {
		return fmt.Errorf("db: seed settings for %s: %w", tenantID, err)
	}

	var count int64
	if err := db.Model(&models.KnowledgeBase{}).
		Where("tenant_id = ? AND is_default = ?", tenantID, true).
		Count(&count).Error; err != nil {
		return fmt.Errorf("db: count knowledge bases for %s: %w", tenantID, err)
	}
	if count > 0 {
		return nil
	}
	kb := models.KnowledgeBase{TenantID: tenantID, Name: "Default", IsDefault: true}
	if err := db.Create(&kb).Error; err != nil {
		return fmt.Errorf("db: seed knowledge base for %s: %w", tenantID, err)
	}
	return nil
}
