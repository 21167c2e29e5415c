package session

import (
	"context"
	"fmt"

	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
)

// GormStore persists session state in the sessions table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// SaveState writes the lifecycle fields of a session row.
func (g *GormStore) SaveState(ctx context.Context, s Snapshot) error {
	updates := map[string]interface{}{
		"status":             s.Status,
		"pairing_challenge":  s.Challenge,
		"reconnect_attempts": s.ReconnectAttempts,
	}
	if s.PhoneNumber != "" {
		updates["phone_number"] = s.PhoneNumber
	}
	if s.DisplayName != "" {
		updates["display_name"] = s.DisplayName
	}
	if s.LastConnectedAt != nil {
		updates["last_connected_at"] = *s.LastConnectedAt
	}
	if err := g.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", s.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("session: save state %s: %w", s.ID, err)
	}
	return nil
}

// Restorable lists every session that has a credential location.
func (g *GormStore) Restorable(ctx context.Context) ([]Spec, error) {
	var rows []models.Session
	if err := g.db.WithContext(ctx).Where("credential_path <> ?", "").Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("session: list restorable: %w", err)
	}
	specs := make([]Spec, 0, len(rows))
	for _, r := range rows {
		specs = append(specs, SpecFromModel(r))
	}
	return specs, nil
}

// RecordReceipt stamps delivery or read times on outbound messages.
func (g *GormStore) RecordReceipt(ctx context.Context, r ReceiptEvent) error {
	if len(r.MessageIDs) == 0 {
		return nil
	}
	column := "delivered_at"
	if r.Read {
		column = "read_at"
	}
	err := g.db.WithContext(ctx).Model(&models.Message{}).
		Where("transport_message_id IN ? AND "+column+" IS NULL", r.MessageIDs).
		Update(column, r.Timestamp).Error
	if err != nil {
		return fmt.Errorf("session: record receipt: %w", err)
	}
	return nil
}

// SpecFromModel builds a Spec from a persisted session.
func SpecFromModel(s models.Session) Spec {
	return Spec{
		ID:             s.ID,
		TenantID:       s.TenantID,
		AccountSlug:    s.AccountSlug,
		CredentialPath: s.CredentialPath,
	}
}
