package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/zulandar/parley/internal/jobs"
	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
)

// MediaHandler moves spooled inbound media into the store and records the
// stored path on the message. It handles process-media jobs.
type MediaHandler struct {
	db    *gorm.DB
	store *Store
}

// NewMediaHandler creates a MediaHandler.
func NewMediaHandler(db *gorm.DB, store *Store) (*MediaHandler, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: db is required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage: store is required")
	}
	return &MediaHandler{db: db, store: store}, nil
}

// Handle implements jobs.Handler. A message that already has a media path
// only gets its spool file removed.
func (h *MediaHandler) Handle(ctx context.Context, p jobs.Payload) error {
	job, ok := p.(jobs.ProcessMedia)
	if !ok {
		return jobs.Permanent(fmt.Errorf("storage: unexpected payload %s", p.Kind()))
	}

	var msg models.Message
	if err := h.db.WithContext(ctx).Where("id = ?", job.MessageID).Limit(1).Find(&msg).Error; err != nil {
		return fmt.Errorf("storage: load message %s: %w", job.MessageID, err)
	}
	if msg.ID == "" {
		log.Printf("storage: message %s gone, discarding %s", job.MessageID, job.SpoolPath)
		return h.store.Remove(job.SpoolPath)
	}
	if msg.MediaPath != "" {
		return h.store.Remove(job.SpoolPath)
	}

	data, err := h.store.ReadFile(job.SpoolPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return jobs.Permanent(err)
		}
		return err
	}
	mime := job.Mime
	if mime == "" {
		mime = msg.MediaMime
	}
	rel, err := h.store.SaveMedia(job.TenantID, data, mime)
	if err != nil {
		return err
	}

	err = h.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND (media_path = '' OR media_path IS NULL)", msg.ID).
		Update("media_path", rel).Error
	if err != nil {
		return fmt.Errorf("storage: record media of %s: %w", msg.ID, err)
	}
	return h.store.Remove(job.SpoolPath)
}
