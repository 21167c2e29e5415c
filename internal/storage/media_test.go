package storage

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/zulandar/parley/internal/db"
	"github.com/zulandar/parley/internal/jobs"
	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
)

func mediaFixture(t *testing.T) (*gorm.DB, *Store, *MediaHandler) {
	t.Helper()
	gdb, err := db.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	s := newTestStore(t)
	h, err := NewMediaHandler(gdb, s)
	if err != nil {
		t.Fatalf("NewMediaHandler: %v", err)
	}
	return gdb, s, h
}

func TestNewMediaHandler_Required(t *testing.T) {
	if _, err := NewMediaHandler(nil, &Store{}); err == nil {
		t.Error("expected error without db")
	}
}

func TestMediaHandler_MovesSpool(t *testing.T) {
	gdb, s, h := mediaFixture(t)
	msg := models.Message{ConversationID: "c1", Direction: models.DirectionInbound, SenderKind: models.SenderContact, MediaKind: "image", MediaMime: "image/jpeg"}
	gdb.Create(&msg)
	spool, err := s.Spool([]byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("Spool: %v", err)
	}

	if err := h.Handle(context.Background(), jobs.ProcessMedia{MessageID: msg.ID, TenantID: "t1", SpoolPath: spool}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var stored models.Message
	gdb.First(&stored, "id = ?", msg.ID)
	if !strings.HasPrefix(stored.MediaPath, "media/t1/") || !strings.HasSuffix(stored.MediaPath, ".jpg") {
		t.Errorf("MediaPath = %q, want media/t1/*.jpg", stored.MediaPath)
	}
	data, err := s.ReadFile(stored.MediaPath)
	if err != nil || string(data) != "jpeg-bytes" {
		t.Errorf("stored data = %q, err = %v", data, err)
	}
	full, _ := s.FullPath(spool)
	if _, err := os.Stat(full); !os.IsNotExist(err) {
		t.Errorf("spool file still present: %v", err)
	}
}

func TestMediaHandler_AlreadyStoredOnlyRemovesSpool(t *testing.T) {
	gdb, s, h := mediaFixture(t)
	msg := models.Message{ConversationID: "c1", Direction: models.DirectionInbound, SenderKind: models.SenderContact, MediaPath: "media/t1/existing.jpg"}
	gdb.Create(&msg)
	spool, _ := s.Spool([]byte("again"))

	if err := h.Handle(context.Background(), jobs.ProcessMedia{MessageID: msg.ID, TenantID: "t1", SpoolPath: spool}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	var stored models.Message
	gdb.First(&stored, "id = ?", msg.ID)
	if stored.MediaPath != "media/t1/existing.jpg" {
		t.Errorf("MediaPath = %q, want unchanged", stored.MediaPath)
	}
	full, _ := s.FullPath(spool)
	if _, err := os.Stat(full); !os.IsNotExist(err) {
		t.Errorf("spool file still present: %v", err)
	}
}

func TestMediaHandler_MissingSpoolIsPermanent(t *testing.T) {
	gdb, _, h := mediaFixture(t)
	msg := models.Message{ConversationID: "c1", Direction: models.DirectionInbound, SenderKind: models.SenderContact}
	gdb.Create(&msg)

	err := h.Handle(context.Background(), jobs.ProcessMedia{MessageID: msg.ID, TenantID: "t1", SpoolPath: "spool/media-gone"})
	if !jobs.IsPermanent(err) {
		t.Errorf("error = %v, want permanent", err)
	}
}

func TestMediaHandler_MissingMessageDiscardsSpool(t *testing.T) {
	_, s, h := mediaFixture(t)
	spool, _ := s.Spool([]byte("orphan"))
	if err := h.Handle(context.Background(), jobs.ProcessMedia{MessageID: "gone", TenantID: "t1", SpoolPath: spool}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	full, _ := s.FullPath(spool)
	if _, err := os.Stat(full); !os.IsNotExist(err) {
		t.Errorf("spool file still present: %v", err)
	}
}
