package models

import (
	"time"

	"gorm.io/gorm"
)

// Document kinds and statuses.
const (
	DocumentPDF    = "pdf"
	DocumentDOCX   = "docx"
	DocumentTXT    = "txt"
	DocumentCSV    = "csv"
	DocumentManual = "manual"
	DocumentURL    = "url"

	DocumentPending    = "pending"
	DocumentProcessing = "processing"
	DocumentIndexed    = "indexed"
	DocumentFailed     = "failed"
)

// Chunk source kinds.
const (
	SourceDocument = "document"
	SourceFaq      = "faq"
)

// KnowledgeBase is a tenant's corpus. The default one backs retrieval.
type KnowledgeBase struct {
	ID          string `gorm:"primaryKey;size:36"`
	TenantID    string `gorm:"size:36;not null;index"`
	Name        string `gorm:"size:128;not null"`
	Description string `gorm:"type:text"`
	IsDefault   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (k *KnowledgeBase) BeforeCreate(*gorm.DB) error {
	assignID(&k.ID)
	return nil
}

// Document is an ingested source of knowledge.
type Document struct {
	ID              string `gorm:"primaryKey;size:36"`
	KnowledgeBaseID string `gorm:"size:36;not null;index"`
	Name            string `gorm:"size:256"`
	Kind            string `gorm:"size:16;not null"`
	FilePath        string `gorm:"size:512"`
	SourceURL       string `gorm:"size:2048"`
	SourceText      string `gorm:"type:text"`
	Status          string `gorm:"size:16;default:pending;index"`
	ErrorMessage    string `gorm:"type:text"`
	ContentPreview  string `gorm:"type:text"`
	ChunkCount      int
	IndexedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (d *Document) BeforeCreate(*gorm.DB) error {
	assignID(&d.ID)
	return nil
}

// Faq is a question/answer pair indexed as a single chunk.
type Faq struct {
	ID              string `gorm:"primaryKey;size:36"`
	KnowledgeBaseID string `gorm:"size:36;not null;index"`
	Question        string `gorm:"type:text;not null"`
	Answer          string `gorm:"type:text;not null"`
	PointID         string `gorm:"size:36"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (f *Faq) BeforeCreate(*gorm.DB) error {
	assignID(&f.ID)
	return nil
}

// Chunk is a searchable fragment. Its ID is also the vector point id.
type Chunk struct {
	ID              string `gorm:"primaryKey;size:36"`
	KnowledgeBaseID string `gorm:"size:36;not null;index"`
	SourceKind      string `gorm:"size:16;not null;index:idx_chunk_source"`
	SourceID        string `gorm:"size:36;not null;index:idx_chunk_source"`
	ChunkIndex      int
	Content         string `gorm:"type:text"`
	CreatedAt       time.Time
}
