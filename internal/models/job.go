package models

import "time"

// Job statuses.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Job is a durable unit of background work. Payload is JSON whose schema is
// selected by Kind.
type Job struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Queue        string `gorm:"size:32;not null;index:idx_job_claim"`
	Kind         string `gorm:"size:32;not null"`
	Payload      string `gorm:"type:text"`
	PartitionKey string `gorm:"size:64;index"`
	Status       string `gorm:"size:16;default:pending;index:idx_job_claim"`
	Attempts     int
	MaxAttempts  int       `gorm:"default:5"`
	RunAt        time.Time `gorm:"index:idx_job_claim"`
	LockedAt     *time.Time
	LastError    string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
