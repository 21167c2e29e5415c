package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
)

// scheduleParser accepts standard 5-field cron expressions (minute, hour, dom, month, dow).
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule reports whether spec is a usable maintenance schedule.
func ValidateSchedule(spec string) error {
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("jobs: maintenance schedule %q: %w", spec, err)
	}
	return nil
}

// Maintenance periodically requeues stale jobs and releases scheduled
// broadcasts that are due.
type Maintenance struct {
	db         *gorm.DB
	queue      *Queue
	staleAfter time.Duration
	now        func() time.Time
}

// NewMaintenance creates a Maintenance. staleAfter <= 0 uses 10 minutes.
func NewMaintenance(db *gorm.DB, q *Queue, staleAfter time.Duration) *Maintenance {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Maintenance{db: db, queue: q, staleAfter: staleAfter, now: time.Now}
}

// Start schedules Tick on spec and returns the running scheduler. Stop it
// with Stop().
func (m *Maintenance) Start(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(scheduleParser))
	_, err := c.AddFunc(spec, func() {
		if err := m.Tick(ctx); err != nil {
			log.Printf("jobs: maintenance: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: maintenance schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}

// Tick runs one maintenance pass.
func (m *Maintenance) Tick(ctx context.Context) error {
	n, err := m.queue.RequeueStale(ctx, m.staleAfter)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("jobs: requeued %d stale job(s)", n)
	}
	released, err := m.releaseScheduledBroadcasts(ctx)
	if err != nil {
		return err
	}
	if released > 0 {
		log.Printf("jobs: queued %d scheduled broadcast(s)", released)
	}
	return nil
}

// releaseScheduledBroadcasts flips due scheduled broadcasts to queued and
// enqueues them. The status flip is conditional so a broadcast is released once.
func (m *Maintenance) releaseScheduledBroadcasts(ctx context.Context) (int, error) {
	var due []models.Broadcast
	err := m.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", models.BroadcastScheduled, m.now()).
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("jobs: find scheduled broadcasts: %w", err)
	}

	released := 0
	for _, b := range due {
		res := m.db.WithContext(ctx).Model(&models.Broadcast{}).
			Where("id = ? AND status = ?", b.ID, models.BroadcastScheduled).
			Update("status", models.BroadcastQueued)
		if res.Error != nil {
			return released, fmt.Errorf("jobs: release broadcast %s: %w", b.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		if _, err := m.queue.Enqueue(ctx, SendBroadcast{BroadcastID: b.ID, TenantID: b.TenantID}); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}
