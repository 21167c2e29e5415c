// Package webhook delivers tenant events to registered HTTP endpoints
// through the durable job queue.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/zulandar/parley/internal/jobs"
	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Parley-Event"
	HeaderSignature = "X-Parley-Signature"
)

const deliveryTimeout = 10 * time.Second

// Enqueuer puts a job on the durable queue. jobs.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.Payload) (*models.Job, error)
}

// Dispatcher is a notify.Notifier that enqueues one outbound-webhook job per
// active subscribed webhook of the tenant.
type Dispatcher struct {
	db    *gorm.DB
	queue Enqueuer
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(db *gorm.DB, q Enqueuer) *Dispatcher {
	return &Dispatcher{db: db, queue: q}
}

// Notify implements notify.Notifier.
func (d *Dispatcher) Notify(ctx context.Context, tenantID, event string, payload any) error {
	var hooks []models.Webhook
	if err := d.db.WithContext(ctx).Where("tenant_id = ? AND is_active = ?", tenantID, true).Find(&hooks).Error; err != nil {
		return fmt.Errorf("webhook: list webhooks for %s: %w", tenantID, err)
	}
	if len(hooks) == 0 {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: encode %s payload: %w", event, err)
	}
	var errs []error
	for _, h := range hooks {
		if !h.Subscribed(event) {
			continue
		}
		if _, err := d.queue.Enqueue(ctx, jobs.OutboundWebhook{WebhookID: h.ID, Event: event, Payload: raw}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

type envelope struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Deliverer handles outbound-webhook jobs.
type Deliverer struct {
	db     *gorm.DB
	client *http.Client
	now    func() time.Time
}

// NewDeliverer creates a Deliverer. A nil client gets a 10 s timeout.
func NewDeliverer(db *gorm.DB, client *http.Client) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: deliveryTimeout}
	}
	return &Deliverer{db: db, client: client, now: time.Now}
}

// Handle implements jobs.Handler. Failures bump the webhook's FailureCount
// and are returned so the queue retries.
func (d *Deliverer) Handle(ctx context.Context, p jobs.Payload) error {
	job, ok := p.(jobs.OutboundWebhook)
	if !ok {
		return jobs.Permanent(fmt.Errorf("webhook: unexpected payload %s", p.Kind()))
	}

	var hook models.Webhook
	if err := d.db.WithContext(ctx).Where("id = ?", job.WebhookID).Limit(1).Find(&hook).Error; err != nil {
		return fmt.Errorf("webhook: load %s: %w", job.WebhookID, err)
	}
	if hook.ID == "" || !hook.IsActive {
		log.Printf("webhook: %s gone or inactive, dropping %s", job.WebhookID, job.Event)
		return nil
	}

	if err := d.post(ctx, &hook, job); err != nil {
		res := d.db.WithContext(context.WithoutCancel(ctx)).Model(&models.Webhook{}).
			Where("id = ?", hook.ID).
			Update("failure_count", gorm.Expr("failure_count + 1"))
		if res.Error != nil {
			log.Printf("webhook: record failure of %s: %v", hook.ID, res.Error)
		}
		return err
	}

	calledAt := d.now()
	err := d.db.WithContext(ctx).Model(&models.Webhook{}).Where("id = ?", hook.ID).Updates(map[string]interface{}{
		"last_called_at": &calledAt,
		"failure_count":  0,
	}).Error
	if err != nil {
		return fmt.Errorf("webhook: record delivery of %s: %w", hook.ID, err)
	}
	return nil
}

func (d *Deliverer) post(ctx context.Context, hook *models.Webhook, job jobs.OutboundWebhook) error {
	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	body, err := json.Marshal(envelope{Event: job.Event, Payload: payload, Timestamp: d.now().UnixMilli()})
	if err != nil {
		return jobs.Permanent(fmt.Errorf("webhook: encode %s: %w", job.Event, err))
	}

	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return jobs.Permanent(fmt.Errorf("webhook: build request for %s: %w", hook.ID, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, job.Event)
	if hook.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, hook.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post %s to %s: %w", job.Event, hook.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: %s returned %d", hook.ID, resp.StatusCode)
	}
	return nil
}
