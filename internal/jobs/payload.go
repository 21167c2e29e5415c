// Package jobs is a durable at-least-once work queue stored in the
// relational database.
package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind names a payload schema.
type Kind string

const (
	KindEmbed           Kind = "embed"
	KindEmbedFaq        Kind = "embed-faq"
	KindSendBroadcast   Kind = "send-broadcast"
	KindOutboundWebhook Kind = "outbound-webhook"
	KindProcessMedia    Kind = "process-media"
	KindHandoffAlert    Kind = "handoff-alert"
)

// Queue names.
const (
	QueueEmbed     = "embed-document"
	QueueBroadcast = "send-broadcast"
	QueueWebhook   = "outbound-webhook"
	QueueMedia     = "process-media"
	QueueAlert     = "handoff-alert"
)

// Payload is one variant of the job union.
type Payload interface {
	Kind() Kind
	// Queue is the queue the job is enqueued on.
	Queue() string
	// Partition groups jobs that must not run concurrently. Empty means none.
	Partition() string
	Validate() error
}

// EmbedDocument indexes a knowledge-base document.
type EmbedDocument struct {
	DocumentID string `json:"documentId"`
}

func (EmbedDocument) Kind() Kind        { return KindEmbed }
func (EmbedDocument) Queue() string     { return QueueEmbed }
func (EmbedDocument) Partition() string { return "" }
func (p EmbedDocument) Validate() error { return require("documentId", p.DocumentID) }

// EmbedFaq indexes a FAQ entry.
type EmbedFaq struct {
	FaqID string `json:"faqId"`
}

func (EmbedFaq) Kind() Kind        { return KindEmbedFaq }
func (EmbedFaq) Queue() string     { return QueueEmbed }
func (EmbedFaq) Partition() string { return "" }
func (p EmbedFaq) Validate() error { return require("faqId", p.FaqID) }

// SendBroadcast delivers a broadcast. Broadcasts of one tenant run one at a time.
type SendBroadcast struct {
	BroadcastID string `json:"broadcastId"`
	TenantID    string `json:"tenantId"`
}

func (SendBroadcast) Kind() Kind          { return KindSendBroadcast }
func (SendBroadcast) Queue() string       { return QueueBroadcast }
func (p SendBroadcast) Partition() string { return p.TenantID }
func (p SendBroadcast) Validate() error {
	if err := require("broadcastId", p.BroadcastID); err != nil {
		return err
	}
	return require("tenantId", p.TenantID)
}

// OutboundWebhook posts one event to one webhook.
type OutboundWebhook struct {
	WebhookID string          `json:"webhookId"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
}

func (OutboundWebhook) Kind() Kind        { return KindOutboundWebhook }
func (OutboundWebhook) Queue() string     { return QueueWebhook }
func (OutboundWebhook) Partition() string { return "" }
func (p OutboundWebhook) Validate() error {
	if err := require("webhookId", p.WebhookID); err != nil {
		return err
	}
	if err := require("event", p.Event); err != nil {
		return err
	}
	if len(p.Payload) > 0 && !json.Valid(p.Payload) {
		return fmt.Errorf("jobs: payload is not valid JSON")
	}
	return nil
}

// ProcessMedia moves spooled inbound media into the media store.
type ProcessMedia struct {
	MessageID string `json:"messageId"`
	TenantID  string `json:"tenantId"`
	SpoolPath string `json:"spoolPath"`
	Mime      string `json:"mime"`
}

func (ProcessMedia) Kind() Kind        { return KindProcessMedia }
func (ProcessMedia) Queue() string     { return QueueMedia }
func (ProcessMedia) Partition() string { return "" }
func (p ProcessMedia) Validate() error {
	for _, f := range []struct{ name, v string }{
		{"messageId", p.MessageID},
		{"tenantId", p.TenantID},
		{"spoolPath", p.SpoolPath},
	} {
		if err := require(f.name, f.v); err != nil {
			return err
		}
	}
	if strings.Contains(p.SpoolPath, "..") {
		return fmt.Errorf("jobs: spoolPath %q is not a spool path", p.SpoolPath)
	}
	return nil
}

// HandoffAlert tells the team that a conversation is waiting for a human.
type HandoffAlert struct {
	ConversationID string `json:"conversationId"`
	TenantID       string `json:"tenantId"`
}

func (HandoffAlert) Kind() Kind        { return KindHandoffAlert }
func (HandoffAlert) Queue() string     { return QueueAlert }
func (HandoffAlert) Partition() string { return "" }
func (p HandoffAlert) Validate() error {
	if err := require("conversationId", p.ConversationID); err != nil {
		return err
	}
	return require("tenantId", p.TenantID)
}

func require(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("jobs: %s is required", field)
	}
	return nil
}

// Decode parses and validates a stored payload. Unknown kinds and invalid
// payloads are permanent errors.
func Decode(kind Kind, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindEmbed:
		p, err = decodeAs[EmbedDocument](raw)
	case KindEmbedFaq:
		p, err = decodeAs[EmbedFaq](raw)
	case KindSendBroadcast:
		p, err = decodeAs[SendBroadcast](raw)
	case KindOutboundWebhook:
		p, err = decodeAs[OutboundWebhook](raw)
	case KindProcessMedia:
		p, err = decodeAs[ProcessMedia](raw)
	case KindHandoffAlert:
		p, err = decodeAs[HandoffAlert](raw)
	default:
		return nil, Permanent(fmt.Errorf("jobs: unknown kind %q", kind))
	}
	if err != nil {
		return nil, Permanent(fmt.Errorf("jobs: decode %s: %w", kind, err))
	}
	if err := p.Validate(); err != nil {
		return nil, Permanent(fmt.Errorf("jobs: invalid %s payload: %w", kind, err))
	}
	return p, nil
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var v T
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
