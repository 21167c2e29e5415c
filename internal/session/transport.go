package session

import (
	"context"
	"time"
)

// Media kinds carried by inbound and outbound messages.
const (
	MediaImage    = "image"
	MediaVideo    = "video"
	MediaAudio    = "audio"
	MediaDocument = "document"
)

// Transport is one connection attempt of a device session. Implementations
// deliver lifecycle and message events on Events until Close, which must
// close the channel.
type Transport interface {
	Connect(ctx context.Context) error
	Events() <-chan Event
	PairPhone(ctx context.Context, phone string) (string, error)
	SendText(ctx context.Context, to, text string) (string, error)
	SendMedia(ctx context.Context, to string, media OutboundMedia) (string, error)
	Download(ctx context.Context, msg *InboundMessage) ([]byte, error)
	Logout(ctx context.Context) error
	Close() error
}

// Dialer creates transports backed by the credential store at a path.
type Dialer interface {
	Dial(ctx context.Context, credentialPath string) (Transport, error)
	HasCredentials(credentialPath string) bool
}

// Event is a transport event. The set is closed: PairingEvent, OpenEvent,
// CloseEvent, MessageEvent and ReceiptEvent.
type Event interface {
	isEvent()
}

// PairingEvent carries a pairing challenge to show as a QR code.
type PairingEvent struct {
	Challenge string
}

// OpenEvent reports an authenticated, usable connection.
type OpenEvent struct {
	PhoneNumber string
	DisplayName string
}

// CloseEvent reports a lost connection. LoggedOut marks a terminal close.
type CloseEvent struct {
	LoggedOut bool
	Err       error
}

// MessageEvent carries one inbound message.
type MessageEvent struct {
	Message *InboundMessage
}

// ReceiptEvent reports delivery or read of outbound messages.
type ReceiptEvent struct {
	MessageIDs []string
	Read       bool
	Timestamp  time.Time
}

func (PairingEvent) isEvent() {}
func (OpenEvent) isEvent()    {}
func (CloseEvent) isEvent()   {}
func (MessageEvent) isEvent() {}
func (ReceiptEvent) isEvent() {}

// InboundMessage is a transport-neutral inbound message.
type InboundMessage struct {
	ID        string
	Chat      string // address of the chat, a JID string
	PushName  string
	FromMe    bool
	IsGroup   bool
	Text      string
	MediaKind string
	MediaMime string
	FileName  string
	Timestamp time.Time
	// Raw is the transport's own message value, needed to download media.
	Raw any
}

// HasMedia reports whether the message carries an attachment.
func (m *InboundMessage) HasMedia() bool {
	return m.MediaKind != ""
}

// OutboundMedia is an attachment to send.
type OutboundMedia struct {
	Kind     string
	Mime     string
	FileName string
	Caption  string
	Data     []byte
}
