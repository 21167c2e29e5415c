// Package session owns the long-lived WhatsApp device sessions of every
// tenant account. Each session is driven by its own actor goroutine; the
// Manager holds the registry of live actors.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/zulandar/parley/internal/models"
)

// Session statuses, shared with the persisted model.
const (
	StatusDisconnected = models.SessionDisconnected
	StatusConnecting   = models.SessionConnecting
	StatusQRReady      = models.SessionQRReady
	StatusConnected    = models.SessionConnected
	StatusError        = models.SessionError
)

var (
	// ErrNotConnected is returned by send operations on a session that is
	// not in the connected state.
	ErrNotConnected = errors.New("session: not connected")
	// ErrNotStarted is returned when an operation needs a live transport
	// and the session was never started.
	ErrNotStarted = errors.New("session: not started")
	// ErrAlreadyConnected is returned by Start for a connected session.
	ErrAlreadyConnected = errors.New("session: already connected")
	// ErrConnectionClosed settles Start when the transport closes before
	// pairing or opening.
	ErrConnectionClosed = errors.New("session: connection closed")
	// ErrLoggedOut settles Start when the device was logged out remotely.
	ErrLoggedOut = errors.New("session: logged out")
)

// Spec identifies a session to start.
type Spec struct {
	ID             string
	TenantID       string
	AccountSlug    string
	CredentialPath string
}

// Snapshot is the runtime state of a session.
type Snapshot struct {
	ID                string
	TenantID          string
	Status            string
	Challenge         string
	PhoneNumber       string
	DisplayName       string
	ReconnectAttempts int
	LastConnectedAt   *time.Time
}

// Store persists session state. The registry in Manager stays the source of
// truth; persisted state may lag.
type Store interface {
	SaveState(ctx context.Context, s Snapshot) error
	Restorable(ctx context.Context) ([]Spec, error)
	RecordReceipt(ctx context.Context, r ReceiptEvent) error
}

// Handler consumes inbound messages. It is called on its own goroutine.
type Handler interface {
	HandleInbound(ctx context.Context, sessionID, tenantID string, msg *InboundMessage)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sessionID, tenantID string, msg *InboundMessage)

// HandleInbound calls f.
func (f HandlerFunc) HandleInbound(ctx context.Context, sessionID, tenantID string, msg *InboundMessage) {
	f(ctx, sessionID, tenantID, msg)
}
