package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/parley/internal/notify"
)

// Opts holds parameters for creating a Manager.
type Opts struct {
	Dialer   Dialer          // required
	Store    Store           // required
	Notifier notify.Notifier // optional; status events for tenant observers
	Handler  Handler         // optional; may be set later with SetHandler
	// Backoff overrides the reconnect delay schedule. Defaults to Backoff.
	Backoff func(attempt int) time.Duration
}

// Manager is the registry of live sessions. The actors map is the source of
// truth for whether a session is connected.
type Manager struct {
	dialer   Dialer
	store    Store
	notifier notify.Notifier
	backoff  func(int) time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	actors  map[string]*actor
	handler Handler

	inflight sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(opts Opts) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("session: dialer is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("session: store is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop
	}
	if opts.Backoff == nil {
		opts.Backoff = Backoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:   opts.Dialer,
		store:    opts.Store,
		notifier: opts.Notifier,
		backoff:  opts.Backoff,
		handler:  opts.Handler,
		ctx:      ctx,
		cancel:   cancel,
		actors:   make(map[string]*actor),
	}, nil
}

// SetHandler registers the consumer of inbound messages.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *Manager) currentHandler() Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handler
}

// Start opens the session and blocks until the first of pairing, open or
// close. It returns the pairing challenge, or "" when the stored
// credentials connected directly. A close before either returns
// ErrConnectionClosed while reconnection continues in the background.
func (m *Manager) Start(ctx context.Context, spec Spec) (string, error) {
	if spec.ID == "" {
		return "", fmt.Errorf("session: id is required")
	}
	if spec.TenantID == "" {
		return "", fmt.Errorf("session: tenant id is required")
	}
	if spec.CredentialPath == "" {
		return "", fmt.Errorf("session: credential path is required")
	}
	if err := os.MkdirAll(spec.CredentialPath, 0o700); err != nil {
		return "", fmt.Errorf("session: start %s: create credentials dir: %w", spec.ID, err)
	}

	m.mu.Lock()
	old := m.actors[spec.ID]
	if old != nil && old.snapshot().Status == StatusConnected {
		m.mu.Unlock()
		return "", ErrAlreadyConnected
	}
	a := newActor(m, spec)
	m.actors[spec.ID] = a
	m.mu.Unlock()

	if old != nil {
		old.stop(false)
	}
	go a.run()

	waiter := newOneShot()
	if !a.send(envelope{ev: connectRequest{waiter: waiter}}) {
		return "", ErrConnectionClosed
	}

	select {
	case <-waiter.wait():
		return waiter.result()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RequestPairingCode asks the transport for a phone-number pairing code.
// Non-digits are stripped from phone.
func (m *Manager) RequestPairingCode(ctx context.Context, id, phone string) (string, error) {
	a := m.lookup(id)
	if a == nil {
		return "", ErrNotStarted
	}
	t := a.currentTransport()
	if t == nil {
		return "", ErrNotStarted
	}
	digits := digitsOnly(phone)
	if digits == "" {
		return "", fmt.Errorf("session: pairing code for %s: phone number is required", id)
	}
	code, err := t.PairPhone(ctx, digits)
	if err != nil {
		return "", fmt.Errorf("session: pairing code for %s: %w", id, err)
	}
	return code, nil
}

// Send delivers a text message and returns the transport message id.
func (m *Manager) Send(ctx context.Context, id, to, text string) (string, error) {
	t, err := m.connectedTransport(id)
	if err != nil {
		return "", err
	}
	msgID, err := t.SendText(ctx, to, text)
	if err != nil {
		return "", fmt.Errorf("session: send via %s: %w", id, err)
	}
	return msgID, nil
}

// SendMedia delivers an attachment and returns the transport message id.
func (m *Manager) SendMedia(ctx context.Context, id, to string, media OutboundMedia) (string, error) {
	t, err := m.connectedTransport(id)
	if err != nil {
		return "", err
	}
	msgID, err := t.SendMedia(ctx, to, media)
	if err != nil {
		return "", fmt.Errorf("session: send media via %s: %w", id, err)
	}
	return msgID, nil
}

// Download fetches the media of an inbound message through the session's
// live transport.
func (m *Manager) Download(ctx context.Context, id string, msg *InboundMessage) ([]byte, error) {
	a := m.lookup(id)
	if a == nil {
		return nil, ErrNotStarted
	}
	t := a.currentTransport()
	if t == nil {
		return nil, ErrNotConnected
	}
	data, err := t.Download(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("session: download via %s: %w", id, err)
	}
	return data, nil
}

// Disconnect logs the session out, cancels any pending reconnect and
// discards the handle.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	m.mu.Lock()
	a := m.actors[id]
	delete(m.actors, id)
	m.mu.Unlock()

	if a != nil {
		a.stop(true)
		return nil
	}
	if err := m.store.SaveState(ctx, Snapshot{ID: id, Status: StatusDisconnected}); err != nil {
		return fmt.Errorf("session: disconnect %s: %w", id, err)
	}
	return nil
}

// Status reports the runtime status of a session. Unknown sessions are
// disconnected.
func (m *Manager) Status(id string) string {
	return m.Snapshot(id).Status
}

// Snapshot returns the runtime state of a session.
func (m *Manager) Snapshot(id string) Snapshot {
	a := m.lookup(id)
	if a == nil {
		return Snapshot{ID: id, Status: StatusDisconnected}
	}
	return a.snapshot()
}

// Active returns the ids of every registered session.
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.actors))
	for id := range m.actors {
		ids = append(ids, id)
	}
	return ids
}

// RestoreAll restarts every persisted session whose credentials exist. Each
// session starts on its own goroutine; failures are logged. It returns the
// number of sessions launched.
func (m *Manager) RestoreAll(ctx context.Context) (int, error) {
	specs, err := m.store.Restorable(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: restore: %w", err)
	}
	n := 0
	for _, spec := range specs {
		if !m.dialer.HasCredentials(spec.CredentialPath) {
			continue
		}
		n++
		go func(spec Spec) {
			if _, err := m.Start(ctx, spec); err != nil {
				log.Printf("session: restore %s: %v", spec.ID, err)
			}
		}(spec)
	}
	return n, nil
}

// Close stops every actor without logging out, so sessions can be restored
// by the next process. In-flight inbound handlers are awaited.
func (m *Manager) Close() {
	m.mu.Lock()
	actors := make([]*actor, 0, len(m.actors))
	for id, a := range m.actors {
		actors = append(actors, a)
		delete(m.actors, id)
	}
	m.mu.Unlock()

	for _, a := range actors {
		a.stop(false)
	}
	m.cancel()
	m.inflight.Wait()
}

func (m *Manager) lookup(id string) *actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.actors[id]
}

// remove drops a from the registry if it is still the registered actor.
func (m *Manager) remove(id string, a *actor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actors[id] == a {
		delete(m.actors, id)
	}
}

func (m *Manager) connectedTransport(id string) (Transport, error) {
	a := m.lookup(id)
	if a == nil {
		return nil, ErrNotConnected
	}
	if a.snapshot().Status != StatusConnected {
		return nil, ErrNotConnected
	}
	t := a.currentTransport()
	if t == nil {
		return nil, ErrNotConnected
	}
	return t, nil
}

func (m *Manager) dispatch(sessionID, tenantID string, msg *InboundMessage) {
	h := m.currentHandler()
	if h == nil {
		return
	}
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		h.HandleInbound(m.ctx, sessionID, tenantID, msg)
	}()
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
