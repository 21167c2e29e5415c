package session

import (
	"context"
	"fmt"
	"sync"
)

// SentText records one text sent through a MockTransport.
type SentText struct {
	To   string
	Text string
	ID   string
}

// MockTransport implements Transport for tests. Events are injected with
// Emit; sends are recorded.
type MockTransport struct {
	mu        sync.Mutex
	events    chan Event
	closed    bool
	connects  int
	loggedOut bool
	sent      []SentText
	media     []OutboundMedia
	paired    []string
	nextID    int

	// OnConnect runs inside Connect, typically to Emit a pairing or open
	// event.
	OnConnect    func(t *MockTransport)
	ConnectErr   error
	SendErr      error
	DownloadData []byte
	DownloadErr  error
}

// NewMockTransport creates a MockTransport with a buffered event channel.
func NewMockTransport() *MockTransport {
	return &MockTransport{events: make(chan Event, 100)}
}

// Connect records the call and runs OnConnect.
func (m *MockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.connects++
	err := m.ConnectErr
	hook := m.OnConnect
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(m)
	}
	return nil
}

// Events returns the event channel.
func (m *MockTransport) Events() <-chan Event { return m.events }

// PairPhone records the phone and returns a fixed code.
func (m *MockTransport) PairPhone(ctx context.Context, phone string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paired = append(m.paired, phone)
	return "ABCD-1234", nil
}

// SendText records the message.
func (m *MockTransport) SendText(ctx context.Context, to, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.nextID++
	id := fmt.Sprintf("mock-%d", m.nextID)
	m.sent = append(m.sent, SentText{To: to, Text: text, ID: id})
	return id, nil
}

// SendMedia records the attachment.
func (m *MockTransport) SendMedia(ctx context.Context, to string, media OutboundMedia) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.nextID++
	m.media = append(m.media, media)
	return fmt.Sprintf("mock-%d", m.nextID), nil
}

// Download returns DownloadData or DownloadErr.
func (m *MockTransport) Download(ctx context.Context, msg *InboundMessage) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.DownloadData, m.DownloadErr
}

// Logout records the call.
func (m *MockTransport) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loggedOut = true
	return nil
}

// Close closes the event channel.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

// --- Test helpers ---

// Emit injects an event as if the transport produced it. It is a no-op
// after Close.
func (m *MockTransport) Emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- ev
}

// Sent returns a copy of all sent texts.
func (m *MockTransport) Sent() []SentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentText(nil), m.sent...)
}

// SentMedia returns a copy of all sent attachments.
func (m *MockTransport) SentMedia() []OutboundMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboundMedia(nil), m.media...)
}

// Paired returns the phones passed to PairPhone.
func (m *MockTransport) Paired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paired...)
}

// LoggedOut reports whether Logout was called.
func (m *MockTransport) LoggedOut() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggedOut
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockDialer implements Dialer, handing out MockTransports.
type MockDialer struct {
	mu          sync.Mutex
	transports  []*MockTransport
	credentials map[string]bool

	// OnDial configures each new transport before it is returned.
	OnDial  func(t *MockTransport)
	DialErr error
}

// NewMockDialer creates a MockDialer.
func NewMockDialer() *MockDialer {
	return &MockDialer{credentials: make(map[string]bool)}
}

// Dial returns a new MockTransport.
func (d *MockDialer) Dial(ctx context.Context, credentialPath string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	t := NewMockTransport()
	if d.OnDial != nil {
		d.OnDial(t)
	}
	d.transports = append(d.transports, t)
	return t, nil
}

// HasCredentials reports whether SetCredentials marked path.
func (d *MockDialer) HasCredentials(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.credentials[path]
}

// SetCredentials marks path as holding stored credentials.
func (d *MockDialer) SetCredentials(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.credentials[path] = true
}

// Dials returns how many transports were created.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

// Last returns the most recent transport, or nil.
func (d *MockDialer) Last() *MockTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// ConnectOpen configures a dialer so every transport opens immediately.
func ConnectOpen(phone string) func(*MockTransport) {
	return func(t *MockTransport) {
		t.OnConnect = func(t *MockTransport) {
			t.Emit(OpenEvent{PhoneNumber: phone, DisplayName: "Mock"})
		}
	}
}

// ConnectPairing configures a dialer so every transport asks for pairing.
func ConnectPairing(challenge string) func(*MockTransport) {
	return func(t *MockTransport) {
		t.OnConnect = func(t *MockTransport) {
			t.Emit(PairingEvent{Challenge: challenge})
		}
	}
}
