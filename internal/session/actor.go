package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/parley/internal/notify"
)

// connectRequest and retryTick are mailbox commands. They travel alongside
// transport events but are never generation-filtered.
type connectRequest struct {
	waiter *oneShot
}

type retryTick struct{}

func (connectRequest) isEvent() {}
func (retryTick) isEvent()      {}

// envelope tags a mailbox entry with the transport generation it came from.
type envelope struct {
	gen int
	ev  Event
}

// actor owns one session. Every state transition happens on its run
// goroutine.
type actor struct {
	m       *Manager
	spec    Spec
	mailbox chan envelope
	quit    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	stopOnce sync.Once
	logout   bool

	mu        sync.RWMutex
	state     Snapshot
	transport Transport

	// owned by run
	gen    int
	retry  *time.Timer
	waiter *oneShot
}

func newActor(m *Manager, spec Spec) *actor {
	ctx, cancel := context.WithCancel(m.ctx)
	return &actor{
		m:       m,
		spec:    spec,
		mailbox: make(chan envelope, 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		state: Snapshot{
			ID:       spec.ID,
			TenantID: spec.TenantID,
			Status:   StatusDisconnected,
		},
	}
}

func (a *actor) snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *actor) currentTransport() Transport {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.transport
}

// send enqueues into the mailbox unless the actor has stopped.
func (a *actor) send(env envelope) bool {
	select {
	case a.mailbox <- env:
		return true
	case <-a.quit:
		return false
	}
}

// stop ends the actor and waits for it. With logout, the device is logged
// out and the disconnected state persisted.
func (a *actor) stop(logout bool) {
	a.stopOnce.Do(func() {
		a.logout = logout
		close(a.quit)
	})
	a.cancel()
	<-a.done
}

func (a *actor) run() {
	defer close(a.done)
	for {
		select {
		case <-a.quit:
			a.shutdown()
			return
		case env := <-a.mailbox:
			if !a.handle(env) {
				a.stopOnce.Do(func() { close(a.quit) })
				a.cancelRetry()
				a.closeTransport()
				a.cancel()
				a.waiter.settle("", ErrConnectionClosed)
				return
			}
		}
	}
}

// handle processes one mailbox entry and reports whether the actor lives on.
func (a *actor) handle(env envelope) bool {
	switch ev := env.ev.(type) {
	case connectRequest:
		a.waiter = ev.waiter
		if err := a.dial(); err != nil {
			a.update(func(s *Snapshot) { s.Status = StatusError })
			a.waiter.settle("", fmt.Errorf("session: start %s: %w", a.spec.ID, err))
			a.m.remove(a.spec.ID, a)
			return false
		}
		return true
	case retryTick:
		a.retry = nil
		if err := a.dial(); err != nil {
			log.Printf("session: %s: reconnect: %v", a.spec.ID, err)
			a.scheduleRetry()
		}
		return true
	}

	if env.gen != a.gen {
		return true // stale transport
	}

	switch ev := env.ev.(type) {
	case PairingEvent:
		a.update(func(s *Snapshot) {
			s.Status = StatusQRReady
			s.Challenge = ev.Challenge
		})
		a.waiter.settle(ev.Challenge, nil)
	case OpenEvent:
		a.cancelRetry()
		now := time.Now()
		a.update(func(s *Snapshot) {
			s.Status = StatusConnected
			s.Challenge = ""
			s.ReconnectAttempts = 0
			s.LastConnectedAt = &now
			if ev.PhoneNumber != "" {
				s.PhoneNumber = ev.PhoneNumber
			}
			if ev.DisplayName != "" {
				s.DisplayName = ev.DisplayName
			}
		})
		a.waiter.settle("", nil)
	case CloseEvent:
		a.closeTransport()
		if ev.LoggedOut {
			a.update(func(s *Snapshot) {
				s.Status = StatusDisconnected
				s.Challenge = ""
			})
			a.waiter.settle("", ErrLoggedOut)
			a.m.remove(a.spec.ID, a)
			return false
		}
		if ev.Err != nil {
			log.Printf("session: %s: connection closed: %v", a.spec.ID, ev.Err)
		}
		a.scheduleRetry()
		a.waiter.settle("", ErrConnectionClosed)
	case MessageEvent:
		if ev.Message != nil {
			a.m.dispatch(a.spec.ID, a.spec.TenantID, ev.Message)
		}
	case ReceiptEvent:
		if err := a.m.store.RecordReceipt(a.ctx, ev); err != nil {
			log.Printf("session: %s: record receipt: %v", a.spec.ID, err)
		}
	}
	return true
}

// dial replaces the current transport with a fresh one and connects it.
func (a *actor) dial() error {
	a.closeTransport()
	t, err := a.m.dialer.Dial(a.ctx, a.spec.CredentialPath)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	a.gen++
	a.mu.Lock()
	a.transport = t
	a.mu.Unlock()
	go a.pump(a.gen, t.Events())

	a.update(func(s *Snapshot) { s.Status = StatusConnecting })
	if err := t.Connect(a.ctx); err != nil {
		a.closeTransport()
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// pump forwards transport events into the mailbox, tagged with gen.
func (a *actor) pump(gen int, events <-chan Event) {
	for ev := range events {
		if !a.send(envelope{gen: gen, ev: ev}) {
			return
		}
	}
}

func (a *actor) scheduleRetry() {
	a.cancelRetry()
	var attempt int
	a.update(func(s *Snapshot) {
		attempt = s.ReconnectAttempts
		s.ReconnectAttempts++
		s.Status = StatusConnecting
	})
	delay := a.m.backoff(attempt)
	a.retry = time.AfterFunc(delay, func() {
		a.send(envelope{ev: retryTick{}})
	})
}

func (a *actor) cancelRetry() {
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
}

func (a *actor) closeTransport() {
	a.mu.Lock()
	t := a.transport
	a.transport = nil
	a.mu.Unlock()
	if t != nil {
		if err := t.Close(); err != nil {
			log.Printf("session: %s: close transport: %v", a.spec.ID, err)
		}
	}
}

func (a *actor) shutdown() {
	a.cancelRetry()
	if a.logout {
		if t := a.currentTransport(); t != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := t.Logout(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("session: %s: logout: %v", a.spec.ID, err)
			}
			cancel()
		}
	}
	a.closeTransport()
	if a.logout {
		a.updateWith(context.Background(), func(s *Snapshot) {
			s.Status = StatusDisconnected
			s.Challenge = ""
		})
	}
	a.cancel()
	a.waiter.settle("", ErrConnectionClosed)
}

// update applies fn to the state, persists it and notifies tenant observers.
func (a *actor) update(fn func(*Snapshot)) {
	a.updateWith(a.ctx, fn)
}

func (a *actor) updateWith(ctx context.Context, fn func(*Snapshot)) {
	a.mu.Lock()
	fn(&a.state)
	s := a.state
	a.mu.Unlock()

	if err := a.m.store.SaveState(ctx, s); err != nil {
		log.Printf("session: %s: save state: %v", a.spec.ID, err)
	}
	a.m.notifier.Notify(ctx, s.TenantID, notify.EventSessionStatus, statusPayload(s))
}

func statusPayload(s Snapshot) map[string]any {
	p := map[string]any{
		"sessionId": s.ID,
		"status":    s.Status,
	}
	if s.Status == StatusQRReady && s.Challenge != "" {
		if url, err := QRDataURL(s.Challenge); err == nil {
			p["qrCode"] = url
		}
	}
	if s.PhoneNumber != "" {
		p["phoneNumber"] = s.PhoneNumber
	}
	if s.DisplayName != "" {
		p["displayName"] = s.DisplayName
	}
	return p
}
