// Package notify fans tenant events out to observers such as the realtime
// hub, outbound webhooks and team-chat alerts.
package notify

import (
	"context"
	"log"
	"sync"
)

// Event names delivered to observers.
const (
	EventSessionStatus      = "whatsapp:status"
	EventMessageNew         = "message:new"
	EventMessageSent        = "message:sent"
	EventConversationStatus = "conversation:status"
)

// Notifier receives tenant events. Implementations must not block for long;
// slow work belongs on the job queue.
type Notifier interface {
	Notify(ctx context.Context, tenantID, event string, payload any) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, tenantID, event string, payload any) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, tenantID, event string, payload any) error {
	return f(ctx, tenantID, event, payload)
}

// Fanout delivers each event to every registered notifier. Errors are logged
// per observer and never stop delivery to the rest.
type Fanout struct {
	mu        sync.RWMutex
	notifiers []Notifier
}

// NewFanout returns a Fanout delivering to ns.
func NewFanout(ns ...Notifier) *Fanout {
	return &Fanout{notifiers: ns}
}

// Add registers another observer.
func (f *Fanout) Add(n Notifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifiers = append(f.notifiers, n)
}

// Notify implements Notifier.
func (f *Fanout) Notify(ctx context.Context, tenantID, event string, payload any) error {
	f.mu.RLock()
	ns := append([]Notifier(nil), f.notifiers...)
	f.mu.RUnlock()

	for _, n := range ns {
		if err := n.Notify(ctx, tenantID, event, payload); err != nil {
			log.Printf("notify: %s for tenant %s: %v", event, tenantID, err)
		}
	}
	return nil
}

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(context.Context, string, string, any) error { return nil })

// Recorded is one event captured by a Recorder.
type Recorded struct {
	TenantID string
	Event    string
	Payload  any
}

// Recorder captures events in memory. It is used by tests across packages.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, tenantID, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{TenantID: tenantID, Event: event, Payload: payload})
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Count returns how many events named event were recorded.
func (r *Recorder) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}
