package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/zulandar/parley/internal/db"
	"github.com/zulandar/parley/internal/jobs"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/notify"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return gdb
}

type captured struct {
	headers http.Header
	body    []byte
}

type endpoint struct {
	mu     sync.Mutex
	status int
	calls  []captured
}

func (e *endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	e.mu.Lock()
	e.calls = append(e.calls, captured{headers: r.Header.Clone(), body: body})
	status := e.status
	e.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

var _ notify.Notifier = (*Dispatcher)(nil)

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"event":"message:new"}`)
	sig := Sign(body, "s3cret")
	if !strings.HasPrefix(sig, "sha256=") || len(sig) != len("sha256=")+64 {
		t.Errorf("Sign() = %q", sig)
	}
	if !Verify(body, "s3cret", sig) {
		t.Error("Verify rejected a valid signature")
	}
	if Verify(body, "other", sig) {
		t.Error("Verify accepted a signature under the wrong secret")
	}
}

func TestDispatcher_EnqueuesSubscribedActiveHooks(t *testing.T) {
	gdb := testDB(t)
	q := jobs.NewQueue(gdb, 5)
	hooks := []models.Webhook{
		{TenantID: "t1", URL: "https://a.example", IsActive: true},
		{TenantID: "t1", URL: "https://b.example", IsActive: true, Events: []string{notify.EventMessageSent}},
		{TenantID: "t1", URL: "https://c.example", IsActive: true, Events: []string{notify.EventMessageNew}},
		{TenantID: "t1", URL: "https://d.example", IsActive: false},
		{TenantID: "t2", URL: "https://e.example", IsActive: true},
	}
	for i := range hooks {
		gdb.Create(&hooks[i])
	}

	d := NewDispatcher(gdb, q)
	if err := d.Notify(context.Background(), "t1", notify.EventMessageNew, map[string]string{"messageId": "m1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var queued []models.Job
	gdb.Where("queue = ?", jobs.QueueWebhook).Order("id").Find(&queued)
	if len(queued) != 2 {
		t.Fatalf("queued = %d, want 2", len(queued))
	}
	want := map[string]bool{hooks[0].ID: true, hooks[2].ID: true}
	for _, j := range queued {
		p, err := jobs.Decode(jobs.Kind(j.Kind), []byte(j.Payload))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		ow := p.(jobs.OutboundWebhook)
		if !want[ow.WebhookID] {
			t.Errorf("unexpected webhook %s", ow.WebhookID)
		}
		if string(ow.Payload) != `{"messageId":"m1"}` {
			t.Errorf("payload = %s", ow.Payload)
		}
	}
}

func TestDeliverer_SignsAndRecordsSuccess(t *testing.T) {
	gdb := testDB(t)
	ep := &endpoint{}
	srv := httptest.NewServer(ep)
	defer srv.Close()

	hook := models.Webhook{TenantID: "t1", URL: srv.URL, Secret: "s3cret", IsActive: true, FailureCount: 3}
	gdb.Create(&hook)

	d := NewDeliverer(gdb, srv.Client())
	job := jobs.OutboundWebhook{WebhookID: hook.ID, Event: notify.EventMessageSent, Payload: json.RawMessage(`{"id":"m1"}`)}
	if err := d.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(ep.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(ep.calls))
	}
	call := ep.calls[0]
	if got := call.headers.Get(HeaderEvent); got != notify.EventMessageSent {
		t.Errorf("%s = %q", HeaderEvent, got)
	}
	if got := call.headers.Get(HeaderSignature); got != Sign(call.body, "s3cret") {
		t.Errorf("%s = %q, want signature of body", HeaderSignature, got)
	}
	var env envelope
	if err := json.Unmarshal(call.body, &env); err != nil {
		t.Fatalf("body: %v", err)
	}
	if env.Event != notify.EventMessageSent || string(env.Payload) != `{"id":"m1"}` || env.Timestamp == 0 {
		t.Errorf("envelope = %+v", env)
	}

	var stored models.Webhook
	gdb.First(&stored, "id = ?", hook.ID)
	if stored.FailureCount != 0 || stored.LastCalledAt == nil {
		t.Errorf("webhook = failures %d lastCalled %v", stored.FailureCount, stored.LastCalledAt)
	}
}

func TestDeliverer_NoSecretNoSignature(t *testing.T) {
	gdb := testDB(t)
	ep := &endpoint{}
	srv := httptest.NewServer(ep)
	defer srv.Close()
	hook := models.Webhook{TenantID: "t1", URL: srv.URL, IsActive: true}
	gdb.Create(&hook)

	d := NewDeliverer(gdb, srv.Client())
	if err := d.Handle(context.Background(), jobs.OutboundWebhook{WebhookID: hook.ID, Event: "message:new"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := ep.calls[0].headers.Get(HeaderSignature); got != "" {
		t.Errorf("%s = %q, want empty", HeaderSignature, got)
	}
}

func TestDeliverer_Non2xxIncrementsFailures(t *testing.T) {
	gdb := testDB(t)
	ep := &endpoint{status: http.StatusBadGateway}
	srv := httptest.NewServer(ep)
	defer srv.Close()
	hook := models.Webhook{TenantID: "t1", URL: srv.URL, IsActive: true}
	gdb.Create(&hook)

	d := NewDeliverer(gdb, srv.Client())
	job := jobs.OutboundWebhook{WebhookID: hook.ID, Event: "message:new"}
	for i := 0; i < 2; i++ {
		err := d.Handle(context.Background(), job)
		if err == nil || !strings.Contains(err.Error(), "returned 502") {
			t.Fatalf("error = %v, want returned 502", err)
		}
		if jobs.IsPermanent(err) {
			t.Error("delivery failure should be retryable")
		}
	}

	var stored models.Webhook
	gdb.First(&stored, "id = ?", hook.ID)
	if stored.FailureCount != 2 {
		t.Errorf("FailureCount = %d, want 2", stored.FailureCount)
	}
}

func TestDeliverer_DropsInactiveOrMissing(t *testing.T) {
	gdb := testDB(t)
	d := NewDeliverer(gdb, nil)
	if err := d.Handle(context.Background(), jobs.OutboundWebhook{WebhookID: "gone", Event: "message:new"}); err != nil {
		t.Errorf("missing webhook error = %v, want nil", err)
	}
	if err := d.Handle(context.Background(), jobs.EmbedFaq{FaqID: "f"}); !jobs.IsPermanent(err) {
		t.Errorf("error = %v, want permanent", err)
	}
}
