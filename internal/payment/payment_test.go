package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestLinkID_Format(t *testing.T) {
	re := regexp.MustCompile(`^PRL-[A-Z0-9]{10}$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := LinkID("PRL")
		if err != nil {
			t.Fatalf("LinkID: %v", err)
		}
		if !re.MatchString(id) {
			t.Fatalf("LinkID() = %q, want PRL-<10 uppercase alphanumerics>", id)
		}
		seen[id] = true
	}
	if len(seen) < 50 {
		t.Errorf("LinkID produced duplicates: %d unique of 50", len(seen))
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+91 98765-43210", "9876543210"},
		{"919876543210", "9876543210"},
		{"98765 43210", "9876543210"},
		{"12345", "12345"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewCashfree_Validation(t *testing.T) {
	if _, err := NewCashfree(CashfreeOpts{ClientID: "id", SecretKey: "s"}); err == nil {
		t.Error("expected error without base url")
	}
	if _, err := NewCashfree(CashfreeOpts{BaseURL: "https://x"}); err == nil {
		t.Error("expected error without credentials")
	}
}

func TestCashfree_CreateLink(t *testing.T) {
	var (
		headers http.Header
		path    string
		body    createLinkRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]string{
			"link_id":     body.LinkID,
			"link_url":    "https://payments.cashfree.com/links/" + body.LinkID,
			"link_status": "ACTIVE",
		})
	}))
	defer srv.Close()

	c, err := NewCashfree(CashfreeOpts{BaseURL: srv.URL + "/pg/", ClientID: "cid", SecretKey: "csecret", LinkPrefix: "SHOP", Client: srv.Client()})
	if err != nil {
		t.Fatalf("NewCashfree: %v", err)
	}
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	link, err := c.CreateLink(context.Background(), LinkRequest{Amount: 499, Purpose: "Order 1182", CustomerPhone: "+91 98765 43210"})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	if path != "/pg/links" {
		t.Errorf("path = %q, want /pg/links", path)
	}
	for h, want := range map[string]string{"x-api-version": "2023-08-01", "x-client-id": "cid", "x-client-secret": "csecret"} {
		if got := headers.Get(h); got != want {
			t.Errorf("%s = %q, want %q", h, got, want)
		}
	}
	if !strings.HasPrefix(body.LinkID, "SHOP-") {
		t.Errorf("link_id = %q", body.LinkID)
	}
	if body.Amount != 499 || body.Currency != "INR" || body.Purpose != "Order 1182" {
		t.Errorf("body = %+v", body)
	}
	if body.Customer.Phone != "9876543210" || body.Customer.Name != "Customer" {
		t.Errorf("customer = %+v", body.Customer)
	}
	if body.ExpiryTime != "2026-03-03T10:00:00Z" {
		t.Errorf("link_expiry_time = %q, want 48h later", body.ExpiryTime)
	}
	if link.URL != "https://payments.cashfree.com/links/"+body.LinkID || link.Status != "ACTIVE" {
		t.Errorf("link = %+v", link)
	}
	if !link.ExpiresAt.Equal(fixed.Add(48 * time.Hour)) {
		t.Errorf("ExpiresAt = %v", link.ExpiresAt)
	}
}

func TestCashfree_CreateLinkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"link_amount is invalid"}`))
	}))
	defer srv.Close()

	c, _ := NewCashfree(CashfreeOpts{BaseURL: srv.URL, ClientID: "cid", SecretKey: "s", Client: srv.Client()})
	_, err := c.CreateLink(context.Background(), LinkRequest{Amount: 10, Purpose: "x"})
	if err == nil || !strings.Contains(err.Error(), "status 400: link_amount is invalid") {
		t.Errorf("error = %v", err)
	}
	if _, err := c.CreateLink(context.Background(), LinkRequest{Amount: 0}); err == nil {
		t.Error("expected error for zero amount")
	}
}

func TestCashfree_VerifyWebhook(t *testing.T) {
	c, _ := NewCashfree(CashfreeOpts{BaseURL: "https://x", ClientID: "cid", SecretKey: "whsecret"})
	body := []byte(`{"type":"PAYMENT_LINK_EVENT"}`)
	mac := hmac.New(sha256.New, []byte("whsecret"))
	mac.Write([]byte("1700000000" + string(body)))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !c.VerifyWebhook(body, sig, "1700000000") {
		t.Error("valid signature rejected")
	}
	if c.VerifyWebhook(body, sig, "1700000001") {
		t.Error("signature accepted with a different timestamp")
	}
}

func TestParseWebhook(t *testing.T) {
	ev, err := ParseWebhook([]byte(`{"type":"PAYMENT_LINK_EVENT","data":{"link":{"link_id":"PRL-ABC","link_status":"PAID"},"payment":{"payment_amount":499.5}}}`))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if !ev.Paid() || ev.LinkID != "PRL-ABC" || ev.Amount != 499.5 {
		t.Errorf("event = %+v", ev)
	}
	ev, _ = ParseWebhook([]byte(`{"type":"PAYMENT_LINK_EVENT","data":{"link":{"link_id":"PRL-ABC","link_status":"EXPIRED"}}}`))
	if ev.Paid() {
		t.Error("expired link reported as paid")
	}
	if _, err := ParseWebhook([]byte(`nope`)); err == nil {
		t.Error("expected error")
	}
}

func TestMockLinker(t *testing.T) {
	m := &MockLinker{URL: "https://pay.test"}
	link, err := m.CreateLink(context.Background(), LinkRequest{Amount: 5})
	if err != nil || link.URL != "https://pay.test/MOCK-1" {
		t.Errorf("link = %+v, err = %v", link, err)
	}
	m.Err = errors.New("down")
	if _, err := m.CreateLink(context.Background(), LinkRequest{Amount: 5}); err == nil {
		t.Error("expected error")
	}
	if n := len(m.Requests()); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
}
