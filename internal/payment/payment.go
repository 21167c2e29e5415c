// Package payment issues payment links that the assistant can hand to
// customers mid-conversation.
package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// LinkRequest describes a link to create.
type LinkRequest struct {
	Amount        float64
	Purpose       string
	CustomerName  string
	CustomerPhone string
}

// Link is a created payment link.
type Link struct {
	LinkID    string
	URL       string
	Status    string
	Currency  string
	ExpiresAt time.Time
}

// Linker creates payment links.
type Linker interface {
	CreateLink(ctx context.Context, req LinkRequest) (*Link, error)
}

const (
	idAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idLength     = 10
	fallbackName = "Customer"
	// Cashfree rejects links without a customer phone.
	fallbackPhone = "9999999999"
)

// CashfreeOpts configures the Cashfree client.
type CashfreeOpts struct {
	BaseURL    string
	ClientID   string
	SecretKey  string
	APIVersion string
	Currency   string
	LinkPrefix string
	Expiry     time.Duration
	Client     *http.Client
}

// Cashfree creates links through the Cashfree Payment Links API.
type Cashfree struct {
	opts CashfreeOpts
	now  func() time.Time
}

// NewCashfree validates opts and returns a Cashfree client.
func NewCashfree(opts CashfreeOpts) (*Cashfree, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("payment: base url is required")
	}
	if opts.ClientID == "" || opts.SecretKey == "" {
		return nil, fmt.Errorf("payment: client id and secret key are required")
	}
	if opts.APIVersion == "" {
		opts.APIVersion = "2023-08-01"
	}
	if opts.Currency == "" {
		opts.Currency = "INR"
	}
	if opts.LinkPrefix == "" {
		opts.LinkPrefix = "PRL"
	}
	if opts.Expiry <= 0 {
		opts.Expiry = 48 * time.Hour
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 15 * time.Second}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Cashfree{opts: opts, now: time.Now}, nil
}

type customerDetails struct {
	Phone string `json:"customer_phone"`
	Name  string `json:"customer_name"`
}

type linkNotify struct {
	SendSMS   bool `json:"send_sms"`
	SendEmail bool `json:"send_email"`
}

type createLinkRequest struct {
	LinkID          string          `json:"link_id"`
	Amount          float64         `json:"link_amount"`
	Currency        string          `json:"link_currency"`
	Purpose         string          `json:"link_purpose"`
	Customer        customerDetails `json:"customer_details"`
	Notify          linkNotify      `json:"link_notify"`
	PartialPayments bool            `json:"link_partial_payments"`
	ExpiryTime      string          `json:"link_expiry_time"`
}

type createLinkResponse struct {
	LinkID  string `json:"link_id"`
	LinkURL string `json:"link_url"`
	Status  string `json:"link_status"`
	Message string `json:"message"`
}

// CreateLink implements Linker.
func (c *Cashfree) CreateLink(ctx context.Context, req LinkRequest) (*Link, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("payment: amount must be positive")
	}
	id, err := LinkID(c.opts.LinkPrefix)
	if err != nil {
		return nil, err
	}
	expires := c.now().Add(c.opts.Expiry)

	phone := NormalizePhone(req.CustomerPhone)
	if phone == "" {
		phone = fallbackPhone
	}
	name := strings.TrimSpace(req.CustomerName)
	if name == "" {
		name = fallbackName
	}

	body, err := json.Marshal(createLinkRequest{
		LinkID:     id,
		Amount:     req.Amount,
		Currency:   c.opts.Currency,
		Purpose:    req.Purpose,
		Customer:   customerDetails{Phone: phone, Name: name},
		ExpiryTime: expires.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("payment: encode link request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/links", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("payment: create link: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-version", c.opts.APIVersion)
	httpReq.Header.Set("x-client-id", c.opts.ClientID)
	httpReq.Header.Set("x-client-secret", c.opts.SecretKey)

	resp, err := c.opts.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("payment: create link: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("payment: read link response: %w", err)
	}

	var out createLinkResponse
	if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
		return nil, fmt.Errorf("payment: decode link response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, fmt.Errorf("payment: create link: status %d: %s", resp.StatusCode, msg)
	}
	if out.LinkURL == "" {
		return nil, fmt.Errorf("payment: create link: response has no link url")
	}
	if out.LinkID == "" {
		out.LinkID = id
	}
	return &Link{LinkID: out.LinkID, URL: out.LinkURL, Status: out.Status, Currency: c.opts.Currency, ExpiresAt: expires}, nil
}

// LinkID returns "<prefix>-" followed by ten random uppercase alphanumerics.
func LinkID(prefix string) (string, error) {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('-')
	max := big.NewInt(int64(len(idAlphabet)))
	for i := 0; i < idLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("payment: link id: %w", err)
		}
		b.WriteByte(idAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizePhone keeps the last ten digits of phone.
func NormalizePhone(phone string) string {
	var digits []byte
	for i := 0; i < len(phone); i++ {
		if c := phone[i]; c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return string(digits)
}

// VerifyWebhook checks a Cashfree webhook signature: base64 HMAC-SHA256 of
// timestamp followed by the raw body.
func (c *Cashfree) VerifyWebhook(body []byte, signature, timestamp string) bool {
	mac := hmac.New(sha256.New, []byte(c.opts.SecretKey))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// LinkEvent is the part of a Cashfree webhook the platform acts on.
type LinkEvent struct {
	Type       string
	LinkID     string
	LinkStatus string
	Amount     float64
}

// Paid reports whether the event settles a link.
func (e *LinkEvent) Paid() bool {
	return e.Type == "PAYMENT_LINK_EVENT" && e.LinkStatus == "PAID" && e.LinkID != ""
}

// ParseWebhook decodes a Cashfree webhook body.
func ParseWebhook(body []byte) (*LinkEvent, error) {
	var raw struct {
		Type string `json:"type"`
		Data struct {
			Link struct {
				LinkID     string `json:"link_id"`
				LinkStatus string `json:"link_status"`
			} `json:"link"`
			Payment struct {
				Amount float64 `json:"payment_amount"`
			} `json:"payment"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("payment: decode webhook: %w", err)
	}
	return &LinkEvent{
		Type:       raw.Type,
		LinkID:     raw.Data.Link.LinkID,
		LinkStatus: raw.Data.Link.LinkStatus,
		Amount:     raw.Data.Payment.Amount,
	}, nil
}

// MockLinker is a Linker for tests. It returns URL-based links or Err.
type MockLinker struct {
	URL string
	Err error

	mu       sync.Mutex
	requests []LinkRequest
}

// CreateLink implements Linker.
func (m *MockLinker) CreateLink(_ context.Context, req LinkRequest) (*Link, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	n := len(m.requests)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	id := fmt.Sprintf("MOCK-%d", n)
	return &Link{LinkID: id, URL: m.URL + "/" + id, Status: "ACTIVE", Currency: "INR", ExpiresAt: time.Now().Add(48 * time.Hour)}, nil
}

// Requests returns the requests received so far.
func (m *MockLinker) Requests() []LinkRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LinkRequest(nil), m.requests...)
}
