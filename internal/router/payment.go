package router

import (
	"context"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/payment"
)

// PaymentPlaceholder replaces a payment directive when no link could be made.
const PaymentPlaceholder = "(payment link coming shortly, our team will share it with you)"

var paymentDirective = regexp.MustCompile(`\[\[PAYMENT:(\d+(?:\.\d+)?):([^\]]+)\]\]`)

// Directive is a parsed [[PAYMENT:<amount>:<purpose>]] marker.
type Directive struct {
	Amount  float64
	Purpose string
	start   int
	end     int
}

// ParseDirective finds the first payment directive in text.
func ParseDirective(text string) (*Directive, bool) {
	loc := paymentDirective.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, false
	}
	amount, err := strconv.ParseFloat(text[loc[2]:loc[3]], 64)
	if err != nil {
		return nil, false
	}
	return &Directive{
		Amount:  amount,
		Purpose: strings.TrimSpace(text[loc[4]:loc[5]]),
		start:   loc[0],
		end:     loc[1],
	}, true
}

// replace substitutes s for the directive in text.
func (d *Directive) replace(text, s string) string {
	return text[:d.start] + s + text[d.end:]
}

// resolvePayment swaps the reply's payment directive for a fresh link, or
// for PaymentPlaceholder when the link cannot be created. The link is
// recorded as a PaymentLink.
func (r *Router) resolvePayment(ctx context.Context, tenantID, conversationID string, contact *models.Contact, reply string) string {
	d, ok := ParseDirective(reply)
	if !ok {
		return reply
	}
	if r.linker == nil || d.Amount <= 0 {
		return d.replace(reply, PaymentPlaceholder)
	}

	name := contact.DisplayName
	if name == "" {
		name = contact.Name
	}
	link, err := r.linker.CreateLink(ctx, payment.LinkRequest{
		Amount:        d.Amount,
		Purpose:       d.Purpose,
		CustomerName:  name,
		CustomerPhone: contact.PhoneNumber,
	})
	if err != nil {
		log.Printf("router: payment link for %s: %v", contact.ID, err)
		return d.replace(reply, PaymentPlaceholder)
	}

	expires := link.ExpiresAt
	row := models.PaymentLink{
		TenantID:       tenantID,
		ContactID:      contact.ID,
		ConversationID: conversationID,
		LinkID:         link.LinkID,
		URL:            link.URL,
		Amount:         d.Amount,
		Currency:       link.Currency,
		Purpose:        d.Purpose,
		Status:         models.PaymentActive,
	}
	if !expires.IsZero() {
		row.ExpiresAt = &expires
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		log.Printf("router: record payment link %s: %v", link.LinkID, err)
	}
	log.Printf("router: payment link %s for contact %s: %.2f %s", link.LinkID, contact.ID, d.Amount, link.Currency)
	return d.replace(reply, link.URL)
}
