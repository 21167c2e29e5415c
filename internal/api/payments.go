package api

import (
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/payment"
)

// Cashfree webhook headers.
const (
	headerWebhookSignature = "x-webhook-signature"
	headerWebhookTimestamp = "x-webhook-timestamp"
)

const maxWebhookBody = 1 << 20

// handlePaymentWebhook marks a payment link paid. It is authenticated by the
// provider signature instead of the bearer token. Unknown links and other
// event types are acknowledged so the provider stops retrying.
func (s *Server) handlePaymentWebhook(c *gin.Context) {
	if s.opts.Payments == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "payments are not enabled"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}
	if !s.opts.Payments.VerifyWebhook(body, c.GetHeader(headerWebhookSignature), c.GetHeader(headerWebhookTimestamp)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	evt, err := payment.ParseWebhook(body)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if !evt.Paid() {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	paidAt := time.Now()
	res := s.opts.DB.WithContext(c.Request.Context()).Model(&models.PaymentLink{}).
		Where("link_id = ? AND status <> ?", evt.LinkID, models.PaymentPaid).
		Updates(map[string]interface{}{"status": models.PaymentPaid, "paid_at": &paidAt})
	if res.Error != nil {
		fail(c, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		log.Printf("api: payment webhook for unknown or settled link %s", evt.LinkID)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
