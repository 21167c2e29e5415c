package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/session"
)

// startTimeout bounds how long a start request waits for the first
// pairing, open or close event.
const startTimeout = 60 * time.Second

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

type createSessionRequest struct {
	TenantID    string `json:"tenant_id" binding:"required"`
	AccountSlug string `json:"account_slug" binding:"required"`
}

type sessionView struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	AccountSlug       string     `json:"account_slug"`
	Status            string     `json:"status"`
	PhoneNumber       string     `json:"phone_number,omitempty"`
	DisplayName       string     `json:"display_name,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	LastConnectedAt   *time.Time `json:"last_connected_at,omitempty"`
}

// view merges the persisted row with the live registry, which wins when it
// knows the session.
func (s *Server) view(m models.Session) sessionView {
	v := sessionView{
		ID:                m.ID,
		TenantID:          m.TenantID,
		AccountSlug:       m.AccountSlug,
		Status:            m.Status,
		PhoneNumber:       m.PhoneNumber,
		DisplayName:       m.DisplayName,
		ReconnectAttempts: m.ReconnectAttempts,
		LastConnectedAt:   m.LastConnectedAt,
	}
	snap := s.opts.Sessions.Snapshot(m.ID)
	if snap.TenantID == "" {
		return v
	}
	v.Status = snap.Status
	v.ReconnectAttempts = snap.ReconnectAttempts
	if snap.PhoneNumber != "" {
		v.PhoneNumber = snap.PhoneNumber
	}
	if snap.DisplayName != "" {
		v.DisplayName = snap.DisplayName
	}
	if snap.LastConnectedAt != nil {
		v.LastConnectedAt = snap.LastConnectedAt
	}
	return v
}

func (s *Server) loadSession(c *gin.Context) (*models.Session, bool) {
	var m models.Session
	if err := s.opts.DB.WithContext(c.Request.Context()).First(&m, "id = ?", c.Param("id")).Error; err != nil {
		fail(c, err)
		return nil, false
	}
	return &m, true
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	slug := strings.ToLower(strings.TrimSpace(req.AccountSlug))
	if !slugPattern.MatchString(slug) {
		badRequest(c, "account_slug must be lowercase letters, digits, - or _")
		return
	}
	db := s.opts.DB.WithContext(c.Request.Context())

	var existing models.Session
	if err := db.Where("tenant_id = ? AND account_slug = ?", req.TenantID, slug).Limit(1).Find(&existing).Error; err != nil {
		fail(c, err)
		return
	}
	if existing.ID != "" {
		c.JSON(http.StatusOK, s.view(existing))
		return
	}
	m := models.Session{
		TenantID:       req.TenantID,
		AccountSlug:    slug,
		CredentialPath: filepath.Join(s.opts.CredentialsDir, req.TenantID, slug),
		Status:         models.SessionDisconnected,
	}
	if err := db.Create(&m).Error; err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.view(m))
}

func (s *Server) handleListSessions(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		badRequest(c, "tenant_id is required")
		return
	}
	var rows []models.Session
	if err := s.opts.DB.WithContext(c.Request.Context()).Where("tenant_id = ?", tenantID).Order("created_at").Find(&rows).Error; err != nil {
		fail(c, err)
		return
	}
	out := make([]sessionView, 0, len(rows))
	for _, m := range rows {
		out = append(out, s.view(m))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) handleStartSession(c *gin.Context) {
	m, ok := s.loadSession(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), startTimeout)
	defer cancel()

	challenge, err := s.opts.Sessions.Start(ctx, session.SpecFromModel(*m))
	if err != nil {
		fail(c, err)
		return
	}
	resp := gin.H{
		"challenge": challenge,
		"qr_code":   "",
		"status":    s.opts.Sessions.Snapshot(m.ID).Status,
	}
	if challenge != "" {
		qr, err := session.QRDataURL(challenge)
		if err != nil {
			log.Printf("api: %v", err)
		} else {
			resp["qr_code"] = qr
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePairingCode(c *gin.Context) {
	var req struct {
		Phone string `json:"phone" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	m, ok := s.loadSession(c)
	if !ok {
		return
	}
	code, err := s.opts.Sessions.RequestPairingCode(c.Request.Context(), m.ID, req.Phone)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code})
}

func (s *Server) handleSessionStatus(c *gin.Context) {
	m, ok := s.loadSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.view(*m))
}

func (s *Server) handleDisconnect(c *gin.Context) {
	m, ok := s.loadSession(c)
	if !ok {
		return
	}
	if err := s.opts.Sessions.Disconnect(c.Request.Context(), m.ID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.SessionDisconnected})
}

// handleDeleteSession logs the device out and removes the session together
// with its stored credentials.
func (s *Server) handleDeleteSession(c *gin.Context) {
	m, ok := s.loadSession(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := s.opts.Sessions.Disconnect(ctx, m.ID); err != nil {
		fail(c, err)
		return
	}
	if err := s.opts.DB.WithContext(ctx).Delete(&models.Session{}, "id = ?", m.ID).Error; err != nil {
		fail(c, err)
		return
	}
	if m.CredentialPath != "" {
		if err := os.RemoveAll(m.CredentialPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("api: remove credentials of %s: %v", m.ID, err)
		}
	}
	c.Status(http.StatusNoContent)
}
