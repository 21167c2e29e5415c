// Package api serves the REST surface used by the dashboard and other
// collaborators.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/parley/internal/jobs"
	"github.com/zulandar/parley/internal/knowledge"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/realtime"
	"github.com/zulandar/parley/internal/router"
	"github.com/zulandar/parley/internal/session"
	"gorm.io/gorm"
)

// SessionManager is the part of session.Manager the API drives.
type SessionManager interface {
	Start(ctx context.Context, spec session.Spec) (string, error)
	RequestPairingCode(ctx context.Context, id, phone string) (string, error)
	Disconnect(ctx context.Context, id string) error
	Snapshot(id string) session.Snapshot
}

// Conversations is the part of router.Router the API drives.
type Conversations interface {
	Approve(ctx context.Context, conversationID, messageID string) (*models.Message, error)
	Reject(ctx context.Context, conversationID, messageID string) error
	Reply(ctx context.Context, conversationID, text string) (*models.Message, error)
}

// Knowledge is the part of knowledge.Indexer the API drives.
type Knowledge interface {
	DeleteDocument(ctx context.Context, documentID string) (*models.Document, error)
	DeleteFaq(ctx context.Context, faqID string) error
	DeleteKnowledgeBase(ctx context.Context, kbID string) ([]models.Document, error)
	Search(ctx context.Context, kbID, query string, limit int, threshold float32) ([]knowledge.Result, error)
}

// Broadcasts releases draft broadcasts. broadcast.Broadcaster satisfies it.
type Broadcasts interface {
	Submit(ctx context.Context, id string) (string, error)
}

// Files stores uploaded documents. storage.Store satisfies it.
type Files interface {
	SaveDocument(filename string, r io.Reader) (string, error)
	Remove(rel string) error
}

// Enqueuer puts a job on the durable queue. jobs.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.Payload) (*models.Job, error)
}

// WebhookVerifier checks payment provider callbacks. payment.Cashfree
// satisfies it.
type WebhookVerifier interface {
	VerifyWebhook(body []byte, signature, timestamp string) bool
}

// Opts holds the collaborators of the API.
type Opts struct {
	DB             *gorm.DB       // required
	Sessions       SessionManager // required
	Conversations  Conversations  // required
	Knowledge      Knowledge      // required
	Queue          Enqueuer       // required
	Broadcasts     Broadcasts
	Files          Files
	Payments       WebhookVerifier
	Hub            *realtime.Hub
	Token          string // bearer token; empty disables auth
	CredentialsDir string // parent of per-session credential directories
	MaxUploadBytes int64
}

// Server holds the gin engine and its collaborators.
type Server struct {
	opts   Opts
	engine *gin.Engine
}

// New validates opts and registers every route.
func New(opts Opts) (*Server, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("api: sessions is required")
	}
	if opts.Conversations == nil {
		return nil, fmt.Errorf("api: conversations is required")
	}
	if opts.Knowledge == nil {
		return nil, fmt.Errorf("api: knowledge is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("api: queue is required")
	}
	if opts.CredentialsDir == "" {
		opts.CredentialsDir = "data/sessions"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 25 << 20
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	s := &Server{opts: opts, engine: engine}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	v1 := s.engine.Group("/api/v1")
	v1.POST("/payments/cashfree/webhook", s.handlePaymentWebhook)

	authed := v1.Group("", s.requireToken)

	authed.POST("/sessions", s.handleCreateSession)
	authed.GET("/sessions", s.handleListSessions)
	authed.POST("/sessions/:id/start", s.handleStartSession)
	authed.POST("/sessions/:id/pairing-code", s.handlePairingCode)
	authed.GET("/sessions/:id/status", s.handleSessionStatus)
	authed.POST("/sessions/:id/disconnect", s.handleDisconnect)
	authed.DELETE("/sessions/:id", s.handleDeleteSession)

	authed.POST("/conversations/:id/messages", s.handleReply)
	authed.POST("/conversations/:id/messages/:msgId/approve", s.handleApprove)
	authed.DELETE("/conversations/:id/messages/:msgId/approve", s.handleReject)

	authed.POST("/knowledge-bases/:id/documents", s.handleCreateDocument)
	authed.POST("/knowledge-bases/:id/documents/:docId/reindex", s.handleReindex)
	authed.DELETE("/knowledge-bases/:id/documents/:docId", s.handleDeleteDocument)
	authed.POST("/knowledge-bases/:id/faqs", s.handleCreateFaq)
	authed.DELETE("/knowledge-bases/:id/faqs/:faqId", s.handleDeleteFaq)
	authed.POST("/knowledge-bases/:id/search", s.handleSearch)
	authed.DELETE("/knowledge-bases/:id", s.handleDeleteKnowledgeBase)

	authed.POST("/broadcasts/:id/send", s.handleSendBroadcast)

	if s.opts.Hub != nil {
		authed.GET("/tenants/:tenant/events", s.opts.Hub.SSE())
		authed.GET("/tenants/:tenant/ws", s.opts.Hub.WebSocket())
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	sqlDB, err := s.opts.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requireToken checks the bearer token. Browsers cannot set headers on
// EventSource or WebSocket requests, so a token query parameter is accepted
// as well.
func (s *Server) requireToken(c *gin.Context) {
	if s.opts.Token == "" {
		c.Next()
		return
	}
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if got == "" || got == c.GetHeader("Authorization") {
		got = c.Query("token")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

// fail writes an error response with a status derived from err.
func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, router.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, router.ErrNotPending), errors.Is(err, session.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrNotStarted):
		return http.StatusConflict
	case errors.Is(err, session.ErrConnectionClosed), errors.Is(err, session.ErrLoggedOut):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Start serves the API on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string, out io.Writer) error {
	// Request contexts derive from ctx so open event streams end on shutdown.
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if out != nil {
		fmt.Fprintf(out, "API listening on %s\n", addr)
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
