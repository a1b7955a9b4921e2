// Package webhook exposes approvals, answers, and live events over HTTP so
// external systems (CI, dashboards, curl) can drive a run. All mutating
// endpoints are authenticated with an HMAC body signature.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/planbot-dev/planbot/pkg/events"
	"github.com/planbot-dev/planbot/pkg/provider"
)

// ErrSecretRequired indicates the server was configured without a signing
// secret and without the explicit insecure opt-in.
var ErrSecretRequired = errors.New("webhook secret required (or enable insecure mode explicitly)")

// Config holds webhook server settings.
type Config struct {
	Addr string
	// Secret signs request bodies. Empty is only allowed with AllowInsecure.
	Secret string
	// AllowInsecure permits running without a secret, for local use only.
	AllowInsecure bool
}

// Server is the webhook provider: requests are announced on its endpoints
// and replies arrive as signed POSTs.
type Server struct {
	cfg    Config
	sink   provider.ResponseSink
	hub    *events.Hub
	logger *slog.Logger
	engine *gin.Engine

	mu        sync.Mutex
	connected bool
	srv       *http.Server
	addr      string
	startedAt time.Time

	approvals map[string]provider.ApprovalRequest
	questions map[string]provider.QuestionRequest
	last      *provider.StatusUpdate
}

// New creates a webhook server. The hub may be nil; GET /events then returns
// 503.
func New(cfg Config, sink provider.ResponseSink, hub *events.Hub) (*Server, error) {
	if cfg.Secret == "" && !cfg.AllowInsecure {
		return nil, ErrSecretRequired
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8321"
	}

	s := &Server{
		cfg:       cfg,
		sink:      sink,
		hub:       hub,
		logger:    slog.Default().With("component", "webhook"),
		approvals: make(map[string]provider.ApprovalRequest),
		questions: make(map[string]provider.QuestionRequest),
	}
	s.engine = s.buildEngine()
	return s, nil
}

func (s *Server) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	// Read-only endpoints are exempt from signing.
	engine.GET("/health", s.handleHealth)
	engine.GET("/events", s.handleEvents)

	signed := engine.Group("/", requireSignature([]byte(s.cfg.Secret)))
	signed.POST("/approve", s.handleApprove)
	signed.POST("/respond", s.handleRespond)
	signed.GET("/status", s.handleStatus)
	return engine
}

// Name implements provider.Provider.
func (s *Server) Name() string { return "webhook" }

// Connect binds the listener and starts serving.
func (s *Server) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("webhook listen failed: %w", err)
	}

	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	s.addr = ln.Addr().String()
	s.startedAt = time.Now()
	s.connected = true

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Webhook server failed", "error", err)
		}
	}()

	if s.cfg.Secret == "" {
		s.logger.Warn("Webhook running WITHOUT signature verification", "addr", s.addr)
	} else {
		s.logger.Info("Webhook listening", "addr", s.addr)
	}
	return nil
}

// Disconnect drains connections and stops the server.
func (s *Server) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	return srv.Shutdown(ctx)
}

// Connected implements provider.Provider.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Addr returns the bound address, useful when configured with port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// SendPlanForApproval records the plan as outstanding; clients fetch it from
// GET /status and reply via POST /approve.
func (s *Server) SendPlanForApproval(_ context.Context, req provider.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[req.PlanID] = req
	return nil
}

// SendQuestion records the question as outstanding.
func (s *Server) SendQuestion(_ context.Context, req provider.QuestionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions[req.QuestionID] = req
	return nil
}

// SendStatus keeps the latest update for GET /status.
func (s *Server) SendStatus(_ context.Context, update provider.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &update
	return nil
}

type approveBody struct {
	PlanID          string `json:"planId" binding:"required"`
	Approved        bool   `json:"approved"`
	RejectionReason string `json:"rejectionReason"`
	RespondedBy     string `json:"respondedBy"`
}

func (s *Server) handleApprove(c *gin.Context) {
	var body approveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := provider.ApprovalResponse{
		PlanID:          body.PlanID,
		Approved:        body.Approved,
		RejectionReason: strings.TrimSpace(body.RejectionReason),
		RespondedBy:     respondedBy(body.RespondedBy),
	}
	if !s.sink.HandleApproval(resp) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown or already settled plan"})
		return
	}

	s.mu.Lock()
	delete(s.approvals, body.PlanID)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

type respondBody struct {
	QuestionID  string `json:"questionId" binding:"required"`
	Answer      string `json:"answer" binding:"required"`
	RespondedBy string `json:"respondedBy"`
}

func (s *Server) handleRespond(c *gin.Context) {
	var body respondBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	req, known := s.questions[body.QuestionID]
	s.mu.Unlock()

	resp := provider.AnswerResponse{
		QuestionID:  body.QuestionID,
		Answer:      strings.TrimSpace(body.Answer),
		RespondedBy: respondedBy(body.RespondedBy),
	}
	if known {
		for _, opt := range req.Options {
			if strings.EqualFold(resp.Answer, opt.Value) || strings.EqualFold(resp.Answer, opt.Label) {
				resp.Answer = opt.Value
				resp.MatchedOption = opt.Value
				break
			}
		}
	}

	if !s.sink.HandleAnswer(resp) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown or already settled question"})
		return
	}

	s.mu.Lock()
	delete(s.questions, body.QuestionID)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	uptime := time.Since(s.startedAt)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": uptime.Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	approvals := make([]provider.ApprovalRequest, 0, len(s.approvals))
	for _, req := range s.approvals {
		approvals = append(approvals, req)
	}
	questions := make([]provider.QuestionRequest, 0, len(s.questions))
	for _, req := range s.questions {
		questions = append(questions, req)
	}

	c.JSON(http.StatusOK, gin.H{
		"lastStatus":       s.last,
		"pendingApprovals": approvals,
		"pendingQuestions": questions,
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream disabled"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	s.hub.HandleConnection(c.Request.Context(), conn)
}

// respondedBy defaults the author the way proxy-authenticated APIs do.
func respondedBy(v string) string {
	if v == "" {
		return "api-client"
	}
	return v
}
