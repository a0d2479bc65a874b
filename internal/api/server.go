package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"clip-acquirer/internal/acquire"
	"clip-acquirer/internal/doctor"
	"clip-acquirer/internal/failure"
	"clip-acquirer/internal/hub"
	"clip-acquirer/internal/model"
)

// Acquirer is the job surface behind the HTTP routes.
type Acquirer interface {
	Submit(req model.Request) error
	Cancel(resourceID string) bool
	Status(resourceID string) (model.ProgressRecord, bool)
	Jobs() []model.ProgressRecord
}

type Options struct {
	Acquirer Acquirer
	Hub      *hub.Hub
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Health backs /healthz when set.
	Health func() doctor.Result
	Logger *slog.Logger
}

type Server struct {
	acq     Acquirer
	hub     *hub.Hub
	metrics http.Handler
	health  func() doctor.Result
	logger  *slog.Logger
	engine  *gin.Engine
}

type acceptResponse struct {
	Accepted   bool   `json:"accepted"`
	ResourceID string `json:"resourceId"`
	Error      string `json:"error,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

type cancelResponse struct {
	Cancelled  bool   `json:"cancelled"`
	ResourceID string `json:"resourceId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		acq:     opts.Acquirer,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		health:  opts.Health,
		logger:  logger,
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.loggingMiddleware())

	s.engine.POST("/acquire", s.handleAcquire)
	s.engine.POST("/cancel/:resourceId", s.handleCancel)
	s.engine.GET("/status/:resourceId", s.handleStatus)
	s.engine.GET("/jobs", s.handleJobs)
	s.engine.GET("/healthz", s.handleHealth)
	if s.hub != nil {
		s.engine.GET("/ws", s.handleWS)
	}
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics))
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/healthz" {
			return
		}
		s.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("took", time.Since(start)),
		)
	}
}

func (s *Server) handleAcquire(c *gin.Context) {
	var req model.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	id := strings.TrimSpace(req.ResourceID)

	err := s.acq.Submit(req)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, acceptResponse{Accepted: true, ResourceID: id})
	case errors.Is(err, acquire.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, acceptResponse{ResourceID: id, Error: err.Error()})
	case errors.Is(err, failure.ErrAlreadyInProgress):
		c.JSON(http.StatusConflict, acceptResponse{
			ResourceID: id,
			Error:      err.Error(),
			Kind:       string(failure.KindAlreadyInProgress),
		})
	default:
		s.logger.Error("submit acquisition failed", slog.String("resource_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, acceptResponse{ResourceID: id, Error: err.Error()})
	}
}

func (s *Server) handleCancel(c *gin.Context) {
	id := strings.TrimSpace(c.Param("resourceId"))
	c.JSON(http.StatusOK, cancelResponse{Cancelled: s.acq.Cancel(id), ResourceID: id})
}

func (s *Server) handleStatus(c *gin.Context) {
	id := strings.TrimSpace(c.Param("resourceId"))
	rec, ok := s.acq.Status(id)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no progress recorded for " + id})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.acq.Jobs()})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, doctor.Result{OK: true})
		return
	}
	res := s.health()
	code := http.StatusOK
	if !res.OK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, res)
}
