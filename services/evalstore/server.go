// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evalstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianAssist/services/eval"
)

// ServiceName identifies the server in traces and the banner.
const ServiceName = "aleutian-eval-server"

// maxPopWait caps the long-poll a client can ask for.
const maxPopWait = 30 * time.Second

// Backend is the storage the server fronts.
type Backend interface {
	eval.Store
	Get(ctx context.Context, id string) (eval.EvalResult, error)
	List(ctx context.Context, f eval.ResultFilter) ([]eval.EvalResult, error)
	Stats(ctx context.Context) (eval.Stats, error)
	Ping(ctx context.Context) error
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Store Backend

	// Queue backs the /queues endpoints. Nil disables them.
	Queue eval.Queue

	// Registry receives the server's collectors and is served on
	// /metrics. Nil uses the default registry.
	Registry *prometheus.Registry

	Logger *slog.Logger
}

// Server is the eval storage HTTP service.
type Server struct {
	store   Backend
	queue   eval.Queue
	logger  *slog.Logger
	engine  *gin.Engine
	created *prometheus.CounterVec
}

// NewServer builds the gin engine and registers all routes.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if cfg.Registry != nil {
		reg, gatherer = cfg.Registry, cfg.Registry
	}

	s := &Server{
		store:  cfg.Store,
		queue:  cfg.Queue,
		logger: logger.With(slog.String("component", "eval_server")),
		created: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "aleutian_assist",
			Subsystem: "evalstore",
			Name:      "records_created_total",
			Help:      "Eval results stored",
		}, []string{"category", "status"}),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(ServiceName))
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	SetupRoutes(engine, s)
	s.engine = engine
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// SetupRoutes registers the eval and queue endpoints on router.
func SetupRoutes(router *gin.Engine, s *Server) {
	router.GET("/", s.banner)
	router.GET("/health", s.health)
	router.GET("/stats", s.stats)

	evals := router.Group("/evals")
	{
		evals.POST("", s.createEval)
		evals.GET("", s.listEvals)
		evals.GET("/:id", s.getEval)
	}

	if s.queue == nil {
		return
	}
	queues := router.Group("/queues/:channel")
	{
		queues.POST("/push", s.pushQueue)
		queues.POST("/pop", s.popQueue)
		queues.POST("/ack/:delivery", s.ackQueue)
		queues.GET("/length", s.queueLength)
		queues.DELETE("", s.clearQueue)
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("eval server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// =============================================================================
// Eval handlers
// =============================================================================

func (s *Server) banner(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": ServiceName,
		"endpoints": []string{
			"POST /evals", "GET /evals", "GET /evals/:id", "GET /stats", "GET /health",
		},
	})
}

func (s *Server) health(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		s.logger.Warn("health check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "disconnected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": "connected"})
}

func (s *Server) createEval(c *gin.Context) {
	var r eval.EvalResult
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// Identity and timestamps are always server-assigned.
	r.ID = ""
	r.CreatedAt = time.Time{}

	stored, err := s.store.CreateRecord(c.Request.Context(), r)
	if err != nil {
		if errors.Is(err, ErrInvalidRecord) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("store eval failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store eval result"})
		return
	}
	s.created.WithLabelValues(stored.Category, string(stored.Status)).Inc()
	c.JSON(http.StatusCreated, stored)
}

func (s *Server) listEvals(c *gin.Context) {
	f := eval.ResultFilter{
		Category: c.Query("category"),
		Status:   eval.Status(c.Query("status")),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		f.Limit = n
	}
	results, err := s.store.List(c.Request.Context(), f)
	if err != nil {
		s.logger.Error("list evals failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list eval results"})
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) getEval(c *gin.Context) {
	r, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "eval result not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.store.Stats(c.Request.Context())
	if err != nil {
		s.logger.Error("stats failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// =============================================================================
// Queue handlers
// =============================================================================

// queueError writes err with the status HTTPQueue maps back to a sentinel.
func queueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, eval.ErrUnknownDelivery):
		c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, eval.ErrInvalidChannel), errors.Is(err, eval.ErrMalformedEvent):
		c.String(http.StatusBadRequest, err.Error())
	default:
		c.String(http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) pushQueue(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if err := s.queue.Push(c.Request.Context(), c.Param("channel"), body); err != nil {
		queueError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) popQueue(c *gin.Context) {
	wait := time.Duration(0)
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.String(http.StatusBadRequest, "wait must be a non-negative duration")
			return
		}
		wait = min(d, maxPopWait)
	}
	d, err := s.queue.Pop(c.Request.Context(), c.Param("channel"), wait)
	if errors.Is(err, eval.ErrQueueEmpty) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		queueError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) ackQueue(c *gin.Context) {
	if err := s.queue.Ack(c.Request.Context(), c.Param("channel"), c.Param("delivery")); err != nil {
		queueError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) queueLength(c *gin.Context) {
	channel := c.Param("channel")
	n, err := s.queue.Length(c.Request.Context(), channel)
	if err != nil {
		queueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": channel, "length": n})
}

func (s *Server) clearQueue(c *gin.Context) {
	if err := s.queue.Clear(c.Request.Context(), c.Param("channel")); err != nil {
		queueError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
