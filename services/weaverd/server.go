// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaverd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/weaver/services/weaverd/telemetry"
)

// Server is the daemon's HTTP surface.
type Server struct {
	daemon   *Daemon
	engine   *gin.Engine
	handlers *Handlers
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewServer builds the gin engine and registers every route.
//
// Mutating routes share one token bucket sized by Server.RateLimit and
// Server.Burst; a zero rate disables limiting. Every request body is
// capped at Server.MaxBodyBytes.
func NewServer(d *Daemon) *Server {
	cfg := d.Config().Server
	s := &Server{
		daemon:   d,
		engine:   gin.New(),
		handlers: NewHandlers(d),
		logger:   slog.Default().With("component", "weaverd.Server"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = int(math.Ceil(cfg.RateLimit))
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(otelgin.Middleware(d.Config().Telemetry.ServiceName))
	s.engine.Use(bodyLimit(cfg.MaxBodyBytes))
	SetupRoutes(s.engine, s.handlers, d.Events(), s.rateLimit())
	return s
}

// SetupRoutes registers the API on router.
//
//	POST /v1/transactions      - Submit an edit set
//	POST /v1/patches           - Submit a patch
//	GET  /v1/transactions      - Recent journaled transactions
//	GET  /v1/transactions/:id  - One journaled transaction
//	GET  /v1/sessions          - Analysis session state
//	GET  /v1/health            - Liveness and harness introspection
//	GET  /v1/events            - Websocket stream of transitions and results
//	GET  /metrics              - Prometheus metrics, when exported
func SetupRoutes(router *gin.Engine, h *Handlers, hub *EventHub, limit gin.HandlerFunc) {
	if mh := telemetry.MetricsHandler(); mh != nil {
		router.GET("/metrics", gin.WrapH(mh))
	}

	v1 := router.Group("/v1")
	{
		mutations := v1.Group("")
		mutations.Use(requireLoopbackOrigin(), requireJSON(), limit)
		{
			mutations.POST("/transactions", h.HandleSubmit)
			mutations.POST("/patches", h.HandlePatch)
		}
		reads := v1.Group("")
		reads.Use(requireLoopbackOrigin())
		reads.GET("/transactions", h.HandleListTransactions)
		reads.GET("/transactions/:id", h.HandleGetTransaction)
		reads.GET("/sessions", h.HandleSessions)
		reads.GET("/health", h.HandleHealth)
		v1.GET("/events", hub.HandleEvents)
	}
}

// rateLimit rejects mutations beyond the token bucket with 429.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		if !s.limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded",
				Code:  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

// bodyLimit caps request bodies at n bytes. Non-positive n disables it.
func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if n > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on Server.Addr until ctx ends, then shuts down gracefully
// within Server.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.daemon.Config().Server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	cfg := s.daemon.Config().Server
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout.Duration,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening", "addr", ln.Addr().String(), "root", s.daemon.Root())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout.Duration
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	// Websocket connections are hijacked and not tracked by Shutdown.
	s.daemon.Events().Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
