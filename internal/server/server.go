// Package server exposes a running hub over HTTP: link status, local
// resets and sends, the transfer journal and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/uclink/internal/auth"
	"github.com/danmuck/uclink/internal/hub"
	"github.com/danmuck/uclink/internal/journal"
	"github.com/danmuck/uclink/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Name        string
	CorsOrigins []string
	// SendTimeout bounds how long POST /links/:name/send waits for the
	// transfer to finish.
	SendTimeout time.Duration
	// Auth, when set, guards the POST routes with a bearer token.
	Auth auth.Validator
}

type Server struct {
	opts     Options
	hub      *hub.Hub
	journal  *journal.Journal
	gatherer prometheus.Gatherer
	router   *gin.Engine
	started  time.Time
}

// New builds the router. journal, metrics and gatherer may be nil; the
// matching routes then answer 404.
func New(opts Options, h *hub.Hub, j *journal.Journal, m *observability.Metrics, gatherer prometheus.Gatherer) *Server {
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = "uclinkctl"
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	if m != nil {
		r.Use(observability.RequestMetricsMiddleware(m, opts.Name))
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		opts:     opts,
		hub:      h,
		journal:  j,
		gatherer: gatherer,
		router:   r,
		started:  time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve listens on addr until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("server.Serve")

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

// requireToken rejects requests whose bearer token fails opts.Auth.
func (s *Server) requireToken(c *gin.Context) {
	if s.opts.Auth == nil {
		c.Next()
		return
	}
	if err := auth.Check(s.opts.Auth, c.GetHeader("Authorization")); err != nil {
		log.Debug().Str("path", c.FullPath()).Err(err).Msg("server.auth")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
