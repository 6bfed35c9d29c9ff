// Package diagnostics serves a small HTTP view of one live connection:
// health, Prometheus metrics, the negotiated surface, and an echo probe.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danmuck/smbwire/internal/auth"
	"github.com/danmuck/smbwire/internal/client"
	"github.com/danmuck/smbwire/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Target is the connection the server reports on. *client.Conn satisfies it.
type Target interface {
	RemoteName() string
	IsConnected() bool
	Negotiated() (client.Negotiated, bool)
	Credits() uint32
	HasOutstandingRequests() bool
	Echo(ctx context.Context) error
}

var _ Target = (*client.Conn)(nil)

var ErrNoTarget = errors.New("diagnostics: no connection attached")

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	target      Target
	validator   auth.Validator
	echoTimeout time.Duration
	router      *gin.Engine
}

// ConnectionInfo is the JSON body of GET /connection.
type ConnectionInfo struct {
	Remote          string `json:"remote"`
	Connected       bool   `json:"connected"`
	Negotiated      bool   `json:"negotiated"`
	Dialect         string `json:"dialect,omitempty"`
	SigningRequired bool   `json:"signing_required"`
	Capabilities    uint32 `json:"capabilities"`
	Cipher          uint16 `json:"cipher,omitempty"`
	Credits         uint32 `json:"credits"`
	Outstanding     bool   `json:"outstanding"`
}

func Appear(id, addr string, corsOrigins []string, target Target) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ServiceLogger(id)))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:          id,
		Addr:        addr,
		Appeared:    time.Now(),
		target:      target,
		echoTimeout: 10 * time.Second,
		router:      r,
	}
	s.registerRoutes()
	return s
}

// RequireToken guards the endpoints that send traffic on the connection.
func (s *Server) RequireToken(v auth.Validator) *Server {
	s.validator = v
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/connection", func(c *gin.Context) {
		info, err := s.Connection()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	guard := func(c *gin.Context) { auth.RequireBearer(s.validator)(c) }
	s.router.POST("/connection/echo", guard, func(c *gin.Context) {
		start := time.Now()
		if err := s.Echo(c.Request.Context()); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, ErrNoTarget) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rtt": time.Since(start).String()})
	})
}

// Connection snapshots the target.
func (s *Server) Connection() (ConnectionInfo, error) {
	if s.target == nil {
		return ConnectionInfo{}, ErrNoTarget
	}
	info := ConnectionInfo{
		Remote:      s.target.RemoteName(),
		Connected:   s.target.IsConnected(),
		Credits:     s.target.Credits(),
		Outstanding: s.target.HasOutstandingRequests(),
	}
	if neg, ok := s.target.Negotiated(); ok {
		info.Negotiated = true
		info.Dialect = neg.Dialect.String()
		info.SigningRequired = neg.SigningRequired
		info.Capabilities = neg.Capabilities
		info.Cipher = neg.Cipher
	}
	return info, nil
}

func (s *Server) Echo(ctx context.Context) error {
	if s.target == nil {
		return ErrNoTarget
	}
	ctx, cancel := context.WithTimeout(ctx, s.echoTimeout)
	defer cancel()
	if err := s.target.Echo(ctx); err != nil {
		log.Warn().Str("service", s.ID).Str("remote", s.target.RemoteName()).Err(err).Msg("echo probe failed")
		return fmt.Errorf("echo %s: %w", s.target.RemoteName(), err)
	}
	return nil
}

// Serve blocks serving HTTP until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	hs := &http.Server{Addr: s.Addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	log.Info().Str("service", s.ID).Str("addr", s.Addr).Msg("diagnostics listening")
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
