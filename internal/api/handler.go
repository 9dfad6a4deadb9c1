// Package api is the HTTP surface over the engine's administrative entry
// points and the per-user live stream.
package api

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"signalist/internal/engine"
	"signalist/internal/monitor"
)

// Options configures the HTTP server.
type Options struct {
	JWTSecret      string
	AdminUsers     []string
	CORSOrigins    []string
	RateLimit      float64 // requests per second per IP
	RateBurst      int
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.RateLimit <= 0 {
		o.RateLimit = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 50
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 45 * time.Second
	}
	if len(o.CORSOrigins) == 0 {
		o.CORSOrigins = []string{"*"}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router  *gin.Engine
	Engine  engine.Service
	Metrics *monitor.Metrics

	opts   Options
	logger *slog.Logger
}

func NewServer(svc engine.Service, metrics *monitor.Metrics, opts Options) *Server {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "api")

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger, metrics))
	r.Use(RateLimitMiddleware(newIPLimiters(opts.RateLimit, opts.RateBurst), logger))
	r.Use(CORSMiddleware(opts.CORSOrigins))

	s := &Server{
		Router:  r,
		Engine:  svc,
		Metrics: metrics,
		opts:    opts,
		logger:  logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	// Long-lived streams: no request timeout, token also accepted as a query parameter.
	stream := s.Router.Group("")
	stream.Use(AuthMiddleware(s.opts.JWTSecret, true))
	{
		stream.GET("/api/stream", s.sse)
		stream.GET("/ws", s.websocket)
	}

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.opts.JWTSecret, false), TimeoutMiddleware(s.opts.RequestTimeout))
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/metrics/prom", s.getPromMetrics)

		// Bots
		api.GET("/bots", s.listBots)
		api.GET("/bots/:id", s.getBot)
		api.POST("/bots/:id/start", s.startBot)
		api.POST("/bots/:id/stop", s.stopBot)
		api.GET("/bots/:id/risk", s.getRiskProfile)
		api.PUT("/bots/:id/risk", s.saveRiskProfile)
		api.GET("/risk", s.getRiskProfile)
		api.PUT("/risk", s.saveRiskProfile)
		api.GET("/trades/open", s.openTrades)

		// Reconciliation
		api.POST("/reconcile", s.reconcileUser)
		api.POST("/reconcile/all", s.requireAdmin, s.reconcileAll)
		api.GET("/reconcile/status", s.reconcileStatus)

		// Broker credentials
		api.PUT("/brokers/:broker/credentials", s.saveCredentials)
		api.DELETE("/brokers/:broker/session", s.revokeSession)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requireAdmin restricts cross-user operations when an admin list is configured.
func (s *Server) requireAdmin(c *gin.Context) {
	if len(s.opts.AdminUsers) > 0 && !slices.Contains(s.opts.AdminUsers, CurrentUserID(c)) {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "admin only")
		c.Abort()
		return
	}
	c.Next()
}

// HTTPServer returns an http.Server for addr; the caller owns its lifecycle.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
