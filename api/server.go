package api

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/Aidin1998/pixelverify/api/responses"
	"github.com/Aidin1998/pixelverify/internal/reconcile"
	"github.com/Aidin1998/pixelverify/internal/stream"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const shopKey = "shop_id"

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Options tune the HTTP surface
type Options struct {
	AllowedOrigins []string
	WSWriteTimeout time.Duration
	HealthChecks   map[string]HealthCheck
}

// Server represents the API server
type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	broadcaster *stream.Broadcaster
	engine      *reconcile.Engine
	shops       ShopResolver
	opts        Options
	upgrader    websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(
	logger *zap.Logger,
	broadcaster *stream.Broadcaster,
	engine *reconcile.Engine,
	shops ShopResolver,
	opts Options,
) *Server {
	server := &Server{
		logger:      logger,
		broadcaster: broadcaster,
		engine:      engine,
		shops:       shops,
		opts:        opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}

	router := gin.New()

	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("pixelstream-api"))
	router.Use(cors.New(corsConfig(opts.AllowedOrigins)))

	server.router = router
	server.registerRoutes()
	return server
}

// Router returns the internal Gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

// registerRoutes registers all API routes
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	public := s.router.Group("/api/v1")
	{
		public.GET("/health", s.healthCheck)
	}

	protected := s.router.Group("/api/v1")
	protected.Use(s.shopMiddleware())
	{
		protected.GET("/stream", s.streamSSE)
		protected.GET("/stream/ws", s.streamWS)
		protected.GET("/reconciliation", s.reconciliation)
		protected.POST("/verification/annotate", s.annotate)
	}
}

// healthCheck handles the health check endpoint
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.opts.HealthChecks))
	for name, check := range s.opts.HealthChecks {
		if err := check(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().UTC(),
	})
}

// shopMiddleware resolves the caller's shop and rejects the request when it cannot
func (s *Server) shopMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		shop, err := s.shops.ResolveShop(c.Request)
		if err != nil {
			s.logger.Debug("shop not resolved", zap.String("path", c.Request.URL.Path), zap.Error(err))
			responses.Unauthorized(c, "a valid session token is required")
			return
		}
		c.Set(shopKey, shop)
		c.Next()
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", ShopDomainHeader, "Last-Event-ID"},
		ExposeHeaders: []string{"Content-Length", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}
