// Package api wires together all HTTP routes of the marketplace backend.
//
// Route groups:
//   - /api/icr/* and /api/icrCallback run the connect flow. They are reached by a
//     browser, so the callback always answers with a redirect.
//   - /api/v1/organizations/* proxies registry reads and mutations for one linked
//     organization using that organization's installation token.
//
// Mutations and the connect endpoints carry stricter rate limits than reads.
package api

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/carbon-marketplace/icr-marketplace/internal/api/connect"
	"github.com/carbon-marketplace/icr-marketplace/internal/api/organizations"
	"github.com/carbon-marketplace/icr-marketplace/internal/config"
	"github.com/carbon-marketplace/icr-marketplace/internal/jobs"
	"github.com/carbon-marketplace/icr-marketplace/internal/middleware"
	"github.com/carbon-marketplace/icr-marketplace/internal/storage"
)

// Version is the build version reported by /version. Overridden with -ldflags.
var Version = "0.1.0"

// Pinger reports database reachability
type Pinger interface {
	PingContext(ctx context.Context) error
}

var _ Pinger = (*sql.DB)(nil)

// Handlers is what NewRouter mounts
type Handlers struct {
	Connect     connect.Flow
	Marketplace organizations.Marketplace
	Archive     storage.Storage
	Sweeper     *jobs.ExpirySweeper
}

// FromServices adapts the production services to Handlers
func FromServices(s *Services) Handlers {
	return Handlers{
		Connect:     s.Connect,
		Marketplace: s.Marketplace,
		Archive:     s.Archive,
		Sweeper:     s.Sweeper,
	}
}

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	sweeper      *jobs.ExpirySweeper
	rateLimiters []*middleware.RateLimiter
	redis        *redis.Client
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.sweeper != nil {
		bg.sweeper.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.redis != nil {
		if err := bg.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router and starts the background jobs.
func NewRouter(cfg *config.Config, db Pinger, h Handlers) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	bg := &BackgroundServices{sweeper: h.Sweeper}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.SecurityHeadersFromConfig(cfg)))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, h.Archive))
	router.GET("/version", versionHandler())

	limits := newLimiters(cfg, bg)

	connectHandlers := connect.NewHandlers(h.Connect, cfg.Server.HomePath)
	icrGroup := router.Group("/api/icr")
	icrGroup.Use(limits.connect...)
	{
		icrGroup.GET("/state", connectHandlers.StateHandler())
		icrGroup.GET("/connect", connectHandlers.ConnectHandler())
		icrGroup.POST("/accounts", connectHandlers.ProvisionAccountHandler())
	}
	router.GET(callbackPath(cfg), append(limits.connect, connectHandlers.CallbackHandler())...)

	orgHandlers := organizations.NewHandlers(h.Marketplace)
	reads := router.Group("/api/v1/organizations")
	reads.Use(limits.reads...)
	mutations := router.Group("/api/v1/organizations")
	mutations.Use(limits.mutations...)
	orgHandlers.Register(reads, mutations)

	if h.Sweeper != nil {
		h.Sweeper.Start(context.Background())
	}

	return router, bg
}

func callbackPath(cfg *config.Config) string {
	p := cfg.ICR.CallbackPath
	if p == "" {
		return "/api/icrCallback"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

type limiterChains struct {
	connect   []gin.HandlerFunc
	reads     []gin.HandlerFunc
	mutations []gin.HandlerFunc
}

// newLimiters builds one limiter per route class. With a redis_url every replica
// shares the counters; otherwise each process keeps its own buckets.
func newLimiters(cfg *config.Config, bg *BackgroundServices) limiterChains {
	settings := cfg.Security.RateLimiting
	if !settings.Enabled {
		return limiterChains{}
	}

	if settings.RedisURL != "" {
		client, err := middleware.NewRedisClient(settings.RedisURL)
		if err == nil {
			bg.redis = client
			log.Println("Rate limiting backed by Redis")
			return limiterChains{
				connect: []gin.HandlerFunc{middleware.RateLimitMiddleware(
					middleware.NewRedisRateLimiter(client, "ratelimit:connect", middleware.ConnectRateLimitConfig()))},
				reads: []gin.HandlerFunc{middleware.RateLimitMiddleware(
					middleware.NewRedisRateLimiter(client, "ratelimit:reads", middleware.DefaultRateLimitConfig().WithSettings(settings)))},
				mutations: []gin.HandlerFunc{middleware.RateLimitMiddleware(
					middleware.NewRedisRateLimiter(client, "ratelimit:mutations", middleware.MutationRateLimitConfig()))},
			}
		}
		slog.Warn("invalid rate limiting redis_url, falling back to in-memory limits", "error", err)
	}

	local := func(c middleware.RateLimitConfig) []gin.HandlerFunc {
		rl := middleware.NewRateLimiter(c)
		bg.rateLimiters = append(bg.rateLimiters, rl)
		return []gin.HandlerFunc{middleware.RateLimitMiddleware(rl)}
	}
	return limiterChains{
		connect:   local(middleware.ConnectRateLimitConfig()),
		reads:     local(middleware.DefaultRateLimitConfig().WithSettings(settings)),
		mutations: local(middleware.MutationRateLimitConfig()),
	}
}

// healthCheckHandler returns the health status of the service
func healthCheckHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the certificate archive so
// that a readiness gate fails when certificate downloads would error.
func readinessHandler(db Pinger, archive storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// A known-absent key exercises credentials and connectivity without writing.
		if archive != nil {
			if _, err := archive.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
				checks["storage"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "storage backend not ready",
				})
				return
			}
			checks["storage"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware emits one structured record per request
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		// Callback queries carry the one-time state value.
		if path == callbackPath(cfg) {
			query = ""
		}

		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", status),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", middleware.RequestID(c)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, DELETE, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, Retry-After, Content-Disposition")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
