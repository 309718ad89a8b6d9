// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/wahadesk/go-wahadesk-backend/internal/config"
	"github.com/wahadesk/go-wahadesk-backend/internal/http/handlers"
	"github.com/wahadesk/go-wahadesk-backend/internal/http/middleware"
	"github.com/wahadesk/go-wahadesk-backend/internal/n8n"
	"github.com/wahadesk/go-wahadesk-backend/internal/services"
	"github.com/wahadesk/go-wahadesk-backend/internal/waha"
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), rate limiting,
// CORS and security headers, health and metrics endpoints, and then mounts
// the versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. OrgID: resolve the tenant for logging and rate limiting
//  4. RedactingLogger: structured logs with PII scrubbing
//  5. Recovery: capture panics after logger
//  6. Body size limiter
//  7. Metrics
//  8. Rate limiter (per org/IP); webhook routes bypass it
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Resolve the tenant once for the whole chain
	r.Use(middleware.OrgID())

	// 4) Structured logging with redaction. Gateway credentials and webhook
	// signatures must never reach the logs.
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-Api-Key",
			"X-Webhook-Signature",
		},
	}))

	// 5) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 6) Global body size limit (1 MiB) and response compression
	r.Use(limitBody(1 << 20))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) Token-bucket rate limiter per org/IP. Webhook deliveries are
	// exempt: the gateway controls that traffic and dedup happens in the
	// ingestion ledger.
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByOrgOrIP())
	limited := rl.Handler()
	r.Use(func(c *gin.Context) {
		if isWebhookPath(c.Request.URL.Path) {
			c.Next()
			return
		}
		limited(c)
	})

	// 9) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Organization-ID"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← gateway clients + db
	gateway := waha.New(cfg.WAHA.BaseURL, cfg.WAHA.APIKey, cfg.WAHA.Timeout)

	var wfClient *n8n.Client
	var wfCreate services.WorkflowClient
	var wfDelete services.WorkflowDeleter
	if cfg.N8N.Enabled {
		wfClient = n8n.New(cfg.N8N.BaseURL, cfg.N8N.APIKey, cfg.N8N.Timeout)
		wfCreate = wfClient
		wfDelete = wfClient
	}

	syncSvc := services.NewSyncService(db, gateway, wfDelete, log.With().Str("service", "sync").Logger())

	sessionSvc := services.NewSessionService(db, gateway, wfCreate, syncSvc,
		log.With().Str("service", "session").Logger())
	sessionSvc.WebhookURL = cfg.Webhook.PublicURL

	hookSvc := services.NewWebhookService(db, log.With().Str("service", "webhook").Logger(),
		cfg.Webhook.Secret, cfg.Webhook.RequireSignature)
	if cfg.Webhook.IncomingWindow > 0 {
		hookSvc.IncomingWindow = cfg.Webhook.IncomingWindow
	}
	if cfg.Webhook.OutgoingWindow > 0 {
		hookSvc.OutgoingWindow = cfg.Webhook.OutgoingWindow
	}

	h := handlers.New(sessionSvc, syncSvc, hookSvc, db)

	// Webhook ingestion lives outside the versioned API because the
	// gateway URL is long-lived configuration on the WAHA side.
	r.POST("/webhooks/waha/:org", h.ReceiveWebhook)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		// Sessions
		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions", h.ListSessions)
		api.POST("/sessions/sync", h.SyncSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.DELETE("/sessions/:id", h.DeleteSession)
		api.POST("/sessions/:id/start", h.StartSession)
		api.POST("/sessions/:id/stop", h.StopSession)
		api.POST("/sessions/:id/sync", h.SyncSession)
		api.GET("/sessions/:id/qr", h.GetQRCode)
		api.POST("/sessions/:id/qr/regenerate", h.RegenerateQRCode)

		// Messaging through the gateway
		api.POST("/sessions/:id/messages/text", h.SendText)
		api.POST("/sessions/:id/messages/media", h.SendMedia)
		api.GET("/sessions/:id/messages", h.ListRemoteMessages)
		api.GET("/sessions/:id/contacts", h.ListContacts)
		api.GET("/sessions/:id/groups", h.ListGroups)
		api.GET("/sessions/:id/chats", h.ListChats)

		// Persisted conversation history
		api.GET("/chat-sessions/:id/messages", h.ChatHistory)
	}
}

// isWebhookPath reports whether the path belongs to the webhook ingestion
// surface, which is exempt from rate limiting.
func isWebhookPath(path string) bool {
	const prefix = "/webhooks/"
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
