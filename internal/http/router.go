// Package httpapi wires the HTTP transport (Gin) to the ingestion pipeline,
// the admin API and the cross-cutting middleware: tracing, correlation IDs,
// redacted logging, panic recovery and metrics for every request; secret
// verification for the webhook; rate limiting, CORS, compression and
// security headers for the admin API.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-natal-bot/internal/config"
	"github.com/tbourn/go-natal-bot/internal/http/handlers"
	"github.com/tbourn/go-natal-bot/internal/http/middleware"
)

// WebhookPath is where Telegram posts updates.
const WebhookPath = "/webhook"

// maxBodyBytes caps every request body. Telegram updates are a few KiB.
const maxBodyBytes = 1 << 20

// Deps are the application objects the routes talk to.
type Deps struct {
	DB         *gorm.DB
	Ingest     handlers.Ingester
	Admissions handlers.AdmissionStats
	Windows    handlers.WindowStats
	History    handlers.History
}

// RegisterRoutes attaches all middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with token and PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//
// The webhook then checks the Telegram secret header. The admin group adds
// a per-IP rate limiter, CORS, gzip and no-store security headers. The
// webhook is not rate limited: all users arrive from Telegram's addresses
// and a 429 would only make Telegram retry.
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		QuietPaths: []string{"/health", "/metrics"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit
	r.Use(limitBody(maxBodyBytes))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics("/metrics"))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Telegram webhook
	wh := handlers.NewWebhook(d.Ingest)
	r.POST(WebhookPath, middleware.WebhookSecret(cfg.Telegram.SecretToken), wh.Handle)

	// Admin API
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP())
	admin := groupWithPrefix(r, cfg.APIBasePath)
	admin.Use(
		rl.Handler(),
		corsFor(cfg.CORS),
		gzip.Gzip(gzip.DefaultCompression),
		middleware.SecurityHeaders(middleware.SecurityOptions{
			EnableHSTS:   cfg.Security.EnableHSTS,
			HSTSMaxAge:   cfg.Security.HSTSMaxAge,
			NoStore:      true,
			EnablePolicy: true,
		}),
	)
	{
		h := handlers.NewAdmin(d.DB, d.Admissions, d.Windows, d.History)

		admin.GET("/stats", h.Stats)
		admin.GET("/users/:id/state", h.State)
		admin.GET("/users/:id/profiles", h.Profiles)
		admin.GET("/users/:id/ledger", h.Ledger)
		admin.DELETE("/users/:id/ledger", h.ResetLedger)

		// Preflights only need to reach the CORS middleware.
		admin.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	}
}

// corsFor allows every origin when none is configured, otherwise only the
// listed ones. Credentials are never allowed.
func corsFor(cc config.CORSConfig) gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match"},
		ExposeHeaders:    []string{"X-Request-ID", "ETag", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(cc.AllowedOrigins) == 0 {
		base.AllowAllOrigins = true
	} else {
		base.AllowOrigins = cc.AllowedOrigins
	}
	return cors.New(base)
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
