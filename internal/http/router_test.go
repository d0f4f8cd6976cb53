package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-natal-bot/internal/cache"
	"github.com/tbourn/go-natal-bot/internal/config"
	"github.com/tbourn/go-natal-bot/internal/domain"
	"github.com/tbourn/go-natal-bot/internal/http/middleware"
	"github.com/tbourn/go-natal-bot/internal/idempotency"
	"github.com/tbourn/go-natal-bot/internal/ledger"
	"github.com/tbourn/go-natal-bot/internal/repo"
	"github.com/tbourn/go-natal-bot/internal/services"
	"github.com/tbourn/go-natal-bot/internal/throttle"
)

type countingIngester struct{ calls int }

func (c *countingIngester) Handle(context.Context, domain.InboundEvent) (services.Result, error) {
	c.calls++
	return services.Result{Outcome: services.OutcomeProcessed, Turns: 1, Delivered: true}, nil
}

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db = db.Session(&gorm.Session{Logger: logger.Default.LogMode(logger.Silent)})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func baseConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     100,
		RateBurst:   10,
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
}

func newRouter(t *testing.T, cfg config.Config) (*gin.Engine, *countingIngester) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	ing := &countingIngester{}
	r := gin.New()
	RegisterRoutes(r, Deps{
		DB:         db,
		Ingest:     ing,
		Admissions: idempotency.New(db, cache.NewMemoryIndex(time.Hour)),
		Windows:    throttle.New(),
		History:    ledger.New(db, 10, 2),
	}, cfg)
	return r, ing
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const update = `{"update_id":1,"message":{"message_id":2,"date":1700000000,` +
	`"from":{"id":3,"is_bot":false,"first_name":"Ada"},"chat":{"id":3,"type":"private"},"text":"hello"}}`

func TestRegisterRoutes_Health_Metrics_Fallbacks(t *testing.T) {
	r, _ := newRouter(t, baseConfig())

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("GET /health = %d %s", w.Code, w.Body.String())
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}

	w = serve(r, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	w = serve(r, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), "route not found") {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	w = serve(r, httptest.NewRequest(http.MethodPost, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_WebhookSecret(t *testing.T) {
	cfg := baseConfig()
	cfg.Telegram.SecretToken = "s3cret"
	r, ing := newRouter(t, cfg)

	req := httptest.NewRequest(http.MethodPost, WebhookPath, strings.NewReader(update))
	if w := serve(r, req); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret: expected 401, got %d", w.Code)
	}
	if ing.calls != 0 {
		t.Fatalf("ingester ran without a valid secret")
	}

	req = httptest.NewRequest(http.MethodPost, WebhookPath, strings.NewReader(update))
	req.Header.Set(middleware.HeaderTelegramSecret, "s3cret")
	if w := serve(r, req); w.Code != http.StatusOK {
		t.Fatalf("valid secret: expected 200, got %d %s", w.Code, w.Body.String())
	}
	if ing.calls != 1 {
		t.Fatalf("ingester calls=%d", ing.calls)
	}
}

func TestRegisterRoutes_WebhookNotRateLimited(t *testing.T) {
	cfg := baseConfig()
	cfg.RateRPS, cfg.RateBurst = 0, 1
	r, ing := newRouter(t, cfg)

	for i := 0; i < 5; i++ {
		w := serve(r, httptest.NewRequest(http.MethodPost, WebhookPath, strings.NewReader(update)))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status=%d", i, w.Code)
		}
	}
	if ing.calls != 5 {
		t.Fatalf("ingester calls=%d", ing.calls)
	}
}

func TestRegisterRoutes_AdminRateLimited(t *testing.T) {
	cfg := baseConfig()
	cfg.RateRPS, cfg.RateBurst = 0, 2
	r, _ := newRouter(t, cfg)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, serve(r, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
}

func TestRegisterRoutes_AdminHeaders(t *testing.T) {
	r, _ := newRouter(t, baseConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Origin", "http://client.test")
	req.Header.Set("Accept-Encoding", "gzip")
	w := serve(r, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET stats = %d", w.Code)
	}
	h := w.Header()
	if got := h.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if got := h.Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", got)
	}
	if got := h.Get("Cache-Control"); got != "private, no-cache" {
		t.Fatalf("expected private, no-cache, got %q", got)
	}
	if h.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing: %v", h)
	}
}

func TestRegisterRoutes_CORSWithOrigins_Preflight(t *testing.T) {
	cfg := baseConfig()
	cfg.APIBasePath = "/api/v2"
	cfg.CORS.AllowedOrigins = []string{"http://client.test"}
	r, _ := newRouter(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/api/v2/users/u1/ledger", nil)
	req.Header.Set("Origin", "http://client.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	w := serve(r, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status=%d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://client.test" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v2/stats", nil)
	req.Header.Set("Origin", "http://evil.example")
	if w := serve(r, req); w.Code != http.StatusForbidden {
		t.Fatalf("disallowed origin expected 403, got %d", w.Code)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := serve(r, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB"))) // 12 bytes
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := serve(r, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}
