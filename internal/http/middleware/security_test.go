package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func serveSecurity(t *testing.T, opt SecurityOptions, pre gin.HandlerFunc, req *http.Request) http.Header {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if pre != nil {
		r.Use(pre)
	}
	r.Use(SecurityHeaders(opt))
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.DELETE("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Header()
}

func TestSecurityHeaders_Baseline_And_ExposeHeader(t *testing.T) {
	withRID := func(c *gin.Context) { c.Header(requestIDHeader, "rid-123"); c.Next() }

	h := serveSecurity(t, SecurityOptions{}, withRID, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if h.Get("X-Content-Type-Options") != "nosniff" || h.Get("X-Frame-Options") != "DENY" || h.Get("Referrer-Policy") != "no-referrer" {
		t.Fatalf("baseline headers missing: %#v", h)
	}
	if h.Get("Permissions-Policy") != "" || h.Get("Cache-Control") != "" || h.Get("Strict-Transport-Security") != "" {
		t.Fatalf("unexpected optional headers: %#v", h)
	}
	if h.Get("Access-Control-Expose-Headers") != "X-Request-ID" {
		t.Fatalf("expose header = %q", h.Get("Access-Control-Expose-Headers"))
	}

	appendRID := func(c *gin.Context) {
		c.Header(requestIDHeader, "rid-123")
		c.Header("Access-Control-Expose-Headers", "Content-Length")
		c.Next()
	}
	h = serveSecurity(t, SecurityOptions{}, appendRID, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if got := h.Get("Access-Control-Expose-Headers"); got != "Content-Length, X-Request-ID" {
		t.Fatalf("expose header append = %q", got)
	}
}

func TestSecurityHeaders_PolicyAndNoStore(t *testing.T) {
	opt := SecurityOptions{NoStore: true, EnablePolicy: true}

	h := serveSecurity(t, opt, nil, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if h.Get("Permissions-Policy") == "" || h.Get("X-Permitted-Cross-Domain-Policies") != "none" {
		t.Fatalf("policy headers missing: %#v", h)
	}
	if h.Get("Cache-Control") != "private, no-cache" {
		t.Fatalf("GET should stay revalidatable, got %q", h.Get("Cache-Control"))
	}

	h = serveSecurity(t, opt, nil, httptest.NewRequest(http.MethodDelete, "/ok", nil))
	if h.Get("Cache-Control") != "no-store" {
		t.Fatalf("DELETE should be no-store, got %q", h.Get("Cache-Control"))
	}
}

func TestSecurityHeaders_HSTS(t *testing.T) {
	cases := []struct {
		name   string
		opt    SecurityOptions
		mutate func(*http.Request)
		want   string
	}{
		{"plain http", SecurityOptions{EnableHSTS: true}, func(*http.Request) {}, ""},
		{"tls default age", SecurityOptions{EnableHSTS: true}, func(r *http.Request) { r.TLS = &tls.ConnectionState{} },
			"max-age=" + strconv.Itoa(int(defaultHSTSMaxAge.Seconds())) + "; includeSubDomains"},
		{"forwarded proto", SecurityOptions{EnableHSTS: true, HSTSMaxAge: time.Hour}, func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "HTTPS") },
			"max-age=3600; includeSubDomains"},
		{"disabled", SecurityOptions{}, func(r *http.Request) { r.TLS = &tls.ConnectionState{} }, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ok", nil)
			tc.mutate(req)
			if got := serveSecurity(t, tc.opt, nil, req).Get("Strict-Transport-Security"); got != tc.want {
				t.Fatalf("HSTS = %q; want %q", got, tc.want)
			}
		})
	}
}
