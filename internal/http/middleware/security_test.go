package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func serveWithSecurity(t *testing.T, opt SecurityOptions, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.Use(SecurityHeaders(opt))
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if mutate != nil {
		mutate(req)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestSecurityHeaders_Baseline(t *testing.T) {
	w := serveWithSecurity(t, SecurityOptions{}, nil)
	h := w.Header()
	if h.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff")
	}
	if h.Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing frame options")
	}
	if h.Get("Referrer-Policy") != "no-referrer" {
		t.Fatalf("missing referrer policy")
	}
	// Not enabled by default.
	if h.Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS must be opt-in")
	}
	if h.Get("Permissions-Policy") != "" {
		t.Fatalf("policy headers must be opt-in")
	}
	if !strings.Contains(h.Get("Access-Control-Expose-Headers"), "X-Request-ID") {
		t.Fatalf("expected request id exposed")
	}
}

func TestSecurityHeaders_OptionalHeaders(t *testing.T) {
	w := serveWithSecurity(t, SecurityOptions{
		NoStore:      true,
		EnablePolicy: true,
	}, nil)
	h := w.Header()
	if h.Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store")
	}
	if h.Get("Permissions-Policy") == "" || h.Get("X-Permitted-Cross-Domain-Policies") != "none" {
		t.Fatalf("expected policy headers")
	}
}

func TestSecurityHeaders_HSTSOnlyOverHTTPS(t *testing.T) {
	opt := SecurityOptions{EnableHSTS: true, HSTSMaxAge: 24 * time.Hour}

	// Plain HTTP: no HSTS.
	w := serveWithSecurity(t, opt, nil)
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS must not be set for plain HTTP")
	}

	// Proxy-terminated TLS via X-Forwarded-Proto.
	w2 := serveWithSecurity(t, opt, func(r *http.Request) {
		r.Header.Set("X-Forwarded-Proto", "https")
	})
	sts := w2.Header().Get("Strict-Transport-Security")
	if !strings.Contains(sts, "max-age=86400") || !strings.Contains(sts, "includeSubDomains") {
		t.Fatalf("unexpected HSTS value %q", sts)
	}
}

func TestItoa(t *testing.T) {
	cases := map[int]string{0: "0", 7: "7", 86400: "86400", -42: "-42"}
	for in, want := range cases {
		if got := itoa(in); got != want {
			t.Fatalf("itoa(%d) = %q, want %q", in, got, want)
		}
	}
}
