// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, rate limiting, the WAHA
// gateway connection, webhook handling, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-wahadesk-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// WAHAConfig defines the connection to the WAHA WhatsApp gateway.
type WAHAConfig struct {
	BaseURL string        // WAHA_BASE_URL (e.g. "http://waha:3000")
	APIKey  string        // WAHA_API_KEY
	Timeout time.Duration // WAHA_TIMEOUT per-call client timeout
}

// N8NConfig defines the connection to the n8n workflow engine.
type N8NConfig struct {
	Enabled bool          // N8N_ENABLED
	BaseURL string        // N8N_BASE_URL (e.g. "http://n8n:5678")
	APIKey  string        // N8N_API_KEY
	Timeout time.Duration // N8N_TIMEOUT per-call client timeout
}

// WebhookConfig defines inbound webhook handling.
type WebhookConfig struct {
	Secret           string        // WEBHOOK_SECRET shared HMAC secret
	RequireSignature bool          // WEBHOOK_REQUIRE_SIGNATURE
	PublicURL        string        // WEBHOOK_PUBLIC_URL registered on created sessions
	IncomingWindow   time.Duration // WEBHOOK_INCOMING_DEDUP_WINDOW
	OutgoingWindow   time.Duration // WEBHOOK_OUTGOING_DEDUP_WINDOW
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// App
	DBPath string // SQLite path

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// External collaborators
	WAHA    WAHAConfig
	N8N     N8NConfig
	Webhook WebhookConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath: getenv("DB_PATH", "wahadesk.db"),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// External collaborators
		WAHA: WAHAConfig{
			BaseURL: strings.TrimRight(getenv("WAHA_BASE_URL", "http://localhost:3000"), "/"),
			APIKey:  getenv("WAHA_API_KEY", ""),
			Timeout: getdur("WAHA_TIMEOUT", 30*time.Second),
		},
		N8N: N8NConfig{
			Enabled: getbool("N8N_ENABLED", false),
			BaseURL: strings.TrimRight(getenv("N8N_BASE_URL", "http://localhost:5678"), "/"),
			APIKey:  getenv("N8N_API_KEY", ""),
			Timeout: getdur("N8N_TIMEOUT", 30*time.Second),
		},
		Webhook: WebhookConfig{
			Secret:           getenv("WEBHOOK_SECRET", ""),
			RequireSignature: getbool("WEBHOOK_REQUIRE_SIGNATURE", false),
			PublicURL:        getenv("WEBHOOK_PUBLIC_URL", ""),
			IncomingWindow:   getdur("WEBHOOK_INCOMING_DEDUP_WINDOW", 5*time.Minute),
			OutgoingWindow:   getdur("WEBHOOK_OUTGOING_DEDUP_WINDOW", 30*time.Second),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-wahadesk-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if strings.TrimSpace(cfg.WAHA.BaseURL) == "" {
		return cfg, errors.New("WAHA_BASE_URL must not be empty")
	}
	if cfg.WAHA.Timeout <= 0 || cfg.N8N.Timeout <= 0 {
		return cfg, errors.New("client timeouts must be positive durations")
	}
	if cfg.N8N.Enabled && strings.TrimSpace(cfg.N8N.BaseURL) == "" {
		return cfg, errors.New("N8N_BASE_URL must not be empty when N8N_ENABLED is set")
	}
	if cfg.Webhook.RequireSignature && strings.TrimSpace(cfg.Webhook.Secret) == "" {
		return cfg, errors.New("WEBHOOK_SECRET must be set when WEBHOOK_REQUIRE_SIGNATURE is enabled")
	}
	if cfg.Webhook.IncomingWindow <= 0 || cfg.Webhook.OutgoingWindow <= 0 {
		return cfg, errors.New("webhook dedup windows must be positive durations")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
