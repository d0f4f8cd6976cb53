// Package config loads the bot configuration from environment variables,
// applies defaults and validates the result. It covers the HTTP server,
// logging, storage, the ingestion pipeline, collaborators and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the admin API.
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
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// TelegramConfig configures delivery and webhook verification.
type TelegramConfig struct {
	BotToken    string // TELEGRAM_BOT_TOKEN, empty = log-only delivery
	SecretToken string // TELEGRAM_SECRET_TOKEN, empty = no header check
	APIEndpoint string // TELEGRAM_API_ENDPOINT, empty = library default
}

// LLMConfig configures the OpenAI-compatible chat model.
type LLMConfig struct {
	APIKey      string // LLM_API_KEY, empty = offline collaborators
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // must exceed TurnTimeout
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test
	APIBasePath       string        // base path for the admin API

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Storage
	DBPath   string // SQLite path
	RedisURL string // empty = in-memory fast index

	// Idempotency
	FastIndexTTL       time.Duration
	AdmissionRetention time.Duration
	SweepInterval      time.Duration

	// Throttle / turns
	ThrottleWatchdog time.Duration // must exceed TurnTimeout + DeliverTimeout
	TurnTimeout      time.Duration
	DeliverTimeout   time.Duration

	// Ledger
	LedgerCapacity int
	LedgerPinned   int

	// Collaborators
	Telegram      TelegramConfig
	LLM           LLMConfig
	KnowledgePath string // empty = embedded primer

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

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
		WriteTimeout:      getdur("WRITE_TIMEOUT", 40*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		APIBasePath:       normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Storage
		DBPath:   getenv("DB_PATH", "app.db"),
		RedisURL: strings.TrimSpace(getenv("REDIS_URL", "")),

		// Idempotency
		FastIndexTTL:       getdur("FAST_INDEX_TTL", 24*time.Hour),
		AdmissionRetention: getdur("ADMISSION_RETENTION", 7*24*time.Hour),
		SweepInterval:      getdur("SWEEP_INTERVAL", 10*time.Minute),

		// Throttle / turns
		ThrottleWatchdog: getdur("THROTTLE_WATCHDOG", 60*time.Second),
		TurnTimeout:      getdur("TURN_TIMEOUT", 30*time.Second),
		DeliverTimeout:   getdur("DELIVER_TIMEOUT", 10*time.Second),

		// Ledger
		LedgerCapacity: getint("LEDGER_CAPACITY", 10),
		LedgerPinned:   getint("LEDGER_PINNED", 2),

		// Collaborators
		Telegram: TelegramConfig{
			BotToken:    strings.TrimSpace(getenv("TELEGRAM_BOT_TOKEN", "")),
			SecretToken: getenv("TELEGRAM_SECRET_TOKEN", ""),
			APIEndpoint: getenv("TELEGRAM_API_ENDPOINT", ""),
		},
		LLM: LLMConfig{
			APIKey:      strings.TrimSpace(getenv("LLM_API_KEY", "")),
			BaseURL:     getenv("LLM_BASE_URL", "https://api.openai.com/v1"),
			Model:       getenv("LLM_MODEL", "gpt-4o-mini"),
			MaxTokens:   getint("LLM_MAX_TOKENS", 800),
			Temperature: getfloat("LLM_TEMPERATURE", 0.7),
		},
		KnowledgePath: getenv("KNOWLEDGE_PATH", ""),

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

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-natal-bot"),
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
	if cfg.FastIndexTTL <= 0 || cfg.AdmissionRetention <= 0 || cfg.SweepInterval <= 0 {
		return cfg, errors.New("FAST_INDEX_TTL, ADMISSION_RETENTION and SWEEP_INTERVAL must be > 0")
	}
	if cfg.AdmissionRetention < cfg.FastIndexTTL {
		return cfg, errors.New("ADMISSION_RETENTION must be >= FAST_INDEX_TTL")
	}
	if cfg.ThrottleWatchdog <= 0 || cfg.TurnTimeout <= 0 || cfg.DeliverTimeout <= 0 {
		return cfg, errors.New("THROTTLE_WATCHDOG, TURN_TIMEOUT and DELIVER_TIMEOUT must be > 0")
	}
	// A watchdog that fires while a turn may still be delivering would let a
	// second turn for the same user start behind the first one's lock.
	if cfg.ThrottleWatchdog <= cfg.TurnTimeout+cfg.DeliverTimeout {
		return cfg, errors.New("THROTTLE_WATCHDOG must exceed TURN_TIMEOUT + DELIVER_TIMEOUT")
	}
	if cfg.WriteTimeout <= cfg.TurnTimeout {
		return cfg, errors.New("WRITE_TIMEOUT must exceed TURN_TIMEOUT")
	}
	if cfg.LedgerCapacity < 1 {
		return cfg, errors.New("LEDGER_CAPACITY must be >= 1")
	}
	if cfg.LedgerPinned < 0 {
		return cfg, errors.New("LEDGER_PINNED must be >= 0")
	}
	if cfg.LLM.MaxTokens < 1 {
		return cfg, errors.New("LLM_MAX_TOKENS must be >= 1")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return cfg, errors.New("LLM_TEMPERATURE must be in [0,2]")
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
