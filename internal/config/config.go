package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultUpstreamBaseURL = "http://localhost:8000"

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	UpstreamBaseURL    string        `mapstructure:"UPSTREAM_BASE_URL"`
	CookieName         string        `mapstructure:"JWT_COOKIE_NAME"`
	SessionTTL         time.Duration `mapstructure:"SESSION_TTL"`
	LoginPath          string        `mapstructure:"LOGIN_PATH"`
	ProtectedPrefixes  []string      `mapstructure:"PROTECTED_PREFIXES"`
	RequiredRole       string        `mapstructure:"REQUIRED_ROLE"`
	ProxyDebug         bool          `mapstructure:"PROXY_DEBUG"`
	ProxyTimeout       time.Duration `mapstructure:"PROXY_TIMEOUT"`
	ProxyCreateTimeout time.Duration `mapstructure:"PROXY_CREATE_TIMEOUT"`
	ProxyRetries       int           `mapstructure:"PROXY_RETRIES"`
	ProxyBackoff       time.Duration `mapstructure:"PROXY_BACKOFF"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	UploadLimit        string        `mapstructure:"UPLOAD_LIMIT"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	StaticDir          string        `mapstructure:"STATIC_DIR"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "UPSTREAM_BASE_URL", "JWT_COOKIE_NAME",
	"SESSION_TTL", "LOGIN_PATH", "PROTECTED_PREFIXES", "REQUIRED_ROLE",
	"PROXY_DEBUG", "PROXY_TIMEOUT", "PROXY_CREATE_TIMEOUT", "PROXY_RETRIES",
	"PROXY_BACKOFF", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"BODY_LIMIT", "UPLOAD_LIMIT", "REQUEST_TIMEOUT", "STATIC_DIR",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	// Legacy names for the upstream base, read only as fallbacks.
	"API_BASE", "NEXT_PUBLIC_API_BASE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "3000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("JWT_COOKIE_NAME", "pa_token")
	v.SetDefault("SESSION_TTL", "1h")
	v.SetDefault("LOGIN_PATH", "/login")
	v.SetDefault("PROTECTED_PREFIXES", "/dashboard,/requests")
	v.SetDefault("REQUIRED_ROLE", "clinician")
	v.SetDefault("PROXY_DEBUG", false)
	v.SetDefault("PROXY_TIMEOUT", "10s")
	v.SetDefault("PROXY_CREATE_TIMEOUT", "15s")
	v.SetDefault("PROXY_RETRIES", 1)
	v.SetDefault("PROXY_BACKOFF", "200ms")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_LIMIT", "20M")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("DB_MAX_CONNS", 5)
	v.SetDefault("DB_MIN_CONNS", 1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.UpstreamBaseURL == "" {
		cfg.UpstreamBaseURL = firstNonEmpty(v.GetString("API_BASE"), v.GetString("NEXT_PUBLIC_API_BASE"), defaultUpstreamBaseURL)
	}
	cfg.UpstreamBaseURL = strings.TrimRight(cfg.UpstreamBaseURL, "/")

	cfg.ProtectedPrefixes = splitList(cfg.ProtectedPrefixes, v.GetString("PROTECTED_PREFIXES"))
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
// Session cookies are only marked Secure in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AuditEnabled reports whether gateway decisions are also written to Postgres.
func (c *Config) AuditEnabled() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	u, err := url.Parse(c.UpstreamBaseURL)
	if err != nil {
		return fmt.Errorf("UPSTREAM_BASE_URL is not a valid URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL must be an absolute http(s) URL, got %q", c.UpstreamBaseURL)
	}
	if c.CookieName == "" {
		return fmt.Errorf("JWT_COOKIE_NAME must not be empty")
	}
	if !strings.HasPrefix(c.LoginPath, "/") {
		return fmt.Errorf("LOGIN_PATH must start with /, got %q", c.LoginPath)
	}
	for _, p := range c.ProtectedPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("PROTECTED_PREFIXES entries must start with /, got %q", p)
		}
		if strings.HasPrefix(c.LoginPath, p) {
			return fmt.Errorf("LOGIN_PATH %q must not be inside protected prefix %q", c.LoginPath, p)
		}
	}
	if c.ProxyTimeout <= 0 || c.ProxyCreateTimeout <= 0 {
		return fmt.Errorf("PROXY_TIMEOUT and PROXY_CREATE_TIMEOUT must be positive")
	}
	if c.ProxyRetries < 0 {
		return fmt.Errorf("PROXY_RETRIES must not be negative, got %d", c.ProxyRetries)
	}
	if c.ProxyBackoff < 0 {
		return fmt.Errorf("PROXY_BACKOFF must not be negative")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	return nil
}

// splitList normalizes a list setting. Viper may hand back either a decoded
// slice or a single comma separated string depending on the source.
func splitList(decoded []string, raw string) []string {
	if len(decoded) == 1 && strings.Contains(decoded[0], ",") {
		raw = decoded[0]
		decoded = nil
	}
	if len(decoded) == 0 {
		decoded = strings.Split(raw, ",")
	}
	out := make([]string, 0, len(decoded))
	for _, s := range decoded {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
