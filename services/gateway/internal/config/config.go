package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                       string   `yaml:"port"`
	LogLevel                   string   `yaml:"logLevel"`
	IdentityServiceURL         string   `yaml:"identityServiceURL"`
	IdentityJWKSURL            string   `yaml:"identityJwksURL"`
	DiagnoseServiceURL         string   `yaml:"diagnoseServiceURL"`
	JWTIssuer                  string   `yaml:"jwtIssuer"`
	JWTAudience                string   `yaml:"jwtAudience"`
	JWTLeeway                  string   `yaml:"jwtLeeway"`
	InternalJWTPrivateKeyPath  string   `yaml:"internalJwtPrivateKeyPath"`
	InternalJWTKeyID           string   `yaml:"internalJwtKeyId"`
	InternalJWTIssuer          string   `yaml:"internalJwtIssuer"`
	InternalJWTTTL             string   `yaml:"internalJwtTTL"`
	DatabaseURL                string   `yaml:"databaseURL"`
	RedisAddr                  string   `yaml:"redisAddr"`
	FeedDriver                 string   `yaml:"feedDriver"`
	FeedRedisPrefix            string   `yaml:"feedRedisPrefix"`
	AMQPExchange               string   `yaml:"amqpExchange"`
	KVDriver                   string   `yaml:"kvDriver"`
	KVPath                     string   `yaml:"kvPath"`
	KVPrefix                   string   `yaml:"kvPrefix"`
	TimeZone                   string   `yaml:"timeZone"`
	SessionCacheTTL            string   `yaml:"sessionCacheTTL"`
	OperatorCacheTTL           string   `yaml:"operatorCacheTTL"`
	ChatTimeout                string   `yaml:"chatTimeout"`
	ChatTTL                    string   `yaml:"chatTTL"`
	ChatHistoryLimit           int      `yaml:"chatHistoryLimit"`
	WebhookURL                 string   `yaml:"webhookURL"`
	WebhookTimeout             string   `yaml:"webhookTimeout"`
	WhatsAppNumber             string   `yaml:"whatsAppNumber"`
	RefreshCookieName          string   `yaml:"refreshCookieName"`
	RefreshCookieDomain        string   `yaml:"refreshCookieDomain"`
	RefreshCookiePath          string   `yaml:"refreshCookiePath"`
	RefreshCookieSecure        bool     `yaml:"refreshCookieSecure"`
	RefreshCookieSameSite      string   `yaml:"refreshCookieSameSite"`
	RefreshCookieMaxAgeSeconds int      `yaml:"refreshCookieMaxAgeSeconds"`
	TrustedProxyCIDRs          []string `yaml:"trustedProxyCIDRs"`
	CORSAllowedOrigins         []string `yaml:"corsAllowedOrigins"`
	SignupRateLimitPerMinute   int      `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute    int      `yaml:"loginRateLimitPerMinute"`
	RefreshRateLimitPerMinute  int      `yaml:"refreshRateLimitPerMinute"`
	PasswordRateLimitPerMinute int      `yaml:"passwordRateLimitPerMinute"`
	BookingRateLimitPerMinute  int      `yaml:"bookingRateLimitPerMinute"`
	ChatRateLimitPerMinute     int      `yaml:"chatRateLimitPerMinute"`

	Secrets Secrets `yaml:"-"`
}

// Secrets are read from the environment only.
type Secrets struct {
	RedisPassword string `env:"REDIS_PASSWORD"`
	AMQPURL       string `env:"AMQP_URL"`
}

// Load reads config from path (defaults to config.yaml). A .env file in the
// working directory is loaded first when present.
func Load(path string) (FileConfig, error) {
	_ = godotenv.Load()
	cfg := FileConfig{
		FeedDriver:        "redis",
		KVDriver:          "badger",
		KVPath:            "data/kv",
		TimeZone:          "Asia/Kolkata",
		SessionCacheTTL:   "1m",
		OperatorCacheTTL:  "5m",
		ChatTimeout:       "8s",
		ChatHistoryLimit:  20,
		WebhookTimeout:    "5s",
		InternalJWTIssuer: "gateway",
		InternalJWTTTL:    "2m",
		RefreshCookieName: "qf_refresh",
		RefreshCookiePath: "/api/auth",
	}
	if path == "" {
		path = ConfigPath
	}
	if v := os.Getenv("QUICKFIX_CONFIG"); v != "" {
		path = v
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("GATEWAY_IDENTITY_URL"); v != "" {
		cfg.IdentityServiceURL = v
	}
	if v := os.Getenv("GATEWAY_IDENTITY_JWKS_URL"); v != "" {
		cfg.IdentityJWKSURL = v
	}
	if v := os.Getenv("GATEWAY_DIAGNOSE_URL"); v != "" {
		cfg.DiagnoseServiceURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("FEED_DRIVER"); v != "" {
		cfg.FeedDriver = v
	}
	if v := os.Getenv("KV_DRIVER"); v != "" {
		cfg.KVDriver = v
	}
	if v := os.Getenv("KV_PATH"); v != "" {
		cfg.KVPath = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("INTERNAL_JWT_PRIVATE_KEY_PATH"); v != "" {
		cfg.InternalJWTPrivateKeyPath = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("WHATSAPP_NUMBER"); v != "" {
		cfg.WhatsAppNumber = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_TIME_ZONE"); v != "" {
		cfg.TimeZone = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_REFRESH_COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.RefreshCookieSecure = b
		}
	}
	if v := os.Getenv("GATEWAY_REFRESH_COOKIE_DOMAIN"); v != "" {
		cfg.RefreshCookieDomain = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("GATEWAY_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("GATEWAY_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("GATEWAY_BOOKING_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BookingRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("GATEWAY_CHAT_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChatRateLimitPerMinute = n
		}
	}
	if err := env.Parse(&cfg.Secrets); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.IdentityServiceURL == "" {
		return errors.New("config: identityServiceURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.IdentityJWKSURL) == "" {
		return errors.New("config: identityJwksURL is required (set in config.yaml or GATEWAY_IDENTITY_JWKS_URL)")
	}
	if cfg.DiagnoseServiceURL == "" {
		return errors.New("config: diagnoseServiceURL is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for rate limiting and the change feed")
	}
	switch strings.ToLower(cfg.FeedDriver) {
	case "redis", "memory":
	case "amqp", "rabbitmq":
		if cfg.Secrets.AMQPURL == "" {
			return errors.New("config: AMQP_URL is required for the amqp feed driver")
		}
	default:
		return fmt.Errorf("config: unsupported feedDriver %q", cfg.FeedDriver)
	}
	switch strings.ToLower(cfg.KVDriver) {
	case "badger":
		if strings.TrimSpace(cfg.KVPath) == "" {
			return errors.New("config: kvPath is required for the badger kv driver")
		}
	case "redis", "memory":
	default:
		return fmt.Errorf("config: unsupported kvDriver %q", cfg.KVDriver)
	}
	if _, err := time.LoadLocation(cfg.TimeZone); err != nil {
		return fmt.Errorf("config: invalid timeZone %q: %w", cfg.TimeZone, err)
	}
	if _, err := ParseSameSite(cfg.RefreshCookieSameSite); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.ChatHistoryLimit < 0 {
		return errors.New("config: chatHistoryLimit must be >= 0")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.RefreshRateLimitPerMinute < 0 ||
		cfg.PasswordRateLimitPerMinute < 0 || cfg.BookingRateLimitPerMinute < 0 || cfg.ChatRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseDuration parses an optional duration field; empty yields zero.
func ParseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", field, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("%s must be >= 0", field)
	}
	return dur, nil
}

// ParseSameSite maps a refreshCookieSameSite value onto http.SameSite. Empty
// means lax.
func ParseSameSite(raw string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("invalid refreshCookieSameSite %q", raw)
	}
}
