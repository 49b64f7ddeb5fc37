package config

import (
	"errors"
	"fmt"
	"os"
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
	Port                        string   `yaml:"port"`
	LogLevel                    string   `yaml:"logLevel"`
	GenerationProvider          string   `yaml:"generationProvider"`
	GenerationBaseURL           string   `yaml:"generationBaseURL"`
	GenerationModel             string   `yaml:"generationModel"`
	GenerationTimeout           string   `yaml:"generationTimeout"`
	Temperature                 float32  `yaml:"temperature"`
	MaxOutputTokens             int      `yaml:"maxOutputTokens"`
	TopP                        float32  `yaml:"topP"`
	TopK                        int      `yaml:"topK"`
	HistoryLimit                int      `yaml:"historyLimit"`
	CORSAllowedOrigins          []string `yaml:"corsAllowedOrigins"`
	InternalJWTPublicKeyPath    string   `yaml:"internalJwtPublicKeyPath"`
	InternalJWTVerifyPublicKeys string   `yaml:"internalJwtVerifyPublicKeys"`
	InternalJWTKeyID            string   `yaml:"internalJwtKeyId"`
	InternalAllowedIssuers      []string `yaml:"internalAllowedIssuers"`

	Secrets Secrets `yaml:"-"`
}

// Secrets are read from the environment only.
type Secrets struct {
	GenerationAPIKey string `env:"GEMINI_API_KEY"`
	OpenAIAPIKey     string `env:"OPENAI_API_KEY"`
}

// APIKey returns the key for the configured provider.
func (c FileConfig) APIKey() string {
	if strings.HasPrefix(strings.ToLower(c.GenerationProvider), "openai") && c.Secrets.OpenAIAPIKey != "" {
		return c.Secrets.OpenAIAPIKey
	}
	return c.Secrets.GenerationAPIKey
}

// Load reads config from path (defaults to config.yaml). A .env file in the
// working directory is loaded first when present.
func Load(path string) (FileConfig, error) {
	_ = godotenv.Load()
	cfg := FileConfig{
		GenerationProvider: "gemini",
		GenerationModel:    "gemini-1.5-flash-latest",
		GenerationTimeout:  "5s",
		Temperature:        0.1,
		MaxOutputTokens:    200,
		TopP:               0.9,
		TopK:               20,
		HistoryLimit:       10,
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
	if v := os.Getenv("DIAGNOSE_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("GENERATION_PROVIDER"); v != "" {
		cfg.GenerationProvider = v
	}
	if v := os.Getenv("GENERATION_BASE_URL"); v != "" {
		cfg.GenerationBaseURL = v
	}
	if v := os.Getenv("GENERATION_MODEL"); v != "" {
		cfg.GenerationModel = v
	}
	if v := os.Getenv("INTERNAL_JWT_PUBLIC_KEY_PATH"); v != "" {
		cfg.InternalJWTPublicKeyPath = v
	}
	if v := os.Getenv("INTERNAL_JWT_VERIFY_PUBLIC_KEYS"); v != "" {
		cfg.InternalJWTVerifyPublicKeys = v
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
	switch strings.ToLower(cfg.GenerationProvider) {
	case "gemini", "":
		if cfg.Secrets.GenerationAPIKey == "" {
			return errors.New("config: GEMINI_API_KEY is required for the gemini provider")
		}
	case "ollama", "openai", "openai-compat":
	default:
		return fmt.Errorf("config: unsupported generationProvider %q", cfg.GenerationProvider)
	}
	if cfg.HistoryLimit <= 0 {
		return errors.New("config: historyLimit must be > 0")
	}
	if cfg.MaxOutputTokens < 0 || cfg.TopK < 0 {
		return errors.New("config: maxOutputTokens and topK must be >= 0")
	}
	if (cfg.InternalJWTPublicKeyPath != "" || cfg.InternalJWTVerifyPublicKeys != "") && len(cfg.InternalAllowedIssuers) == 0 {
		return errors.New("config: internalAllowedIssuers is required when internal jwt verification is enabled")
	}
	return nil
}

// ParseGenerationTimeout parses the provider call timeout.
func ParseGenerationTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 5 * time.Second, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid generationTimeout duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("generationTimeout must be > 0")
	}
	return dur, nil
}
