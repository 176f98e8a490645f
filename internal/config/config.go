package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "OMNINOC_"

type Config struct {
	Env       string          `koanf:"env"`
	GinMode   string          `koanf:"gin_mode"`
	AppKey    string          `koanf:"app_key"`
	Server    ServerConfig    `koanf:"server" validate:"required"`
	Database  DatabaseConfig  `koanf:"database" validate:"required"`
	Auth      AuthConfig      `koanf:"auth" validate:"required"`
	Loki      LokiConfig      `koanf:"loki"`
	LLM       LLMConfig       `koanf:"llm"`
	Assistant AssistantConfig `koanf:"assistant" validate:"required"`
}

type ServerConfig struct {
	Port            string        `koanf:"port" validate:"required"`
	CORSOrigin      string        `koanf:"cors_origin"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	Driver   string `koanf:"driver" validate:"oneof=pgx postgres"`
	URL      string `koanf:"url"`
	Host     string `koanf:"host" validate:"required_without=URL"`
	Port     string `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Name     string `koanf:"name" validate:"required_without=URL"`
	SSLMode  string `koanf:"ssl_mode"`
}

// DSN returns the explicit URL when one is set, otherwise a key/value DSN.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret" validate:"required"`
}

// LokiConfig carries the platform defaults used when a project has no
// observability row of its own.
type LokiConfig struct {
	PushURL               string        `koanf:"push_url"`
	Username              string        `koanf:"username"`
	Password              string        `koanf:"password"`
	ConnectTimeout        time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	Timeout               time.Duration `koanf:"timeout" validate:"gt=0"`
	DefaultRetentionHours int           `koanf:"default_retention_hours" validate:"gte=24,lte=720"`
}

// LLMConfig holds the global AI backend credentials. Tenant keys stored in
// company_llm_keys take precedence unless ForceGlobal is set.
type LLMConfig struct {
	ForceGlobal    bool          `koanf:"force_global"`
	Provider       string        `koanf:"provider"`
	APIKey         string        `koanf:"api_key"`
	Model          string        `koanf:"model"`
	BaseURL        string        `koanf:"base_url"`
	OpenAIAPIKey   string        `koanf:"openai_api_key"`
	OpenAIModel    string        `koanf:"openai_model"`
	OpenAIBaseURL  string        `koanf:"openai_base_url"`
	ZAIAPIKey      string        `koanf:"zai_api_key"`
	ZAIModel       string        `koanf:"zai_model"`
	ZAIBaseURL     string        `koanf:"zai_base_url"`
	Temperature    float32       `koanf:"temperature" validate:"gte=0,lte=2"`
	MaxTokens      int           `koanf:"max_tokens" validate:"gt=0"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	Timeout        time.Duration `koanf:"timeout" validate:"gt=0"`
	AppURL         string        `koanf:"app_url"`
	AppTitle       string        `koanf:"app_title"`
}

// AssistantConfig bounds how much log data each assistant operation pulls.
type AssistantConfig struct {
	ChatFetchLimit     int           `koanf:"chat_fetch_limit" validate:"gte=1,lte=5000"`
	AnalysisFetchLimit int           `koanf:"analysis_fetch_limit" validate:"gte=1,lte=5000"`
	PanelLimit         int           `koanf:"panel_limit" validate:"gte=1,lte=5000"`
	SnapshotLimit      int           `koanf:"snapshot_limit" validate:"gte=1,lte=120"`
	HistoryLimit       int           `koanf:"history_limit" validate:"gte=0,lte=300"`
	TurnStaleAfter     time.Duration `koanf:"turn_stale_after" validate:"gt=0"`
	TurnsPerMinute     int           `koanf:"turns_per_minute" validate:"gte=1"`
	TurnBurst          int           `koanf:"turn_burst" validate:"gte=1"`
}

// Default returns the configuration used before the environment is applied.
func Default() *Config {
	return &Config{
		Env:     "local",
		GinMode: "debug",
		Server: ServerConfig{
			Port:            "8080",
			CORSOrigin:      "http://localhost:5173",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:  "pgx",
			Port:    "5432",
			SSLMode: "disable",
		},
		Loki: LokiConfig{
			ConnectTimeout:        5 * time.Second,
			Timeout:               12 * time.Second,
			DefaultRetentionHours: 168,
		},
		LLM: LLMConfig{
			Temperature:    0.2,
			MaxTokens:      900,
			ConnectTimeout: 8 * time.Second,
			Timeout:        70 * time.Second,
			AppTitle:       "OmniNOC",
		},
		Assistant: AssistantConfig{
			ChatFetchLimit:     500,
			AnalysisFetchLimit: 600,
			PanelLimit:         250,
			SnapshotLimit:      120,
			HistoryLimit:       24,
			TurnStaleAfter:     5 * time.Minute,
			TurnsPerMinute:     12,
			TurnBurst:          3,
		},
	}
}

// legacyKeys maps the unprefixed variables the console already exports to
// config paths. OMNINOC_* variables are loaded afterwards and win.
var legacyKeys = map[string]string{
	"ENV":                   "env",
	"GIN_MODE":              "gin_mode",
	"APP_KEY":               "app_key",
	"PORT":                  "server.port",
	"CORS_ORIGIN":           "server.cors_origin",
	"DATABASE_URL":          "database.url",
	"DB_DRIVER":             "database.driver",
	"DB_HOST":               "database.host",
	"DB_PORT":               "database.port",
	"DB_USER":               "database.user",
	"DB_PASSWORD":           "database.password",
	"DB_NAME":               "database.name",
	"DB_SSLMODE":            "database.ssl_mode",
	"JWT_SECRET":            "auth.jwt_secret",
	"OMNINOC_LOKI_PUSH_URL": "loki.push_url",
	"OMNINOC_LOKI_USERNAME": "loki.username",
	"OMNINOC_LOKI_PASSWORD": "loki.password",
	"LLM_FORCE_GLOBAL":      "llm.force_global",
	"LLM_GLOBAL_PROVIDER":   "llm.provider",
	"LLM_GLOBAL_API_KEY":    "llm.api_key",
	"LLM_GLOBAL_MODEL":      "llm.model",
	"LLM_GLOBAL_BASE_URL":   "llm.base_url",
	"OPENAI_API_KEY":        "llm.openai_api_key",
	"OPENAI_MODEL":          "llm.openai_model",
	"OPENAI_BASE_URL":       "llm.openai_base_url",
	"ZAI_API_KEY":           "llm.zai_api_key",
	"ZAI_MODEL":             "llm.zai_model",
	"ZAI_BASE_URL":          "llm.zai_base_url",
	"APP_URL":               "llm.app_url",
}

// Load reads .env (when present) and the process environment into a validated Config.
// Nested OMNINOC_ keys use a double underscore, e.g. OMNINOC_ASSISTANT__PANEL_LIMIT.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	err := k.Load(env.Provider("", ".", func(s string) string {
		return legacyKeys[s]
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("could not load legacy env variables: %w", err)
	}

	err = k.Load(env.Provider(envPrefix, ".", func(s string) string {
		if _, legacy := legacyKeys[s]; legacy {
			return ""
		}
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("could not load env variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
