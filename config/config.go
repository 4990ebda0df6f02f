// Package config provides configuration for the turn router.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/gogo/turnrouter/internal/handlers"
)

// Config holds the turn router configuration.
type Config struct {
	// Server settings
	HTTPPort     int    `yaml:"http_port"`
	InternalPort int    `yaml:"internal_port"`
	RPCAddr      string `yaml:"rpc_addr"`
	WSAPIKey     string `yaml:"ws_api_key"`

	// Store
	StoreDriver string        `yaml:"store_driver"`
	DatabaseURL string        `yaml:"database_url"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisTTL    time.Duration `yaml:"redis_ttl"`

	// LLM
	LLMProvider  string `yaml:"llm_provider"`
	LLMBaseURL   string `yaml:"llm_base_url"`
	LLMAPIKey    string `yaml:"llm_api_key"`
	LLMModel     string `yaml:"llm_model"`
	GeminiAPIKey string `yaml:"gemini_api_key"`

	// Timeouts
	ClassifierTimeout time.Duration `yaml:"classifier_timeout"`
	HandlerTimeout    time.Duration `yaml:"handler_timeout"`

	// Session lifecycle
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	EvictionInterval   time.Duration `yaml:"eviction_interval"`
	RestoreWindow      int           `yaml:"restore_window"`
	WindowMax          int           `yaml:"window_max"`
	WindowTrim         int           `yaml:"window_trim"`
	WindowTokenBudget  int           `yaml:"window_token_budget"`
	RetentionPeriod    time.Duration `yaml:"retention_period"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`

	// Dispatch policy file; empty uses the built-in policy.
	PolicyFile string `yaml:"policy_file"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Capabilities []handlers.Declaration `yaml:"capabilities"`
}

// Load loads configuration from environment variables, then overlays the
// YAML file named by CONFIG_FILE when set.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load with an explicit YAML overlay path.
func LoadFile(path string) (*Config, error) {
	cfg := fromEnv()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8080),
		InternalPort:       getEnvInt("INTERNAL_PORT", 8081),
		RPCAddr:            getEnv("RPC_ADDR", ""),
		WSAPIKey:           getEnv("WS_API_KEY", ""),
		StoreDriver:        getEnv("STORE_DRIVER", "sqlite"),
		DatabaseURL:        getEnv("DATABASE_URL", "file:turnrouter.db?cache=shared&mode=rwc"),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisTTL:           getEnvDuration("REDIS_TTL", 0),
		LLMProvider:        getEnv("LLM_PROVIDER", "openai"),
		LLMBaseURL:         getEnv("LLM_BASE_URL", "http://localhost:4000"),
		LLMAPIKey:          getEnv("LLM_API_KEY", ""),
		LLMModel:           getEnv("LLM_MODEL", "gpt-4o-mini"),
		GeminiAPIKey:       getEnv("GEMINI_API_KEY", ""),
		ClassifierTimeout:  time.Duration(getEnvInt("CLASSIFIER_TIMEOUT_MS", 10000)) * time.Millisecond,
		HandlerTimeout:     time.Duration(getEnvInt("HANDLER_TIMEOUT_MS", 30000)) * time.Millisecond,
		SessionIdleTimeout: getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		EvictionInterval:   getEnvDuration("EVICTION_INTERVAL", time.Minute),
		RestoreWindow:      getEnvInt("RESTORE_WINDOW", 20),
		WindowMax:          getEnvInt("WINDOW_MAX", 50),
		WindowTrim:         getEnvInt("WINDOW_TRIM", 30),
		WindowTokenBudget:  getEnvInt("WINDOW_TOKEN_BUDGET", 8000),
		RetentionPeriod:    time.Duration(getEnvInt("RETENTION_DAYS", 30)) * 24 * time.Hour,
		CleanupInterval:    getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		PolicyFile:         getEnv("POLICY_FILE", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "console"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
