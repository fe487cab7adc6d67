// Package config provides configuration for the run service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the run service configuration.
type Config struct {
	// Server settings
	HTTPPort     int
	InternalPort int

	// Storage and fan-out
	DatabaseURL string
	RedisURL    string

	// Provider
	Mode       string
	LLMBaseURL string
	LLMAPIKey  string

	// LLMTokensPerMin enables the provider rate limiter when positive.
	LLMTokensPerMin int

	// Timeouts
	LLMTimeout  time.Duration
	ToolTimeout time.Duration

	// Run execution
	MaxConcurrentRuns int
	RunQueueSize      int
	MaxTurns          int

	// Tools
	WorkspaceRoot    string
	NotifyWebhookURL string
	PolicyFile       string

	// Logging
	LogFormat string
	LogLevel  string
}

// fileConfig is the YAML form of Config. Zero values leave the default.
type fileConfig struct {
	HTTPPort          int    `yaml:"http_port"`
	InternalPort      int    `yaml:"internal_port"`
	DatabaseURL       string `yaml:"database_url"`
	RedisURL          string `yaml:"redis_url"`
	LLMBaseURL        string `yaml:"llm_base_url"`
	LLMAPIKey         string `yaml:"llm_api_key"`
	LLMTimeoutMs      int    `yaml:"llm_timeout_ms"`
	LLMTokensPerMin   int    `yaml:"llm_tokens_per_minute"`
	ToolTimeoutMs     int    `yaml:"tool_timeout_ms"`
	MaxConcurrentRuns int    `yaml:"max_concurrent_runs"`
	RunQueueSize      int    `yaml:"run_queue_size"`
	MaxTurns          int    `yaml:"max_turns"`
	WorkspaceRoot     string `yaml:"workspace_root"`
	NotifyWebhookURL  string `yaml:"notify_webhook_url"`
	PolicyFile        string `yaml:"policy_file"`
	LogFormat         string `yaml:"log_format"`
	LogLevel          string `yaml:"log_level"`
}

// Load loads configuration from defaults, then the YAML file named by
// CONFIG_FILE if any, then environment variables.
func Load() (*Config, error) {
	fc := fileConfig{
		HTTPPort:          8080,
		InternalPort:      8081,
		DatabaseURL:       "file:agentrun.db?mode=rwc&_txlock=immediate&_busy_timeout=5000&_foreign_keys=on",
		LLMBaseURL:        "http://localhost:4000",
		LLMTimeoutMs:      300000,
		ToolTimeoutMs:     60000,
		MaxConcurrentRuns: 4,
		RunQueueSize:      64,
		MaxTurns:          8,
		WorkspaceRoot:     ".",
		LogFormat:         "json",
		LogLevel:          "info",
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &fc); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		HTTPPort:          getEnvInt("HTTP_PORT", fc.HTTPPort),
		InternalPort:      getEnvInt("INTERNAL_PORT", fc.InternalPort),
		DatabaseURL:       getEnv("DATABASE_URL", fc.DatabaseURL),
		RedisURL:          getEnv("REDIS_URL", fc.RedisURL),
		Mode:              getEnv("GOGO_MODE", ""),
		LLMBaseURL:        getEnv("LLM_BASE_URL", fc.LLMBaseURL),
		LLMAPIKey:         getEnv("LLM_API_KEY", fc.LLMAPIKey),
		LLMTokensPerMin:   getEnvInt("LLM_TOKENS_PER_MINUTE", fc.LLMTokensPerMin),
		LLMTimeout:        time.Duration(getEnvInt("LLM_TIMEOUT_MS", fc.LLMTimeoutMs)) * time.Millisecond,
		ToolTimeout:       time.Duration(getEnvInt("TOOL_TIMEOUT_MS", fc.ToolTimeoutMs)) * time.Millisecond,
		MaxConcurrentRuns: getEnvInt("MAX_CONCURRENT_RUNS", fc.MaxConcurrentRuns),
		RunQueueSize:      getEnvInt("RUN_QUEUE_SIZE", fc.RunQueueSize),
		MaxTurns:          getEnvInt("MAX_TURNS", fc.MaxTurns),
		WorkspaceRoot:     getEnv("WORKSPACE_ROOT", fc.WorkspaceRoot),
		NotifyWebhookURL:  getEnv("NOTIFY_WEBHOOK_URL", fc.NotifyWebhookURL),
		PolicyFile:        getEnv("POLICY_FILE", fc.PolicyFile),
		LogFormat:         getEnv("LOG_FORMAT", fc.LogFormat),
		LogLevel:          getEnv("LOG_LEVEL", fc.LogLevel),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, fc *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var overlay fileConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	mergeInt(&fc.HTTPPort, overlay.HTTPPort)
	mergeInt(&fc.InternalPort, overlay.InternalPort)
	mergeString(&fc.DatabaseURL, overlay.DatabaseURL)
	mergeString(&fc.RedisURL, overlay.RedisURL)
	mergeString(&fc.LLMBaseURL, overlay.LLMBaseURL)
	mergeString(&fc.LLMAPIKey, overlay.LLMAPIKey)
	mergeInt(&fc.LLMTimeoutMs, overlay.LLMTimeoutMs)
	mergeInt(&fc.LLMTokensPerMin, overlay.LLMTokensPerMin)
	mergeInt(&fc.ToolTimeoutMs, overlay.ToolTimeoutMs)
	mergeInt(&fc.MaxConcurrentRuns, overlay.MaxConcurrentRuns)
	mergeInt(&fc.RunQueueSize, overlay.RunQueueSize)
	mergeInt(&fc.MaxTurns, overlay.MaxTurns)
	mergeString(&fc.WorkspaceRoot, overlay.WorkspaceRoot)
	mergeString(&fc.NotifyWebhookURL, overlay.NotifyWebhookURL)
	mergeString(&fc.PolicyFile, overlay.PolicyFile)
	mergeString(&fc.LogFormat, overlay.LogFormat)
	mergeString(&fc.LogLevel, overlay.LogLevel)
	return nil
}

func (c *Config) validate() error {
	switch {
	case c.MaxConcurrentRuns <= 0:
		return fmt.Errorf("MAX_CONCURRENT_RUNS must be positive, got %d", c.MaxConcurrentRuns)
	case c.RunQueueSize < 0:
		return fmt.Errorf("RUN_QUEUE_SIZE must not be negative, got %d", c.RunQueueSize)
	case c.MaxTurns <= 0:
		return fmt.Errorf("MAX_TURNS must be positive, got %d", c.MaxTurns)
	}
	return nil
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
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
