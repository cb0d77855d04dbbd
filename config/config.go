package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	SchedulerConfig    SchedulerConfig    `json:"scheduler"`
	PipelineConfig     PipelineConfig     `json:"pipeline"`
	RiskConfig         RiskConfig         `json:"risk"`
	ExchangeConfig     ExchangeConfig     `json:"exchange"`
	VaultConfig        VaultConfig        `json:"vault"`
	NotificationConfig NotificationConfig `json:"notification"`
	ServerConfig       ServerConfig       `json:"server"`
	LoggingConfig      LoggingConfig      `json:"logging"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis settings for locks and work queues
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// SchedulerConfig holds the dispatch loop settings
type SchedulerConfig struct {
	Enabled      bool          `json:"enabled"`
	ScanInterval time.Duration `json:"scan_interval"` // cadence of the due-subscription scan
	BatchSize    int           `json:"batch_size"`    // max subscriptions dispatched per scan
}

// PipelineConfig holds per-run execution settings
type PipelineConfig struct {
	LockTTL         time.Duration `json:"lock_ttl"`          // must exceed worst-case run duration
	SoftTimeout     time.Duration `json:"soft_timeout"`      // graceful-cleanup window per run
	HardTimeout     time.Duration `json:"hard_timeout"`      // forced termination per run
	ErrorRetryDelay time.Duration `json:"error_retry_delay"` // next_run_at offset after a failed run
	ActiveWorkers   int           `json:"active_workers"`    // workers on the active-bot queue
	SignalWorkers   int           `json:"signal_workers"`    // workers on the signals-only queue
	RPAWorkers      int           `json:"rpa_workers"`       // workers on the RPA queue
	NotifyWorkers   int           `json:"notify_workers"`    // workers on the notification queue
	DryRun          bool          `json:"dry_run"`           // evaluate everything, place no live trades
}

// RiskConfig controls how the risk gate itself behaves. Per-bot and
// per-subscription rule values live in the database.
type RiskConfig struct {
	FailOpen bool `json:"fail_open"` // approve on internal evaluator error
}

// ExchangeConfig holds exchange REST client settings
type ExchangeConfig struct {
	BaseURL    string        `json:"base_url"`
	Timeout    time.Duration `json:"timeout"`
	RetryCount int           `json:"retry_count"`
	TestNet    bool          `json:"testnet"`
}

// VaultConfig holds HashiCorp Vault configuration for exchange credentials
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// NotificationConfig holds notification sink settings
type NotificationConfig struct {
	Enabled    bool           `json:"enabled"`
	Telegram   TelegramConfig `json:"telegram"`
	WebhookURL string         `json:"webhook_url"` // generic JSON webhook sink, empty disables
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   int64  `json:"chat_id"` // default chat when a message has no target
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

func Load() (*Config, error) {
	// Base config from file when present, env overrides always win
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PipelineConfig.LockTTL <= c.PipelineConfig.HardTimeout {
		return fmt.Errorf("lock TTL (%s) must exceed the hard run timeout (%s)",
			c.PipelineConfig.LockTTL, c.PipelineConfig.HardTimeout)
	}
	if c.PipelineConfig.SoftTimeout > c.PipelineConfig.HardTimeout {
		return fmt.Errorf("soft timeout (%s) must not exceed hard timeout (%s)",
			c.PipelineConfig.SoftTimeout, c.PipelineConfig.HardTimeout)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "bot_engine")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "bot_engine")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	// Redis
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Scheduler
	cfg.SchedulerConfig.Enabled = getEnvOrDefault("SCHEDULER_ENABLED", "true") == "true"
	cfg.SchedulerConfig.ScanInterval = getEnvDurationOrDefault("SCHEDULER_SCAN_INTERVAL", 60*time.Second)
	cfg.SchedulerConfig.BatchSize = getEnvIntOrDefault("SCHEDULER_BATCH_SIZE", 200)

	// Pipeline
	cfg.PipelineConfig.LockTTL = getEnvDurationOrDefault("PIPELINE_LOCK_TTL", 5*time.Minute)
	cfg.PipelineConfig.SoftTimeout = getEnvDurationOrDefault("PIPELINE_SOFT_TIMEOUT", 2*time.Minute)
	cfg.PipelineConfig.HardTimeout = getEnvDurationOrDefault("PIPELINE_HARD_TIMEOUT", 3*time.Minute)
	cfg.PipelineConfig.ErrorRetryDelay = getEnvDurationOrDefault("PIPELINE_ERROR_RETRY_DELAY", 5*time.Minute)
	cfg.PipelineConfig.ActiveWorkers = getEnvIntOrDefault("PIPELINE_ACTIVE_WORKERS", 8)
	cfg.PipelineConfig.SignalWorkers = getEnvIntOrDefault("PIPELINE_SIGNAL_WORKERS", 4)
	cfg.PipelineConfig.RPAWorkers = getEnvIntOrDefault("PIPELINE_RPA_WORKERS", 2)
	cfg.PipelineConfig.NotifyWorkers = getEnvIntOrDefault("PIPELINE_NOTIFY_WORKERS", 4)
	cfg.PipelineConfig.DryRun = getEnvOrDefault("PIPELINE_DRY_RUN", "false") == "true"

	// Risk gate behavior
	cfg.RiskConfig.FailOpen = getEnvOrDefault("RISK_FAIL_OPEN", "true") == "true"

	// Exchange
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	if cfg.ExchangeConfig.BaseURL == "" {
		cfg.ExchangeConfig.BaseURL = "https://api.binance.com"
	}
	cfg.ExchangeConfig.Timeout = getEnvDurationOrDefault("EXCHANGE_TIMEOUT", 15*time.Second)
	cfg.ExchangeConfig.RetryCount = getEnvIntOrDefault("EXCHANGE_RETRY_COUNT", 3)
	cfg.ExchangeConfig.TestNet = getEnvOrDefault("EXCHANGE_TESTNET", "false") == "true"

	// Vault
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "bot-engine/api-keys")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	// Notifications
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = int64(getEnvIntOrDefault("TELEGRAM_CHAT_ID", int(cfg.NotificationConfig.Telegram.ChatID)))
	cfg.NotificationConfig.WebhookURL = getEnvOrDefault("NOTIFY_WEBHOOK_URL", cfg.NotificationConfig.WebhookURL)

	// Ops server
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8088)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LoggingConfig.Pretty = getEnvOrDefault("LOG_PRETTY", "false") == "true"
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
