package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const maskedValue = "****"

type Config struct {
	Environment    string               `mapstructure:"environment"`
	Server         ServerConfig         `mapstructure:"server"`
	Log            LogConfig            `mapstructure:"log"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Providers      ProvidersConfig      `mapstructure:"providers"`
	Retry          RetryConfig          `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Schedule       ScheduleConfig       `mapstructure:"schedule"`
	Features       FeaturesConfig       `mapstructure:"features"`
	Collector      CollectorConfig      `mapstructure:"collector"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Telemetry      TelemetryConfig      `mapstructure:"telemetry"`
	Sentry         SentryConfig         `mapstructure:"sentry"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	DatabaseURL     string        `mapstructure:"database_url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ProvidersConfig struct {
	CoinGecko ProviderConfig `mapstructure:"coingecko"`
	CMC       ProviderConfig `mapstructure:"cmc"`
	CMCDex    ProviderConfig `mapstructure:"cmc_dex"`
}

// ProviderConfig describes one upstream market-data API.
// RateLimit is expressed in calls per minute.
type ProviderConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	RateLimit int           `mapstructure:"rate_limit"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase float64       `mapstructure:"backoff_base"`
	BackoffMin  time.Duration `mapstructure:"backoff_min"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// JobSchedule is the trigger interval and misfire grace of one fetch job.
type JobSchedule struct {
	Interval time.Duration `mapstructure:"interval"`
	Grace    time.Duration `mapstructure:"grace"`
}

type ScheduleConfig struct {
	Prices     JobSchedule `mapstructure:"prices"`
	Metadata   JobSchedule `mapstructure:"metadata"`
	Sentiment  JobSchedule `mapstructure:"sentiment"`
	DexPairs   JobSchedule `mapstructure:"dex_pairs"`
	Exchanges  JobSchedule `mapstructure:"exchanges"`
	RunOnStart bool        `mapstructure:"run_on_start"`
}

type FeaturesConfig struct {
	EnableSentimentAnalysis bool `mapstructure:"enable_sentiment_analysis"`
}

type CollectorConfig struct {
	BatchSize        int      `mapstructure:"batch_size"`
	QuoteCurrency    string   `mapstructure:"quote_currency"`
	CMCSymbols       []string `mapstructure:"cmc_symbols"`
	DexNetworks      []string `mapstructure:"dex_networks"`
	DexPairLimit     int      `mapstructure:"dex_pair_limit"`
	BatchConcurrency int      `mapstructure:"batch_concurrency"`
}

type CacheConfig struct {
	IdentityTTL time.Duration `mapstructure:"identity_ttl"`
}

// SentryConfig enables error reporting. Release and Environment fall back
// to the telemetry service version and the process environment.
type SentryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
	Release     string `mapstructure:"release"`
}

type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Exporter       string  `mapstructure:"exporter"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRate     float64 `mapstructure:"sample_rate"`
	ExportLogs     bool    `mapstructure:"export_logs"`
}

// Load reads configuration from an optional .env file, an optional
// config.yaml and the process environment, in increasing precedence.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	config.Environment = strings.ToLower(config.Environment)
	config.Collector.QuoteCurrency = strings.ToLower(config.Collector.QuoteCurrency)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings that would stall or break the fetch jobs.
func (c *Config) Validate() error {
	providers := map[string]ProviderConfig{
		"coingecko": c.Providers.CoinGecko,
		"cmc":       c.Providers.CMC,
		"cmc_dex":   c.Providers.CMCDex,
	}
	for name, p := range providers {
		if p.RateLimit <= 0 {
			return fmt.Errorf("providers.%s.rate_limit must be positive, got %d", name, p.RateLimit)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("providers.%s.base_url is required", name)
		}
	}

	jobs := map[string]JobSchedule{
		"prices":    c.Schedule.Prices,
		"metadata":  c.Schedule.Metadata,
		"sentiment": c.Schedule.Sentiment,
		"dex_pairs": c.Schedule.DexPairs,
		"exchanges": c.Schedule.Exchanges,
	}
	for name, j := range jobs {
		if j.Interval <= 0 {
			return fmt.Errorf("schedule.%s.interval must be positive", name)
		}
		if j.Grace < 0 {
			return fmt.Errorf("schedule.%s.grace must not be negative", name)
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BackoffMax < c.Retry.BackoffMin {
		return errors.New("retry.backoff_max must not be lower than retry.backoff_min")
	}
	if c.Collector.BatchSize <= 0 {
		return fmt.Errorf("collector.batch_size must be positive, got %d", c.Collector.BatchSize)
	}
	return nil
}

// Masked returns a copy safe to log: credentials are replaced.
func (c Config) Masked() Config {
	masked := c
	masked.Database.Password = maskSecret(c.Database.Password)
	masked.Database.DatabaseURL = maskSecret(c.Database.DatabaseURL)
	masked.Redis.Password = maskSecret(c.Redis.Password)
	masked.Providers.CoinGecko.APIKey = maskSecret(c.Providers.CoinGecko.APIKey)
	masked.Providers.CMC.APIKey = maskSecret(c.Providers.CMC.APIKey)
	masked.Providers.CMCDex.APIKey = maskSecret(c.Providers.CMCDex.APIKey)
	masked.Sentry.DSN = maskSecret(c.Sentry.DSN)
	masked.Collector.CMCSymbols = append([]string(nil), c.Collector.CMCSymbols...)
	masked.Collector.DexNetworks = append([]string(nil), c.Collector.DexNetworks...)
	return masked
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return maskedValue
}

// DSN builds the PostgreSQL connection string, preferring DatabaseURL.
func (d DatabaseConfig) DSN() string {
	if d.DatabaseURL != "" {
		return d.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func setDefaults(v *viper.Viper) {
	// Environment
	v.SetDefault("environment", "development")

	// Server
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.shutdown_timeout", "30s")

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	// Database
	v.SetDefault("database.host", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "crypto_user")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "crypto_market")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.database_url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.conn_max_idle_time", "5m")
	v.SetDefault("database.ensure_schema", true)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Providers
	v.SetDefault("providers.coingecko.enabled", true)
	v.SetDefault("providers.coingecko.api_key", "")
	v.SetDefault("providers.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("providers.coingecko.rate_limit", 15)
	v.SetDefault("providers.coingecko.timeout", "30s")

	v.SetDefault("providers.cmc.enabled", true)
	v.SetDefault("providers.cmc.api_key", "")
	v.SetDefault("providers.cmc.base_url", "https://pro-api.coinmarketcap.com/v1")
	v.SetDefault("providers.cmc.rate_limit", 15)
	v.SetDefault("providers.cmc.timeout", "30s")

	v.SetDefault("providers.cmc_dex.enabled", true)
	v.SetDefault("providers.cmc_dex.api_key", "")
	v.SetDefault("providers.cmc_dex.base_url", "https://pro-api.coinmarketcap.com/dex/v1")
	v.SetDefault("providers.cmc_dex.rate_limit", 50)
	v.SetDefault("providers.cmc_dex.timeout", "30s")

	// Retry
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_base", 2.0)
	v.SetDefault("retry.backoff_min", "2s")
	v.SetDefault("retry.backoff_max", "10s")

	// Circuit breaker
	v.SetDefault("circuit_breaker.enabled", false)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.recovery_timeout", "60s")

	// Schedule
	v.SetDefault("schedule.prices.interval", "60s")
	v.SetDefault("schedule.prices.grace", "10s")
	v.SetDefault("schedule.metadata.interval", "1h")
	v.SetDefault("schedule.metadata.grace", "60s")
	v.SetDefault("schedule.sentiment.interval", "5m")
	v.SetDefault("schedule.sentiment.grace", "30s")
	v.SetDefault("schedule.dex_pairs.interval", "2m")
	v.SetDefault("schedule.dex_pairs.grace", "30s")
	v.SetDefault("schedule.exchanges.interval", "2h")
	v.SetDefault("schedule.exchanges.grace", "60s")
	v.SetDefault("schedule.run_on_start", true)

	// Features
	v.SetDefault("features.enable_sentiment_analysis", true)

	// Collector
	v.SetDefault("collector.batch_size", 250)
	v.SetDefault("collector.quote_currency", "usd")
	v.SetDefault("collector.cmc_symbols", []string{"BTC", "ETH", "BNB", "SOL", "XRP", "ADA", "DOGE"})
	v.SetDefault("collector.dex_networks", []string{"ethereum", "bsc"})
	v.SetDefault("collector.dex_pair_limit", 100)
	v.SetDefault("collector.batch_concurrency", 4)

	// Cache
	v.SetDefault("cache.identity_ttl", "24h")

	// Telemetry
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", "stdout")
	v.SetDefault("telemetry.otlp_endpoint", "http://localhost:4318")
	v.SetDefault("telemetry.service_name", "market-collector")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.sample_rate", 1.0)
	v.SetDefault("telemetry.export_logs", false)

	// Sentry
	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "")
	v.SetDefault("sentry.release", "")
}
