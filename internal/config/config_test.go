package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_WithDefaults(t *testing.T) {
	config, err := Load()
	require.NoError(t, err)
	require.NotNil(t, config)

	assert.Equal(t, "development", config.Environment)
	assert.Equal(t, 8000, config.Server.Port)
	assert.Equal(t, "info", config.Log.Level)

	assert.Equal(t, "postgres", config.Database.Host)
	assert.Equal(t, 5432, config.Database.Port)
	assert.Equal(t, "crypto_user", config.Database.User)
	assert.Equal(t, "crypto_market", config.Database.DBName)

	assert.Equal(t, 15, config.Providers.CoinGecko.RateLimit)
	assert.Equal(t, 15, config.Providers.CMC.RateLimit)
	assert.Equal(t, 50, config.Providers.CMCDex.RateLimit)
	assert.Equal(t, "https://api.coingecko.com/api/v3", config.Providers.CoinGecko.BaseURL)
	assert.Equal(t, "https://pro-api.coinmarketcap.com/v1", config.Providers.CMC.BaseURL)
	assert.Equal(t, "https://pro-api.coinmarketcap.com/dex/v1", config.Providers.CMCDex.BaseURL)
	assert.Equal(t, 30*time.Second, config.Providers.CoinGecko.Timeout)

	assert.Equal(t, 3, config.Retry.MaxAttempts)
	assert.Equal(t, 2.0, config.Retry.BackoffBase)
	assert.Equal(t, 2*time.Second, config.Retry.BackoffMin)
	assert.Equal(t, 10*time.Second, config.Retry.BackoffMax)

	assert.False(t, config.CircuitBreaker.Enabled)
	assert.Equal(t, uint32(5), config.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, config.CircuitBreaker.RecoveryTimeout)

	assert.Equal(t, 60*time.Second, config.Schedule.Prices.Interval)
	assert.Equal(t, 10*time.Second, config.Schedule.Prices.Grace)
	assert.Equal(t, time.Hour, config.Schedule.Metadata.Interval)
	assert.Equal(t, 5*time.Minute, config.Schedule.Sentiment.Interval)
	assert.Equal(t, 2*time.Minute, config.Schedule.DexPairs.Interval)
	assert.Equal(t, 2*time.Hour, config.Schedule.Exchanges.Interval)

	assert.Equal(t, 250, config.Collector.BatchSize)
	assert.Equal(t, "usd", config.Collector.QuoteCurrency)
	assert.Contains(t, config.Collector.CMCSymbols, "BTC")
	assert.True(t, config.Features.EnableSentimentAnalysis)
}

func TestLoad_WithEnvironmentVariables(t *testing.T) {
	t.Setenv("ENVIRONMENT", "PRODUCTION")
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("DATABASE_HOST", "prod-db.example.com")
	t.Setenv("DATABASE_PASSWORD", "prod_pass")
	t.Setenv("PROVIDERS_COINGECKO_API_KEY", "cg-key")
	t.Setenv("PROVIDERS_COINGECKO_RATE_LIMIT", "30")
	t.Setenv("PROVIDERS_CMC_DEX_ENABLED", "false")
	t.Setenv("SCHEDULE_PRICES_INTERVAL", "2m")
	t.Setenv("COLLECTOR_QUOTE_CURRENCY", "EUR")
	t.Setenv("CIRCUIT_BREAKER_ENABLED", "true")

	config, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "production", config.Environment)
	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, "prod-db.example.com", config.Database.Host)
	assert.Equal(t, "prod_pass", config.Database.Password)
	assert.Equal(t, "cg-key", config.Providers.CoinGecko.APIKey)
	assert.Equal(t, 30, config.Providers.CoinGecko.RateLimit)
	assert.False(t, config.Providers.CMCDex.Enabled)
	assert.Equal(t, 2*time.Minute, config.Schedule.Prices.Interval)
	assert.Equal(t, "eur", config.Collector.QuoteCurrency)
	assert.True(t, config.CircuitBreaker.Enabled)
}

func TestLoad_RejectsInvalidRateLimit(t *testing.T) {
	t.Setenv("PROVIDERS_CMC_RATE_LIMIT", "0")

	config, err := Load()
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "providers.cmc.rate_limit")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Providers: ProvidersConfig{
				CoinGecko: ProviderConfig{BaseURL: "http://cg", RateLimit: 15},
				CMC:       ProviderConfig{BaseURL: "http://cmc", RateLimit: 15},
				CMCDex:    ProviderConfig{BaseURL: "http://dex", RateLimit: 50},
			},
			Retry: RetryConfig{MaxAttempts: 3, BackoffMin: time.Second, BackoffMax: 10 * time.Second},
			Schedule: ScheduleConfig{
				Prices:    JobSchedule{Interval: time.Minute, Grace: 10 * time.Second},
				Metadata:  JobSchedule{Interval: time.Hour},
				Sentiment: JobSchedule{Interval: 5 * time.Minute},
				DexPairs:  JobSchedule{Interval: 2 * time.Minute},
				Exchanges: JobSchedule{Interval: 2 * time.Hour},
			},
			Collector: CollectorConfig{BatchSize: 100},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing base url", mutate: func(c *Config) { c.Providers.CMC.BaseURL = "" }, wantErr: "providers.cmc.base_url"},
		{name: "zero interval", mutate: func(c *Config) { c.Schedule.DexPairs.Interval = 0 }, wantErr: "schedule.dex_pairs.interval"},
		{name: "negative grace", mutate: func(c *Config) { c.Schedule.Prices.Grace = -time.Second }, wantErr: "schedule.prices.grace"},
		{name: "no attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }, wantErr: "retry.max_attempts"},
		{name: "inverted backoff", mutate: func(c *Config) { c.Retry.BackoffMax = time.Millisecond }, wantErr: "retry.backoff_max"},
		{name: "zero batch", mutate: func(c *Config) { c.Collector.BatchSize = 0 }, wantErr: "collector.batch_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Masked(t *testing.T) {
	config := Config{
		Database: DatabaseConfig{Password: "secret", DatabaseURL: "postgres://u:p@h/db"},
		Redis:    RedisConfig{Password: "redis-secret"},
		Providers: ProvidersConfig{
			CoinGecko: ProviderConfig{APIKey: "cg"},
			CMC:       ProviderConfig{APIKey: "cmc"},
		},
	}

	masked := config.Masked()

	assert.Equal(t, maskedValue, masked.Database.Password)
	assert.Equal(t, maskedValue, masked.Database.DatabaseURL)
	assert.Equal(t, maskedValue, masked.Redis.Password)
	assert.Equal(t, maskedValue, masked.Providers.CoinGecko.APIKey)
	assert.Equal(t, maskedValue, masked.Providers.CMC.APIKey)
	assert.Empty(t, masked.Providers.CMCDex.APIKey)

	// the original is untouched
	assert.Equal(t, "secret", config.Database.Password)
	assert.Equal(t, "cg", config.Providers.CoinGecko.APIKey)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "market", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/market?sslmode=disable", d.DSN())

	d.DatabaseURL = "postgres://override"
	assert.Equal(t, "postgres://override", d.DSN())
}

func TestRedisConfig_Addr(t *testing.T) {
	assert.Equal(t, "cache:6380", RedisConfig{Host: "cache", Port: 6380}.Addr())
}
