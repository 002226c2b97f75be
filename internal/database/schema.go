package database

import (
	"context"
	"fmt"
)

// schemaStatements create the collector tables. Every statement is
// idempotent so EnsureSchema can run on every start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS cryptocurrencies (
		id BIGSERIAL PRIMARY KEY,
		symbol VARCHAR(20) NOT NULL UNIQUE,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS exchanges (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(100) NOT NULL UNIQUE,
		display_name VARCHAR(255) NOT NULL,
		country VARCHAR(100),
		website VARCHAR(500),
		established_year INTEGER,
		trust_score INTEGER CHECK (trust_score BETWEEN 0 AND 10),
		trading_volume_24h_btc NUMERIC(30, 8),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS trading_pairs (
		id BIGSERIAL PRIMARY KEY,
		exchange_id BIGINT NOT NULL REFERENCES exchanges(id) ON DELETE CASCADE,
		crypto_id BIGINT NOT NULL REFERENCES cryptocurrencies(id) ON DELETE CASCADE,
		base_currency VARCHAR(20) NOT NULL,
		quote_currency VARCHAR(20) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (exchange_id, crypto_id, base_currency, quote_currency)
	)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id BIGSERIAL PRIMARY KEY,
		trading_pair_id BIGINT NOT NULL REFERENCES trading_pairs(id) ON DELETE CASCADE,
		open NUMERIC(24, 8) NOT NULL,
		high NUMERIC(24, 8) NOT NULL,
		low NUMERIC(24, 8) NOT NULL,
		close NUMERIC(24, 8) NOT NULL,
		volume NUMERIC(30, 8) NOT NULL DEFAULT 0,
		market_cap NUMERIC(30, 2),
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS market_sentiment (
		id BIGSERIAL PRIMARY KEY,
		crypto_id BIGINT NOT NULL REFERENCES cryptocurrencies(id) ON DELETE CASCADE,
		source VARCHAR(100) NOT NULL,
		sentiment_score NUMERIC(3, 2) NOT NULL CHECK (sentiment_score BETWEEN -1 AND 1),
		sentiment_label VARCHAR(20) NOT NULL,
		mentions_count INTEGER NOT NULL DEFAULT 0 CHECK (mentions_count >= 0),
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS dex_pair_snapshots (
		id BIGSERIAL PRIMARY KEY,
		pair_address VARCHAR(100) NOT NULL,
		blockchain VARCHAR(50) NOT NULL,
		dex_name VARCHAR(100) NOT NULL,
		base_symbol VARCHAR(20) NOT NULL,
		quote_symbol VARCHAR(20) NOT NULL,
		price_usd NUMERIC(30, 12) NOT NULL DEFAULT 0,
		liquidity_usd NUMERIC(30, 2) NOT NULL DEFAULT 0,
		volume_24h_usd NUMERIC(30, 2) NOT NULL DEFAULT 0,
		price_change_24h NUMERIC(12, 4),
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trading_pairs_exchange ON trading_pairs (exchange_id)`,
	`CREATE INDEX IF NOT EXISTS idx_trading_pairs_crypto ON trading_pairs (crypto_id)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_pair_recorded ON price_history (trading_pair_id, recorded_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_market_sentiment_crypto_recorded ON market_sentiment (crypto_id, recorded_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_dex_pair_snapshots_pair ON dex_pair_snapshots (blockchain, pair_address, recorded_at DESC)`,
}

// EnsureSchema creates any missing tables and indexes.
func EnsureSchema(ctx context.Context, pool DatabasePool) error {
	for i, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return wrap("ensure_schema", fmt.Errorf("statement %d: %w", i+1, err))
		}
	}
	return nil
}
