package services

import (
	"context"
	"encoding/json"

	"github.com/irfndi/market-collector/internal/models"
	"github.com/irfndi/market-collector/internal/providers"
)

// Store is the persistence contract the coordinator writes through.
// database.Repository implements it.
type Store interface {
	GetOrCreateCryptocurrency(ctx context.Context, c models.Cryptocurrency) (models.Cryptocurrency, error)
	GetOrCreateExchange(ctx context.Context, e models.Exchange) (models.Exchange, error)
	GetOrCreateTradingPair(ctx context.Context, key models.TradingPairKey) (models.TradingPair, error)

	BatchInsertPrices(ctx context.Context, rows []models.PriceHistory) (int64, error)
	BatchInsertSentiment(ctx context.Context, rows []models.MarketSentiment) (int64, error)
	BatchInsertDexPairs(ctx context.Context, rows []models.DexPairSnapshot) (int64, error)
	BatchUpsertCryptocurrencies(ctx context.Context, cryptos []models.Cryptocurrency) (int64, error)
	BatchUpsertExchanges(ctx context.Context, exchanges []models.Exchange) (int64, error)
}

// Session is the lifecycle every provider client exposes.
type Session interface {
	Name() string
	Acquire() (release func(), err error)
	Close(ctx context.Context) error
}

// CoinGeckoAPI is the part of providers.CoinGecko the coordinator uses.
type CoinGeckoAPI interface {
	Session
	CoinsList(ctx context.Context, includePlatform bool) ([]json.RawMessage, error)
	CoinsMarkets(ctx context.Context, q providers.MarketsQuery) ([]json.RawMessage, error)
	CoinsMarketsTop(ctx context.Context, vsCurrency string, n int) ([]json.RawMessage, error)
	Trending(ctx context.Context) ([]json.RawMessage, error)
	Exchanges(ctx context.Context, perPage, page int) ([]json.RawMessage, error)
}

// CoinMarketCapAPI is the part of providers.CoinMarketCap the coordinator
// uses.
type CoinMarketCapAPI interface {
	Session
	QuotesLatest(ctx context.Context, symbols []string, convert string) ([]json.RawMessage, error)
	CryptocurrencyMap(ctx context.Context, listingStatus string, start, limit int) ([]json.RawMessage, error)
}

// DexAPI is the part of providers.CMCDex the coordinator uses.
type DexAPI interface {
	Session
	PairsLatestAcross(ctx context.Context, networks []string, limit int) ([]providers.NetworkRecord, error)
}

// Sources holds the enabled provider clients. A nil field means the
// provider is disabled.
type Sources struct {
	CoinGecko CoinGeckoAPI
	CMC       CoinMarketCapAPI
	CMCDex    DexAPI
}

var (
	_ CoinGeckoAPI     = (*providers.CoinGecko)(nil)
	_ CoinMarketCapAPI = (*providers.CoinMarketCap)(nil)
	_ DexAPI           = (*providers.CMCDex)(nil)
)
