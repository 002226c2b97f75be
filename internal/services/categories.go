package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/irfndi/market-collector/internal/pipeline"
	"github.com/irfndi/market-collector/internal/providers"
	"github.com/irfndi/market-collector/internal/transform"
)

// Prices are stored against a per-provider aggregate exchange, since the
// providers report a blended price rather than one venue's.
var aggregateExchanges = map[string]string{
	providers.CoinGeckoName: "CoinGecko",
	providers.CMCName:       "CoinMarketCap",
}

// FetchAndStorePrices stores one price snapshot per coin. CoinGecko is the
// primary source; CoinMarketCap quotes for the configured symbols are used
// when CoinGecko is disabled.
func (c *DataCoordinator) FetchAndStorePrices(ctx context.Context) int {
	quote := c.opts.QuoteCurrency

	switch {
	case c.sources.CoinGecko != nil:
		cg := c.sources.CoinGecko
		fetch := func(ctx context.Context) ([]json.RawMessage, error) {
			if c.opts.BatchSize > providers.CoinGeckoMaxPerPage {
				return cg.CoinsMarketsTop(ctx, quote, c.opts.BatchSize)
			}
			return cg.CoinsMarkets(ctx, providers.MarketsQuery{VsCurrency: quote, PerPage: c.opts.BatchSize, Page: 1})
		}
		mapRecord := func(raw json.RawMessage, now time.Time) (transform.PriceQuote, error) {
			return transform.CoinGeckoMarket(raw, quote, now)
		}
		return c.runCycle(ctx, CategoryPrices, providers.CoinGeckoName, c.priceStages(cg, providers.CoinGeckoName, fetch, mapRecord))

	case c.sources.CMC != nil && len(c.opts.CMCSymbols) > 0:
		cmc := c.sources.CMC
		fetch := func(ctx context.Context) ([]json.RawMessage, error) {
			return cmc.QuotesLatest(ctx, c.opts.CMCSymbols, quote)
		}
		mapRecord := func(raw json.RawMessage, now time.Time) (transform.PriceQuote, error) {
			return transform.CMCQuote(raw, quote, now)
		}
		return c.runCycle(ctx, CategoryPrices, providers.CMCName, c.priceStages(cmc, providers.CMCName, fetch, mapRecord))

	default:
		c.logger.WithField("category", CategoryPrices).Debug("No price source enabled")
		return 0
	}
}

func (c *DataCoordinator) priceStages(
	src Session,
	exchange string,
	fetch func(context.Context) ([]json.RawMessage, error),
	mapRecord func(json.RawMessage, time.Time) (transform.PriceQuote, error),
) stages {
	return stages{
		fetch: c.fetchStage(src, fetch),
		transform: func(ctx context.Context, cy *cycle) (*cycle, error) {
			exchangeID, err := c.resolveExchange(ctx, exchange, aggregateExchanges[exchange])
			if err != nil {
				return nil, err
			}
			now := c.now()
			for i, raw := range cy.raw {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				q, err := mapRecord(raw, now)
				var pairID int64
				if err == nil {
					pairID, err = c.resolvePair(ctx, exchangeID, q)
				}
				if err != nil {
					c.recordFailure(cy, i, err)
					continue
				}
				cy.prices = append(cy.prices, q.History(pairID))
			}
			return cy, nil
		},
		persist: func(ctx context.Context, cy *cycle) (*cycle, error) {
			n, err := c.store.BatchInsertPrices(ctx, cy.prices)
			if err != nil {
				return nil, err
			}
			cy.result.RecordsInserted = int(n)
			return cy, nil
		},
	}
}

// FetchAndStoreMetadata upserts the first batch of the provider's coin
// list.
func (c *DataCoordinator) FetchAndStoreMetadata(ctx context.Context) int {
	var (
		src       Session
		source    string
		fetch     func(context.Context) ([]json.RawMessage, error)
		mapRecord = transform.CoinGeckoCoin
	)

	switch {
	case c.sources.CoinGecko != nil:
		cg := c.sources.CoinGecko
		src, source = cg, providers.CoinGeckoName
		fetch = func(ctx context.Context) ([]json.RawMessage, error) {
			coins, err := cg.CoinsList(ctx, false)
			if err != nil {
				return nil, err
			}
			if len(coins) > c.opts.BatchSize {
				coins = coins[:c.opts.BatchSize]
			}
			return coins, nil
		}
	case c.sources.CMC != nil:
		cmc := c.sources.CMC
		src, source = cmc, providers.CMCName
		mapRecord = transform.CMCCryptocurrency
		fetch = func(ctx context.Context) ([]json.RawMessage, error) {
			return cmc.CryptocurrencyMap(ctx, "active", 1, c.opts.BatchSize)
		}
	default:
		c.logger.WithField("category", CategoryMetadata).Debug("No metadata source enabled")
		return 0
	}

	return c.runCycle(ctx, CategoryMetadata, source, stages{
		fetch: c.fetchStage(src, fetch),
		transform: func(ctx context.Context, cy *cycle) (*cycle, error) {
			for i, raw := range cy.raw {
				crypto, err := mapRecord(raw)
				if err != nil {
					c.recordFailure(cy, i, err)
					continue
				}
				cy.cryptos = append(cy.cryptos, crypto)
			}
			return cy, nil
		},
		persist: func(ctx context.Context, cy *cycle) (*cycle, error) {
			n, err := c.store.BatchUpsertCryptocurrencies(ctx, cy.cryptos)
			if err != nil {
				return nil, err
			}
			cy.result.RecordsInserted = int(n)
			return cy, nil
		},
	})
}

// FetchAndStoreSentiment records a positive sentiment observation for
// every coin on CoinGecko's trending list.
func (c *DataCoordinator) FetchAndStoreSentiment(ctx context.Context) int {
	if !c.opts.EnableSentiment || c.sources.CoinGecko == nil {
		c.logger.WithField("category", CategorySentiment).Debug("Sentiment collection disabled")
		return 0
	}
	cg := c.sources.CoinGecko

	return c.runCycle(ctx, CategorySentiment, providers.CoinGeckoName, stages{
		fetch: c.fetchStage(cg, cg.Trending),
		transform: func(ctx context.Context, cy *cycle) (*cycle, error) {
			now := c.now()
			for i, raw := range cy.raw {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				signal, err := transform.CoinGeckoTrending(raw, now)
				var cryptoID int64
				if err == nil {
					cryptoID, err = c.resolveCrypto(ctx, signal.Symbol, signal.Name)
				}
				if err != nil {
					c.recordFailure(cy, i, err)
					continue
				}
				cy.sentiment = append(cy.sentiment, signal.Sentiment(cryptoID))
			}
			return cy, nil
		},
		persist: func(ctx context.Context, cy *cycle) (*cycle, error) {
			n, err := c.store.BatchInsertSentiment(ctx, cy.sentiment)
			if err != nil {
				return nil, err
			}
			cy.result.RecordsInserted = int(n)
			return cy, nil
		},
	})
}

// FetchAndStoreDexPairs snapshots the most active DEX pairs on every
// configured network.
func (c *DataCoordinator) FetchAndStoreDexPairs(ctx context.Context) int {
	if c.sources.CMCDex == nil {
		c.logger.WithField("category", CategoryDexPairs).Debug("DEX collection disabled")
		return 0
	}
	dex := c.sources.CMCDex
	networks := c.opts.DexNetworks
	if len(networks) == 0 {
		networks = []string{""}
	}

	return c.runCycle(ctx, CategoryDexPairs, providers.CMCDexName, stages{
		fetch: c.fillStage(dex, func(ctx context.Context, cy *cycle) error {
			records, err := dex.PairsLatestAcross(ctx, networks, c.opts.DexPairLimit)
			if err != nil {
				return err
			}
			for _, rec := range records {
				cy.raw = append(cy.raw, rec.Raw)
				cy.networks = append(cy.networks, rec.Network)
			}
			return nil
		}),
		transform: func(ctx context.Context, cy *cycle) (*cycle, error) {
			now := c.now()
			for i, raw := range cy.raw {
				pair, err := transform.CMCDexPair(raw, cy.networks[i], now)
				if err != nil {
					c.recordFailure(cy, i, err)
					continue
				}
				cy.dexPairs = append(cy.dexPairs, pair)
			}
			return cy, nil
		},
		persist: func(ctx context.Context, cy *cycle) (*cycle, error) {
			n, err := c.store.BatchInsertDexPairs(ctx, cy.dexPairs)
			if err != nil {
				return nil, err
			}
			cy.result.RecordsInserted = int(n)
			return cy, nil
		},
	})
}

// FetchAndStoreExchanges upserts exchange metadata from CoinGecko.
func (c *DataCoordinator) FetchAndStoreExchanges(ctx context.Context) int {
	if c.sources.CoinGecko == nil {
		c.logger.WithField("category", CategoryExchanges).Debug("Exchange collection disabled")
		return 0
	}
	cg := c.sources.CoinGecko
	perPage := min(c.opts.BatchSize, providers.CoinGeckoMaxPerPage)

	return c.runCycle(ctx, CategoryExchanges, providers.CoinGeckoName, stages{
		fetch: c.fetchStage(cg, func(ctx context.Context) ([]json.RawMessage, error) {
			return cg.Exchanges(ctx, perPage, 1)
		}),
		transform: func(ctx context.Context, cy *cycle) (*cycle, error) {
			for i, raw := range cy.raw {
				ex, err := transform.CoinGeckoExchange(raw)
				if err != nil {
					c.recordFailure(cy, i, err)
					continue
				}
				cy.exchanges = append(cy.exchanges, ex)
			}
			return cy, nil
		},
		persist: func(ctx context.Context, cy *cycle) (*cycle, error) {
			n, err := c.store.BatchUpsertExchanges(ctx, cy.exchanges)
			if err != nil {
				return nil, err
			}
			cy.result.RecordsInserted = int(n)
			return cy, nil
		},
	})
}

// fetchStage pulls raw records while holding a provider session.
func (c *DataCoordinator) fetchStage(src Session, fetch func(context.Context) ([]json.RawMessage, error)) pipeline.StageFunc[*cycle] {
	return c.fillStage(src, func(ctx context.Context, cy *cycle) error {
		raw, err := fetch(ctx)
		if err != nil {
			return err
		}
		cy.raw = raw
		return nil
	})
}

// fillStage runs fill while holding a provider session. fill populates
// cy.raw and any per-record context alongside it.
func (c *DataCoordinator) fillStage(src Session, fill func(context.Context, *cycle) error) pipeline.StageFunc[*cycle] {
	return func(ctx context.Context, cy *cycle) (*cycle, error) {
		if err := withSession(ctx, src, func(ctx context.Context) error {
			return fill(ctx, cy)
		}); err != nil {
			return nil, err
		}
		cy.result.RecordsAttempted = len(cy.raw)
		return cy, nil
	}
}
