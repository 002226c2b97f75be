package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/irfndi/market-collector/internal/config"
	"github.com/irfndi/market-collector/internal/requester"
)

// CoinMarketCap is the client for the CoinMarketCap Pro v1 API.
type CoinMarketCap struct {
	*requester.Engine
	apiKey string
}

func NewCoinMarketCap(pc config.ProviderConfig, s Settings, opts ...requester.Option) (*CoinMarketCap, error) {
	c := &CoinMarketCap{apiKey: pc.APIKey}
	engine, err := requester.New(engineConfig(CMCName, pc, s), c, opts...)
	if err != nil {
		return nil, err
	}
	c.Engine = engine
	return c, nil
}

// Headers implements requester.HeaderDecorator.
func (c *CoinMarketCap) Headers() http.Header {
	return cmcHeaders(c.apiKey)
}

// CryptocurrencyMap lists CoinMarketCap ids for cryptocurrencies.
func (c *CoinMarketCap) CryptocurrencyMap(ctx context.Context, listingStatus string, start, limit int) ([]json.RawMessage, error) {
	if listingStatus == "" {
		listingStatus = "active"
	}
	params := url.Values{
		"listing_status": {listingStatus},
		"start":          {strconv.Itoa(start)},
		"limit":          {strconv.Itoa(limit)},
	}
	data, err := getData(ctx, c.Engine, "cryptocurrency/map", params)
	if err != nil {
		return nil, err
	}
	return dataItems(data, nil)
}

// QuotesLatest returns the latest quote of every symbol, in the order the
// symbols were given. Symbols the API does not know are left out.
func (c *CoinMarketCap) QuotesLatest(ctx context.Context, symbols []string, convert string) ([]json.RawMessage, error) {
	if len(symbols) == 0 {
		return nil, errors.New("at least one symbol is required")
	}
	params := url.Values{
		"symbol":  {strings.Join(symbols, ",")},
		"convert": {strings.ToUpper(convert)},
	}
	data, err := getData(ctx, c.Engine, "cryptocurrency/quotes/latest", params)
	if err != nil {
		return nil, err
	}
	return dataItems(data, symbols)
}

// OHLCVLatest returns the current day's OHLCV per symbol.
func (c *CoinMarketCap) OHLCVLatest(ctx context.Context, symbols []string, convert string) ([]json.RawMessage, error) {
	params := url.Values{
		"symbol":  {strings.Join(symbols, ",")},
		"convert": {strings.ToUpper(convert)},
	}
	data, err := getData(ctx, c.Engine, "cryptocurrency/ohlcv/latest", params)
	if err != nil {
		return nil, err
	}
	return dataItems(data, symbols)
}

// OHLCVHistoricalQuery selects a historical OHLCV range.
type OHLCVHistoricalQuery struct {
	Symbol     string
	TimePeriod string
	Count      int
	Convert    string
	Start      time.Time
	End        time.Time
}

// OHLCVHistorical returns daily or hourly candles for one symbol.
func (c *CoinMarketCap) OHLCVHistorical(ctx context.Context, q OHLCVHistoricalQuery) (json.RawMessage, error) {
	period := q.TimePeriod
	if period == "" {
		period = "daily"
	}
	params := url.Values{
		"symbol":      {q.Symbol},
		"time_period": {period},
		"convert":     {strings.ToUpper(q.Convert)},
	}
	if q.Count > 0 {
		params.Set("count", strconv.Itoa(q.Count))
	}
	if !q.Start.IsZero() {
		params.Set("time_start", q.Start.UTC().Format(time.RFC3339))
	}
	if !q.End.IsZero() {
		params.Set("time_end", q.End.UTC().Format(time.RFC3339))
	}
	return getData(ctx, c.Engine, "cryptocurrency/ohlcv/historical", params)
}

// ExchangeMap lists exchanges, optionally filtered by slug.
func (c *CoinMarketCap) ExchangeMap(ctx context.Context, listingStatus string, limit int, slugs []string) ([]json.RawMessage, error) {
	if listingStatus == "" {
		listingStatus = "active"
	}
	params := url.Values{
		"listing_status": {listingStatus},
		"limit":          {strconv.Itoa(limit)},
	}
	if len(slugs) > 0 {
		params.Set("slug", strings.Join(slugs, ","))
	}
	data, err := getData(ctx, c.Engine, "exchange/map", params)
	if err != nil {
		return nil, err
	}
	return dataItems(data, nil)
}

// ExchangeInfo returns static metadata for the given exchange slugs.
func (c *CoinMarketCap) ExchangeInfo(ctx context.Context, slugs []string, convert string) ([]json.RawMessage, error) {
	params := url.Values{
		"slug":    {strings.Join(slugs, ",")},
		"convert": {strings.ToUpper(convert)},
	}
	data, err := getData(ctx, c.Engine, "exchange/info", params)
	if err != nil {
		return nil, err
	}
	return dataItems(data, slugs)
}

// GlobalMetrics returns total market cap, volume and dominance.
func (c *CoinMarketCap) GlobalMetrics(ctx context.Context, convert string) (json.RawMessage, error) {
	return getData(ctx, c.Engine, "global-metrics/quotes/latest", url.Values{"convert": {strings.ToUpper(convert)}})
}

// TrendingLatest returns the most searched cryptocurrencies.
func (c *CoinMarketCap) TrendingLatest(ctx context.Context) ([]json.RawMessage, error) {
	data, err := getData(ctx, c.Engine, "cryptocurrency/trending/latest", nil)
	if err != nil {
		return nil, err
	}
	return dataItems(data, nil)
}

// PricePerformance returns price performance stats over a period.
func (c *CoinMarketCap) PricePerformance(ctx context.Context, symbols []string, period, convert string) ([]json.RawMessage, error) {
	if period == "" {
		period = "all_time"
	}
	params := url.Values{
		"symbol":      {strings.Join(symbols, ",")},
		"time_period": {period},
		"convert":     {strings.ToUpper(convert)},
	}
	data, err := getData(ctx, c.Engine, "cryptocurrency/price-performance-stats/latest", params)
	if err != nil {
		return nil, err
	}
	return dataItems(data, symbols)
}

// GainersLosers returns the biggest movers over a period.
func (c *CoinMarketCap) GainersLosers(ctx context.Context, period, convert string, limit int) ([]json.RawMessage, error) {
	if period == "" {
		period = "24h"
	}
	params := url.Values{
		"time_period": {period},
		"convert":     {strings.ToUpper(convert)},
		"limit":       {strconv.Itoa(limit)},
	}
	data, err := getData(ctx, c.Engine, "cryptocurrency/gainers-losers", params)
	if err != nil {
		return nil, err
	}
	return dataItems(data, nil)
}

// dataItems flattens a data member into records. Arrays are split as is.
// Objects keyed by symbol or slug are returned in keys order when given,
// otherwise sorted by key.
func dataItems(data json.RawMessage, keys []string) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		return decodeList(data)
	}

	var byKey map[string]json.RawMessage
	if err := json.Unmarshal(data, &byKey); err != nil {
		return nil, err
	}

	if len(keys) == 0 {
		keys = make([]string, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}

	items := make([]json.RawMessage, 0, len(byKey))
	for _, k := range keys {
		if item, ok := lookupKey(byKey, k); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func lookupKey(m map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	if v, ok := m[strings.ToUpper(key)]; ok {
		return v, true
	}
	v, ok := m[strings.ToLower(key)]
	return v, ok
}
