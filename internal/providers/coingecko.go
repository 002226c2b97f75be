package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/market-collector/internal/config"
	"github.com/irfndi/market-collector/internal/requester"
)

// CoinGeckoMaxPerPage is the largest page coins/markets will serve.
const CoinGeckoMaxPerPage = 250

// CoinGecko is the client for the CoinGecko v3 API.
type CoinGecko struct {
	*requester.Engine
	apiKey string
}

// NewCoinGecko builds a CoinGecko client with its own rate limiter.
func NewCoinGecko(pc config.ProviderConfig, s Settings, opts ...requester.Option) (*CoinGecko, error) {
	c := &CoinGecko{apiKey: pc.APIKey}
	engine, err := requester.New(engineConfig(CoinGeckoName, pc, s), c, opts...)
	if err != nil {
		return nil, err
	}
	c.Engine = engine
	return c, nil
}

// Headers implements requester.HeaderDecorator.
func (c *CoinGecko) Headers() http.Header {
	h := http.Header{}
	h.Set("accept", "application/json")
	if c.apiKey != "" {
		h.Set("x-cg-demo-api-key", c.apiKey)
	}
	return h
}

// MarketsQuery selects a page of coins/markets.
type MarketsQuery struct {
	VsCurrency string
	IDs        []string
	PerPage    int
	Page       int
}

func (q MarketsQuery) params() url.Values {
	vs := q.VsCurrency
	if vs == "" {
		vs = "usd"
	}
	perPage := q.PerPage
	if perPage <= 0 || perPage > CoinGeckoMaxPerPage {
		perPage = CoinGeckoMaxPerPage
	}
	page := q.Page
	if page <= 0 {
		page = 1
	}

	params := url.Values{}
	params.Set("vs_currency", vs)
	params.Set("order", "market_cap_desc")
	params.Set("per_page", strconv.Itoa(perPage))
	params.Set("page", strconv.Itoa(page))
	params.Set("sparkline", "false")
	params.Set("price_change_percentage", "1h,24h,7d,30d")
	if len(q.IDs) > 0 {
		params.Set("ids", strings.Join(q.IDs, ","))
	}
	return params
}

// CoinsList returns every supported coin (id, symbol, name).
func (c *CoinGecko) CoinsList(ctx context.Context, includePlatform bool) ([]json.RawMessage, error) {
	params := url.Values{"include_platform": {strconv.FormatBool(includePlatform)}}
	var items []json.RawMessage
	if err := c.Get(ctx, "coins/list", params, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// CoinsMarkets returns one page of market snapshots.
func (c *CoinGecko) CoinsMarkets(ctx context.Context, q MarketsQuery) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := c.Get(ctx, "coins/markets", q.params(), &items); err != nil {
		return nil, err
	}
	return items, nil
}

// CoinsMarketsTop fetches the top n coins by market cap, splitting the
// request into concurrent pages. Pages that fail are dropped; it errors only
// when no page yields data.
func (c *CoinGecko) CoinsMarketsTop(ctx context.Context, vsCurrency string, n int) ([]json.RawMessage, error) {
	if n <= CoinGeckoMaxPerPage {
		return c.CoinsMarkets(ctx, MarketsQuery{VsCurrency: vsCurrency, PerPage: n, Page: 1})
	}

	pages := (n + CoinGeckoMaxPerPage - 1) / CoinGeckoMaxPerPage
	calls := make([]requester.Call, 0, pages)
	for page := 1; page <= pages; page++ {
		q := MarketsQuery{VsCurrency: vsCurrency, PerPage: CoinGeckoMaxPerPage, Page: page}
		calls = append(calls, requester.Call{Endpoint: "coins/markets", Params: q.params()})
	}

	results, err := c.BatchFetch(ctx, calls)
	if err != nil {
		return nil, err
	}

	var (
		all     []json.RawMessage
		decoded int
		lastErr error
	)
	for _, res := range results {
		items, err := decodeList(res.Body)
		if err != nil {
			lastErr = err
			c.Logger().WithFields(logrus.Fields{
				"page":  res.Call.Params.Get("page"),
				"error": err.Error(),
			}).Warn("Skipping unreadable markets page")
			continue
		}
		decoded++
		all = append(all, items...)
	}
	if decoded == 0 {
		return nil, &requester.ProtocolError{
			Provider: c.Name(),
			Endpoint: "coins/markets",
			Err:      fmt.Errorf("no readable page: %w", lastErr),
		}
	}
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// CoinData returns the detail document for one coin.
func (c *CoinGecko) CoinData(ctx context.Context, id string) (json.RawMessage, error) {
	params := url.Values{
		"localization":   {"false"},
		"tickers":        {"false"},
		"community_data": {"true"},
		"developer_data": {"false"},
		"sparkline":      {"false"},
	}
	var body json.RawMessage
	err := c.Get(ctx, "coins/"+url.PathEscape(id), params, &body)
	return body, err
}

// CoinOHLC returns [timestamp, open, high, low, close] candles. CoinGecko
// serves at most 365 days.
func (c *CoinGecko) CoinOHLC(ctx context.Context, id, vsCurrency string, days int) ([][]float64, error) {
	if days > 365 {
		days = 365
	}
	params := url.Values{
		"vs_currency": {vsCurrency},
		"days":        {strconv.Itoa(days)},
	}
	var candles [][]float64
	err := c.Get(ctx, fmt.Sprintf("coins/%s/ohlc", url.PathEscape(id)), params, &candles)
	return candles, err
}

// CoinHistory returns the coin snapshot for one calendar day.
func (c *CoinGecko) CoinHistory(ctx context.Context, id string, date time.Time) (json.RawMessage, error) {
	params := url.Values{
		"date":         {date.Format("02-01-2006")},
		"localization": {"false"},
	}
	var body json.RawMessage
	err := c.Get(ctx, fmt.Sprintf("coins/%s/history", url.PathEscape(id)), params, &body)
	return body, err
}

// CoinMarketChart returns daily price, market cap and volume series.
func (c *CoinGecko) CoinMarketChart(ctx context.Context, id, vsCurrency string, days int) (json.RawMessage, error) {
	params := url.Values{
		"vs_currency": {vsCurrency},
		"days":        {strconv.Itoa(days)},
		"interval":    {"daily"},
	}
	var body json.RawMessage
	err := c.Get(ctx, fmt.Sprintf("coins/%s/market_chart", url.PathEscape(id)), params, &body)
	return body, err
}

// CoinByContract looks a token up by its contract address.
func (c *CoinGecko) CoinByContract(ctx context.Context, platform, address string) (json.RawMessage, error) {
	if platform == "" {
		platform = "ethereum"
	}
	var body json.RawMessage
	err := c.Get(ctx, fmt.Sprintf("coins/%s/contract/%s", url.PathEscape(platform), url.PathEscape(address)), nil, &body)
	return body, err
}

// Exchanges returns one page of exchanges with volume data.
func (c *CoinGecko) Exchanges(ctx context.Context, perPage, page int) ([]json.RawMessage, error) {
	params := url.Values{
		"per_page": {strconv.Itoa(perPage)},
		"page":     {strconv.Itoa(page)},
	}
	var items []json.RawMessage
	if err := c.Get(ctx, "exchanges", params, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// ExchangeTickers returns the trading pairs listed on one exchange.
func (c *CoinGecko) ExchangeTickers(ctx context.Context, exchangeID string, page int, coinIDs []string) (json.RawMessage, error) {
	params := url.Values{"page": {strconv.Itoa(page)}}
	if len(coinIDs) > 0 {
		params.Set("coin_ids", strings.Join(coinIDs, ","))
	}
	var body json.RawMessage
	err := c.Get(ctx, fmt.Sprintf("exchanges/%s/tickers", url.PathEscape(exchangeID)), params, &body)
	return body, err
}

// Trending returns the item of every coin in search/trending.
func (c *CoinGecko) Trending(ctx context.Context) ([]json.RawMessage, error) {
	var resp struct {
		Coins []struct {
			Item json.RawMessage `json:"item"`
		} `json:"coins"`
	}
	if err := c.Get(ctx, "search/trending", nil, &resp); err != nil {
		return nil, err
	}
	items := make([]json.RawMessage, 0, len(resp.Coins))
	for _, coin := range resp.Coins {
		items = append(items, coin.Item)
	}
	return items, nil
}

// Global returns aggregate market data.
func (c *CoinGecko) Global(ctx context.Context) (json.RawMessage, error) {
	params := url.Values{
		"include_market_cap": {"true"},
		"include_24hr_vol":   {"true"},
	}
	var body json.RawMessage
	err := c.Get(ctx, "global", params, &body)
	return body, err
}
