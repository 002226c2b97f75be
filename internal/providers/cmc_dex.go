package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/market-collector/internal/config"
	"github.com/irfndi/market-collector/internal/requester"
)

// CMCDex is the client for the CoinMarketCap DEX API.
type CMCDex struct {
	*requester.Engine
	apiKey string
}

func NewCMCDex(pc config.ProviderConfig, s Settings, opts ...requester.Option) (*CMCDex, error) {
	c := &CMCDex{apiKey: pc.APIKey}
	engine, err := requester.New(engineConfig(CMCDexName, pc, s), c, opts...)
	if err != nil {
		return nil, err
	}
	c.Engine = engine
	return c, nil
}

// Headers implements requester.HeaderDecorator.
func (c *CMCDex) Headers() http.Header {
	return cmcHeaders(c.apiKey)
}

// PairsQuery filters pairs/latest.
type PairsQuery struct {
	Network       string
	Dex           string
	QuoteCurrency string
	Limit         int
}

func (q PairsQuery) params() url.Values {
	quote := q.QuoteCurrency
	if quote == "" {
		quote = "USD"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{
		"quote_currency": {quote},
		"limit":          {strconv.Itoa(limit)},
		"sort":           {"volume_24h"},
	}
	if q.Network != "" {
		params.Set("blockchain", q.Network)
	}
	if q.Dex != "" {
		params.Set("dex", q.Dex)
	}
	return params
}

// PairsLatest returns the most active pairs, sorted by 24h volume.
func (c *CMCDex) PairsLatest(ctx context.Context, q PairsQuery) ([]json.RawMessage, error) {
	data, err := getData(ctx, c.Engine, "pairs/latest", q.params())
	if err != nil {
		return nil, err
	}
	return dataItems(data, nil)
}

// NetworkRecord is a raw pair tagged with the network it was fetched for.
type NetworkRecord struct {
	Network string
	Raw     json.RawMessage
}

// PairsLatestAcross queries pairs/latest once per network concurrently.
// Networks whose call fails contribute nothing; it errors only when no
// network yields a usable response.
func (c *CMCDex) PairsLatestAcross(ctx context.Context, networks []string, limit int) ([]NetworkRecord, error) {
	calls := make([]requester.Call, 0, len(networks))
	for _, network := range networks {
		q := PairsQuery{Network: network, Limit: limit}
		calls = append(calls, requester.Call{Endpoint: "pairs/latest", Params: q.params()})
	}

	results, err := c.BatchFetch(ctx, calls)
	if err != nil {
		return nil, err
	}

	var (
		all     []NetworkRecord
		usable  int
		lastErr error
	)
	for _, res := range results {
		network := res.Call.Params.Get("blockchain")
		var env cmcEnvelope
		err := json.Unmarshal(res.Body, &env)
		var items []json.RawMessage
		if err == nil && env.Status.ErrorCode != 0 {
			err = fmt.Errorf("error_code %d: %s", env.Status.ErrorCode, env.Status.ErrorMessage)
		}
		if err == nil {
			items, err = dataItems(env.Data, nil)
		}
		if err != nil {
			lastErr = err
			c.Logger().WithFields(logrus.Fields{
				"network":    network,
				"error_code": env.Status.ErrorCode,
				"error":      err.Error(),
			}).Warn("Skipping unusable pairs response")
			continue
		}
		usable++
		for _, item := range items {
			all = append(all, NetworkRecord{Network: network, Raw: item})
		}
	}
	if len(calls) > 0 && usable == 0 {
		return nil, &requester.ProtocolError{
			Provider: c.Name(),
			Endpoint: "pairs/latest",
			Err:      fmt.Errorf("no usable network response: %w", lastErr),
		}
	}
	return all, nil
}

// PairInfo returns detail for one pair.
func (c *CMCDex) PairInfo(ctx context.Context, address, network, quote string) (json.RawMessage, error) {
	params := url.Values{
		"pair_address":   {address},
		"blockchain":     {network},
		"quote_currency": {defaultQuote(quote)},
	}
	return getData(ctx, c.Engine, "pairs/info", params)
}

// PairOHLCVQuery selects candles for one pair.
type PairOHLCVQuery struct {
	Address    string
	Network    string
	TimePeriod string
	Count      int
	Quote      string
	Start      time.Time
	End        time.Time
}

// PairOHLCVLatest returns recent candles for a pair.
func (c *CMCDex) PairOHLCVLatest(ctx context.Context, q PairOHLCVQuery) (json.RawMessage, error) {
	period := q.TimePeriod
	if period == "" {
		period = "1h"
	}
	count := q.Count
	if count <= 0 {
		count = 24
	}
	params := url.Values{
		"pair_address":   {q.Address},
		"blockchain":     {q.Network},
		"time_period":    {period},
		"count":          {strconv.Itoa(count)},
		"quote_currency": {defaultQuote(q.Quote)},
	}
	if !q.Start.IsZero() {
		params.Set("time_start", q.Start.UTC().Format(time.RFC3339))
	}
	if !q.End.IsZero() {
		params.Set("time_end", q.End.UTC().Format(time.RFC3339))
	}
	return getData(ctx, c.Engine, "pairs/ohlcv/latest", params)
}

// DexList lists the exchanges known on a network, or on all networks.
func (c *CMCDex) DexList(ctx context.Context, network string) ([]json.RawMessage, error) {
	var params url.Values
	if network != "" {
		params = url.Values{"blockchain": {network}}
	}
	data, err := getData(ctx, c.Engine, "dex/list", params)
	if err != nil {
		return nil, err
	}
	return dataItems(data, nil)
}

// BlockchainList lists supported networks.
func (c *CMCDex) BlockchainList(ctx context.Context) ([]json.RawMessage, error) {
	data, err := getData(ctx, c.Engine, "blockchain/list", nil)
	if err != nil {
		return nil, err
	}
	return dataItems(data, nil)
}

// TrendingPairs returns the pairs trending over a period.
func (c *CMCDex) TrendingPairs(ctx context.Context, network, dex, period string, limit int) ([]json.RawMessage, error) {
	if period == "" {
		period = "24h"
	}
	params := url.Values{
		"limit":       {strconv.Itoa(limit)},
		"time_period": {period},
	}
	if network != "" {
		params.Set("blockchain", network)
	}
	if dex != "" {
		params.Set("dex", dex)
	}
	data, err := getData(ctx, c.Engine, "pairs/trending", params)
	if err != nil {
		return nil, err
	}
	return dataItems(data, nil)
}

// LiquidityAnalysis returns pool depth for one pair.
func (c *CMCDex) LiquidityAnalysis(ctx context.Context, address, network, quote string) (json.RawMessage, error) {
	params := url.Values{
		"pair_address":   {address},
		"blockchain":     {network},
		"quote_currency": {defaultQuote(quote)},
	}
	return getData(ctx, c.Engine, "pairs/liquidity-analysis", params)
}

// TokenInfo returns token metadata derived from DEX activity.
func (c *CMCDex) TokenInfo(ctx context.Context, address, network string) (json.RawMessage, error) {
	params := url.Values{
		"token_address": {address},
		"blockchain":    {network},
	}
	return getData(ctx, c.Engine, "tokens/info", params)
}

// VolumeStatistics returns aggregated volume over a period.
func (c *CMCDex) VolumeStatistics(ctx context.Context, network, dex, period string) (json.RawMessage, error) {
	if period == "" {
		period = "24h"
	}
	params := url.Values{"time_period": {period}}
	if network != "" {
		params.Set("blockchain", network)
	}
	if dex != "" {
		params.Set("dex", dex)
	}
	return getData(ctx, c.Engine, "statistics/volume", params)
}

func defaultQuote(q string) string {
	if q == "" {
		return "USD"
	}
	return q
}
