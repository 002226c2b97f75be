// Package providers exposes the named operations of each upstream
// market-data API on top of a requester.Engine.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/irfndi/market-collector/internal/config"
	"github.com/irfndi/market-collector/internal/requester"
	"github.com/irfndi/market-collector/internal/retry"
)

// Provider names, used as the api_name metric label.
const (
	CoinGeckoName = "coingecko"
	CMCName       = "cmc"
	CMCDexName    = "cmc_dex"
)

// Provider is the capability shared by every client: its auth headers and
// the ability to issue a request, plus the session lifecycle.
type Provider interface {
	Name() string
	Headers() http.Header
	Request(ctx context.Context, method, endpoint string, params url.Values, out any) error
	Acquire() (release func(), err error)
	Close(ctx context.Context) error
	BreakerState() string
}

// Settings are the engine parameters shared by all providers.
type Settings struct {
	Retry            retry.Policy
	Breaker          requester.BreakerConfig
	BatchConcurrency int
}

// SettingsFromConfig maps the retry and circuit breaker sections.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BackoffBase: cfg.Retry.BackoffBase,
			BackoffMin:  cfg.Retry.BackoffMin,
			BackoffMax:  cfg.Retry.BackoffMax,
		},
		Breaker: requester.BreakerConfig{
			Enabled:          cfg.CircuitBreaker.Enabled,
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
		},
		BatchConcurrency: cfg.Collector.BatchConcurrency,
	}
}

func engineConfig(name string, pc config.ProviderConfig, s Settings) requester.Config {
	return requester.Config{
		Name:             name,
		BaseURL:          pc.BaseURL,
		RateLimit:        pc.RateLimit,
		Timeout:          pc.Timeout,
		Retry:            s.Retry,
		Breaker:          s.Breaker,
		BatchConcurrency: s.BatchConcurrency,
	}
}

// decodeList splits a JSON array into its elements so each record can be
// transformed, and fail, on its own.
func decodeList(raw json.RawMessage) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// cmcStatus is the status block CoinMarketCap puts on every response.
type cmcStatus struct {
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	CreditCount  int    `json:"credit_count"`
}

type cmcEnvelope struct {
	Status cmcStatus       `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// getData issues a GET against a CoinMarketCap-style API and returns the
// data member. A non-zero error_code on a 2xx response is a protocol error.
func getData(ctx context.Context, e *requester.Engine, endpoint string, params url.Values) (json.RawMessage, error) {
	var env cmcEnvelope
	if err := e.Get(ctx, endpoint, params, &env); err != nil {
		return nil, err
	}
	if env.Status.ErrorCode != 0 {
		return nil, &requester.ProtocolError{
			Provider: e.Name(),
			Endpoint: endpoint,
			Err:      fmt.Errorf("error_code %d: %s", env.Status.ErrorCode, env.Status.ErrorMessage),
		}
	}
	return env.Data, nil
}

// cmcHeaders is the header set shared by the CoinMarketCap APIs.
func cmcHeaders(apiKey string) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if apiKey != "" {
		h.Set("X-CMC_PRO_API_KEY", apiKey)
	}
	return h
}
