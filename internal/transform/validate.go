package transform

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/irfndi/market-collector/internal/models"
)

const maxSymbolLength = 20

var (
	sentimentMin = decimal.NewFromInt(-1)
	sentimentMax = decimal.NewFromInt(1)
)

// NormalizeSymbol trims and upper-cases a ticker symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidateSymbol rejects empty, over-long or whitespace-bearing symbols.
func ValidateSymbol(symbol string) error {
	switch {
	case symbol == "":
		return newValidationError("symbol", "is required")
	case len(symbol) > maxSymbolLength:
		return newValidationError("symbol", "%q exceeds %d characters", symbol, maxSymbolLength)
	case strings.ContainsAny(symbol, " \t\n"):
		return newValidationError("symbol", "%q contains whitespace", symbol)
	}
	return nil
}

// ValidatePrice checks the OHLCV invariants of a price row.
func ValidatePrice(p models.PriceHistory) error {
	if !p.Close.IsPositive() {
		return newValidationError("close", "must be positive, got %s", p.Close)
	}
	if p.Open.IsNegative() || p.High.IsNegative() || p.Low.IsNegative() {
		return newValidationError("ohlc", "prices must not be negative")
	}
	if p.High.LessThan(p.Low) {
		return newValidationError("high", "%s is below low %s", p.High, p.Low)
	}
	if p.Volume.IsNegative() {
		return newValidationError("volume", "must not be negative, got %s", p.Volume)
	}
	if p.MarketCap.Valid && p.MarketCap.Decimal.IsNegative() {
		return newValidationError("market_cap", "must not be negative")
	}
	return nil
}

// ValidateSentiment checks the score range and mention count.
func ValidateSentiment(score decimal.Decimal, mentions int) error {
	if score.LessThan(sentimentMin) || score.GreaterThan(sentimentMax) {
		return newValidationError("sentiment_score", "%s is outside [-1, 1]", score)
	}
	if mentions < 0 {
		return newValidationError("mentions_count", "must not be negative, got %d", mentions)
	}
	return nil
}

// ValidateExchange requires a name and a plausible trust score.
func ValidateExchange(e models.Exchange) error {
	if strings.TrimSpace(e.Name) == "" {
		return newValidationError("name", "is required")
	}
	if e.TrustScore != nil && (*e.TrustScore < 0 || *e.TrustScore > 10) {
		return newValidationError("trust_score", "%d is outside [0, 10]", *e.TrustScore)
	}
	if e.EstablishedYear != nil && *e.EstablishedYear < 1990 {
		return newValidationError("established_year", "%d is implausible", *e.EstablishedYear)
	}
	if e.TradingVolume24hBTC.Valid && e.TradingVolume24hBTC.Decimal.IsNegative() {
		return newValidationError("trading_volume_24h_btc", "must not be negative")
	}
	return nil
}

// ValidateDexPair requires the pool identity and non-negative amounts.
func ValidateDexPair(p models.DexPairSnapshot) error {
	if p.PairAddress == "" {
		return newValidationError("pair_address", "is required")
	}
	if p.Blockchain == "" {
		return newValidationError("blockchain", "is required")
	}
	if len(p.BaseSymbol) > maxSymbolLength || len(p.QuoteSymbol) > maxSymbolLength {
		return newValidationError("symbol", "pair symbols exceed %d characters", maxSymbolLength)
	}
	if p.PriceUSD.IsNegative() || p.LiquidityUSD.IsNegative() || p.Volume24hUSD.IsNegative() {
		return newValidationError("amounts", "must not be negative")
	}
	return nil
}
