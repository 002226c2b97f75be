package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/irfndi/market-collector/internal/models"
)

// PriceQuote is a normalized price snapshot before its trading pair has
// been resolved.
type PriceQuote struct {
	Symbol        string
	Name          string
	QuoteCurrency string
	Current       decimal.Decimal
	Open          decimal.NullDecimal
	High          decimal.NullDecimal
	Low           decimal.NullDecimal
	Volume        decimal.NullDecimal
	MarketCap     decimal.NullDecimal
	RecordedAt    time.Time
}

// History builds the stored row. A snapshot without candles uses the
// current price for open, high and low, and zero volume. A non-positive
// high or low counts as missing.
func (q PriceQuote) History(tradingPairID int64) models.PriceHistory {
	return models.PriceHistory{
		TradingPairID: tradingPairID,
		Open:          orDefault(q.Open, q.Current),
		High:          positiveOr(q.High, q.Current),
		Low:           positiveOr(q.Low, q.Current),
		Close:         q.Current,
		Volume:        orDefault(q.Volume, decimal.Zero),
		MarketCap:     q.MarketCap,
		RecordedAt:    q.RecordedAt,
	}
}

func orDefault(v decimal.NullDecimal, def decimal.Decimal) decimal.Decimal {
	if v.Valid {
		return v.Decimal
	}
	return def
}

func positiveOr(v decimal.NullDecimal, def decimal.Decimal) decimal.Decimal {
	if v.Valid && v.Decimal.IsPositive() {
		return v.Decimal
	}
	return def
}

type coinGeckoMarket struct {
	ID           string              `json:"id"`
	Symbol       string              `json:"symbol"`
	Name         string              `json:"name"`
	CurrentPrice decimal.NullDecimal `json:"current_price"`
	MarketCap    decimal.NullDecimal `json:"market_cap"`
	TotalVolume  decimal.NullDecimal `json:"total_volume"`
	High24h      decimal.NullDecimal `json:"high_24h"`
	Low24h       decimal.NullDecimal `json:"low_24h"`
}

// CoinGeckoMarket maps one coins/markets entry.
func CoinGeckoMarket(raw json.RawMessage, quoteCurrency string, now time.Time) (PriceQuote, error) {
	var m coinGeckoMarket
	if err := json.Unmarshal(raw, &m); err != nil {
		return PriceQuote{}, fmt.Errorf("failed to decode market: %w", err)
	}
	if !m.CurrentPrice.Valid {
		return PriceQuote{}, newValidationError("current_price", "is missing")
	}

	q := PriceQuote{
		Symbol:        NormalizeSymbol(m.Symbol),
		Name:          strings.TrimSpace(m.Name),
		QuoteCurrency: strings.ToUpper(quoteCurrency),
		Current:       m.CurrentPrice.Decimal,
		High:          m.High24h,
		Low:           m.Low24h,
		Volume:        m.TotalVolume,
		MarketCap:     m.MarketCap,
		RecordedAt:    now.UTC(),
	}
	return q, validateQuote(q)
}

type cmcQuote struct {
	Symbol string                      `json:"symbol"`
	Name   string                      `json:"name"`
	Quote  map[string]cmcQuoteCurrency `json:"quote"`
}

type cmcQuoteCurrency struct {
	Price     decimal.NullDecimal `json:"price"`
	Volume24h decimal.NullDecimal `json:"volume_24h"`
	MarketCap decimal.NullDecimal `json:"market_cap"`
	High24h   decimal.NullDecimal `json:"high_24h"`
	Low24h    decimal.NullDecimal `json:"low_24h"`
}

// CMCQuote maps one cryptocurrency/quotes/latest entry, reading the quote
// in quoteCurrency.
func CMCQuote(raw json.RawMessage, quoteCurrency string, now time.Time) (PriceQuote, error) {
	var m cmcQuote
	if err := json.Unmarshal(raw, &m); err != nil {
		return PriceQuote{}, fmt.Errorf("failed to decode quote: %w", err)
	}
	currency := strings.ToUpper(quoteCurrency)
	qc, ok := m.Quote[currency]
	if !ok {
		return PriceQuote{}, newValidationError("quote", "no %s quote", currency)
	}
	if !qc.Price.Valid {
		return PriceQuote{}, newValidationError("price", "is missing")
	}

	q := PriceQuote{
		Symbol:        NormalizeSymbol(m.Symbol),
		Name:          strings.TrimSpace(m.Name),
		QuoteCurrency: currency,
		Current:       qc.Price.Decimal,
		High:          qc.High24h,
		Low:           qc.Low24h,
		Volume:        qc.Volume24h,
		MarketCap:     qc.MarketCap,
		RecordedAt:    now.UTC(),
	}
	return q, validateQuote(q)
}

// CoinGeckoOHLC maps [timestamp_ms, open, high, low, close] candles.
// CoinGecko candles carry no volume.
func CoinGeckoOHLC(candles [][]float64, tradingPairID int64) ([]models.PriceHistory, error) {
	rows := make([]models.PriceHistory, 0, len(candles))
	for i, c := range candles {
		if len(c) < 5 {
			return nil, newValidationError("candle", "entry %d has %d fields", i, len(c))
		}
		row := models.PriceHistory{
			TradingPairID: tradingPairID,
			RecordedAt:    time.UnixMilli(int64(c[0])).UTC(),
			Open:          decimal.NewFromFloat(c[1]),
			High:          decimal.NewFromFloat(c[2]),
			Low:           decimal.NewFromFloat(c[3]),
			Close:         decimal.NewFromFloat(c[4]),
			Volume:        decimal.Zero,
		}
		if err := ValidatePrice(row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func validateQuote(q PriceQuote) error {
	if err := ValidateSymbol(q.Symbol); err != nil {
		return err
	}
	return ValidatePrice(q.History(0))
}
