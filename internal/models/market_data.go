package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceHistory is one OHLCV observation of a trading pair.
type PriceHistory struct {
	ID            int64               `json:"id" db:"id"`
	TradingPairID int64               `json:"trading_pair_id" db:"trading_pair_id"`
	Open          decimal.Decimal     `json:"open" db:"open"`
	High          decimal.Decimal     `json:"high" db:"high"`
	Low           decimal.Decimal     `json:"low" db:"low"`
	Close         decimal.Decimal     `json:"close" db:"close"`
	Volume        decimal.Decimal     `json:"volume" db:"volume"`
	MarketCap     decimal.NullDecimal `json:"market_cap" db:"market_cap"`
	RecordedAt    time.Time           `json:"recorded_at" db:"recorded_at"`
}

// PricePoint is a price row joined with its pair and exchange, as served
// by the query API.
type PricePoint struct {
	Symbol        string              `json:"symbol"`
	Exchange      string              `json:"exchange"`
	QuoteCurrency string              `json:"quote_currency"`
	Open          decimal.Decimal     `json:"open"`
	High          decimal.Decimal     `json:"high"`
	Low           decimal.Decimal     `json:"low"`
	Close         decimal.Decimal     `json:"close"`
	Volume        decimal.Decimal     `json:"volume"`
	MarketCap     decimal.NullDecimal `json:"market_cap"`
	RecordedAt    time.Time           `json:"recorded_at"`
}
