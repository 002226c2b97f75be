package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DexPairSnapshot is a point-in-time view of a decentralized exchange pool.
type DexPairSnapshot struct {
	ID             int64               `json:"id" db:"id"`
	PairAddress    string              `json:"pair_address" db:"pair_address"`
	Blockchain     string              `json:"blockchain" db:"blockchain"`
	DexName        string              `json:"dex_name" db:"dex_name"`
	BaseSymbol     string              `json:"base_symbol" db:"base_symbol"`
	QuoteSymbol    string              `json:"quote_symbol" db:"quote_symbol"`
	PriceUSD       decimal.Decimal     `json:"price_usd" db:"price_usd"`
	LiquidityUSD   decimal.Decimal     `json:"liquidity_usd" db:"liquidity_usd"`
	Volume24hUSD   decimal.Decimal     `json:"volume_24h_usd" db:"volume_24h_usd"`
	PriceChange24h decimal.NullDecimal `json:"price_change_24h" db:"price_change_24h"`
	RecordedAt     time.Time           `json:"recorded_at" db:"recorded_at"`
}
