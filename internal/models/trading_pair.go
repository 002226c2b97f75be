package models

import "time"

// TradingPair identifies what a price was quoted on: a cryptocurrency on an
// exchange, in a base and quote currency.
type TradingPair struct {
	ID            int64     `json:"id" db:"id"`
	ExchangeID    int64     `json:"exchange_id" db:"exchange_id"`
	CryptoID      int64     `json:"crypto_id" db:"crypto_id"`
	BaseCurrency  string    `json:"base_currency" db:"base_currency"`
	QuoteCurrency string    `json:"quote_currency" db:"quote_currency"`
	IsActive      bool      `json:"is_active" db:"is_active"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// TradingPairKey is the natural key of a trading pair.
type TradingPairKey struct {
	ExchangeID    int64
	CryptoID      int64
	BaseCurrency  string
	QuoteCurrency string
}

// Symbol returns BASE/QUOTE.
func (tp *TradingPair) Symbol() string {
	return tp.BaseCurrency + "/" + tp.QuoteCurrency
}
