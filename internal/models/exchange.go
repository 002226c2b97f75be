package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange is a venue dimension. Name is the natural key; price snapshots
// from aggregators use the aggregator's own name.
type Exchange struct {
	ID                  int64               `json:"id" db:"id"`
	Name                string              `json:"name" db:"name"`
	DisplayName         string              `json:"display_name" db:"display_name"`
	Country             *string             `json:"country,omitempty" db:"country"`
	Website             *string             `json:"website,omitempty" db:"website"`
	EstablishedYear     *int                `json:"established_year,omitempty" db:"established_year"`
	TrustScore          *int                `json:"trust_score,omitempty" db:"trust_score"`
	TradingVolume24hBTC decimal.NullDecimal `json:"trading_volume_24h_btc" db:"trading_volume_24h_btc"`
	CreatedAt           time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at" db:"updated_at"`
}

// DedupeExchanges keeps the last occurrence of every name, preserving the
// order in which names were first seen.
func DedupeExchanges(in []Exchange) []Exchange {
	index := make(map[string]int, len(in))
	out := make([]Exchange, 0, len(in))
	for _, e := range in {
		if i, ok := index[e.Name]; ok {
			out[i] = e
			continue
		}
		index[e.Name] = len(out)
		out = append(out, e)
	}
	return out
}
