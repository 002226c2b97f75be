package models

import "time"

// Cryptocurrency is the asset dimension, keyed by upper-case symbol.
type Cryptocurrency struct {
	ID          int64     `json:"id" db:"id"`
	Symbol      string    `json:"symbol" db:"symbol"`
	Name        string    `json:"name" db:"name"`
	Description *string   `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// DedupeCryptocurrencies keeps the first occurrence of every symbol.
// Providers list the most relevant asset first when symbols collide.
func DedupeCryptocurrencies(in []Cryptocurrency) []Cryptocurrency {
	seen := make(map[string]struct{}, len(in))
	out := make([]Cryptocurrency, 0, len(in))
	for _, c := range in {
		if _, ok := seen[c.Symbol]; ok {
			continue
		}
		seen[c.Symbol] = struct{}{}
		out = append(out, c)
	}
	return out
}
