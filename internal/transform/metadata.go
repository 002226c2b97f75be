package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/irfndi/market-collector/internal/models"
)

type coinGeckoCoin struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Name        string          `json:"name"`
	Description json.RawMessage `json:"description"`
}

// CoinGeckoCoin maps a coins/list entry or a coins/{id} document.
func CoinGeckoCoin(raw json.RawMessage) (models.Cryptocurrency, error) {
	var c coinGeckoCoin
	if err := json.Unmarshal(raw, &c); err != nil {
		return models.Cryptocurrency{}, fmt.Errorf("failed to decode coin: %w", err)
	}

	crypto := models.Cryptocurrency{
		Symbol:      NormalizeSymbol(c.Symbol),
		Name:        strings.TrimSpace(c.Name),
		Description: englishDescription(c.Description),
	}
	if crypto.Name == "" {
		crypto.Name = crypto.Symbol
	}
	return crypto, ValidateSymbol(crypto.Symbol)
}

// englishDescription accepts either a plain string or CoinGecko's
// localized {"en": "..."} object.
func englishDescription(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var text string
	if raw[0] == '{' {
		var localized map[string]string
		if err := json.Unmarshal(raw, &localized); err != nil {
			return nil
		}
		text = localized["en"]
	} else if err := json.Unmarshal(raw, &text); err != nil {
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return &text
}

type cmcMapEntry struct {
	ID     int    `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Slug   string `json:"slug"`
}

// CMCCryptocurrency maps one cryptocurrency/map entry.
func CMCCryptocurrency(raw json.RawMessage) (models.Cryptocurrency, error) {
	var m cmcMapEntry
	if err := json.Unmarshal(raw, &m); err != nil {
		return models.Cryptocurrency{}, fmt.Errorf("failed to decode map entry: %w", err)
	}
	crypto := models.Cryptocurrency{
		Symbol: NormalizeSymbol(m.Symbol),
		Name:   strings.TrimSpace(m.Name),
	}
	if crypto.Name == "" {
		crypto.Name = crypto.Symbol
	}
	return crypto, ValidateSymbol(crypto.Symbol)
}

type coinGeckoExchange struct {
	ID                string              `json:"id"`
	Name              string              `json:"name"`
	Country           *string             `json:"country"`
	URL               *string             `json:"url"`
	YearEstablished   *int                `json:"year_established"`
	TrustScore        *int                `json:"trust_score"`
	TradeVolume24hBTC decimal.NullDecimal `json:"trade_volume_24h_btc"`
}

// CoinGeckoExchange maps one exchanges entry. The CoinGecko id is the
// natural key; the display name falls back to the title-cased id.
func CoinGeckoExchange(raw json.RawMessage) (models.Exchange, error) {
	var e coinGeckoExchange
	if err := json.Unmarshal(raw, &e); err != nil {
		return models.Exchange{}, fmt.Errorf("failed to decode exchange: %w", err)
	}

	ex := models.Exchange{
		Name:                strings.ToLower(strings.TrimSpace(e.ID)),
		DisplayName:         strings.TrimSpace(e.Name),
		Country:             nonEmpty(e.Country),
		Website:             nonEmpty(e.URL),
		EstablishedYear:     e.YearEstablished,
		TrustScore:          e.TrustScore,
		TradingVolume24hBTC: e.TradeVolume24hBTC,
	}
	if ex.DisplayName == "" {
		ex.DisplayName = DisplayName(ex.Name)
	}
	return ex, ValidateExchange(ex)
}

// DisplayName turns a slug such as "uniswap-v3" into "Uniswap V3".
func DisplayName(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool {
		return r == '-' || r == '_' || r == ' '
	})
	return cases.Title(language.English).String(strings.Join(words, " "))
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
