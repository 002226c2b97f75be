package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/irfndi/market-collector/internal/models"
)

type dexToken struct {
	Symbol string `json:"symbol"`
}

type dexPair struct {
	PairAddress string                      `json:"pair_address"`
	Blockchain  string                      `json:"blockchain"`
	Dex         string                      `json:"dex"`
	DexName     string                      `json:"dex_name"`
	BaseToken   dexToken                    `json:"base_token"`
	QuoteToken  dexToken                    `json:"quote_token"`
	Quote       map[string]dexQuoteCurrency `json:"quote"`
}

type dexQuoteCurrency struct {
	Price          decimal.NullDecimal `json:"price"`
	Liquidity      decimal.NullDecimal `json:"liquidity"`
	Volume24h      decimal.NullDecimal `json:"volume_24h"`
	PriceChange24h decimal.NullDecimal `json:"price_change_24h"`
}

// CMCDexPair maps one pairs/latest entry. network is used when the entry
// does not name its blockchain.
func CMCDexPair(raw json.RawMessage, network string, now time.Time) (models.DexPairSnapshot, error) {
	var p dexPair
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.DexPairSnapshot{}, fmt.Errorf("failed to decode pair: %w", err)
	}

	blockchain := strings.ToLower(strings.TrimSpace(p.Blockchain))
	if blockchain == "" {
		blockchain = strings.ToLower(network)
	}
	dexName := strings.TrimSpace(p.DexName)
	if dexName == "" {
		dexName = DisplayName(p.Dex)
	}
	usd := p.Quote["USD"]

	snap := models.DexPairSnapshot{
		PairAddress:    strings.TrimSpace(p.PairAddress),
		Blockchain:     blockchain,
		DexName:        dexName,
		BaseSymbol:     NormalizeSymbol(p.BaseToken.Symbol),
		QuoteSymbol:    NormalizeSymbol(p.QuoteToken.Symbol),
		PriceUSD:       orDefault(usd.Price, decimal.Zero),
		LiquidityUSD:   orDefault(usd.Liquidity, decimal.Zero),
		Volume24hUSD:   orDefault(usd.Volume24h, decimal.Zero),
		PriceChange24h: usd.PriceChange24h,
		RecordedAt:     now.UTC(),
	}
	return snap, ValidateDexPair(snap)
}
