package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/irfndi/market-collector/internal/models"
)

var (
	positiveThreshold = decimal.RequireFromString("0.3")
	negativeThreshold = decimal.RequireFromString("-0.3")

	// TrendingScore is the score given to a coin for appearing in a
	// trending list.
	TrendingScore = decimal.RequireFromString("0.7")
)

// LabelFor maps a score in [-1, 1] to positive, neutral or negative using
// the ±0.3 thresholds.
func LabelFor(score decimal.Decimal) string {
	switch {
	case score.GreaterThanOrEqual(positiveThreshold):
		return models.SentimentPositive
	case score.LessThanOrEqual(negativeThreshold):
		return models.SentimentNegative
	default:
		return models.SentimentNeutral
	}
}

// SentimentSignal is a sentiment observation before its cryptocurrency has
// been resolved.
type SentimentSignal struct {
	Symbol     string
	Name       string
	Source     string
	Score      decimal.Decimal
	Label      string
	Mentions   int
	RecordedAt time.Time
}

// Sentiment builds the stored row.
func (s SentimentSignal) Sentiment(cryptoID int64) models.MarketSentiment {
	return models.MarketSentiment{
		CryptoID:       cryptoID,
		Source:         s.Source,
		SentimentScore: s.Score,
		SentimentLabel: s.Label,
		MentionsCount:  s.Mentions,
		RecordedAt:     s.RecordedAt,
	}
}

type trendingItem struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// CoinGeckoTrending maps one search/trending item. Appearing in the list
// counts as one positive mention.
func CoinGeckoTrending(raw json.RawMessage, now time.Time) (SentimentSignal, error) {
	var item trendingItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return SentimentSignal{}, fmt.Errorf("failed to decode trending item: %w", err)
	}

	s := SentimentSignal{
		Symbol:     NormalizeSymbol(item.Symbol),
		Name:       strings.TrimSpace(item.Name),
		Source:     "coingecko_trending",
		Score:      TrendingScore,
		Label:      LabelFor(TrendingScore),
		Mentions:   1,
		RecordedAt: now.UTC(),
	}
	if err := ValidateSymbol(s.Symbol); err != nil {
		return SentimentSignal{}, err
	}
	return s, ValidateSentiment(s.Score, s.Mentions)
}
