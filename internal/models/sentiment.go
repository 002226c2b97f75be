package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sentiment labels derived from the score.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// MarketSentiment is a sentiment signal for one cryptocurrency.
// SentimentScore is in [-1, 1].
type MarketSentiment struct {
	ID             int64           `json:"id" db:"id"`
	CryptoID       int64           `json:"crypto_id" db:"crypto_id"`
	Source         string          `json:"source" db:"source"`
	SentimentScore decimal.Decimal `json:"sentiment_score" db:"sentiment_score"`
	SentimentLabel string          `json:"sentiment_label" db:"sentiment_label"`
	MentionsCount  int             `json:"mentions_count" db:"mentions_count"`
	RecordedAt     time.Time       `json:"recorded_at" db:"recorded_at"`
}

// SentimentView is a sentiment row with its symbol, as served by the API.
type SentimentView struct {
	Symbol         string          `json:"symbol"`
	Source         string          `json:"source"`
	SentimentScore decimal.Decimal `json:"sentiment_score"`
	SentimentLabel string          `json:"sentiment_label"`
	MentionsCount  int             `json:"mentions_count"`
	RecordedAt     time.Time       `json:"recorded_at"`
}
