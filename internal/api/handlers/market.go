package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/market-collector/internal/database"
	"github.com/irfndi/market-collector/internal/middleware"
	"github.com/irfndi/market-collector/internal/models"
	"github.com/irfndi/market-collector/internal/transform"
)

const (
	defaultHistoryHours = 24
	maxHistoryHours     = 24 * 30
)

// MarketQuerier is the read side of database.Repository.
type MarketQuerier interface {
	GetLatestPrice(ctx context.Context, symbol string) (*models.PricePoint, error)
	GetPriceHistoryRange(ctx context.Context, symbol string, from, to time.Time) ([]models.PricePoint, error)
	GetLatestSentiment(ctx context.Context, symbol string) (*models.SentimentView, error)
}

var _ MarketQuerier = (*database.Repository)(nil)

type MarketHandler struct {
	store  MarketQuerier
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewMarketHandler(store MarketQuerier, logger logrus.FieldLogger) *MarketHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MarketHandler{
		store:  store,
		logger: logger.WithField("component", "market_api"),
		now:    time.Now,
	}
}

func symbolParam(c *gin.Context) (string, bool) {
	symbol := transform.NormalizeSymbol(c.Param("symbol"))
	if err := transform.ValidateSymbol(symbol); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return symbol, true
}

// GetLatestPrice handles GET /api/v1/prices/:symbol/latest.
func (h *MarketHandler) GetLatestPrice(c *gin.Context) {
	symbol, ok := symbolParam(c)
	if !ok {
		return
	}
	middleware.AddSpanAttribute(c, "collector.symbol", symbol)

	price, err := h.store.GetLatestPrice(c.Request.Context(), symbol)
	if err != nil {
		h.queryFailed(c, symbol, "latest price", err)
		return
	}
	c.JSON(http.StatusOK, price)
}

// GetPriceHistory handles GET /api/v1/prices/:symbol/history?hours=N.
func (h *MarketHandler) GetPriceHistory(c *gin.Context) {
	symbol, ok := symbolParam(c)
	if !ok {
		return
	}

	hours := defaultHistoryHours
	if raw := strings.TrimSpace(c.Query("hours")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryHours {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be an integer between 1 and 720"})
			return
		}
		hours = n
	}
	middleware.AddSpanAttribute(c, "collector.symbol", symbol)
	middleware.AddSpanAttribute(c, "collector.hours", hours)

	to := h.now().UTC()
	from := to.Add(-time.Duration(hours) * time.Hour)
	points, err := h.store.GetPriceHistoryRange(c.Request.Context(), symbol, from, to)
	if err != nil {
		h.queryFailed(c, symbol, "price history", err)
		return
	}
	if points == nil {
		points = []models.PricePoint{}
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"from":   from,
		"to":     to,
		"count":  len(points),
		"prices": points,
	})
}

// GetLatestSentiment handles GET /api/v1/sentiment/:symbol/latest.
func (h *MarketHandler) GetLatestSentiment(c *gin.Context) {
	symbol, ok := symbolParam(c)
	if !ok {
		return
	}
	middleware.AddSpanAttribute(c, "collector.symbol", symbol)

	view, err := h.store.GetLatestSentiment(c.Request.Context(), symbol)
	if err != nil {
		h.queryFailed(c, symbol, "sentiment", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *MarketHandler) queryFailed(c *gin.Context, symbol, what string, err error) {
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no " + what + " for " + symbol})
		return
	}
	_ = c.Error(err)
	middleware.RecordError(c, err, what+" query failed")
	h.logger.WithError(err).WithField("symbol", symbol).Errorf("Failed to query %s", what)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query " + what})
}
