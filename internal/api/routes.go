// Package api wires the collector's HTTP surface onto a gin engine.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/market-collector/internal/api/handlers"
	"github.com/irfndi/market-collector/internal/middleware"
)

// Dependencies are the components the routes read from. Metrics may be nil,
// in which case /metrics is not mounted.
type Dependencies struct {
	Health    *handlers.HealthHandler
	Collector *handlers.CollectorHandler
	Market    *handlers.MarketHandler
	Metrics   http.Handler
}

// NewRouter builds a gin engine with recovery, tracing and request logging.
func NewRouter(service string, logger logrus.FieldLogger, deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Tracing(service))
	router.Use(middleware.RequestLogger(logger))
	SetupRoutes(router, deps)
	return router
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", deps.Health.HealthCheck)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/jobs", deps.Collector.GetJobs)
		v1.GET("/results", deps.Collector.GetResults)

		prices := v1.Group("/prices")
		{
			prices.GET("/:symbol/latest", deps.Market.GetLatestPrice)
			prices.GET("/:symbol/history", deps.Market.GetPriceHistory)
		}

		sentiment := v1.Group("/sentiment")
		{
			sentiment.GET("/:symbol/latest", deps.Market.GetLatestSentiment)
		}
	}
}
