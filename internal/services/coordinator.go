package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/irfndi/market-collector/internal/cache"
	"github.com/irfndi/market-collector/internal/config"
	"github.com/irfndi/market-collector/internal/models"
	"github.com/irfndi/market-collector/internal/pipeline"
	"github.com/irfndi/market-collector/internal/requester"
	"github.com/irfndi/market-collector/internal/telemetry"
	"github.com/irfndi/market-collector/internal/transform"
)

// Data categories, used as the data_type metric label and FetchResult key.
const (
	CategoryPrices    = "prices"
	CategoryMetadata  = "metadata"
	CategorySentiment = "sentiment"
	CategoryDexPairs  = "dex_pairs"
	CategoryExchanges = "exchanges"
)

const maxRecordedErrors = 20

// FetchResult summarizes one fetch cycle.
type FetchResult struct {
	SourceName       string        `json:"source"`
	Category         string        `json:"category"`
	RecordsAttempted int           `json:"records_attempted"`
	RecordsInserted  int           `json:"records_inserted"`
	RecordsFailed    int           `json:"records_failed"`
	Errors           []string      `json:"errors,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
}

// Metrics receives cycle outcomes.
type Metrics interface {
	pipeline.Observer
	RecordsProcessed(source, dataType string, n int)
	ProcessingDuration(source, dataType string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) StageDuration(string, string, time.Duration)      {}
func (nopMetrics) ProcessingError(string, string)                   {}
func (nopMetrics) RecordsProcessed(string, string, int)             {}
func (nopMetrics) ProcessingDuration(string, string, time.Duration) {}

// DefaultBatchSize applies when Options.BatchSize is not positive.
const DefaultBatchSize = 250

// Options tune what each cycle fetches.
type Options struct {
	BatchSize       int
	QuoteCurrency   string
	CMCSymbols      []string
	DexNetworks     []string
	DexPairLimit    int
	EnableSentiment bool
}

// OptionsFromConfig maps the collector and features sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BatchSize:       cfg.Collector.BatchSize,
		QuoteCurrency:   cfg.Collector.QuoteCurrency,
		CMCSymbols:      cfg.Collector.CMCSymbols,
		DexNetworks:     cfg.Collector.DexNetworks,
		DexPairLimit:    cfg.Collector.DexPairLimit,
		EnableSentiment: cfg.Features.EnableSentimentAnalysis,
	}
}

// cycle is the value a category pipeline threads through its stages.
type cycle struct {
	source   string
	category string
	raw      []json.RawMessage
	networks []string
	result   FetchResult

	prices    []models.PriceHistory
	cryptos   []models.Cryptocurrency
	sentiment []models.MarketSentiment
	dexPairs  []models.DexPairSnapshot
	exchanges []models.Exchange
}

type CoordinatorOption func(*DataCoordinator)

func WithMetrics(m Metrics) CoordinatorOption {
	return func(c *DataCoordinator) { c.metrics = m }
}

func WithIdentityCache(ic *cache.IdentityCache) CoordinatorOption {
	return func(c *DataCoordinator) { c.identities = ic }
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *DataCoordinator) { c.now = now }
}

// DataCoordinator runs one fetch, transform and persist cycle per data
// category. Its FetchAndStore methods never return errors: failures are
// logged, counted and reflected in a zero or partial count.
type DataCoordinator struct {
	store      Store
	sources    Sources
	opts       Options
	identities *cache.IdentityCache
	metrics    Metrics
	logger     logrus.FieldLogger
	tracer     trace.Tracer
	now        func() time.Time

	mu      sync.Mutex
	closed  bool
	active  sync.WaitGroup
	results map[string]FetchResult
}

func NewDataCoordinator(store Store, sources Sources, opts Options, logger logrus.FieldLogger, options ...CoordinatorOption) *DataCoordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.QuoteCurrency == "" {
		opts.QuoteCurrency = "usd"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	c := &DataCoordinator{
		store:   store,
		sources: sources,
		opts:    opts,
		metrics: nopMetrics{},
		logger:  logger.WithField("component", "coordinator"),
		tracer:  telemetry.Tracer("coordinator"),
		now:     time.Now,
		results: make(map[string]FetchResult),
	}
	for _, o := range options {
		o(c)
	}
	if c.identities == nil {
		c.identities = cache.NewIdentityCache(nil, 0, logger)
	}
	return c
}

// LastResults returns the most recent FetchResult per category.
func (c *DataCoordinator) LastResults() map[string]FetchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]FetchResult, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// Close rejects new cycles, waits for running ones and then closes every
// provider session.
func (c *DataCoordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for running cycles: %w", ctx.Err())
	}

	var errs []error
	for _, s := range c.sessions() {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	if c.identities.Enabled() {
		c.identities.LogStats()
	}
	c.logger.Info("Data coordinator closed")
	return errors.Join(errs...)
}

func (c *DataCoordinator) sessions() []Session {
	var out []Session
	if c.sources.CoinGecko != nil {
		out = append(out, c.sources.CoinGecko)
	}
	if c.sources.CMC != nil {
		out = append(out, c.sources.CMC)
	}
	if c.sources.CMCDex != nil {
		out = append(out, c.sources.CMCDex)
	}
	return out
}

func (c *DataCoordinator) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.active.Add(1)
	return true
}

// stages are the three steps of one category cycle.
type stages struct {
	fetch     pipeline.StageFunc[*cycle]
	transform pipeline.StageFunc[*cycle]
	persist   pipeline.StageFunc[*cycle]
}

// runCycle executes one category pipeline and records its FetchResult.
func (c *DataCoordinator) runCycle(ctx context.Context, category, source string, s stages) int {
	if !c.begin() {
		c.logger.WithField("category", category).Warn("Skipping cycle, coordinator is closed")
		return 0
	}
	defer c.active.Done()

	logger := c.logger.WithFields(logrus.Fields{
		"category": category,
		"source":   source,
	})

	ctx, span := c.tracer.Start(ctx, "coordinator."+category, trace.WithAttributes(
		attribute.String("collector.category", category),
		attribute.String("collector.source", source),
	))
	defer span.End()

	started := c.now()
	timer := time.Now()
	in := &cycle{
		source:   source,
		category: category,
		result: FetchResult{
			SourceName: source,
			Category:   category,
			StartedAt:  started,
		},
	}

	p := pipeline.New[*cycle](category, pipeline.WithLogger(logger), pipeline.WithObserver(c.metrics)).
		AddStage("fetch", s.fetch).
		AddStage("transform", s.transform).
		AddStage("persist", s.persist)

	out, err := p.Execute(ctx, in)
	elapsed := time.Since(timer)
	c.metrics.ProcessingDuration(source, category, elapsed)

	if err != nil {
		telemetry.RecordError(span, err)
		result := in.result
		result.RecordsInserted = 0
		result.Errors = appendError(result.Errors, err)
		result.Duration = elapsed
		c.storeResult(result)
		logger.WithError(err).WithField("error_type", requester.ErrorKind(err)).Error("Fetch cycle failed")
		return 0
	}

	result := out.result
	result.Duration = elapsed
	c.storeResult(result)
	c.metrics.RecordsProcessed(source, category, result.RecordsInserted)

	span.SetAttributes(
		attribute.Int("collector.records_inserted", result.RecordsInserted),
		attribute.Int("collector.records_failed", result.RecordsFailed),
	)
	logger.WithFields(logrus.Fields{
		"attempted":   result.RecordsAttempted,
		"inserted":    result.RecordsInserted,
		"failed":      result.RecordsFailed,
		"duration_ms": elapsed.Milliseconds(),
	}).Info("Fetch cycle completed")
	return result.RecordsInserted
}

func (c *DataCoordinator) storeResult(r FetchResult) {
	c.mu.Lock()
	c.results[r.Category] = r
	c.mu.Unlock()
}

func appendError(errs []string, err error) []string {
	if len(errs) >= maxRecordedErrors {
		return errs
	}
	return append(errs, err.Error())
}

// recordFailure isolates one bad record: one warning, one failed count.
func (c *DataCoordinator) recordFailure(cy *cycle, index int, err error) {
	rte := &transform.RecordTransformError{
		Source:   cy.source,
		DataType: cy.category,
		Index:    index,
		Err:      err,
	}
	cy.result.RecordsFailed++
	cy.result.Errors = appendError(cy.result.Errors, rte)
	c.logger.WithFields(logrus.Fields{
		"source":   cy.source,
		"category": cy.category,
		"index":    index,
	}).WithError(err).Warn("Skipping malformed record")
}

// withSession runs fn while holding a provider session.
func withSession(ctx context.Context, s Session, fn func(context.Context) error) error {
	release, err := s.Acquire()
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (c *DataCoordinator) resolveExchange(ctx context.Context, name, displayName string) (int64, error) {
	return c.identities.Resolve(ctx, cache.ExchangeKey(name), func(ctx context.Context) (int64, error) {
		ex, err := c.store.GetOrCreateExchange(ctx, models.Exchange{Name: name, DisplayName: displayName})
		return ex.ID, err
	})
}

func (c *DataCoordinator) resolveCrypto(ctx context.Context, symbol, name string) (int64, error) {
	return c.identities.Resolve(ctx, cache.CryptoKey(symbol), func(ctx context.Context) (int64, error) {
		cr, err := c.store.GetOrCreateCryptocurrency(ctx, models.Cryptocurrency{Symbol: symbol, Name: name})
		return cr.ID, err
	})
}

func (c *DataCoordinator) resolvePair(ctx context.Context, exchangeID int64, q transform.PriceQuote) (int64, error) {
	cryptoID, err := c.resolveCrypto(ctx, q.Symbol, q.Name)
	if err != nil {
		return 0, err
	}
	key := models.TradingPairKey{
		ExchangeID:    exchangeID,
		CryptoID:      cryptoID,
		BaseCurrency:  q.Symbol,
		QuoteCurrency: q.QuoteCurrency,
	}
	return c.identities.Resolve(ctx, cache.PairKey(exchangeID, cryptoID, q.Symbol, q.QuoteCurrency), func(ctx context.Context) (int64, error) {
		tp, err := c.store.GetOrCreateTradingPair(ctx, key)
		return tp.ID, err
	})
}
