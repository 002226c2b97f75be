// Package requester issues rate-limited, retried HTTP calls against one
// market-data provider.
package requester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/irfndi/market-collector/internal/ratelimit"
	"github.com/irfndi/market-collector/internal/retry"
	"github.com/irfndi/market-collector/internal/telemetry"
)

const (
	defaultRetryAfter       = 60 * time.Second
	defaultTimeout          = 30 * time.Second
	defaultBatchConcurrency = 4
	userAgent               = "market-collector/1.0"
	maxErrorBody            = 256
)

// HeaderDecorator supplies the provider's authentication headers. The
// headers must not depend on request state.
type HeaderDecorator interface {
	Headers() http.Header
}

// Observer receives one callback per request outcome.
type Observer interface {
	ObserveRequest(provider, endpoint, status string, d time.Duration)
	ObserveError(provider, endpoint, errorType string)
	ObserveRateLimitWait(provider string, wait time.Duration)
	SetRateLimitRemaining(provider string, tokens float64)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, string, string, time.Duration) {}
func (nopObserver) ObserveError(string, string, string)                  {}
func (nopObserver) ObserveRateLimitWait(string, time.Duration)           {}
func (nopObserver) SetRateLimitRemaining(string, float64)                {}

// BreakerConfig enables a per-provider circuit breaker in front of the
// retry loop.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
}

// Config describes one provider endpoint family.
type Config struct {
	Name             string
	BaseURL          string
	RateLimit        int
	Timeout          time.Duration
	Retry            retry.Policy
	Breaker          BreakerConfig
	RetryAfter       time.Duration
	BatchConcurrency int
}

// Engine is the transport shared by every operation of one provider.
type Engine struct {
	name             string
	baseURL          string
	client           *http.Client
	limiter          *ratelimit.TokenBucket
	policy           retry.Policy
	breaker          *gobreaker.CircuitBreaker
	decorator        HeaderDecorator
	observer         Observer
	logger           logrus.FieldLogger
	tracer           trace.Tracer
	sleep            func(ctx context.Context, d time.Duration) error
	now              func() time.Time
	retryAfter       time.Duration
	batchConcurrency int

	mu       sync.Mutex
	closing  bool
	released bool
	sessions sync.WaitGroup
}

// Option customises an Engine.
type Option func(*Engine)

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithLimiter shares or replaces the provider bucket.
func WithLimiter(l *ratelimit.TokenBucket) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithSleep replaces the function used for 429 cool-downs.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// New builds an engine for one provider.
func New(cfg Config, decorator HeaderDecorator, opts ...Option) (*Engine, error) {
	if cfg.Name == "" {
		return nil, errors.New("provider name is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL for %s: %w", cfg.Name, err)
	}
	if decorator == nil {
		return nil, fmt.Errorf("header decorator is required for %s", cfg.Name)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retryAfter := cfg.RetryAfter
	if retryAfter <= 0 {
		retryAfter = defaultRetryAfter
	}
	concurrency := cfg.BatchConcurrency
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}
	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	policy.Retryable = IsTransient

	e := &Engine{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
		policy:           policy,
		decorator:        decorator,
		observer:         nopObserver{},
		logger:           logrus.StandardLogger(),
		tracer:           telemetry.Tracer("requester"),
		sleep:            sleepContext,
		now:              time.Now,
		retryAfter:       retryAfter,
		batchConcurrency: concurrency,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.limiter == nil {
		limiter, err := ratelimit.New(cfg.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("rate limiter for %s: %w", cfg.Name, err)
		}
		e.limiter = limiter
	}

	if cfg.Breaker.Enabled {
		e.breaker = newBreaker(cfg.Name, cfg.Breaker, e.logger)
	}

	e.logger = e.logger.WithField("provider", cfg.Name)
	return e, nil
}

func newBreaker(name string, cfg BreakerConfig, logger logrus.FieldLogger) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Only transport failures say anything about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"provider": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("Provider circuit breaker changed state")
		},
	})
}

// Name is the provider name used in logs and metrics.
func (e *Engine) Name() string {
	return e.name
}

// Logger returns the provider-scoped logger.
func (e *Engine) Logger() logrus.FieldLogger {
	return e.logger
}

// Limiter exposes the provider bucket.
func (e *Engine) Limiter() *ratelimit.TokenBucket {
	return e.limiter
}

// BreakerState reports "disabled" when no circuit breaker is configured.
func (e *Engine) BreakerState() string {
	if e.breaker == nil {
		return "disabled"
	}
	return e.breaker.State().String()
}

// Acquire opens a scoped session. The returned release must be called once
// the caller has finished issuing requests; Close waits for it.
func (e *Engine) Acquire() (release func(), err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return nil, ErrSessionClosed
	}
	e.sessions.Add(1)
	var once sync.Once
	return func() { once.Do(e.sessions.Done) }, nil
}

// Close refuses new sessions, waits for outstanding ones to be released and
// then drops idle connections. Requests issued after Close returns fail
// with ErrSessionClosed.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s sessions: %w", e.name, ctx.Err())
	}

	e.mu.Lock()
	e.released = true
	e.mu.Unlock()

	e.client.CloseIdleConnections()
	e.logger.Info("Provider session closed")
	return nil
}

func (e *Engine) isReleased() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// Get is Request with the GET method.
func (e *Engine) Get(ctx context.Context, endpoint string, params url.Values, out any) error {
	return e.Request(ctx, http.MethodGet, endpoint, params, out)
}

// Request issues one logical call and decodes the JSON body into out.
// A nil out still requires the body to be valid JSON.
func (e *Engine) Request(ctx context.Context, method, endpoint string, params url.Values, out any) error {
	if e.isReleased() {
		return ErrSessionClosed
	}

	ctx, span := e.tracer.Start(ctx, "provider.request", trace.WithAttributes(
		attribute.String("provider", e.name),
		attribute.String("endpoint", endpoint),
		attribute.String("http.method", method),
	))
	defer span.End()

	call := func() error {
		return e.policy.Do(ctx, func(ctx context.Context, attempt int) error {
			span.SetAttributes(attribute.Int("attempt", attempt))
			return e.attempt(ctx, method, endpoint, params, out, attempt)
		}, func(err error, attempt int, wait time.Duration) {
			e.logger.WithFields(logrus.Fields{
				"endpoint": endpoint,
				"attempt":  attempt,
				"wait":     wait.String(),
				"error":    err.Error(),
			}).Warn("Retrying provider request")
		})
	}

	var err error
	if e.breaker != nil {
		_, err = e.breaker.Execute(func() (interface{}, error) {
			return nil, call()
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &TransientError{Provider: e.name, Endpoint: endpoint, Err: err}
			e.observer.ObserveError(e.name, endpoint, "circuit_open")
		}
	} else {
		err = call()
	}

	if err != nil {
		telemetry.RecordError(span, err)
		e.logger.WithFields(logrus.Fields{
			"endpoint":   endpoint,
			"error_type": ErrorKind(err),
			"error":      err.Error(),
		}).Error("Provider request failed")
	}
	return err
}

// attempt is one try under the retry policy. A 429 does not end the
// attempt: the engine sleeps for the advertised cool-down and re-issues.
func (e *Engine) attempt(ctx context.Context, method, endpoint string, params url.Values, out any, attempt int) error {
	for {
		if err := e.limiter.Acquire(ctx); err != nil {
			return err
		}
		e.observer.SetRateLimitRemaining(e.name, e.limiter.Tokens())

		err := e.send(ctx, method, endpoint, params, out)

		var limited *RateLimitedError
		if !errors.As(err, &limited) {
			if err != nil {
				e.observer.ObserveError(e.name, endpoint, ErrorKind(err))
			}
			return err
		}

		e.observer.ObserveRateLimitWait(e.name, limited.RetryAfter)
		e.logger.WithFields(logrus.Fields{
			"endpoint":    endpoint,
			"attempt":     attempt,
			"retry_after": limited.RetryAfter.String(),
		}).Warn("Provider rate limit hit, cooling down")

		if err := e.sleep(ctx, limited.RetryAfter); err != nil {
			return err
		}
	}
}

func (e *Engine) send(ctx context.Context, method, endpoint string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, e.endpointURL(endpoint, params), nil)
	if err != nil {
		return &ProtocolError{Provider: e.name, Endpoint: endpoint, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	for key, values := range e.decorator.Headers() {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("User-Agent", userAgent)

	start := e.now()
	resp, err := e.client.Do(req)
	if err != nil {
		e.observer.ObserveRequest(e.name, endpoint, "error", e.now().Sub(start))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Provider: e.name, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	e.observer.ObserveRequest(e.name, endpoint, strconv.Itoa(resp.StatusCode), e.now().Sub(start))
	if err != nil {
		return &TransientError{Provider: e.name, Endpoint: endpoint, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{
			Provider:   e.name,
			Endpoint:   endpoint,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), e.now(), e.retryAfter),
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &TransientError{Provider: e.name, Endpoint: endpoint, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("server error: %s", truncate(body))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &ProtocolError{Provider: e.name, Endpoint: endpoint, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected status: %s", truncate(body))}
	}

	if out == nil {
		if !json.Valid(body) {
			return &ProtocolError{Provider: e.name, Endpoint: endpoint, StatusCode: resp.StatusCode,
				Err: errors.New("response body is not valid JSON")}
		}
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ProtocolError{Provider: e.name, Endpoint: endpoint, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func (e *Engine) endpointURL(endpoint string, params url.Values) string {
	u := e.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// Call is one entry of a batch.
type Call struct {
	Endpoint string
	Params   url.Values
}

// BatchResult is the raw body of a successful batch call.
type BatchResult struct {
	Call Call
	Body json.RawMessage
}

// BatchRequest issues GET calls concurrently and returns the successful
// results in input order. Failures are logged and dropped.
func (e *Engine) BatchRequest(ctx context.Context, calls []Call) []BatchResult {
	results, _ := e.BatchFetch(ctx, calls)
	return results
}

// BatchFetch is BatchRequest that also reports total failure: when no call
// succeeds, the error joins every call's error. A partial batch returns
// its successes and a nil error.
func (e *Engine) BatchFetch(ctx context.Context, calls []Call) ([]BatchResult, error) {
	slots := make([]*BatchResult, len(calls))
	errs := make([]error, len(calls))

	var g errgroup.Group
	g.SetLimit(e.batchConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			var body json.RawMessage
			if err := e.Get(ctx, call.Endpoint, call.Params, &body); err != nil {
				e.logger.WithFields(logrus.Fields{
					"endpoint": call.Endpoint,
					"error":    err.Error(),
				}).Warn("Dropping failed batch request")
				errs[i] = err
				return nil
			}
			slots[i] = &BatchResult{Call: call, Body: body}
			return nil
		})
	}
	_ = g.Wait()

	results := make([]BatchResult, 0, len(calls))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	if len(results) == 0 && len(calls) > 0 {
		return nil, fmt.Errorf("%s: all %d batch calls failed: %w", e.name, len(calls), errors.Join(errs...))
	}
	return results, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date and falls back to
// def when the header is absent or unreadable.
func parseRetryAfter(value string, now time.Time, def time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return def
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
		return 0
	}
	return def
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
