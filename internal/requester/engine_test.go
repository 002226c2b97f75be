package requester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/market-collector/internal/retry"
)

type staticHeaders http.Header

func (h staticHeaders) Headers() http.Header { return http.Header(h) }

type recordingObserver struct {
	mu         sync.Mutex
	statuses   []string
	errorTypes []string
	waits      []time.Duration
	remaining  []float64
}

func (o *recordingObserver) ObserveRequest(_, _, status string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func (o *recordingObserver) ObserveError(_, _, errorType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errorTypes = append(o.errorTypes, errorType)
}

func (o *recordingObserver) ObserveRateLimitWait(_ string, wait time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.waits = append(o.waits, wait)
}

func (o *recordingObserver) SetRateLimitRemaining(_ string, tokens float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remaining = append(o.remaining, tokens)
}

func fastRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BackoffBase: 2,
		BackoffMin:  time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, srv *httptest.Server, cfg Config, opts ...Option) *Engine {
	t.Helper()
	logger, _ := test.NewNullLogger()
	if cfg.Name == "" {
		cfg.Name = "testprovider"
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 6000
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = fastRetry()
	}
	cfg.BaseURL = srv.URL
	opts = append([]Option{WithLogger(logger)}, opts...)
	e, err := New(cfg, staticHeaders{"X-Api-Key": []string{"secret"}}, opts...)
	require.NoError(t, err)
	return e
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{BaseURL: "http://x", RateLimit: 10}, staticHeaders{})
	assert.Error(t, err)

	_, err = New(Config{Name: "p", BaseURL: "::bad", RateLimit: 10}, staticHeaders{})
	assert.Error(t, err)

	_, err = New(Config{Name: "p", BaseURL: "http://x", RateLimit: 10}, nil)
	assert.Error(t, err)

	_, err = New(Config{Name: "p", BaseURL: "http://x", RateLimit: 0}, staticHeaders{})
	assert.Error(t, err)
}

func TestRequest_SuccessDecodesAndSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/markets", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currency"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`[{"id":"bitcoin"}]`))
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	e := newTestEngine(t, srv, Config{}, WithObserver(obs))

	var out []map[string]string
	err := e.Get(context.Background(), "coins/markets", url.Values{"vs_currency": {"usd"}}, &out)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "bitcoin", out[0]["id"])
	assert.Equal(t, []string{"200"}, obs.statuses)
	assert.Empty(t, obs.errorTypes)
	assert.Len(t, obs.remaining, 1)
}

func TestRequest_429HonoursRetryAfter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	e := newTestEngine(t, srv, Config{}, WithObserver(obs))

	start := time.Now()
	var out map[string]bool
	err := e.Get(context.Background(), "ping", nil, &out)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, out["ok"])
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Equal(t, int32(2), hits.Load(), "exactly one extra attempt after the wait")
	assert.Equal(t, []time.Duration{time.Second}, obs.waits)
}

func TestRequest_429DefaultsToSixtySeconds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	var slept []time.Duration
	e := newTestEngine(t, srv, Config{}, WithSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	require.NoError(t, e.Get(context.Background(), "ping", nil, nil))
	assert.Equal(t, []time.Duration{60 * time.Second}, slept)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRequest_429IsNotBoundedByRetryPolicy(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 5 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e := newTestEngine(t, srv, Config{})

	require.NoError(t, e.Get(context.Background(), "ping", nil, nil))
	assert.Equal(t, int32(6), hits.Load())
}

func TestRequest_429CooldownCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := e.Get(ctx, "ping", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequest_TransientThenSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"value":42}`))
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	e := newTestEngine(t, srv, Config{}, WithObserver(obs))

	var out struct{ Value int }
	require.NoError(t, e.Get(context.Background(), "thing", nil, &out))
	assert.Equal(t, 42, out.Value)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []string{"503", "503", "200"}, obs.statuses)
	assert.Equal(t, []string{"transient", "transient"}, obs.errorTypes)
}

func TestRequest_TransientExhaustsAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	e := newTestEngine(t, srv, Config{})

	err := e.Get(context.Background(), "thing", nil, nil)
	require.Error(t, err)

	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	assert.Equal(t, "thing", te.Endpoint)
	assert.Contains(t, err.Error(), "upstream down")
	assert.Equal(t, int32(3), hits.Load())
}

func TestRequest_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	e, err := New(Config{Name: "down", BaseURL: srv.URL, RateLimit: 6000, Retry: fastRetry()}, staticHeaders{})
	require.NoError(t, err)

	err = e.Get(context.Background(), "thing", nil, nil)
	assert.True(t, IsTransient(err))
}

func TestRequest_InvalidJSONIsProtocolError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	e := newTestEngine(t, srv, Config{})

	var out map[string]any
	err := e.Get(context.Background(), "thing", nil, &out)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, int32(1), hits.Load(), "protocol errors are not retried")

	err = e.Get(context.Background(), "thing", nil, nil)
	require.ErrorAs(t, err, &pe)
}

func TestRequest_ClientErrorIsProtocolError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	e := newTestEngine(t, srv, Config{})

	err := e.Get(context.Background(), "thing", nil, nil)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRequest_CircuitBreakerFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	policy := fastRetry()
	policy.MaxAttempts = 1
	e := newTestEngine(t, srv, Config{
		Retry:   policy,
		Breaker: BreakerConfig{Enabled: true, FailureThreshold: 2, RecoveryTimeout: time.Minute},
	})
	assert.Equal(t, "closed", e.BreakerState())

	for i := 0; i < 2; i++ {
		assert.True(t, IsTransient(e.Get(context.Background(), "thing", nil, nil)))
	}
	assert.Equal(t, "open", e.BreakerState())

	err := e.Get(context.Background(), "thing", nil, nil)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), hits.Load(), "open breaker does not reach the provider")
}

func TestRequest_ProtocolErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv, Config{
		Breaker: BreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Minute},
	})

	for i := 0; i < 3; i++ {
		_ = e.Get(context.Background(), "missing", nil, nil)
	}
	assert.Equal(t, "closed", e.BreakerState())
}

func TestRequest_BreakerDisabledByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	assert.Equal(t, "disabled", newTestEngine(t, srv, Config{}).BreakerState())
}

func TestRequest_LogsFinalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	logger, hook := test.NewNullLogger()
	e := newTestEngine(t, srv, Config{}, WithLogger(logger))

	_ = e.Get(context.Background(), "thing", nil, nil)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "protocol", entry.Data["error_type"])
	assert.Equal(t, "testprovider", entry.Data["provider"])
}

func TestBatchRequest_DropsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page == "2" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = fmt.Fprintf(w, `{"page":%s}`, page)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv, Config{BatchConcurrency: 2})

	calls := []Call{
		{Endpoint: "items", Params: url.Values{"page": {"1"}}},
		{Endpoint: "items", Params: url.Values{"page": {"2"}}},
		{Endpoint: "items", Params: url.Values{"page": {"3"}}},
	}
	results := e.BatchRequest(context.Background(), calls)

	require.Len(t, results, 2)
	var first, second struct{ Page int }
	require.NoError(t, json.Unmarshal(results[0].Body, &first))
	require.NoError(t, json.Unmarshal(results[1].Body, &second))
	assert.Equal(t, 1, first.Page)
	assert.Equal(t, 3, second.Page)
	assert.Equal(t, "3", results[1].Call.Params.Get("page"))
}

func TestBatchFetch_AllFailedReportsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv, Config{BatchConcurrency: 2})

	calls := []Call{
		{Endpoint: "items", Params: url.Values{"page": {"1"}}},
		{Endpoint: "items", Params: url.Values{"page": {"2"}}},
	}
	results, err := e.BatchFetch(context.Background(), calls)
	require.Error(t, err)
	assert.Empty(t, results)
	assert.Contains(t, err.Error(), "all 2 batch calls failed")

	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, http.StatusServiceUnavailable, transient.StatusCode)
	assert.Equal(t, "transient", ErrorKind(err))

	assert.Empty(t, e.BatchRequest(context.Background(), calls))
}

func TestBatchFetch_PartialSuccessIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := newTestEngine(t, srv, Config{})

	results, err := e.BatchFetch(context.Background(), []Call{
		{Endpoint: "items", Params: url.Values{"page": {"1"}}},
		{Endpoint: "items", Params: url.Values{"page": {"2"}}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "2", results[0].Call.Params.Get("page"))
}

func TestSession_CloseWaitsForRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e := newTestEngine(t, srv, Config{})

	release, err := e.Acquire()
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- e.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned while a session was outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	// the holder can keep issuing requests while Close is draining
	require.NoError(t, e.Get(context.Background(), "ping", nil, nil))

	_, err = e.Acquire()
	assert.ErrorIs(t, err, ErrSessionClosed)

	release()
	release() // idempotent

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return after release")
	}

	assert.ErrorIs(t, e.Get(context.Background(), "ping", nil, nil), ErrSessionClosed)
	assert.NoError(t, e.Close(context.Background()))
}

func TestSession_CloseHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	e := newTestEngine(t, srv, Config{})
	release, err := e.Acquire()
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Close(ctx), context.DeadlineExceeded)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	def := 60 * time.Second

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", def},
		{"seconds", "15", 15 * time.Second},
		{"zero", "0", 0},
		{"negative", "-3", def},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", def},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.value, now, def))
		})
	}
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "transient", ErrorKind(&TransientError{Err: errors.New("x")}))
	assert.Equal(t, "protocol", ErrorKind(fmt.Errorf("wrapped: %w", &ProtocolError{Err: errors.New("x")})))
	assert.Equal(t, "rate_limited", ErrorKind(&RateLimitedError{}))
	assert.Equal(t, "canceled", ErrorKind(context.Canceled))
	assert.Equal(t, "unknown", ErrorKind(errors.New("other")))
}
