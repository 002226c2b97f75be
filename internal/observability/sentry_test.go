package observability

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/market-collector/internal/config"
)

type capturedEvents struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (c *capturedEvents) all() []*sentry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*sentry.Event(nil), c.events...)
}

func newCapturingHub(t *testing.T) (*sentry.Hub, *capturedEvents) {
	t.Helper()
	captured := &capturedEvents{}
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			captured.mu.Lock()
			captured.events = append(captured.events, event)
			captured.mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	return sentry.NewHub(client, sentry.NewScope()), captured
}

func exceptionValues(e *sentry.Event) []string {
	var values []string
	for _, ex := range e.Exception {
		values = append(values, ex.Value)
	}
	return values
}

func TestInitSentry_DisabledIsNoop(t *testing.T) {
	assert.NoError(t, InitSentry(config.SentryConfig{}, "1.0.0", "test"))
	assert.NoError(t, InitSentry(config.SentryConfig{Enabled: true}, "1.0.0", "test"))
}

func TestSentryHook_Fire(t *testing.T) {
	hub, captured := newCapturingHub(t)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(NewSentryHook(hub))

	logger.WithError(errors.New("connection reset")).
		WithFields(logrus.Fields{"provider": "cmc", "category": "prices"}).
		Error("Fetch stage failed")
	logger.Warn("Skipping malformed record")
	logger.WithField("component", "scheduler").Error("Job panicked")

	events := captured.all()
	require.Len(t, events, 2)

	assert.Equal(t, sentry.LevelError, events[0].Level)
	assert.Equal(t, "cmc", events[0].Tags["provider"])
	assert.Equal(t, "prices", events[0].Tags["category"])
	assert.Contains(t, exceptionValues(events[0]), "Fetch stage failed: connection reset")

	assert.Equal(t, "scheduler", events[1].Tags["component"])
	assert.Contains(t, exceptionValues(events[1]), "Job panicked")
}

func TestCaptureException_UsesContextHub(t *testing.T) {
	hub, captured := newCapturingHub(t)
	ctx := sentry.SetHubOnContext(context.Background(), hub)

	CaptureException(ctx, nil)
	CaptureException(ctx, errors.New("schema migration failed"))

	events := captured.all()
	require.Len(t, events, 1)
	assert.Contains(t, exceptionValues(events[0]), "schema migration failed")
}

func TestSentryLevel(t *testing.T) {
	assert.Equal(t, sentry.LevelFatal, sentryLevel(logrus.PanicLevel))
	assert.Equal(t, sentry.LevelError, sentryLevel(logrus.ErrorLevel))
	assert.Equal(t, sentry.LevelWarning, sentryLevel(logrus.WarnLevel))
	assert.Equal(t, sentry.LevelDebug, sentryLevel(logrus.TraceLevel))
}
