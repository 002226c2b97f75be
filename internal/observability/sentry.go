// Package observability reports collector errors to Sentry.
package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/market-collector/internal/config"
)

// InitSentry configures the Sentry SDK. It is a no-op when Sentry is
// disabled or no DSN is set.
func InitSentry(cfg config.SentryConfig, fallbackRelease, fallbackEnv string) error {
	if !cfg.Enabled || cfg.DSN == "" {
		return nil
	}

	release := cfg.Release
	if release == "" {
		release = fallbackRelease
	}
	environment := cfg.Environment
	if environment == "" {
		environment = fallbackEnv
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	})
}

// Flush drains buffered events within the context deadline, or two seconds
// when ctx has none.
func Flush(ctx context.Context) {
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = max(time.Until(deadline), 0)
	}
	sentry.Flush(timeout)
}

// CaptureException sends err using the hub in ctx when there is one.
func CaptureException(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}

// SentryHook forwards error-level log entries to Sentry, tagging each event
// with the entry's component, provider and job fields.
type SentryHook struct {
	hub    *sentry.Hub
	levels []logrus.Level
}

var tagFields = []string{"component", "provider", "category", "job"}

// NewSentryHook reports through hub, or the current hub when nil.
func NewSentryHook(hub *sentry.Hub) *SentryHook {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryHook{
		hub:    hub,
		levels: []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel},
	}
}

func (h *SentryHook) Levels() []logrus.Level {
	return h.levels
}

func (h *SentryHook) Fire(entry *logrus.Entry) error {
	err, ok := entry.Data[logrus.ErrorKey].(error)
	if !ok {
		err = errors.New(entry.Message)
	} else {
		err = fmt.Errorf("%s: %w", entry.Message, err)
	}

	h.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(entry.Level))
		for _, key := range tagFields {
			if v, ok := entry.Data[key]; ok {
				scope.SetTag(key, fmt.Sprint(v))
			}
		}
		h.hub.CaptureException(err)
	})
	return nil
}

func sentryLevel(level logrus.Level) sentry.Level {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return sentry.LevelFatal
	case logrus.WarnLevel:
		return sentry.LevelWarning
	case logrus.InfoLevel:
		return sentry.LevelInfo
	case logrus.DebugLevel, logrus.TraceLevel:
		return sentry.LevelDebug
	default:
		return sentry.LevelError
	}
}
