// Package pipeline runs a value through named stages in order, stopping at
// the first stage that fails.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/irfndi/market-collector/internal/requester"
	"github.com/irfndi/market-collector/internal/telemetry"
)

// StageFunc transforms the pipeline value. Returning an error aborts the
// remaining stages.
type StageFunc[T any] func(ctx context.Context, in T) (T, error)

// Observer receives stage timings and failures.
type Observer interface {
	StageDuration(pipeline, stage string, d time.Duration)
	ProcessingError(source, errorType string)
}

type nopObserver struct{}

func (nopObserver) StageDuration(string, string, time.Duration) {}
func (nopObserver) ProcessingError(string, string)              {}

// StageError reports which stage stopped a run.
type StageError struct {
	Pipeline string
	Stage    string
	RunID    string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline %s: stage %s: %v", e.Pipeline, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// PanicError is the error recorded for a stage that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Kind() string { return "panic" }

type stage[T any] struct {
	name string
	fn   StageFunc[T]
}

type settings struct {
	logger   logrus.FieldLogger
	observer Observer
}

type Option func(*settings)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *settings) { s.logger = l }
}

func WithObserver(o Observer) Option {
	return func(s *settings) { s.observer = o }
}

type Pipeline[T any] struct {
	name     string
	stages   []stage[T]
	logger   logrus.FieldLogger
	observer Observer
	tracer   trace.Tracer
}

func New[T any](name string, opts ...Option) *Pipeline[T] {
	s := settings{
		logger:   logrus.StandardLogger(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &Pipeline[T]{
		name:     name,
		logger:   s.logger.WithField("pipeline", name),
		observer: s.observer,
		tracer:   telemetry.Tracer("pipeline"),
	}
}

// AddStage appends a stage and returns the pipeline for chaining.
func (p *Pipeline[T]) AddStage(name string, fn StageFunc[T]) *Pipeline[T] {
	p.stages = append(p.stages, stage[T]{name: name, fn: fn})
	return p
}

func (p *Pipeline[T]) Name() string {
	return p.name
}

// Stages lists stage names in execution order.
func (p *Pipeline[T]) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.name
	}
	return names
}

// Execute runs every stage in order. On the first failure it returns the
// zero value and a *StageError; later stages do not run.
func (p *Pipeline[T]) Execute(ctx context.Context, in T) (T, error) {
	runID := uuid.NewString()
	logger := p.logger.WithField("run_id", runID)

	ctx, span := p.tracer.Start(ctx, "pipeline."+p.name, trace.WithAttributes(
		attribute.String("pipeline.name", p.name),
		attribute.String("pipeline.run_id", runID),
	))
	defer span.End()

	started := time.Now()
	value := in
	for _, s := range p.stages {
		stageStart := time.Now()

		out, err := p.runStage(ctx, s, value)
		elapsed := time.Since(stageStart)
		p.observer.StageDuration(p.name, s.name, elapsed)

		if err != nil {
			stageErr := &StageError{Pipeline: p.name, Stage: s.name, RunID: runID, Err: err}
			kind := requester.ErrorKind(err)
			p.observer.ProcessingError(p.name, kind)
			telemetry.RecordError(span, stageErr)

			logger.WithFields(logrus.Fields{
				"stage":       s.name,
				"error_type":  kind,
				"duration_ms": elapsed.Milliseconds(),
			}).WithError(err).Error("Pipeline stage failed")

			var zero T
			return zero, stageErr
		}

		span.AddEvent("stage."+s.name, trace.WithAttributes(
			attribute.Int64("duration_ms", elapsed.Milliseconds()),
		))
		logger.WithFields(logrus.Fields{
			"stage":       s.name,
			"duration_ms": elapsed.Milliseconds(),
		}).Debug("Pipeline stage completed")
		value = out
	}

	logger.WithField("duration_ms", time.Since(started).Milliseconds()).Debug("Pipeline completed")
	return value, nil
}

func (p *Pipeline[T]) runStage(ctx context.Context, s stage[T], in T) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return s.fn(ctx, in)
}
