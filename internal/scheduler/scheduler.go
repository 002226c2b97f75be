// Package scheduler fires interval jobs with at most one running instance
// per job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyRunning = errors.New("scheduler is already running")
	ErrNotRunning     = errors.New("scheduler is not running")
	ErrJobNotFound    = errors.New("job not found")
)

// Handler is the work a job performs. Returned errors and panics are
// logged and counted; they never stop the job's schedule.
type Handler func(ctx context.Context) error

// Job describes one recurring task. Grace bounds how late a fire time may
// be and still run; zero means no bound. With Coalesce, several eligible
// missed fire times collapse into a single run.
type Job struct {
	ID         string
	Name       string
	Interval   time.Duration
	Grace      time.Duration
	Coalesce   bool
	RunOnStart bool
	Handler    Handler
}

// JobStatus is a snapshot of a job for the API.
type JobStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Running      bool          `json:"running"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	Skipped      int64         `json:"skipped"`
	Misfires     int64         `json:"misfires"`
}

// Metrics receives job lifecycle events.
type Metrics interface {
	JobStarted()
	JobFinished(job, status string, d time.Duration)
	JobSkipped(job, reason string)
}

type nopMetrics struct{}

func (nopMetrics) JobStarted()                               {}
func (nopMetrics) JobFinished(string, string, time.Duration) {}
func (nopMetrics) JobSkipped(string, string)                 {}

type jobState struct {
	job     Job
	running *atomic.Bool
	stop    chan struct{}

	mu     sync.Mutex
	status JobStatus
}

func (js *jobState) update(fn func(*JobStatus)) {
	js.mu.Lock()
	fn(&js.status)
	js.mu.Unlock()
}

func (js *jobState) snapshot() JobStatus {
	js.mu.Lock()
	defer js.mu.Unlock()
	s := js.status
	s.Running = js.running.Load()
	return s
}

type Option func(*Manager)

func WithMetrics(m Metrics) Option {
	return func(s *Manager) { s.metrics = m }
}

// Manager owns the job loops. Runs execute on a context detached from
// Start's, so Stop lets in-flight runs finish instead of cancelling them.
type Manager struct {
	logger  logrus.FieldLogger
	metrics Metrics

	mu      sync.Mutex
	jobs    map[string]*jobState
	guards  map[string]*atomic.Bool
	running atomic.Bool
	runCtx  context.Context

	loops sync.WaitGroup
	runs  sync.WaitGroup
}

func New(logger logrus.FieldLogger, opts ...Option) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Manager{
		logger:  logger.WithField("component", "scheduler"),
		metrics: nopMetrics{},
		jobs:    make(map[string]*jobState),
		guards:  make(map[string]*atomic.Bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddJob registers a job. If the scheduler is running, the job's loop
// starts immediately.
func (m *Manager) AddJob(job Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.ID)
	}
	if job.Grace < 0 {
		return fmt.Errorf("job %s: grace must not be negative", job.ID)
	}
	if job.Handler == nil {
		return fmt.Errorf("job %s: handler is required", job.ID)
	}
	if job.Name == "" {
		job.Name = job.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already registered", job.ID)
	}
	// The guard is keyed by id and outlives RemoveJob, so a re-added job
	// cannot overlap a run started before its removal.
	guard, ok := m.guards[job.ID]
	if !ok {
		guard = &atomic.Bool{}
		m.guards[job.ID] = guard
	}
	js := &jobState{
		job:     job,
		running: guard,
		status: JobStatus{
			ID:       job.ID,
			Name:     job.Name,
			Interval: job.Interval,
		},
	}
	m.jobs[job.ID] = js

	if m.running.Load() {
		m.startLoop(js, time.Now())
	}

	m.logger.WithFields(logrus.Fields{
		"job":      job.ID,
		"interval": job.Interval.String(),
		"grace":    job.Grace.String(),
	}).Info("Job registered")
	return nil
}

// RemoveJob stops future triggers of a job. A run in progress completes,
// and a job re-added under the same id is skipped until it does.
func (m *Manager) RemoveJob(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	js, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if js.stop != nil {
		close(js.stop)
		js.stop = nil
	}
	delete(m.jobs, id)
	m.logger.WithField("job", id).Info("Job removed")
	return nil
}

// Start launches one loop per registered job.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	m.runCtx = context.WithoutCancel(ctx)

	now := time.Now()
	for _, js := range m.jobs {
		m.startLoop(js, now)
	}
	m.logger.WithField("jobs", len(m.jobs)).Info("Scheduler started")
	return nil
}

// Stop prevents new triggers and waits, bounded by ctx, for in-flight runs.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running.CompareAndSwap(true, false) {
		m.mu.Unlock()
		return ErrNotRunning
	}
	for _, js := range m.jobs {
		if js.stop != nil {
			close(js.stop)
			js.stop = nil
		}
	}
	m.mu.Unlock()

	m.loops.Wait()

	done := make(chan struct{})
	go func() {
		m.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Scheduler stop timed out waiting for running jobs")
		return ctx.Err()
	}
}

func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// Jobs returns a snapshot of every job, ordered by id.
func (m *Manager) Jobs() []JobStatus {
	m.mu.Lock()
	states := make([]*jobState, 0, len(m.jobs))
	for _, js := range m.jobs {
		states = append(states, js)
	}
	m.mu.Unlock()

	out := make([]JobStatus, 0, len(states))
	for _, js := range states {
		out = append(out, js.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// startLoop must be called with m.mu held.
func (m *Manager) startLoop(js *jobState, now time.Time) {
	js.stop = make(chan struct{})
	first := now.Add(js.job.Interval)
	if js.job.RunOnStart {
		first = now
	}

	m.loops.Add(1)
	go m.loop(js, js.stop, first)
}

func (m *Manager) loop(js *jobState, stop <-chan struct{}, next time.Time) {
	defer m.loops.Done()

	for {
		js.update(func(s *JobStatus) { s.NextRun = next })

		timer := time.NewTimer(time.Until(next))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		select {
		case <-stop:
			return
		default:
		}

		now := time.Now()
		var due []time.Time
		next, due = dueTimes(next, now, js.job.Interval)
		eligible, misfired := filterEligible(due, now, js.job.Grace, js.job.Coalesce)

		if misfired > 0 {
			m.logger.WithFields(logrus.Fields{
				"job":      js.job.ID,
				"misfired": misfired,
			}).Warn("Skipping misfired runs past grace time")
			js.update(func(s *JobStatus) { s.Misfires += int64(misfired) })
			for i := 0; i < misfired; i++ {
				m.metrics.JobSkipped(js.job.ID, "misfire")
			}
		}

		for range eligible {
			m.trigger(js)
		}
	}
}

// dueTimes enumerates every fire time in [next, now] and returns the
// first fire time after now.
func dueTimes(next, now time.Time, interval time.Duration) (time.Time, []time.Time) {
	var due []time.Time
	for !next.After(now) {
		due = append(due, next)
		next = next.Add(interval)
	}
	return next, due
}

// filterEligible drops fire times older than grace and applies coalescing.
func filterEligible(due []time.Time, now time.Time, grace time.Duration, coalesce bool) (eligible []time.Time, misfired int) {
	for _, t := range due {
		if grace > 0 && now.Sub(t) > grace {
			misfired++
			continue
		}
		eligible = append(eligible, t)
	}
	if coalesce && len(eligible) > 1 {
		eligible = eligible[len(eligible)-1:]
	}
	return eligible, misfired
}

func (m *Manager) trigger(js *jobState) {
	if !js.running.CompareAndSwap(false, true) {
		m.logger.WithField("job", js.job.ID).Warn("Skipping trigger, previous run still in progress")
		js.update(func(s *JobStatus) { s.Skipped++ })
		m.metrics.JobSkipped(js.job.ID, "skipped")
		return
	}

	m.runs.Add(1)
	go func() {
		defer m.runs.Done()
		defer js.running.Store(false)
		m.execute(js)
	}()
}

func (m *Manager) execute(js *jobState) {
	runID := uuid.NewString()
	logger := m.logger.WithFields(logrus.Fields{
		"job":    js.job.ID,
		"run_id": runID,
	})

	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	started := time.Now()
	m.metrics.JobStarted()
	logger.Debug("Job started")

	status := "success"
	err := m.safeRun(ctx, js.job.Handler)
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		status = "panic"
		logger.WithField("stack", string(pe.stack)).Errorf("Job panicked: %v", pe.value)
	case err != nil:
		status = "error"
		logger.WithError(err).Error("Job failed")
	}

	elapsed := time.Since(started)
	m.metrics.JobFinished(js.job.ID, status, elapsed)
	js.update(func(s *JobStatus) {
		s.Runs++
		s.LastRun = started
		s.LastDuration = elapsed
		s.LastError = ""
		if err != nil {
			s.Failures++
			s.LastError = err.Error()
		}
	})
	logger.WithFields(logrus.Fields{
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
	}).Info("Job finished")
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func (m *Manager) safeRun(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return h(ctx)
}
