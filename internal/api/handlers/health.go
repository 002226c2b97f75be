package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/market-collector/internal/middleware"
)

var startTime = time.Now()

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const healthCheckTimeout = 5 * time.Second

// HealthChecker verifies a backing store connection.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BreakerReporter exposes a provider's circuit breaker state.
type BreakerReporter interface {
	Name() string
	BreakerState() string
}

// SchedulerReporter tells whether the job scheduler is running.
type SchedulerReporter interface {
	IsRunning() bool
}

// ResourceUsage is a point-in-time sample of host and process resources.
type ResourceUsage struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	ProcessRSSBytes   uint64  `json:"process_rss_bytes"`
	Goroutines        int     `json:"goroutines"`
}

// ResourceSampler collects a ResourceUsage.
type ResourceSampler func(ctx context.Context) (*ResourceUsage, error)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Resources *ResourceUsage    `json:"resources,omitempty"`
}

type HealthOption func(*HealthHandler)

// WithRedis adds an optional Redis check. A failing Redis degrades the
// service but does not make it unhealthy.
func WithRedis(redis HealthChecker) HealthOption {
	return func(h *HealthHandler) { h.redis = redis }
}

func WithProviders(providers ...BreakerReporter) HealthOption {
	return func(h *HealthHandler) { h.providers = append(h.providers, providers...) }
}

func WithScheduler(s SchedulerReporter) HealthOption {
	return func(h *HealthHandler) { h.scheduler = s }
}

func WithResourceSampler(fn ResourceSampler) HealthOption {
	return func(h *HealthHandler) { h.sampleResources = fn }
}

func WithVersion(version string) HealthOption {
	return func(h *HealthHandler) { h.version = version }
}

// HealthHandler serves the aggregate health of the collector.
type HealthHandler struct {
	db              HealthChecker
	redis           HealthChecker
	providers       []BreakerReporter
	scheduler       SchedulerReporter
	sampleResources ResourceSampler
	version         string
	logger          logrus.FieldLogger
}

func NewHealthHandler(db HealthChecker, logger logrus.FieldLogger, opts ...HealthOption) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &HealthHandler{
		db:              db,
		sampleResources: SampleResources,
		version:         os.Getenv("APP_VERSION"),
		logger:          logger.WithField("component", "health"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthCheck reports healthy, degraded or unhealthy. Only a failing
// database makes the service unhealthy, which maps to 503.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	services := make(map[string]string)
	status := StatusHealthy
	degrade := func() {
		if status == StatusHealthy {
			status = StatusDegraded
		}
	}

	switch {
	case h.db == nil:
		services["database"] = "unhealthy: not configured"
		status = StatusUnhealthy
	default:
		if err := h.db.HealthCheck(ctx); err != nil {
			services["database"] = "unhealthy: " + err.Error()
			status = StatusUnhealthy
			middleware.RecordError(c, err, "database health check failed")
			h.logger.WithError(err).Warn("Database health check failed")
		} else {
			services["database"] = StatusHealthy
		}
	}

	if h.redis != nil {
		if err := h.redis.HealthCheck(ctx); err != nil {
			services["redis"] = "unhealthy: " + err.Error()
			degrade()
			h.logger.WithError(err).Warn("Redis health check failed")
		} else {
			services["redis"] = StatusHealthy
		}
	} else {
		services["redis"] = "not configured"
	}

	for _, p := range h.providers {
		state := p.BreakerState()
		services["provider:"+p.Name()] = state
		if state == "open" {
			degrade()
		}
	}

	if h.scheduler != nil {
		if h.scheduler.IsRunning() {
			services["scheduler"] = "running"
		} else {
			services["scheduler"] = "stopped"
			degrade()
		}
	}

	var resources *ResourceUsage
	if h.sampleResources != nil {
		usage, err := h.sampleResources(ctx)
		if err != nil {
			h.logger.WithError(err).Debug("Resource sampling failed")
		} else {
			resources = usage
		}
	}

	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Services:  services,
		Version:   h.version,
		Uptime:    time.Since(startTime).String(),
		Resources: resources,
	})
}

// SampleResources reads CPU and memory usage of the host and this process.
// The CPU figure is measured since the previous call.
func SampleResources(ctx context.Context) (*ResourceUsage, error) {
	usage := &ResourceUsage{Goroutines: runtime.NumGoroutine()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		usage.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	usage.MemoryUsedPercent = vm.UsedPercent

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			usage.ProcessRSSBytes = info.RSS
		}
	}
	return usage, nil
}
