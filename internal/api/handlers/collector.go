package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/market-collector/internal/scheduler"
	"github.com/irfndi/market-collector/internal/services"
)

// JobLister is implemented by scheduler.Manager.
type JobLister interface {
	Jobs() []scheduler.JobStatus
}

// ResultSource is implemented by services.DataCoordinator.
type ResultSource interface {
	LastResults() map[string]services.FetchResult
}

// CollectorHandler exposes scheduler and fetch cycle state.
type CollectorHandler struct {
	jobs    JobLister
	results ResultSource
}

func NewCollectorHandler(jobs JobLister, results ResultSource) *CollectorHandler {
	return &CollectorHandler{jobs: jobs, results: results}
}

// GetJobs lists every scheduled job with its run counters.
func (h *CollectorHandler) GetJobs(c *gin.Context) {
	jobs := h.jobs.Jobs()
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetResults returns the most recent FetchResult per category, ordered by
// category.
func (h *CollectorHandler) GetResults(c *gin.Context) {
	last := h.results.LastResults()
	results := make([]services.FetchResult, 0, len(last))
	for _, r := range last {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Category < results[j].Category })

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"count":   len(results),
	})
}
