package health

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/notifyr/dispatch/internal/orchestrator"
	"github.com/notifyr/dispatch/internal/queue"
	"github.com/notifyr/dispatch/internal/scheduler"
	"github.com/notifyr/dispatch/pkg/metrics"
)

// Handler serves the health and metrics surface over the orchestrator's
// aggregate view.
type Handler struct {
	orch    *orchestrator.Orchestrator
	queue   *queue.Queue
	cron    *scheduler.CronScheduler
	metrics *metrics.Metrics
	started time.Time
}

func NewHandler(orch *orchestrator.Orchestrator, q *queue.Queue, cron *scheduler.CronScheduler, m *metrics.Metrics) *Handler {
	return &Handler{
		orch:    orch,
		queue:   q,
		cron:    cron,
		metrics: m,
		started: time.Now(),
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/health/detailed", h.HealthDetailed)
	r.GET("/health/subscriptions", h.Subscriptions)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{})))
}

// Health serves the summary view: 200 for healthy/degraded, 503 when the
// pipeline is not running.
func (h *Handler) Health(c *gin.Context) {
	agg := h.orch.Health()
	code := http.StatusOK
	if agg.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    agg.Status,
		"uptime":    agg.Uptime.String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) HealthDetailed(c *gin.Context) {
	agg := h.orch.Health()
	code := http.StatusOK
	if agg.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	stats := h.queue.Stats()

	c.JSON(code, gin.H{
		"status":     agg.Status,
		"state":      agg.State,
		"paused":     agg.Paused,
		"uptime":     agg.Uptime.String(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"components": agg.Components,
		"queue": gin.H{
			"depth":             stats.Depth,
			"active_processing": stats.ActiveProcessing,
			"oldest_item_age":   stats.OldestItemAge.String(),
			"dropped":           stats.Dropped,
		},
		"process": gin.H{
			"pid":            os.Getpid(),
			"goroutines":     runtime.NumGoroutine(),
			"heap_alloc":     mem.HeapAlloc,
			"process_uptime": time.Since(h.started).String(),
		},
	})
}

// Subscriptions reports recurring-schedule counts.
func (h *Handler) Subscriptions(c *gin.Context) {
	counts := h.cron.Counts()
	c.JSON(http.StatusOK, gin.H{
		"total":        counts.Total,
		"active":       counts.Active,
		"failed":       counts.Failed,
		"reconnecting": counts.Reconnecting,
	})
}
