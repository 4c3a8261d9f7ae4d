package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all delivery pipeline metrics, registered on a dedicated
// registry so the /metrics endpoint exposes only what this process owns.
type Metrics struct {
	Registry *prometheus.Registry

	// Delivery queue
	QueueDepth       prometheus.Gauge
	ActiveProcessing prometheus.Gauge
	OldestItemAge    prometheus.Gauge
	EnqueuedTotal    prometheus.Counter
	DroppedTotal     prometheus.Counter
	ProcessedTotal   *prometheus.CounterVec
	RetriesTotal     prometheus.Counter
	DeliveryLatency  prometheus.Histogram

	// Producers
	CronFiresTotal      *prometheus.CounterVec
	SchedulesActive     prometheus.Gauge
	SchedulesFailed     prometheus.Gauge
	ScheduledTicksTotal *prometheus.CounterVec
	IngestedEventsTotal *prometheus.CounterVec

	// Record store
	DatabaseOperations *prometheus.CounterVec
}

// New creates and registers all pipeline metrics under the given namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		Registry: registry,
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of items waiting in the delivery queue",
		}),
		ActiveProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_processing",
			Help:      "Number of delivery jobs currently in flight",
		}),
		OldestItemAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oldest_item_age_seconds",
			Help:      "Age of the oldest queued item",
		}),
		EnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueued_total",
			Help:      "Total number of items accepted into the delivery queue",
		}),
		DroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Total number of enqueue attempts dropped because the queue was full",
		}),
		ProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processed_total",
			Help:      "Total number of delivery jobs by terminal outcome",
		}, []string{"status"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of delivery retry attempts scheduled",
		}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent delivering a single notification",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		CronFiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_fires_total",
			Help:      "Total number of cron rule fires by result",
		}, []string{"result"}),
		SchedulesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedules_active",
			Help:      "Number of live cron rule schedules",
		}),
		SchedulesFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedules_failed",
			Help:      "Number of cron rules that failed to schedule",
		}),
		ScheduledTicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_ticks_total",
			Help:      "Total number of one-shot processor ticks by result",
		}, []string{"result"}),
		IngestedEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_events_total",
			Help:      "Total number of change events consumed by result",
		}, []string{"result"}),
		DatabaseOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_operations_total",
			Help:      "Total number of record store operations",
		}, []string{"operation", "status"}),
	}

	registry.MustRegister(
		m.QueueDepth,
		m.ActiveProcessing,
		m.OldestItemAge,
		m.EnqueuedTotal,
		m.DroppedTotal,
		m.ProcessedTotal,
		m.RetriesTotal,
		m.DeliveryLatency,
		m.CronFiresTotal,
		m.SchedulesActive,
		m.SchedulesFailed,
		m.ScheduledTicksTotal,
		m.IngestedEventsTotal,
		m.DatabaseOperations,
	)

	return m
}
