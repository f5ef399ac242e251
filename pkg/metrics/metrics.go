// Package metrics holds the prometheus collectors shared by the processing
// loop, the dispatcher and the sharded connector. A nil *Collector is valid
// and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cdc"

type Collector struct {
	registry *prometheus.Registry

	EventsDispatched    *prometheus.CounterVec
	DispatchDuration    *prometheus.HistogramVec
	DeadLettersRecorded *prometheus.CounterVec
	ShardStreamFailures *prometheus.CounterVec
	ActiveShards        prometheus.Gauge
	PositionsSaved      *prometheus.CounterVec
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Change events passed to the dispatcher",
		}, []string{"table", "operation", "result"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent in a table handler",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table"}),
		DeadLettersRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_recorded_total",
			Help:      "Change events quarantined in the dead letter store",
		}, []string{"table"}),
		ShardStreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_stream_failures_total",
			Help:      "Shard streams that ended with an error",
		}, []string{"shard"}),
		ActiveShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_shards",
			Help:      "Shards still producing events",
		}),
		PositionsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_saved_total",
			Help:      "Positions persisted by the processing loop",
		}, []string{"shard", "result"}),
	}
	c.registry.MustRegister(
		c.EventsDispatched,
		c.DispatchDuration,
		c.DeadLettersRecorded,
		c.ShardStreamFailures,
		c.ActiveShards,
		c.PositionsSaved,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveDispatch(table, operation string, took time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.EventsDispatched.WithLabelValues(table, operation, result).Inc()
	c.DispatchDuration.WithLabelValues(table).Observe(took.Seconds())
}

func (c *Collector) ObserveSkipped(table, operation string) {
	if c == nil {
		return
	}
	c.EventsDispatched.WithLabelValues(table, operation, "skipped").Inc()
}

func (c *Collector) DeadLetter(table string) {
	if c == nil {
		return
	}
	c.DeadLettersRecorded.WithLabelValues(table).Inc()
}

func (c *Collector) ShardFailed(shardID string) {
	if c == nil {
		return
	}
	c.ShardStreamFailures.WithLabelValues(shardID).Inc()
}

func (c *Collector) SetActiveShards(n int) {
	if c == nil {
		return
	}
	c.ActiveShards.Set(float64(n))
}

func (c *Collector) PositionSaved(shardID string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.PositionsSaved.WithLabelValues(shardID, result).Inc()
}
