// Package metrics collects and exposes Prometheus metrics for the
// coordination core: state update throughput, connection health and disk
// threshold monitor actions.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus instruments for the coordination core.
type Collector struct {
	// Cluster state update pipeline.
	stateUpdates      prometheus.Counter
	stateUpdateErrors prometheus.Counter
	statePublishTime  prometheus.Histogram
	clusterVersion    prometheus.Gauge

	// Node connection manager.
	monitoredNodes     prometheus.Gauge
	connectionFailures prometheus.Counter
	disconnects        prometheus.Counter

	// Disk threshold monitor.
	reroutes        prometheus.Counter
	reroutesSkipped prometheus.Counter
	indicesMarkedRO prometheus.Counter
	watermarkNodes  prometheus.Gauge
}

// NewCollector creates the collector and registers every instrument with the
// default registerer.
func NewCollector() *Collector {
	c := &Collector{
		stateUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otter_state_updates_total",
			Help: "Total number of cluster state update batches executed",
		}),
		stateUpdateErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otter_state_update_errors_total",
			Help: "Total number of update batches that failed as a whole",
		}),
		statePublishTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "otter_state_publish_seconds",
			Help:    "Time spent publishing a changed cluster state",
			Buckets: prometheus.DefBuckets,
		}),
		clusterVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "otter_cluster_state_version",
			Help: "Version of the last published cluster state",
		}),
		monitoredNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "otter_monitored_nodes",
			Help: "Current number of nodes tracked by the connection manager",
		}),
		connectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otter_connection_failures_total",
			Help: "Total number of failed node connection attempts",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otter_disconnects_total",
			Help: "Total number of nodes disconnected after leaving the cluster",
		}),
		reroutes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otter_reroutes_total",
			Help: "Total number of reroute requests issued by the disk monitor",
		}),
		reroutesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otter_reroutes_skipped_total",
			Help: "Total number of reroute requests suppressed by rate limiting",
		}),
		indicesMarkedRO: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otter_indices_marked_read_only_total",
			Help: "Total number of indices marked read-only by the disk monitor",
		}),
		watermarkNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "otter_watermark_crossed_nodes",
			Help: "Current number of nodes known to have crossed a disk watermark",
		}),
	}

	prometheus.MustRegister(c.stateUpdates)
	prometheus.MustRegister(c.stateUpdateErrors)
	prometheus.MustRegister(c.statePublishTime)
	prometheus.MustRegister(c.clusterVersion)
	prometheus.MustRegister(c.monitoredNodes)
	prometheus.MustRegister(c.connectionFailures)
	prometheus.MustRegister(c.disconnects)
	prometheus.MustRegister(c.reroutes)
	prometheus.MustRegister(c.reroutesSkipped)
	prometheus.MustRegister(c.indicesMarkedRO)
	prometheus.MustRegister(c.watermarkNodes)

	return c
}

// RecordStateUpdate records one executed update batch.
func (c *Collector) RecordStateUpdate() {
	if c == nil {
		return
	}
	c.stateUpdates.Inc()
}

// RecordStateUpdateError records a whole-batch failure.
func (c *Collector) RecordStateUpdateError() {
	if c == nil {
		return
	}
	c.stateUpdateErrors.Inc()
}

// RecordPublish records a successful publication of a changed state.
func (c *Collector) RecordPublish(version int64, seconds float64) {
	if c == nil {
		return
	}
	c.clusterVersion.Set(float64(version))
	c.statePublishTime.Observe(seconds)
}

// SetMonitoredNodes updates the monitored node gauge.
func (c *Collector) SetMonitoredNodes(n int) {
	if c == nil {
		return
	}
	c.monitoredNodes.Set(float64(n))
}

// RecordConnectionFailure records one failed connection attempt.
func (c *Collector) RecordConnectionFailure() {
	if c == nil {
		return
	}
	c.connectionFailures.Inc()
}

// RecordDisconnect records one node disconnect.
func (c *Collector) RecordDisconnect() {
	if c == nil {
		return
	}
	c.disconnects.Inc()
}

// RecordReroute records an issued reroute request.
func (c *Collector) RecordReroute() {
	if c == nil {
		return
	}
	c.reroutes.Inc()
}

// RecordRerouteSkipped records a reroute suppressed by the rate limit.
func (c *Collector) RecordRerouteSkipped() {
	if c == nil {
		return
	}
	c.reroutesSkipped.Inc()
}

// RecordIndicesMarkedReadOnly records indices included in a read-only settings
// update.
func (c *Collector) RecordIndicesMarkedReadOnly(n int) {
	if c == nil {
		return
	}
	c.indicesMarkedRO.Add(float64(n))
}

// SetWatermarkNodes updates the watermark-crossed node gauge.
func (c *Collector) SetWatermarkNodes(n int) {
	if c == nil {
		return
	}
	c.watermarkNodes.Set(float64(n))
}

// Serve exposes /metrics on the given port. It blocks, so callers run it on
// its own goroutine.
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
