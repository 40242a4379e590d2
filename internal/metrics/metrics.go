// Package metrics exposes Prometheus counters and gauges for the
// federation manager's worker loops, adapted from the fleet's
// pkg/monitoring.MetricsCollector convention (per-service-name-prefixed
// vectors registered once at construction).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds every metric the federation manager's worker loops
// report against.
type Collector struct {
	AgentBatchesTotal   *prometheus.CounterVec
	CommFailTotal       *prometheus.CounterVec
	LockRequestsTotal   *prometheus.CounterVec
	JobUpdateQueueDepth prometheus.Gauge
	AgentQueueDepth     *prometheus.GaugeVec
	SiblingRevokesTotal *prometheus.CounterVec
}

// NewCollector builds and registers the collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the global default
// registry across parallel test packages.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		AgentBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedmgr_agent_batches_total",
			Help: "Batched outbound RPC requests sent to peers, by result.",
		}, []string{"peer", "result"}),
		CommFailTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedmgr_comm_fail_total",
			Help: "Transport failures communicating with a peer.",
		}, []string{"peer"}),
		LockRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedmgr_lock_requests_total",
			Help: "Cluster lock requests, by result.",
		}, []string{"result"}),
		JobUpdateQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fedmgr_job_update_queue_depth",
			Help: "Current depth of the job-update loop's ordered queue.",
		}),
		AgentQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fedmgr_agent_queue_depth",
			Help: "Current depth of a peer's pending-RPC send queue.",
		}, []string{"peer"}),
		SiblingRevokesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedmgr_sibling_revokes_total",
			Help: "Sibling job copies revoked, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		c.AgentBatchesTotal,
		c.CommFailTotal,
		c.LockRequestsTotal,
		c.JobUpdateQueueDepth,
		c.AgentQueueDepth,
		c.SiblingRevokesTotal,
	)
	return c
}
