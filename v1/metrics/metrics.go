package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LeaseAcquireCounter counts acquisition attempts by result
	// (granted, denied, error).
	LeaseAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_lease_acquire_total",
		Help: "Total number of lease acquisition attempts",
	}, []string{"result"})
	// LeaseReleaseCounter counts releases that removed a lease.
	LeaseReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tether_lease_release_total",
		Help: "Total number of lease releases",
	})
	// SyncApplyCounter counts snapshot applications by result (ok, error).
	SyncApplyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_sync_apply_total",
		Help: "Total number of snapshot applications",
	}, []string{"result"})
	// MalformedMessageCounter counts dropped push envelopes.
	MalformedMessageCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tether_sync_malformed_total",
		Help: "Total number of malformed push messages dropped",
	})
	// ReconnectCounter counts reconnection attempts of the push channel.
	ReconnectCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tether_sync_reconnect_total",
		Help: "Total number of push channel reconnect attempts",
	})
	// ConnectedGauge is 1 while the push channel is connected.
	ConnectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tether_sync_connected",
		Help: "Whether the push channel is currently connected",
	})
	// PushClientsGauge reports the number of clients attached to the push server.
	PushClientsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tether_push_clients",
		Help: "Current number of push server clients",
	})
	// DriftCounter counts records found out of sync by the drift auditor.
	DriftCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tether_drift_mismatch_total",
		Help: "Total number of cache records found drifting from the document store",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers tether metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LeaseAcquireCounter,
		LeaseReleaseCounter,
		SyncApplyCounter,
		MalformedMessageCounter,
		ReconnectCounter,
		ConnectedGauge,
		PushClientsGauge,
		DriftCounter,
	)
}
