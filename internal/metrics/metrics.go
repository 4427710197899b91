/*
author: akashmaji
email: akashmaji@iisc.ac.in
file: go-redis/internal/metrics/metrics.go
*/

// Package metrics exposes server health over Prometheus, grounded on
// canonical-redis_exporter's Exporter (a dedicated struct of
// prometheus.Counter/Gauge fields registered against a private Registry,
// served over its own ServeMux) rather than a custom Collector: this
// server's metrics are simple gauges/counters over live in-process state,
// which is exactly the redis_exporter's own shape for counters it does not
// need to recompute per scrape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "respserver"

// Stats bundles every metric the server exports. GaugeFuncs pull their
// value from the store/event-loop at scrape time; Counters are incremented
// by the command dispatcher and event loop as work happens.
type Stats struct {
	registry *prometheus.Registry

	CommandsProcessed prometheus.Counter
	ExpiredKeysTotal  prometheus.Counter

	usedMemory       prometheus.GaugeFunc
	maxMemory        prometheus.GaugeFunc
	evictedKeys      prometheus.GaugeFunc
	connectedClients prometheus.GaugeFunc
}

// MemorySource is the read-only view of store.Stats this package needs,
// kept as an interface so internal/metrics does not import internal/store
// (the dependency runs the other way: cmd/respserver wires them together).
type MemorySource interface {
	UsedMemoryBytes() float64
	MaxMemoryBytes() float64
	EvictionsTotal() float64
}

// New builds and registers every metric against a fresh private Registry
// (the canonical exporter's own pattern of not using the global default
// registry, so multiple instances never collide). connectedClients is
// polled from the event loop's live connection count at scrape time.
func New(mem MemorySource, connectedClients func() float64) *Stats {
	reg := prometheus.NewRegistry()

	s := &Stats{
		registry: reg,
		CommandsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_processed_total",
			Help:      "Total number of commands dispatched.",
		}),
		ExpiredKeysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_keys_total",
			Help:      "Total number of keys removed by the periodic expiry sweep; keys expired lazily on access are not counted.",
		}),
	}

	s.usedMemory = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "used_memory_bytes",
		Help:      "Estimated bytes held by the keyspace.",
	}, mem.UsedMemoryBytes)

	s.maxMemory = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "maxmemory_bytes",
		Help:      "Configured maxmemory ceiling in bytes.",
	}, mem.MaxMemoryBytes)

	s.evictedKeys = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "evicted_keys_total",
		Help:      "Total number of keys evicted under memory pressure.",
	}, mem.EvictionsTotal)

	s.connectedClients = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_clients",
		Help:      "Number of open client connections.",
	}, connectedClients)

	reg.MustRegister(s.CommandsProcessed, s.ExpiredKeysTotal, s.usedMemory, s.maxMemory, s.evictedKeys, s.connectedClients)
	return s
}

// Handler returns the http.Handler to mount at /metrics.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// ListenAndServe starts a dedicated metrics HTTP server on addr, mirroring
// the canonical exporter's own private http.ServeMux rather than the
// default mux, so it never collides with anything else in the process.
func ListenAndServe(addr string, s *Stats) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	return http.ListenAndServe(addr, mux)
}
