// Package metrics wraps a dedicated Prometheus registry for flightcored,
// grounded on the teacher pack's MetricsHandler pattern
// (other_examples/paulwilltell-OFFGRIDFLOW's internal/observability
// package): a package-owned *prometheus.Registry, rather than the global
// default registry, so tests can construct an isolated Collectors per run.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the small counter set spec.md's ambient metrics section
// calls for: events recorded, chunks sealed, quorum certificates issued,
// and batch commits.
type Collectors struct {
	registry *prometheus.Registry

	EventsRecorded     prometheus.Counter
	ChunksSealed       prometheus.Counter
	CertificatesIssued prometheus.Counter
	BatchCommits       prometheus.Counter
}

// New constructs a Collectors with its own registry and registers every
// counter against it.
func New() *Collectors {
	registry := prometheus.NewRegistry()
	c := &Collectors{
		registry: registry,
		EventsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flightcore_events_recorded_total",
			Help: "Total number of events folded into finalized trace bundles.",
		}),
		ChunksSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flightcore_chunks_sealed_total",
			Help: "Total number of AEAD-sealed chunks stored.",
		}),
		CertificatesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flightcore_quorum_certificates_total",
			Help: "Total number of witness quorum certificates generated.",
		}),
		BatchCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flightcore_batch_commits_total",
			Help: "Total number of batch accumulator commits.",
		}),
	}
	registry.MustRegister(c.EventsRecorded, c.ChunksSealed, c.CertificatesIssued, c.BatchCommits)
	return c
}

// Handler returns the HTTP handler serving this Collectors' registry.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
