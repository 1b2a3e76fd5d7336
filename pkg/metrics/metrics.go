// Package metrics exposes the archive's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Archive holds the metrics recorded by the query and write paths.
// Each Archive owns its registry, so several servers can live in one
// process (tests do).
type Archive struct {
	Pages             prometheus.Counter
	RecordsScanned    prometheus.Counter
	TokensIssued      prometheus.Counter
	MalformedTokens   prometheus.Counter
	SourceFailures    *prometheus.CounterVec
	RecordsWritten    *prometheus.CounterVec
	LiveSubscriptions prometheus.Gauge

	Registry *prometheus.Registry
}

// NewArchive registers the archive metrics, plus the Go runtime and
// process collectors, on a fresh registry.
func NewArchive() *Archive {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Archive{
		Pages: f.NewCounter(prometheus.CounterOpts{
			Name: "tmarchive_pages_total",
			Help: "Pages served by list endpoints.",
		}),
		RecordsScanned: f.NewCounter(prometheus.CounterOpts{
			Name: "tmarchive_records_scanned_total",
			Help: "Records pulled from sources by page and stream consumers.",
		}),
		TokensIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "tmarchive_tokens_issued_total",
			Help: "Continuation tokens handed to clients.",
		}),
		MalformedTokens: f.NewCounter(prometheus.CounterOpts{
			Name: "tmarchive_malformed_tokens_total",
			Help: "Requests rejected for an undecodable continuation token.",
		}),
		SourceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tmarchive_source_failures_total",
			Help: "Queries aborted by a failing source.",
		}, []string{"source"}),
		RecordsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tmarchive_records_written_total",
			Help: "Records appended to the archive.",
		}, []string{"table"}),
		LiveSubscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "tmarchive_live_subscriptions",
			Help: "Open snapshot-then-live subscriptions.",
		}),
		Registry: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format
func (a *Archive) Handler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
}

// Value reads the current value of a counter or gauge
func Value(m prometheus.Metric) float64 {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return 0
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	return 0
}
