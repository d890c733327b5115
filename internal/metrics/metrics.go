// Package metrics exposes scan counters in Prometheus format. A scan is a batch job, so
// metrics live in a private registry and are written to a node_exporter textfile at the
// end of the run instead of being served.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/spigell/applink/internal/resolver"
)

const namespace = "applink"

// Scan implements resolver.Recorder.
type Scan struct {
	registry *prometheus.Registry

	decisions   *prometheus.CounterVec
	oracleCalls prometheus.Counter
	skipped     prometheus.Counter
	tieBreaks   prometheus.Counter
	latency     *prometheus.HistogramVec
	lastRun     prometheus.Gauge
}

var _ resolver.Recorder = (*Scan)(nil)

func NewScan() *Scan {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Scan{
		registry: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "decisions_total",
			Help:      "Resolved emails by outcome and method.",
		}, []string{"outcome", "method"}),
		oracleCalls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "oracle_calls_total",
			Help:      "Confirmation oracle calls issued.",
		}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "skipped_total",
			Help:      "Emails skipped because they were already processed.",
		}),
		tieBreaks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "tie_breaks_total",
			Help:      "Decisions where equally scored candidates were ordered by recency.",
		}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "decision_seconds",
			Help:      "Time to resolve one email.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"outcome"}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last scan finished.",
		}),
	}
}

func (s *Scan) ObserveDecision(d resolver.LinkDecision, elapsed time.Duration) {
	s.decisions.WithLabelValues(string(d.Outcome), string(d.Method)).Inc()
	s.oracleCalls.Add(float64(d.OracleCalls))
	if d.TieBreak {
		s.tieBreaks.Inc()
	}
	s.latency.WithLabelValues(string(d.Outcome)).Observe(elapsed.Seconds())
}

func (s *Scan) ObserveSkipped() {
	s.skipped.Inc()
}

func (s *Scan) Registry() *prometheus.Registry {
	return s.registry
}

// WriteTextfile stamps the finish time and writes every metric to path.
func (s *Scan) WriteTextfile(path string, finished time.Time) error {
	s.lastRun.Set(float64(finished.Unix()))
	if err := prometheus.WriteToTextfile(path, s.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
