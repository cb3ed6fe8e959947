package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register.
var (
	regOK atomic.Bool

	runStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tracelane",
			Subsystem: "runs",
			Name:      "started_total",
			Help:      "Number of profiler runs started, by profiler and source.",
		}, []string{"profiler", "source"},
	)
	runFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tracelane",
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Number of profiler runs reaching a terminal status.",
		}, []string{"profiler", "status"},
	)
	stopRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tracelane",
			Subsystem: "runs",
			Name:      "stop_requests_total",
			Help:      "Number of explicit stop requests.",
		}, []string{"profiler"},
	)
	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tracelane",
			Subsystem: "runs",
			Name:      "active",
			Help:      "Currently running profiler processes.",
		},
	)
	timelineRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tracelane",
			Subsystem: "timeline",
			Name:      "requests_total",
			Help:      "Timeline extractions served, by producing extractor.",
		}, []string{"extractor"},
	)
	timelineCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tracelane",
			Subsystem: "timeline",
			Name:      "cache_hits_total",
			Help:      "Timeline requests answered from the on-disk cache.",
		},
	)
)

// Register registers all collectors with r. Safe to call multiple times;
// calls after the first success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		runStarts, runFinished, stopRequests, activeRuns,
		timelineRequests, timelineCacheHits,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler exposes the default gatherer over HTTP.
func Handler() http.Handler { return promhttp.Handler() }

func IncRunStart(profiler, source string) {
	runStarts.WithLabelValues(profiler, source).Inc()
	activeRuns.Inc()
}

func IncRunFinished(profiler, status string) {
	runFinished.WithLabelValues(profiler, status).Inc()
	activeRuns.Dec()
}

func IncStopRequest(profiler string) {
	stopRequests.WithLabelValues(profiler).Inc()
}

func IncTimeline(extractor string) {
	timelineRequests.WithLabelValues(extractor).Inc()
}

func IncTimelineCacheHit() {
	timelineCacheHits.Inc()
}
