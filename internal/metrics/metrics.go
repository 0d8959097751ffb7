// Package metrics exports txmanager activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/txmanager/internal/txmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "txmanager"

// Observer implements txmanager.Observer. All methods are non-blocking.
type Observer struct {
	submissions *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	finished    *prometheus.CounterVec
	waitSeconds *prometheus.HistogramVec
	pollCount   prometheus.Histogram

	// Worker-level counters.
	Messages *prometheus.CounterVec
	InFlight prometheus.Gauge
}

var _ txmanager.Observer = (*Observer)(nil)

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Observer {
	o := &Observer{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submissions by result (accepted or rejected).",
		}, []string{"result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_queries_total",
			Help:      "Receipt queries by whether the receipt was found.",
		}, []string{"found"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watches_finished_total",
			Help:      "Receipt watches by terminal state.",
		}, []string{"state"}),
		waitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_seconds",
			Help:      "Time from first receipt query to terminal state.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"state"}),
		pollCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_attempts",
			Help:      "Receipt queries made per watch.",
			Buckets:   prometheus.LinearBuckets(1, 5, 10),
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "messages_total",
			Help:      "Queue messages handled by outcome kind.",
		}, []string{"outcome"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "in_flight",
			Help:      "Requests currently executing.",
		}),
	}
	reg.MustRegister(o.submissions, o.attempts, o.finished, o.waitSeconds, o.pollCount, o.Messages, o.InFlight)
	return o
}

func (o *Observer) Submitted(_ common.Address, res txmanager.SubmissionResult) {
	if res.Rejected() {
		o.submissions.WithLabelValues("rejected").Inc()
		return
	}
	o.submissions.WithLabelValues("accepted").Inc()
}

func (o *Observer) Attempted(_ common.Hash, _ int, found bool) {
	if found {
		o.attempts.WithLabelValues("true").Inc()
		return
	}
	o.attempts.WithLabelValues("false").Inc()
}

func (o *Observer) Finished(_ common.Hash, state txmanager.State, attempts int, elapsed time.Duration) {
	o.finished.WithLabelValues(state.String()).Inc()
	o.waitSeconds.WithLabelValues(state.String()).Observe(elapsed.Seconds())
	o.pollCount.Observe(float64(attempts))
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{MaxRequestsInFlight: 1})
}
