// Package metrics exposes Prometheus collectors for deployments, gateway
// connections and the HTTP API. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aetherhub/aether/internal/aether/faults"
	"github.com/aetherhub/aether/internal/aether/gateway"
)

const namespace = "aether"

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 180}

// Metrics holds every collector.
type Metrics struct {
	transitions    *prometheus.CounterVec
	launches       *prometheus.CounterVec
	launchDuration prometheus.Histogram
	deployments    *prometheus.GaugeVec

	connState     *prometheus.GaugeVec
	requests      *prometheus.CounterVec
	requestTime   *prometheus.HistogramVec
	events        *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	seqGaps       *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	rateLimited  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "deploy", Name: "transitions_total",
			Help: "Deployment status transitions",
		}, []string{"from", "to"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "deploy", Name: "launches_total",
			Help: "Completed launch attempts by outcome",
		}, []string{"outcome"}),
		launchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "deploy", Name: "launch_duration_seconds",
			Help: "Time from launch request to running or failed", Buckets: histogramBuckets,
		}),
		deployments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "deploy", Name: "deployments",
			Help: "Recorded deployments by status",
		}, []string{"status"}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "connection_state",
			Help: "Current connection state per role (1 for the active state)",
		}, []string{"role", "state"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "requests_total",
			Help: "Gateway RPC requests by method and outcome",
		}, []string{"role", "method", "outcome"}),
		requestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "request_duration_seconds",
			Help: "Gateway RPC latency", Buckets: histogramBuckets,
		}, []string{"role", "method"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "events_total",
			Help: "Gateway events received",
		}, []string{"role", "event"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "events_dropped_total",
			Help: "Gateway events dropped because a queue was full",
		}, []string{"role"}),
		seqGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "sequence_gap_events_total",
			Help: "Events missing according to sequence numbers",
		}, []string{"role"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "api", Name: "http_requests_total",
			Help: "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "api", Name: "http_request_duration_seconds",
			Help: "Latency distribution of HTTP handlers", Buckets: histogramBuckets,
		}, []string{"method", "route", "status"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "api", Name: "rate_limit_hits_total",
			Help: "Number of rate-limited responses",
		}, []string{"route"}),
	}

	for _, c := range []prometheus.Collector{
		m.transitions, m.launches, m.launchDuration, m.deployments,
		m.connState, m.requests, m.requestTime, m.events, m.eventsDropped, m.seqGaps,
		m.httpRequests, m.httpLatency, m.rateLimited,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

// Transition counts one status change.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// LaunchFinished records the outcome ("running" or a failure reason) and
// duration of a launch.
func (m *Metrics) LaunchFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(outcome).Inc()
	m.launchDuration.Observe(elapsed.Seconds())
}

// SetDeployments replaces the per-status deployment gauge.
func (m *Metrics) SetDeployments(counts map[string]int) {
	if m == nil {
		return
	}
	m.deployments.Reset()
	for status, n := range counts {
		m.deployments.WithLabelValues(status).Set(float64(n))
	}
}

// HTTPRequest records one API request.
func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, code).Inc()
	m.httpLatency.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// RateLimited counts one rejected request.
func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}

// Gateway returns a gateway.Observer that labels everything with role.
// On a nil *Metrics it returns nil, which the gateway client treats as no
// observer.
func (m *Metrics) Gateway(role string) gateway.Observer {
	if m == nil {
		return nil
	}
	return &gatewayObserver{m: m, role: role}
}

var allStates = []gateway.State{
	gateway.StateDisconnected,
	gateway.StateConnecting,
	gateway.StateAuthenticating,
	gateway.StateConnected,
	gateway.StateReconnecting,
}

type gatewayObserver struct {
	m    *Metrics
	role string
}

func (o *gatewayObserver) StateChanged(s gateway.State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		o.m.connState.WithLabelValues(o.role, st.String()).Set(v)
	}
}

func (o *gatewayObserver) RequestDone(method string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(faults.ReasonOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	o.m.requests.WithLabelValues(o.role, method, outcome).Inc()
	o.m.requestTime.WithLabelValues(o.role, method).Observe(elapsed.Seconds())
}

func (o *gatewayObserver) EventReceived(name string) {
	o.m.events.WithLabelValues(o.role, name).Inc()
}

func (o *gatewayObserver) EventDropped() {
	o.m.eventsDropped.WithLabelValues(o.role).Inc()
}

func (o *gatewayObserver) SequenceGap(missing int64) {
	o.m.seqGaps.WithLabelValues(o.role).Add(float64(missing))
}
