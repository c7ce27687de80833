package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "binarydrop"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	appStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "starts_total",
			Help:      "Number of successful process starts.",
		}, []string{"name"},
	)
	appStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "stops_total",
			Help:      "Number of user-requested stops.",
		}, []string{"name"},
	)
	appRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "restarts_total",
			Help:      "Number of restarts, automatic or requested.",
		}, []string{"name"},
	)
	appCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "crashes_total",
			Help:      "Number of processes that exited with a non-zero code.",
		}, []string{"name"},
	)
	healthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "health_failures_total",
			Help:      "Number of failed health probes.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different app states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "current_state",
			Help:      "Current state of apps (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	gatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Requests handled by the gateway by target and status code.",
		}, []string{"app", "code"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{appStarts, appStops, appRestarts, appCrashes, healthFailures, stateTransitions, currentStates, gatewayRequests}
	for _, c := range cs {
		if err := register(r, c); err != nil {
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// register ignores AlreadyRegisteredError so the default registry can be reused.
func register(r prometheus.Registerer, c prometheus.Collector) error {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		appStarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		appStops.WithLabelValues(name).Inc()
	}
}
func IncRestart(name string) {
	if regOK.Load() {
		appRestarts.WithLabelValues(name).Inc()
	}
}
func IncCrash(name string) {
	if regOK.Load() {
		appCrashes.WithLabelValues(name).Inc()
	}
}
func IncHealthFailure(name string) {
	if regOK.Load() {
		healthFailures.WithLabelValues(name).Inc()
	}
}

// RecordStateTransition counts from->to and flips the current_state gauge.
func RecordStateTransition(name, from, to string) {
	if !regOK.Load() || from == to {
		return
	}
	stateTransitions.WithLabelValues(name, from, to).Inc()
	if from != "" {
		currentStates.WithLabelValues(name, from).Set(0)
	}
	currentStates.WithLabelValues(name, to).Set(1)
}

// ForgetApp drops per-app state gauges after deletion.
func ForgetApp(name string) {
	if regOK.Load() {
		currentStates.DeletePartialMatch(prometheus.Labels{"name": name})
	}
}

func IncGatewayRequest(app string, code int) {
	if regOK.Load() {
		gatewayRequests.WithLabelValues(app, strconv.Itoa(code)).Inc()
	}
}
