package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	backendSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskshell",
			Subsystem: "backend",
			Name:      "spawns_total",
			Help:      "Backend spawn attempts by result.",
		}, []string{"result"},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskshell",
			Subsystem: "backend",
			Name:      "terminations_total",
			Help:      "Termination procedure invocations by trigger and outcome (terminated, noop, kill_error).",
		}, []string{"trigger", "outcome"},
	)
	terminationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "deskshell",
			Subsystem: "backend",
			Name:      "termination_duration_seconds",
			Help:      "Time from kill signal until the OS reaped the backend.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	slowTerminations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deskshell",
			Subsystem: "backend",
			Name:      "slow_terminations_total",
			Help:      "Terminations whose wait exceeded terminate_warn_after.",
		},
	)
	portHeldAfterExit = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deskshell",
			Subsystem: "backend",
			Name:      "port_held_after_exit_total",
			Help:      "Times the backend port was still bound after the process was reaped.",
		},
	)
	supervisorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deskshell",
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{backendSpawns, terminations, terminationDuration, slowTerminations, portHeldAfterExit, supervisorState}
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		backendSpawns.WithLabelValues(result).Inc()
	}
}

func IncTermination(trigger, outcome string) {
	if regOK.Load() {
		terminations.WithLabelValues(trigger, outcome).Inc()
	}
}

func ObserveTermination(seconds float64) {
	if regOK.Load() {
		terminationDuration.Observe(seconds)
	}
}

func IncSlowTermination() {
	if regOK.Load() {
		slowTerminations.Inc()
	}
}

func IncPortHeld() {
	if regOK.Load() {
		portHeldAfterExit.Inc()
	}
}

// SetState marks state as the only active supervisor state among all.
func SetState(state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		supervisorState.WithLabelValues(s).Set(v)
	}
}
