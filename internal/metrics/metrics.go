package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetd"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	actionsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "actions_issued_total",
			Help:      "Actions handed to agents, by kind.",
		}, []string{"kind"},
	)
	actionsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "actions_completed_total",
			Help:      "Actions acknowledged as successful by agents, by kind.",
		}, []string{"kind"},
	)
	actionsAbandoned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "actions_abandoned_total",
			Help:      "Outstanding actions dropped without acknowledgement.",
		},
	)
	statusesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "statuses_expired_total",
			Help:      "RUNNING statuses flipped to STOPPED by housekeeping.",
		},
	)
	nextActionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "next_action_duration_seconds",
			Help:      "Time spent computing one next-action reply.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	leaseEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "events_total",
			Help:      "Lease table changes by event (granted, denied, freed, expired).",
		}, []string{"event"},
	)
	leasesHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "held",
			Help:      "Leases currently held in the table.",
		},
	)
	agentActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "actions_total",
			Help:      "Actions executed by the agent, by kind and result.",
		}, []string{"kind", "result"},
	)
	agentRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "running_daemons",
			Help:      "Daemons detected alive on this host at the last probe.",
		},
	)
	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "launches_total",
			Help:      "Supervised task launches, by reason (initial, crash, exit, build).",
		}, []string{"reason"},
	)
	connectionRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "retries_total",
			Help:      "Failed attempts to reach the coordinator.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		actionsIssued, actionsCompleted, actionsAbandoned, statusesExpired, nextActionDuration,
		leaseEvents, leasesHeld, agentActions, agentRunning, launches, connectionRetries,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered collectors are kept (double Register with the default registry)
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncActionIssued(kind string) {
	if regOK.Load() {
		actionsIssued.WithLabelValues(kind).Inc()
	}
}

func IncActionCompleted(kind string) {
	if regOK.Load() {
		actionsCompleted.WithLabelValues(kind).Inc()
	}
}

func IncActionAbandoned() {
	if regOK.Load() {
		actionsAbandoned.Inc()
	}
}

func AddStatusesExpired(n int64) {
	if regOK.Load() && n > 0 {
		statusesExpired.Add(float64(n))
	}
}

func ObserveNextAction(seconds float64) {
	if regOK.Load() {
		nextActionDuration.Observe(seconds)
	}
}

func IncLeaseEvent(event string) {
	if regOK.Load() {
		leaseEvents.WithLabelValues(event).Inc()
	}
}

func SetLeasesHeld(n int) {
	if regOK.Load() {
		leasesHeld.Set(float64(n))
	}
}

func IncAgentAction(kind string, ok bool) {
	if regOK.Load() {
		result := "failure"
		if ok {
			result = "success"
		}
		agentActions.WithLabelValues(kind, result).Inc()
	}
}

func SetAgentRunning(n int) {
	if regOK.Load() {
		agentRunning.Set(float64(n))
	}
}

func IncLaunch(reason string) {
	if regOK.Load() {
		launches.WithLabelValues(reason).Inc()
	}
}

func IncConnectionRetry() {
	if regOK.Load() {
		connectionRetries.Inc()
	}
}
