package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "portfolio_gate"

var (
	// Validations counts validate calls by outcome.
	Validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validations_total",
		Help:      "Credential validations by outcome.",
	}, []string{"outcome"})

	// Lockouts counts lockout windows entered.
	Lockouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lockouts_total",
		Help:      "Lockout windows entered after repeated failures.",
	})

	// SessionsCleared counts full state clears.
	SessionsCleared = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_cleared_total",
		Help:      "Full session clears by reason.",
	}, []string{"reason"})

	// Revocations counts single-item revokes.
	Revocations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "revocations_total",
		Help:      "Single content items removed from the session.",
	})

	// StorageFaults counts recovered persistence failures.
	StorageFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_faults_total",
		Help:      "Persistence reads or writes that failed and were recovered.",
	}, []string{"op"})

	// Profiles is a gauge for client profiles holding persisted state.
	Profiles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "profiles",
		Help:      "Client profiles holding persisted gate state after the last sweep.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// HTTPRequests counts API requests by route and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "API requests by route and status code.",
	}, []string{"route", "code"})
)
