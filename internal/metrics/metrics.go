package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters for session-lifecycle outcomes. Labels are low-cardinality by
// construction: outcome values come from a fixed set, never from user input.
var (
	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"}, // issued | invalid_credentials | locked | error
	)

	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_registrations_total",
			Help: "Registration attempts by outcome.",
		},
		[]string{"outcome"}, // created | conflict | rejected | error
	)

	RefreshRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_rotations_total",
		Help: "Successful refresh-token rotations.",
	})

	ReuseDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_reuse_detected_total",
		Help: "Rotated refresh tokens presented again (family revocations).",
	})

	LockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockouts_total",
		Help: "Accounts locked after repeated login failures.",
	})
)

// Init registers the collectors in the default registry.
func Init() {
	prometheus.MustRegister(
		LoginsTotal,
		RegistrationsTotal,
		RefreshRotationsTotal,
		ReuseDetectedTotal,
		LockoutsTotal,
	)
}

// Handler exposes the default registry for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
