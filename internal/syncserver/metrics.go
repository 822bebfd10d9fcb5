package syncserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readeasy_sync_login_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"status"}, // success/failure
	)

	registrationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readeasy_sync_registration_attempts_total",
			Help: "Total number of registration attempts",
		},
		[]string{"status"},
	)

	loginDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "readeasy_sync_login_duration_seconds",
			Help:    "Time spent processing login requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	settingsUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readeasy_sync_settings_updates_total",
			Help: "Total number of settings update requests",
		},
		[]string{"status"},
	)

	logoutAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "readeasy_sync_logout_attempts_total",
			Help: "Total number of logout requests",
		},
	)
)
