package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registered once on the default registry; constructors may run many times.
var (
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webguard_checks_total", Help: "Probe executions by kind and status",
	}, []string{"kind", "status"})

	CheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "webguard_check_duration_seconds", Help: "Probe duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	IncidentsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webguard_incidents_opened_total", Help: "Incidents opened by kind",
	}, []string{"kind"})

	IncidentsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webguard_incidents_resolved_total", Help: "Incidents resolved by kind",
	}, []string{"kind"})

	PersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webguard_persist_errors_total", Help: "Store writes that failed during a check run",
	})

	ScheduledTargets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webguard_scheduled_targets", Help: "Targets with an active timer",
	})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "webguard_tick_duration_seconds", Help: "Scheduled tick duration (checks + result processing)",
		Buckets: prometheus.DefBuckets,
	})

	TickPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webguard_tick_panics_total", Help: "Ticks that panicked and were recovered",
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webguard_notifications_total", Help: "Notification outcomes by kind and result",
	}, []string{"kind", "result"})
)
