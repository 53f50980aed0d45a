// Package metrics provides Prometheus instrumentation for the forum server:
// session lifecycle, login outcomes, command processing and attachment
// transfers.
//
// All observation methods are nil-safe. Components accept a *Metrics and may
// be handed nil when metrics are disabled, which makes every observation a
// no-op with zero overhead.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label constants for metrics.
const (
	LabelOutcome   = "outcome"
	LabelVerb      = "verb"
	LabelStatus    = "status"
	LabelDirection = "direction"
	LabelReason    = "reason"
)

// Status constants for command and transfer results.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusRejected = "rejected"
)

// Reason constants for session teardown.
const (
	ReasonLogout   = "logout"
	ReasonIdle     = "idle"
	ReasonShutdown = "shutdown"
)

// Login outcome constants.
const (
	OutcomeSuccess       = "success"
	OutcomeWrongPassword = "wrong_password"
	OutcomeUserInUse     = "user_in_use"
)

// Metrics provides Prometheus metrics for the forum server.
type Metrics struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	sessionsClosed *prometheus.CounterVec

	loginsTotal   *prometheus.CounterVec
	commandsTotal *prometheus.CounterVec

	transfersActive   *prometheus.GaugeVec
	transfersTotal    *prometheus.CounterVec
	transferBytes     *prometheus.CounterVec
	transferDuration  *prometheus.HistogramVec
	reservationsSwept prometheus.Counter
}

// NewMetrics creates and registers the server metrics.
// If registry is nil, metrics are created but not registered (useful for testing).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "threadline",
				Subsystem: "sessions",
				Name:      "active",
				Help:      "Number of live client sessions",
			},
		),

		sessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "threadline",
				Subsystem: "sessions",
				Name:      "opened_total",
				Help:      "Total number of sessions created",
			},
		),

		sessionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threadline",
				Subsystem: "sessions",
				Name:      "closed_total",
				Help:      "Total number of sessions torn down",
			},
			[]string{LabelReason},
		),

		loginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threadline",
				Subsystem: "sessions",
				Name:      "logins_total",
				Help:      "Total number of completed login attempts",
			},
			[]string{LabelOutcome},
		),

		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threadline",
				Subsystem: "commands",
				Name:      "processed_total",
				Help:      "Total number of authenticated commands processed",
			},
			[]string{LabelVerb, LabelStatus},
		),

		transfersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "threadline",
				Subsystem: "transfers",
				Name:      "active",
				Help:      "Number of in-flight attachment transfers",
			},
			[]string{LabelDirection},
		),

		transfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threadline",
				Subsystem: "transfers",
				Name:      "total",
				Help:      "Total number of attachment transfers",
			},
			[]string{LabelDirection, LabelStatus},
		),

		transferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threadline",
				Subsystem: "transfers",
				Name:      "bytes_total",
				Help:      "Total attachment bytes moved",
			},
			[]string{LabelDirection},
		),

		transferDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "threadline",
				Subsystem: "transfers",
				Name:      "duration_seconds",
				Help:      "Wall time of attachment transfers",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{LabelDirection},
		),

		reservationsSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "threadline",
				Subsystem: "transfers",
				Name:      "reservations_expired_total",
				Help:      "Total number of transfer reservations expired unclaimed",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.sessionsActive,
			m.sessionsTotal,
			m.sessionsClosed,
			m.loginsTotal,
			m.commandsTotal,
			m.transfersActive,
			m.transfersTotal,
			m.transferBytes,
			m.transferDuration,
			m.reservationsSwept,
		)
	}

	return m
}

// SessionOpened records a new session worker.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

// SessionClosed records a session teardown with its reason.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

// ObserveLogin records the outcome of a completed password exchange.
func (m *Metrics) ObserveLogin(outcome string) {
	if m == nil {
		return
	}
	m.loginsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCommand records one authenticated command and its result.
func (m *Metrics) ObserveCommand(verb string, ok bool) {
	if m == nil {
		return
	}
	status := StatusOK
	if !ok {
		status = StatusError
	}
	m.commandsTotal.WithLabelValues(verb, status).Inc()
}

// TransferStarted records the start of an attachment transfer.
func (m *Metrics) TransferStarted(direction string) {
	if m == nil {
		return
	}
	m.transfersActive.WithLabelValues(direction).Inc()
}

// TransferFinished records the end of an attachment transfer.
func (m *Metrics) TransferFinished(direction, status string, bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.transfersActive.WithLabelValues(direction).Dec()
	m.transfersTotal.WithLabelValues(direction, status).Inc()
	if bytes > 0 {
		m.transferBytes.WithLabelValues(direction).Add(float64(bytes))
	}
	m.transferDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// TransferRejected records a data-plane connection with no reservation.
func (m *Metrics) TransferRejected() {
	if m == nil {
		return
	}
	m.transfersTotal.WithLabelValues("unknown", StatusRejected).Inc()
}

// ReservationsExpired records reservations dropped by the expiry sweep.
func (m *Metrics) ReservationsExpired(count int) {
	if m == nil {
		return
	}
	m.reservationsSwept.Add(float64(count))
}
