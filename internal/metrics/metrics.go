// Package metrics provides Prometheus metrics for tunl.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/tunl/internal/protocol"
	"github.com/philsphicas/tunl/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "tunl"

// OverflowTarget is used as the target label when the number of unique
// targets exceeds MaxTargets.
const OverflowTarget = "__other__"

const (
	ReasonAuthFailed         = "auth_failed"
	ReasonHeaderError        = "header_error"
	ReasonFrameError         = "frame_error"
	ReasonDialFailed         = "dial_failed"
	ReasonDialTimeout        = "dial_timeout"
	ReasonAllowlistRejected  = "allowlist_rejected"
	ReasonUnsupportedCommand = "unsupported_command"
	ReasonRelayFailed        = "relay_failed"
	ReasonHandshakeAborted   = "handshake_aborted"
)

// Direction labels for bytes_total. Up is tunnel to destination.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// Metrics holds all Prometheus metrics for tunl.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxTargets is the maximum number of unique target label values.
	// Once exceeded, new targets are recorded as OverflowTarget.
	// Zero means unlimited.
	MaxTargets int

	sessionsTotal    *prometheus.CounterVec
	sessionErrors    *prometheus.CounterVec
	bytesTotal       *prometheus.CounterVec
	activeSessions   *prometheus.GaugeVec
	transports       prometheus.Gauge
	sessionDuration  *prometheus.HistogramVec
	dialDuration     *prometheus.HistogramVec
	dialRetriesTotal *prometheus.CounterVec

	targetCount atomic.Int64
	targets     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions that reached the relaying state.",
		}, []string{"role", "target", "status"}),

		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total number of session errors, by reason.",
		}, []string{"role", "reason"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total payload bytes relayed through the tunnel.",
		}, []string{"role", "target", "direction"}),

		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently relaying.",
		}, []string{"role", "target"}),

		transports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transports",
			Help:      "Number of open WebSocket transports, including those still in the handshake.",
		}),

		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of completed sessions in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"role", "target"}),

		dialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Time spent dialing, including retry backoff intervals, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"role"}),

		dialRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_retries_total",
			Help:      "Total number of server dial retry attempts.",
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.sessionErrors,
		m.bytesTotal,
		m.activeSessions,
		m.transports,
		m.sessionDuration,
		m.dialDuration,
		m.dialRetriesTotal,
	)

	return m
}

// SanitizeTarget returns target if it is within the cardinality budget,
// or OverflowTarget if the cap has been reached. Targets that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizeTarget(target string) string {
	if m == nil {
		return target
	}
	if m.MaxTargets <= 0 {
		return target
	}

	for {
		// Fast path: already-known target.
		if _, ok := m.targets.Load(target); ok {
			return target
		}

		cur := m.targetCount.Load()
		if cur >= int64(m.MaxTargets) {
			// Re-check: another goroutine may have stored this target
			// between our Load and this cap check.
			if _, ok := m.targets.Load(target); ok {
				return target
			}
			return OverflowTarget
		}

		// Try to reserve a slot atomically.
		if !m.targetCount.CompareAndSwap(cur, cur+1) {
			continue
		}

		// Slot reserved. Store the target, undoing the increment if
		// another goroutine stored it first.
		if _, loaded := m.targets.LoadOrStore(target, struct{}{}); loaded {
			m.targetCount.Add(-1)
		}

		return target
	}
}

// SessionOpened increments the active session gauge and should be called
// when relaying begins. Returns a SessionTracker to record the outcome when
// the session ends. The target is sanitized through the cardinality guard.
func (m *Metrics) SessionOpened(role, target string) *SessionTracker {
	if m == nil {
		return nil
	}
	target = m.SanitizeTarget(target)
	m.activeSessions.WithLabelValues(role, target).Inc()
	return &SessionTracker{m: m, role: role, target: target}
}

// SessionError records a session failure under reason.
func (m *Metrics) SessionError(role, reason string) {
	if m == nil {
		return
	}
	m.sessionErrors.WithLabelValues(role, reason).Inc()
}

// Reason maps a session error to its reason label.
func Reason(err error) string {
	var ce *protocol.ConnectError
	switch {
	case errors.Is(err, protocol.ErrAuthentication):
		return ReasonAuthFailed
	case errors.Is(err, protocol.ErrHeaderDecode):
		return ReasonHeaderError
	case errors.Is(err, protocol.ErrFrameIntegrity), errors.Is(err, protocol.ErrFrameTooLarge):
		return ReasonFrameError
	case errors.Is(err, protocol.ErrDestinationRejected):
		return ReasonAllowlistRejected
	case errors.Is(err, protocol.ErrUnsupportedCommand):
		return ReasonUnsupportedCommand
	case errors.As(err, &ce):
		if ce.Reason == protocol.ConnectTimeout {
			return ReasonDialTimeout
		}
		return ReasonDialFailed
	}
	return ReasonRelayFailed
}

// DialReason returns "dial_timeout" if err is a network timeout, otherwise
// returns fallback. Use this to distinguish timeout errors from other dial
// failures in metrics.
func DialReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return fallback
}

// ObserveDialDuration records how long an outbound dial took.
func (m *Metrics) ObserveDialDuration(role string, seconds float64) {
	if m == nil {
		return
	}
	m.dialDuration.WithLabelValues(role).Observe(seconds)
}

// TransportOpened increments the open transport gauge. The returned func
// decrements it and must be called exactly once.
func (m *Metrics) TransportOpened() func() {
	if m == nil {
		return func() {}
	}
	m.transports.Inc()
	var once sync.Once
	return func() { once.Do(m.transports.Dec) }
}

// SessionTracker records the outcome of a single relayed session.
type SessionTracker struct {
	m      *Metrics
	role   string
	target string
}

// Done records the completion of a session. up is payload copied from the
// tunnel toward the destination; down is the reverse.
func (t *SessionTracker) Done(durationSec float64, up, down int64, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeSessions.WithLabelValues(t.role, t.target).Dec()
	t.m.sessionsTotal.WithLabelValues(t.role, t.target, status).Inc()
	t.m.sessionDuration.WithLabelValues(t.role, t.target).Observe(durationSec)
	t.m.bytesTotal.WithLabelValues(t.role, t.target, DirectionUp).Add(float64(up))
	t.m.bytesTotal.WithLabelValues(t.role, t.target, DirectionDown).Add(float64(down))
}

// TrackedBridge wraps relay.Bridge with session lifecycle tracking.
// Safe to call on a nil receiver.
func (m *Metrics) TrackedBridge(ctx context.Context, front, back net.Conn, opts relay.BridgeOptions, role, target string) (relay.BridgeStats, error) {
	tracker := m.SessionOpened(role, target)
	start := time.Now()
	var stats relay.BridgeStats
	var err error
	defer func() {
		tracker.Done(time.Since(start).Seconds(), stats.Up, stats.Down, err)
	}()
	stats, err = relay.Bridge(ctx, front, back, opts)
	return stats, err
}

// IncrDialRetries increments the retry counter for a role.
func (m *Metrics) IncrDialRetries(role string) {
	if m == nil {
		return
	}
	m.dialRetriesTotal.WithLabelValues(role).Inc()
}

// InstrumentedDial wraps relay.DialWebSocket in relay.DialWithRetry with
// duration and error metrics. budget controls the total retry budget
// (0 = single attempt, no retries). Safe to call on a nil receiver.
func (m *Metrics) InstrumentedDial(ctx context.Context, serverURL, host, role string, budget time.Duration, logger *slog.Logger) (*websocket.Conn, error) {
	start := time.Now()
	var onRetry func()
	if m != nil {
		onRetry = func() { m.IncrDialRetries(role) }
	}
	ws, err := relay.DialWithRetry(ctx, budget, onRetry, logger, func(ctx context.Context) (*websocket.Conn, error) {
		return relay.DialWebSocket(ctx, serverURL, host)
	})
	m.ObserveDialDuration(role, time.Since(start).Seconds())
	if err != nil {
		m.SessionError(role, DialReason(err, ReasonRelayFailed))
		return nil, err
	}
	return ws, nil
}
