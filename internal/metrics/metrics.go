// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	framesInTotal       *prometheus.CounterVec
	framesOutTotal      *prometheus.CounterVec
	commandErrors       *prometheus.CounterVec
	driverTicksTotal    prometheus.Counter
	driverPassErrors    *prometheus.CounterVec
	transfersCompleted  prometheus.Counter
	chunksRelayed       prometheus.Counter
	activeConnections   prometheus.Gauge
	activeDrivers       prometheus.Gauge
}

// NewMetrics creates a metrics instance on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a metrics instance on a custom
// registry. This is useful for testing to avoid registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		framesInTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_frames_in_total",
				Help: "Total inbound channel frames by command",
			},
			[]string{"command"},
		),
		framesOutTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_frames_out_total",
				Help: "Total outbound channel frames by command",
			},
			[]string{"command"},
		),
		commandErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_command_errors_total",
				Help: "Total channel command failures by command and status",
			},
			[]string{"command", "status"},
		),
		driverTicksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_driver_ticks_total",
				Help: "Total driver ticks across all drivers",
			},
		),
		driverPassErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_driver_pass_errors_total",
				Help: "Total driver pass failures by pass",
			},
			[]string{"pass"},
		),
		transfersCompleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_transfers_completed_total",
				Help: "Total transfers completed by a final chunk ack",
			},
		),
		chunksRelayed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_chunks_relayed_total",
				Help: "Total chunks handed to receivers",
			},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_connections",
				Help: "Currently open channel connections",
			},
		),
		activeDrivers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_drivers",
				Help: "Currently running driver tasks",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request with its outcome.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	s := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, path, s).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, s).Observe(duration.Seconds())
}

// RecordFrameIn counts an inbound channel frame.
func (m *Metrics) RecordFrameIn(command string) {
	m.framesInTotal.WithLabelValues(command).Inc()
}

// RecordFrameOut counts an outbound channel frame.
func (m *Metrics) RecordFrameOut(command string) {
	m.framesOutTotal.WithLabelValues(command).Inc()
}

// RecordCommandError counts a failed channel command.
func (m *Metrics) RecordCommandError(command string, status int) {
	m.commandErrors.WithLabelValues(command, strconv.Itoa(status)).Inc()
}

// RecordDriverTick counts one driver tick.
func (m *Metrics) RecordDriverTick() {
	m.driverTicksTotal.Inc()
}

// RecordDriverPassError counts a failed driver pass.
func (m *Metrics) RecordDriverPassError(pass string) {
	m.driverPassErrors.WithLabelValues(pass).Inc()
}

// RecordTransferCompleted counts a transfer finished by its last ack.
func (m *Metrics) RecordTransferCompleted() {
	m.transfersCompleted.Inc()
}

// RecordChunkRelayed counts a chunk handed to a receiver.
func (m *Metrics) RecordChunkRelayed() {
	m.chunksRelayed.Inc()
}

// ConnectionOpened tracks a channel connection being established.
func (m *Metrics) ConnectionOpened() { m.activeConnections.Inc() }

// ConnectionClosed tracks a channel connection going away.
func (m *Metrics) ConnectionClosed() { m.activeConnections.Dec() }

// DriverStarted tracks a driver task starting.
func (m *Metrics) DriverStarted() { m.activeDrivers.Inc() }

// DriverStopped tracks a driver task exiting.
func (m *Metrics) DriverStopped() { m.activeDrivers.Dec() }

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
