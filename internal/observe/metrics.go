// Package observe provides application-wide observability primitives for
// speechmux: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all speechmux metrics.
const meterName = "github.com/MrWong99/speechmux"

// Metrics holds all OpenTelemetry metric instruments for the engine.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RequestDuration tracks the time from request start to its terminal
	// result. Use with attributes:
	//   attribute.String("service", ...), attribute.String("kind", ...)
	RequestDuration metric.Float64Histogram

	// ConnectDuration tracks how long establishing a connection took.
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// RequestsStarted counts started requests. Use with attribute:
	//   attribute.String("service", ...)
	RequestsStarted metric.Int64Counter

	// Results counts terminal results. Use with attributes:
	//   attribute.String("service", ...), attribute.String("kind", ...)
	Results metric.Int64Counter

	// Cancellations counts cancel calls. Use with attribute:
	//   attribute.String("service", ...)
	Cancellations metric.Int64Counter

	// FramesSent counts frames written to the transport. Use with attribute:
	//   attribute.String("kind", ...)
	FramesSent metric.Int64Counter

	// --- Connection supervision ---

	// Reconnects counts connections established after the first one.
	Reconnects metric.Int64Counter

	// ConnectFailures counts failed dial attempts.
	ConnectFailures metric.Int64Counter

	// PingFailures counts keepalive pings that failed.
	PingFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of live transport connections.
	ActiveConnections metric.Int64UpDownCounter

	// InFlightRequests tracks requests that have not delivered their
	// terminal result yet. Use with attribute:
	//   attribute.String("service", ...)
	InFlightRequests metric.Int64UpDownCounter

	// QueueDepth reports the number of request ids tracked by a client's
	// response queue. Use with attribute:
	//   attribute.String("service", ...)
	QueueDepth metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for streaming speech round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RequestDuration, err = m.Float64Histogram("speechmux.request.duration",
		metric.WithDescription("Latency from request start to its terminal result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("speechmux.connect.duration",
		metric.WithDescription("Latency of establishing a transport connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RequestsStarted, err = m.Int64Counter("speechmux.requests.started",
		metric.WithDescription("Total started requests by service."),
	); err != nil {
		return nil, err
	}
	if met.Results, err = m.Int64Counter("speechmux.results",
		metric.WithDescription("Total terminal results by service and kind."),
	); err != nil {
		return nil, err
	}
	if met.Cancellations, err = m.Int64Counter("speechmux.cancellations",
		metric.WithDescription("Total cancel calls by service."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("speechmux.frames.sent",
		metric.WithDescription("Total frames written to the transport by kind."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("speechmux.reconnects",
		metric.WithDescription("Total connections established after the first."),
	); err != nil {
		return nil, err
	}
	if met.ConnectFailures, err = m.Int64Counter("speechmux.connect.failures",
		metric.WithDescription("Total failed connection attempts."),
	); err != nil {
		return nil, err
	}
	if met.PingFailures, err = m.Int64Counter("speechmux.ping.failures",
		metric.WithDescription("Total failed keepalive pings."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("speechmux.active_connections",
		metric.WithDescription("Number of live transport connections."),
	); err != nil {
		return nil, err
	}
	if met.InFlightRequests, err = m.Int64UpDownCounter("speechmux.inflight_requests",
		metric.WithDescription("Number of requests awaiting their terminal result."),
	); err != nil {
		return nil, err
	}

	if met.QueueDepth, err = m.Int64Gauge("speechmux.queue.depth",
		metric.WithDescription("Request ids tracked by the response queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("speechmux.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRequestStart counts a started request and marks it in flight.
func (m *Metrics) RecordRequestStart(ctx context.Context, service string) {
	attrs := metric.WithAttributes(attribute.String("service", service))
	m.RequestsStarted.Add(ctx, 1, attrs)
	m.InFlightRequests.Add(ctx, 1, attrs)
}

// RecordResult records the terminal result of a request that started at
// start and removes it from the in-flight gauge.
func (m *Metrics) RecordResult(ctx context.Context, service, kind string, start time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("kind", kind),
	)
	m.Results.Add(ctx, 1, attrs)
	if !start.IsZero() {
		m.RequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	m.InFlightRequests.Add(ctx, -1, metric.WithAttributes(attribute.String("service", service)))
}

// RecordCancel counts one cancel call.
func (m *Metrics) RecordCancel(ctx context.Context, service string) {
	m.Cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("service", service)))
}

// RecordFrameSent counts one frame of the given kind written to the
// transport.
func (m *Metrics) RecordFrameSent(ctx context.Context, kind string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordConnect records the outcome of one connection attempt. reconnect
// marks a connection that replaces an earlier one.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration, err error, reconnect bool) {
	status := "ok"
	if err != nil {
		status = "error"
		m.ConnectFailures.Add(ctx, 1)
	} else {
		m.ActiveConnections.Add(ctx, 1)
		if reconnect {
			m.Reconnects.Add(ctx, 1)
		}
	}
	m.ConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordDisconnect removes one connection from the active gauge.
func (m *Metrics) RecordDisconnect(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}

// RecordPingFailure counts one failed keepalive ping.
func (m *Metrics) RecordPingFailure(ctx context.Context) {
	m.PingFailures.Add(ctx, 1)
}

// RecordQueueDepth reports the current response queue depth of service.
func (m *Metrics) RecordQueueDepth(ctx context.Context, service string, n int) {
	m.QueueDepth.Record(ctx, int64(n), metric.WithAttributes(attribute.String("service", service)))
}
