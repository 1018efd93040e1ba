package http

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/newsrag/internal/logging"
)

const meterName = "github.com/fyrsmithlabs/newsrag/internal/http"

// HTTPMetrics records REST traffic and websocket activity.
type HTTPMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	bytesOut metric.Int64Histogram
	inFlight metric.Int64UpDownCounter
	sockets  metric.Int64UpDownCounter
	frames   metric.Int64Counter
}

// NewHTTPMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil. Instruments that fail to register are skipped.
func NewHTTPMetrics(meter metric.Meter, logger *logging.Logger) *HTTPMetrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &HTTPMetrics{}
	var errs [6]error

	m.requests, errs[0] = meter.Int64Counter("newsrag.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status"),
		metric.WithUnit("{request}"))
	m.latency, errs[1] = meter.Float64Histogram("newsrag.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by method, route and status"),
		metric.WithUnit("s"),
		// Chat requests wait on the model, so the upper buckets stay wide.
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60))
	m.bytesOut, errs[2] = meter.Int64Histogram("newsrag.http.response_size_bytes",
		metric.WithDescription("HTTP response body size"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(64, 256, 1024, 4096, 16384, 65536))
	m.inFlight, errs[3] = meter.Int64UpDownCounter("newsrag.http.active_requests",
		metric.WithDescription("HTTP requests being served"),
		metric.WithUnit("{request}"))
	m.sockets, errs[4] = meter.Int64UpDownCounter("newsrag.ws.active_connections",
		metric.WithDescription("Open websocket connections"),
		metric.WithUnit("{connection}"))
	m.frames, errs[5] = meter.Int64Counter("newsrag.ws.frames_total",
		metric.WithDescription("Websocket frames received by type"),
		metric.WithUnit("{frame}"))

	if err := errors.Join(errs[:]...); err != nil && logger != nil {
		logger.Warn(context.Background(), "some http instruments unavailable", zap.Error(err))
	}
	return m
}

// Middleware records one data point per request. Unmatched routes share
// the "unmatched" label so the series count stays bounded.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.String("status", strconv.Itoa(c.Response().Status)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.bytesOut != nil {
				m.bytesOut.Record(ctx, c.Response().Size, attrs)
			}
			return err
		}
	}
}

func (m *HTTPMetrics) socketOpened(ctx context.Context, delta int64) {
	if m.sockets != nil {
		m.sockets.Add(ctx, delta)
	}
}

func (m *HTTPMetrics) frameReceived(ctx context.Context, frameType string) {
	if m.frames != nil {
		m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("type", frameType)))
	}
}
