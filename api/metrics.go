package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestEventName   = "tasklist.http.request"
	requestEventDomain = "tasklist.api"
	observabilityEvent = "observability.event"
)

// RequestMetrics opens a server span per request and emits one structured
// observability event to the span and the log when the request completes.
func RequestMetrics(logger *log.Logger) echo.MiddlewareFunc {
	tracer := otel.Tracer("task-manager/api")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			ctx, span := tracer.Start(req.Context(), req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.route", route),
					attribute.String("http.method", req.Method),
				))
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			status := c.Response().Status
			elapsed := durationToMillis(time.Since(start))
			severityText, severityNumber := severityForStatus(status, err)

			attrs := map[string]any{
				"http.route":        route,
				"http.method":       req.Method,
				"http.status_code":  status,
				"tasklist.total_ms": elapsed,
			}
			spanAttrs := []attribute.KeyValue{
				attribute.String("event.name", requestEventName),
				attribute.String("event.domain", requestEventDomain),
				attribute.String("severity_text", severityText),
				attribute.Float64("tasklist.total_ms", elapsed),
			}
			if user, ok := c.Get(userContextKey).(string); ok {
				attrs["enduser.id"] = user
			}
			if err != nil {
				attrs["error.message"] = err.Error()
				spanAttrs = append(spanAttrs, attribute.String("error.message", err.Error()))
			}

			span.SetAttributes(attribute.Int("http.status_code", status))
			span.AddEvent(observabilityEvent, trace.WithAttributes(spanAttrs...))
			if err != nil || status >= http.StatusInternalServerError {
				desc := http.StatusText(status)
				if err != nil {
					desc = err.Error()
				}
				span.SetStatus(codes.Error, desc)
			} else {
				span.SetStatus(codes.Ok, "")
			}

			fields := log.Fields{
				"event.name":      requestEventName,
				"event.domain":    requestEventDomain,
				"severity_text":   severityText,
				"severity_number": severityNumber,
				"attributes":      attrs,
			}
			if sc := span.SpanContext(); sc.HasTraceID() {
				fields["trace_id"] = sc.TraceID().String()
				fields["span_id"] = sc.SpanID().String()
			}
			logger.WithFields(fields).Log(levelForSeverity(severityNumber), observabilityEvent)
			return nil
		}
	}
}

// severityForStatus maps a response onto OpenTelemetry log severities.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func levelForSeverity(number int) log.Level {
	switch {
	case number >= 17:
		return log.ErrorLevel
	case number >= 13:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
