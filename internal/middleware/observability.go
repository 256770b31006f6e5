package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograde/internal/observability"
)

// Observability records Prometheus metrics and a structured access log line for every API request.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		if !strings.HasPrefix(c.Path(), "/api") {
			return err
		}

		route := routeTemplate(c)
		method := c.Method()
		status := c.Response().StatusCode()

		observability.HTTPRequests().WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		observability.HTTPLatency().WithLabelValues(method, route).Observe(duration.Seconds())

		requestLogger := logger.With().
			Str("correlation_id", GetCorrelationID(c)).
			Str("route", route).
			Str("method", method).
			Int("status", status).
			Float64("latency_ms", float64(duration)/float64(time.Millisecond)).
			Str("latency_bucket", latencyBucket(duration)).
			Logger()

		switch {
		case status >= fiber.StatusInternalServerError:
			requestLogger.Error().Msg("request failed")
		case status >= fiber.StatusBadRequest:
			requestLogger.Warn().Msg("request completed with client error")
		default:
			requestLogger.Info().Msg("request completed")
		}

		return err
	}
}

func routeTemplate(c *fiber.Ctx) string {
	if c.Route() != nil && c.Route().Path != "" {
		return c.Route().Path
	}
	return c.Path()
}

// grading calls dominate, so buckets reach into seconds
func latencyBucket(duration time.Duration) string {
	switch {
	case duration <= 100*time.Millisecond:
		return "<=100ms"
	case duration <= time.Second:
		return "<=1s"
	case duration <= 5*time.Second:
		return "<=5s"
	case duration <= 30*time.Second:
		return "<=30s"
	default:
		return ">30s"
	}
}
