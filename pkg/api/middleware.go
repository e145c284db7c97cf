package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/cuemby/hpcagent/pkg/metrics"
	"github.com/labstack/echo/v4"
)

// authenticate rejects method calls without the cluster key. An empty
// key disables the check.
func authenticate(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if key == "" {
			return next
		}
		return func(c echo.Context) error {
			got := c.Request().Header.Get(HeaderAuthenticationKey)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				return c.JSON(http.StatusUnauthorized, errorBody("authentication key mismatch"))
			}
			return next(c)
		}
	}
}

// requestLogger logs every request and records the API metrics
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		timer := metrics.NewTimer()

		if err := next(c); err != nil {
			c.Error(err)
		}

		label := s.methodLabel(c)
		status := c.Response().Status
		metrics.APIRequestsTotal.WithLabelValues(label, strconv.Itoa(status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, label)

		event := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("http_method", c.Request().Method).
			Str("uri", c.Request().RequestURI).
			Str("callback_uri", c.Request().Header.Get(HeaderCallbackURI)).
			Int("status", status).
			Dur("duration", timer.Duration()).
			Msg("HTTP")
		return nil
	}
}

// methodLabel bounds the metric label set to known method names
func (s *Server) methodLabel(c echo.Context) string {
	if c.Param("space") == Space {
		if name := strings.ToLower(c.Param("method")); s.methods[name] != nil {
			return name
		}
		return "unknown"
	}
	if p := c.Path(); p == "/health" || p == "/ready" || p == "/live" || p == "/metrics" {
		return strings.TrimPrefix(p, "/")
	}
	return "other"
}
