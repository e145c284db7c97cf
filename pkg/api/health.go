package api

import (
	"github.com/cuemby/hpcagent/pkg/metrics"
	"github.com/labstack/echo/v4"
)

// registerHealthRoutes mounts the probe and Prometheus endpoints
func registerHealthRoutes(e *echo.Echo) {
	e.GET("/health", echo.WrapHandler(metrics.HealthHandler()))
	e.GET("/ready", echo.WrapHandler(metrics.ReadyHandler()))
	e.GET("/live", echo.WrapHandler(metrics.LivenessHandler()))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
}
