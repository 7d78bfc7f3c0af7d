// Package handler mounts the worker's diagnostics and health endpoints.
// They are read-only observers: nothing in here can influence the
// ingestion path.
package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lexwatch/notification-worker/internal/consumer"
	"github.com/lexwatch/notification-worker/internal/processor"
	"github.com/lexwatch/notification-worker/internal/status"
)

// ServiceName identifies the worker on the identity endpoint.
const ServiceName = "notification-worker"

// Deps are the observers the HTTP surface renders.
type Deps struct {
	Monitor  *status.Monitor
	Metrics  *consumer.Metrics
	Registry *processor.Registry
	// Subjects shown on /diagnostics.
	MatchSubject string
	DLQSubject   string
	StartedAt    time.Time
}

// RegisterRoutes mounts all notification-worker HTTP endpoints.
func RegisterRoutes(e *echo.Echo, deps Deps) {
	e.GET("/", identityHandler())
	e.GET("/health", healthHandler())
	e.GET("/ready", readyHandler(deps.Monitor))
	e.GET("/status", statusHandler(deps.Monitor))
	e.GET("/metrics", metricsHandler(deps.Metrics))
	e.GET("/diagnostics", diagnosticsHandler(deps))
}

// ── handlers ──────────────────────────────────────────────────────────────

func identityHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"service": ServiceName,
		})
	}
}

// healthHandler answers 200 unconditionally: liveness means the process is
// up, not that its dependencies are.
func healthHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

// readyHandler answers 200 while the service can do any useful work at all;
// only full failure (all three sub-states down) returns 503.
func readyHandler(monitor *status.Monitor) echo.HandlerFunc {
	return func(c echo.Context) error {
		mode := monitor.Mode()
		code := http.StatusOK
		if mode == status.ModeFailed {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, map[string]string{"mode": string(mode)})
	}
}

func statusHandler(monitor *status.Monitor) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, monitor.Snapshot())
	}
}

func metricsHandler(metrics *consumer.Metrics) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, metrics.Snapshot())
	}
}

func diagnosticsHandler(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"service":        ServiceName,
			"processors":     deps.Registry.Types(),
			"match_subject":  deps.MatchSubject,
			"dlq_subject":    deps.DLQSubject,
			"uptime_seconds": int64(time.Since(deps.StartedAt).Seconds()),
		})
	}
}
