package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"devtools-proxy-go/internal/config"
	"devtools-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Everything
// outside the reserved admin and metrics paths goes to the proxy.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	if cfg.Admin.Enabled {
		e.GET(cfg.Admin.Prefix+"/healthz", health.Healthz)
		e.GET(cfg.Admin.Prefix+"/status", health.Status)
	}

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", proxy.Handle)
	e.RouteNotFound("/*", proxy.Handle)
}
