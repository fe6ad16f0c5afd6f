package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Health answers liveness probes with a plain "OK".
func (h *HealthHandler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// Healthz is the JSON form of Health.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"transport":    h.cfg.Upstream.TransportMode(),
		"proxy_prefix": h.cfg.Server.ProxyPrefix(),
	})
}
