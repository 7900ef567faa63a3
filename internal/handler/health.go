package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"authgate/internal/config"
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

// Healthz returns a simple OK response for liveness probes.
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
		"upstream_url": h.cfg.Upstream.BaseURL,
		"prefix":       h.cfg.Server.Prefix,
		"auth":         h.authMode(),
	})
}

// authMode reports the token failure policy, or "disabled" when no token
// endpoint is configured. The token URL itself is not exposed.
func (h *HealthHandler) authMode() string {
	if !h.cfg.Auth.Enabled() {
		return "disabled"
	}
	return h.cfg.Auth.OnError
}
