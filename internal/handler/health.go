// Package handler serves the optional admin HTTP endpoints.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"authproxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// ConnCounter reports how many client connections are in flight.
type ConnCounter interface {
	Active() int64
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	conns   ConnCounter
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, conns ConnCounter) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, conns: conns}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information. The upstream credential is never included.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":             "ok",
		"version":            string(h.version),
		"listen_addr":        h.cfg.Server.Addr(),
		"upstream":           h.cfg.Upstream.Address,
		"active_connections": h.conns.Active(),
	})
}
