package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"upload-gate/internal/config"
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

type statusResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Scanner string            `json:"scanner"`
	Workers map[string]string `json:"workers"`
	Cache   bool              `json:"verdict_cache"`
	Audit   string            `json:"audit"`
}

// Status returns gate status information.
func (h *HealthHandler) Status(c echo.Context) error {
	audit := "log"
	if h.cfg.Audit.NATSURL != "" {
		audit = "nats"
	}

	return c.JSON(http.StatusOK, statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Scanner: h.cfg.Scanner.Backend,
		Workers: map[string]string{
			"document_worker": h.cfg.Workers.Document.BaseURL,
			"home_worker":     h.cfg.Workers.Home.BaseURL,
		},
		Cache: h.cfg.Cache.Enabled,
		Audit: audit,
	})
}
