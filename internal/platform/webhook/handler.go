package webhook

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Handler exposes webhook management over HTTP.
type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/webhooks", h.create)
	g.GET("/webhooks", h.list)
	g.GET("/webhooks/:id", h.get)
	g.PUT("/webhooks/:id", h.update)
	g.DELETE("/webhooks/:id", h.delete)
	g.POST("/webhooks/:id/pause", h.pause)
	g.POST("/webhooks/:id/resume", h.resume)
	g.GET("/webhooks/:id/events", h.events)
	g.GET("/webhooks/:id/health", h.health)
	g.POST("/webhooks/events/:eventId/retry", h.retryEvent)
}

type webhookRequest struct {
	URL     string            `json:"url"`
	Events  []string          `json:"events"`
	Secret  string            `json:"secret"`
	Headers map[string]string `json:"headers"`
	Retry   *RetryPolicy      `json:"retry"`
}

func (h *Handler) create(c echo.Context) error {
	var req webhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	cfg := Config{
		URL:     req.URL,
		Events:  req.Events,
		Secret:  req.Secret,
		Headers: req.Headers,
		Active:  true,
	}
	if req.Retry != nil {
		cfg.Retry = *req.Retry
	}

	created, err := h.mgr.Register(cfg)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) list(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"webhooks": h.mgr.List(),
	})
}

func (h *Handler) get(c echo.Context) error {
	cfg, ok := h.mgr.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "webhook not found")
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) update(c echo.Context) error {
	var req webhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	cfg, err := h.mgr.Update(c.Param("id"), req.URL, req.Events, req.Secret, req.Headers, req.Retry)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) delete(c echo.Context) error {
	if err := h.mgr.Delete(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) pause(c echo.Context) error {
	cfg, err := h.mgr.SetActive(c.Param("id"), false)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) resume(c echo.Context) error {
	cfg, err := h.mgr.SetActive(c.Param("id"), true)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) events(c echo.Context) error {
	if _, ok := h.mgr.Get(c.Param("id")); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "webhook not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": h.mgr.Events(c.Param("id")),
	})
}

func (h *Handler) health(c echo.Context) error {
	if _, ok := h.mgr.Get(c.Param("id")); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "webhook not found")
	}
	return c.JSON(http.StatusOK, h.mgr.HealthOf(c.Param("id")))
}

func (h *Handler) retryEvent(c echo.Context) error {
	if err := h.mgr.RetryEvent(c.Param("eventId")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
}

func httpError(err error) *echo.HTTPError {
	if strings.Contains(err.Error(), "not found") {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
