package cdc

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Handler exposes the change log over HTTP.
type Handler struct {
	tracker *Tracker
}

func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/changes", h.listChanges)
	g.POST("/changes/compact", h.compact)
	g.POST("/changes/mark-synced", h.markSynced)
}

func (h *Handler) listChanges(c echo.Context) error {
	unsyncedOnly := c.QueryParam("unsynced") == "true"
	changes := h.tracker.Changes(unsyncedOnly)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":   len(changes),
		"changes": changes,
	})
}

func (h *Handler) compact(c echo.Context) error {
	removed := h.tracker.Compact()
	return c.JSON(http.StatusOK, map[string]interface{}{"removed": removed})
}

func (h *Handler) markSynced(c echo.Context) error {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.IDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "ids is required")
	}
	n := h.tracker.MarkSynced(req.IDs, time.Now())
	return c.JSON(http.StatusOK, map[string]interface{}{"marked": n})
}
