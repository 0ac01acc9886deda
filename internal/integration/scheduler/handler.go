package scheduler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medbridge/medbridge/internal/integration/syncer"
)

// Handler exposes schedule management over HTTP.
type Handler struct {
	sched *Scheduler
}

func NewHandler(sched *Scheduler) *Handler {
	return &Handler{sched: sched}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/schedules", h.list)
	g.POST("/schedules", h.create)
	g.GET("/schedules/:id", h.get)
	g.PUT("/schedules/:id", h.update)
	g.POST("/schedules/:id/enable", h.enable)
	g.POST("/schedules/:id/disable", h.disable)
	g.DELETE("/schedules/:id", h.remove)
}

func (h *Handler) list(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"tasks": h.sched.Tasks()})
}

func (h *Handler) create(c echo.Context) error {
	var task Task
	if err := c.Bind(&task); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	created, err := h.sched.Add(task)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) get(c echo.Context) error {
	task, ok := h.sched.Task(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	return c.JSON(http.StatusOK, task)
}

func (h *Handler) update(c echo.Context) error {
	var req struct {
		Schedule  Schedule         `json:"schedule"`
		Direction syncer.Direction `json:"direction"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	task, err := h.sched.Update(c.Param("id"), req.Schedule, req.Direction)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, task)
}

func (h *Handler) enable(c echo.Context) error {
	return h.setEnabled(c, true)
}

func (h *Handler) disable(c echo.Context) error {
	return h.setEnabled(c, false)
}

func (h *Handler) setEnabled(c echo.Context, enabled bool) error {
	task, err := h.sched.SetEnabled(c.Param("id"), enabled)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, task)
}

func (h *Handler) remove(c echo.Context) error {
	if err := h.sched.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
