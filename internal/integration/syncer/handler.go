package syncer

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medbridge/medbridge/internal/integration/connector"
	"github.com/medbridge/medbridge/internal/integration/errs"
)

// ConfigSource resolves integration configurations by id.
type ConfigSource interface {
	Config(id string) (*connector.IntegrationConfig, bool)
}

// Handler exposes sync operations over HTTP.
type Handler struct {
	orch    *Orchestrator
	configs ConfigSource
}

func NewHandler(orch *Orchestrator, configs ConfigSource) *Handler {
	return &Handler{orch: orch, configs: configs}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/sync", h.startSync)
	g.GET("/sync/active", h.activeTasks)
	g.GET("/sync/history", h.history)
	g.DELETE("/sync/:id", h.cancelSync)
	g.POST("/sync/conflicts/resolve", h.resolveConflict)
}

func (h *Handler) startSync(c echo.Context) error {
	var req struct {
		ConfigID     string            `json:"configId"`
		ResourceType string            `json:"resourceType"`
		Direction    Direction         `json:"direction"`
		Filters      map[string]string `json:"filters"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ConfigID == "" || req.ResourceType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "configId and resourceType are required")
	}
	if req.Direction == "" {
		req.Direction = DirectionBidirectional
	}

	cfg, ok := h.configs.Config(req.ConfigID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "configuration not found")
	}

	result, err := h.orch.StartSync(c.Request().Context(), cfg, req.ResourceType, req.Direction, req.Filters)
	if err != nil {
		var ie *errs.Error
		if errors.As(err, &ie) && ie.Kind == errs.KindConfiguration {
			return echo.NewHTTPError(http.StatusConflict, ie.Message)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) activeTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"tasks": h.orch.ActiveTasks()})
}

func (h *Handler) history(c echo.Context) error {
	limit := 50
	if p := c.QueryParam("limit"); p != "" {
		if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": h.orch.History(limit)})
}

func (h *Handler) cancelSync(c echo.Context) error {
	if !h.orch.CancelSync(c.Param("id")) {
		return echo.NewHTTPError(http.StatusNotFound, "no active sync with that id")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) resolveConflict(c echo.Context) error {
	var req struct {
		ConfigID string   `json:"configId"`
		Conflict Conflict `json:"conflict"`
		Strategy Strategy `json:"strategy"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	// Without an explicit strategy, a known config resolves field by field
	// using the conflict hints on its mappings.
	if req.Strategy == "" && req.ConfigID != "" {
		cfg, ok := h.configs.Config(req.ConfigID)
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "configuration not found")
		}
		mapper, err := cfg.Mapper()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		resolution, err := ResolveConflictWithHints(req.Conflict, mapper)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusOK, resolution)
	}

	resolution, err := ResolveConflict(req.Conflict, req.Strategy)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, resolution)
}
