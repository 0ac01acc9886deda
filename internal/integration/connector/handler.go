package connector

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medbridge/medbridge/internal/integration/mapping"
)

// Handler exposes connector diagnostics over HTTP.
type Handler struct{}

// NewHandler creates a connector Handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes binds the connector routes to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/connectors/types", h.ListTypes)
	g.GET("/connectors/transforms", h.ListTransforms)
	g.POST("/connectors/test", h.TestConnection)
	g.POST("/connectors/health", h.HealthCheck)
}

// ListTransforms handles GET /connectors/transforms: the named transforms a
// field mapping may reference.
func (h *Handler) ListTransforms(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"transforms": mapping.TransformNames()})
}

// ListTypes handles GET /connectors/types.
func (h *Handler) ListTypes(c echo.Context) error {
	out := make(map[string]Capability, len(registry))
	for _, t := range AvailableTypes() {
		cap, _ := Capabilities(SystemType(t))
		out[t] = cap
	}
	return c.JSON(http.StatusOK, out)
}

// TestConnection handles POST /connectors/test: builds a connector from the
// posted configuration and probes it.
func (h *Handler) TestConnection(c echo.Context) error {
	var cfg IntegrationConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conn, err := New(&cfg)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, conn.TestConnection(c.Request().Context()))
}

// HealthCheck handles POST /connectors/health.
func (h *Handler) HealthCheck(c echo.Context) error {
	var cfg IntegrationConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conn, err := New(&cfg)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, conn.HealthCheck(c.Request().Context()))
}
