package registry

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/medbridge/medbridge/internal/integration/connector"
	"github.com/medbridge/medbridge/internal/integration/errs"
)

// Handler exposes integration configuration management over HTTP.
type Handler struct {
	reg *Registry
}

func NewHandler(reg *Registry) *Handler {
	return &Handler{reg: reg}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/integrations", h.create)
	g.GET("/integrations", h.list)
	g.GET("/integrations/:id", h.get)
	g.PUT("/integrations/:id", h.update)
	g.DELETE("/integrations/:id", h.delete)
}

func (h *Handler) create(c echo.Context) error {
	var cfg connector.IntegrationConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	created, err := h.reg.Create(c.Request().Context(), cfg)
	if err != nil {
		return registryError(err)
	}
	return c.JSON(http.StatusCreated, redact(created))
}

func (h *Handler) list(c echo.Context) error {
	configs := h.reg.List()
	out := make([]*connector.IntegrationConfig, 0, len(configs))
	for i := range configs {
		out = append(out, redact(&configs[i]))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"integrations": out,
	})
}

func (h *Handler) get(c echo.Context) error {
	cfg, ok := h.reg.Config(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "integration not found")
	}
	return c.JSON(http.StatusOK, redact(cfg))
}

func (h *Handler) update(c echo.Context) error {
	var cfg connector.IntegrationConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	updated, err := h.reg.Update(c.Request().Context(), c.Param("id"), cfg)
	if err != nil {
		return registryError(err)
	}
	return c.JSON(http.StatusOK, redact(updated))
}

func (h *Handler) delete(c echo.Context) error {
	if err := h.reg.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return registryError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// redact strips credentials from an outgoing configuration.
func redact(cfg *connector.IntegrationConfig) *connector.IntegrationConfig {
	out := *cfg
	if out.APIKey != "" {
		out.APIKey = "***"
	}
	if out.ClientSecret != "" {
		out.ClientSecret = "***"
	}
	if out.Password != "" {
		out.Password = "***"
	}
	if out.PrivateKeyPEM != "" {
		out.PrivateKeyPEM = "***"
	}
	return &out
}

func registryError(err error) *echo.HTTPError {
	switch {
	case errs.KindOf(err) == errs.KindConfiguration:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case strings.Contains(err.Error(), "not found"):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case strings.Contains(err.Error(), "already exists"):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
