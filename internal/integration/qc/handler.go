package qc

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes QC import and review over HTTP.
type Handler struct {
	importer *Importer
}

func NewHandler(importer *Importer) *Handler {
	return &Handler{importer: importer}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/qc/import", h.importFile)
	g.GET("/qc/templates", h.listTemplates)
	g.GET("/qc/records", h.listRecords)
	g.GET("/qc/summary", h.summary)
}

// importFile accepts a multipart "file" upload. The column layout comes from
// the "template" query parameter (biorad-unity, randox) or, for generic
// files, a JSON ColumnMap in the "mapping" form field.
func (h *Handler) importFile(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file upload is required")
	}

	var cols ColumnMap
	switch {
	case c.QueryParam("template") != "":
		tpl, ok := Template(c.QueryParam("template"))
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown template: "+c.QueryParam("template"))
		}
		cols = tpl
	case c.FormValue("mapping") != "":
		if err := json.Unmarshal([]byte(c.FormValue("mapping")), &cols); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid column mapping")
		}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "template query parameter or mapping form field is required")
	}

	f, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read uploaded file")
	}
	defer f.Close()

	result, err := h.importer.ImportCSV(c.Request().Context(), f, cols)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) listTemplates(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"templates": TemplateNames(),
	})
}

func (h *Handler) listRecords(c echo.Context) error {
	records, err := h.importer.Records(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "load qc records")
	}
	if records == nil {
		records = []Record{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"records": records,
	})
}

func (h *Handler) summary(c echo.Context) error {
	s, err := h.importer.Summarize(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "load qc records")
	}
	return c.JSON(http.StatusOK, s)
}
