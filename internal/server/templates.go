package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fnsched/fnsched/internal/store"
)

func templateID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid template id")
	}
	return id, nil
}

// handleListTemplates handles GET /api/templates.
func (s *Server) handleListTemplates(c echo.Context) error {
	templates, err := s.store.ListTemplates()
	if err != nil {
		return s.writeError(c, err)
	}
	if templates == nil {
		templates = []store.Template{}
	}
	return c.JSON(http.StatusOK, map[string]any{"data": templates})
}

// handleCreateTemplate handles POST /api/templates.
func (s *Server) handleCreateTemplate(c echo.Context) error {
	var in store.TemplateInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid JSON payload"))
	}
	tpl, err := s.store.CreateTemplate(in)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, tpl)
}

// handleGetTemplate handles GET /api/templates/:id.
func (s *Server) handleGetTemplate(c echo.Context) error {
	id, err := templateID(c)
	if err != nil {
		return err
	}
	tpl, err := s.store.GetTemplate(id)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, tpl)
}

// handleUpdateTemplate handles PUT /api/templates/:id.
func (s *Server) handleUpdateTemplate(c echo.Context) error {
	id, err := templateID(c)
	if err != nil {
		return err
	}
	var in store.TemplateInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid JSON payload"))
	}
	tpl, err := s.store.UpdateTemplate(id, in)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, tpl)
}

// handleDeleteTemplate handles DELETE /api/templates/:id.
func (s *Server) handleDeleteTemplate(c echo.Context) error {
	id, err := templateID(c)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTemplate(id); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": true})
}

// handleExportTemplates handles GET /api/templates/export.
func (s *Server) handleExportTemplates(c echo.Context) error {
	export, err := s.store.ExportTemplates()
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, export)
}

// handleImportTemplates handles POST /api/templates/import, upserting by key.
func (s *Server) handleImportTemplates(c echo.Context) error {
	var entries store.TemplateExport
	if err := c.Bind(&entries); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid JSON payload"))
	}
	n, err := s.store.ImportTemplates(entries)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"imported": n})
}
