// Package httpapi exposes the workflow lifecycle store (and the rest of
// the engine behind it) over HTTP: a thin struct wrapping the real
// logic, plus a RegisterRoutes method. Only the endpoints that map 1:1
// onto engine operations live here; file browsing, session cookies,
// static assets, and code checking belong to external collaborators.
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cyverse-de/workflow-engine/common"
	"github.com/cyverse-de/workflow-engine/crypt"
	"github.com/cyverse-de/workflow-engine/enginetypes"
	"github.com/cyverse-de/workflow-engine/store"
)

var log = common.Log

// Handlers provides HTTP handlers for the workflow engine API.
type Handlers struct {
	store *store.Store
	crypt *crypt.Crypt
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(s *store.Store, c *crypt.Crypt) *Handlers {
	return &Handlers{store: s, crypt: c}
}

// RegisterRoutes registers the workflow engine API routes with the Echo
// router.
func (h *Handlers) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1/workflows")

	api.POST("", h.Submit)
	api.GET("", h.List)
	api.GET("/:id/status", h.Status)
	api.GET("/:id/messages", h.Messages)
	api.GET("/:id/errors", h.Errors)
	api.DELETE("/:id", h.Delete)
	api.GET("/:id/artifact/:command/:result", h.Artifact)
	api.GET("/:id/download", h.Download)
	api.GET("/download-all", h.DownloadAll)
	api.POST("/upload", h.Upload)

	e.GET("/health", h.Health)
}

// submitRequest is the body of POST /api/v1/workflows.
type submitRequest struct {
	Template enginetypes.Template           `json:"template"`
	Params   []enginetypes.ParameterBinding `json:"params"`
}

// Submit handles POST /api/v1/workflows.
func (h *Handlers) Submit(c echo.Context) error {
	correlationID := store.NewUUID()

	var req submitRequest
	if err := c.Bind(&req); err != nil {
		log.Warnf("[%s] rejecting malformed submit body: %v", correlationID, err)
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}

	log.Infof("[%s] submitting template %q", correlationID, req.Template.Name)
	result, err := h.store.Submit(c.Request().Context(), req.Template, req.Params)
	if err != nil {
		log.Warnf("[%s] submit failed: %v", correlationID, err)
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}

	return c.JSON(http.StatusCreated, result)
}

// Status handles GET /api/v1/workflows/:id/status.
func (h *Handlers) Status(c echo.Context) error {
	status, err := h.store.Status(c.Param("id"))
	if err != nil {
		return notFoundOrError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// Messages handles GET /api/v1/workflows/:id/messages.
func (h *Handlers) Messages(c echo.Context) error {
	lines, err := h.store.Messages(c.Param("id"))
	if err != nil {
		return notFoundOrError(c, err)
	}
	return c.JSON(http.StatusOK, lines)
}

// Errors handles GET /api/v1/workflows/:id/errors.
func (h *Handlers) Errors(c echo.Context) error {
	lines, err := h.store.Errors(c.Param("id"))
	if err != nil {
		return notFoundOrError(c, err)
	}
	return c.JSON(http.StatusOK, lines)
}

// List handles GET /api/v1/workflows.
func (h *Handlers) List(c echo.Context) error {
	recovered, err := h.store.List(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err))
	}
	return c.JSON(http.StatusOK, recovered)
}

// Delete handles DELETE /api/v1/workflows/:id.
func (h *Handlers) Delete(c echo.Context) error {
	if err := h.store.Delete(c.Request().Context(), c.Param("id")); err != nil {
		if _, ok := err.(*store.ConflictError); ok {
			return c.JSON(http.StatusConflict, errorBody(err))
		}
		return notFoundOrError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Artifact handles GET /api/v1/workflows/:id/artifact/:command/:result.
func (h *Handlers) Artifact(c echo.Context) error {
	path, err := h.store.Artifact(c.Param("id"), c.Param("command"), c.Param("result"))
	if err != nil {
		return notFoundOrError(c, err)
	}
	return c.Attachment(path, c.Param("result"))
}

// Download handles GET /api/v1/workflows/:id/download?passcode=...
func (h *Handlers) Download(c echo.Context) error {
	passcode := c.QueryParam("passcode")
	doc, err := h.store.Download(c.Param("id"), passcode, h.crypt)
	if err != nil {
		return notFoundOrError(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

// DownloadAll handles GET /api/v1/workflows/download-all.
func (h *Handlers) DownloadAll(c echo.Context) error {
	doc, err := h.store.DownloadAll(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err))
	}
	return c.JSON(http.StatusOK, doc)
}

// Upload hands the submitted template off to the opaque template
// catalogue collaborator. No catalogue is wired into this deployment,
// so this handler only validates that the body decodes and reports the
// catalogue as unconfigured.
func (h *Handlers) Upload(c echo.Context) error {
	var tmpl enginetypes.Template
	if err := c.Bind(&tmpl); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}
	log.Infof("received template %q for upload; no catalogue collaborator configured", tmpl.Name)
	return c.JSON(http.StatusNotImplemented, map[string]string{
		"error": "template catalogue is an external collaborator and is not configured in this deployment",
	})
}

// Health handles GET /health.
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func notFoundOrError(c echo.Context, err error) error {
	if _, ok := err.(*store.NotFoundError); ok {
		return c.JSON(http.StatusNotFound, errorBody(err))
	}
	return c.JSON(http.StatusInternalServerError, errorBody(err))
}
