package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse-de/workflow-engine/crypt"
	"github.com/cyverse-de/workflow-engine/registry"
	"github.com/cyverse-de/workflow-engine/resolver"
	"github.com/cyverse-de/workflow-engine/runner"
	"github.com/cyverse-de/workflow-engine/store"
	"github.com/cyverse-de/workflow-engine/workdir"
)

type noopRunner struct{}

func (noopRunner) Run(context.Context, runner.Request) (runner.Result, error) {
	return runner.Result{ExitCode: 0, ReadersDone: true}, nil
}

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	runArea := t.TempDir()
	wd, err := workdir.New(runArea)
	require.NoError(t, err)

	s := store.New(wd, runArea, resolver.New(resolver.NewHandlerRegistry()), registry.New(), noopRunner{}, nil)
	c, err := crypt.New(crypt.AdjustSalt("test-salt"))
	require.NoError(t, err)
	return NewHandlers(s, c)
}

func TestSubmitMissingMandatoryFieldReturnsBadRequest(t *testing.T) {
	h := newTestHandlers(t)
	e := echo.New()

	body := `{
		"template": {"name": "t", "steps": [{"command": "plotclip", "fields": [
			{"name": "image", "type": "file"},
			{"name": "geometries", "type": "file"}
		]}]},
		"params": [{"command": "plotclip", "field_name": "image", "value": "/tmp/img.tif"}]
	}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.Submit(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitThenStatusAndHealth(t *testing.T) {
	h := newTestHandlers(t)
	e := echo.New()

	body := `{
		"template": {"name": "t", "steps": [{"command": "soilmask", "fields": [
			{"name": "image", "type": "file"}
		]}]},
		"params": [{"command": "soilmask", "field_name": "image", "value": "/tmp/img.tif"}]
	}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, h.Submit(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	var submitted struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.Len(t, submitted.ID, 32)

	statusReq := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/"+submitted.ID+"/status", nil)
	statusRec := httptest.NewRecorder()
	statusCtx := e.NewContext(statusReq, statusRec)
	statusCtx.SetParamNames("id")
	statusCtx.SetParamValues(submitted.ID)
	require.NoError(t, h.Status(statusCtx))
	assert.Equal(t, http.StatusOK, statusRec.Code)

	healthReq := httptest.NewRequest(http.MethodGet, "/health", nil)
	healthRec := httptest.NewRecorder()
	require.NoError(t, h.Health(e.NewContext(healthReq, healthRec)))
	assert.Equal(t, http.StatusOK, healthRec.Code)
}

func TestDeleteUnknownWorkflowReturnsNotFound(t *testing.T) {
	h := newTestHandlers(t)
	e := echo.New()

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/workflows/doesnotexist", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("doesnotexist")

	require.NoError(t, h.Delete(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
