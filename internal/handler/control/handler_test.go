package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyr/dispatch/internal/orchestrator"
	"github.com/notifyr/dispatch/internal/queue"
	"github.com/notifyr/dispatch/pkg/httputil"
	"github.com/notifyr/dispatch/pkg/logger"
	"github.com/notifyr/dispatch/pkg/metrics"
)

func newTestRouter(t *testing.T) (*gin.Engine, *orchestrator.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.Nop()
	q := queue.New(queue.Config{}, nil, nil, nil, log, metrics.New("test"))
	orch := orchestrator.New(orchestrator.Config{}, log, q)
	t.Cleanup(func() { orch.Stop(context.Background()) })

	router := gin.New()
	NewHandler(orch).RegisterRoutes(router)
	return router, orch
}

func post(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) httputil.Response {
	t.Helper()
	var resp httputil.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestStartAndStop(t *testing.T) {
	router, orch := newTestRouter(t)

	w := post(router, "/control/start")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode(t, w).Success)
	assert.Equal(t, orchestrator.StateRunning, orch.State())

	w = post(router, "/control/stop")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, orchestrator.StateStopped, orch.State())
}

func TestDoubleStartRejected(t *testing.T) {
	router, _ := newTestRouter(t)

	require.Equal(t, http.StatusOK, post(router, "/control/start").Code)

	w := post(router, "/control/start")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode(t, w)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
}

func TestPauseResume(t *testing.T) {
	router, orch := newTestRouter(t)
	require.NoError(t, orch.Start(context.Background()))

	assert.Equal(t, http.StatusOK, post(router, "/control/pause").Code)
	assert.True(t, orch.Health().Paused)

	assert.Equal(t, http.StatusOK, post(router, "/control/resume").Code)
	assert.False(t, orch.Health().Paused)
}

func TestReconcileRequiresRunning(t *testing.T) {
	router, _ := newTestRouter(t)

	w := post(router, "/control/reconcile")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Equal(t, http.StatusOK, post(router, "/control/start").Code)
	assert.Equal(t, http.StatusOK, post(router, "/control/reconcile").Code)
}

func TestStatus(t *testing.T) {
	router, orch := newTestRouter(t)
	require.NoError(t, orch.Start(context.Background()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/control/status", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.True(t, resp.Success)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "healthy", data["status"])
}
