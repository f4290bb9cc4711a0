package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-orchestrator/internal/config"
	"task-orchestrator/internal/models"
	"task-orchestrator/internal/task-scheduler/db"
	"task-orchestrator/internal/task-scheduler/db/dbtest"
	"task-orchestrator/internal/task-scheduler/pool"
	"task-orchestrator/internal/task-scheduler/pool/fake"
	"task-orchestrator/internal/task-scheduler/registry"
	"task-orchestrator/internal/task-scheduler/secrets"
	"task-orchestrator/internal/task-scheduler/services"
	"task-orchestrator/internal/task-scheduler/syncer"
)

type testApp struct {
	engine    *route.Engine
	store     *db.Store
	keyring   *secrets.Keyring
	transport *fake.Transport
}

func setupTestApp(t *testing.T) *testApp {
	t.Helper()
	store := dbtest.NewStore(t)
	keyring, err := secrets.NewKeyring("api-test-key")
	require.NoError(t, err)
	transport := fake.NewTransport()
	p := pool.New(transport, keyring, pool.Options{})
	t.Cleanup(p.Close)

	sched := services.NewSchedulerService(store, p, registry.New(), nil, syncer.New(p, keyring), config.Default().Scheduler)
	health, err := services.NewHealthService(context.Background(), store, p, nil, config.Default().Health)
	require.NoError(t, err)

	hlog.SetLevel(hlog.LevelFatal)
	h := server.Default(
		server.WithHostPorts("127.0.0.1:0"),
		server.WithExitWaitTime(time.Duration(0)),
	)
	NewAdminHandler(store, p, sched, health).Register(h)
	return &testApp{engine: h.Engine, store: store, keyring: keyring, transport: transport}
}

func (a *testApp) do(t *testing.T, method, url string) (int, map[string]interface{}) {
	t.Helper()
	w := ut.PerformRequest(a.engine, method, url, nil)
	resp := w.Result()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body(), &body), "body: %s", resp.Body())
	return resp.StatusCode(), body
}

func (a *testApp) task(t *testing.T, status models.TaskStatus) *db.Task {
	return dbtest.AddTask(t, a.store, &db.Task{UserID: 1, Status: status})
}

func taskURL(id uint, action string) string {
	u := "/tasks/" + strconv.FormatUint(uint64(id), 10)
	if action != "" {
		u += "/" + action
	}
	return u
}

func TestPing(t *testing.T) {
	app := setupTestApp(t)
	code, body := app.do(t, "GET", "/ping")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pong", body["message"])
}

func TestGetTask(t *testing.T) {
	app := setupTestApp(t)
	task := app.task(t, models.StatusRunning)

	code, body := app.do(t, "GET", taskURL(task.ID, ""))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["status"])
	assert.NotContains(t, body, "ClaimedBy")

	code, body = app.do(t, "GET", taskURL(999, ""))
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Task not found", body["error"])

	code, _ = app.do(t, "GET", "/tasks/abc")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRerunTask(t *testing.T) {
	app := setupTestApp(t)
	failed := app.task(t, models.StatusFailed)
	dbtest.AddTask(t, app.store, &db.Task{
		UserID: 1, Status: models.StatusRequested,
		Dependencies: []models.Dependency{{TaskID: failed.ID}},
	})

	code, body := app.do(t, "POST", taskURL(failed.ID, "rerun"))
	assert.Equal(t, http.StatusAccepted, code)
	assert.Len(t, body["warnings"], 1)
	assert.Equal(t, models.StatusRequested, dbtest.Reload(t, app.store, failed.ID).Status)

	running := app.task(t, models.StatusRunning)
	code, body = app.do(t, "POST", taskURL(running.ID, "rerun"))
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "rerun refused")
}

func TestStopTask(t *testing.T) {
	app := setupTestApp(t)
	running := app.task(t, models.StatusRunning)

	code, _ := app.do(t, "POST", taskURL(running.ID, "stop"))
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, models.StatusStopRequested, dbtest.Reload(t, app.store, running.ID).Status)

	finished := app.task(t, models.StatusFinished)
	code, _ = app.do(t, "POST", taskURL(finished.ID, "stop"))
	assert.Equal(t, http.StatusConflict, code)

	code, _ = app.do(t, "POST", taskURL(999, "stop"))
	assert.Equal(t, http.StatusConflict, code, "an unknown task cannot be stopped either")
}

func TestRemoveTask(t *testing.T) {
	app := setupTestApp(t)
	finished := app.task(t, models.StatusFinished)

	code, _ := app.do(t, "POST", taskURL(finished.ID, "remove"))
	assert.Equal(t, http.StatusAccepted, code)
	got := dbtest.Reload(t, app.store, finished.ID)
	assert.Equal(t, models.StatusFinished, got.Status)
	assert.NotNil(t, got.RemoveDate)

	code, _ = app.do(t, "POST", taskURL(999, "remove"))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCheckResource(t *testing.T) {
	app := setupTestApp(t)
	r := &db.Resource{
		Name: "alpha", Active: true, OwnerID: 1, Status: models.ResourceUnknown,
		Hostname: "alpha.example.org", Username: "runner",
	}
	require.NoError(t, app.store.CreateResource(context.Background(), r, []byte("KEY"), app.keyring))
	url := "/resources/" + strconv.FormatUint(uint64(r.ID), 10)

	code, body := app.do(t, "POST", url+"/check")
	assert.Equal(t, http.StatusOK, code)
	assert.NotContains(t, body, "error")
	assert.Equal(t, "ok", body["resource"].(map[string]interface{})["status"])

	code, body = app.do(t, "GET", "/pool/sessions")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["sessions"], 1)

	app.transport.Host("alpha.example.org").On("true", 1)
	code, body = app.do(t, "POST", url+"/check")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["error"], "probe exited 1")

	code, body = app.do(t, "GET", url)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "failed", body["status"])
	assert.NotContains(t, body, "EncryptedKey")

	code, _ = app.do(t, "POST", "/resources/999/check")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMetrics(t *testing.T) {
	app := setupTestApp(t)
	code, body := app.do(t, "GET", "/metrics")
	assert.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "pool")
	require.Contains(t, body, "scheduler")
	assert.Contains(t, body["pool"], "pool.dials")
	assert.Contains(t, body["scheduler"], "scheduler.handled")
}
