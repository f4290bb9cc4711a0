package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"gorm.io/gorm"

	"task-orchestrator/internal/task-scheduler/db"
	"task-orchestrator/internal/task-scheduler/pool"
	"task-orchestrator/internal/task-scheduler/services"
)

// AdminHandler serves the operator endpoints of the scheduler daemon.
// Task submission lives elsewhere; this surface only inspects and nudges.
type AdminHandler struct {
	Store     *db.Store
	Pool      *pool.Pool
	Scheduler *services.SchedulerService
	Health    *services.HealthService

	now func() time.Time
}

func NewAdminHandler(store *db.Store, p *pool.Pool, sched *services.SchedulerService, health *services.HealthService) *AdminHandler {
	return &AdminHandler{
		Store:     store,
		Pool:      p,
		Scheduler: sched,
		Health:    health,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register mounts the admin routes on h.
func (a *AdminHandler) Register(h *server.Hertz) {
	h.GET("/ping", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(http.StatusOK, utils.H{"message": "pong"})
	})

	taskGroup := h.Group("/tasks")
	{
		taskGroup.GET("/:id", a.GetTask)
		taskGroup.POST("/:id/rerun", a.RerunTask)
		taskGroup.POST("/:id/stop", a.StopTask)
		taskGroup.POST("/:id/remove", a.RemoveTask)
	}
	resourceGroup := h.Group("/resources")
	{
		resourceGroup.GET("/:id", a.GetResource)
		resourceGroup.POST("/:id/check", a.CheckResource)
	}
	h.GET("/pool/sessions", a.PoolSessions)
	h.GET("/metrics", a.Metrics)
}

func parseID(ctx *app.RequestContext) (uint, bool) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 32)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return 0, false
	}
	return uint(id), true
}

// writeError maps store errors onto HTTP statuses.
func writeError(ctx *app.RequestContext, what string, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		ctx.JSON(http.StatusNotFound, utils.H{"error": what + " not found"})
	case errors.Is(err, db.ErrRerunRefused), errors.Is(err, db.ErrNotAllowed):
		ctx.JSON(http.StatusConflict, utils.H{"error": err.Error()})
	default:
		ctx.JSON(http.StatusInternalServerError, utils.H{"error": err.Error()})
	}
}

func (a *AdminHandler) GetTask(c context.Context, ctx *app.RequestContext) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	task, err := a.Store.GetTask(c, id)
	if err != nil {
		writeError(ctx, "Task", err)
		return
	}
	ctx.JSON(http.StatusOK, task)
}

// RerunTask resets a terminal task; dependents still active are returned as warnings.
func (a *AdminHandler) RerunTask(c context.Context, ctx *app.RequestContext) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	warnings, err := a.Store.Rerun(c, id, a.now())
	if err != nil {
		writeError(ctx, "Task", err)
		return
	}
	hlog.Infof("AdminHandler: rerun of task %d requested (%d warning(s))", id, len(warnings))
	if warnings == nil {
		warnings = []string{}
	}
	ctx.JSON(http.StatusAccepted, utils.H{"task_id": id, "warnings": warnings})
}

func (a *AdminHandler) StopTask(c context.Context, ctx *app.RequestContext) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	if err := a.Store.RequestStop(c, id, a.now()); err != nil {
		writeError(ctx, "Task", err)
		return
	}
	hlog.Infof("AdminHandler: stop of task %d requested", id)
	ctx.JSON(http.StatusAccepted, utils.H{"task_id": id})
}

func (a *AdminHandler) RemoveTask(c context.Context, ctx *app.RequestContext) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	if err := a.Store.RequestRemove(c, id, a.now()); err != nil {
		writeError(ctx, "Task", err)
		return
	}
	hlog.Infof("AdminHandler: removal of task %d requested", id)
	ctx.JSON(http.StatusAccepted, utils.H{"task_id": id})
}

func (a *AdminHandler) loadResource(c context.Context, ctx *app.RequestContext) (*db.Resource, bool) {
	id, ok := parseID(ctx)
	if !ok {
		return nil, false
	}
	var r db.Resource
	if err := a.Store.DB.WithContext(c).First(&r, id).Error; err != nil {
		writeError(ctx, "Resource", err)
		return nil, false
	}
	return &r, true
}

func (a *AdminHandler) GetResource(c context.Context, ctx *app.RequestContext) {
	r, ok := a.loadResource(c, ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, r)
}

// CheckResource runs a health probe now instead of waiting for the next interval.
// A failed probe is still a successful request; the result is in the body.
func (a *AdminHandler) CheckResource(c context.Context, ctx *app.RequestContext) {
	r, ok := a.loadResource(c, ctx)
	if !ok {
		return
	}
	probeErr := a.Health.Check(c, r)
	body := utils.H{"resource": r}
	if probeErr != nil {
		body["error"] = probeErr.Error()
	}
	ctx.JSON(http.StatusOK, body)
}

func (a *AdminHandler) PoolSessions(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(http.StatusOK, utils.H{"sessions": a.Pool.Stats()})
}

func (a *AdminHandler) Metrics(c context.Context, ctx *app.RequestContext) {
	out := utils.H{"pool": a.Pool.Metrics().Snapshot()}
	if a.Scheduler != nil {
		out["scheduler"] = pool.Flatten(a.Scheduler.Metrics())
	}
	ctx.JSON(http.StatusOK, out)
}
