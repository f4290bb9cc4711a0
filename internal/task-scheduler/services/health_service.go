package services

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/go-co-op/gocron/v2"
	"gorm.io/datatypes"

	"task-orchestrator/internal/config"
	"task-orchestrator/internal/models"
	"task-orchestrator/internal/task-scheduler/db"
	"task-orchestrator/internal/task-scheduler/events"
	"task-orchestrator/internal/task-scheduler/pool"
)

const (
	HealthProbeTimeout = 10 * time.Second
	PoolSweepInterval  = time.Minute
)

// HealthService periodically probes resources and sweeps idle pooled sessions.
type HealthService struct {
	Store     *db.Store
	Pool      *pool.Pool
	Emitter   events.Emitter
	Config    config.HealthConfig
	Scheduler gocron.Scheduler

	appContext context.Context
	now        func() time.Time
}

func NewHealthService(ctx context.Context, store *db.Store, p *pool.Pool, emitter events.Emitter, cfg config.HealthConfig) (*HealthService, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &HealthService{
		Store:      store,
		Pool:       p,
		Emitter:    emitter,
		Config:     cfg,
		Scheduler:  s,
		appContext: ctx,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (h *HealthService) Start() error {
	hlog.Info("HealthService starting...")
	_, err := h.Scheduler.NewJob(
		gocron.DurationJob(h.Config.Interval),
		gocron.NewTask(func() { h.CheckAll(h.appContext) }),
		gocron.WithName("resource_health"),
		gocron.WithTags("health"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule resource health job: %w", err)
	}
	_, err = h.Scheduler.NewJob(
		gocron.DurationJob(PoolSweepInterval),
		gocron.NewTask(func() {
			if n := h.Pool.SweepIdle(); n > 0 {
				hlog.Infof("HealthService: closed %d idle sessions", n)
			}
		}),
		gocron.WithName("pool_idle_sweep"),
		gocron.WithTags("pool"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule pool sweep job: %w", err)
	}
	h.Scheduler.Start()
	hlog.Infof("HealthService started with %d jobs", len(h.Scheduler.Jobs()))
	return nil
}

func (h *HealthService) Stop() {
	hlog.Info("HealthService stopping...")
	if err := h.Scheduler.Shutdown(); err != nil {
		hlog.Errorf("Error shutting down gocron scheduler: %v", err)
	}
}

// CheckAll probes every active, non-removed resource.
func (h *HealthService) CheckAll(ctx context.Context) {
	resources, err := h.Store.SchedulableResources(ctx)
	if err != nil {
		hlog.Errorf("HealthService: %v", err)
		return
	}
	for i := range resources {
		if err := h.Check(ctx, &resources[i]); err != nil {
			hlog.Warnf("HealthService: resource %d (%s): %v", resources[i].ID, resources[i].Name, err)
		}
	}
}

// Check probes one resource and records status, last-ok date and usage.
// A resource failing for longer than DeactivateAfter is deactivated.
func (h *HealthService) Check(ctx context.Context, r *db.Resource) error {
	if r.Removed() {
		return nil
	}
	start := time.Now()
	probeErr := h.probe(ctx, r)
	latency := time.Since(start)
	now := h.now()

	prevStatus, prevActive := r.Status, r.Active
	usage := r.Usage.Data()
	running, err := h.Store.CountRunning(ctx, r.ID)
	if err != nil {
		return err
	}
	usage.RunningTasks = running

	if probeErr == nil {
		r.Status = models.ResourceOK
		r.StatusMsg = "ok"
		r.LastOKDate = &now
		usage.ProbeFailures = 0
		usage.ProbeLatencyMs = latency.Milliseconds()
	} else {
		h.Pool.EvictResource(r.ID, "health check failed")
		r.Status = models.ResourceFailed
		r.StatusMsg = probeErr.Error()
		usage.ProbeFailures++
		lastOK := r.CreatedAt
		if r.LastOKDate != nil {
			lastOK = *r.LastOKDate
		}
		if r.Active && now.Sub(lastOK) > h.Config.DeactivateAfter {
			r.Active = false
			r.StatusMsg = fmt.Sprintf("deactivated, unreachable since %s: %v", lastOK.Format(time.RFC3339), probeErr)
		}
	}
	r.StatusUpdate = &now
	r.Usage = datatypes.NewJSONType(usage)
	if err := h.Store.UpdateResourceHealth(ctx, r); err != nil {
		return fmt.Errorf("failed to save health of resource %d: %w", r.ID, err)
	}

	if prevStatus != r.Status || prevActive != r.Active {
		hlog.Infof("HealthService: resource %d (%s) %s -> %s: %s", r.ID, r.Name, prevStatus, r.Status, r.StatusMsg)
		h.Emitter.Emit(ctx, events.Event{
			Kind: events.KindResourceStatus,
			At:   now,
			Resource: &events.ResourceStatusPayload{
				ResourceID: r.ID, From: prevStatus, To: r.Status, Message: r.StatusMsg, Active: r.Active,
			},
		})
	}
	return probeErr
}

func (h *HealthService) probe(ctx context.Context, r *db.Resource) error {
	shell, err := h.Pool.AcquireShell(ctx, r, pool.ShellOptions{})
	if err != nil {
		return err
	}
	res, err := shell.Exec(ctx, "true", HealthProbeTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("probe exited %d", res.ExitCode)
	}
	return nil
}
