package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"gorm.io/datatypes"

	"task-orchestrator/internal/models"
	"task-orchestrator/internal/task-scheduler/pool"
	"task-orchestrator/internal/task-scheduler/registry"
	"task-orchestrator/internal/task-scheduler/remote"
)

const StatusTimeout = 60 * time.Second

// Exit codes of the status probe.
const (
	probeRunning       = 0
	probeFinished      = 1
	probeFailed        = 2
	probeIndeterminate = 3
)

// handleRunning enforces max_runtime and otherwise polls the service's status probe.
func (s *SchedulerService) handleRunning(ctx context.Context, j *job) error {
	t := j.task
	if t.MaxRuntime > 0 && t.StartDate != nil {
		limit := time.Duration(t.MaxRuntime) * time.Second
		if j.now.Sub(*t.StartDate) > limit {
			return j.transition(models.StatusStopRequested, "exceeded max runtime of %s", limit)
		}
	}
	r := j.resource(t.ResourceID)
	if r == nil {
		j.note("running on unknown resource, status not checked")
		return nil
	}
	if !r.Usable() {
		j.note("resource %s is %s, status not checked", r.Name, r.Status)
		return nil
	}
	svc, err := s.Registry.Get(t.Service, t.Branch)
	if err != nil {
		return err
	}
	shell, err := s.Pool.AcquireShell(ctx, r, pool.ShellOptions{})
	if err != nil {
		return fmt.Errorf("status probe: %w", err)
	}
	dir := remote.TaskDir(r.BaseDir, t.UserID, t.ID)
	res, err := shell.Exec(ctx, remote.Script(dir, remote.BootFile, "status"), StatusTimeout)
	if err != nil {
		return fmt.Errorf("status probe: %w", err)
	}

	switch res.ExitCode {
	case probeRunning:
		if t.Status == models.StatusRunningSync {
			j.note("running on %s (run %d)", r.Name, t.Run)
		}
		return nil
	case probeFinished:
		files, err := s.Pool.AcquireSFTP(ctx, r)
		if err != nil {
			return fmt.Errorf("loading result: %w", err)
		}
		return s.collectResult(ctx, j, svc, files, dir)
	case probeFailed:
		return s.runFailed(j, fmt.Sprintf("run %d failed on %s", t.Run, r.Name))
	case probeIndeterminate:
		return nil
	}
	hlog.Warnf("SchedulerService: task %d: status probe exited with unknown code %d, leaving it %s",
		t.ID, res.ExitCode, t.Status)
	return nil
}

// runFailed retries the task while its retry budget lasts. Run is kept so
// the budget spans retries; the request date restarts so time spent running
// does not count towards the stale-request limit.
func (s *SchedulerService) runFailed(j *job, msg string) error {
	t := j.task
	if t.Run < t.Retry {
		requested := j.now
		t.RequestDate = &requested
		return j.transition(models.StatusRequested, "%s, retrying (%d of %d runs used)", msg, t.Run, t.Retry)
	}
	return j.transition(models.StatusFailed, "%s", msg)
}

// collectResult loads, validates and stores the result document, then wakes
// tasks waiting on this one.
func (s *SchedulerService) collectResult(ctx context.Context, j *job, svc *registry.Service, files *pool.FileSession, dir string) error {
	t := j.task
	var doc []byte
	var tried []string
	for _, name := range svc.ResultFiles() {
		data, err := files.ReadFile(ctx, path.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			tried = append(tried, name)
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		doc = data
		break
	}
	if doc == nil {
		return j.transition(models.StatusFailed, "run %d finished without a result file (%v)", t.Run, tried)
	}
	if err := svc.ValidateResult(doc); err != nil {
		return j.transition(models.StatusFailed, "run %d produced an invalid result: %v", t.Run, err)
	}
	t.Products = datatypes.JSON(doc)
	if err := j.transition(models.StatusFinished, "finished (run %d)", t.Run); err != nil {
		return err
	}
	woken, err := s.Store.WakeDependents(ctx, t.ID, j.now)
	if err != nil {
		return fmt.Errorf("waking dependents: %w", err)
	}
	if woken > 0 {
		hlog.Infof("SchedulerService: task %d finished, woke %d dependent tasks", t.ID, woken)
	}
	return nil
}
