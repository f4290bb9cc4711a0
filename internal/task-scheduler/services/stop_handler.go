package services

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-orchestrator/internal/models"
	"task-orchestrator/internal/task-scheduler/pool"
	"task-orchestrator/internal/task-scheduler/remote"
)

const StopTimeout = 120 * time.Second

// handleStop runs the service's stop command. The task ends stopped whatever
// happens remotely; the outcome only changes the message.
func (s *SchedulerService) handleStop(ctx context.Context, j *job) error {
	t := j.task
	r := j.resource(t.ResourceID)
	if t.ResourceID == nil {
		return j.transition(models.StatusRemoved, "stopped before reaching a resource")
	}
	if t.RemoveDate != nil {
		j.after(0)
	}
	if r == nil || r.Removed() {
		return j.transition(models.StatusStopped, "stopped (forced): resource is gone")
	}

	shell, err := s.Pool.AcquireShell(ctx, r, pool.ShellOptions{})
	if err != nil {
		hlog.Warnf("SchedulerService: task %d: cannot reach %s to stop it: %v", t.ID, r.Name, err)
		return j.transition(models.StatusStopped, "stopped (forced): %s unreachable", r.Name)
	}
	dir := remote.TaskDir(r.BaseDir, t.UserID, t.ID)
	res, err := shell.Exec(ctx, remote.Script(dir, remote.BootFile, "stop"), StopTimeout)
	switch {
	case err != nil:
		hlog.Warnf("SchedulerService: task %d: stop command failed: %v", t.ID, err)
		return j.transition(models.StatusStopped, "stopped (forced): stop command failed")
	case res.ExitCode != 0:
		return j.transition(models.StatusStopped, "stopped (forced): stop command exited %d", res.ExitCode)
	}
	return j.transition(models.StatusStopped, "stopped")
}
