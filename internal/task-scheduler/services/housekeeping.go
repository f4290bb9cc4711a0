package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-orchestrator/internal/models"
	"task-orchestrator/internal/task-scheduler/db"
	"task-orchestrator/internal/task-scheduler/pool"
	"task-orchestrator/internal/task-scheduler/remote"
)

const RemoveTimeout = 600 * time.Second

// housekeep removes the remote copies of terminal tasks once due and forgets
// copies that are provably gone. It only ever touches resources that are
// active and ok, and never force-fails.
func (s *SchedulerService) housekeep(ctx context.Context, j *job) error {
	t := j.task
	for _, id := range append([]uint(nil), t.ResourceIDs...) {
		if r, ok := j.resources[id]; !ok || r.Removed() {
			t.DropResource(id)
		}
	}

	ended := endDate(t)
	removeDue := (t.RemoveDate != nil && !j.now.Before(*t.RemoveDate)) ||
		(!t.Locked && j.now.Sub(ended) > s.Config.Retention)
	if removeDue {
		return s.removeCopies(ctx, j)
	}
	if j.now.Sub(ended) > s.Config.StaleProbeAfter {
		if !s.probeCopies(ctx, j) {
			return nil
		}
		if len(t.ResourceIDs) == 0 {
			return j.transition(models.StatusRemoved, "no copy of the task directory remains")
		}
	}
	return nil
}

// endDate is when the task reached its terminal status. Stopped tasks carry
// the stop time as their finish date.
func endDate(t *db.Task) time.Time {
	switch {
	case t.Status == models.StatusFailed && t.FailDate != nil:
		return *t.FailDate
	case t.Status != models.StatusFailed && t.FinishDate != nil:
		return *t.FinishDate
	case t.RequestDate != nil:
		return *t.RequestDate
	}
	return t.CreatedAt
}

// removeCopies deletes the task directory on every resource holding it.
func (s *SchedulerService) removeCopies(ctx context.Context, j *job) error {
	t := j.task
	var pending []string
	for _, id := range append([]uint(nil), t.ResourceIDs...) {
		r := j.resources[id]
		if !r.Usable() {
			pending = append(pending, fmt.Sprintf("%s (%s)", r.Name, r.Status))
			continue
		}
		if err := s.removeCopy(ctx, t, r); err != nil {
			hlog.Warnf("SchedulerService: task %d: removal on %s: %v", t.ID, r.Name, err)
			pending = append(pending, r.Name)
			continue
		}
		t.DropResource(id)
	}
	if len(pending) > 0 {
		sort.Strings(pending)
		j.note("removal pending on %s", strings.Join(pending, ", "))
		j.after(RemovalRetry)
		return nil
	}
	return j.transition(models.StatusRemoved, "removed")
}

func (s *SchedulerService) removeCopy(ctx context.Context, t *db.Task, r *db.Resource) error {
	cmd, err := remote.RemoveTaskDir(remote.TaskDir(r.BaseDir, t.UserID, t.ID), t.ID)
	if err != nil {
		return err
	}
	shell, err := s.Pool.AcquireShell(ctx, r, pool.ShellOptions{})
	if err != nil {
		return err
	}
	_, err = run(ctx, shell, cmd, RemoveTimeout)
	return err
}

// probeCopies drops resources on which the task directory no longer exists.
// It reports whether every resource could be checked.
func (s *SchedulerService) probeCopies(ctx context.Context, j *job) bool {
	t := j.task
	complete := true
	for _, id := range append([]uint(nil), t.ResourceIDs...) {
		r := j.resources[id]
		if !r.Usable() {
			complete = false
			continue
		}
		files, err := s.Pool.AcquireSFTP(ctx, r)
		if err != nil {
			hlog.Debugf("SchedulerService: task %d: cannot probe %s: %v", t.ID, r.Name, err)
			complete = false
			continue
		}
		_, err = files.Stat(remote.TaskDir(r.BaseDir, t.UserID, t.ID))
		switch {
		case errors.Is(err, os.ErrNotExist):
			hlog.Infof("SchedulerService: task %d: directory gone from %s", t.ID, r.Name)
			t.DropResource(id)
		case err != nil:
			complete = false
		}
	}
	return complete
}
