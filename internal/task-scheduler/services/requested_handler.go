package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-orchestrator/internal/models"
	"task-orchestrator/internal/task-scheduler/db"
	"task-orchestrator/internal/task-scheduler/scorer"
)

// handleRequested checks dependencies and age, places the task and stages it.
func (s *SchedulerService) handleRequested(ctx context.Context, j *job) error {
	t := j.task
	if t.Status != models.StatusRequested {
		return nil
	}

	var pending []string
	for _, d := range t.Dependencies {
		dep, ok := j.deps[d.TaskID]
		switch {
		case !ok || dep.Status == models.StatusRemoved:
			return j.transition(models.StatusFailed, "dependency task %d was removed", d.TaskID)
		case dep.Status == models.StatusFailed:
			return j.transition(models.StatusFailed, "dependency task %d failed", d.TaskID)
		case dep.Status != models.StatusFinished:
			pending = append(pending, fmt.Sprintf("%d (%s)", d.TaskID, dep.Status))
		}
	}
	if len(pending) > 0 {
		sort.Strings(pending)
		j.note("waiting for dependencies: %s", strings.Join(pending, ", "))
		j.after(DependencyWait)
		return nil
	}

	if t.RequestDate != nil && j.now.Sub(*t.RequestDate) > s.Config.RequestedMaxAge {
		return j.transition(models.StatusFailed, "not started within %s of the request", s.Config.RequestedMaxAge)
	}
	if t.StartAttempts >= s.Config.MaxStartAttempts {
		return j.transition(models.StatusFailed, "gave up after %d start attempts: %s", t.StartAttempts, t.StatusMsg)
	}
	svc, err := s.Registry.Get(t.Service, t.Branch)
	if err != nil {
		return j.transition(models.StatusFailed, "%v", err)
	}

	r, err := s.place(ctx, j)
	if errors.Is(err, scorer.ErrNoCandidate) {
		j.note("no resource available, retrying in %s", NoCandidateWait)
		j.after(NoCandidateWait)
		return nil
	}
	if err != nil {
		return err
	}

	t.StartAttempts++
	if err := s.stage(ctx, j, svc, r); err != nil {
		var perm *permanentError
		if errors.As(err, &perm) {
			return j.transition(models.StatusFailed, "cannot start on %s: %v", r.Name, err)
		}
		j.note("start attempt %d/%d on %s failed: %v", t.StartAttempts, s.Config.MaxStartAttempts, r.Name, err)
		return err
	}
	return nil
}

// place scores the task and records the chosen resource. Placements are
// serialized so that two workers never both see a free slot on one resource.
func (s *SchedulerService) place(ctx context.Context, j *job) (*db.Resource, error) {
	s.placeMu.Lock()
	defer s.placeMu.Unlock()

	t := j.task
	identity, err := s.Store.Identity(ctx, t.UserID)
	if err != nil {
		return nil, err
	}
	sel, err := s.Scorer.Select(ctx, identity, t, j.deps)
	t.Considered = sel.Considered
	if err != nil {
		return nil, err
	}
	r := sel.Resource
	t.ResourceID = &r.ID
	if err := s.Store.AssignResource(ctx, t, s.Owner); err != nil {
		return nil, err
	}
	j.resources[r.ID] = r
	hlog.Infof("SchedulerService: task %d placed on resource %d (%s) with score %g", t.ID, r.ID, r.Name, sel.Score)
	return r, nil
}
