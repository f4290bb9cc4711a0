package scorer

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-orchestrator/internal/models"
	"task-orchestrator/internal/task-scheduler/db"
)

var ErrNoCandidate = errors.New("no schedulable resource")

const (
	DependencyBonus = 5
	PrivateBonus    = 10
	PreferredBonus  = 15
)

// Source is the slice of the store the scorer reads.
type Source interface {
	SchedulableResources(ctx context.Context) ([]db.Resource, error)
	Occupancy(ctx context.Context, resourceIDs []uint, exclude uint) (map[uint]int, error)
	TasksByIDs(ctx context.Context, ids []uint) (map[uint]*db.Task, error)
	ResourcesByIDs(ctx context.Context, ids []uint) (map[uint]*db.Resource, error)
}

// Selection is a placement decision. Considered is filled even when no
// resource was chosen.
type Selection struct {
	Resource   *db.Resource
	Score      float64
	Pinned     bool
	Considered []models.ConsideredResource
}

type Scorer struct {
	src Source
}

func New(src Source) *Scorer {
	return &Scorer{src: src}
}

// Select ranks the resources the identity may use for the task. Candidates
// are visited in registration order and only a strictly higher score
// replaces the current best, so ties go to the oldest resource.
// deps are the task's dependency records, used for the locality bonus.
// It returns ErrNoCandidate, with Considered filled, when nothing scores above zero.
func (s *Scorer) Select(ctx context.Context, id models.Identity, t *db.Task, deps map[uint]*db.Task) (Selection, error) {
	if t.FollowTaskID != nil && id.Privileged {
		return s.follow(ctx, t)
	}

	resources, err := s.src.SchedulableResources(ctx)
	if err != nil {
		return Selection{}, err
	}
	var candidates []*db.Resource
	for i := range resources {
		r := &resources[i]
		if r.Removed() || !r.Active || !r.AccessibleBy(id) {
			continue
		}
		candidates = append(candidates, r)
	}
	ids := make([]uint, 0, len(candidates))
	for _, r := range candidates {
		ids = append(ids, r.ID)
	}
	occupancy, err := s.src.Occupancy(ctx, ids, t.ID)
	if err != nil {
		return Selection{}, err
	}

	var sel Selection
	for _, r := range candidates {
		c := score(r, t, deps, occupancy[r.ID])
		sel.Considered = append(sel.Considered, c)
		if c.Score == nil || *c.Score <= 0 {
			continue
		}
		if sel.Resource == nil || *c.Score > sel.Score {
			sel.Resource, sel.Score = r, *c.Score
		}
	}
	if sel.Resource == nil {
		return sel, fmt.Errorf("%w for service %s among %d candidates", ErrNoCandidate, t.Service, len(candidates))
	}
	hlog.Debugf("Scorer: task %d -> resource %d (%s) with score %g", t.ID, sel.Resource.ID, sel.Resource.Name, sel.Score)
	return sel, nil
}

func score(r *db.Resource, t *db.Task, deps map[uint]*db.Task, running int) models.ConsideredResource {
	c := models.ConsideredResource{ResourceID: r.ID, Name: r.Name}
	base, ok := r.ScoreFor(t.Service)
	if !ok {
		c.Trace = append(c.Trace, fmt.Sprintf("no score declared for %s", t.Service))
		return c
	}
	capacity := r.Capacity()
	if capacity <= 0 {
		c.Trace = append(c.Trace, "maxtask is 0")
		return c
	}
	c.Occupancy = float64(running) / float64(capacity)
	c.Trace = append(c.Trace, fmt.Sprintf("score %g for %s", base, t.Service))
	total := base
	if c.Occupancy >= 1 {
		total = 0
		c.Trace = append(c.Trace, fmt.Sprintf("full with %d/%d tasks, score 0", running, capacity))
		c.Score = &total
		return c
	}
	for _, d := range t.Dependencies {
		if dep, ok := deps[d.TaskID]; ok && dep.HasResource(r.ID) {
			total += DependencyBonus
			c.Trace = append(c.Trace, fmt.Sprintf("+%d holds output of task %d", DependencyBonus, d.TaskID))
			break
		}
	}
	if r.Private() {
		total += PrivateBonus
		c.Trace = append(c.Trace, fmt.Sprintf("+%d private resource", PrivateBonus))
	}
	if t.PreferResourceID != nil && *t.PreferResourceID == r.ID {
		total += PreferredBonus
		c.Trace = append(c.Trace, fmt.Sprintf("+%d preferred resource", PreferredBonus))
	}
	c.Score = &total
	return c
}

// follow places the task on the resource of the task it follows, unscored.
func (s *Scorer) follow(ctx context.Context, t *db.Task) (Selection, error) {
	followed := *t.FollowTaskID
	trace := func(msg string) []models.ConsideredResource {
		return []models.ConsideredResource{{Trace: []string{msg}}}
	}
	tasks, err := s.src.TasksByIDs(ctx, []uint{followed})
	if err != nil {
		return Selection{}, err
	}
	ft, ok := tasks[followed]
	if !ok || ft.ResourceID == nil {
		msg := fmt.Sprintf("followed task %d is not placed yet", followed)
		return Selection{Considered: trace(msg)}, fmt.Errorf("%w: %s", ErrNoCandidate, msg)
	}
	resources, err := s.src.ResourcesByIDs(ctx, []uint{*ft.ResourceID})
	if err != nil {
		return Selection{}, err
	}
	r, ok := resources[*ft.ResourceID]
	if !ok || r.Removed() {
		msg := fmt.Sprintf("resource %d of followed task %d is gone", *ft.ResourceID, followed)
		return Selection{Considered: trace(msg)}, fmt.Errorf("%w: %s", ErrNoCandidate, msg)
	}
	return Selection{
		Resource: r,
		Pinned:   true,
		Considered: []models.ConsideredResource{{
			ResourceID: r.ID,
			Name:       r.Name,
			Trace:      []string{fmt.Sprintf("following task %d", followed)},
		}},
	}, nil
}
