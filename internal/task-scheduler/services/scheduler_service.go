package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/google/uuid"
	"github.com/rcrowley/go-metrics"

	"task-orchestrator/internal/config"
	"task-orchestrator/internal/models"
	"task-orchestrator/internal/task-scheduler/db"
	"task-orchestrator/internal/task-scheduler/events"
	"task-orchestrator/internal/task-scheduler/pool"
	"task-orchestrator/internal/task-scheduler/registry"
	"task-orchestrator/internal/task-scheduler/scorer"
	"task-orchestrator/internal/task-scheduler/syncer"
)

const (
	RequestedRetry   = 3 * time.Minute
	TerminalRecheck  = 24 * time.Hour
	DependencyWait   = time.Hour
	NoCandidateWait  = 5 * time.Minute
	RemovalRetry     = time.Hour
	MinRunningPoll   = 10 * time.Second
	MaxRunningPoll   = time.Hour
	runningPollRatio = 20
)

var ErrBadTransition = errors.New("status transition not allowed")

// SchedulerService is the scheduler loop: it claims the most due task,
// hands it to a worker, and persists the outcome. It is the only writer of
// task status apart from the rerun/stop/remove requests in the store.
type SchedulerService struct {
	Store    *db.Store
	Pool     *pool.Pool
	Scorer   *scorer.Scorer
	Syncer   *syncer.Syncer
	Registry *registry.Registry
	Emitter  events.Emitter
	Config   config.SchedulerConfig

	// Owner identifies this loop in task claims.
	Owner string

	now     func() time.Time
	placeMu sync.Mutex

	// inflight holds the tasks this loop is handling. They are not claimed
	// again even if their lease lapses mid-pass.
	inflightMu sync.Mutex
	inflight   map[uint]struct{}

	slots   chan struct{}
	wg      sync.WaitGroup
	metrics *loopMetrics
}

type loopMetrics struct {
	registry  metrics.Registry
	handled   metrics.Counter
	claimLost metrics.Counter
	errors    metrics.Counter
	changes   metrics.Counter
	conflicts metrics.Counter
	busy      metrics.Gauge
	duration  metrics.Timer
}

func newLoopMetrics() *loopMetrics {
	r := metrics.NewRegistry()
	return &loopMetrics{
		registry:  r,
		handled:   metrics.NewRegisteredCounter("scheduler.handled", r),
		claimLost: metrics.NewRegisteredCounter("scheduler.claims_lost", r),
		errors:    metrics.NewRegisteredCounter("scheduler.handler_errors", r),
		changes:   metrics.NewRegisteredCounter("scheduler.status_changes", r),
		conflicts: metrics.NewRegisteredCounter("scheduler.save_conflicts", r),
		busy:      metrics.NewRegisteredGauge("scheduler.busy_workers", r),
		duration:  metrics.NewRegisteredTimer("scheduler.handle_time", r),
	}
}

func NewSchedulerService(store *db.Store, p *pool.Pool, reg *registry.Registry, emitter events.Emitter,
	sy *syncer.Syncer, cfg config.SchedulerConfig) *SchedulerService {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &SchedulerService{
		Store:    store,
		Pool:     p,
		Scorer:   scorer.New(store),
		Syncer:   sy,
		Registry: reg,
		Emitter:  emitter,
		Config:   cfg,
		Owner:    uuid.NewString(),
		now:      func() time.Time { return time.Now().UTC() },
		slots:    make(chan struct{}, cfg.Workers),
		inflight: make(map[uint]struct{}),
		metrics:  newLoopMetrics(),
	}
}

// Metrics exposes the loop counters for the admin API.
func (s *SchedulerService) Metrics() metrics.Registry {
	return s.metrics.registry
}

// Run loops until ctx is cancelled, then waits for in-flight tasks.
func (s *SchedulerService) Run(ctx context.Context) {
	hlog.Infof("SchedulerService: loop %s starting with %d workers", s.Owner, cap(s.slots))
	for ctx.Err() == nil {
		dispatched, err := s.dispatchNext(ctx)
		if err != nil && ctx.Err() == nil {
			hlog.Errorf("SchedulerService: claim failed: %v", err)
		}
		if dispatched {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(s.Config.IdleSleep):
		}
	}
	hlog.Infof("SchedulerService: loop %s stopping, waiting for in-flight tasks", s.Owner)
	s.wg.Wait()
	hlog.Info("SchedulerService: loop stopped")
}

// dispatchNext reserves a worker, claims a task and hands it over. Claiming
// stays on the caller's goroutine, so claims never race within one process.
func (s *SchedulerService) dispatchNext(ctx context.Context) (bool, error) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	t, err := s.claim(ctx)
	if err != nil || t == nil {
		<-s.slots
		return false, err
	}
	s.wg.Add(1)
	s.metrics.busy.Update(int64(len(s.slots)))
	go func() {
		defer s.wg.Done()
		defer func() {
			s.release(t.ID)
			<-s.slots
			s.metrics.busy.Update(int64(len(s.slots)))
		}()
		// In-flight handling finishes even on shutdown; the claim would
		// otherwise hold the task until its lease expires.
		s.Handle(context.WithoutCancel(ctx), t)
	}()
	return true, nil
}

// RunOnce claims and handles a single task synchronously. It reports whether
// a task was due.
func (s *SchedulerService) RunOnce(ctx context.Context) (bool, error) {
	t, err := s.claim(ctx)
	if err != nil || t == nil {
		return false, err
	}
	defer s.release(t.ID)
	s.Handle(ctx, t)
	return true, nil
}

// release forgets a task once its pass has been persisted.
func (s *SchedulerService) release(id uint) {
	s.inflightMu.Lock()
	delete(s.inflight, id)
	s.inflightMu.Unlock()
}

func (s *SchedulerService) busyTasks() []uint {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	ids := make([]uint, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (s *SchedulerService) claim(ctx context.Context) (*db.Task, error) {
	var t *db.Task
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 3)
	err := backoff.Retry(func() error {
		var err error
		t, err = s.Store.ClaimNextDue(ctx, s.Owner, s.now(), s.Config.ClaimLease, s.busyTasks()...)
		if errors.Is(err, db.ErrClaimLost) {
			s.metrics.claimLost.Inc(1)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if errors.Is(err, db.ErrClaimLost) {
		return nil, nil
	}
	if err != nil || t == nil {
		return nil, err
	}
	s.inflightMu.Lock()
	s.inflight[t.ID] = struct{}{}
	s.inflightMu.Unlock()
	return t, nil
}

// Handle runs the handler for the task's current status and persists the result.
func (s *SchedulerService) Handle(ctx context.Context, t *db.Task) {
	start := time.Now()
	defer s.metrics.duration.UpdateSince(start)
	s.metrics.handled.Inc(1)

	claimed := t.Status
	j, err := s.load(ctx, t)
	if err != nil {
		hlog.Errorf("SchedulerService: task %d: failed to load related records: %v", t.ID, err)
		s.persist(ctx, j, claimed)
		return
	}

	switch t.Status {
	case models.StatusStopRequested:
		err = s.handleStop(ctx, j)
	case models.StatusRequested:
		err = s.handleRequested(ctx, j)
	case models.StatusRunning, models.StatusRunningSync:
		err = s.handleRunning(ctx, j)
	case models.StatusFinished, models.StatusFailed, models.StatusStopped:
		err = s.housekeep(ctx, j)
	}
	if err != nil {
		s.metrics.errors.Inc(1)
		hlog.Warnf("SchedulerService: task %d (%s): %v", t.ID, claimed, err)
	}
	s.persist(ctx, j, claimed)
}

func (s *SchedulerService) persist(ctx context.Context, j *job, claimed models.TaskStatus) {
	t := j.task
	t.NextDate = s.nextDate(j)
	conflict, err := s.Store.SaveTask(ctx, t, claimed, j.now)
	if err != nil {
		hlog.Errorf("SchedulerService: task %d: %v", t.ID, err)
		return
	}
	if conflict {
		s.metrics.conflicts.Inc(1)
		hlog.Infof("SchedulerService: task %d changed while being handled, kept the external status", t.ID)
		return
	}
	if len(j.hops) == 0 {
		return
	}
	s.metrics.changes.Inc(int64(len(j.hops)))
	hlog.Infof("SchedulerService: task %d %s -> %s: %s", t.ID, claimed, t.Status, t.StatusMsg)
	if t.InstanceID != nil {
		if err := s.Store.RecomputeInstanceStatus(ctx, *t.InstanceID); err != nil {
			hlog.Warnf("SchedulerService: %v", err)
		}
	}
	for _, h := range j.hops {
		s.Emitter.Emit(ctx, events.Event{
			Kind: events.KindTaskStatus,
			At:   j.now,
			Task: &events.TaskStatusPayload{
				TaskID:     t.ID,
				InstanceID: t.InstanceID,
				UserID:     t.UserID,
				From:       h.from,
				To:         h.to,
				Message:    h.msg,
				ResourceID: t.ResourceID,
			},
		})
	}
}

// nextDate is when the loop should look at the task again, derived from the
// status it ends the pass in unless the handler asked for a specific delay.
func (s *SchedulerService) nextDate(j *job) *time.Time {
	at := func(d time.Duration) *time.Time {
		next := j.now.Add(d)
		return &next
	}
	if j.delay != nil {
		return at(*j.delay)
	}
	switch j.task.Status {
	case models.StatusRunning, models.StatusRunningSync:
		return at(RunningPoll(j.task.StartDate, j.now))
	case models.StatusRequested:
		return at(RequestedRetry)
	case models.StatusStopRequested:
		return at(0)
	case models.StatusFinished, models.StatusFailed, models.StatusStopped:
		return at(TerminalRecheck)
	}
	return nil
}

// RunningPoll backs off status probes as a run ages: a twentieth of the
// elapsed time, clamped to [10s, 1h].
func RunningPoll(started *time.Time, now time.Time) time.Duration {
	var elapsed time.Duration
	if started != nil {
		elapsed = now.Sub(*started)
	}
	d := elapsed / runningPollRatio
	if d < MinRunningPoll {
		return MinRunningPoll
	}
	if d > MaxRunningPoll {
		return MaxRunningPoll
	}
	return d
}

// job is one claimed task and the records its handler needs, loaded up front.
type job struct {
	task      *db.Task
	deps      map[uint]*db.Task
	resources map[uint]*db.Resource
	now       time.Time
	delay     *time.Duration
	hops      []hop
}

// hop is one status change made during a pass; a pass can make several.
type hop struct {
	from, to models.TaskStatus
	msg      string
}

func (s *SchedulerService) load(ctx context.Context, t *db.Task) (*job, error) {
	j := &job{task: t, now: s.now(), deps: map[uint]*db.Task{}, resources: map[uint]*db.Resource{}}
	deps, err := s.Store.TasksByIDs(ctx, t.DependencyIDs())
	if err != nil {
		return j, err
	}
	j.deps = deps

	seen := map[uint]bool{}
	var ids []uint
	add := func(id *uint) {
		if id != nil && !seen[*id] {
			seen[*id] = true
			ids = append(ids, *id)
		}
	}
	collect := func(task *db.Task) {
		add(task.ResourceID)
		for i := range task.ResourceIDs {
			add(&task.ResourceIDs[i])
		}
	}
	collect(t)
	for _, d := range deps {
		collect(d)
	}
	resources, err := s.Store.ResourcesByIDs(ctx, ids)
	if err != nil {
		return j, err
	}
	j.resources = resources
	return j, nil
}

func (j *job) resource(id *uint) *db.Resource {
	if id == nil {
		return nil
	}
	return j.resources[*id]
}

// after overrides the next wake-up of the task.
func (j *job) after(d time.Duration) {
	j.delay = &d
}

// note updates the narrated status message without changing status.
func (j *job) note(format string, args ...interface{}) {
	j.task.StatusMsg = fmt.Sprintf(format, args...)
}

// transition moves the task along an edge of the status graph and stamps the
// matching date.
func (j *job) transition(to models.TaskStatus, format string, args ...interface{}) error {
	t := j.task
	if !models.CanTransition(t.Status, to) {
		return fmt.Errorf("%w: task %d %s -> %s", ErrBadTransition, t.ID, t.Status, to)
	}
	now := j.now
	switch to {
	case models.StatusRunning, models.StatusRunningSync:
		t.StartDate = &now
		t.FinishDate, t.FailDate = nil, nil
	case models.StatusFinished, models.StatusStopped:
		t.FinishDate = &now
	case models.StatusFailed:
		t.FailDate = &now
	case models.StatusRemoved:
		if t.RemoveDate == nil {
			t.RemoveDate = &now
		}
	}
	from := t.Status
	t.Status = to
	j.note(format, args...)
	if from != to {
		j.hops = append(j.hops, hop{from: from, to: to, msg: t.StatusMsg})
	}
	return nil
}
