package services

import (
	"context"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-orchestrator/internal/config"
	"task-orchestrator/internal/models"
	"task-orchestrator/internal/task-scheduler/db"
	"task-orchestrator/internal/task-scheduler/db/dbtest"
	"task-orchestrator/internal/task-scheduler/events"
	"task-orchestrator/internal/task-scheduler/pool"
	"task-orchestrator/internal/task-scheduler/pool/fake"
	"task-orchestrator/internal/task-scheduler/registry"
	"task-orchestrator/internal/task-scheduler/remote"
	"task-orchestrator/internal/task-scheduler/secrets"
	"task-orchestrator/internal/task-scheduler/syncer"
)

const (
	paramSchema  = `{"type": "object", "properties": {"nwalkers": {"type": "integer", "minimum": 1}}}`
	resultSchema = `{"type": "object", "required": ["chi2"], "properties": {"chi2": {"type": "number"}}}`
	testCommit   = "4f2a9c1e"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// transitions lists the task status changes published so far as "from->to".
func (r *recorder) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Task != nil {
			out = append(out, string(ev.Task.From)+"->"+string(ev.Task.To))
		}
	}
	return out
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	store     *db.Store
	keyring   *secrets.Keyring
	transport *fake.Transport
	pool      *pool.Pool
	events    *recorder
	svc       *SchedulerService
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := dbtest.NewStore(t)
	keyring, err := secrets.NewKeyring("services-test-key")
	require.NoError(t, err)
	transport := fake.NewTransport()
	p := pool.New(transport, keyring, pool.Options{})
	t.Cleanup(p.Close)

	reg, err := registry.FromConfig([]config.ServiceConfig{
		{
			Name: "fit", Branch: "master", Repo: "https://git.example.org/fit.git",
			StartCmd: "bin/start", StatusCmd: "bin/status", StopCmd: "bin/stop",
			ParamSchema: paramSchema, ResultSchema: resultSchema,
		},
		{Name: "quick", Branch: "master", StartCmd: "bin/run", Legacy: true, ResultSchema: resultSchema},
	})
	require.NoError(t, err)

	cfg := config.Default().Scheduler
	cfg.IdleSleep = 10 * time.Millisecond
	cfg.Workers = 4
	rec := &recorder{}
	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		store:     store,
		keyring:   keyring,
		transport: transport,
		pool:      p,
		events:    rec,
		svc:       NewSchedulerService(store, p, reg, rec, syncer.New(p, keyring), cfg),
		now:       time.Now().UTC().Truncate(time.Second),
	}
	f.svc.now = func() time.Time { return f.now }

	t.Cleanup(func() {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, ev := range rec.events {
			if ev.Task != nil {
				assert.True(t, models.CanTransition(ev.Task.From, ev.Task.To),
					"published transition %s -> %s", ev.Task.From, ev.Task.To)
			}
		}
	})
	return f
}

// resource registers an active, ok resource owned by user 1 that scores 10
// for every test service.
func (f *fixture) resource(name string, opts ...func(*db.Resource)) *db.Resource {
	f.t.Helper()
	r := &db.Resource{
		Name:     name,
		Active:   true,
		OwnerID:  1,
		Status:   models.ResourceOK,
		Hostname: name + ".example.org",
		Username: "runner",
		Scores:   dbtest.Scores(map[string]float64{"fit": 10, "quick": 10}),
	}
	for _, o := range opts {
		o(r)
	}
	require.NoError(f.t, f.store.CreateResource(f.ctx, r, []byte("KEY OF "+name), f.keyring))
	f.host(r).OnOutput("rev-parse HEAD", 0, testCommit+"\n")
	return r
}

func (f *fixture) host(r *db.Resource) *fake.Host {
	return f.transport.Host(r.Hostname)
}

func (f *fixture) dir(t *db.Task) string {
	return remote.TaskDir("", t.UserID, t.ID)
}

func (f *fixture) ago(d time.Duration) *time.Time {
	at := f.now.Add(-d)
	return &at
}

func (f *fixture) later(d time.Duration) *time.Time {
	at := f.now.Add(d)
	return &at
}

// runOnce handles exactly one due task and returns it reloaded.
func (f *fixture) runOnce(id uint) *db.Task {
	f.t.Helper()
	ran, err := f.svc.RunOnce(f.ctx)
	require.NoError(f.t, err)
	require.True(f.t, ran, "a task should have been due")
	return dbtest.Reload(f.t, f.store, id)
}

func id(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}

func TestRunOnce_NothingDue(t *testing.T) {
	f := newFixture(t)
	dbtest.AddTask(t, f.store, &db.Task{UserID: 1, NextDate: f.later(time.Hour)})

	ran, err := f.svc.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRunOnce_ReleasesClaimAndSchedulesNextPass(t *testing.T) {
	f := newFixture(t)
	task := dbtest.AddTask(t, f.store, &db.Task{UserID: 1})

	got := f.runOnce(task.ID)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimedAt)
	require.NotNil(t, got.NextDate)
	assert.WithinDuration(t, f.now.Add(NoCandidateWait), *got.NextDate, time.Second)

	ran, err := f.svc.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.False(t, ran, "the task is not due again before its next date")
}

func TestHandle_ExternalStopDuringPassWins(t *testing.T) {
	f := newFixture(t)
	r := f.resource("alpha")
	task := dbtest.AddTask(t, f.store, &db.Task{UserID: 1})

	claimed, err := f.store.ClaimNextDue(f.ctx, f.svc.Owner, f.now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, f.store.RequestStop(f.ctx, task.ID, f.now))

	f.svc.Handle(f.ctx, claimed)

	got := dbtest.Reload(t, f.store, task.ID)
	assert.Equal(t, models.StatusStopRequested, got.Status)
	require.NotNil(t, got.ResourceID, "placement bookkeeping is kept")
	assert.Equal(t, r.ID, *got.ResourceID)
	assert.Equal(t, 1, got.Run)
	assert.Equal(t, 1, got.StartAttempts)
	assert.Empty(t, got.ClaimedBy)
	require.NotNil(t, got.NextDate)
	assert.WithinDuration(t, f.now, *got.NextDate, time.Second)
	assert.Empty(t, f.events.transitions())

	got = f.runOnce(task.ID)
	assert.Equal(t, models.StatusStopped, got.Status)
	assert.True(t, f.host(r).Ran("boot.sh stop"))
}

func TestHandle_RerunDuringPassKeepsTheReset(t *testing.T) {
	f := newFixture(t)
	r := f.resource("alpha")
	task := dbtest.AddTask(t, f.store, &db.Task{
		UserID: 1, Status: models.StatusFinished, ResourceID: &r.ID, ResourceIDs: []uint{r.ID},
		Run: 2, Retry: 2, StartAttempts: 3, CommitID: "old",
		StartDate: f.ago(31 * 24 * time.Hour), FinishDate: f.ago(30 * 24 * time.Hour),
	})

	claimed, err := f.store.ClaimNextDue(f.ctx, f.svc.Owner, f.now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = f.store.Rerun(f.ctx, task.ID, f.now)
	require.NoError(t, err)

	f.svc.Handle(f.ctx, claimed)

	got := dbtest.Reload(t, f.store, task.ID)
	assert.Equal(t, models.StatusRequested, got.Status)
	assert.Equal(t, "rerun requested", got.StatusMsg)
	assert.Zero(t, got.Run, "the retry budget starts over")
	assert.Zero(t, got.StartAttempts)
	assert.Empty(t, got.CommitID)
	assert.Nil(t, got.StartDate)
	assert.Nil(t, got.ResourceID)
	assert.Empty(t, got.ClaimedBy)
	require.NotNil(t, got.NextDate)
	assert.WithinDuration(t, f.now, *got.NextDate, time.Second)
	assert.Empty(t, f.events.transitions())
}

func TestRun_ConcurrentWorkersNeverOverfillResource(t *testing.T) {
	f := newFixture(t)
	r := f.resource("solo", func(r *db.Resource) { r.MaxTask = dbtest.Int(1) })
	a := dbtest.AddTask(t, f.store, &db.Task{UserID: 1})
	b := dbtest.AddTask(t, f.store, &db.Task{UserID: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		ta, tb := dbtest.Reload(t, f.store, a.ID), dbtest.Reload(t, f.store, b.ID)
		return ta.ClaimedBy == "" && tb.ClaimedBy == "" && ta.NextDate != nil && tb.NextDate != nil &&
			ta.NextDate.After(f.now) && tb.NextDate.After(f.now)
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	n, err := f.store.CountRunning(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var waiting int
	for _, tid := range []uint{a.ID, b.ID} {
		got := dbtest.Reload(t, f.store, tid)
		if got.Status == models.StatusRequested {
			waiting++
			assert.Contains(t, got.StatusMsg, "no resource available")
		}
	}
	assert.Equal(t, 1, waiting)
	assert.EqualValues(t, 2, f.svc.Metrics().Get("scheduler.handled").(metrics.Counter).Count())
}

func TestRun_SlowPassOutlivingItsLeaseIsNotRepeated(t *testing.T) {
	f := newFixture(t)
	r := f.resource("alpha")
	task := dbtest.AddTask(t, f.store, &db.Task{UserID: 1, Service: "quick"})
	dir := f.dir(task)
	var starts atomic.Int32
	f.host(r).OnFunc("boot.sh start", func(string, []byte) (pool.ExecResult, error) {
		starts.Add(1)
		time.Sleep(500 * time.Millisecond)
		f.host(r).FS.WriteFile(path.Join(dir, remote.DefaultResult), []byte(`{"chi2": 0.5}`))
		return pool.ExecResult{}, nil
	})
	f.svc.Config.ClaimLease = 100 * time.Millisecond
	f.svc.now = func() time.Time { return time.Now().UTC() }

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	f.svc.Run(ctx)

	assert.EqualValues(t, 1, starts.Load(), "one loop starts a task once per pass")
	got := dbtest.Reload(t, f.store, task.ID)
	assert.Equal(t, models.StatusFinished, got.Status)
	assert.Equal(t, 1, got.Run)
	assert.Empty(t, got.ClaimedBy)
}

func TestRunningPoll(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(-d)
		return &v
	}
	tests := []struct {
		name    string
		started *time.Time
		want    time.Duration
	}{
		{"unknown start", nil, MinRunningPoll},
		{"just started", at(30 * time.Second), MinRunningPoll},
		{"ten minutes", at(10 * time.Minute), 30 * time.Second},
		{"two hours", at(2 * time.Hour), 6 * time.Minute},
		{"a week", at(7 * 24 * time.Hour), MaxRunningPoll},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RunningPoll(tt.started, now))
		})
	}
}

func TestTransition_RefusesEdgeOutsideGraph(t *testing.T) {
	j := &job{task: &db.Task{Status: models.StatusFinished}, now: time.Now()}
	err := j.transition(models.StatusRunning, "nope")
	assert.ErrorIs(t, err, ErrBadTransition)
	assert.Equal(t, models.StatusFinished, j.task.Status)

	require.NoError(t, j.transition(models.StatusRemoved, "removed"))
	require.NotNil(t, j.task.RemoveDate)
	assert.Error(t, j.transition(models.StatusRequested, "back"))
}
