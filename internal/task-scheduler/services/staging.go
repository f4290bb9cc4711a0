package services

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-orchestrator/internal/models"
	"task-orchestrator/internal/task-scheduler/db"
	"task-orchestrator/internal/task-scheduler/pool"
	"task-orchestrator/internal/task-scheduler/registry"
	"task-orchestrator/internal/task-scheduler/remote"
)

const (
	FetchTimeout  = 600 * time.Second
	LaunchTimeout = 120 * time.Second
	LegacyTimeout = 600 * time.Second
)

// permanentError marks a staging failure that no retry can fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// StepError names the staging step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

// stage carries one staging attempt across its steps.
type stage struct {
	job      *job
	svc      *registry.Service
	resource *db.Resource
	dir      string
	shell    *pool.Session
	files    *pool.FileSession
}

type stagingStep struct {
	name string
	run  func(*SchedulerService, context.Context, *stage) error
}

// stagingSteps run in order; the first failure aborts the rest. Progress
// already made (directory created, commit fetched) stays recorded on the task.
var stagingSteps = []stagingStep{
	{"prepare-dir", (*SchedulerService).prepareDir},
	{"fetch-code", (*SchedulerService).fetchCode},
	{"write-config", (*SchedulerService).writeConfig},
	{"write-env", (*SchedulerService).writeEnv},
	{"write-provenance", (*SchedulerService).writeProvenance},
	{"sync-dependencies", (*SchedulerService).syncDependencies},
	{"launch", (*SchedulerService).launch},
}

func (s *SchedulerService) stage(ctx context.Context, j *job, svc *registry.Service, r *db.Resource) error {
	st := &stage{job: j, svc: svc, resource: r, dir: remote.TaskDir(r.BaseDir, j.task.UserID, j.task.ID)}
	if err := remote.CheckTaskDir(st.dir, j.task.ID); err != nil {
		return permanent(err)
	}
	var err error
	if st.shell, err = s.Pool.AcquireShell(ctx, r, pool.ShellOptions{}); err != nil {
		return err
	}
	if st.files, err = s.Pool.AcquireSFTP(ctx, r); err != nil {
		return err
	}
	for _, step := range stagingSteps {
		if err := step.run(s, ctx, st); err != nil {
			return &StepError{Step: step.name, Err: err}
		}
		hlog.Debugf("SchedulerService: task %d: %s done", j.task.ID, step.name)
	}
	return nil
}

// run executes cmd and turns a non-zero exit into an error.
func run(ctx context.Context, shell *pool.Session, cmd string, timeout time.Duration) (pool.ExecResult, error) {
	res, err := shell.Exec(ctx, cmd, timeout)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return res, nil
}

func (s *SchedulerService) prepareDir(ctx context.Context, st *stage) error {
	if err := st.files.MkdirAll(st.dir); err != nil {
		return fmt.Errorf("creating %s: %w", st.dir, err)
	}
	st.job.task.AddResource(st.resource.ID)
	return nil
}

func (s *SchedulerService) fetchCode(ctx context.Context, st *stage) error {
	if st.svc.Repo == "" {
		return nil
	}
	res, err := run(ctx, st.shell, remote.FetchCode(st.dir, st.svc.Repo, st.svc.Branch), FetchTimeout)
	if err != nil {
		return err
	}
	lines := strings.Fields(string(res.Stdout))
	if len(lines) == 0 {
		return fmt.Errorf("no commit id reported")
	}
	st.job.task.CommitID = lines[len(lines)-1]
	return nil
}

func (s *SchedulerService) writeConfig(ctx context.Context, st *stage) error {
	doc := []byte(st.job.task.Config)
	if len(doc) == 0 || string(doc) == "null" {
		doc = []byte("{}")
	}
	if err := st.svc.ValidateConfig(doc); err != nil {
		return permanent(fmt.Errorf("invalid task config: %w", err))
	}
	return st.files.WriteFile(ctx, path.Join(st.dir, remote.ConfigFile), doc, 0o600)
}

func (s *SchedulerService) writeEnv(ctx context.Context, st *stage) error {
	t := st.job.task
	vars := [][2]string{
		{"TASK_ID", strconv.FormatUint(uint64(t.ID), 10)},
		{"TASK_DIR", st.dir},
		{"TASK_SERVICE", t.Service},
		{"TASK_BRANCH", st.svc.Branch},
		{"TASK_COMMIT", t.CommitID},
		{"TASK_RESOURCE_ID", strconv.FormatUint(uint64(st.resource.ID), 10)},
		{"TASK_RUN", strconv.Itoa(t.Run + 1)},
	}
	for _, d := range t.Dependencies {
		if dep, ok := st.job.deps[d.TaskID]; ok {
			vars = append(vars, [2]string{
				fmt.Sprintf("TASK_DEP_%d_DIR", d.TaskID),
				remote.TaskDir(st.resource.BaseDir, dep.UserID, dep.ID),
			})
		}
	}
	var env strings.Builder
	for _, v := range vars {
		fmt.Fprintf(&env, "export %s=%s\n", v[0], remote.Quote(v[1]))
	}
	if err := st.files.WriteFile(ctx, path.Join(st.dir, remote.EnvFile), []byte(env.String()), 0o600); err != nil {
		return err
	}
	return st.files.WriteFile(ctx, path.Join(st.dir, remote.BootFile), []byte(bootScript(st.svc)), 0o700)
}

// bootScript dispatches start, status and stop to the service's commands
// with the task environment loaded.
func bootScript(svc *registry.Service) string {
	action := func(cmd string, missing int) string {
		if cmd == "" {
			return "exit " + strconv.Itoa(missing)
		}
		return "exec sh " + remote.Quote(cmd)
	}
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("cd \"$(dirname \"$0\")\" || exit 3\n")
	b.WriteString(". ./" + remote.EnvFile + "\n")
	b.WriteString("case \"$1\" in\n")
	fmt.Fprintf(&b, "start) %s ;;\n", action(svc.StartCmd, 1))
	fmt.Fprintf(&b, "status) %s ;;\n", action(svc.StatusCmd, 3))
	fmt.Fprintf(&b, "stop) %s ;;\n", action(svc.StopCmd, 1))
	b.WriteString("esac\n")
	b.WriteString("echo \"usage: $0 start|status|stop\" >&2\n")
	b.WriteString("exit 64\n")
	return b.String()
}

func (s *SchedulerService) writeProvenance(ctx context.Context, st *stage) error {
	t := st.job.task
	oneLine := func(v string) string { return strings.ReplaceAll(v, "\n", " ") }
	var b strings.Builder
	fmt.Fprintf(&b, "# task %d placed on resource %d (%s) at %s, start attempt %d\n",
		t.ID, st.resource.ID, oneLine(st.resource.Name), st.job.now.Format(time.RFC3339), t.StartAttempts)
	fmt.Fprintf(&b, "PLACED_RESOURCE_ID=%d\n", st.resource.ID)
	considered := append([]models.ConsideredResource(nil), t.Considered...)
	sort.SliceStable(considered, func(i, k int) bool { return considered[i].ResourceID < considered[k].ResourceID })
	for _, c := range considered {
		score := "excluded"
		if c.Score != nil {
			score = strconv.FormatFloat(*c.Score, 'g', -1, 64)
		}
		fmt.Fprintf(&b, "# resource %d (%s): %s, occupancy %.2f: %s\n",
			c.ResourceID, oneLine(c.Name), score, c.Occupancy, oneLine(strings.Join(c.Trace, "; ")))
	}
	return st.files.WriteFile(ctx, path.Join(st.dir, remote.ProvenanceFile), []byte(b.String()), 0o644)
}

// syncDependencies copies each dependency's directory onto the chosen
// resource unless a copy is already recorded there.
func (s *SchedulerService) syncDependencies(ctx context.Context, st *stage) error {
	for _, d := range st.job.task.Dependencies {
		dep, ok := st.job.deps[d.TaskID]
		if !ok {
			return permanent(fmt.Errorf("dependency task %d vanished", d.TaskID))
		}
		if dep.HasResource(st.resource.ID) {
			continue
		}
		src := s.copySource(st.job, dep)
		if src == nil {
			return fmt.Errorf("no reachable copy of dependency task %d", dep.ID)
		}
		srcDir := remote.TaskDir(src.BaseDir, dep.UserID, dep.ID)
		dstDir := remote.TaskDir(st.resource.BaseDir, dep.UserID, dep.ID)
		if err := remote.CheckTaskDir(srcDir, dep.ID); err != nil {
			return permanent(err)
		}
		if err := remote.CheckTaskDir(dstDir, dep.ID); err != nil {
			return permanent(err)
		}
		subdirs := d.Dirs
		if len(subdirs) == 0 {
			subdirs = []string{""}
		}
		for _, sub := range subdirs {
			if sub != "" && (path.IsAbs(sub) || strings.HasPrefix(path.Clean(sub), "..")) {
				return permanent(fmt.Errorf("%w: dependency subdirectory %q", remote.ErrUnsafePath, sub))
			}
			if err := s.Syncer.Sync(ctx, src, st.resource, path.Join(srcDir, sub), path.Join(dstDir, sub)); err != nil {
				return err
			}
		}
		if err := s.Store.AddTaskResource(ctx, dep.ID, st.resource.ID); err != nil {
			return err
		}
		dep.AddResource(st.resource.ID)
	}
	return nil
}

// copySource prefers the resource a dependency ran on, then any other usable copy.
func (s *SchedulerService) copySource(j *job, dep *db.Task) *db.Resource {
	if r := j.resource(dep.ResourceID); r != nil && r.Usable() && dep.HasResource(r.ID) {
		return r
	}
	for _, id := range dep.ResourceIDs {
		if r := j.resources[id]; r != nil && r.Usable() {
			return r
		}
	}
	return nil
}

func (s *SchedulerService) launch(ctx context.Context, st *stage) error {
	j, t, r := st.job, st.job.task, st.resource
	if st.svc.Legacy {
		return s.launchLegacy(ctx, st)
	}
	if _, err := run(ctx, st.shell, remote.Script(st.dir, remote.BootFile, "start"), LaunchTimeout); err != nil {
		return fmt.Errorf("start %w", err)
	}
	t.Run++
	return j.transition(models.StatusRunning, "running on %s (run %d)", r.Name, t.Run)
}

// launchLegacy runs the service to completion within this pass and collects
// its result straight away.
func (s *SchedulerService) launchLegacy(ctx context.Context, st *stage) error {
	j, t, r := st.job, st.job.task, st.resource
	t.Run++
	if err := j.transition(models.StatusRunningSync, "running synchronously on %s (run %d)", r.Name, t.Run); err != nil {
		return err
	}
	timeout := LegacyTimeout
	if t.MaxRuntime > 0 {
		timeout = time.Duration(t.MaxRuntime) * time.Second
	}
	res, err := st.shell.Exec(ctx, remote.Script(st.dir, remote.BootFile, "start"), timeout)
	if err != nil {
		hlog.Warnf("SchedulerService: task %d: synchronous run did not complete: %v", t.ID, err)
		j.note("synchronous run on %s did not report back (%v), polling its status", r.Name, err)
		return nil
	}
	if res.ExitCode != 0 {
		return s.runFailed(j, fmt.Sprintf("run %d exited %d", t.Run, res.ExitCode))
	}
	return s.collectResult(ctx, j, st.svc, st.files, st.dir)
}
