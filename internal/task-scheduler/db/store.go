package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"task-orchestrator/internal/models"
	"task-orchestrator/internal/task-scheduler/secrets"
	gormdb "task-orchestrator/pkg/db"
)

var (
	ErrClaimLost    = errors.New("task claimed by another loop")
	ErrRerunRefused = errors.New("rerun refused")
	ErrNotAllowed   = errors.New("status change not allowed")
)

// Store wraps the gorm handle with the atomic primitives the scheduler needs.
type Store struct {
	DB *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) Migrate() error {
	return gormdb.AutoMigrate(s.DB, AllModels()...)
}

// ClaimNextDue picks the most due non-removed task, ordered by nice then
// next_date (unset first), and claims it by pushing its next_date out by lease
// in a conditional update. It returns (nil, nil) when nothing is due and
// ErrClaimLost when another loop claimed the same task first. Tasks in skip
// are never picked, whatever their next_date.
func (s *Store) ClaimNextDue(ctx context.Context, owner string, now time.Time, lease time.Duration, skip ...uint) (*Task, error) {
	var t Task
	q := s.DB.WithContext(ctx).
		Where("status <> ?", models.StatusRemoved).
		Where("(next_date IS NULL OR next_date <= ?)", now)
	if len(skip) > 0 {
		q = q.Where("id NOT IN ?", skip)
	}
	err := q.Order("nice ASC").Order("next_date ASC").Order("id ASC").
		Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find due task: %w", err)
	}

	until := now.Add(lease)
	res := s.DB.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status <> ?", t.ID, models.StatusRemoved).
		Where("(next_date IS NULL OR next_date <= ?)", now).
		Updates(map[string]interface{}{"next_date": until, "claimed_by": owner, "claimed_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim task %d: %w", t.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrClaimLost
	}
	t.NextDate, t.ClaimedBy, t.ClaimedAt = &until, owner, &now
	return &t, nil
}

// SaveTask persists a handled task and releases the claim. The write is
// conditional on the status observed at claim time. If a stop or remove
// request changed it meanwhile, only the placement bookkeeping is saved and
// the task is made due immediately so the loop acts on the new status. A
// rerun reset the task's run and placement fields, so after one only the
// claim is released. The returned bool reports such a conflict.
func (s *Store) SaveTask(ctx context.Context, t *Task, claimed models.TaskStatus, now time.Time) (bool, error) {
	t.ClaimedBy, t.ClaimedAt = "", nil
	res := s.DB.WithContext(ctx).Model(t).
		Where("status = ?", claimed).
		Select("*").Omit("ID", "CreatedAt", "DeletedAt").
		Updates(t)
	if res.Error != nil {
		return false, fmt.Errorf("failed to save task %d: %w", t.ID, res.Error)
	}
	if res.RowsAffected > 0 {
		return false, nil
	}

	res = s.DB.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status IN ?", t.ID, []models.TaskStatus{models.StatusStopRequested, models.StatusRemoved}).
		Updates(map[string]interface{}{
			"resource_id":    t.ResourceID,
			"resource_ids":   t.ResourceIDs,
			"considered":     t.Considered,
			"commit_id":      t.CommitID,
			"run":            t.Run,
			"start_attempts": t.StartAttempts,
			"start_date":     t.StartDate,
			"claimed_by":     "",
			"claimed_at":     nil,
			"next_date":      now,
		})
	if res.Error != nil {
		return true, fmt.Errorf("failed to save bookkeeping of task %d: %w", t.ID, res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	res = s.DB.WithContext(ctx).Model(&Task{}).Where("id = ?", t.ID).
		Updates(map[string]interface{}{"claimed_by": "", "claimed_at": nil})
	if res.Error != nil {
		return true, fmt.Errorf("failed to release claim of task %d: %w", t.ID, res.Error)
	}
	return true, nil
}

// CreateTask inserts a new task in status requested, due immediately.
func (s *Store) CreateTask(ctx context.Context, t *Task, now time.Time) error {
	t.Status = models.StatusRequested
	if t.StatusMsg == "" {
		t.StatusMsg = "requested"
	}
	t.RequestDate = &now
	t.NextDate = &now
	return s.DB.WithContext(ctx).Create(t).Error
}

func (s *Store) GetTask(ctx context.Context, id uint) (*Task, error) {
	var t Task
	if err := s.DB.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// TasksByIDs loads tasks in one query, keyed by id. Missing ids are absent from the map.
func (s *Store) TasksByIDs(ctx context.Context, ids []uint) (map[uint]*Task, error) {
	out := make(map[uint]*Task, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var tasks []Task
	if err := s.DB.WithContext(ctx).Where("id IN ?", ids).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	for i := range tasks {
		out[tasks[i].ID] = &tasks[i]
	}
	return out, nil
}

// ResourcesByIDs loads resources in one query, keyed by id.
func (s *Store) ResourcesByIDs(ctx context.Context, ids []uint) (map[uint]*Resource, error) {
	out := make(map[uint]*Resource, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var resources []Resource
	if err := s.DB.WithContext(ctx).Where("id IN ?", ids).Find(&resources).Error; err != nil {
		return nil, fmt.Errorf("failed to load resources: %w", err)
	}
	for i := range resources {
		out[resources[i].ID] = &resources[i]
	}
	return out, nil
}

// SchedulableResources returns active, non-removed resources in registration order.
func (s *Store) SchedulableResources(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	err := s.DB.WithContext(ctx).
		Where("active = ? AND status <> ?", true, models.ResourceRemoved).
		Order("created_at ASC").Order("id ASC").
		Find(&resources).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return resources, nil
}

// Occupancy counts, per resource, the tasks running there plus the tasks
// being started there (requested, claimed, already placed). exclude is left out.
func (s *Store) Occupancy(ctx context.Context, resourceIDs []uint, exclude uint) (map[uint]int, error) {
	out := make(map[uint]int, len(resourceIDs))
	if len(resourceIDs) == 0 {
		return out, nil
	}
	type row struct {
		ResourceID uint
		N          int
	}
	var rows []row
	err := s.DB.WithContext(ctx).Model(&Task{}).
		Select("resource_id, count(*) AS n").
		Where("resource_id IN ? AND id <> ?", resourceIDs, exclude).
		Where("(status IN ? OR (status = ? AND claimed_by <> ''))",
			[]models.TaskStatus{models.StatusRunning, models.StatusRunningSync}, models.StatusRequested).
		Group("resource_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count running tasks: %w", err)
	}
	for _, r := range rows {
		out[r.ResourceID] = r.N
	}
	return out, nil
}

// dependents returns the tasks in one of statuses that list taskID as a dependency.
func (s *Store) dependents(ctx context.Context, taskID uint, statuses []models.TaskStatus) ([]Task, error) {
	var candidates []Task
	err := s.DB.WithContext(ctx).
		Select("id", "status", "dependencies", "next_date").
		Where("status IN ?", statuses).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list dependents of %d: %w", taskID, err)
	}
	var out []Task
	for _, c := range candidates {
		for _, d := range c.Dependencies {
			if d.TaskID == taskID {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

// ActiveDependents lists tasks not yet terminal that depend on taskID.
func (s *Store) ActiveDependents(ctx context.Context, taskID uint) ([]Task, error) {
	return s.dependents(ctx, taskID, []models.TaskStatus{
		models.StatusRequested, models.StatusRunning, models.StatusRunningSync, models.StatusStopRequested,
	})
}

// WakeDependents makes requested dependents of taskID due now.
func (s *Store) WakeDependents(ctx context.Context, taskID uint, now time.Time) (int, error) {
	deps, err := s.dependents(ctx, taskID, []models.TaskStatus{models.StatusRequested})
	if err != nil {
		return 0, err
	}
	if len(deps) == 0 {
		return 0, nil
	}
	ids := make([]uint, 0, len(deps))
	for _, d := range deps {
		ids = append(ids, d.ID)
	}
	res := s.DB.WithContext(ctx).Model(&Task{}).
		Where("id IN ? AND status = ? AND claimed_by = ''", ids, models.StatusRequested).
		Update("next_date", now)
	return int(res.RowsAffected), res.Error
}

// Identity resolves a user id to its groups. Unknown users get no groups.
func (s *Store) Identity(ctx context.Context, userID uint) (models.Identity, error) {
	id := models.Identity{UserID: userID}
	var u User
	err := s.DB.WithContext(ctx).First(&u, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return id, nil
	}
	if err != nil {
		return id, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	id.GroupIDs = append(id.GroupIDs, u.GroupIDs...)
	id.Privileged = u.Privileged
	return id, nil
}

// RecomputeInstanceStatus derives an instance's aggregate status from its tasks.
func (s *Store) RecomputeInstanceStatus(ctx context.Context, instanceID uint) error {
	type row struct {
		Status models.TaskStatus
		N      int
	}
	var rows []row
	err := s.DB.WithContext(ctx).Model(&Task{}).
		Select("status, count(*) AS n").
		Where("instance_id = ?", instanceID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to count tasks of instance %d: %w", instanceID, err)
	}
	counts := make(map[models.TaskStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	status, msg := aggregateStatus(counts)
	return s.DB.WithContext(ctx).Model(&Instance{}).Where("id = ?", instanceID).
		Updates(map[string]interface{}{"status": status, "status_msg": msg}).Error
}

func aggregateStatus(counts map[models.TaskStatus]int) (string, string) {
	total := 0
	parts := make([]string, 0, len(counts))
	for st, n := range counts {
		total += n
		parts = append(parts, fmt.Sprintf("%d %s", n, st))
	}
	sort.Strings(parts)
	msg := strings.Join(parts, ", ")
	switch {
	case total == 0:
		return "empty", "no tasks"
	case counts[models.StatusRunning]+counts[models.StatusRunningSync]+counts[models.StatusStopRequested] > 0:
		return "running", msg
	case counts[models.StatusRequested] > 0:
		return string(models.StatusRequested), msg
	case counts[models.StatusFailed] > 0:
		return string(models.StatusFailed), msg
	case counts[models.StatusStopped] > 0:
		return string(models.StatusStopped), msg
	case counts[models.StatusFinished] > 0:
		return string(models.StatusFinished), msg
	}
	return string(models.StatusRemoved), msg
}

// Rerun resets a terminal task to requested, clearing its run and placement
// fields. Running, stopping, removed and locked tasks are refused. Active
// dependents do not block the rerun but are reported back as warnings.
func (s *Store) Rerun(ctx context.Context, id uint, now time.Time) ([]string, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Locked {
		return nil, fmt.Errorf("%w: task %d is locked", ErrRerunRefused, id)
	}
	if !t.Status.Terminal() {
		return nil, fmt.Errorf("%w: task %d is %s", ErrRerunRefused, id, t.Status)
	}

	var warnings []string
	deps, err := s.ActiveDependents(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, d := range deps {
		warnings = append(warnings, fmt.Sprintf("task %d depends on task %d and is %s", d.ID, id, d.Status))
	}

	res := s.DB.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ? AND locked = ?", id, t.Status, false).
		Updates(map[string]interface{}{
			"status":         models.StatusRequested,
			"status_msg":     "rerun requested",
			"start_date":     nil,
			"finish_date":    nil,
			"fail_date":      nil,
			"remove_date":    nil,
			"products":       nil,
			"resource_id":    nil,
			"considered":     datatypes.JSONSlice[models.ConsideredResource]{},
			"commit_id":      "",
			"run":            0,
			"start_attempts": 0,
			"request_date":   now,
			"next_date":      now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to rerun task %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: task %d changed concurrently", ErrRerunRefused, id)
	}
	s.recomputeFor(ctx, t)
	return warnings, nil
}

// RequestStop asks the loop to stop a requested or running task.
func (s *Store) RequestStop(ctx context.Context, id uint, now time.Time) error {
	return s.requestStop(ctx, id, now, nil)
}

func (s *Store) requestStop(ctx context.Context, id uint, now time.Time, removeAt *time.Time) error {
	updates := map[string]interface{}{
		"status":     models.StatusStopRequested,
		"status_msg": "stop requested",
		"next_date":  now,
	}
	if removeAt != nil {
		updates["remove_date"] = *removeAt
	}
	res := s.DB.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status IN ?", id,
			[]models.TaskStatus{models.StatusRequested, models.StatusRunning, models.StatusRunningSync}).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to request stop of task %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: task %d cannot be stopped in its current status", ErrNotAllowed, id)
	}
	if t, err := s.GetTask(ctx, id); err == nil {
		s.recomputeFor(ctx, t)
	}
	return nil
}

// RequestRemove schedules a task's removal. Terminal tasks are handed to
// housekeeping immediately; active ones are stopped first.
func (s *Store) RequestRemove(ctx context.Context, id uint, now time.Time) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case t.Status == models.StatusRemoved:
		return nil
	case t.Status.Terminal():
		return s.DB.WithContext(ctx).Model(&Task{}).Where("id = ? AND status = ?", id, t.Status).
			Updates(map[string]interface{}{"remove_date": now, "next_date": now}).Error
	case t.Status == models.StatusStopRequested:
		return s.DB.WithContext(ctx).Model(&Task{}).Where("id = ?", id).
			Updates(map[string]interface{}{"remove_date": now, "next_date": now}).Error
	}
	return s.requestStop(ctx, id, now, &now)
}

func (s *Store) recomputeFor(ctx context.Context, t *Task) {
	if t.InstanceID == nil {
		return
	}
	_ = s.RecomputeInstanceStatus(ctx, *t.InstanceID)
}

// CreateResource inserts a resource and seals its private key with a key
// derived from the new record's id.
func (s *Store) CreateResource(ctx context.Context, r *Resource, privateKey []byte, k *secrets.Keyring) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if r.Status == "" {
			r.Status = models.ResourceUnknown
		}
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		sealed, err := k.Encrypt(r.ID, privateKey)
		if err != nil {
			return err
		}
		r.EncryptedKey = sealed
		return tx.Model(r).Update("encrypted_key", sealed).Error
	})
}

// UpdateResourceHealth writes the status and usage fields owned by the health service.
func (s *Store) UpdateResourceHealth(ctx context.Context, r *Resource) error {
	return s.DB.WithContext(ctx).Model(r).
		Select("Active", "Status", "StatusMsg", "StatusUpdate", "LastOKDate", "Usage").
		Updates(r).Error
}

// CountRunning counts tasks currently running on a resource.
func (s *Store) CountRunning(ctx context.Context, resourceID uint) (int, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&Task{}).
		Where("resource_id = ? AND status IN ?", resourceID,
			[]models.TaskStatus{models.StatusRunning, models.StatusRunningSync}).
		Count(&n).Error
	return int(n), err
}

// AssignResource records a placement while the task is still claimed by
// owner, so concurrent placements count it as starting on that resource.
func (s *Store) AssignResource(ctx context.Context, t *Task, owner string) error {
	res := s.DB.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND claimed_by = ?", t.ID, owner).
		Updates(map[string]interface{}{"resource_id": t.ResourceID, "considered": t.Considered})
	if res.Error != nil {
		return fmt.Errorf("failed to assign resource to task %d: %w", t.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// AddTaskResource records that resourceID now holds a copy of a task's directory.
func (s *Store) AddTaskResource(ctx context.Context, taskID, resourceID uint) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t Task
		if err := tx.Select("id", "resource_ids").First(&t, taskID).Error; err != nil {
			return err
		}
		if t.HasResource(resourceID) {
			return nil
		}
		t.AddResource(resourceID)
		return tx.Model(&Task{}).Where("id = ?", taskID).Update("resource_ids", t.ResourceIDs).Error
	})
}
