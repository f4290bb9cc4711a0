package db

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"task-orchestrator/internal/models"
	"task-orchestrator/internal/task-scheduler/secrets"
)

// Task is one schedulable unit of work. Only the scheduler loop changes Status,
// except for the rerun/stop/remove requests in store.go.
type Task struct {
	gorm.Model
	UserID       uint                                  `json:"user_id" gorm:"index"`
	InstanceID   *uint                                 `json:"instance_id,omitempty" gorm:"index"`
	Service      string                                `json:"service" gorm:"size:128"`
	Branch       string                                `json:"branch" gorm:"size:128"`
	Status       models.TaskStatus                     `json:"status" gorm:"size:32;index"`
	StatusMsg    string                                `json:"status_msg" gorm:"type:text"`
	ResourceID   *uint                                 `json:"resource_id,omitempty" gorm:"index"`
	ResourceIDs  datatypes.JSONSlice[uint]             `json:"resource_ids"`
	Dependencies datatypes.JSONSlice[models.Dependency] `json:"dependencies"`

	MaxRuntime    int `json:"max_runtime"` // seconds, 0 means unbounded
	Retry         int `json:"retry"`
	Run           int `json:"run"`
	StartAttempts int `json:"start_attempts"`
	Nice          int `json:"nice" gorm:"index:idx_task_due,priority:1"`

	RequestDate *time.Time `json:"request_date,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	FinishDate  *time.Time `json:"finish_date,omitempty"`
	FailDate    *time.Time `json:"fail_date,omitempty"`
	RemoveDate  *time.Time `json:"remove_date,omitempty"`
	NextDate    *time.Time `json:"next_date,omitempty" gorm:"index:idx_task_due,priority:2"`

	Locked           bool                                          `json:"locked"`
	CommitID         string                                        `json:"commit_id" gorm:"size:64"`
	Considered       datatypes.JSONSlice[models.ConsideredResource] `json:"considered"`
	Config           datatypes.JSON                                `json:"config"`
	Products         datatypes.JSON                                `json:"products"`
	PreferResourceID *uint                                         `json:"prefer_resource_id,omitempty"`
	FollowTaskID     *uint                                         `json:"follow_task_id,omitempty"`

	ClaimedBy string     `json:"-" gorm:"size:64;index"`
	ClaimedAt *time.Time `json:"-"`
}

// HasResource reports whether a copy of the task directory is recorded on resourceID.
func (t *Task) HasResource(resourceID uint) bool {
	for _, id := range t.ResourceIDs {
		if id == resourceID {
			return true
		}
	}
	return false
}

// AddResource records resourceID as holding a copy of the task directory.
func (t *Task) AddResource(resourceID uint) {
	if !t.HasResource(resourceID) {
		t.ResourceIDs = append(t.ResourceIDs, resourceID)
	}
}

// DropResource forgets resourceID; callers only do so once the copy is proven gone.
func (t *Task) DropResource(resourceID uint) {
	kept := t.ResourceIDs[:0]
	for _, id := range t.ResourceIDs {
		if id != resourceID {
			kept = append(kept, id)
		}
	}
	t.ResourceIDs = kept
}

// DependencyIDs lists the ids of the tasks this one depends on.
func (t *Task) DependencyIDs() []uint {
	ids := make([]uint, 0, len(t.Dependencies))
	for _, d := range t.Dependencies {
		ids = append(ids, d.TaskID)
	}
	return ids
}

// Resource is a remote account on which tasks execute.
type Resource struct {
	gorm.Model
	OwnerID      uint                                     `json:"owner_id" gorm:"index"`
	AdminIDs     datatypes.JSONSlice[uint]                `json:"admin_ids"`
	Active       bool                                     `json:"active" gorm:"index"`
	Name         string                                   `json:"name" gorm:"size:128"`
	Scores       datatypes.JSONType[map[string]float64]   `json:"scores"`
	MaxTask      *int                                     `json:"maxtask,omitempty"`
	GroupIDs     datatypes.JSONSlice[uint]                `json:"gids"`
	Hostname     string                                   `json:"hostname" gorm:"size:255"`
	Port         int                                      `json:"port"`
	Username     string                                   `json:"username" gorm:"size:128"`
	EncryptedKey string                                   `json:"-" gorm:"type:text"`
	BaseDir      string                                   `json:"base_dir" gorm:"size:255"`
	Status       models.ResourceStatus                    `json:"status" gorm:"size:32;index"`
	StatusMsg    string                                   `json:"status_msg" gorm:"type:text"`
	StatusUpdate *time.Time                               `json:"status_update,omitempty"`
	LastOKDate   *time.Time                               `json:"lastok_date,omitempty"`
	Usage        datatypes.JSONType[models.ResourceUsage] `json:"usage"`
}

// Capacity is the number of concurrent tasks the resource accepts; unset means 1.
func (r *Resource) Capacity() int {
	if r.MaxTask == nil {
		return 1
	}
	return *r.MaxTask
}

// ScoreFor returns the declared score for a service.
func (r *Resource) ScoreFor(service string) (float64, bool) {
	score, ok := r.Scores.Data()[service]
	return score, ok
}

// Private reports whether the resource is shared with no group.
func (r *Resource) Private() bool {
	return len(r.GroupIDs) == 0
}

// Removed reports whether the resource is retired and kept only for history.
func (r *Resource) Removed() bool {
	return r.Status == models.ResourceRemoved
}

// Usable reports whether remote commands may be issued against the resource.
func (r *Resource) Usable() bool {
	return r.Active && r.Status == models.ResourceOK
}

// AccessibleBy reports whether the identity owns, administers or shares a group with the resource.
func (r *Resource) AccessibleBy(id models.Identity) bool {
	if r.OwnerID == id.UserID {
		return true
	}
	for _, a := range r.AdminIDs {
		if a == id.UserID {
			return true
		}
	}
	for _, g := range r.GroupIDs {
		for _, mine := range id.GroupIDs {
			if g == mine {
				return true
			}
		}
	}
	return false
}

// PrivateKey decrypts the resource's login key.
func (r *Resource) PrivateKey(k *secrets.Keyring) ([]byte, error) {
	return k.Decrypt(r.ID, r.EncryptedKey)
}

// Instance groups tasks and carries their aggregate status.
type Instance struct {
	gorm.Model
	OwnerID   uint   `json:"owner_id" gorm:"index"`
	Name      string `json:"name" gorm:"size:128"`
	Status    string `json:"status" gorm:"size:32"`
	StatusMsg string `json:"status_msg"`
}

// User is the identity record consulted when placing tasks.
type User struct {
	gorm.Model
	Name       string                    `json:"name" gorm:"size:128"`
	GroupIDs   datatypes.JSONSlice[uint] `json:"gids"`
	Privileged bool                      `json:"privileged"`
}

// AllModels lists every model for auto-migration.
func AllModels() []interface{} {
	return []interface{}{&Task{}, &Resource{}, &Instance{}, &User{}}
}
