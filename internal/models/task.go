package models

// TaskStatus is the scheduler-visible state of a task.
type TaskStatus string

const (
	StatusRequested     TaskStatus = "requested"
	StatusRunning       TaskStatus = "running"
	StatusRunningSync   TaskStatus = "running_sync"
	StatusFinished      TaskStatus = "finished"
	StatusFailed        TaskStatus = "failed"
	StatusStopRequested TaskStatus = "stop_requested"
	StatusStopped       TaskStatus = "stopped"
	StatusRemoved       TaskStatus = "removed"
)

// Terminal reports whether the status is only left through a rerun or removal.
func (s TaskStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusStopped
}

// Active reports whether a task in this status occupies (or is about to occupy) a resource.
func (s TaskStatus) Active() bool {
	return s == StatusRunning || s == StatusRunningSync || s == StatusStopRequested
}

// transitions lists every edge of the task state graph. Removal is allowed from
// every non-removed state and is handled by CanTransition directly.
var transitions = map[TaskStatus][]TaskStatus{
	StatusRequested:     {StatusRunning, StatusRunningSync, StatusFailed, StatusStopRequested},
	StatusRunning:       {StatusFinished, StatusFailed, StatusStopRequested, StatusRequested},
	StatusRunningSync:   {StatusFinished, StatusFailed, StatusStopRequested, StatusRequested},
	StatusStopRequested: {StatusStopped},
	StatusFinished:      {StatusRequested},
	StatusFailed:        {StatusRequested},
	StatusStopped:       {StatusRequested},
}

// CanTransition reports whether from -> to is an edge of the task state graph.
// A running task may go back to requested only through a retry after a failed run.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	if from == StatusRemoved {
		return false
	}
	if to == StatusRemoved {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Dependency names a task whose working directory must be present before a
// dependent task starts. Dirs optionally restricts the copy to subdirectories.
type Dependency struct {
	TaskID uint     `json:"task_id"`
	Dirs   []string `json:"dirs,omitempty"`
}

// ConsideredResource is one line of the placement audit trail kept on a task.
// A nil Score means the resource was excluded outright.
type ConsideredResource struct {
	ResourceID uint     `json:"resource_id"`
	Name       string   `json:"name"`
	Score      *float64 `json:"score"`
	Occupancy  float64  `json:"occupancy"`
	Trace      []string `json:"trace,omitempty"`
}

// Identity is the submitter on whose behalf a task is placed.
type Identity struct {
	UserID     uint
	GroupIDs   []uint
	Privileged bool
}
