// Package dbtest opens throwaway SQLite stores and seeds them for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"task-orchestrator/internal/models"
	"task-orchestrator/internal/task-scheduler/db"
	gormdb "task-orchestrator/pkg/db"
)

// NewStore returns a migrated store backed by a SQLite file in t's temp dir.
func NewStore(t testing.TB) *db.Store {
	t.Helper()
	gdb, err := gormdb.NewGormDB("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	s := db.NewStore(gdb)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return s
}

// AddResource inserts r as an active, ok resource unless the fields say otherwise.
func AddResource(t testing.TB, s *db.Store, r *db.Resource) *db.Resource {
	t.Helper()
	if r.Status == "" {
		r.Status = models.ResourceOK
	}
	if r.Hostname == "" {
		r.Hostname = r.Name + ".example.org"
	}
	if r.Username == "" {
		r.Username = "runner"
	}
	require.NoError(t, s.DB.Create(r).Error)
	return r
}

// AddTask inserts t as given; an empty status becomes requested.
func AddTask(t testing.TB, s *db.Store, task *db.Task) *db.Task {
	t.Helper()
	if task.Status == "" {
		task.Status = models.StatusRequested
	}
	if task.Service == "" {
		task.Service = "fit"
	}
	require.NoError(t, s.DB.Create(task).Error)
	return task
}

// Reload reads a task back from the store.
func Reload(t testing.TB, s *db.Store, id uint) *db.Task {
	t.Helper()
	var task db.Task
	require.NoError(t, s.DB.First(&task, id).Error)
	return &task
}

func Scores(m map[string]float64) datatypes.JSONType[map[string]float64] {
	return datatypes.NewJSONType(m)
}

func Int(v int) *int { return &v }

func UintPtr(v uint) *uint { return &v }
