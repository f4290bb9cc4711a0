// Package syncer copies task directories between resources. The copy is
// pulled by the destination over SSH with the source's key, installed for
// the occasion; no data passes through the scheduler.
package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-orchestrator/internal/task-scheduler/db"
	"task-orchestrator/internal/task-scheduler/pool"
	"task-orchestrator/internal/task-scheduler/remote"
	"task-orchestrator/internal/task-scheduler/secrets"
)

const (
	InstallTimeout = 30 * time.Second
	CopyTimeout    = 600 * time.Second
)

var ErrSyncFailed = errors.New("directory sync failed")

// Shells hands out pooled shell sessions.
type Shells interface {
	AcquireShell(ctx context.Context, r *db.Resource, o pool.ShellOptions) (*pool.Session, error)
}

type Syncer struct {
	shells  Shells
	keyring *secrets.Keyring
}

func New(shells Shells, k *secrets.Keyring) *Syncer {
	return &Syncer{shells: shells, keyring: k}
}

// Sync makes dstPath on dst a copy of srcPath on src. The source key stays
// installed on the destination afterwards. A failed copy is not resumed;
// callers retry the whole call.
func (s *Syncer) Sync(ctx context.Context, src, dst *db.Resource, srcPath, dstPath string) error {
	key, err := src.PrivateKey(s.keyring)
	if err != nil {
		return fmt.Errorf("%w: cannot decrypt key of resource %d: %v", ErrSyncFailed, src.ID, err)
	}
	sess, err := s.shells.AcquireShell(ctx, dst, pool.ShellOptions{})
	if err != nil {
		return fmt.Errorf("%w: cannot reach resource %d: %v", ErrSyncFailed, dst.ID, err)
	}

	res, err := sess.ExecInput(ctx, remote.InstallKey(remote.SyncKeyName), bytes.NewReader(key), InstallTimeout)
	if err != nil {
		return fmt.Errorf("%w: installing key on resource %d: %v", ErrSyncFailed, dst.ID, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: installing key on resource %d exited %d: %s",
			ErrSyncFailed, dst.ID, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}

	cmd := remote.Rsync(remote.SyncKeyName, src.Username, src.Hostname, src.Port, srcPath, dstPath)
	res, err = sess.Exec(ctx, cmd, CopyTimeout)
	if err != nil {
		return fmt.Errorf("%w: copying %s from resource %d to resource %d: %v", ErrSyncFailed, srcPath, src.ID, dst.ID, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: copying %s from resource %d to resource %d exited %d: %s",
			ErrSyncFailed, srcPath, src.ID, dst.ID, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	hlog.Infof("Syncer: copied %s from resource %d to %s on resource %d", srcPath, src.ID, dstPath, dst.ID)
	return nil
}
