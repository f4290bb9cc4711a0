package pool

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-orchestrator/internal/task-scheduler/db"
)

// fileEntry is the pooled file-transfer handle of one shell connection.
type fileEntry struct {
	key   string
	shell *shellEntry

	initMu sync.Mutex
	client SFTPClient

	open   atomic.Int32
	closed atomic.Bool
}

func (fe *fileEntry) tryAcquire(max int32) bool {
	for {
		n := fe.open.Load()
		if n >= max {
			return false
		}
		if fe.open.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (fe *fileEntry) close() {
	fe.closed.Store(true)
	fe.initMu.Lock()
	defer fe.initMu.Unlock()
	if fe.client != nil {
		_ = fe.client.Close()
	}
}

// AcquireSFTP returns the pooled file-transfer handle for the resource,
// opening the channel on the pooled shell connection if needed.
func (p *Pool) AcquireSFTP(ctx context.Context, r *db.Resource) (*FileSession, error) {
	sess, err := p.AcquireShell(ctx, r, ShellOptions{})
	if err != nil {
		return nil, err
	}
	e := sess.entry

	p.mu.Lock()
	if e.evicted.Load() {
		p.mu.Unlock()
		return nil, fmt.Errorf("session %s closed while opening file transfer", e.key)
	}
	fe := e.files
	if fe == nil {
		fe = &fileEntry{key: e.key, shell: e}
		e.files = fe
	}
	p.mu.Unlock()

	fe.initMu.Lock()
	defer fe.initMu.Unlock()
	if fe.client == nil {
		openCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
		defer cancel()
		f := newFuture[SFTPClient]()
		go func() {
			c, err := e.conn.SFTP()
			if !f.resolve(c, err) && c != nil {
				c.Close()
			}
		}()
		c, err := f.wait(openCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to open file transfer on %s: %w", e.key, err)
		}
		fe.client = c
	}
	return &FileSession{pool: p, entry: fe}, nil
}

// FileSession is a handle on a pooled file-transfer channel. Metadata calls
// pass straight through; Open and Create share the MaxStreams limit.
type FileSession struct {
	pool  *Pool
	entry *fileEntry
}

func (f *FileSession) touch() {
	f.entry.shell.touch(f.pool.now())
}

func (f *FileSession) Stat(path string) (os.FileInfo, error) {
	f.touch()
	return f.entry.client.Stat(path)
}

func (f *FileSession) ReadDir(path string) ([]os.FileInfo, error) {
	f.touch()
	return f.entry.client.ReadDir(path)
}

func (f *FileSession) MkdirAll(path string) error {
	f.touch()
	return f.entry.client.MkdirAll(path)
}

func (f *FileSession) Chmod(path string, mode os.FileMode) error {
	f.touch()
	return f.entry.client.Chmod(path, mode)
}

// OpenStreams is the number of read/write streams currently open on the handle.
func (f *FileSession) OpenStreams() int {
	return int(f.entry.open.Load())
}

// Open starts a read stream, waiting for a free slot.
func (f *FileSession) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := f.acquireSlot(ctx); err != nil {
		return nil, err
	}
	rc, err := f.entry.client.Open(path)
	if err != nil {
		f.release()
		return nil, err
	}
	return &readStream{stream: f.newStream(path, rc), r: rc}, nil
}

// Create starts a write stream, waiting for a free slot.
func (f *FileSession) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	if err := f.acquireSlot(ctx); err != nil {
		return nil, err
	}
	wc, err := f.entry.client.Create(path)
	if err != nil {
		f.release()
		return nil, err
	}
	return &writeStream{stream: f.newStream(path, wc), w: wc}, nil
}

// ReadFile reads a whole remote file.
func (f *FileSession) ReadFile(ctx context.Context, path string) ([]byte, error) {
	rc, err := f.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// WriteFile writes a whole remote file and sets its mode.
func (f *FileSession) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	wc, err := f.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return f.Chmod(path, mode)
}

func (f *FileSession) acquireSlot(ctx context.Context) error {
	max := int32(f.pool.opts.MaxStreams)
	if f.entry.tryAcquire(max) {
		f.pool.updateGauges()
		return nil
	}
	f.pool.metrics.StreamWaits.Inc(1)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.pool.opts.StreamWaitInitial
	b.MaxInterval = f.pool.opts.StreamWaitMax
	b.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		if f.entry.closed.Load() {
			return backoff.Permanent(fmt.Errorf("file transfer on %s closed", f.entry.key))
		}
		if f.entry.tryAcquire(max) {
			return nil
		}
		return ErrStreamLimit
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrStreamLimit, ctx.Err())
		}
		return err
	}
	f.pool.updateGauges()
	return nil
}

func (f *FileSession) release() {
	f.entry.open.Add(-1)
	f.pool.updateGauges()
}

func (f *FileSession) newStream(path string, c io.Closer) *stream {
	s := &stream{
		path:    path,
		closer:  c,
		idle:    f.pool.opts.StreamIdleTimeout,
		release: f.release,
		touch:   f.touch,
	}
	s.timer = time.AfterFunc(s.idle, func() {
		f.pool.metrics.StreamIdle.Inc(1)
		hlog.Warnf("Pool: closing file stream %s on %s after %s idle", path, f.entry.key, s.idle)
		s.Close()
	})
	return s
}

// stream releases its slot exactly once, on Close or when idle too long.
type stream struct {
	path    string
	closer  io.Closer
	idle    time.Duration
	timer   *time.Timer
	release func()
	touch   func()

	once     sync.Once
	closeErr error
}

func (s *stream) active() {
	s.timer.Reset(s.idle)
	s.touch()
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.timer.Stop()
		s.closeErr = s.closer.Close()
		s.release()
	})
	return s.closeErr
}

type readStream struct {
	*stream
	r io.Reader
}

func (r *readStream) Read(p []byte) (int, error) {
	r.active()
	return r.r.Read(p)
}

type writeStream struct {
	*stream
	w io.Writer
}

func (w *writeStream) Write(p []byte) (int, error) {
	w.active()
	return w.w.Write(p)
}
