package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"task-orchestrator/internal/config"
	"task-orchestrator/internal/task-scheduler/db"
	"task-orchestrator/internal/task-scheduler/secrets"
)

var (
	ErrConnectTimeout = errors.New("connect timed out")
	ErrExecTimeout    = errors.New("remote command timed out")
	ErrStreamLimit    = errors.New("too many open file streams")
	ErrClosed         = errors.New("connection pool closed")
)

const (
	DefaultPort  = 22
	probeCommand = "true"
)

// Options tunes session lifetimes and limits.
type Options struct {
	ConnectTimeout    time.Duration
	ConnectWait       time.Duration
	ProbeTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxStreams        int
	StreamIdleTimeout time.Duration
	StreamWaitInitial time.Duration
	StreamWaitMax     time.Duration
	KeepAlive         time.Duration
}

// OptionsFromConfig maps the pool section of the daemon configuration.
func OptionsFromConfig(c config.PoolConfig) Options {
	return Options{
		ConnectTimeout:    c.ConnectTimeout,
		ConnectWait:       c.ConnectWait,
		ProbeTimeout:      c.ProbeTimeout,
		IdleTimeout:       c.IdleTimeout,
		MaxStreams:        c.MaxStreams,
		StreamIdleTimeout: c.StreamIdleTimeout,
		StreamWaitInitial: 50 * time.Millisecond,
		StreamWaitMax:     2 * time.Second,
		KeepAlive:         c.KeepAlive,
	}
}

func (o Options) withDefaults() Options {
	d := OptionsFromConfig(config.Default().Pool)
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ConnectWait <= 0 {
		o.ConnectWait = d.ConnectWait
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = d.ProbeTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.MaxStreams < 1 {
		o.MaxStreams = d.MaxStreams
	}
	if o.StreamIdleTimeout <= 0 {
		o.StreamIdleTimeout = d.StreamIdleTimeout
	}
	if o.StreamWaitInitial <= 0 {
		o.StreamWaitInitial = d.StreamWaitInitial
	}
	if o.StreamWaitMax <= 0 {
		o.StreamWaitMax = d.StreamWaitMax
	}
	return o
}

// ShellOptions distinguish sessions to the same resource.
type ShellOptions struct {
	// Hostname overrides the resource's hostname, e.g. for a login node alias.
	Hostname string
}

type shellEntry struct {
	key        string
	resourceID uint
	started    time.Time
	ready      chan struct{}

	// conn and err are written once before ready is closed.
	conn Conn
	err  error

	created  time.Time
	lastUsed atomic.Int64
	evicted  atomic.Bool

	// files is the file-transfer handle opened on conn, guarded by Pool.mu.
	files *fileEntry
}

func (e *shellEntry) connected() bool {
	select {
	case <-e.ready:
		return e.conn != nil
	default:
		return false
	}
}

func (e *shellEntry) touch(t time.Time) {
	e.lastUsed.Store(t.UnixNano())
}

// Pool caches authenticated shell and file-transfer sessions per resource.
// It is safe for concurrent use.
type Pool struct {
	transport Transport
	keyring   *secrets.Keyring
	opts      Options
	metrics   *Metrics
	now       func() time.Time

	mu     sync.Mutex
	shells map[string]*shellEntry
	closed bool

	// orphans are connections that landed after a waiter gave up on them and
	// dialed again. They serve their caller and are closed when idle.
	orphans map[*shellEntry]struct{}
}

// New builds a pool over the transport. Zero options take the daemon defaults.
func New(t Transport, k *secrets.Keyring, opts Options) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		transport: t,
		keyring:   k,
		opts:      opts,
		metrics:   newMetrics(),
		now:       time.Now,
		shells:    make(map[string]*shellEntry),
		orphans:   make(map[*shellEntry]struct{}),
	}
}

func (p *Pool) Metrics() *Metrics {
	return p.metrics
}

func sessionKey(r *db.Resource, o ShellOptions) string {
	host := o.Hostname
	if host == "" {
		host = r.Hostname
	}
	return fmt.Sprintf("%d|%s@%s:%d", r.ID, r.Username, host, resourcePort(r))
}

func resourcePort(r *db.Resource) int {
	if r.Port == 0 {
		return DefaultPort
	}
	return r.Port
}

// AcquireShell returns a live shell session for the resource, dialing only
// when no live or in-flight connection exists for the key.
func (p *Pool) AcquireShell(ctx context.Context, r *db.Resource, o ShellOptions) (*Session, error) {
	key := sessionKey(r, o)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		e, ok := p.shells[key]
		if !ok {
			e = &shellEntry{key: key, resourceID: r.ID, started: p.now(), ready: make(chan struct{})}
			p.shells[key] = e
			p.mu.Unlock()
			p.connect(ctx, e, r, o)
			if e.err != nil {
				return nil, e.err
			}
			return &Session{pool: p, entry: e}, nil
		}
		p.mu.Unlock()

		ready, err := p.waitReady(ctx, e)
		if err != nil {
			return nil, err
		}
		if !ready {
			hlog.Warnf("Pool: connect to %s in flight for more than %s, treating it as stale", key, p.opts.ConnectWait)
			p.mu.Lock()
			if p.shells[key] == e {
				delete(p.shells, key)
			}
			p.mu.Unlock()
			continue
		}
		if e.conn == nil {
			// The connecting caller gave up; that is no answer for this one.
			if errors.Is(e.err, context.Canceled) && ctx.Err() == nil {
				continue
			}
			return nil, e.err
		}
		s := &Session{pool: p, entry: e}
		if err := s.probe(ctx); err != nil {
			p.metrics.ProbeFailures.Inc(1)
			p.evict(e, fmt.Sprintf("liveness probe failed: %v", err))
			continue
		}
		p.metrics.Reuses.Inc(1)
		return s, nil
	}
}

// waitReady blocks until the in-flight connect resolves. It reports false once
// the attempt has been in flight for longer than ConnectWait.
func (p *Pool) waitReady(ctx context.Context, e *shellEntry) (bool, error) {
	select {
	case <-e.ready:
		return true, nil
	default:
	}
	remaining := e.started.Add(p.opts.ConnectWait).Sub(p.now())
	if remaining <= 0 {
		return false, nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-e.ready:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (p *Pool) connect(ctx context.Context, e *shellEntry, r *db.Resource, o ShellOptions) {
	start := p.now()
	conn, err := p.dial(ctx, r, o)

	p.mu.Lock()
	if err != nil {
		if p.shells[e.key] == e {
			delete(p.shells, e.key)
		}
		e.err = err
		close(e.ready)
		p.mu.Unlock()
		p.metrics.DialFailures.Inc(1)
		hlog.Warnf("Pool: failed to connect %s: %v", e.key, err)
		return
	}
	closed := p.closed
	if cur, ok := p.shells[e.key]; ok && cur != e {
		p.orphans[e] = struct{}{}
	} else {
		p.shells[e.key] = e
	}
	e.conn = conn
	e.created = p.now()
	e.touch(e.created)
	close(e.ready)
	p.mu.Unlock()

	p.metrics.Dials.Inc(1)
	p.metrics.DialTime.UpdateSince(start)
	hlog.Infof("Pool: connected %s", e.key)
	if closed {
		p.evict(e, "pool closed")
		return
	}
	go func() {
		<-conn.Done()
		p.evict(e, "connection ended")
	}()
	p.updateGauges()
}

func (p *Pool) dial(ctx context.Context, r *db.Resource, o ShellOptions) (Conn, error) {
	key, err := r.PrivateKey(p.keyring)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key of resource %d: %w", r.ID, err)
	}
	host := o.Hostname
	if host == "" {
		host = r.Hostname
	}
	cfg := DialConfig{Host: host, Port: resourcePort(r), User: r.Username, PrivateKey: key, KeepAlive: p.opts.KeepAlive}

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()
	f := newFuture[Conn]()
	go func() {
		c, err := p.transport.Dial(dialCtx, cfg)
		if !f.resolve(c, err) && c != nil {
			c.Close()
		}
	}()
	conn, err := f.wait(dialCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s@%s after %s", ErrConnectTimeout, cfg.User, cfg.Host, p.opts.ConnectTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s@%s: %w", cfg.User, cfg.Host, err)
	}
	return conn, nil
}

// evict drops the entry and its file-transfer handle and closes the connection.
func (p *Pool) evict(e *shellEntry, reason string) {
	p.mu.Lock()
	if p.shells[e.key] == e {
		delete(p.shells, e.key)
	}
	delete(p.orphans, e)
	first := e.evicted.CompareAndSwap(false, true)
	fe := e.files
	e.files = nil
	p.mu.Unlock()

	if fe != nil {
		fe.close()
	}
	if !first {
		return
	}
	p.metrics.Evictions.Inc(1)
	hlog.Infof("Pool: evicting %s: %s", e.key, reason)
	if e.conn != nil {
		_ = e.conn.Close()
	}
	p.updateGauges()
}

// EvictResource closes every session held for a resource.
func (p *Pool) EvictResource(resourceID uint, reason string) {
	for _, e := range p.entries(func(e *shellEntry) bool { return e.resourceID == resourceID }) {
		p.evict(e, reason)
	}
}

// SweepIdle evicts live sessions unused for longer than IdleTimeout whose
// file handle has no open stream. It returns the number evicted.
func (p *Pool) SweepIdle() int {
	cutoff := p.now().Add(-p.opts.IdleTimeout).UnixNano()
	idle := p.entries(func(e *shellEntry) bool {
		if e.lastUsed.Load() > cutoff {
			return false
		}
		if e.files != nil && e.files.open.Load() > 0 {
			return false
		}
		return true
	})
	for _, e := range idle {
		p.evict(e, "idle")
	}
	return len(idle)
}

// entries lists connected entries matching keep; keep runs under p.mu.
func (p *Pool) entries(keep func(*shellEntry) bool) []*shellEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*shellEntry
	for _, e := range p.shells {
		if e.connected() && keep(e) {
			out = append(out, e)
		}
	}
	for e := range p.orphans {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Close evicts every session. Connects still in flight are closed as they land.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for _, e := range p.entries(func(*shellEntry) bool { return true }) {
		p.evict(e, "pool closed")
	}
}

func (p *Pool) updateGauges() {
	p.mu.Lock()
	defer p.mu.Unlock()
	live, streams := 0, 0
	count := func(e *shellEntry) {
		live++
		if e.files != nil {
			streams += int(e.files.open.Load())
		}
	}
	for _, e := range p.shells {
		if e.connected() {
			count(e)
		}
	}
	for e := range p.orphans {
		count(e)
	}
	p.metrics.LiveSessions.Update(int64(live))
	p.metrics.OpenStreams.Update(int64(streams))
}

// SessionStats describes one cached session for the admin API.
type SessionStats struct {
	Key         string    `json:"key"`
	ResourceID  uint      `json:"resource_id"`
	State       string    `json:"state"`
	Created     time.Time `json:"created,omitempty"`
	LastUsed    time.Time `json:"last_used,omitempty"`
	OpenStreams int       `json:"open_streams"`
}

func (p *Pool) Stats() []SessionStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SessionStats, 0, len(p.shells))
	for key, e := range p.shells {
		st := SessionStats{Key: key, ResourceID: e.resourceID, State: "connecting"}
		if e.connected() {
			st.State = "live"
			st.Created = e.created
			st.LastUsed = time.Unix(0, e.lastUsed.Load())
		}
		if e.files != nil {
			st.OpenStreams = int(e.files.open.Load())
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Session is a handle on a pooled shell connection.
type Session struct {
	pool  *Pool
	entry *shellEntry
}

func (s *Session) ResourceID() uint {
	return s.entry.resourceID
}

// Exec runs cmd remotely. The command is abandoned, not killed remotely, when
// timeout elapses.
func (s *Session) Exec(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error) {
	return s.ExecInput(ctx, cmd, nil, timeout)
}

// ExecInput runs cmd with stdin attached.
func (s *Session) ExecInput(ctx context.Context, cmd string, stdin io.Reader, timeout time.Duration) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	s.entry.touch(s.pool.now())
	hlog.Debugf("Pool: exec on %s: %s", s.entry.key, cmd)

	f := newFuture[ExecResult]()
	go func() {
		f.resolve(s.entry.conn.Exec(ctx, cmd, stdin))
	}()
	res, err := f.wait(ctx)
	s.entry.touch(s.pool.now())
	if errors.Is(err, context.DeadlineExceeded) {
		s.pool.metrics.ExecTimeouts.Inc(1)
		return res, fmt.Errorf("%w after %s on %s", ErrExecTimeout, timeout, s.entry.key)
	}
	if err != nil {
		return res, fmt.Errorf("remote command failed on %s: %w", s.entry.key, err)
	}
	return res, nil
}

func (s *Session) probe(ctx context.Context) error {
	res, err := s.Exec(ctx, probeCommand, s.pool.opts.ProbeTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("probe exited %d", res.ExitCode)
	}
	return nil
}
