// Package fake is an in-memory pool.Transport for tests. Hosts answer
// commands from scripted rules and expose an in-memory filesystem over SFTP.
package fake

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"task-orchestrator/internal/task-scheduler/pool"
)

// Handler computes the outcome of one command on a host.
type Handler func(cmd string, stdin []byte) (pool.ExecResult, error)

type rule struct {
	match   string
	handler Handler
}

// Host is one scripted remote account.
type Host struct {
	Name string
	FS   *FS

	mu       sync.Mutex
	rules    []rule
	commands []string
	stdin    map[string][]byte
}

// On makes commands containing match exit with code. Later rules win.
func (h *Host) On(match string, code int) *Host {
	return h.OnFunc(match, func(string, []byte) (pool.ExecResult, error) {
		return pool.ExecResult{ExitCode: code}, nil
	})
}

// OnOutput makes commands containing match print stdout and exit with code.
func (h *Host) OnOutput(match string, code int, stdout string) *Host {
	return h.OnFunc(match, func(string, []byte) (pool.ExecResult, error) {
		return pool.ExecResult{ExitCode: code, Stdout: []byte(stdout)}, nil
	})
}

// OnFunc registers a handler for commands containing match.
func (h *Host) OnFunc(match string, fn Handler) *Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rules = append(h.rules, rule{match: match, handler: fn})
	return h
}

// Commands lists every command executed on the host, liveness probes excluded.
func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// Ran reports whether a command containing match was executed.
func (h *Host) Ran(match string) bool {
	for _, c := range h.Commands() {
		if strings.Contains(c, match) {
			return true
		}
	}
	return false
}

// Stdin returns what was piped into the last command containing match.
func (h *Host) Stdin(match string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.commands) - 1; i >= 0; i-- {
		if strings.Contains(h.commands[i], match) {
			return h.stdin[h.commands[i]]
		}
	}
	return nil
}

func (h *Host) exec(cmd string, stdin []byte) (pool.ExecResult, error) {
	h.mu.Lock()
	if cmd != "true" {
		h.commands = append(h.commands, cmd)
		if stdin != nil {
			h.stdin[cmd] = stdin
		}
	}
	var fn Handler
	for i := len(h.rules) - 1; i >= 0; i-- {
		if strings.Contains(cmd, h.rules[i].match) {
			fn = h.rules[i].handler
			break
		}
	}
	h.mu.Unlock()
	if fn == nil {
		return pool.ExecResult{}, nil
	}
	return fn(cmd, stdin)
}

// Transport counts dials and routes connections to hosts by hostname.
type Transport struct {
	// DialDelay holds every dial for the given time.
	DialDelay time.Duration

	dials   atomic.Int32
	mu      sync.Mutex
	hosts   map[string]*Host
	conns   []*Conn
	dialErr error
}

func NewTransport() *Transport {
	return &Transport{hosts: make(map[string]*Host)}
}

// Host returns the scripted host with that name, creating it if needed.
func (t *Transport) Host(name string) *Host {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.hosts[name]
	if !ok {
		h = &Host{Name: name, FS: NewFS(), stdin: make(map[string][]byte)}
		t.hosts[name] = h
	}
	return h
}

// FailDials makes every later dial fail with err; nil restores dialing.
func (t *Transport) FailDials(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

// Dials is the number of dial attempts so far.
func (t *Transport) Dials() int {
	return int(t.dials.Load())
}

// Conns lists every connection handed out.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn(nil), t.conns...)
}

func (t *Transport) Dial(ctx context.Context, cfg pool.DialConfig) (pool.Conn, error) {
	t.dials.Add(1)
	if t.DialDelay > 0 {
		select {
		case <-time.After(t.DialDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t.mu.Lock()
	err := t.dialErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := &Conn{Host: t.Host(cfg.Host), Config: cfg, done: make(chan struct{})}
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

// Conn is one fake connection.
type Conn struct {
	Host   *Host
	Config pool.DialConfig

	done      chan struct{}
	closeOnce sync.Once
	broken    atomic.Bool

	mu   sync.Mutex
	sftp []*SFTPClient
}

func (c *Conn) Exec(ctx context.Context, cmd string, stdin io.Reader) (pool.ExecResult, error) {
	if c.Closed() {
		return pool.ExecResult{}, errors.New("connection closed")
	}
	if c.broken.Load() {
		return pool.ExecResult{}, errors.New("connection reset")
	}
	var in []byte
	if stdin != nil {
		var err error
		if in, err = io.ReadAll(stdin); err != nil {
			return pool.ExecResult{}, err
		}
	}
	type outcome struct {
		res pool.ExecResult
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := c.Host.exec(cmd, in)
		out <- outcome{res, err}
	}()
	select {
	case o := <-out:
		return o.res, o.err
	case <-ctx.Done():
		return pool.ExecResult{}, ctx.Err()
	}
}

func (c *Conn) SFTP() (pool.SFTPClient, error) {
	if c.Closed() {
		return nil, errors.New("connection closed")
	}
	client := &SFTPClient{fs: c.Host.FS}
	c.mu.Lock()
	c.sftp = append(c.sftp, client)
	c.mu.Unlock()
	return client, nil
}

// SFTPClients lists the file-transfer channels opened on the connection.
func (c *Conn) SFTPClients() []*SFTPClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*SFTPClient(nil), c.sftp...)
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Break makes every later command fail without ending the connection, as
// a silently dead peer would.
func (c *Conn) Break() {
	c.broken.Store(true)
}
