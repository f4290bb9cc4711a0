package fake

import (
	"bytes"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// FS is an in-memory filesystem shared by every connection to a host.
type FS struct {
	mu    sync.Mutex
	files map[string][]byte
	modes map[string]os.FileMode
	dirs  map[string]bool
}

func NewFS() *FS {
	return &FS{files: make(map[string][]byte), modes: make(map[string]os.FileMode), dirs: map[string]bool{"/": true, ".": true}}
}

func clean(p string) string {
	return path.Clean(p)
}

func (fs *FS) mkdirAllLocked(dir string) {
	for d := clean(dir); d != "." && d != "/"; d = path.Dir(d) {
		fs.dirs[d] = true
	}
}

// WriteFile stores a file, creating its parent directories.
func (fs *FS) WriteFile(p string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = clean(p)
	fs.mkdirAllLocked(path.Dir(p))
	fs.files[p] = append([]byte(nil), data...)
}

func (fs *FS) ReadFile(p string) ([]byte, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	b, ok := fs.files[clean(p)]
	return b, ok
}

func (fs *FS) Mode(p string) os.FileMode {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.modes[clean(p)]
}

func (fs *FS) Mkdir(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.mkdirAllLocked(p)
}

// Exists reports whether p is a file or directory.
func (fs *FS) Exists(p string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = clean(p)
	_, file := fs.files[p]
	return file || fs.dirs[p]
}

// RemoveAll deletes p and everything below it.
func (fs *FS) RemoveAll(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = clean(p)
	prefix := p + "/"
	for f := range fs.files {
		if f == p || strings.HasPrefix(f, prefix) {
			delete(fs.files, f)
		}
	}
	for d := range fs.dirs {
		if d == p || strings.HasPrefix(d, prefix) {
			delete(fs.dirs, d)
		}
	}
}

// SFTPClient serves an FS. It counts the read and write streams currently open.
type SFTPClient struct {
	fs      *FS
	open    atomic.Int32
	maxOpen atomic.Int32
	closed  atomic.Bool
}

// MaxOpen is the highest number of streams that were open at once.
func (c *SFTPClient) MaxOpen() int {
	return int(c.maxOpen.Load())
}

func (c *SFTPClient) opened() {
	n := c.open.Add(1)
	for {
		m := c.maxOpen.Load()
		if n <= m || c.maxOpen.CompareAndSwap(m, n) {
			return
		}
	}
}

func (c *SFTPClient) Stat(p string) (os.FileInfo, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	p = clean(p)
	if b, ok := c.fs.files[p]; ok {
		return fileInfo{name: path.Base(p), size: int64(len(b)), mode: c.fs.modes[p]}, nil
	}
	if c.fs.dirs[p] {
		return fileInfo{name: path.Base(p), mode: os.ModeDir | 0o755}, nil
	}
	return nil, &os.PathError{Op: "stat", Path: p, Err: os.ErrNotExist}
}

func (c *SFTPClient) ReadDir(p string) ([]os.FileInfo, error) {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	p = clean(p)
	if !c.fs.dirs[p] {
		return nil, &os.PathError{Op: "readdir", Path: p, Err: os.ErrNotExist}
	}
	var out []os.FileInfo
	for f, b := range c.fs.files {
		if path.Dir(f) == p {
			out = append(out, fileInfo{name: path.Base(f), size: int64(len(b))})
		}
	}
	for d := range c.fs.dirs {
		if d != p && path.Dir(d) == p {
			out = append(out, fileInfo{name: path.Base(d), mode: os.ModeDir | 0o755})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (c *SFTPClient) Open(p string) (io.ReadCloser, error) {
	b, ok := c.fs.ReadFile(p)
	if !ok {
		return nil, &os.PathError{Op: "open", Path: p, Err: os.ErrNotExist}
	}
	c.opened()
	return &reader{Reader: bytes.NewReader(b), client: c}, nil
}

func (c *SFTPClient) Create(p string) (io.WriteCloser, error) {
	c.fs.mu.Lock()
	dir := c.fs.dirs[clean(path.Dir(p))]
	c.fs.mu.Unlock()
	if !dir {
		return nil, &os.PathError{Op: "create", Path: p, Err: os.ErrNotExist}
	}
	c.opened()
	return &writer{path: p, client: c}, nil
}

func (c *SFTPClient) MkdirAll(p string) error {
	c.fs.Mkdir(p)
	return nil
}

func (c *SFTPClient) Chmod(p string, mode os.FileMode) error {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	p = clean(p)
	if _, ok := c.fs.files[p]; !ok && !c.fs.dirs[p] {
		return &os.PathError{Op: "chmod", Path: p, Err: os.ErrNotExist}
	}
	c.fs.modes[p] = mode
	return nil
}

func (c *SFTPClient) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *SFTPClient) Closed() bool {
	return c.closed.Load()
}

type reader struct {
	*bytes.Reader
	client *SFTPClient
	once   sync.Once
}

func (r *reader) Close() error {
	r.once.Do(func() { r.client.open.Add(-1) })
	return nil
}

type writer struct {
	buf    bytes.Buffer
	path   string
	client *SFTPClient
	once   sync.Once
}

func (w *writer) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *writer) Close() error {
	w.once.Do(func() {
		w.client.fs.WriteFile(w.path, w.buf.Bytes())
		w.client.open.Add(-1)
	})
	return nil
}

type fileInfo struct {
	name string
	size int64
	mode os.FileMode
}

func (f fileInfo) Name() string       { return f.name }
func (f fileInfo) Size() int64        { return f.size }
func (f fileInfo) Mode() os.FileMode  { return f.mode }
func (f fileInfo) ModTime() time.Time { return time.Time{} }
func (f fileInfo) IsDir() bool        { return f.mode.IsDir() }
func (f fileInfo) Sys() interface{}   { return nil }
