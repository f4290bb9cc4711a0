package pool

import (
	"context"
	"io"
	"os"
	"time"
)

// DialConfig is everything a transport needs to open one authenticated session.
type DialConfig struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte
	KeepAlive  time.Duration
}

// ExecResult is the outcome of a remote command that ran to completion.
// A non-zero ExitCode is not a transport error.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Transport opens remote sessions.
type Transport interface {
	Dial(ctx context.Context, cfg DialConfig) (Conn, error)
}

// Conn is a live remote-shell connection.
type Conn interface {
	// Exec runs cmd through the remote login shell. stdin may be nil.
	Exec(ctx context.Context, cmd string, stdin io.Reader) (ExecResult, error)
	// SFTP opens a file-transfer channel on the connection.
	SFTP() (SFTPClient, error)
	// Done is closed once the connection ends, closes or errors.
	Done() <-chan struct{}
	Close() error
}

// SFTPClient is the file-transfer surface used by the scheduler.
type SFTPClient interface {
	Stat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	MkdirAll(path string) error
	Chmod(path string, mode os.FileMode) error
	Close() error
}
