package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHTransport dials resources over SSH with public-key auth, falling back
// to keyboard-interactive with empty answers for hosts that insist on it.
type SSHTransport struct {
	hostKeys ssh.HostKeyCallback
}

// NewSSHTransport verifies host keys against knownHostsFile. An empty path
// accepts any host key.
func NewSSHTransport(knownHostsFile string) (*SSHTransport, error) {
	if knownHostsFile == "" {
		hlog.Warn("Pool: no known_hosts file configured, remote host keys are not verified")
		return &SSHTransport{hostKeys: ssh.InsecureIgnoreHostKey()}, nil
	}
	cb, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts %s: %w", knownHostsFile, err)
	}
	return &SSHTransport{hostKeys: cb}, nil
}

func (t *SSHTransport) Dial(ctx context.Context, cfg DialConfig) (Conn, error) {
	signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	clientCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				return make([]string, len(questions)), nil
			}),
		},
		HostKeyCallback: t.hostKeys,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, clientCfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})

	conn := &sshConn{client: ssh.NewClient(c, chans, reqs), done: make(chan struct{})}
	go conn.wait()
	if cfg.KeepAlive > 0 {
		go conn.keepAlive(cfg.KeepAlive)
	}
	return conn, nil
}

type sshConn struct {
	client *ssh.Client
	done   chan struct{}
	once   sync.Once
}

func (c *sshConn) wait() {
	if err := c.client.Wait(); err != nil {
		hlog.Debugf("Pool: ssh connection to %s ended: %v", c.client.RemoteAddr(), err)
	}
	close(c.done)
}

func (c *sshConn) keepAlive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				hlog.Warnf("Pool: keep-alive to %s failed: %v", c.client.RemoteAddr(), err)
				c.Close()
				return
			}
		}
	}
}

func (c *sshConn) Exec(ctx context.Context, cmd string, stdin io.Reader) (ExecResult, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return ExecResult{}, err
	}

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = stdin
	}
	done, err := waitRun(ctx, sess, cmd)
	if !done {
		return ExecResult{}, err
	}
	res := ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	return res, err
}

// channel is the part of *ssh.Session that waitRun drives.
type channel interface {
	Run(cmd string) error
	Close() error
}

// waitRun runs cmd on ch until it exits or ctx ends. A command outliving ctx
// is not signalled: it keeps running remotely and its channel is closed once
// it exits. done reports whether the command finished within ctx.
func waitRun(ctx context.Context, ch channel, cmd string) (done bool, err error) {
	ran := make(chan error, 1)
	go func() { ran <- ch.Run(cmd) }()
	select {
	case err = <-ran:
		ch.Close()
		return true, err
	case <-ctx.Done():
		go func() {
			<-ran
			ch.Close()
		}()
		return false, ctx.Err()
	}
}

func (c *sshConn) SFTP() (SFTPClient, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, err
	}
	return sftpClient{client}, nil
}

func (c *sshConn) Done() <-chan struct{} {
	return c.done
}

func (c *sshConn) Close() error {
	var err error
	c.once.Do(func() { err = c.client.Close() })
	return err
}

type sftpClient struct {
	*sftp.Client
}

func (s sftpClient) Open(path string) (io.ReadCloser, error) {
	f, err := s.Client.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s sftpClient) Create(path string) (io.WriteCloser, error) {
	f, err := s.Client.Create(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}
