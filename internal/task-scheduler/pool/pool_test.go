package pool_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"task-orchestrator/internal/task-scheduler/db"
	"task-orchestrator/internal/task-scheduler/pool"
	"task-orchestrator/internal/task-scheduler/pool/fake"
	"task-orchestrator/internal/task-scheduler/secrets"
)

func newTestPool(t *testing.T, opts pool.Options) (*pool.Pool, *fake.Transport, *db.Resource) {
	t.Helper()
	keyring, err := secrets.NewKeyring("test-master-key")
	require.NoError(t, err)
	sealed, err := keyring.Encrypt(7, []byte("PRIVATE KEY"))
	require.NoError(t, err)

	transport := fake.NewTransport()
	p := pool.New(transport, keyring, opts)
	t.Cleanup(p.Close)
	r := &db.Resource{Model: gorm.Model{ID: 7}, Hostname: "hpc.example.org", Username: "alice", EncryptedKey: sealed}
	return p, transport, r
}

func TestAcquireShell_ConcurrentCallersShareOneConnection(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{})
	transport.DialDelay = 100 * time.Millisecond

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.AcquireShell(context.Background(), r, pool.ShellOptions{})
			if err == nil && s.ResourceID() != r.ID {
				err = fmt.Errorf("wrong resource %d", s.ResourceID())
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, transport.Dials())
	require.Len(t, p.Stats(), 1)
	assert.Equal(t, "live", p.Stats()[0].State)
	assert.EqualValues(t, 1, p.Metrics().LiveSessions.Value())
}

func TestAcquireShell_DecryptsKeyAndUsesResourceAddress(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{})
	r.Port = 2222

	_, err := p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	require.NoError(t, err)
	_, err = p.AcquireShell(context.Background(), r, pool.ShellOptions{Hostname: "login2.example.org"})
	require.NoError(t, err)

	conns := transport.Conns()
	require.Len(t, conns, 2, "a hostname override is a distinct session")
	assert.Equal(t, "hpc.example.org", conns[0].Config.Host)
	assert.Equal(t, 2222, conns[0].Config.Port)
	assert.Equal(t, "alice", conns[0].Config.User)
	assert.Equal(t, []byte("PRIVATE KEY"), conns[0].Config.PrivateKey)
	assert.Equal(t, "login2.example.org", conns[1].Config.Host)
}

func TestAcquireShell_FailedProbeReconnects(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{})

	_, err := p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	require.NoError(t, err)
	transport.Conns()[0].Break()

	s, err := p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, transport.Dials())
	assert.True(t, transport.Conns()[0].Closed(), "the dead connection is closed on eviction")
	assert.EqualValues(t, 1, p.Metrics().ProbeFailures.Count())

	res, err := s.Exec(context.Background(), "hostname", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestAcquireShell_TerminalEventEvictsImmediately(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{})

	_, err := p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	require.NoError(t, err)
	transport.Conns()[0].Close()

	assert.Eventually(t, func() bool { return len(p.Stats()) == 0 }, time.Second, 5*time.Millisecond)
	_, err = p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, transport.Dials())
}

func TestAcquireShell_ConnectFailureSurfaces(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{})
	transport.FailDials(errors.New("connection refused"))

	_, err := p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, p.Stats(), "a failed attempt leaves no placeholder behind")

	transport.FailDials(nil)
	_, err = p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	assert.NoError(t, err)
}

func TestAcquireShell_ConnectTimeout(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{ConnectTimeout: 50 * time.Millisecond})
	transport.DialDelay = 5 * time.Second

	start := time.Now()
	_, err := p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	assert.ErrorIs(t, err, pool.ErrConnectTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAcquireShell_StalePlaceholderIsRetried(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{ConnectWait: 50 * time.Millisecond, ConnectTimeout: 5 * time.Second})
	transport.DialDelay = 300 * time.Millisecond

	first := make(chan error, 1)
	go func() {
		_, err := p.AcquireShell(context.Background(), r, pool.ShellOptions{})
		first <- err
	}()
	require.Eventually(t, func() bool { return transport.Dials() == 1 }, time.Second, time.Millisecond)

	_, err := p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, transport.Dials(), "the waiter gave up on the slow attempt and dialed itself")
	assert.NoError(t, <-first)
}

func TestAcquireShell_WaiterHonoursContext(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{})
	transport.DialDelay = 500 * time.Millisecond

	go p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	require.Eventually(t, func() bool { return transport.Dials() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.AcquireShell(ctx, r, pool.ShellOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireShell_WaiterOutlivesCancelledConnector(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{})
	transport.DialDelay = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := p.AcquireShell(ctx, r, pool.ShellOptions{})
		first <- err
	}()
	require.Eventually(t, func() bool { return transport.Dials() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := p.AcquireShell(context.Background(), r, pool.ShellOptions{})
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-first, context.Canceled)
	require.NoError(t, <-second, "the waiter dials for itself instead of inheriting the cancellation")
	assert.Equal(t, 2, transport.Dials())
	require.Len(t, p.Stats(), 1)
	assert.Equal(t, "live", p.Stats()[0].State)
}

func TestSession_ExecResultAndStdin(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{})
	transport.Host("hpc.example.org").OnOutput("status", 3, "pending\n")

	s, err := p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	require.NoError(t, err)

	res, err := s.Exec(context.Background(), "sh status", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode, "a non-zero exit is a result, not an error")
	assert.Equal(t, "pending\n", string(res.Stdout))

	_, err = s.ExecInput(context.Background(), "cat > key", strings.NewReader("secret"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), transport.Host("hpc.example.org").Stdin("cat > key"))
}

func TestSession_ExecTimeout(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{})
	transport.Host("hpc.example.org").OnFunc("sleep", func(string, []byte) (pool.ExecResult, error) {
		time.Sleep(300 * time.Millisecond)
		return pool.ExecResult{}, nil
	})
	s, err := p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	require.NoError(t, err)

	_, err = s.Exec(context.Background(), "sleep 100", 20*time.Millisecond)
	assert.ErrorIs(t, err, pool.ErrExecTimeout)
	assert.EqualValues(t, 1, p.Metrics().ExecTimeouts.Count())
}

func TestSweepIdle(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{IdleTimeout: 10 * time.Millisecond})
	_, err := p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, p.SweepIdle())
	assert.True(t, transport.Conns()[0].Closed())
	assert.Empty(t, p.Stats())
}

func TestEvictResourceAndClose(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{})
	_, err := p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	require.NoError(t, err)

	p.EvictResource(r.ID, "key rotated")
	assert.True(t, transport.Conns()[0].Closed())

	_, err = p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	require.NoError(t, err)
	p.Close()
	assert.True(t, transport.Conns()[1].Closed())
	_, err = p.AcquireShell(context.Background(), r, pool.ShellOptions{})
	assert.ErrorIs(t, err, pool.ErrClosed)
}

func TestFileSession_FifthStreamWaitsForASlot(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{StreamWaitInitial: 5 * time.Millisecond, StreamWaitMax: 20 * time.Millisecond})
	host := transport.Host("hpc.example.org")
	for i := 0; i < 5; i++ {
		host.FS.WriteFile(fmt.Sprintf("/data/f%d", i), []byte("x"))
	}
	fs, err := p.AcquireSFTP(context.Background(), r)
	require.NoError(t, err)

	var open []io.ReadCloser
	for i := 0; i < 4; i++ {
		rc, err := fs.Open(context.Background(), fmt.Sprintf("/data/f%d", i))
		require.NoError(t, err)
		open = append(open, rc)
	}
	assert.Equal(t, 4, fs.OpenStreams())

	fifth := make(chan error, 1)
	go func() {
		rc, err := fs.Open(context.Background(), "/data/f4")
		if err == nil {
			rc.Close()
		}
		fifth <- err
	}()
	select {
	case err := <-fifth:
		t.Fatalf("fifth stream opened while four were open: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, open[0].Close())
	select {
	case err := <-fifth:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fifth stream never opened after a slot was released")
	}
	for _, rc := range open[1:] {
		rc.Close()
	}
	assert.Equal(t, 0, fs.OpenStreams())
	assert.LessOrEqual(t, transport.Conns()[0].SFTPClients()[0].MaxOpen(), 4)
}

func TestFileSession_MetadataCallsBypassTheLimit(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{MaxStreams: 1})
	transport.Host("hpc.example.org").FS.WriteFile("/data/a", []byte("abc"))
	fs, err := p.AcquireSFTP(context.Background(), r)
	require.NoError(t, err)

	rc, err := fs.Open(context.Background(), "/data/a")
	require.NoError(t, err)
	defer rc.Close()

	info, err := fs.Stat("/data/a")
	require.NoError(t, err)
	assert.EqualValues(t, 3, info.Size())
	entries, err := fs.ReadDir("/data")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileSession_IdleStreamIsForceClosed(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{StreamIdleTimeout: 30 * time.Millisecond})
	transport.Host("hpc.example.org").FS.WriteFile("/data/a", []byte("abc"))
	fs, err := p.AcquireSFTP(context.Background(), r)
	require.NoError(t, err)

	rc, err := fs.Open(context.Background(), "/data/a")
	require.NoError(t, err)
	assert.Equal(t, 1, fs.OpenStreams())
	assert.Eventually(t, func() bool { return fs.OpenStreams() == 0 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, rc.Close(), "closing an expired stream again is harmless")
	assert.Equal(t, 0, fs.OpenStreams())
}

func TestFileSession_ReadWriteFile(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{})
	fs, err := p.AcquireSFTP(context.Background(), r)
	require.NoError(t, err)

	require.NoError(t, fs.MkdirAll("/tasks/1/9"))
	require.NoError(t, fs.WriteFile(context.Background(), "/tasks/1/9/config.json", []byte(`{"a":1}`), 0o600))
	data, err := fs.ReadFile(context.Background(), "/tasks/1/9/config.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))
	assert.EqualValues(t, 0o600, transport.Host("hpc.example.org").FS.Mode("/tasks/1/9/config.json"))

	again, err := p.AcquireSFTP(context.Background(), r)
	require.NoError(t, err)
	_, err = again.Stat("/tasks/1/9")
	assert.NoError(t, err)
	assert.Len(t, transport.Conns()[0].SFTPClients(), 1, "the file-transfer channel is pooled")
}

func TestFileSession_ClosedWithItsConnection(t *testing.T) {
	p, transport, r := newTestPool(t, pool.Options{})
	_, err := p.AcquireSFTP(context.Background(), r)
	require.NoError(t, err)

	transport.Conns()[0].Close()
	assert.Eventually(t, func() bool {
		return transport.Conns()[0].SFTPClients()[0].Closed()
	}, time.Second, 5*time.Millisecond)
}
