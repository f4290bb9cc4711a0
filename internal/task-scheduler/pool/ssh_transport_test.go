package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slowChannel struct {
	release chan struct{}
	err     error
	closed  atomic.Bool
}

func (c *slowChannel) Run(string) error {
	<-c.release
	return c.err
}

func (c *slowChannel) Close() error {
	c.closed.Store(true)
	return nil
}

func TestWaitRun_TimeoutLeavesCommandRunning(t *testing.T) {
	ch := &slowChannel{release: make(chan struct{})}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done, err := waitRun(ctx, ch, "sleep 600")
	assert.False(t, done)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, ch.closed.Load(), "the channel stays open while the command runs")

	close(ch.release)
	require.Eventually(t, ch.closed.Load, time.Second, time.Millisecond)
}

func TestWaitRun_Finished(t *testing.T) {
	ch := &slowChannel{release: make(chan struct{}), err: errors.New("exit 2")}
	close(ch.release)

	done, err := waitRun(context.Background(), ch, "false")
	assert.True(t, done)
	assert.EqualError(t, err, "exit 2")
	assert.True(t, ch.closed.Load())
}
