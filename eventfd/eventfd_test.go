package eventfd

import (
	"context"
	"testing"
	"time"

	"github.com/slackhq/vhostuser/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	gvisor "gvisor.dev/gvisor/pkg/eventfd"
)

// Cross checks the doorbell against an independent eventfd implementation.
func TestEventFD_KickAndDrain(t *testing.T) {
	ev, err := gvisor.Create()
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, ev.Close()) })

	dup, err := unix.Dup(ev.FD())
	require.NoError(t, err)
	e := Wrap(dup)
	t.Cleanup(func() { assert.NoError(t, e.Close()) })

	require.NoError(t, e.Kick())
	require.NoError(t, e.Kick())
	v, err := ev.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	require.NoError(t, ev.Notify())
	v, err = e.Drain()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
}

func TestEventFD_Empty(t *testing.T) {
	var e EventFD
	assert.False(t, e.Valid())
	assert.Equal(t, -1, e.FD())
	assert.Error(t, e.Kick())
	assert.NoError(t, e.Close())

	e = Wrap(-1)
	assert.False(t, e.Valid())

	e, err := New()
	require.NoError(t, err)
	assert.True(t, e.Valid())

	// Nothing pending on a non-blocking eventfd.
	v, err := e.Drain()
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, e.Close())
	assert.False(t, e.Valid())
}

func TestPoller_DispatchesCallbacks(t *testing.T) {
	p, err := NewPoller(test.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Close()) })

	a, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	var fired []int
	require.NoError(t, p.SetWatch(a.FD(), func(fd int) {
		_, _ = a.Drain()
		fired = append(fired, fd)
	}))
	require.NoError(t, p.SetWatch(b.FD(), func(fd int) {
		_, _ = b.Drain()
		fired = append(fired, fd)
	}))
	assert.True(t, p.Watching(a.FD()))

	require.NoError(t, b.Kick())
	n, stopped, err := p.Poll(time.Second)
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{b.FD()}, fired)

	require.NoError(t, p.RemoveWatch(b.FD()))
	assert.False(t, p.Watching(b.FD()))
	require.NoError(t, b.Kick())
	n, _, err = p.Poll(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Removing twice is harmless.
	assert.NoError(t, p.RemoveWatch(b.FD()))
}

func TestPoller_Stop(t *testing.T) {
	p, err := NewPoller(test.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Close()) })

	done := make(chan error, 1)
	go func() {
		done <- p.Run(context.Background())
	}()
	select {
	case <-done:
		t.Fatalf("poller ended early")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, p.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Error("poller did not stop")
	}
}
