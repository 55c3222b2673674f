package postcopy

import (
	"testing"

	"github.com/slackhq/vhostuser/memory"
	"github.com/slackhq/vhostuser/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_OutOfOrder(t *testing.T) {
	c := NewController(test.NewLogger())
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, -1, c.FD())

	assert.ErrorIs(t, c.Listen(0), ErrOutOfOrder)
	assert.ErrorIs(t, c.Register(&memory.Region{}), ErrOutOfOrder)
	assert.False(t, c.Listening())

	require.NoError(t, c.End())
	assert.Equal(t, StateEnded, c.State())
	assert.Equal(t, "ended", c.State().String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestController_Sequence(t *testing.T) {
	if !Supported() {
		t.Skip("userfaultfd is not available")
	}

	c := NewController(test.NewLogger())
	defer c.Close()

	fd, err := c.Advise()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fd, 0)
	assert.Equal(t, fd, c.FD())
	assert.Equal(t, StateAdvised, c.State())

	_, err = c.Advise()
	assert.ErrorIs(t, err, ErrOutOfOrder)

	assert.ErrorIs(t, c.Listen(1), ErrRegionsPresent)
	require.NoError(t, c.Listen(0))
	assert.True(t, c.Listening())

	tbl := memory.NewTable()
	defer tbl.Reset()
	r, err := tbl.Add(memory.Region{GuestPhysAddr: 0, Size: 1 << 20, UserAddr: 0x7f0000000000}, test.Memfd(t, "ram", 1<<20), memory.PolicyPostcopy)
	require.NoError(t, err)
	require.NoError(t, c.Register(r))

	require.NoError(t, c.End())
	assert.Equal(t, -1, c.FD())
	assert.False(t, c.Listening())

	// A new migration may start after the previous one ended.
	fd, err = c.Advise()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fd, 0)
}
