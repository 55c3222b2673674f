package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func fdOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func TestFDSet_CloseReleasesUntaken(t *testing.T) {
	a, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	require.NoError(t, err)
	b, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	require.NoError(t, err)

	s := NewFDSet(a, b)
	assert.Equal(t, 2, s.Len())

	kept, err := s.Take(1)
	require.NoError(t, err)
	assert.Equal(t, b, kept)

	_, err = s.Take(1)
	assert.ErrorIs(t, err, ErrFDCount)

	require.NoError(t, s.Close())
	assert.False(t, fdOpen(a))
	assert.True(t, fdOpen(b))
	assert.NoError(t, unix.Close(b))

	// Closing twice is harmless.
	assert.NoError(t, s.Close())
}

func TestFDSet_TakeOne(t *testing.T) {
	s := NewFDSet()
	_, err := s.TakeOne()
	assert.ErrorIs(t, err, ErrFDCount)

	a, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	require.NoError(t, err)
	b, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	require.NoError(t, err)

	s = NewFDSet(a, b)
	_, err = s.TakeOne()
	assert.ErrorIs(t, err, ErrFDCount)
	assert.Equal(t, 2, s.Len())
	require.NoError(t, s.Close())
	assert.False(t, fdOpen(a))
	assert.False(t, fdOpen(b))
}
