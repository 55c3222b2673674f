package protocol

import (
	"io"
	"testing"

	"github.com/slackhq/vhostuser/header"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newConnPair(t *testing.T) (*Conn, *Conn) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	a, b := NewConn(fds[0]), NewConn(fds[1])
	t.Cleanup(func() {
		assert.NoError(t, a.Close())
		assert.NoError(t, b.Close())
	})
	return a, b
}

func newEventFD(t *testing.T) int {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })
	return fd
}

func TestConn_RoundTrip(t *testing.T) {
	front, back := newConnPair(t)

	payload := VringState{Index: 1, Num: 256}.Encode()
	m := NewMessage(header.RequestSetVringNum, payload)
	m.Flags |= header.FlagNeedReply
	require.NoError(t, front.WriteMessage(m))

	got, err := back.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, header.RequestSetVringNum, got.Request)
	assert.True(t, got.NeedsReply())
	assert.Equal(t, uint32(VringStateSize), got.Size)
	assert.Equal(t, payload, got.Payload)
	assert.Zero(t, got.FDs.Len())

	s, err := DecodeVringState(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, VringState{Index: 1, Num: 256}, s)
}

func TestConn_PassesDescriptors(t *testing.T) {
	front, back := newConnPair(t)

	efd := newEventFD(t)
	m := NewMessage(header.RequestSetVringCall, EncodeU64(3), efd)
	require.NoError(t, front.WriteMessage(m))

	got, err := back.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, 1, got.FDs.Len())

	fd, err := got.FDs.TakeOne()
	require.NoError(t, err)
	defer unix.Close(fd)
	assert.NotEqual(t, efd, fd)
	assert.Zero(t, got.FDs.Len())
	assert.NoError(t, got.FDs.Close())

	// The received descriptor refers to the same eventfd.
	_, err = unix.Write(fd, EncodeU64(1))
	require.NoError(t, err)
	buf := make([]byte, 8)
	_, err = unix.Read(efd, buf)
	require.NoError(t, err)
	assert.Equal(t, EncodeU64(1), buf)
}

func TestConn_ReplyFlags(t *testing.T) {
	front, back := newConnPair(t)

	require.NoError(t, back.WriteMessage(NewU64Reply(header.RequestGetFeatures, 1<<32)))

	got, err := front.ReadMessage()
	require.NoError(t, err)
	assert.True(t, got.IsReply())
	assert.Equal(t, header.Version, got.Flags.Version())
	v, err := DecodeU64(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<32), v)
}

func TestConn_PayloadTooLarge(t *testing.T) {
	front, back := newConnPair(t)

	var hdr [header.Len]byte
	header.Encode(hdr[:], header.RequestSetConfig, header.Flags(header.Version), MaxPayloadSize+1)
	efd := newEventFD(t)
	_, err := unix.SendmsgN(front.FD(), hdr[:], unix.UnixRights(efd), nil, 0)
	require.NoError(t, err)

	_, err = back.ReadMessage()
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestConn_HangUp(t *testing.T) {
	front, back := newConnPair(t)
	require.NoError(t, front.Close())

	_, err := back.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConn_TruncatedPayload(t *testing.T) {
	front, back := newConnPair(t)

	var hdr [header.Len]byte
	header.Encode(hdr[:], header.RequestSetFeatures, header.Flags(header.Version), 8)
	_, err := unix.Write(front.FD(), append(hdr[:], 1, 2, 3))
	require.NoError(t, err)
	require.NoError(t, front.Close())

	_, err = back.ReadMessage()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestConn_SingleWriter(t *testing.T) {
	front, back := newConnPair(t)

	// Simulate a writer that is between its header and payload syscalls.
	front.writing.Store(true)
	err := front.WriteMessage(NewMessage(header.RequestSetOwner, nil))
	assert.ErrorIs(t, err, ErrConcurrentWrite)

	// Nothing reached the socket.
	front.writing.Store(false)
	require.NoError(t, front.WriteMessage(NewMessage(header.RequestGetQueueNum, nil)))
	got, err := back.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, header.RequestGetQueueNum, got.Request)
	assert.Zero(t, got.Size)
}
