package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/slackhq/vhostuser/header"
	"golang.org/x/sys/unix"
)

var (
	// ErrConcurrentWrite is returned when a second writer enters WriteMessage
	// while another write is still in progress on the same connection. A
	// message is written with two syscalls, interleaving writers would corrupt
	// the stream.
	ErrConcurrentWrite = errors.New("concurrent write on connection")

	ErrControlTruncated = errors.New("ancillary data was truncated")
)

// Conn frames messages on a connected unix stream socket.
type Conn struct {
	fd      int
	writing atomic.Bool
	oob     []byte
}

// NewConn takes ownership of a connected unix socket.
func NewConn(fd int) *Conn {
	return &Conn{
		fd:  fd,
		oob: make([]byte, unix.CmsgSpace(MaxFDs*4)),
	}
}

func (c *Conn) FD() int {
	return c.fd
}

func (c *Conn) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

// ReadMessage reads one message. The header and any passed descriptors are
// received with a single recvmsg, the payload follows with plain reads.
// Interrupted and would-block conditions are retried, every other failure is
// returned. io.EOF means the peer hung up before sending a header.
func (c *Conn) ReadMessage() (*Message, error) {
	var hdr [header.Len]byte
	var n, oobn, flags int
	var err error
	for {
		n, oobn, flags, _, err = unix.Recvmsg(c.fd, hdr[:], c.oob, unix.MSG_CMSG_CLOEXEC)
		if !retryable(err) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("recvmsg: %w", err)
	}
	if n == 0 {
		return nil, io.EOF
	}

	fds, err := parseRights(c.oob[:oobn])
	m := &Message{FDs: NewFDSet(fds...)}
	if err != nil {
		_ = m.FDs.Close()
		return nil, err
	}
	if flags&unix.MSG_CTRUNC != 0 {
		_ = m.FDs.Close()
		return nil, ErrControlTruncated
	}

	if n < header.Len {
		if err = readFull(c.fd, hdr[n:]); err != nil {
			_ = m.FDs.Close()
			return nil, fmt.Errorf("read header: %w", err)
		}
	}
	if err = m.H.Parse(hdr[:]); err != nil {
		_ = m.FDs.Close()
		return nil, err
	}

	if m.Size > MaxPayloadSize {
		_ = m.FDs.Close()
		return nil, fmt.Errorf("%w: %s declares %d bytes", ErrPayloadTooLarge, m.Request, m.Size)
	}

	if m.Size > 0 {
		m.Payload = make([]byte, m.Size)
		if err = readFull(c.fd, m.Payload); err != nil {
			_ = m.FDs.Close()
			return nil, fmt.Errorf("read payload of %s: %w", m.Request, err)
		}
	}

	return m, nil
}

// WriteMessage writes m. The header and descriptors go out with one sendmsg,
// the payload with a second write. Only one writer may be active at a time,
// a concurrent call fails with ErrConcurrentWrite without touching the socket.
func (c *Conn) WriteMessage(m *Message) error {
	if !c.writing.CompareAndSwap(false, true) {
		return ErrConcurrentWrite
	}
	defer c.writing.Store(false)

	var hdr [header.Len]byte
	header.Encode(hdr[:], m.Request, m.Flags, uint32(len(m.Payload)))

	var oob []byte
	if fds := m.FDs.Raw(); len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	var n int
	var err error
	for {
		n, err = unix.SendmsgN(c.fd, hdr[:], oob, nil, 0)
		if !retryable(err) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("sendmsg %s: %w", m.Request, err)
	}
	if n < header.Len {
		if err = writeFull(c.fd, hdr[n:]); err != nil {
			return fmt.Errorf("write header of %s: %w", m.Request, err)
		}
	}

	if len(m.Payload) > 0 {
		if err = writeFull(c.fd, m.Payload); err != nil {
			return fmt.Errorf("write payload of %s: %w", m.Request, err)
		}
	}
	return nil
}

func retryable(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}

	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			for _, fd := range fds {
				_ = unix.Close(fd)
			}
			return nil, fmt.Errorf("parse unix rights: %w", err)
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func readFull(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Read(fd, b)
		if retryable(err) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		b = b[n:]
	}
	return nil
}

func writeFull(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if retryable(err) {
			continue
		}
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
