package eventfd

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// EventFD is a doorbell backed by a Linux eventfd. The zero value holds no
// descriptor.
type EventFD struct {
	fd  int
	set bool
	buf [8]byte
}

// New creates a fresh non-blocking eventfd.
func New() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return EventFD{}, err
	}
	return Wrap(fd), nil
}

// Wrap takes ownership of an eventfd received from elsewhere. A negative fd
// yields an empty EventFD.
func Wrap(fd int) EventFD {
	if fd < 0 {
		return EventFD{}
	}
	return EventFD{fd: fd, set: true}
}

// Valid reports whether a descriptor is installed.
func (e *EventFD) Valid() bool {
	return e.set
}

// Kick adds one to the counter. A saturated counter already wakes the
// reader, so EAGAIN is not an error.
func (e *EventFD) Kick() error {
	if !e.set {
		return errors.New("eventfd is not set")
	}
	binary.NativeEndian.PutUint64(e.buf[:], 1)
	_, err := unix.Write(e.fd, e.buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

// Drain reads and resets the counter. A counter of zero on a non-blocking
// descriptor returns 0 without an error.
func (e *EventFD) Drain() (uint64, error) {
	if !e.set {
		return 0, errors.New("eventfd is not set")
	}
	_, err := unix.Read(e.fd, e.buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(e.buf[:]), nil
}

func (e *EventFD) Close() error {
	if !e.set {
		return nil
	}
	e.set = false
	return unix.Close(e.fd)
}

// FD returns the descriptor, or -1 when none is installed.
func (e *EventFD) FD() int {
	if !e.set {
		return -1
	}
	return e.fd
}
