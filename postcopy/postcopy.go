// Package postcopy drives the back-end's side of postcopy live migration:
// guest memory is mapped without access and registered with a userfaultfd so
// the front-end can fault pages in after the guest resumed on this host.
package postcopy

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vhostuser/memory"
	"golang.org/x/sys/unix"
)

// State is a step of the postcopy sequence.
type State int

const (
	StateIdle State = iota
	StateAdvised
	StateListening
	StateEnded
)

var stateNames = map[State]string{
	StateIdle:      "idle",
	StateAdvised:   "advised",
	StateListening: "listening",
	StateEnded:     "ended",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrOutOfOrder     = errors.New("postcopy request out of order")
	ErrRegionsPresent = errors.New("memory regions registered before postcopy listen")
	ErrNoCopy         = errors.New("userfaultfd does not support UFFDIO_COPY on region")
)

// Supported reports whether this process may create a userfaultfd.
func Supported() bool {
	fd, err := openUffd()
	if err != nil {
		return false
	}
	_ = unix.Close(fd)
	return true
}

// Controller tracks the postcopy state of one connection.
type Controller struct {
	l     *logrus.Logger
	fd    int
	state State
}

func NewController(l *logrus.Logger) *Controller {
	return &Controller{l: l, fd: -1}
}

func (c *Controller) State() State {
	return c.state
}

// Listening reports whether incoming memory tables must be mapped for
// deferred fault-in.
func (c *Controller) Listening() bool {
	return c.state == StateListening
}

// FD returns the userfaultfd, or -1 before Advise.
func (c *Controller) FD() int {
	return c.fd
}

// Advise opens the userfaultfd that is handed to the front-end.
func (c *Controller) Advise() (int, error) {
	if c.state != StateIdle && c.state != StateEnded {
		return -1, fmt.Errorf("%w: advise while %s", ErrOutOfOrder, c.state)
	}

	fd, err := openUffd()
	if err != nil {
		return -1, err
	}
	if err := handshake(fd); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}

	c.fd = fd
	c.state = StateAdvised
	c.l.WithField("fd", fd).Debug("Postcopy advised")
	return fd, nil
}

// Listen switches to listening. No memory regions may exist yet.
func (c *Controller) Listen(regions int) error {
	if c.state != StateAdvised {
		return fmt.Errorf("%w: listen while %s", ErrOutOfOrder, c.state)
	}
	if regions > 0 {
		return fmt.Errorf("%w: %d regions", ErrRegionsPresent, regions)
	}
	c.state = StateListening
	c.l.Debug("Postcopy listening")
	return nil
}

// Register arms fault handling on a region mapped with
// [memory.PolicyPostcopy] and then grants read and write access to it.
func (c *Controller) Register(r *memory.Region) error {
	if c.state != StateListening {
		return fmt.Errorf("%w: register while %s", ErrOutOfOrder, c.state)
	}

	mem := r.Mapping()
	if err := unix.Madvise(mem, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("madvise DONTNEED region at gpa %#x: %w", r.GuestPhysAddr, err)
	}
	// Faults are resolved one small page at a time.
	if err := unix.Madvise(mem, unix.MADV_NOHUGEPAGE); err != nil {
		return fmt.Errorf("madvise NOHUGEPAGE region at gpa %#x: %w", r.GuestPhysAddr, err)
	}

	ioctls, err := register(c.fd, mem)
	if err != nil {
		return fmt.Errorf("region at gpa %#x: %w", r.GuestPhysAddr, err)
	}
	if ioctls&_UFFDIO_COPY == 0 {
		return fmt.Errorf("%w: gpa %#x ioctls %#x", ErrNoCopy, r.GuestPhysAddr, ioctls)
	}

	if err := r.Protect(unix.PROT_READ | unix.PROT_WRITE); err != nil {
		return err
	}

	c.l.WithField("gpa", fmt.Sprintf("%#x", r.GuestPhysAddr)).
		WithField("size", r.Size).
		WithField("hostAddr", fmt.Sprintf("%#x", r.HostAddr())).
		Debug("Registered region for postcopy")
	return nil
}

// End closes the userfaultfd. Ending without a prior advise is accepted.
func (c *Controller) End() error {
	err := c.Close()
	c.state = StateEnded
	c.l.Debug("Postcopy ended")
	return err
}

// Close releases the userfaultfd without changing the state.
func (c *Controller) Close() error {
	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	return unix.Close(fd)
}
