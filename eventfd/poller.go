package eventfd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Callback is invoked from the poll loop when fd becomes readable.
type Callback func(fd int)

// Poller is a single threaded epoll reactor. Callbacks run on the goroutine
// calling Poll or Run.
type Poller struct {
	fd     int
	wake   EventFD
	l      *logrus.Logger
	events []unix.EpollEvent

	mu        sync.Mutex
	callbacks map[int]Callback
}

func NewPoller(l *logrus.Logger) (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	p := &Poller{
		fd:        fd,
		l:         l,
		events:    make([]unix.EpollEvent, 16),
		callbacks: make(map[int]Callback),
	}

	if p.wake, err = New(); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("create wake eventfd: %w", err)
	}
	if err = p.ctl(unix.EPOLL_CTL_ADD, p.wake.FD()); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Poller) ctl(op int, fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.fd, op, fd, &event); err != nil {
		return fmt.Errorf("epoll ctl %d on fd %d: %w", op, fd, err)
	}
	return nil
}

// SetWatch starts calling cb whenever fd is readable, replacing any callback
// already registered for fd.
func (p *Poller) SetWatch(fd int, cb Callback) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	op := unix.EPOLL_CTL_ADD
	if _, ok := p.callbacks[fd]; ok {
		op = unix.EPOLL_CTL_MOD
	}
	if err := p.ctl(op, fd); err != nil {
		return err
	}
	p.callbacks[fd] = cb
	return nil
}

// RemoveWatch stops watching fd. Removing an unknown fd is a no-op.
func (p *Poller) RemoveWatch(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.callbacks[fd]; !ok {
		return nil
	}
	delete(p.callbacks, fd)
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
		// The descriptor was closed before the watch was removed.
		return nil
	}
	return err
}

// Watching reports whether fd has a callback registered.
func (p *Poller) Watching(fd int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.callbacks[fd]
	return ok
}

// Poll waits up to timeout for readable descriptors and runs their callbacks.
// A negative timeout blocks. It returns the number of callbacks run and
// whether a Stop request was seen.
func (p *Poller) Poll(timeout time.Duration) (int, bool, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(p.fd, p.events, msec)
	if errors.Is(err, unix.EINTR) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("epoll wait: %w", err)
	}

	ran, stopped := 0, false
	for _, ev := range p.events[:n] {
		fd := int(ev.Fd)
		if fd == p.wake.FD() {
			_, _ = p.wake.Drain()
			stopped = true
			continue
		}

		// An earlier callback in this batch may have removed the watch.
		p.mu.Lock()
		cb, ok := p.callbacks[fd]
		p.mu.Unlock()
		if !ok {
			continue
		}
		cb(fd)
		ran++
	}
	return ran, stopped, nil
}

// Run polls until Stop is called or ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		_, stopped, err := p.Poll(-1)
		if err != nil {
			return err
		}
		if stopped {
			p.l.Debug("Poller stopped")
			return nil
		}
	}
	return nil
}

// Stop wakes a blocked Run and makes it return.
func (p *Poller) Stop() error {
	return p.wake.Kick()
}

func (p *Poller) Close() error {
	var errs []error
	if err := p.wake.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.fd >= 0 {
		if err := unix.Close(p.fd); err != nil {
			errs = append(errs, err)
		}
		p.fd = -1
	}
	return errors.Join(errs...)
}
