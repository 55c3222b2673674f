package vhostuser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vhostuser/eventfd"
	"golang.org/x/sys/unix"
)

// Server accepts front-end connections on a unix socket and serves them one
// at a time, each with its own event loop.
type Server struct {
	l          *logrus.Logger
	listener   *net.UnixListener
	newBackend func() Backend
	options    []Option
	active     metrics.Gauge

	mu     sync.Mutex
	poller *eventfd.Poller
	closed bool
}

// NewServer listens on path. A stale socket file is removed first when
// removeStale is set.
func NewServer(l *logrus.Logger, path string, removeStale bool, newBackend func() Backend, options ...Option) (*Server, error) {
	if removeStale {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}

	return &Server{
		l:          l,
		listener:   ln,
		newBackend: newBackend,
		options:    options,
		active:     metrics.GetOrRegisterGauge("connections.active", nil),
	}, nil
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if err := s.serveConn(ctx, conn); err != nil {
			s.l.WithError(err).Warn("Connection failed")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// connFD detaches the descriptor of conn from the runtime poller.
func connFD(conn *net.UnixConn) (int, error) {
	defer conn.Close()

	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	var dupErr error
	err = raw.Control(func(s uintptr) {
		fd, dupErr = unix.Dup(int(s))
	})
	if err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, fmt.Errorf("dup connection: %w", dupErr)
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

func (s *Server) serveConn(ctx context.Context, conn *net.UnixConn) error {
	fd, err := connFD(conn)
	if err != nil {
		return err
	}

	poller, err := eventfd.NewPoller(s.l)
	if err != nil {
		_ = unix.Close(fd)
		return err
	}
	defer poller.Close()

	var failure error
	panicFn := func(_ *Device, err error) {
		failure = err
	}
	d, err := NewDevice(s.l, fd, s.newBackend(), poller, append(s.options, WithPanicFunc(panicFn))...)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			s.l.WithError(err).Warn("Failed to close device")
		}
	}()

	if !s.attach(poller) {
		return nil
	}
	defer s.attach(nil)

	s.active.Update(1)
	defer s.active.Update(0)
	s.l.Info("Front-end connected")

	err = poller.SetWatch(d.FD(), func(int) {
		if !d.Dispatch() {
			_ = poller.Stop()
		}
	})
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = poller.Stop() })
	defer stop()

	if err := poller.Run(ctx); err != nil {
		return err
	}
	s.l.Info("Front-end disconnected")
	return failure
}

// attach records the poller of the live connection so Close can stop it.
func (s *Server) attach(p *eventfd.Poller) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && p != nil {
		return false
	}
	s.poller = p
	return true
}

// Close stops accepting, ends the live connection and removes the socket
// file.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.poller != nil {
		_ = s.poller.Stop()
	}
	s.mu.Unlock()

	// The listener unlinks the socket file.
	return s.listener.Close()
}
