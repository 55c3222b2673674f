package protocol

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrFDCount is returned when a message carries a different number of file
// descriptors than its request requires.
var ErrFDCount = errors.New("unexpected number of file descriptors")

// FDSet holds the file descriptors passed along with a message. A handler
// takes ownership of the ones it keeps, Close releases the rest. Calling Close
// on every exit path guarantees that no received descriptor leaks.
type FDSet struct {
	fds []int
}

// NewFDSet wraps already received file descriptors.
func NewFDSet(fds ...int) FDSet {
	return FDSet{fds: fds}
}

// Len returns the number of descriptors that have not been taken yet.
func (s *FDSet) Len() int {
	n := 0
	for _, fd := range s.fds {
		if fd >= 0 {
			n++
		}
	}
	return n
}

// Raw returns the descriptors without transferring ownership.
func (s *FDSet) Raw() []int {
	return s.fds
}

// Take transfers ownership of the i-th descriptor to the caller.
func (s *FDSet) Take(i int) (int, error) {
	if i < 0 || i >= len(s.fds) || s.fds[i] < 0 {
		return -1, fmt.Errorf("%w: no descriptor at position %d", ErrFDCount, i)
	}
	fd := s.fds[i]
	s.fds[i] = -1
	return fd, nil
}

// TakeOne requires the set to hold exactly one descriptor and transfers its
// ownership to the caller.
func (s *FDSet) TakeOne() (int, error) {
	fds, err := s.TakeN(1)
	if err != nil {
		return -1, err
	}
	return fds[0], nil
}

// TakeN requires the set to hold exactly n descriptors and transfers their
// ownership to the caller.
func (s *FDSet) TakeN(n int) ([]int, error) {
	if s.Len() != n || len(s.fds) != n {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrFDCount, s.Len(), n)
	}
	fds := make([]int, n)
	for i := range fds {
		fds[i], _ = s.Take(i)
	}
	return fds, nil
}

// Close closes every descriptor still owned by the set.
func (s *FDSet) Close() error {
	var errs []error
	for i, fd := range s.fds {
		if fd < 0 {
			continue
		}
		if err := unix.Close(fd); err != nil {
			errs = append(errs, fmt.Errorf("close fd %d: %w", fd, err))
		}
		s.fds[i] = -1
	}
	return errors.Join(errs...)
}
