package inflight

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	// Version is the layout version written into a fresh queue header.
	Version = 1

	headerSize      = 16
	descriptorSize  = 16
	regionAlignment = 64
)

var ErrQueueIndex = errors.New("inflight queue index out of range")

// QueueRegionSize returns the number of bytes one queue's table occupies
// inside an area.
func QueueRegionSize(queueSize int) uint64 {
	return uint64(align(headerSize+descriptorSize*queueSize, regionAlignment))
}

// Area is a shared memory region holding one tracking table per queue. The
// front-end keeps the descriptor across back-end restarts.
type Area struct {
	fd        int
	mmap      []byte
	mem       []byte
	numQueues int
	queueSize int
}

// Create allocates a zeroed, sealed area for numQueues queues of queueSize
// descriptors each.
func Create(numQueues, queueSize int) (_ *Area, err error) {
	if numQueues <= 0 || queueSize <= 0 {
		return nil, fmt.Errorf("invalid inflight geometry: %d queues of %d descriptors", numQueues, queueSize)
	}
	size := uint64(numQueues) * QueueRegionSize(queueSize)

	fd, err := unix.MemfdCreate("vhost-user-inflight", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
		}
	}()

	if err = unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("ftruncate inflight area: %w", err)
	}
	if _, err = unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_GROW|unix.F_SEAL_SHRINK|unix.F_SEAL_SEAL); err != nil {
		return nil, fmt.Errorf("seal inflight area: %w", err)
	}

	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap inflight area: %w", err)
	}

	return &Area{fd: fd, mmap: mem, mem: mem, numQueues: numQueues, queueSize: queueSize}, nil
}

// Open maps an area handed over by the front-end. It takes ownership of fd
// even when it fails.
func Open(fd int, size, offset uint64, numQueues, queueSize int) (_ *Area, err error) {
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
		}
	}()

	if numQueues <= 0 || queueSize <= 0 {
		return nil, fmt.Errorf("invalid inflight geometry: %d queues of %d descriptors", numQueues, queueSize)
	}
	need := uint64(numQueues) * QueueRegionSize(queueSize)
	if size < need {
		return nil, fmt.Errorf("inflight area of %d bytes is smaller than the %d bytes needed", size, need)
	}

	// mmap offsets must be page aligned, map from the start of the page.
	page := uint64(unix.Getpagesize())
	base := offset &^ (page - 1)
	mem, err := unix.Mmap(fd, int64(base), int(size+offset-base), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap inflight area: %w", err)
	}

	return &Area{
		fd:        fd,
		mmap:      mem,
		mem:       mem[offset-base:],
		numQueues: numQueues,
		queueSize: queueSize,
	}, nil
}

// FD returns the descriptor backing the area.
func (a *Area) FD() int {
	return a.fd
}

// Size returns the number of bytes covered by the area.
func (a *Area) Size() uint64 {
	return uint64(len(a.mem))
}

func (a *Area) NumQueues() int {
	return a.numQueues
}

func (a *Area) QueueSize() int {
	return a.queueSize
}

// Queue returns the tracking table of queue i.
func (a *Area) Queue(i int) (*Queue, error) {
	if i < 0 || i >= a.numQueues {
		return nil, fmt.Errorf("%w: %d of %d", ErrQueueIndex, i, a.numQueues)
	}
	per := QueueRegionSize(a.queueSize)
	start := uint64(i) * per
	return newQueue(a.mem[start:start+per], a.queueSize), nil
}

// Close unmaps the area and closes its descriptor.
func (a *Area) Close() error {
	var errs []error
	if a.mmap != nil {
		if err := unix.Munmap(a.mmap); err != nil {
			errs = append(errs, fmt.Errorf("munmap inflight area: %w", err))
		}
		a.mmap, a.mem = nil, nil
	}
	if a.fd >= 0 {
		if err := unix.Close(a.fd); err != nil {
			errs = append(errs, fmt.Errorf("close inflight area: %w", err))
		}
		a.fd = -1
	}
	return errors.Join(errs...)
}

func align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
