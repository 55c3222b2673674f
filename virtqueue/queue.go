package virtqueue

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/slackhq/vhostuser/eventfd"
	"github.com/slackhq/vhostuser/inflight"
	"github.com/slackhq/vhostuser/memory"
	"github.com/slackhq/vhostuser/util/virtio"
)

// AddressFlagLog asks the device to log writes to the used ring.
const AddressFlagLog = 0x1

var (
	ErrNotMapped     = errors.New("virtqueue rings are not mapped")
	ErrRingAlignment = errors.New("virtqueue ring is misaligned")
	ErrNoInflight    = errors.New("virtqueue has no inflight area")
)

// Host is what a [Queue] needs from the device that owns it.
type Host interface {
	// HasFeature reports whether a virtio feature was negotiated.
	HasFeature(f virtio.Feature) bool
	// Broken reports whether the connection failed. A broken host performs no
	// ring I/O.
	Broken() bool
	// Memory returns the guest memory the rings and buffers live in.
	Memory() *memory.Table
	// LogDirty marks guest memory written by the device when dirty logging
	// is active.
	LogDirty(gpa, length uint64)
	// GuestError reports malformed ring content on the given queue.
	GuestError(index int, err error)
	// Fail reports a local resource error. It marks the host broken.
	Fail(err error)
	// SignalInBand delivers a used-buffer notification over the back-end
	// channel. It returns false when in-band notifications are not
	// available.
	SignalInBand(index int, sync bool) (bool, error)
}

// Addresses are the front-end addresses of a queue's rings.
type Addresses struct {
	Flags      uint32
	Descriptor uint64
	Used       uint64
	Available  uint64
	// Log is the guest physical address of the used ring for dirty logging.
	Log uint64
}

// Queue is the device side of one split virtqueue.
type Queue struct {
	index int
	host  Host

	size      int
	addresses Addresses
	hasAddr   bool

	desc   []byte
	avail  availableRing
	used   usedRing
	mapped bool

	// lastAvailIdx is the next available ring position to consume.
	lastAvailIdx uint16
	// shadowAvailIdx caches the last available index read from the ring.
	shadowAvailIdx uint16
	// usedIdx is the device's copy of the used index.
	usedIdx uint16

	signalledUsed      uint16
	signalledUsedValid bool
	notification       bool

	// inuse counts popped chains that were not returned yet.
	inuse int

	kick eventfd.EventFD
	call eventfd.EventFD
	err  eventfd.EventFD

	enabled bool
	started bool

	inflight *inflight.Queue
	resubmit []inflight.Entry
	counter  uint64
}

// New creates an unconfigured queue.
func New(index int, host Host) *Queue {
	return &Queue{index: index, host: host, notification: true}
}

func (q *Queue) Index() int {
	return q.index
}

func (q *Queue) Size() int {
	return q.size
}

// SetSize sets the number of descriptors the ring holds.
func (q *Queue) SetSize(n int) error {
	if err := CheckQueueSize(n); err != nil {
		return err
	}
	q.size = n
	return nil
}

// SetAddresses records the ring addresses and maps them. On failure the rings
// are left unmapped.
func (q *Queue) SetAddresses(a Addresses) error {
	q.addresses = a
	q.hasAddr = true
	if err := q.Map(); err != nil {
		return err
	}
	q.usedIdx = q.used.index()
	return nil
}

func (q *Queue) Addresses() Addresses {
	return q.addresses
}

// Map translates the configured ring addresses through the current memory
// table. It is called again whenever the table changes.
func (q *Queue) Map() error {
	q.Unmap()
	if !q.hasAddr {
		return nil
	}
	if q.size == 0 {
		return fmt.Errorf("map queue %d: %w", q.index, ErrQueueSizeInvalid)
	}

	mem := q.host.Memory()
	desc, err := mem.MapRing(q.addresses.Descriptor, uint64(descriptorTableSize(q.size)))
	if err != nil {
		return fmt.Errorf("map descriptor table of queue %d: %w", q.index, err)
	}
	avail, err := mem.MapRing(q.addresses.Available, uint64(availableRingSize(q.size)))
	if err != nil {
		return fmt.Errorf("map available ring of queue %d: %w", q.index, err)
	}
	used, err := mem.MapRing(q.addresses.Used, uint64(usedRingSize(q.size)))
	if err != nil {
		return fmt.Errorf("map used ring of queue %d: %w", q.index, err)
	}

	if uintptr(unsafe.Pointer(&avail[0]))%availableRingAlignment != 0 {
		return fmt.Errorf("%w: available ring of queue %d", ErrRingAlignment, q.index)
	}
	if uintptr(unsafe.Pointer(&used[0]))%usedRingAlignment != 0 {
		return fmt.Errorf("%w: used ring of queue %d", ErrRingAlignment, q.index)
	}

	q.desc = desc[:descriptorTableSize(q.size)]
	q.avail = newAvailableRing(q.size, avail)
	q.used = newUsedRing(q.size, used)
	q.mapped = true
	return nil
}

// Unmap drops the ring views. They must not outlive the memory table they
// were taken from.
func (q *Queue) Unmap() {
	q.desc = nil
	q.avail = availableRing{}
	q.used = usedRing{}
	q.mapped = false
}

// Configured reports whether ring addresses were set.
func (q *Queue) Configured() bool {
	return q.hasAddr
}

// Mapped reports whether the rings are accessible.
func (q *Queue) Mapped() bool {
	return q.mapped
}

// ResumeFromUsed continues consumption right after the last chain the
// device returned. Only valid for devices that process chains in order.
func (q *Queue) ResumeFromUsed() error {
	if !q.mapped {
		return ErrNotMapped
	}
	q.lastAvailIdx = q.used.index()
	q.shadowAvailIdx = q.lastAvailIdx
	return nil
}

// SetBase sets the available ring position consumption continues from.
func (q *Queue) SetBase(idx uint16) {
	q.lastAvailIdx = idx
	q.shadowAvailIdx = idx
}

// Base returns the next available ring position to consume.
func (q *Queue) Base() uint16 {
	return q.lastAvailIdx
}

// UsedIndex returns the device's used index.
func (q *Queue) UsedIndex() uint16 {
	return q.usedIdx
}

// InUse returns the number of chains popped and not yet returned.
func (q *Queue) InUse() int {
	return q.inuse
}

// SetKick installs the doorbell the driver rings for new buffers. The
// previous descriptor is closed.
func (q *Queue) SetKick(fd int) error {
	err := q.kick.Close()
	q.kick = eventfd.Wrap(fd)
	return err
}

func (q *Queue) KickFD() int {
	return q.kick.FD()
}

// DrainKick consumes pending kicks.
func (q *Queue) DrainKick() (uint64, error) {
	return q.kick.Drain()
}

// SetCall installs the doorbell the device rings for used buffers. A fresh
// descriptor is rung once so the driver rescans the used ring.
func (q *Queue) SetCall(fd int) error {
	err := q.call.Close()
	q.call = eventfd.Wrap(fd)
	if q.call.Valid() {
		err = errors.Join(err, q.call.Kick())
	}
	return err
}

func (q *Queue) CallFD() int {
	return q.call.FD()
}

// SetErr installs the descriptor used to signal queue errors.
func (q *Queue) SetErr(fd int) error {
	err := q.err.Close()
	q.err = eventfd.Wrap(fd)
	return err
}

func (q *Queue) ErrFD() int {
	return q.err.FD()
}

// SignalError rings the error descriptor, if any.
func (q *Queue) SignalError() error {
	if !q.err.Valid() {
		return nil
	}
	return q.err.Kick()
}

func (q *Queue) Start() {
	q.started = true
}

// Stop marks the queue stopped and closes both doorbells.
func (q *Queue) Stop() error {
	q.started = false
	return errors.Join(q.call.Close(), q.kick.Close())
}

func (q *Queue) Started() bool {
	return q.started
}

func (q *Queue) SetEnabled(enabled bool) {
	q.enabled = enabled
}

func (q *Queue) Enabled() bool {
	return q.enabled
}

// usable reports whether ring I/O may happen. Rings that lost their memory
// region are mapped again once the region is back.
func (q *Queue) usable() bool {
	if q.host.Broken() {
		return false
	}
	if !q.mapped && q.hasAddr {
		_ = q.Map()
	}
	return q.mapped
}

// Reset returns the queue to its unconfigured state and closes every
// descriptor it holds.
func (q *Queue) Reset() error {
	err := q.Close()
	*q = Queue{index: q.index, host: q.host, notification: true}
	return err
}

// Close closes the doorbells. The rings stay mapped.
func (q *Queue) Close() error {
	return errors.Join(q.kick.Close(), q.call.Close(), q.err.Close())
}
