package virtqueue

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// availableRingFlag is a flag that describes the available ring.
type availableRingFlag uint16

const (
	// availableRingFlagNoInterrupt is used by the guest to advise the device
	// to not interrupt it when consuming a buffer. It's unreliable, so it's
	// simply an optimization.
	availableRingFlagNoInterrupt availableRingFlag = 1 << iota
)

// availableRingSize is the number of bytes needed to store an available ring
// with the given queue size in memory, including the trailing used event.
func availableRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

// availableRingAlignment is the minimum alignment of an available ring in
// memory, as required by the virtio spec.
const availableRingAlignment = 2

// availableRing is a read-only view of the ring the driver offers descriptor
// chains on.
//
//	flags      u16
//	idx        u16
//	ring       [size]u16
//	used_event u16
type availableRing struct {
	mem  []byte
	size int
}

func newAvailableRing(queueSize int, mem []byte) availableRing {
	return availableRing{mem: mem[:availableRingSize(queueSize)], size: queueSize}
}

func (r availableRing) flags() availableRingFlag {
	return availableRingFlag(binary.LittleEndian.Uint16(r.mem[0:2]))
}

// index loads the driver's ring index. The ring is only guaranteed to be
// 2-byte aligned, so the 16-bit field is read through whichever aligned
// 32-bit word holds it.
func (r availableRing) index() uint16 {
	p := unsafe.Pointer(&r.mem[0])
	if uintptr(p)%4 == 0 {
		return uint16(atomic.LoadUint32((*uint32)(p)) >> 16)
	}
	return uint16(atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[2]))))
}

// head returns the descriptor chain head stored at the given ring position.
func (r availableRing) head(pos uint16) uint16 {
	slot := int(pos) % r.size
	return binary.LittleEndian.Uint16(r.mem[4+2*slot:])
}

// usedEvent is the used index after which the driver wants to be notified.
func (r availableRing) usedEvent() uint16 {
	return binary.LittleEndian.Uint16(r.mem[4+2*r.size:])
}
