package virtqueue

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// usedRingFlag is a flag that describes the used ring.
type usedRingFlag uint16

const (
	// usedRingFlagNoNotify is used by the device to advise the guest to not
	// kick it when adding a buffer. It's unreliable, so it's simply an
	// optimization. Guest will still kick when it's out of buffers.
	usedRingFlagNoNotify usedRingFlag = 1 << iota
)

// usedRingSize is the number of bytes needed to store a used ring with the
// given queue size in memory, including the trailing available event.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// usedRingAlignment is the minimum alignment of a used ring in memory, as
// required by the virtio spec.
const usedRingAlignment = 4

// usedRing is a view of the ring the device returns descriptor chains on.
//
//	flags       u16
//	idx         u16
//	ring        [size]UsedElement
//	avail_event u16
type usedRing struct {
	mem  []byte
	size int
}

func newUsedRing(queueSize int, mem []byte) usedRing {
	return usedRing{mem: mem[:usedRingSize(queueSize)], size: queueSize}
}

// word is the 32-bit word holding flags in its low and idx in its high half.
func (r usedRing) word() *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[0]))
}

func (r usedRing) flags() usedRingFlag {
	return usedRingFlag(atomic.LoadUint32(r.word()))
}

func (r usedRing) index() uint16 {
	return uint16(atomic.LoadUint32(r.word()) >> 16)
}

// setIndex publishes a new used index to the driver.
func (r usedRing) setIndex(idx uint16) {
	w := atomic.LoadUint32(r.word())
	atomic.StoreUint32(r.word(), w&0xffff|uint32(idx)<<16)
}

func (r usedRing) setFlags(f usedRingFlag) {
	w := atomic.LoadUint32(r.word())
	atomic.StoreUint32(r.word(), w&0xffff0000|uint32(f))
}

// put writes e into the given slot. The slot becomes visible to the driver
// once the index is advanced past it.
func (r usedRing) put(slot int, e UsedElement) {
	b := r.mem[r.elementOffset(slot):][:usedElementSize]
	binary.LittleEndian.PutUint32(b[0:4], e.DescriptorIndex)
	binary.LittleEndian.PutUint32(b[4:8], e.Length)
}

func (r usedRing) element(slot int) UsedElement {
	b := r.mem[r.elementOffset(slot):][:usedElementSize]
	return UsedElement{
		DescriptorIndex: binary.LittleEndian.Uint32(b[0:4]),
		Length:          binary.LittleEndian.Uint32(b[4:8]),
	}
}

func (r usedRing) elementOffset(slot int) int {
	return 4 + usedElementSize*slot
}

// setAvailEvent tells the driver after which available index it has to kick.
func (r usedRing) setAvailEvent(idx uint16) {
	binary.LittleEndian.PutUint16(r.mem[r.availEventOffset():], idx)
}

func (r usedRing) availEvent() uint16 {
	return binary.LittleEndian.Uint16(r.mem[r.availEventOffset():])
}

func (r usedRing) availEventOffset() int {
	return 4 + usedElementSize*r.size
}
