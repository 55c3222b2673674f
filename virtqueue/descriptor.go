package virtqueue

import "encoding/binary"

// descriptorFlag is a flag that describes a [Descriptor].
type descriptorFlag uint16

const (
	// descriptorFlagHasNext marks a descriptor chain as continuing via the next
	// field.
	descriptorFlagHasNext descriptorFlag = 1 << iota
	// descriptorFlagWritable marks a buffer as device write-only (otherwise
	// device read-only).
	descriptorFlagWritable
	// descriptorFlagIndirect means the buffer contains a list of buffer
	// descriptors to provide an additional layer of indirection.
	descriptorFlagIndirect
)

// descriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const descriptorSize = 16

// descriptorTableSize is the number of bytes needed to store the descriptor
// table of a queue with the given size.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// Descriptor describes a part of a buffer in guest memory which is either
// read-only or write-only for the device. Descriptors are chained via next
// into descriptor chains; device-readable descriptors always come first.
type Descriptor struct {
	// Address is the guest physical address of the buffer.
	Address uint64
	// Length is the number of bytes at Address.
	Length uint32
	// flags that describe this descriptor.
	flags descriptorFlag
	// next is the index of the next descriptor of the chain when
	// [descriptorFlagHasNext] is set.
	next uint16
}

func (d Descriptor) writable() bool {
	return d.flags&descriptorFlagWritable != 0
}

func (d Descriptor) indirect() bool {
	return d.flags&descriptorFlagIndirect != 0
}

func (d Descriptor) hasNext() bool {
	return d.flags&descriptorFlagHasNext != 0
}

// readDescriptor decodes the i-th descriptor of table. The caller ensures i
// is below the number of descriptors in table.
func readDescriptor(table []byte, i uint16) Descriptor {
	b := table[int(i)*descriptorSize:][:descriptorSize]
	return Descriptor{
		Address: binary.LittleEndian.Uint64(b[0:8]),
		Length:  binary.LittleEndian.Uint32(b[8:12]),
		flags:   descriptorFlag(binary.LittleEndian.Uint16(b[12:14])),
		next:    binary.LittleEndian.Uint16(b[14:16]),
	}
}

// putDescriptor encodes d into the i-th slot of table.
func putDescriptor(table []byte, i uint16, d Descriptor) {
	b := table[int(i)*descriptorSize:][:descriptorSize]
	binary.LittleEndian.PutUint64(b[0:8], d.Address)
	binary.LittleEndian.PutUint32(b[8:12], d.Length)
	binary.LittleEndian.PutUint16(b[12:14], uint16(d.flags))
	binary.LittleEndian.PutUint16(b[14:16], d.next)
}
