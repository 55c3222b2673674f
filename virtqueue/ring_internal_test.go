package virtqueue

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsedRing_MemoryLayout(t *testing.T) {
	const queueSize = 2

	memory := make([]byte, usedRingSize(queueSize))
	r := newUsedRing(queueSize, memory)

	r.setFlags(0x01ff)
	r.setIndex(1)
	r.put(0, UsedElement{DescriptorIndex: 0x0123, Length: 0x4567})
	r.put(1, UsedElement{DescriptorIndex: 0x89ab, Length: 0xcdef})
	r.setAvailEvent(0x1234)

	assert.Equal(t, []byte{
		0xff, 0x01,
		0x01, 0x00,
		0x23, 0x01, 0x00, 0x00,
		0x67, 0x45, 0x00, 0x00,
		0xab, 0x89, 0x00, 0x00,
		0xef, 0xcd, 0x00, 0x00,
		0x34, 0x12,
	}, memory)

	assert.Equal(t, usedRingFlag(0x01ff), r.flags())
	assert.Equal(t, uint16(1), r.index())
	assert.Equal(t, UsedElement{DescriptorIndex: 0x89ab, Length: 0xcdef}, r.element(1))
	assert.Equal(t, uint16(0x1234), r.availEvent())
}

func TestAvailableRing_MemoryLayout(t *testing.T) {
	const queueSize = 2

	memory := []byte{
		0x01, 0x00,
		0x05, 0x80,
		0x01, 0x00,
		0x00, 0x00,
		0x07, 0x00,
	}
	r := newAvailableRing(queueSize, memory)

	assert.Equal(t, availableRingFlagNoInterrupt, r.flags())
	assert.Equal(t, uint16(0x8005), r.index())
	assert.Equal(t, uint16(1), r.head(0))
	assert.Equal(t, uint16(0), r.head(1))
	assert.Equal(t, uint16(1), r.head(2))
	assert.Equal(t, uint16(7), r.usedEvent())
}

func TestAvailableRing_UnalignedIndex(t *testing.T) {
	const queueSize = 4

	backing := make([]byte, 64)
	for _, off := range []int{0, 2, 4, 6} {
		mem := backing[off : off+availableRingSize(queueSize)]
		binary.LittleEndian.PutUint16(mem[2:], uint16(0xbe00+off))
		binary.LittleEndian.PutUint16(mem[4:], 3)
		r := newAvailableRing(queueSize, mem)
		assert.Equal(t, uint16(0xbe00+off), r.index(), "offset %d", off)
		assert.Equal(t, uint16(3), r.head(0), "offset %d", off)
	}
}

func TestDescriptor_MemoryLayout(t *testing.T) {
	table := make([]byte, 2*descriptorSize)
	putDescriptor(table, 1, Descriptor{
		Address: 0x0123456789abcdef,
		Length:  0x11223344,
		flags:   descriptorFlagHasNext | descriptorFlagWritable,
		next:    0x0607,
	})

	assert.Equal(t, []byte{
		0xef, 0xcd, 0xab, 0x89, 0x67, 0x45, 0x23, 0x01,
		0x44, 0x33, 0x22, 0x11,
		0x03, 0x00,
		0x07, 0x06,
	}, table[descriptorSize:])

	d := readDescriptor(table, 1)
	assert.True(t, d.hasNext())
	assert.True(t, d.writable())
	assert.False(t, d.indirect())
	assert.Equal(t, uint16(0x0607), d.next)
}
