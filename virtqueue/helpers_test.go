package virtqueue

import (
	"encoding/binary"
	"testing"

	"github.com/slackhq/vhostuser/memory"
	"github.com/slackhq/vhostuser/test"
	"github.com/slackhq/vhostuser/util/virtio"
	"github.com/stretchr/testify/require"
)

const (
	regionSize = 1 << 20
	userBase   = 0x7f0000000000

	descGPA   = 0x0000
	availGPA  = 0x1000
	usedGPA   = 0x2000
	bufferGPA = 0x10000
)

type fakeHost struct {
	mem      *memory.Table
	features virtio.Feature
	broken   bool

	guestErrors []error
	failures    []error
	dirty       [][2]uint64

	inBand      bool
	inBandCalls int
	inBandSync  bool
}

func (h *fakeHost) HasFeature(f virtio.Feature) bool { return h.features.Has(f) }
func (h *fakeHost) Broken() bool                     { return h.broken }
func (h *fakeHost) Memory() *memory.Table            { return h.mem }

func (h *fakeHost) LogDirty(gpa, length uint64) {
	h.dirty = append(h.dirty, [2]uint64{gpa, length})
}

func (h *fakeHost) GuestError(_ int, err error) {
	h.guestErrors = append(h.guestErrors, err)
}

func (h *fakeHost) Fail(err error) {
	h.broken = true
	h.failures = append(h.failures, err)
}

func (h *fakeHost) SignalInBand(_ int, sync bool) (bool, error) {
	if !h.inBand {
		return false, nil
	}
	h.inBandCalls++
	h.inBandSync = sync
	return true, nil
}

// testDriver plays the guest side of a queue.
type testDriver struct {
	t        *testing.T
	mem      *memory.Table
	size     int
	availIdx uint16
	next     uint16
}

type testBuffer struct {
	gpa      uint64
	length   uint32
	writable bool
	indirect bool
}

// newGuestMemory maps two adjacent regions of guest RAM.
func newGuestMemory(t *testing.T) *memory.Table {
	tbl := memory.NewTable()
	t.Cleanup(func() { _ = tbl.Reset() })

	_, err := tbl.Add(memory.Region{GuestPhysAddr: 0, Size: regionSize, UserAddr: userBase}, test.Memfd(t, "ram0", regionSize), memory.PolicyReadWrite)
	require.NoError(t, err)
	_, err = tbl.Add(memory.Region{GuestPhysAddr: regionSize, Size: regionSize, UserAddr: userBase + regionSize}, test.Memfd(t, "ram1", regionSize), memory.PolicyReadWrite)
	require.NoError(t, err)
	return tbl
}

func testAddresses() Addresses {
	return Addresses{
		Descriptor: userBase + descGPA,
		Available:  userBase + availGPA,
		Used:       userBase + usedGPA,
	}
}

func newTestQueue(t *testing.T, size int, features virtio.Feature) (*Queue, *fakeHost, *testDriver) {
	host := &fakeHost{mem: newGuestMemory(t), features: features}
	q := New(0, host)
	t.Cleanup(func() { _ = q.Close() })

	require.NoError(t, q.SetSize(size))
	require.NoError(t, q.SetAddresses(testAddresses()))
	q.SetEnabled(true)
	q.Start()

	return q, host, &testDriver{t: t, mem: host.mem, size: size}
}

func (d *testDriver) write(gpa uint64, p []byte) {
	for len(p) > 0 {
		b, err := d.mem.GPA(gpa, uint64(len(p)))
		require.NoError(d.t, err)
		n := copy(b, p)
		p = p[n:]
		gpa += uint64(n)
	}
}

func (d *testDriver) read(gpa uint64, n int) []byte {
	out := make([]byte, 0, n)
	for len(out) < n {
		b, err := d.mem.GPA(gpa, uint64(n-len(out)))
		require.NoError(d.t, err)
		out = append(out, b...)
		gpa += uint64(len(b))
	}
	return out
}

func (d *testDriver) putDescriptor(table uint64, i uint16, desc Descriptor) {
	b := make([]byte, descriptorSize)
	putDescriptor(b, 0, desc)
	d.write(table+uint64(i)*descriptorSize, b)
}

func descriptorFor(b testBuffer) Descriptor {
	desc := Descriptor{Address: b.gpa, Length: b.length}
	if b.writable {
		desc.flags |= descriptorFlagWritable
	}
	if b.indirect {
		desc.flags |= descriptorFlagIndirect
	}
	return desc
}

// chain links bufs into consecutive free descriptors and returns the head.
func (d *testDriver) chain(bufs ...testBuffer) uint16 {
	head := d.next
	for i, b := range bufs {
		desc := descriptorFor(b)
		if i < len(bufs)-1 {
			desc.flags |= descriptorFlagHasNext
			desc.next = d.next + 1
		}
		d.putDescriptor(descGPA, d.next, desc)
		d.next++
	}
	return head
}

// indirectTable writes bufs as a chained indirect table at gpa.
func (d *testDriver) indirectTable(gpa uint64, bufs ...testBuffer) uint32 {
	for i, b := range bufs {
		desc := descriptorFor(b)
		if i < len(bufs)-1 {
			desc.flags |= descriptorFlagHasNext
			desc.next = uint16(i + 1)
		}
		d.putDescriptor(gpa, uint16(i), desc)
	}
	return uint32(len(bufs) * descriptorSize)
}

// offer makes the chains available and publishes the new index.
func (d *testDriver) offer(heads ...uint16) {
	for _, h := range heads {
		slot := int(d.availIdx) % d.size
		d.write(availGPA+4+uint64(2*slot), binary.LittleEndian.AppendUint16(nil, h))
		d.availIdx++
	}
	d.setAvailIndex(d.availIdx)
}

func (d *testDriver) setAvailIndex(idx uint16) {
	d.write(availGPA+2, binary.LittleEndian.AppendUint16(nil, idx))
}

func (d *testDriver) setAvailFlags(f availableRingFlag) {
	d.write(availGPA, binary.LittleEndian.AppendUint16(nil, uint16(f)))
}

func (d *testDriver) setUsedEvent(idx uint16) {
	d.write(availGPA+4+uint64(2*d.size), binary.LittleEndian.AppendUint16(nil, idx))
}

func (d *testDriver) usedIndex() uint16 {
	return binary.LittleEndian.Uint16(d.read(usedGPA+2, 2))
}

func (d *testDriver) usedFlags() usedRingFlag {
	return usedRingFlag(binary.LittleEndian.Uint16(d.read(usedGPA, 2)))
}

func (d *testDriver) usedElement(slot int) UsedElement {
	b := d.read(usedGPA+4+uint64(usedElementSize*slot), usedElementSize)
	return UsedElement{
		DescriptorIndex: binary.LittleEndian.Uint32(b[0:4]),
		Length:          binary.LittleEndian.Uint32(b[4:8]),
	}
}

func (d *testDriver) availEvent() uint16 {
	return binary.LittleEndian.Uint16(d.read(usedGPA+4+uint64(usedElementSize*d.size), 2))
}
