package memory

import (
	"testing"

	"github.com/slackhq/vhostuser/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const mib = 1 << 20

func newTwoRegionTable(t *testing.T) *Table {
	tbl := NewTable()
	t.Cleanup(func() { assert.NoError(t, tbl.Reset()) })

	_, err := tbl.Add(Region{GuestPhysAddr: 0, Size: mib, UserAddr: 0x7f0000000000}, test.Memfd(t, "ram0", mib), PolicyReadWrite)
	require.NoError(t, err)
	_, err = tbl.Add(Region{GuestPhysAddr: 4 * mib, Size: mib, UserAddr: 0x7f0000400000, MmapOffset: 4096}, test.Memfd(t, "ram1", mib+4096), PolicyReadWrite)
	require.NoError(t, err)
	return tbl
}

func TestTable_TranslationsAgree(t *testing.T) {
	tbl := newTwoRegionTable(t)

	tests := []struct {
		name string
		gpa  uint64
		qva  uint64
	}{
		{name: "first byte of region 0", gpa: 0, qva: 0x7f0000000000},
		{name: "middle of region 0", gpa: 0x1234, qva: 0x7f0000001234},
		{name: "last byte of region 1", gpa: 5*mib - 1, qva: 0x7f00004fffff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := tbl.GPA(tt.gpa, 16)
			require.NoError(t, err)
			b, err := tbl.QVA(tt.qva, 16)
			require.NoError(t, err)
			require.NotEmpty(t, a)
			assert.Equal(t, &a[0], &b[0])
			assert.Equal(t, len(a), len(b))
		})
	}
}

func TestTable_ClampsAtRegionEnd(t *testing.T) {
	tbl := newTwoRegionTable(t)

	b, err := tbl.GPA(mib-10, 100)
	require.NoError(t, err)
	assert.Len(t, b, 10)

	_, err = tbl.MapRing(0x7f0000000000+mib-10, 100)
	assert.ErrorIs(t, err, ErrShortMapping)

	b, err = tbl.MapRing(0x7f0000000000, 100)
	require.NoError(t, err)
	assert.Len(t, b, 100)
}

func TestTable_NotFound(t *testing.T) {
	tbl := newTwoRegionTable(t)

	_, err := tbl.GPA(mib, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tbl.GPA(3*mib, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tbl.QVA(0x7f0000100000, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tbl.GPA(5*mib, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTable_SharedMapping(t *testing.T) {
	tbl := newTwoRegionTable(t)

	// The second region starts 4096 bytes into its file.
	b, err := tbl.GPA(4*mib, 4)
	require.NoError(t, err)
	copy(b, []byte{1, 2, 3, 4})

	r, ok := tbl.At(1)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, r.Mapping()[4096:4100])
	assert.Equal(t, r.HostAddr()-4096, uint64(uintptrOf(r.Mapping())))
}

func TestTable_RemovePreservesOrder(t *testing.T) {
	tbl := NewTable()
	t.Cleanup(func() { assert.NoError(t, tbl.Reset()) })

	for i := range uint64(4) {
		_, err := tbl.Add(Region{GuestPhysAddr: i * mib, Size: mib, UserAddr: 0x10000000 + i*mib}, test.Memfd(t, "ram", mib), PolicyReadWrite)
		require.NoError(t, err)
	}

	require.NoError(t, tbl.Remove(mib, mib, 0x10000000+mib))
	assert.Equal(t, 3, tbl.Len())

	var gpas []uint64
	for _, r := range tbl.Regions() {
		gpas = append(gpas, r.GuestPhysAddr)
	}
	assert.Equal(t, []uint64{0, 2 * mib, 3 * mib}, gpas)

	_, err := tbl.GPA(mib, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	err = tbl.Remove(mib, mib, 0x10000000+mib)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTable_Capacity(t *testing.T) {
	tbl := NewTable()
	t.Cleanup(func() { assert.NoError(t, tbl.Reset()) })
	assert.Equal(t, BaselineSlots, tbl.Capacity())

	fd := test.Memfd(t, "ram", 4096)
	for i := range uint64(BaselineSlots) {
		_, err := tbl.Add(Region{GuestPhysAddr: i * 4096, Size: 4096, UserAddr: i * 4096}, fd, PolicyReadWrite)
		require.NoError(t, err)
	}
	_, err := tbl.Add(Region{GuestPhysAddr: mib, Size: 4096, UserAddr: mib}, fd, PolicyReadWrite)
	assert.ErrorIs(t, err, ErrTableFull)

	assert.Error(t, tbl.SetCapacity(BaselineSlots-1))
	assert.Error(t, tbl.SetCapacity(MaxSlots+1))
	require.NoError(t, tbl.SetCapacity(MaxSlots))
	_, err = tbl.Add(Region{GuestPhysAddr: mib, Size: 4096, UserAddr: mib}, fd, PolicyReadWrite)
	assert.NoError(t, err)
}

func TestTable_RejectsOverlap(t *testing.T) {
	tbl := NewTable()
	t.Cleanup(func() { assert.NoError(t, tbl.Reset()) })
	fd := test.Memfd(t, "ram", 2*mib)

	_, err := tbl.Add(Region{GuestPhysAddr: mib, Size: mib}, fd, PolicyReadWrite)
	require.NoError(t, err)
	_, err = tbl.Add(Region{GuestPhysAddr: mib + 4096, Size: mib}, fd, PolicyReadWrite)
	assert.ErrorIs(t, err, ErrRegionOverlap)
	_, err = tbl.Add(Region{GuestPhysAddr: 0, Size: mib + 1}, fd, PolicyReadWrite)
	assert.ErrorIs(t, err, ErrRegionOverlap)
	_, err = tbl.Add(Region{GuestPhysAddr: 0, Size: mib}, fd, PolicyReadWrite)
	assert.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
}

func TestTable_PostcopyPolicy(t *testing.T) {
	tbl := NewTable()
	t.Cleanup(func() { assert.NoError(t, tbl.Reset()) })

	r, err := tbl.Add(Region{GuestPhysAddr: 0, Size: mib}, test.Memfd(t, "ram", mib), PolicyPostcopy)
	require.NoError(t, err)

	// Translation works on a mapping without access, only touching it would
	// fault.
	b, err := tbl.GPA(0, 8)
	require.NoError(t, err)
	assert.Len(t, b, 8)
	assert.Equal(t, unix.PROT_NONE, r.Prot())

	require.NoError(t, r.Protect(PolicyReadWrite.prot()))
	assert.Equal(t, unix.PROT_READ|unix.PROT_WRITE, r.Prot())
	b[0] = 1
	assert.Equal(t, byte(1), r.Bytes()[0])
}
