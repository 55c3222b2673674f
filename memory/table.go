package memory

import (
	"errors"
	"fmt"
)

const (
	// BaselineSlots is the number of regions a table holds until
	// configurable memory slots are negotiated.
	BaselineSlots = 8
	// MaxSlots is the number of regions a table can ever hold.
	MaxSlots = 32
)

var (
	ErrNotFound      = errors.New("address is not covered by any memory region")
	ErrTableFull     = errors.New("memory table is full")
	ErrRegionOverlap = errors.New("memory region overlaps an existing region")
	ErrShortMapping  = errors.New("mapping is not contiguous in local memory")
)

// Table is the set of guest memory regions of one connection. Regions are
// kept in the order they were added; removing a region shifts the ones after
// it down.
type Table struct {
	slots    [MaxSlots]Region
	n        int
	capacity int
}

func NewTable() *Table {
	return &Table{capacity: BaselineSlots}
}

// Len returns the number of live regions.
func (t *Table) Len() int {
	return t.n
}

func (t *Table) Capacity() int {
	return t.capacity
}

// SetCapacity changes the number of regions the table accepts.
func (t *Table) SetCapacity(n int) error {
	if n < 1 || n > MaxSlots {
		return fmt.Errorf("memory table capacity %d out of range 1..%d", n, MaxSlots)
	}
	if n < t.n {
		return fmt.Errorf("memory table capacity %d below %d live regions", n, t.n)
	}
	t.capacity = n
	return nil
}

// At returns the i-th live region.
func (t *Table) At(i int) (*Region, bool) {
	if i < 0 || i >= t.n {
		return nil, false
	}
	return &t.slots[i], true
}

// Regions returns the live regions. The slice aliases the table and is only
// valid until the next modification.
func (t *Table) Regions() []Region {
	return t.slots[:t.n]
}

// Add maps a new region from fd. The descriptor is not consumed, the caller
// closes it once Add returns.
func (t *Table) Add(r Region, fd int, p Policy) (*Region, error) {
	if t.n >= t.capacity {
		return nil, fmt.Errorf("%w: %d regions", ErrTableFull, t.n)
	}
	if r.Size == 0 {
		return nil, fmt.Errorf("memory region at gpa %#x has zero size", r.GuestPhysAddr)
	}
	for i := range t.slots[:t.n] {
		if t.slots[i].overlaps(&r) {
			return nil, fmt.Errorf("%w: gpa %#x size %#x", ErrRegionOverlap, r.GuestPhysAddr, r.Size)
		}
	}

	r.mmap = nil
	if err := r.mapRegion(fd, p); err != nil {
		return nil, err
	}

	t.slots[t.n] = r
	t.n++
	return &t.slots[t.n-1], nil
}

// Remove unmaps the region matching the given guest physical address, size
// and front-end address.
func (t *Table) Remove(gpa, size, userAddr uint64) error {
	for i := range t.slots[:t.n] {
		r := &t.slots[i]
		if r.GuestPhysAddr != gpa || r.Size != size || r.UserAddr != userAddr {
			continue
		}

		err := r.unmap()
		copy(t.slots[i:t.n], t.slots[i+1:t.n])
		t.n--
		t.slots[t.n] = Region{}
		if err != nil {
			return fmt.Errorf("munmap region at gpa %#x: %w", gpa, err)
		}
		return nil
	}
	return fmt.Errorf("%w: no region at gpa %#x size %#x", ErrNotFound, gpa, size)
}

// Reset unmaps every region.
func (t *Table) Reset() error {
	var errs []error
	for i := range t.slots[:t.n] {
		if err := t.slots[i].unmap(); err != nil {
			errs = append(errs, err)
		}
		t.slots[i] = Region{}
	}
	t.n = 0
	return errors.Join(errs...)
}

// GPA translates a guest physical address. The returned view is clamped to
// the end of the covering region, so it can be shorter than length.
func (t *Table) GPA(addr, length uint64) ([]byte, error) {
	for i := range t.slots[:t.n] {
		r := &t.slots[i]
		if r.containsGPA(addr) {
			return r.view(addr-r.GuestPhysAddr, length), nil
		}
	}
	return nil, fmt.Errorf("%w: gpa %#x", ErrNotFound, addr)
}

// QVA translates an address in the front-end's address space. The returned
// view is clamped like GPA.
func (t *Table) QVA(addr, length uint64) ([]byte, error) {
	for i := range t.slots[:t.n] {
		r := &t.slots[i]
		if r.containsQVA(addr) {
			return r.view(addr-r.UserAddr, length), nil
		}
	}
	return nil, fmt.Errorf("%w: qva %#x", ErrNotFound, addr)
}

// MapRing translates a front-end address that must be backed by length
// contiguous bytes.
func (t *Table) MapRing(addr, length uint64) ([]byte, error) {
	b, err := t.QVA(addr, length)
	if err != nil {
		return nil, err
	}
	if uint64(len(b)) < length {
		return nil, fmt.Errorf("%w: qva %#x needs %d bytes, region has %d", ErrShortMapping, addr, length, len(b))
	}
	return b, nil
}
