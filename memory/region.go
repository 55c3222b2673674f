package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Policy selects how a region is mapped.
type Policy int

const (
	// PolicyReadWrite maps a region with read and write access right away.
	PolicyReadWrite Policy = iota
	// PolicyPostcopy maps a region without any access. Access is granted
	// once the region has been registered for deferred fault-in.
	PolicyPostcopy
)

func (p Policy) prot() int {
	if p == PolicyPostcopy {
		return unix.PROT_NONE
	}
	return unix.PROT_READ | unix.PROT_WRITE
}

// Region is a range of guest RAM mapped into this process.
type Region struct {
	// GuestPhysAddr is the guest physical address of the first byte.
	GuestPhysAddr uint64
	// Size is the number of bytes the region spans.
	Size uint64
	// UserAddr is the address of the region in the front-end's address
	// space. Ring addresses are given in this space.
	UserAddr uint64
	// MmapOffset is the offset of the region within the passed file.
	MmapOffset uint64

	mmap []byte
	prot int
}

func (r *Region) mapRegion(fd int, p Policy) error {
	mem, err := unix.Mmap(fd, 0, int(r.Size+r.MmapOffset), p.prot(), unix.MAP_SHARED|unix.MAP_NORESERVE)
	if err != nil {
		return fmt.Errorf("mmap region at gpa %#x: %w", r.GuestPhysAddr, err)
	}
	r.mmap = mem
	r.prot = p.prot()
	return nil
}

func (r *Region) unmap() error {
	if r.mmap == nil {
		return nil
	}
	err := unix.Munmap(r.mmap)
	r.mmap = nil
	r.prot = unix.PROT_NONE
	return err
}

// Bytes returns the guest memory of the region.
func (r *Region) Bytes() []byte {
	return r.mmap[r.MmapOffset : r.MmapOffset+r.Size]
}

// Mapping returns the whole mapping including the leading file offset.
func (r *Region) Mapping() []byte {
	return r.mmap
}

// HostAddr returns the local address of the first guest byte of the region.
func (r *Region) HostAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(r.mmap)))) + r.MmapOffset
}

// Protect changes the access protection of the whole mapping.
func (r *Region) Protect(prot int) error {
	if err := unix.Mprotect(r.mmap, prot); err != nil {
		return fmt.Errorf("mprotect region at gpa %#x: %w", r.GuestPhysAddr, err)
	}
	r.prot = prot
	return nil
}

// Prot returns the current access protection of the mapping.
func (r *Region) Prot() int {
	return r.prot
}

func (r *Region) containsGPA(addr uint64) bool {
	return addr >= r.GuestPhysAddr && addr-r.GuestPhysAddr < r.Size
}

func (r *Region) containsQVA(addr uint64) bool {
	return addr >= r.UserAddr && addr-r.UserAddr < r.Size
}

func (r *Region) overlaps(o *Region) bool {
	return r.GuestPhysAddr < o.GuestPhysAddr+o.Size && o.GuestPhysAddr < r.GuestPhysAddr+r.Size
}

// view returns at most length bytes starting off bytes into the region. The
// view's capacity ends with it.
func (r *Region) view(off, length uint64) []byte {
	b := r.Bytes()[off:]
	if uint64(len(b)) > length {
		b = b[:length]
	}
	return b[:len(b):len(b)]
}
