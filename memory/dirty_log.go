package memory

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// LogPageSize is the amount of guest memory covered by one bit of the dirty
// log.
const LogPageSize = 0x1000

// DirtyLog is the shared bitmap the front-end reads during migration to find
// guest pages written by the backend.
type DirtyLog struct {
	mmap []byte
	off  int
}

// MapDirtyLog maps the log passed with SET_LOG_BASE. The descriptor is not
// consumed.
func MapDirtyLog(fd int, size, offset uint64) (*DirtyLog, error) {
	mem, err := unix.Mmap(fd, 0, int(size+offset), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap dirty log: %w", err)
	}
	return &DirtyLog{mmap: mem, off: int(offset)}, nil
}

// Size returns the number of bitmap bytes.
func (d *DirtyLog) Size() int {
	return len(d.mmap) - d.off
}

// Mark sets the bits of every page touched by [gpa, gpa+length). Pages past
// the end of the bitmap are ignored and reported through the return value.
func (d *DirtyLog) Mark(gpa, length uint64) bool {
	if length == 0 {
		return true
	}
	ok := true
	for page := gpa / LogPageSize; page <= (gpa+length-1)/LogPageSize; page++ {
		if !d.setBit(page) {
			ok = false
		}
	}
	return ok
}

func (d *DirtyLog) setBit(page uint64) bool {
	idx := page / 8
	if idx >= uint64(d.Size()) {
		return false
	}
	pos := d.off + int(idx)
	bit := uint32(1) << (page % 8)

	// Go has no 8-bit atomics, OR into the aligned 32-bit word holding the
	// byte instead. Assumes a little endian host.
	word := pos &^ 3
	if word+4 > len(d.mmap) {
		p := (*uint8)(unsafe.Pointer(&d.mmap[pos]))
		*p |= uint8(bit)
		return true
	}
	shift := uint(pos-word) * 8
	atomic.OrUint32((*uint32)(unsafe.Pointer(&d.mmap[word])), bit<<shift)
	return true
}

// Bytes returns the bitmap.
func (d *DirtyLog) Bytes() []byte {
	return d.mmap[d.off:]
}

func (d *DirtyLog) Close() error {
	if d == nil || d.mmap == nil {
		return nil
	}
	err := unix.Munmap(d.mmap)
	d.mmap = nil
	return err
}
