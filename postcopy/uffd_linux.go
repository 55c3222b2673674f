package postcopy

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// userfaultfd ioctl numbers from linux/userfaultfd.h.
const (
	// UFFDIO_API: _IOWR(0xAA, 0x3F, struct uffdio_api) where sizeof = 24.
	_UFFDIO_API = 0xc018aa3f
	// UFFDIO_REGISTER: _IOWR(0xAA, 0x00, struct uffdio_register) where sizeof = 32.
	_UFFDIO_REGISTER = 0xc020aa00

	_UFFD_API                     = 0xaa
	_UFFDIO_REGISTER_MODE_MISSING = 1

	// _UFFDIO_COPY is the bit for UFFDIO_COPY in uffdio_register.ioctls.
	_UFFDIO_COPY = 1 << 0x03
)

// uffdioAPI matches struct uffdio_api (24 bytes).
type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

var _ [24]byte = [unsafe.Sizeof(uffdioAPI{})]byte{}

// uffdioRegister matches struct uffdio_register (32 bytes).
type uffdioRegister struct {
	start  uint64 // uffdio_range.start
	len    uint64 // uffdio_range.len
	mode   uint64
	ioctls uint64 // output: ioctls allowed on the range
}

var _ [32]byte = [unsafe.Sizeof(uffdioRegister{})]byte{}

func openUffd() (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return -1, fmt.Errorf("userfaultfd: %w", errno)
	}
	return int(fd), nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// handshake negotiates the userfaultfd API version.
func handshake(fd int) error {
	api := uffdioAPI{api: _UFFD_API}
	if err := ioctl(fd, _UFFDIO_API, unsafe.Pointer(&api)); err != nil {
		return fmt.Errorf("UFFDIO_API: %w", err)
	}
	return nil
}

// register arms missing-page faults on mem and returns the ioctls the kernel
// allows on it.
func register(fd int, mem []byte) (uint64, error) {
	reg := uffdioRegister{
		start: uint64(uintptr(unsafe.Pointer(unsafe.SliceData(mem)))),
		len:   uint64(len(mem)),
		mode:  _UFFDIO_REGISTER_MODE_MISSING,
	}
	if err := ioctl(fd, _UFFDIO_REGISTER, unsafe.Pointer(&reg)); err != nil {
		return 0, fmt.Errorf("UFFDIO_REGISTER: %w", err)
	}
	return reg.ioctls, nil
}
