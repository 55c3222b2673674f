package test

import (
	"testing"

	"golang.org/x/sys/unix"
)

// Memfd creates an anonymous memory file of the given size to stand in for
// guest RAM or a shared tracking region. It is closed when the test ends.
func Memfd(t testing.TB, name string, size int) int {
	t.Helper()

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	t.Cleanup(func() { _ = unix.Close(fd) })

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		t.Fatalf("ftruncate memfd: %v", err)
	}
	return fd
}
