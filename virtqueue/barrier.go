package virtqueue

import "sync/atomic"

var fence atomic.Uint32

// barrier orders the surrounding loads and stores on shared ring memory.
// Atomic operations are sequentially consistent in Go, which is at least as
// strong as the read, write and full barriers the ring protocol asks for.
func barrier() {
	fence.Add(1)
}
