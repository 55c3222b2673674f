package virtqueue

// Element is a descriptor chain popped from the available ring. Its buffers
// are views into guest memory and stay valid until the memory table changes.
type Element struct {
	// Index is the head of the chain in the descriptor table.
	Index uint16
	// Readable holds the device-readable buffers in chain order.
	Readable [][]byte
	// Writable holds the device-writable buffers in chain order.
	Writable [][]byte

	// writableGPA is the guest physical address of each Writable buffer.
	writableGPA []uint64
}

// ReadableLen returns the total number of device-readable bytes.
func (e *Element) ReadableLen() int {
	return iovLen(e.Readable)
}

// WritableLen returns the total number of device-writable bytes.
func (e *Element) WritableLen() int {
	return iovLen(e.Writable)
}

// ReadAt copies device-readable bytes starting at off into p.
func (e *Element) ReadAt(p []byte, off int) int {
	return iovCopy(p, e.Readable, off, false)
}

// WriteAt copies p into the device-writable buffers starting at off.
func (e *Element) WriteAt(p []byte, off int) int {
	return iovCopy(p, e.Writable, off, true)
}

func iovLen(iov [][]byte) int {
	n := 0
	for _, b := range iov {
		n += len(b)
	}
	return n
}

func iovCopy(p []byte, iov [][]byte, off int, toIOV bool) int {
	done := 0
	for _, b := range iov {
		if len(p) == done {
			break
		}
		if off >= len(b) {
			off -= len(b)
			continue
		}
		b = b[off:]
		off = 0
		var n int
		if toIOV {
			n = copy(b, p[done:])
		} else {
			n = copy(p[done:], b)
		}
		done += n
	}
	return done
}
