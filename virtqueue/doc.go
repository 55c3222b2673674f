// Package virtqueue implements the device side of a virtio split virtqueue
// whose rings live in guest memory shared by a vhost-user front-end.
//
// The descriptor table, available ring and used ring are accessed through
// bounds-checked views of the mapped memory regions. All ring indexes are
// 16-bit and wrap, the queue size is a power of two so slot arithmetic
// stays correct across the wrap.
package virtqueue
