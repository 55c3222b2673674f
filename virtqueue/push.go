package virtqueue

import (
	"fmt"

	"github.com/slackhq/vhostuser/util/virtio"
)

// Fill writes e into the used ring at offset positions past the used index
// without publishing it. length is the number of bytes written to the
// chain's device-writable buffers.
func (q *Queue) Fill(e *Element, length uint32, offset int) {
	if !q.usable() {
		return
	}
	q.logWritten(e, length)

	slot := (int(q.usedIdx) + offset) % q.size
	q.used.put(slot, UsedElement{DescriptorIndex: uint32(e.Index), Length: length})
	q.logUsed(q.used.elementOffset(slot), usedElementSize)
}

// Flush publishes count filled elements to the driver.
func (q *Queue) Flush(count int) {
	if !q.usable() {
		return
	}

	// Elements must be visible before the index moves.
	barrier()

	old := q.usedIdx
	next := old + uint16(count)
	q.used.setIndex(next)
	q.logUsed(2, 2)
	q.usedIdx = next
	q.inuse -= count

	if int(int16(next-q.signalledUsed)) < int(next-old) {
		q.signalledUsedValid = false
	}
}

// Push returns a single chain to the driver.
func (q *Queue) Push(e *Element, length uint32) {
	q.Fill(e, length, 0)
	q.inflightPrePut(e.Index)
	q.Flush(1)
	q.inflightPostPut(e.Index)
}

// needEvent reports whether moving the used index from old to next crossed
// the driver's requested event index.
func needEvent(event, next, old uint16) bool {
	return next-event-1 < next-old
}

// shouldNotify decides whether the driver wants to be told about the used
// elements published so far.
func (q *Queue) shouldNotify() bool {
	// Used elements must be visible before the event index is read.
	barrier()

	if q.host.HasFeature(virtio.FeatureNotifyOnEmpty) && q.inuse == 0 && q.Empty() {
		return true
	}

	if !q.host.HasFeature(virtio.FeatureEventIndex) {
		return q.avail.flags()&availableRingFlagNoInterrupt == 0
	}

	valid := q.signalledUsedValid
	q.signalledUsedValid = true
	old := q.signalledUsed
	q.signalledUsed = q.usedIdx
	return !valid || needEvent(q.avail.usedEvent(), q.usedIdx, old)
}

// Notify signals the driver that used buffers are available, unless it asked
// not to be.
func (q *Queue) Notify() error {
	return q.notify(false)
}

// NotifySync is like Notify but waits for the front-end to acknowledge an
// in-band notification.
func (q *Queue) NotifySync() error {
	return q.notify(true)
}

func (q *Queue) notify(sync bool) error {
	if !q.usable() {
		return nil
	}
	if !q.shouldNotify() {
		notificationsSuppressed.Inc(1)
		return nil
	}

	if !q.call.Valid() {
		sent, err := q.host.SignalInBand(q.index, sync)
		if sent {
			notifications.Inc(1)
		}
		return err
	}

	if err := q.call.Kick(); err != nil {
		err = fmt.Errorf("signal call eventfd of queue %d: %w", q.index, err)
		q.host.Fail(err)
		return err
	}
	notifications.Inc(1)
	return nil
}

// SetNotification turns driver kicks on or off. With event index negotiated
// this moves the available event, otherwise it toggles the used ring's
// no-notify flag.
func (q *Queue) SetNotification(enable bool) {
	if !q.usable() {
		return
	}
	q.notification = enable

	switch {
	case q.host.HasFeature(virtio.FeatureEventIndex):
		q.setAvailEvent(q.availIndex())
	case enable:
		q.used.setFlags(q.used.flags() &^ usedRingFlagNoNotify)
		q.logUsed(0, 2)
	default:
		q.used.setFlags(q.used.flags() | usedRingFlagNoNotify)
		q.logUsed(0, 2)
	}

	if enable {
		// Expose the event before the caller rechecks the available index.
		barrier()
	}
}

func (q *Queue) setAvailEvent(idx uint16) {
	if !q.notification {
		return
	}
	q.used.setAvailEvent(idx)
	q.logUsed(q.used.availEventOffset(), 2)
}

// logUsed marks bytes of the used ring dirty.
func (q *Queue) logUsed(off, length int) {
	if q.addresses.Flags&AddressFlagLog == 0 {
		return
	}
	q.host.LogDirty(q.addresses.Log+uint64(off), uint64(length))
}

// logWritten marks the first length bytes of e's writable buffers dirty.
func (q *Queue) logWritten(e *Element, length uint32) {
	left := uint64(length)
	for i, b := range e.Writable {
		if left == 0 {
			return
		}
		n := min(uint64(len(b)), left)
		q.host.LogDirty(e.writableGPA[i], n)
		left -= n
	}
}
