package virtqueue

import (
	"fmt"

	"github.com/slackhq/vhostuser/util/virtio"
)

// availIndex refreshes and returns the cached available index.
func (q *Queue) availIndex() uint16 {
	q.shadowAvailIdx = q.avail.index()
	return q.shadowAvailIdx
}

// numHeads returns how many chains the driver made available after idx.
func (q *Queue) numHeads(idx uint16) (int, error) {
	availIdx := q.availIndex()
	n := int(availIdx - idx)
	if n > q.size {
		return 0, fmt.Errorf("%w from %d to %d", ErrAvailableIndex, idx, availIdx)
	}
	if n > 0 {
		barrier()
	}
	return n, nil
}

func (q *Queue) head(pos uint16) (uint16, error) {
	head := q.avail.head(pos)
	if int(head) >= q.size {
		return 0, fmt.Errorf("%w: guest says index %d is available", ErrInvalidDescriptorChain, head)
	}
	return head, nil
}

// Empty reports whether no unconsumed chains are available. It performs no
// side effects besides refreshing the cached available index.
func (q *Queue) Empty() bool {
	if !q.usable() {
		return true
	}
	if q.shadowAvailIdx != q.lastAvailIdx {
		return false
	}
	return q.availIndex() == q.lastAvailIdx
}

// guestError reports err to the host and returns it.
func (q *Queue) guestError(err error) error {
	q.host.GuestError(q.index, err)
	return err
}

// Pop takes the next available chain. It returns nil without an error when
// nothing is available. Chains left in flight by a previous back-end are
// returned first, oldest first.
func (q *Queue) Pop() (*Element, error) {
	if !q.usable() {
		return nil, nil
	}

	if len(q.resubmit) > 0 {
		r := q.resubmit[0]
		q.resubmit = q.resubmit[1:]
		if len(q.resubmit) == 0 {
			q.resubmit = nil
		}
		e, err := q.mapChain(r.Index)
		if err != nil {
			q.inuse--
			return nil, q.guestError(err)
		}
		return e, nil
	}

	if q.Empty() {
		return nil, nil
	}
	barrier()

	if n := int(q.shadowAvailIdx - q.lastAvailIdx); n > q.size {
		return nil, q.guestError(fmt.Errorf("%w from %d to %d", ErrAvailableIndex, q.lastAvailIdx, q.shadowAvailIdx))
	}

	if q.inuse >= q.size {
		return nil, q.guestError(fmt.Errorf("%w: %d chains in use", ErrQueueOverrun, q.inuse))
	}

	head, err := q.head(q.lastAvailIdx)
	q.lastAvailIdx++
	if err != nil {
		return nil, q.guestError(err)
	}
	if q.host.HasFeature(virtio.FeatureEventIndex) {
		q.setAvailEvent(q.lastAvailIdx)
	}

	e, err := q.mapChain(head)
	if err != nil {
		return nil, q.guestError(err)
	}

	q.inuse++
	q.inflightBegin(head)
	return e, nil
}

// Detach gives up on a popped chain without returning it to either ring. It
// is a no-op when no chain is in use.
func (q *Queue) Detach(e *Element) {
	if q.inuse > 0 {
		q.inuse--
	}
}

// Unpop puts the last popped chain back so the next Pop returns it again.
func (q *Queue) Unpop(e *Element) {
	q.Rewind(1)
}

// Rewind puts the last n popped chains back. It fails when fewer than n
// chains are in use.
func (q *Queue) Rewind(n int) bool {
	if n > q.inuse {
		return false
	}
	q.lastAvailIdx -= uint16(n)
	q.inuse -= n
	return true
}

// AvailBytes sums the device-writable and device-readable bytes of every
// available chain. The walk stops once both maxima are reached. Malformed
// chains are reported and count as nothing.
func (q *Queue) AvailBytes(maxWritable, maxReadable uint64) (writable, readable uint64) {
	if !q.usable() {
		return 0, 0
	}

	idx := q.lastAvailIdx
	for {
		n, err := q.numHeads(idx)
		if err != nil {
			q.guestError(err)
			return 0, 0
		}
		if n == 0 {
			return writable, readable
		}

		head, err := q.head(idx)
		if err != nil {
			q.guestError(err)
			return 0, 0
		}
		idx++

		done := false
		err = q.walkChain(head, func(d Descriptor) (bool, error) {
			if d.writable() {
				writable += uint64(d.Length)
			} else {
				readable += uint64(d.Length)
			}
			done = writable >= maxWritable && readable >= maxReadable
			return done, nil
		})
		if err != nil {
			q.guestError(err)
			return 0, 0
		}
		if done {
			return writable, readable
		}
	}
}

// HasAvailBytes reports whether the available chains hold at least the
// given number of writable and readable bytes.
func (q *Queue) HasAvailBytes(writable, readable uint64) bool {
	w, r := q.AvailBytes(writable, readable)
	return w >= writable && r >= readable
}
