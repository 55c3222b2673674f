package virtqueue

import (
	"fmt"

	"github.com/slackhq/vhostuser/inflight"
)

// SetInflight attaches the shared table that records in-flight chains. A nil
// table detaches it.
func (q *Queue) SetInflight(t *inflight.Queue) {
	q.inflight = t
	q.resubmit = nil
	q.counter = 0
}

func (q *Queue) Inflight() *inflight.Queue {
	return q.inflight
}

func (q *Queue) inflightBegin(head uint16) {
	if q.inflight == nil {
		return
	}
	q.inflight.Begin(head, q.counter)
	q.counter++
}

func (q *Queue) inflightPrePut(head uint16) {
	if q.inflight == nil {
		return
	}
	q.inflight.SetLastBatchHead(head)
}

func (q *Queue) inflightPostPut(head uint16) {
	if q.inflight == nil {
		return
	}
	barrier()
	q.inflight.End(head)
	barrier()
	q.inflight.SetUsedIndex(q.usedIdx)
}

// RestoreInflight rebuilds the queue state from the inflight table after a
// reconnect. Chains still marked in flight are queued for resubmission,
// oldest first, with counters spreading over window treated as wrapped. A
// fresh table is only stamped with the layout version.
func (q *Queue) RestoreInflight(window uint64) error {
	if q.inflight == nil {
		return fmt.Errorf("queue %d: %w", q.index, ErrNoInflight)
	}
	if q.inflight.Version() == 0 {
		q.inflight.SetVersion(inflight.Version)
		return nil
	}
	if !q.mapped {
		return fmt.Errorf("restore inflight of queue %d: %w", q.index, ErrNotMapped)
	}

	q.usedIdx = q.used.index()
	q.resubmit = nil
	q.counter = 0

	// The previous back-end died between publishing the used index and
	// clearing the last head.
	if q.inflight.UsedIndex() != q.usedIdx {
		q.inflight.End(q.inflight.LastBatchHead())
		barrier()
		q.inflight.SetUsedIndex(q.usedIdx)
	}

	if window == 0 {
		window = 2 * uint64(q.size)
	}
	q.resubmit = q.inflight.Pending(window)
	q.inuse = len(q.resubmit)
	q.lastAvailIdx = q.usedIdx + uint16(q.inuse)
	q.shadowAvailIdx = q.lastAvailIdx

	if len(q.resubmit) > 0 {
		resubmitted.Inc(int64(len(q.resubmit)))
		q.counter = q.resubmit[len(q.resubmit)-1].Counter + 1
	} else {
		q.resubmit = nil
	}

	// Kick ourselves in case the driver stopped kicking while we were gone.
	if q.kick.Valid() {
		if err := q.kick.Kick(); err != nil {
			return fmt.Errorf("kick queue %d: %w", q.index, err)
		}
	}
	return nil
}

// Resubmitting returns the number of chains waiting to be resubmitted.
func (q *Queue) Resubmitting() int {
	return len(q.resubmit)
}
