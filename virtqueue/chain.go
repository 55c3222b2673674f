package virtqueue

import (
	"errors"
	"fmt"
)

// maxChainSegments bounds the number of buffers one element may have and the
// size of an indirect table that has to be copied.
const maxChainSegments = 1024

var (
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")
	ErrLoopedDescriptor       = errors.New("looped descriptor chain")
	ErrInvalidIndirectTable   = errors.New("invalid indirect descriptor table")
	ErrAvailableIndex         = errors.New("guest moved available index")
	ErrQueueOverrun           = errors.New("virtqueue size exceeded")
)

// walkChain visits every descriptor of the chain starting at head, following
// at most one indirect table. visit returns true to stop early.
func (q *Queue) walkChain(head uint16, visit func(d Descriptor) (bool, error)) error {
	if int(head) >= q.size {
		return fmt.Errorf("%w: head %d out of %d", ErrInvalidDescriptorChain, head, q.size)
	}

	table := q.desc
	limit := q.size
	d := readDescriptor(table, head)
	indirect := false

	if d.indirect() {
		t, err := q.indirectTable(d)
		if err != nil {
			return err
		}
		table = t
		limit = len(t) / descriptorSize
		d = readDescriptor(table, 0)
		indirect = true
	}

	for links := 1; ; links++ {
		if links > limit {
			return fmt.Errorf("%w: more than %d links from head %d", ErrLoopedDescriptor, limit, head)
		}
		if d.indirect() {
			if indirect {
				return fmt.Errorf("%w: nested table in chain %d", ErrInvalidIndirectTable, head)
			}
			return fmt.Errorf("%w: indirect descriptor inside chain %d", ErrInvalidIndirectTable, head)
		}

		stop, err := visit(d)
		if err != nil || stop {
			return err
		}
		if !d.hasNext() {
			return nil
		}

		next := d.next
		barrier()
		if int(next) >= limit {
			return fmt.Errorf("%w: next %d out of %d", ErrInvalidDescriptorChain, next, limit)
		}
		d = readDescriptor(table, next)
	}
}

// indirectTable returns the descriptors of an indirect table, either as a
// direct view into guest memory or, when the table straddles regions, as a
// local copy.
func (q *Queue) indirectTable(d Descriptor) ([]byte, error) {
	if d.Length == 0 || d.Length%descriptorSize != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidIndirectTable, d.Length)
	}

	mem := q.host.Memory()
	b, err := mem.GPA(d.Address, uint64(d.Length))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIndirectTable, err)
	}
	if len(b) == int(d.Length) {
		return b, nil
	}

	if d.Length > maxChainSegments*descriptorSize {
		return nil, fmt.Errorf("%w: length %d too large to copy", ErrInvalidIndirectTable, d.Length)
	}
	table := make([]byte, 0, d.Length)
	addr := d.Address
	for len(table) < int(d.Length) {
		b, err := mem.GPA(addr, uint64(int(d.Length)-len(table)))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidIndirectTable, err)
		}
		table = append(table, b...)
		addr += uint64(len(b))
	}
	return table, nil
}

// mapChain resolves the chain at head into buffers.
func (q *Queue) mapChain(head uint16) (*Element, error) {
	e := &Element{Index: head}
	segments := 0

	err := q.walkChain(head, func(d Descriptor) (bool, error) {
		if d.Length == 0 {
			return false, fmt.Errorf("%w: zero sized buffer in chain %d", ErrInvalidDescriptorChain, head)
		}
		if !d.writable() && len(e.Writable) > 0 {
			return false, fmt.Errorf("%w: readable buffer after writable buffer in chain %d", ErrInvalidDescriptorChain, head)
		}

		addr, left := d.Address, uint64(d.Length)
		for left > 0 {
			if segments == maxChainSegments {
				return false, fmt.Errorf("%w: too many buffers in chain %d", ErrInvalidDescriptorChain, head)
			}
			b, err := q.host.Memory().GPA(addr, left)
			if err != nil {
				return false, fmt.Errorf("%w: invalid buffer address: %w", ErrInvalidDescriptorChain, err)
			}
			if d.writable() {
				e.Writable = append(e.Writable, b)
				e.writableGPA = append(e.writableGPA, addr)
			} else {
				e.Readable = append(e.Readable, b)
			}
			segments++
			addr += uint64(len(b))
			left -= uint64(len(b))
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}
