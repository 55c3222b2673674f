package inflight

import (
	"encoding/binary"
	"sort"
)

// Header layout of one queue table:
//
//	features        u64
//	version         u16
//	desc_num        u16
//	last_batch_head u16
//	used_idx        u16
//
// followed by desc_num descriptor slots of 16 bytes:
//
//	inflight u8, padding [5]u8, next u16, counter u64
const (
	offFeatures      = 0
	offVersion       = 8
	offDescNum       = 10
	offLastBatchHead = 12
	offUsedIndex     = 14
)

// Queue is the tracking table of a single virtqueue.
type Queue struct {
	mem   []byte
	slots int
}

func newQueue(mem []byte, slots int) *Queue {
	return &Queue{mem: mem, slots: slots}
}

func (q *Queue) Features() uint64 {
	return binary.LittleEndian.Uint64(q.mem[offFeatures:])
}

func (q *Queue) Version() uint16 {
	return binary.LittleEndian.Uint16(q.mem[offVersion:])
}

func (q *Queue) SetVersion(v uint16) {
	binary.LittleEndian.PutUint16(q.mem[offVersion:], v)
}

// DescNum returns the number of descriptors the front-end sized the table
// for.
func (q *Queue) DescNum() uint16 {
	return binary.LittleEndian.Uint16(q.mem[offDescNum:])
}

func (q *Queue) SetDescNum(n uint16) {
	binary.LittleEndian.PutUint16(q.mem[offDescNum:], n)
}

func (q *Queue) LastBatchHead() uint16 {
	return binary.LittleEndian.Uint16(q.mem[offLastBatchHead:])
}

func (q *Queue) SetLastBatchHead(head uint16) {
	binary.LittleEndian.PutUint16(q.mem[offLastBatchHead:], head)
}

func (q *Queue) UsedIndex() uint16 {
	return binary.LittleEndian.Uint16(q.mem[offUsedIndex:])
}

func (q *Queue) SetUsedIndex(idx uint16) {
	binary.LittleEndian.PutUint16(q.mem[offUsedIndex:], idx)
}

// Slots returns the number of descriptor slots that are tracked.
func (q *Queue) Slots() int {
	n := int(q.DescNum())
	if n == 0 || n > q.slots {
		return q.slots
	}
	return n
}

func (q *Queue) slot(head uint16) []byte {
	off := headerSize + descriptorSize*int(head)
	return q.mem[off : off+descriptorSize]
}

// Inflight reports whether the descriptor head is marked as in flight.
func (q *Queue) Inflight(head uint16) bool {
	if int(head) >= q.slots {
		return false
	}
	return q.slot(head)[0] == 1
}

// Counter returns the order stamp recorded for head.
func (q *Queue) Counter(head uint16) uint64 {
	if int(head) >= q.slots {
		return 0
	}
	return binary.LittleEndian.Uint64(q.slot(head)[8:])
}

// Begin stamps head with counter and marks it in flight.
func (q *Queue) Begin(head uint16, counter uint64) {
	if int(head) >= q.slots {
		return
	}
	s := q.slot(head)
	binary.LittleEndian.PutUint64(s[8:], counter)
	s[0] = 1
}

// End clears the in-flight mark of head.
func (q *Queue) End(head uint16) {
	if int(head) >= q.slots {
		return
	}
	q.slot(head)[0] = 0
}

// Count returns the number of descriptors marked in flight.
func (q *Queue) Count() int {
	n := 0
	for i := range q.Slots() {
		if q.Inflight(uint16(i)) {
			n++
		}
	}
	return n
}

// Entry is a descriptor head that was in flight when the table was read.
type Entry struct {
	Index   uint16
	Counter uint64
}

// Pending returns every in-flight descriptor, oldest first. Counters that
// spread over window or more are treated as having wrapped around, and the
// oldest entry is the one following the largest gap. A zero window uses
// twice the number of slots.
func (q *Queue) Pending(window uint64) []Entry {
	var pending []Entry
	for i := range q.Slots() {
		head := uint16(i)
		if q.Inflight(head) {
			pending = append(pending, Entry{Index: head, Counter: q.Counter(head)})
		}
	}
	if window == 0 {
		window = 2 * uint64(q.slots)
	}
	return SortOldestFirst(pending, window)
}

// SortOldestFirst orders entries by submission age and returns the slice.
func SortOldestFirst(entries []Entry, window uint64) []Entry {
	if len(entries) < 2 {
		return entries
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Counter < entries[j].Counter
	})

	last := len(entries) - 1
	if entries[last].Counter-entries[0].Counter < window {
		return entries
	}

	// Wrapped: the oldest entry follows the largest gap.
	start, widest := 0, uint64(0)
	for i := 1; i < len(entries); i++ {
		if gap := entries[i].Counter - entries[i-1].Counter; gap > widest {
			start, widest = i, gap
		}
	}

	rotated := make([]Entry, 0, len(entries))
	rotated = append(rotated, entries[start:]...)
	rotated = append(rotated, entries[:start]...)
	return rotated
}
