package vhostuser

import (
	"errors"
	"fmt"

	"github.com/slackhq/vhostuser/memory"
	"github.com/slackhq/vhostuser/virtqueue"
)

// MaxQueues is the largest queue count a device can expose. Vring messages
// carry the queue index in 8 bits.
const MaxQueues = 256

type optionValues struct {
	queues         int
	maxMemSlots    int
	queueSizeMax   int
	resubmitWindow uint64
	postcopy       *bool
	panicFunc      PanicFunc
	guestErrorFunc GuestErrorFunc
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.queues < 1 || o.queues > MaxQueues {
		return fmt.Errorf("queue count %d out of range 1..%d", o.queues, MaxQueues)
	}
	if o.maxMemSlots < memory.BaselineSlots || o.maxMemSlots > memory.MaxSlots {
		return fmt.Errorf("max memory slots %d out of range %d..%d", o.maxMemSlots, memory.BaselineSlots, memory.MaxSlots)
	}
	if err := virtqueue.CheckQueueSize(o.queueSizeMax); err != nil {
		return fmt.Errorf("max queue size: %w", err)
	}
	if o.panicFunc == nil {
		return errors.New("panic func is required")
	}
	return nil
}

var optionDefaults = optionValues{
	queues:       2,
	maxMemSlots:  memory.MaxSlots,
	queueSizeMax: 1024,
}

// Option can be passed to [NewDevice] to influence device creation.
type Option func(*optionValues)

// WithQueues sets the number of queues the device exposes. It must be between
// 1 and [MaxQueues]. Defaults to 2.
func WithQueues(n int) Option {
	return func(o *optionValues) { o.queues = n }
}

// WithMaxMemSlots sets the number of memory regions reported through
// GET_MAX_MEM_SLOTS and accepted once configurable memory slots are
// negotiated.
func WithMaxMemSlots(n int) Option {
	return func(o *optionValues) { o.maxMemSlots = n }
}

// WithQueueSizeMax bounds the ring size accepted by SET_VRING_NUM.
func WithQueueSizeMax(n int) Option {
	return func(o *optionValues) { o.queueSizeMax = n }
}

// WithResubmitWindow sets the counter window used to order inflight chains
// after a reconnect. Zero means twice the queue size.
func WithResubmitWindow(w uint64) Option {
	return func(o *optionValues) { o.resubmitWindow = w }
}

// WithPostcopy forces postcopy support on or off. By default it is offered
// when the kernel supports userfaultfd.
func WithPostcopy(enabled bool) Option {
	return func(o *optionValues) { o.postcopy = &enabled }
}

// WithPanicFunc sets the callback receiving every error that breaks the
// device. This is required.
func WithPanicFunc(f PanicFunc) Option {
	return func(o *optionValues) { o.panicFunc = f }
}

// WithGuestErrorFunc sets the callback receiving malformed ring content
// reports.
func WithGuestErrorFunc(f GuestErrorFunc) Option {
	return func(o *optionValues) { o.guestErrorFunc = f }
}
