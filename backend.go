package vhostuser

import (
	"github.com/slackhq/vhostuser/protocol"
	"github.com/slackhq/vhostuser/util/virtio"
	"github.com/slackhq/vhostuser/virtqueue"
)

// Backend is a concrete virtio device served over vhost-user. Only Features
// is required, the optional hooks below are detected with type assertions.
type Backend interface {
	// Features returns the device specific virtio feature bits. They are
	// offered on top of the ring features the engine supports.
	Features() virtio.Feature
}

// ProtocolFeaturer adds device specific vhost-user protocol features to the
// ones the engine offers.
type ProtocolFeaturer interface {
	ProtocolFeatures() protocol.Feature
}

// FeatureSetter is told about negotiated features.
type FeatureSetter interface {
	SetFeatures(d *Device, features virtio.Feature)
	SetProtocolFeatures(d *Device, features protocol.Feature)
}

// Preprocessor sees every message before the built-in handler. When handled
// is true the built-in handler is skipped and reply, if not nil, is sent.
type Preprocessor interface {
	Preprocess(d *Device, m *protocol.Message) (reply *protocol.Message, handled bool, err error)
}

// QueueStarter is told when a queue starts or stops.
type QueueStarter interface {
	QueueStarted(d *Device, q *virtqueue.Queue, started bool)
}

// QueueInOrderer reports whether a queue completes chains in the order they
// were popped. Such queues can resume from the used index after a
// reconnect.
type QueueInOrderer interface {
	QueueInOrder(d *Device, q *virtqueue.Queue) bool
}

// Configurer exposes the device config space through GET_CONFIG and
// SET_CONFIG.
type Configurer interface {
	// GetConfig fills b with len(b) bytes of config space.
	GetConfig(d *Device, b []byte) error
	SetConfig(d *Device, data []byte, offset, flags uint32) error
}

// QueueHandler consumes buffers from a queue. It runs whenever the queue's
// kick doorbell fires.
type QueueHandler func(d *Device, q *virtqueue.Queue)

// PanicFunc receives every error that breaks a device.
type PanicFunc func(d *Device, err error)

// GuestErrorFunc receives malformed ring content reports. The device stays
// usable.
type GuestErrorFunc func(d *Device, q *virtqueue.Queue, err error)
