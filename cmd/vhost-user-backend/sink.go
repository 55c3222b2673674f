package main

import (
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vhostuser"
	"github.com/slackhq/vhostuser/util/virtio"
	"github.com/slackhq/vhostuser/virtqueue"
)

// sink is a device that consumes every chain it is offered and writes
// nothing back. It exists to exercise the engine end to end.
type sink struct {
	l *logrus.Logger
}

func newSink(l *logrus.Logger) *sink {
	return &sink{l: l}
}

func (s *sink) Features() virtio.Feature {
	return 0
}

func (s *sink) QueueStarted(d *vhostuser.Device, q *virtqueue.Queue, started bool) {
	var h vhostuser.QueueHandler
	if started {
		h = s.drain
	}
	if err := d.SetQueueHandler(q.Index(), h); err != nil {
		s.l.WithError(err).WithField("queue", q.Index()).Error("Failed to install queue handler")
	}
}

// Chains are completed as soon as they are popped.
func (s *sink) QueueInOrder(*vhostuser.Device, *virtqueue.Queue) bool {
	return true
}

func (s *sink) drain(d *vhostuser.Device, q *virtqueue.Queue) {
	if !q.Enabled() {
		return
	}

	n := 0
	for {
		e, err := q.Pop()
		if err != nil {
			// Already reported by the device.
			break
		}
		if e == nil {
			break
		}
		q.Push(e, 0)
		n++
	}
	if n == 0 {
		return
	}

	if err := q.Notify(); err != nil {
		s.l.WithError(err).WithField("queue", q.Index()).Warn("Failed to notify front-end")
	}
	if s.l.Level >= logrus.DebugLevel {
		s.l.WithField("queue", q.Index()).WithField("chains", n).Debug("Drained queue")
	}
}
