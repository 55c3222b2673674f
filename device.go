package vhostuser

import (
	"errors"
	"fmt"
	"io"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vhostuser/eventfd"
	"github.com/slackhq/vhostuser/inflight"
	"github.com/slackhq/vhostuser/memory"
	"github.com/slackhq/vhostuser/postcopy"
	"github.com/slackhq/vhostuser/protocol"
	"github.com/slackhq/vhostuser/util/virtio"
	"github.com/slackhq/vhostuser/virtqueue"
)

var ErrQueueIndex = errors.New("queue index out of range")

// Watcher is the event loop kick doorbells are registered with.
// [eventfd.Poller] implements it.
type Watcher interface {
	SetWatch(fd int, cb eventfd.Callback) error
	RemoveWatch(fd int) error
}

// Device is the back-end side of one vhost-user connection. Call Dispatch
// whenever the control socket is readable. Apart from the slave channel a
// Device must only be used from the goroutine running its event loop.
type Device struct {
	l       *logrus.Logger
	conn    *protocol.Conn
	backend Backend
	watcher Watcher
	opts    optionValues

	features         virtio.Feature
	protocolFeatures protocol.Feature
	broken           bool

	mem     *memory.Table
	log     *memory.DirtyLog
	logCall eventfd.EventFD

	queues   []*virtqueue.Queue
	handlers []QueueHandler

	postcopy *postcopy.Controller
	inflight *inflight.Area
	slave    *SlaveChannel

	metrics        *MessageMetrics
	guestErrors    metrics.Counter
	protocolErrors metrics.Counter
	regions        metrics.Gauge
}

// NewDevice serves a connected control socket. The device owns fd from here
// on, including when an error is returned.
func NewDevice(l *logrus.Logger, fd int, backend Backend, w Watcher, options ...Option) (*Device, error) {
	conn := protocol.NewConn(fd)

	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if backend == nil || w == nil {
		_ = conn.Close()
		return nil, errors.New("backend and watcher are required")
	}

	d := &Device{
		l:        l,
		conn:     conn,
		backend:  backend,
		watcher:  w,
		opts:     opts,
		mem:      memory.NewTable(),
		queues:   make([]*virtqueue.Queue, opts.queues),
		handlers: make([]QueueHandler, opts.queues),
		postcopy: postcopy.NewController(l),

		metrics:        newMessageMetrics(),
		guestErrors:    metrics.GetOrRegisterCounter("errors.guest", nil),
		protocolErrors: metrics.GetOrRegisterCounter("errors.protocol", nil),
		regions:        metrics.GetOrRegisterGauge("memory.regions", nil),
	}
	for i := range d.queues {
		d.queues[i] = virtqueue.New(i, d)
	}
	return d, nil
}

// FD returns the control socket.
func (d *Device) FD() int {
	return d.conn.FD()
}

// Dispatch reads and handles one message from the control socket. It returns
// false once the device is broken, the caller should then close it.
func (d *Device) Dispatch() bool {
	if d.broken {
		return false
	}

	m, err := d.conn.ReadMessage()
	if errors.Is(err, io.EOF) {
		d.l.Info("Front-end closed the connection")
		d.broken = true
		return false
	}
	if err != nil {
		d.Fail(fmt.Errorf("read message: %w", err))
		return false
	}

	d.handleMessage(m)
	return !d.broken
}

func (d *Device) handleMessage(m *protocol.Message) {
	// Handlers take the descriptors they keep, the rest are released here.
	defer func() {
		if err := m.FDs.Close(); err != nil {
			d.l.WithError(err).Warn("Failed to close passed file descriptors")
		}
	}()

	d.metrics.Rx(uint32(m.Request), 1)
	if d.l.Level >= logrus.DebugLevel {
		d.l.WithField("header", m.H.String()).WithField("fds", m.FDs.Len()).Debug("Received message")
	}

	needReply := m.NeedsReply()
	reply, err := d.process(m)
	if err != nil {
		d.protocolErrors.Inc(1)
		if reply == nil && needReply {
			reply = protocol.NewU64Reply(m.Request, 1)
		}
		if reply != nil {
			if sendErr := d.send(reply); sendErr != nil {
				d.l.WithError(sendErr).WithField("request", m.Request).Warn("Failed to send failure reply")
			}
		}
		d.Fail(fmt.Errorf("%s: %w", m.Request, err))
		return
	}

	if reply == nil && needReply {
		reply = protocol.NewU64Reply(m.Request, 0)
	}
	if reply == nil {
		return
	}
	if err := d.send(reply); err != nil {
		d.Fail(fmt.Errorf("reply to %s: %w", m.Request, err))
	}
}

func (d *Device) process(m *protocol.Message) (*protocol.Message, error) {
	if p, ok := d.backend.(Preprocessor); ok {
		reply, handled, err := p.Preprocess(d, m)
		if handled || err != nil {
			return reply, err
		}
	}

	h := d.handler(m.Request)
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, m.Request)
	}
	return h(m)
}

func (d *Device) send(m *protocol.Message) error {
	if err := d.conn.WriteMessage(m); err != nil {
		return err
	}
	d.metrics.Tx(uint32(m.Request), 1)
	return nil
}

// Features returns the negotiated virtio features.
func (d *Device) Features() virtio.Feature {
	return d.features
}

func (d *Device) HasFeature(f virtio.Feature) bool {
	return d.features.Has(f)
}

// ProtocolFeatures returns the negotiated vhost-user protocol features.
func (d *Device) ProtocolFeatures() protocol.Feature {
	return d.protocolFeatures
}

func (d *Device) Broken() bool {
	return d.broken
}

func (d *Device) Memory() *memory.Table {
	return d.mem
}

func (d *Device) NumQueues() int {
	return len(d.queues)
}

// Queue returns the i-th queue.
func (d *Device) Queue(i int) (*virtqueue.Queue, error) {
	if i < 0 || i >= len(d.queues) {
		return nil, fmt.Errorf("%w: %d", ErrQueueIndex, i)
	}
	return d.queues[i], nil
}

// SetQueueHandler installs the consumer of queue i. The handler runs from
// the event loop whenever the queue is kicked. A nil handler stops watching
// the kick doorbell.
func (d *Device) SetQueueHandler(i int, h QueueHandler) error {
	q, err := d.Queue(i)
	if err != nil {
		return err
	}
	d.handlers[i] = h
	if h == nil {
		d.unwatch(q)
		return nil
	}
	return d.watch(q)
}

// Slave returns the back-channel, or nil before SET_SLAVE_REQ_FD.
func (d *Device) Slave() *SlaveChannel {
	return d.slave
}

func (d *Device) watch(q *virtqueue.Queue) error {
	fd := q.KickFD()
	if fd < 0 || d.handlers[q.Index()] == nil {
		return nil
	}
	if err := d.watcher.SetWatch(fd, d.kickCallback(q)); err != nil {
		return fmt.Errorf("watch kick of queue %d: %w", q.Index(), err)
	}
	return nil
}

func (d *Device) unwatch(q *virtqueue.Queue) {
	fd := q.KickFD()
	if fd < 0 {
		return
	}
	if err := d.watcher.RemoveWatch(fd); err != nil {
		d.l.WithError(err).WithField("queue", q.Index()).Warn("Failed to remove kick watch")
	}
}

func (d *Device) kickCallback(q *virtqueue.Queue) eventfd.Callback {
	kicks := metrics.GetOrRegisterCounter("queue.kicks", nil)
	return func(fd int) {
		if _, err := q.DrainKick(); err != nil {
			d.unwatch(q)
			d.Fail(fmt.Errorf("drain kick of queue %d: %w", q.Index(), err))
			return
		}
		kicks.Inc(1)
		if h := d.handlers[q.Index()]; h != nil {
			h(d, q)
		}
	}
}

func (d *Device) setQueueStarted(q *virtqueue.Queue, started bool) {
	if s, ok := d.backend.(QueueStarter); ok {
		s.QueueStarted(d, q, started)
	}
}

// LogDirty marks guest memory written by the device in the dirty log and
// tells the front-end about it.
func (d *Device) LogDirty(gpa, length uint64) {
	if !d.HasFeature(virtio.FeatureLogAll) || d.log == nil || length == 0 {
		return
	}
	if !d.log.Mark(gpa, length) {
		d.l.WithField("gpa", gpa).WithField("length", length).Warn("Dirty log does not cover written memory")
	}
	if d.logCall.Valid() {
		if err := d.logCall.Kick(); err != nil {
			d.Fail(fmt.Errorf("kick log eventfd: %w", err))
		}
	}
}

// GuestError reports malformed ring content. The device stays usable.
func (d *Device) GuestError(index int, err error) {
	d.guestErrors.Inc(1)
	d.l.WithError(err).WithField("queue", index).Warn("Guest error")
	if d.opts.guestErrorFunc != nil {
		d.opts.guestErrorFunc(d, d.queues[index], err)
	}
}

// Fail marks the device broken and hands err to the panic callback.
func (d *Device) Fail(err error) {
	d.broken = true
	d.l.WithError(err).Error("Device failed")
	d.opts.panicFunc(d, err)
}

func (d *Device) postcopySupported() bool {
	if d.opts.postcopy != nil {
		return *d.opts.postcopy
	}
	return postcopy.Supported()
}

// Close releases every resource of the connection, including the control
// socket.
func (d *Device) Close() error {
	var errs []error
	for _, q := range d.queues {
		d.unwatch(q)
		if err := q.Reset(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.mem.Reset(); err != nil {
		errs = append(errs, err)
	}
	d.regions.Update(0)
	errs = append(errs,
		d.log.Close(),
		d.logCall.Close(),
		d.postcopy.Close(),
		d.closeInflight(),
		d.slave.Close(),
		d.conn.Close(),
	)
	d.log, d.slave = nil, nil
	return errors.Join(errs...)
}

func (d *Device) closeInflight() error {
	if d.inflight == nil {
		return nil
	}
	for _, q := range d.queues {
		q.SetInflight(nil)
	}
	err := d.inflight.Close()
	d.inflight = nil
	return err
}
