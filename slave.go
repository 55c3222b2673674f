package vhostuser

import (
	"errors"
	"fmt"
	"sync"

	"github.com/slackhq/vhostuser/header"
	"github.com/slackhq/vhostuser/protocol"
)

var (
	ErrNoSlaveChannel  = errors.New("slave channel is not set up")
	ErrUnexpectedReply = errors.New("unexpected reply on slave channel")
	ErrSlaveNack       = errors.New("front-end rejected slave request")
)

// SlaveChannel carries back-end initiated messages to the front-end. It is
// safe for concurrent use, a request and its reply form one critical
// section.
type SlaveChannel struct {
	mu      sync.Mutex
	conn    *protocol.Conn
	metrics *MessageMetrics
}

func newSlaveChannel(fd int) *SlaveChannel {
	return &SlaveChannel{
		conn:    protocol.NewConn(fd),
		metrics: newSlaveMetrics(),
	}
}

// Send writes a request. With needReply set it waits for the front-end's
// acknowledgement and fails unless it carries zero. The descriptors stay
// owned by the caller.
func (s *SlaveChannel) Send(r header.SlaveRequest, payload []byte, needReply bool, fds ...int) error {
	if s == nil {
		return ErrNoSlaveChannel
	}

	m := protocol.NewMessage(header.Request(r), payload, fds...)
	if needReply {
		m.Flags |= header.FlagNeedReply
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.WriteMessage(m); err != nil {
		return fmt.Errorf("send %s: %w", r, err)
	}
	s.metrics.Tx(uint32(r), 1)
	if !needReply {
		return nil
	}

	reply, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read %s reply: %w", r, err)
	}
	defer reply.FDs.Close()
	s.metrics.Rx(uint32(reply.Request), 1)

	if reply.Request != header.Request(r) {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedReply, header.SlaveRequest(reply.Request), r)
	}
	v, err := protocol.DecodeU64(reply.Payload)
	if err != nil {
		return fmt.Errorf("decode %s reply: %w", r, err)
	}
	if v != 0 {
		return fmt.Errorf("%w: %s returned %d", ErrSlaveNack, r, v)
	}
	return nil
}

func (s *SlaveChannel) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// SetHostNotifier hands the front-end a memory area the guest can write to
// kick queue q directly. A negative fd removes the area.
func (d *Device) SetHostNotifier(q int, fd int, size, offset uint64) error {
	if _, err := d.Queue(q); err != nil {
		return err
	}
	if !d.protocolFeatures.Has(protocol.FeatureSlaveSendFD | protocol.FeatureHostNotifier) {
		return fmt.Errorf("%w: host notifiers were not negotiated", ErrNoSlaveChannel)
	}

	area := protocol.VringArea{
		U64:    uint64(q) & protocol.VringIndexMask,
		Size:   size,
		Offset: offset,
	}
	var fds []int
	if fd < 0 {
		area.U64 |= protocol.VringNoFDMask
	} else {
		fds = append(fds, fd)
	}
	return d.slave.Send(header.SlaveVringHostNotifier, area.Encode(), true, fds...)
}

// NotifyConfigChange tells the front-end the device config space changed.
func (d *Device) NotifyConfigChange() error {
	needReply := d.protocolFeatures.Has(protocol.FeatureReplyAck)
	return d.slave.Send(header.SlaveConfigChangeMsg, nil, needReply)
}

// SignalInBand sends a vring call over the slave channel. It returns false
// when in-band notifications were not negotiated.
func (d *Device) SignalInBand(index int, sync bool) (bool, error) {
	if !d.protocolFeatures.Has(protocol.FeatureInbandNotifications|protocol.FeatureSlaveReq) || d.slave == nil {
		return false, nil
	}

	needReply := sync && d.protocolFeatures.Has(protocol.FeatureReplyAck)
	state := protocol.VringState{Index: uint32(index)}
	if err := d.slave.Send(header.SlaveVringCall, state.Encode(), needReply); err != nil {
		return false, fmt.Errorf("in-band call of queue %d: %w", index, err)
	}
	return true, nil
}
