package vhostuser

import (
	"errors"
	"fmt"

	"github.com/slackhq/vhostuser/eventfd"
	"github.com/slackhq/vhostuser/header"
	"github.com/slackhq/vhostuser/inflight"
	"github.com/slackhq/vhostuser/memory"
	"github.com/slackhq/vhostuser/protocol"
	"github.com/slackhq/vhostuser/util/virtio"
	"github.com/slackhq/vhostuser/virtqueue"
	"golang.org/x/sys/unix"
)

var (
	ErrUnknownRequest     = errors.New("unknown request")
	ErrUnsupportedRequest = errors.New("request is not supported")
	ErrLegacyDevice       = errors.New("virtio legacy devices are not supported")
	ErrInbandFeatures     = errors.New("in-band notifications require slave requests and reply acks")
	ErrPostcopyAck        = errors.New("invalid postcopy memory table acknowledgement")
	ErrNoInflightArea     = errors.New("no inflight area was set up")
)

// engineFeatures are the virtio features the ring engine implements.
const engineFeatures = virtio.FeatureNotifyOnEmpty |
	virtio.FeatureIndirectDescriptors |
	virtio.FeatureEventIndex |
	virtio.FeatureVersion1 |
	virtio.FeatureLogAll |
	virtio.FeatureProtocolFeatures

// engineProtocolFeatures are always offered.
const engineProtocolFeatures = protocol.FeatureMQ |
	protocol.FeatureLogSHMFD |
	protocol.FeatureSlaveReq |
	protocol.FeatureHostNotifier |
	protocol.FeatureSlaveSendFD |
	protocol.FeatureReplyAck |
	protocol.FeatureConfigureMemSlots |
	protocol.FeatureInflightSHMFD |
	protocol.FeatureResetDevice

// handlerFunc handles one request. A non-nil reply is sent back, on error as
// well.
type handlerFunc func(m *protocol.Message) (*protocol.Message, error)

// handler returns the built-in handler of r, nil for unknown requests. Every
// request code defined by the protocol has a case.
func (d *Device) handler(r header.Request) handlerFunc {
	switch r {
	case header.RequestGetFeatures:
		return d.getFeatures
	case header.RequestSetFeatures:
		return d.setFeatures
	case header.RequestSetOwner:
		return d.setOwner
	case header.RequestResetOwner, header.RequestResetDevice:
		return d.resetDevice
	case header.RequestSetMemTable:
		return d.setMemTable
	case header.RequestSetLogBase:
		return d.setLogBase
	case header.RequestSetLogFD:
		return d.setLogFD
	case header.RequestSetVringNum:
		return d.setVringNum
	case header.RequestSetVringAddr:
		return d.setVringAddr
	case header.RequestSetVringBase:
		return d.setVringBase
	case header.RequestGetVringBase:
		return d.getVringBase
	case header.RequestSetVringKick:
		return d.setVringKick
	case header.RequestSetVringCall:
		return d.setVringCall
	case header.RequestSetVringErr:
		return d.setVringErr
	case header.RequestGetProtocolFeatures:
		return d.getProtocolFeatures
	case header.RequestSetProtocolFeatures:
		return d.setProtocolFeatures
	case header.RequestGetQueueNum:
		return d.getQueueNum
	case header.RequestSetVringEnable:
		return d.setVringEnable
	case header.RequestSetSlaveReqFD:
		return d.setSlaveReqFD
	case header.RequestGetConfig:
		return d.getConfig
	case header.RequestSetConfig:
		return d.setConfig
	case header.RequestPostcopyAdvise:
		return d.postcopyAdvise
	case header.RequestPostcopyListen:
		return d.postcopyListen
	case header.RequestPostcopyEnd:
		return d.postcopyEnd
	case header.RequestGetInflightFD:
		return d.getInflightFD
	case header.RequestSetInflightFD:
		return d.setInflightFD
	case header.RequestVringKick:
		return d.vringKick
	case header.RequestGetMaxMemSlots:
		return d.getMaxMemSlots
	case header.RequestAddMemReg:
		return d.addMemReg
	case header.RequestRemMemReg:
		return d.remMemReg
	case header.RequestNone,
		header.RequestSendRARP,
		header.RequestNetSetMTU,
		header.RequestIOTLBMsg,
		header.RequestSetVringEndian,
		header.RequestCreateCryptoSession,
		header.RequestCloseCryptoSession,
		header.RequestGPUSetSocket,
		header.RequestSetStatus,
		header.RequestGetStatus:
		return d.unsupported
	}
	return nil
}

func (d *Device) unsupported(m *protocol.Message) (*protocol.Message, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedRequest, m.Request)
}

func (d *Device) getFeatures(m *protocol.Message) (*protocol.Message, error) {
	f := engineFeatures | d.backend.Features()
	return protocol.NewU64Reply(m.Request, uint64(f)), nil
}

func (d *Device) setFeatures(m *protocol.Message) (*protocol.Message, error) {
	v, err := protocol.DecodeU64(m.Payload)
	if err != nil {
		return nil, err
	}

	d.features = virtio.Feature(v)
	if !d.features.Has(virtio.FeatureVersion1) {
		return nil, ErrLegacyDevice
	}
	d.enableUnnegotiated()

	if s, ok := d.backend.(FeatureSetter); ok {
		s.SetFeatures(d, d.features)
	}
	d.l.WithField("features", fmt.Sprintf("%#x", v)).Debug("Features negotiated")
	return nil, nil
}

// enableUnnegotiated enables every queue when the front-end cannot send
// SET_VRING_ENABLE.
func (d *Device) enableUnnegotiated() {
	if d.features.Has(virtio.FeatureProtocolFeatures) {
		return
	}
	for _, q := range d.queues {
		q.SetEnabled(true)
	}
}

func (d *Device) setOwner(*protocol.Message) (*protocol.Message, error) {
	return nil, nil
}

// resetDevice stops every queue. The memory table survives.
func (d *Device) resetDevice(*protocol.Message) (*protocol.Message, error) {
	var errs []error
	for i, q := range d.queues {
		d.unwatch(q)
		if q.Started() {
			d.setQueueStarted(q, false)
		}
		if err := q.Reset(); err != nil {
			errs = append(errs, fmt.Errorf("reset queue %d: %w", i, err))
		}
		d.handlers[i] = nil
	}
	d.enableUnnegotiated()
	return nil, errors.Join(errs...)
}

func (d *Device) setMemTable(m *protocol.Message) (*protocol.Message, error) {
	regions, err := protocol.DecodeMemoryTable(m.Payload)
	if err != nil {
		return nil, err
	}
	fds, err := m.FDs.TakeN(len(regions))
	if err != nil {
		return nil, err
	}
	defer closeFDs(fds)

	for _, q := range d.queues {
		q.Unmap()
	}
	if err := d.mem.Reset(); err != nil {
		return nil, fmt.Errorf("unmap memory table: %w", err)
	}

	policy := memory.PolicyReadWrite
	if d.postcopy.Listening() {
		policy = memory.PolicyPostcopy
	}
	for i, r := range regions {
		if _, err := d.mem.Add(memoryRegion(r), fds[i], policy); err != nil {
			d.regions.Update(int64(d.mem.Len()))
			return nil, err
		}
	}
	d.regions.Update(int64(d.mem.Len()))

	if d.postcopy.Listening() {
		if err := d.postcopyMemTable(m, regions); err != nil {
			return nil, err
		}
	}
	return nil, d.remapQueues()
}

// postcopyMemTable tells the front-end where the regions live locally, waits
// for it to be ready to serve faults and then arms fault handling.
func (d *Device) postcopyMemTable(m *protocol.Message, regions []protocol.MemoryRegion) error {
	for i := range regions {
		r, _ := d.mem.At(i)
		regions[i].UserAddr = r.HostAddr()
	}
	if err := d.send(protocol.NewReply(m.Request, protocol.EncodeMemoryTable(regions))); err != nil {
		return fmt.Errorf("send postcopy memory table: %w", err)
	}

	ack, err := d.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read postcopy memory table ack: %w", err)
	}
	defer ack.FDs.Close()
	v, err := protocol.DecodeU64(ack.Payload)
	if err != nil || ack.Size != protocol.U64Size || v != 0 {
		return ErrPostcopyAck
	}
	return d.registerRegions()
}

func (d *Device) registerRegions() error {
	for i := range d.mem.Len() {
		r, _ := d.mem.At(i)
		if err := d.postcopy.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// remapQueues maps the rings of every configured queue again after the
// memory table changed.
func (d *Device) remapQueues() error {
	var errs []error
	for _, q := range d.queues {
		if err := q.Map(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// remapPresentQueues is remapQueues for single region updates. Rings whose
// region is gone stay unmapped until a region covering them is added again.
func (d *Device) remapPresentQueues() error {
	var errs []error
	for _, q := range d.queues {
		err := q.Map()
		if errors.Is(err, memory.ErrNotFound) {
			d.l.WithField("queue", q.Index()).Debug("Rings are outside guest memory, leaving them unmapped")
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Device) addMemReg(m *protocol.Message) (*protocol.Message, error) {
	// A zero u64 ends the postcopy region list.
	if d.postcopy.Listening() && len(m.Payload) == protocol.U64Size {
		if v, _ := protocol.DecodeU64(m.Payload); v == 0 {
			return nil, d.registerRegions()
		}
	}

	fd, err := m.FDs.TakeOne()
	if err != nil {
		return nil, err
	}
	defer closeFDs([]int{fd})

	r, err := protocol.DecodeMemRegMsg(m.Payload)
	if err != nil {
		return nil, err
	}

	policy := memory.PolicyReadWrite
	if d.postcopy.Listening() {
		policy = memory.PolicyPostcopy
	}
	added, err := d.mem.Add(memoryRegion(r), fd, policy)
	if err != nil {
		return nil, err
	}
	d.regions.Update(int64(d.mem.Len()))

	if d.postcopy.Listening() {
		r.UserAddr = added.HostAddr()
		return protocol.NewReply(m.Request, protocol.EncodeMemRegMsg(r)), nil
	}
	return nil, d.remapPresentQueues()
}

func (d *Device) remMemReg(m *protocol.Message) (*protocol.Message, error) {
	// The descriptor only identifies the region, it is closed unused.
	if n := m.FDs.Len(); n != 1 {
		return nil, fmt.Errorf("%w: got %d, want 1", protocol.ErrFDCount, n)
	}

	r, err := protocol.DecodeMemRegMsg(m.Payload)
	if err != nil {
		return nil, err
	}

	for _, q := range d.queues {
		q.Unmap()
	}
	err = d.mem.Remove(r.GuestPhysAddr, r.Size, r.UserAddr)
	d.regions.Update(int64(d.mem.Len()))
	if err != nil {
		return nil, err
	}
	return nil, d.remapPresentQueues()
}

func (d *Device) setLogBase(m *protocol.Message) (*protocol.Message, error) {
	fd, err := m.FDs.TakeOne()
	if err != nil {
		return nil, err
	}
	defer closeFDs([]int{fd})

	lp, err := protocol.DecodeLog(m.Payload)
	if err != nil {
		return nil, err
	}

	log, err := memory.MapDirtyLog(fd, lp.MmapSize, lp.MmapOffset)
	if err != nil {
		return nil, err
	}
	if err := d.log.Close(); err != nil {
		d.l.WithError(err).Warn("Failed to unmap previous dirty log")
	}
	d.log = log

	d.l.WithField("size", lp.MmapSize).Debug("Dirty log mapped")
	return protocol.NewU64Reply(m.Request, 0), nil
}

func (d *Device) setLogFD(m *protocol.Message) (*protocol.Message, error) {
	fd, err := m.FDs.TakeOne()
	if err != nil {
		return nil, err
	}
	if err := d.logCall.Close(); err != nil {
		d.l.WithError(err).Warn("Failed to close previous log eventfd")
	}
	d.logCall = eventfd.Wrap(fd)
	return nil, nil
}

// vringState decodes a queue index and number.
func (d *Device) vringState(m *protocol.Message) (*virtqueue.Queue, uint32, error) {
	s, err := protocol.DecodeVringState(m.Payload)
	if err != nil {
		return nil, 0, err
	}
	q, err := d.Queue(int(s.Index))
	if err != nil {
		return nil, 0, err
	}
	return q, s.Num, nil
}

func (d *Device) setVringNum(m *protocol.Message) (*protocol.Message, error) {
	q, num, err := d.vringState(m)
	if err != nil {
		return nil, err
	}
	if int(num) > d.opts.queueSizeMax {
		return nil, fmt.Errorf("queue %d size %d exceeds %d", q.Index(), num, d.opts.queueSizeMax)
	}
	return nil, q.SetSize(int(num))
}

func (d *Device) setVringAddr(m *protocol.Message) (*protocol.Message, error) {
	a, err := protocol.DecodeVringAddr(m.Payload)
	if err != nil {
		return nil, err
	}
	q, err := d.Queue(int(a.Index))
	if err != nil {
		return nil, err
	}

	err = q.SetAddresses(virtqueue.Addresses{
		Flags:      a.Flags,
		Descriptor: a.Descriptor,
		Used:       a.Used,
		Available:  a.Available,
		Log:        a.Log,
	})
	if err != nil {
		return nil, err
	}

	if q.Base() != q.UsedIndex() {
		o, ok := d.backend.(QueueInOrderer)
		resume := ok && o.QueueInOrder(d, q)
		d.l.WithField("queue", q.Index()).
			WithField("lastAvail", q.Base()).
			WithField("used", q.UsedIndex()).
			WithField("resume", resume).
			Debug("Last available index differs from used index")
		if resume {
			return nil, q.ResumeFromUsed()
		}
	}
	return nil, nil
}

func (d *Device) setVringBase(m *protocol.Message) (*protocol.Message, error) {
	q, num, err := d.vringState(m)
	if err != nil {
		return nil, err
	}
	q.SetBase(uint16(num))
	return nil, nil
}

func (d *Device) getVringBase(m *protocol.Message) (*protocol.Message, error) {
	q, _, err := d.vringState(m)
	if err != nil {
		return nil, err
	}

	reply := protocol.NewReply(m.Request, protocol.VringState{
		Index: uint32(q.Index()),
		Num:   uint32(q.Base()),
	}.Encode())

	d.unwatch(q)
	d.setQueueStarted(q, false)
	d.handlers[q.Index()] = nil
	if err := q.Stop(); err != nil {
		d.l.WithError(err).WithField("queue", q.Index()).Warn("Failed to close queue doorbells")
	}
	return reply, nil
}

// vringFile decodes the payload of the kick, call and err messages and takes
// the passed descriptor. fd is -1 when the message carries none.
func (d *Device) vringFile(m *protocol.Message) (*virtqueue.Queue, int, error) {
	v, err := protocol.DecodeU64(m.Payload)
	if err != nil {
		return nil, -1, err
	}
	q, err := d.Queue(int(v & protocol.VringIndexMask))
	if err != nil {
		return nil, -1, err
	}
	if v&protocol.VringNoFDMask != 0 {
		return q, -1, nil
	}
	fd, err := m.FDs.TakeOne()
	if err != nil {
		return nil, -1, err
	}
	return q, fd, nil
}

func (d *Device) setVringKick(m *protocol.Message) (*protocol.Message, error) {
	q, fd, err := d.vringFile(m)
	if err != nil {
		return nil, err
	}

	d.unwatch(q)
	if err := q.SetKick(fd); err != nil {
		d.l.WithError(err).WithField("queue", q.Index()).Warn("Failed to close previous kick eventfd")
	}
	q.Start()
	d.setQueueStarted(q, true)

	if err := d.watch(q); err != nil {
		return nil, err
	}

	if d.protocolFeatures.Has(protocol.FeatureInflightSHMFD) {
		if q.Inflight() == nil {
			return nil, fmt.Errorf("queue %d: %w", q.Index(), ErrNoInflightArea)
		}
		if err := q.RestoreInflight(d.opts.resubmitWindow); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (d *Device) setVringCall(m *protocol.Message) (*protocol.Message, error) {
	q, fd, err := d.vringFile(m)
	if err != nil {
		return nil, err
	}
	// Rings the new doorbell once, the driver may have missed a call while
	// the back-end was away.
	if err := q.SetCall(fd); err != nil {
		return nil, fmt.Errorf("set call of queue %d: %w", q.Index(), err)
	}
	return nil, nil
}

func (d *Device) setVringErr(m *protocol.Message) (*protocol.Message, error) {
	q, fd, err := d.vringFile(m)
	if err != nil {
		return nil, err
	}
	if err := q.SetErr(fd); err != nil {
		d.l.WithError(err).WithField("queue", q.Index()).Warn("Failed to close previous err eventfd")
	}
	return nil, nil
}

func (d *Device) offeredProtocolFeatures() protocol.Feature {
	f := engineProtocolFeatures
	if d.postcopySupported() {
		f |= protocol.FeaturePagefault
	}
	if _, ok := d.backend.(Configurer); ok {
		f |= protocol.FeatureConfig
	}
	if p, ok := d.backend.(ProtocolFeaturer); ok {
		f |= p.ProtocolFeatures()
	}
	return f
}

func (d *Device) getProtocolFeatures(m *protocol.Message) (*protocol.Message, error) {
	return protocol.NewU64Reply(m.Request, uint64(d.offeredProtocolFeatures())), nil
}

func (d *Device) setProtocolFeatures(m *protocol.Message) (*protocol.Message, error) {
	v, err := protocol.DecodeU64(m.Payload)
	if err != nil {
		return nil, err
	}

	f := protocol.Feature(v)
	if f.Has(protocol.FeatureInbandNotifications) && !f.Has(protocol.FeatureSlaveReq|protocol.FeatureReplyAck) {
		return nil, ErrInbandFeatures
	}

	capacity := memory.BaselineSlots
	if f.Has(protocol.FeatureConfigureMemSlots) {
		capacity = d.opts.maxMemSlots
	}
	if err := d.mem.SetCapacity(max(capacity, d.mem.Len())); err != nil {
		return nil, err
	}

	d.protocolFeatures = f
	if s, ok := d.backend.(FeatureSetter); ok {
		s.SetProtocolFeatures(d, f)
	}
	d.l.WithField("protocolFeatures", fmt.Sprintf("%#x", v)).Debug("Protocol features negotiated")
	return nil, nil
}

func (d *Device) getQueueNum(m *protocol.Message) (*protocol.Message, error) {
	return protocol.NewU64Reply(m.Request, uint64(len(d.queues))), nil
}

func (d *Device) setVringEnable(m *protocol.Message) (*protocol.Message, error) {
	q, num, err := d.vringState(m)
	if err != nil {
		return nil, err
	}
	q.SetEnabled(num != 0)
	return nil, nil
}

func (d *Device) setSlaveReqFD(m *protocol.Message) (*protocol.Message, error) {
	fd, err := m.FDs.TakeOne()
	if err != nil {
		return nil, err
	}
	if err := d.slave.Close(); err != nil {
		d.l.WithError(err).Warn("Failed to close previous slave channel")
	}
	d.slave = newSlaveChannel(fd)
	return nil, nil
}

func (d *Device) getConfig(m *protocol.Message) (*protocol.Message, error) {
	c, err := protocol.DecodeConfig(m.Payload)
	if err != nil {
		return nil, err
	}

	cf, ok := d.backend.(Configurer)
	if ok {
		err = cf.GetConfig(d, c.Region)
	}
	if !ok || err != nil {
		// An empty reply tells the front-end the read failed.
		d.l.WithError(err).Debug("Config space read failed")
		return protocol.NewReply(m.Request, nil), nil
	}
	return protocol.NewReply(m.Request, c.Encode()), nil
}

func (d *Device) setConfig(m *protocol.Message) (*protocol.Message, error) {
	c, err := protocol.DecodeConfig(m.Payload)
	if err != nil {
		return nil, err
	}
	cf, ok := d.backend.(Configurer)
	if !ok {
		return nil, nil
	}
	if err := cf.SetConfig(d, c.Region, c.Offset, c.Flags); err != nil {
		return nil, fmt.Errorf("set config space: %w", err)
	}
	return nil, nil
}

func (d *Device) postcopyAdvise(m *protocol.Message) (*protocol.Message, error) {
	fd, err := d.postcopy.Advise()
	if err != nil {
		return protocol.NewReply(m.Request, nil), err
	}
	return protocol.NewReply(m.Request, nil, fd), nil
}

func (d *Device) postcopyListen(m *protocol.Message) (*protocol.Message, error) {
	if err := d.postcopy.Listen(d.mem.Len()); err != nil {
		return protocol.NewU64Reply(m.Request, ^uint64(0)), err
	}
	return protocol.NewU64Reply(m.Request, 0), nil
}

func (d *Device) postcopyEnd(m *protocol.Message) (*protocol.Message, error) {
	if err := d.postcopy.End(); err != nil {
		d.l.WithError(err).Warn("Failed to close userfaultfd")
	}
	return protocol.NewU64Reply(m.Request, 0), nil
}

func (d *Device) getInflightFD(m *protocol.Message) (*protocol.Message, error) {
	p, err := protocol.DecodeInflight(m.Payload)
	if err != nil {
		return protocol.NewReply(m.Request, protocol.Inflight{}.Encode()), err
	}

	area, err := inflight.Create(int(p.NumQueues), int(p.QueueSize))
	if err != nil {
		return protocol.NewReply(m.Request, protocol.Inflight{}.Encode()), err
	}
	if err := d.closeInflight(); err != nil {
		d.l.WithError(err).Warn("Failed to release previous inflight area")
	}
	d.inflight = area

	p.MmapSize = area.Size()
	p.MmapOffset = 0
	return protocol.NewReply(m.Request, p.Encode(), area.FD()), nil
}

func (d *Device) setInflightFD(m *protocol.Message) (*protocol.Message, error) {
	fd, err := m.FDs.TakeOne()
	if err != nil {
		return nil, err
	}
	p, err := protocol.DecodeInflight(m.Payload)
	if err != nil {
		closeFDs([]int{fd})
		return nil, err
	}
	if int(p.NumQueues) > len(d.queues) {
		closeFDs([]int{fd})
		return nil, fmt.Errorf("%w: inflight area for %d queues", ErrQueueIndex, p.NumQueues)
	}

	if err := d.closeInflight(); err != nil {
		d.l.WithError(err).Warn("Failed to release previous inflight area")
	}
	area, err := inflight.Open(fd, p.MmapSize, p.MmapOffset, int(p.NumQueues), int(p.QueueSize))
	if err != nil {
		return nil, err
	}
	d.inflight = area

	for i := range int(p.NumQueues) {
		t, err := area.Queue(i)
		if err != nil {
			return nil, err
		}
		t.SetDescNum(p.QueueSize)
		d.queues[i].SetInflight(t)
	}
	return nil, nil
}

func (d *Device) vringKick(m *protocol.Message) (*protocol.Message, error) {
	q, _, err := d.vringState(m)
	if err != nil {
		return nil, err
	}
	if !q.Started() {
		q.Start()
		d.setQueueStarted(q, true)
	}
	if h := d.handlers[q.Index()]; h != nil {
		h(d, q)
	}
	return nil, nil
}

func (d *Device) getMaxMemSlots(m *protocol.Message) (*protocol.Message, error) {
	return protocol.NewU64Reply(m.Request, uint64(d.opts.maxMemSlots)), nil
}

func memoryRegion(r protocol.MemoryRegion) memory.Region {
	return memory.Region{
		GuestPhysAddr: r.GuestPhysAddr,
		Size:          r.Size,
		UserAddr:      r.UserAddr,
		MmapOffset:    r.MmapOffset,
	}
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
