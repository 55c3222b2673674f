package vhostuser

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/slackhq/vhostuser/eventfd"
	"github.com/slackhq/vhostuser/header"
	"github.com/slackhq/vhostuser/protocol"
	"github.com/slackhq/vhostuser/test"
	"github.com/slackhq/vhostuser/util/virtio"
	"github.com/slackhq/vhostuser/virtqueue"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const (
	regionSize = 1 << 20
	userBase   = 0x7f0000000000

	descGPA   = 0x0000
	availGPA  = 0x1000
	usedGPA   = 0x2000
	bufferGPA = 0x10000
	ringSize  = 256
)

type testBackend struct {
	features virtio.Feature
	started  map[int]bool
	inOrder  bool
	handler  QueueHandler
	handled  int
}

func newTestBackend() *testBackend {
	return &testBackend{started: map[int]bool{}}
}

func (b *testBackend) Features() virtio.Feature {
	return b.features
}

func (b *testBackend) QueueStarted(d *Device, q *virtqueue.Queue, started bool) {
	b.started[q.Index()] = started
	if started && b.handler != nil {
		_ = d.SetQueueHandler(q.Index(), func(d *Device, q *virtqueue.Queue) {
			b.handled++
			b.handler(d, q)
		})
	}
}

func (b *testBackend) QueueInOrder(*Device, *virtqueue.Queue) bool {
	return b.inOrder
}

type configBackend struct {
	*testBackend
	config  []byte
	written []byte
	fail    bool
}

func (b *configBackend) GetConfig(_ *Device, p []byte) error {
	if b.fail {
		return errors.New("no config")
	}
	copy(p, b.config)
	return nil
}

func (b *configBackend) SetConfig(_ *Device, data []byte, offset, _ uint32) error {
	b.written = append(b.written[:0], data...)
	b.written = append(b.written, byte(offset))
	return nil
}

// frontEnd drives a Device over a socketpair the way a VMM would.
type frontEnd struct {
	t      *testing.T
	conn   *protocol.Conn
	d      *Device
	poller *eventfd.Poller
	panics []error
}

func newFrontEnd(t *testing.T, b Backend, options ...Option) *frontEnd {
	t.Helper()
	l := test.NewLogger()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	poller, err := eventfd.NewPoller(l)
	require.NoError(t, err)

	f := &frontEnd{t: t, conn: protocol.NewConn(fds[1]), poller: poller}
	options = append(options, WithPanicFunc(func(_ *Device, err error) {
		f.panics = append(f.panics, err)
	}))
	f.d, err = NewDevice(l, fds[0], b, poller, options...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = f.d.Close()
		_ = f.conn.Close()
		_ = poller.Close()
	})
	return f
}

// send writes a request and lets the device handle it.
func (f *frontEnd) send(r header.Request, payload []byte, fds ...int) bool {
	f.t.Helper()
	return f.sendMessage(protocol.NewMessage(r, payload, fds...))
}

func (f *frontEnd) sendMessage(m *protocol.Message) bool {
	f.t.Helper()
	require.NoError(f.t, f.conn.WriteMessage(m))
	return f.d.Dispatch()
}

// ack sends a request that asks for an acknowledgement and returns its
// value.
func (f *frontEnd) ack(r header.Request, payload []byte, fds ...int) uint64 {
	f.t.Helper()
	m := protocol.NewMessage(r, payload, fds...)
	m.Flags |= header.FlagNeedReply
	f.sendMessage(m)
	reply := f.reply(r)
	v, err := protocol.DecodeU64(reply.Payload)
	require.NoError(f.t, err)
	return v
}

// call sends a request and returns the reply.
func (f *frontEnd) call(r header.Request, payload []byte, fds ...int) *protocol.Message {
	f.t.Helper()
	f.send(r, payload, fds...)
	return f.reply(r)
}

func (f *frontEnd) reply(r header.Request) *protocol.Message {
	f.t.Helper()
	m, err := f.conn.ReadMessage()
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = m.FDs.Close() })
	require.Equal(f.t, r, m.Request)
	require.True(f.t, m.IsReply())
	require.Equal(f.t, header.Version, m.Flags.Version())
	return m
}

func (f *frontEnd) u64(r header.Request) uint64 {
	f.t.Helper()
	v, err := protocol.DecodeU64(f.call(r, nil).Payload)
	require.NoError(f.t, err)
	return v
}

func (f *frontEnd) setFeatures(features virtio.Feature) {
	f.t.Helper()
	require.True(f.t, f.send(header.RequestSetFeatures, protocol.EncodeU64(uint64(features))))
}

func (f *frontEnd) setProtocolFeatures(features protocol.Feature) bool {
	f.t.Helper()
	return f.send(header.RequestSetProtocolFeatures, protocol.EncodeU64(uint64(features)))
}

// guest is two adjacent regions of guest RAM as seen by the front-end.
type guest struct {
	t   *testing.T
	fds [2]int
	mem [2][]byte
}

func newGuest(t *testing.T) *guest {
	t.Helper()
	g := &guest{t: t}
	for i := range g.fds {
		g.fds[i] = test.Memfd(t, "guest", regionSize)
		mem, err := unix.Mmap(g.fds[i], 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		require.NoError(t, err)
		t.Cleanup(func() { _ = unix.Munmap(mem) })
		g.mem[i] = mem
	}
	return g
}

func (g *guest) regions() []protocol.MemoryRegion {
	return []protocol.MemoryRegion{
		{GuestPhysAddr: 0, Size: regionSize, UserAddr: userBase},
		{GuestPhysAddr: regionSize, Size: regionSize, UserAddr: userBase + regionSize},
	}
}

// setMemTable hands both regions to the device.
func (g *guest) setMemTable(f *frontEnd) bool {
	return f.send(header.RequestSetMemTable, protocol.EncodeMemoryTable(g.regions()), g.fds[0], g.fds[1])
}

// bytes returns guest memory at gpa. Only region 0 is used for rings.
func (g *guest) bytes(gpa uint64, n int) []byte {
	return g.mem[gpa/regionSize][gpa%regionSize:][:n]
}

// offer publishes a single readable buffer as chain head 0.
func (g *guest) offer(length uint32) {
	desc := g.bytes(descGPA, 16)
	binary.LittleEndian.PutUint64(desc[0:8], bufferGPA)
	binary.LittleEndian.PutUint32(desc[8:12], length)
	binary.LittleEndian.PutUint16(desc[12:14], 0)
	binary.LittleEndian.PutUint16(desc[14:16], 0)

	avail := g.bytes(availGPA, 4+2*ringSize)
	idx := binary.LittleEndian.Uint16(avail[2:4])
	binary.LittleEndian.PutUint16(avail[4+2*int(idx%ringSize):], 0)
	binary.LittleEndian.PutUint16(avail[2:4], idx+1)
}

func (g *guest) usedIndex() uint16 {
	return binary.LittleEndian.Uint16(g.bytes(usedGPA+2, 2))
}

// setupQueue configures queue 0 with its rings in region 0.
func (g *guest) setupQueue(f *frontEnd) {
	g.t.Helper()
	require.True(g.t, g.setMemTable(f))
	require.True(g.t, f.send(header.RequestSetVringNum, protocol.VringState{Index: 0, Num: ringSize}.Encode()))
	require.True(g.t, f.send(header.RequestSetVringAddr, ringAddr(0).Encode()))
	require.True(g.t, f.send(header.RequestSetVringBase, protocol.VringState{Index: 0, Num: 0}.Encode()))
}

func ringAddr(index uint32) protocol.VringAddr {
	return protocol.VringAddr{
		Index:      index,
		Descriptor: userBase + descGPA,
		Available:  userBase + availGPA,
		Used:       userBase + usedGPA,
		Log:        usedGPA,
	}
}

func newEventFD(t *testing.T) eventfd.EventFD {
	t.Helper()
	e, err := eventfd.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}
