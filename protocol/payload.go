package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxFDs is the number of file descriptors a single message may carry.
	MaxFDs = 8

	// BaselineMemoryRegions is the number of regions a SET_MEM_TABLE message
	// can describe.
	BaselineMemoryRegions = 8

	// MaxConfigSize is the largest device config space a GET_CONFIG or
	// SET_CONFIG message can carry.
	MaxConfigSize = 256

	U64Size          = 8
	VringStateSize   = 8
	VringAddrSize    = 40
	MemoryRegionSize = 32
	MemoryTableSize  = 8 + BaselineMemoryRegions*MemoryRegionSize
	MemRegMsgSize    = 8 + MemoryRegionSize
	LogSize          = 16
	ConfigHeaderSize = 12
	ConfigSize       = ConfigHeaderSize + MaxConfigSize
	VringAreaSize    = 24
	InflightSize     = 24

	// MaxPayloadSize is the size of the largest payload shape. A header
	// declaring more than this is a protocol violation.
	MaxPayloadSize = ConfigSize
)

const (
	// VringIndexMask selects the queue index in the u64 payload of the
	// kick, call and err messages.
	VringIndexMask = 0xff
	// VringNoFDMask is set when the kick, call or err message carries no
	// file descriptor.
	VringNoFDMask = 0x100

	// VringAddrFlagLog asks for used ring writes to be logged.
	VringAddrFlagLog = 0x1
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds the largest known message size")
	ErrPayloadSize     = errors.New("payload size does not match request")
)

func checkSize(b []byte, want int) error {
	if len(b) < want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrPayloadSize, len(b), want)
	}
	return nil
}

// DecodeU64 decodes a single 64-bit payload.
func DecodeU64(b []byte) (uint64, error) {
	if err := checkSize(b, U64Size); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// EncodeU64 encodes a single 64-bit payload.
func EncodeU64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, U64Size), v)
}

// VringState carries a queue index and a number, the meaning of which
// depends on the request.
type VringState struct {
	Index uint32
	Num   uint32
}

func DecodeVringState(b []byte) (VringState, error) {
	if err := checkSize(b, VringStateSize); err != nil {
		return VringState{}, err
	}
	return VringState{
		Index: binary.LittleEndian.Uint32(b[0:4]),
		Num:   binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

func (s VringState) Encode() []byte {
	b := make([]byte, VringStateSize)
	binary.LittleEndian.PutUint32(b[0:4], s.Index)
	binary.LittleEndian.PutUint32(b[4:8], s.Num)
	return b
}

// VringAddr carries the front-end's virtual addresses of the three parts of
// a split ring plus the guest physical address of the used ring for dirty
// logging.
type VringAddr struct {
	Index      uint32
	Flags      uint32
	Descriptor uint64
	Used       uint64
	Available  uint64
	Log        uint64
}

func DecodeVringAddr(b []byte) (VringAddr, error) {
	if err := checkSize(b, VringAddrSize); err != nil {
		return VringAddr{}, err
	}
	return VringAddr{
		Index:      binary.LittleEndian.Uint32(b[0:4]),
		Flags:      binary.LittleEndian.Uint32(b[4:8]),
		Descriptor: binary.LittleEndian.Uint64(b[8:16]),
		Used:       binary.LittleEndian.Uint64(b[16:24]),
		Available:  binary.LittleEndian.Uint64(b[24:32]),
		Log:        binary.LittleEndian.Uint64(b[32:40]),
	}, nil
}

func (a VringAddr) Encode() []byte {
	b := make([]byte, VringAddrSize)
	binary.LittleEndian.PutUint32(b[0:4], a.Index)
	binary.LittleEndian.PutUint32(b[4:8], a.Flags)
	binary.LittleEndian.PutUint64(b[8:16], a.Descriptor)
	binary.LittleEndian.PutUint64(b[16:24], a.Used)
	binary.LittleEndian.PutUint64(b[24:32], a.Available)
	binary.LittleEndian.PutUint64(b[32:40], a.Log)
	return b
}

// MemoryRegion describes one region of guest RAM backed by a passed file
// descriptor.
type MemoryRegion struct {
	GuestPhysAddr uint64
	Size          uint64
	UserAddr      uint64
	MmapOffset    uint64
}

func decodeMemoryRegion(b []byte) MemoryRegion {
	return MemoryRegion{
		GuestPhysAddr: binary.LittleEndian.Uint64(b[0:8]),
		Size:          binary.LittleEndian.Uint64(b[8:16]),
		UserAddr:      binary.LittleEndian.Uint64(b[16:24]),
		MmapOffset:    binary.LittleEndian.Uint64(b[24:32]),
	}
}

func (r MemoryRegion) put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], r.GuestPhysAddr)
	binary.LittleEndian.PutUint64(b[8:16], r.Size)
	binary.LittleEndian.PutUint64(b[16:24], r.UserAddr)
	binary.LittleEndian.PutUint64(b[24:32], r.MmapOffset)
}

// DecodeMemoryTable decodes a SET_MEM_TABLE payload. The region count is
// bounded by BaselineMemoryRegions.
func DecodeMemoryTable(b []byte) ([]MemoryRegion, error) {
	if err := checkSize(b, 8); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	if n > BaselineMemoryRegions {
		return nil, fmt.Errorf("%w: %d memory regions, at most %d", ErrPayloadSize, n, BaselineMemoryRegions)
	}
	if err := checkSize(b, 8+int(n)*MemoryRegionSize); err != nil {
		return nil, err
	}

	regions := make([]MemoryRegion, n)
	for i := range regions {
		off := 8 + i*MemoryRegionSize
		regions[i] = decodeMemoryRegion(b[off : off+MemoryRegionSize])
	}
	return regions, nil
}

// EncodeMemoryTable encodes a SET_MEM_TABLE payload, always at full size.
func EncodeMemoryTable(regions []MemoryRegion) []byte {
	b := make([]byte, MemoryTableSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(regions)))
	for i, r := range regions[:min(len(regions), BaselineMemoryRegions)] {
		off := 8 + i*MemoryRegionSize
		r.put(b[off : off+MemoryRegionSize])
	}
	return b
}

// DecodeMemRegMsg decodes the single region payload of ADD_MEM_REG and
// REM_MEM_REG.
func DecodeMemRegMsg(b []byte) (MemoryRegion, error) {
	if err := checkSize(b, MemRegMsgSize); err != nil {
		return MemoryRegion{}, err
	}
	return decodeMemoryRegion(b[8:MemRegMsgSize]), nil
}

func EncodeMemRegMsg(r MemoryRegion) []byte {
	b := make([]byte, MemRegMsgSize)
	r.put(b[8:])
	return b
}

// Log describes the shared dirty page bitmap.
type Log struct {
	MmapSize   uint64
	MmapOffset uint64
}

func DecodeLog(b []byte) (Log, error) {
	if len(b) != LogSize {
		return Log{}, fmt.Errorf("%w: got %d bytes, want %d", ErrPayloadSize, len(b), LogSize)
	}
	return Log{
		MmapSize:   binary.LittleEndian.Uint64(b[0:8]),
		MmapOffset: binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

func (l Log) Encode() []byte {
	b := make([]byte, LogSize)
	binary.LittleEndian.PutUint64(b[0:8], l.MmapSize)
	binary.LittleEndian.PutUint64(b[8:16], l.MmapOffset)
	return b
}

// Config is a window into the device config space.
type Config struct {
	Offset uint32
	Size   uint32
	Flags  uint32
	Region []byte
}

func DecodeConfig(b []byte) (Config, error) {
	if err := checkSize(b, ConfigHeaderSize); err != nil {
		return Config{}, err
	}
	c := Config{
		Offset: binary.LittleEndian.Uint32(b[0:4]),
		Size:   binary.LittleEndian.Uint32(b[4:8]),
		Flags:  binary.LittleEndian.Uint32(b[8:12]),
	}
	if c.Size > MaxConfigSize {
		return Config{}, fmt.Errorf("%w: config size %d, at most %d", ErrPayloadSize, c.Size, MaxConfigSize)
	}
	c.Region = make([]byte, c.Size)
	copy(c.Region, b[ConfigHeaderSize:])
	return c, nil
}

func (c Config) Encode() []byte {
	b := make([]byte, ConfigHeaderSize+len(c.Region))
	binary.LittleEndian.PutUint32(b[0:4], c.Offset)
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(c.Region)))
	binary.LittleEndian.PutUint32(b[8:12], c.Flags)
	copy(b[ConfigHeaderSize:], c.Region)
	return b
}

// VringArea describes a host notifier area handed to the front-end over the
// slave channel.
type VringArea struct {
	U64    uint64
	Size   uint64
	Offset uint64
}

func DecodeVringArea(b []byte) (VringArea, error) {
	if err := checkSize(b, VringAreaSize); err != nil {
		return VringArea{}, err
	}
	return VringArea{
		U64:    binary.LittleEndian.Uint64(b[0:8]),
		Size:   binary.LittleEndian.Uint64(b[8:16]),
		Offset: binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

func (a VringArea) Encode() []byte {
	b := make([]byte, VringAreaSize)
	binary.LittleEndian.PutUint64(b[0:8], a.U64)
	binary.LittleEndian.PutUint64(b[8:16], a.Size)
	binary.LittleEndian.PutUint64(b[16:24], a.Offset)
	return b
}

// Inflight describes the shared inflight tracking region.
type Inflight struct {
	MmapSize   uint64
	MmapOffset uint64
	NumQueues  uint16
	QueueSize  uint16
}

func DecodeInflight(b []byte) (Inflight, error) {
	if err := checkSize(b, 20); err != nil {
		return Inflight{}, err
	}
	return Inflight{
		MmapSize:   binary.LittleEndian.Uint64(b[0:8]),
		MmapOffset: binary.LittleEndian.Uint64(b[8:16]),
		NumQueues:  binary.LittleEndian.Uint16(b[16:18]),
		QueueSize:  binary.LittleEndian.Uint16(b[18:20]),
	}, nil
}

func (i Inflight) Encode() []byte {
	b := make([]byte, InflightSize)
	binary.LittleEndian.PutUint64(b[0:8], i.MmapSize)
	binary.LittleEndian.PutUint64(b[8:16], i.MmapOffset)
	binary.LittleEndian.PutUint16(b[16:18], i.NumQueues)
	binary.LittleEndian.PutUint16(b[18:20], i.QueueSize)
	return b
}
