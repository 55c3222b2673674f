package header

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Wire header, all fields little endian:
// 0                                   31
// |-----------------------------------|
// |          Request (uint32)         | 32
// |-----------------------------------|
// |           Flags (uint32)          | 64
// |-----------------------------------|
// |           Size (uint32)           | 96
// |-----------------------------------|
// |              payload...           |

type m = map[string]any

const (
	Version uint32 = 0x1
	Len            = 12
)

// Flags is the flags word of a message header.
type Flags uint32

const (
	FlagVersionMask Flags = 0x3
	FlagReply       Flags = 0x1 << 2
	FlagNeedReply   Flags = 0x1 << 3
)

// Version returns the protocol version carried in the low flag bits.
func (f Flags) Version() uint32 {
	return uint32(f & FlagVersionMask)
}

var ErrHeaderTooShort = errors.New("header is too short")

type H struct {
	Request Request
	Flags   Flags
	Size    uint32
}

// Encode uses the provided byte array to encode the provided header values into.
// Byte array must be capped higher than Len or this will panic
func Encode(b []byte, r Request, f Flags, size uint32) []byte {
	b = b[:Len]
	binary.LittleEndian.PutUint32(b[0:4], uint32(r))
	binary.LittleEndian.PutUint32(b[4:8], uint32(f))
	binary.LittleEndian.PutUint32(b[8:12], size)
	return b
}

// String creates a readable string representation of a header
func (h *H) String() string {
	if h == nil {
		return "<nil>"
	}
	return fmt.Sprintf("request=%s flags=%#x size=%d", h.Request, uint32(h.Flags), h.Size)
}

// MarshalJSON creates a json string representation of a header
func (h *H) MarshalJSON() ([]byte, error) {
	return json.Marshal(m{
		"request":   h.Request.String(),
		"version":   h.Flags.Version(),
		"reply":     h.IsReply(),
		"needReply": h.NeedsReply(),
		"size":      h.Size,
	})
}

// Encode turns header into bytes
func (h *H) Encode(b []byte) ([]byte, error) {
	if h == nil {
		return nil, errors.New("nil header")
	}

	return Encode(b, h.Request, h.Flags, h.Size), nil
}

// Parse is a helper function to parses given bytes into new Header struct
func (h *H) Parse(b []byte) error {
	if len(b) < Len {
		return ErrHeaderTooShort
	}
	h.Request = Request(binary.LittleEndian.Uint32(b[0:4]))
	h.Flags = Flags(binary.LittleEndian.Uint32(b[4:8]))
	h.Size = binary.LittleEndian.Uint32(b[8:12])
	return nil
}

// IsReply reports whether the reply marker is set.
func (h *H) IsReply() bool {
	return h.Flags&FlagReply != 0
}

// NeedsReply reports whether the sender asked for an acknowledgement.
func (h *H) NeedsReply() bool {
	return h.Flags&FlagNeedReply != 0
}

// NewHeader turns bytes into a header
func NewHeader(b []byte) (*H, error) {
	h := new(H)
	if err := h.Parse(b); err != nil {
		return nil, err
	}
	return h, nil
}
