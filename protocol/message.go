package protocol

import (
	"github.com/slackhq/vhostuser/header"
)

// Message is a single decoded request or reply.
type Message struct {
	header.H
	Payload []byte
	FDs     FDSet
}

// NewMessage builds a request message. The file descriptors are sent but stay
// owned by the caller.
func NewMessage(r header.Request, payload []byte, fds ...int) *Message {
	return &Message{
		H: header.H{
			Request: r,
			Flags:   header.Flags(header.Version),
			Size:    uint32(len(payload)),
		},
		Payload: payload,
		FDs:     NewFDSet(fds...),
	}
}

// NewReply builds a reply to a request of type r.
func NewReply(r header.Request, payload []byte, fds ...int) *Message {
	m := NewMessage(r, payload, fds...)
	m.Flags |= header.FlagReply
	return m
}

// NewU64Reply builds a reply carrying a single 64-bit value.
func NewU64Reply(r header.Request, v uint64) *Message {
	return NewReply(r, EncodeU64(v))
}
