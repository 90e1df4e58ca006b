// Package message defines the envelope exchanged between services and the
// wire-type and subtype tags shared by the router and the socket layer.
package message

import (
	"sync"

	"github.com/arborlabs/arbor/internal/buffer"
)

// PType tags the wire protocol of a message's payload.
type PType uint8

// Reserved payload types.
const (
	PTypeSystem PType = 1 // runtime control traffic
	PTypeText   PType = 2 // plain text, admin channel
	PTypeData   PType = 3 // structured payload (JSON-coded args)
	PTypeSocket PType = 4 // length-prefixed TCP frames
	PTypeError  PType = 5 // dispatch or routing failure
	PTypeWS     PType = 6 // websocket frames
	PTypeDebug  PType = 7 // debug/statistics channel
)

// Socket message subtypes, delivered to a connection's owner service.
const (
	SubNone    uint8 = iota
	SubConnect       // outbound dial completed
	SubAccept        // inbound connection accepted
	SubMessage       // one framed payload
	SubClose         // connection removed
	SubError         // I/O or logic failure, header carries the kind
	SubPing          // websocket ping
	SubPong          // websocket pong
)

// Message is the envelope routed between services.
//
// Session semantics: a request that expects a reply travels with the
// negated session; the receiving service flips it back to positive and
// the reply carries that positive value. Zero means fire-and-forget. An
// error reply negates the session again so the caller can tell a
// dispatch failure from a regular reply.
type Message struct {
	Sender   uint32
	Receiver uint32
	Session  int32
	Type     PType
	Subtype  uint8
	Header   string
	Buf      *buffer.Buffer
}

var pool = sync.Pool{
	New: func() any { return new(Message) },
}

// Get fetches a zeroed message from the pool.
func Get() *Message {
	return pool.Get().(*Message)
}

// Release drops the message's buffer reference and recycles the envelope.
// The message must not be touched afterwards.
func (m *Message) Release() {
	m.Buf.Release()
	*m = Message{}
	pool.Put(m)
}

// Payload returns the unread payload bytes, nil-safe.
func (m *Message) Payload() []byte {
	if m.Buf == nil {
		return nil
	}
	return m.Buf.Bytes()
}

// Text renders the payload as a string.
func (m *Message) Text() string {
	return string(m.Payload())
}
