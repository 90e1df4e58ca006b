// Package buffer provides the pooled, reference-counted byte buffer that
// message payloads and socket frames are built on. Buffers reserve head
// room so framing layers can prepend length headers without reallocating.
package buffer

import (
	"sync"
	"sync/atomic"
)

// Flag bits carried by a buffer across the send path.
const (
	// FlagCloseAfterSend closes the connection once this buffer drains.
	FlagCloseAfterSend uint16 = 1 << iota
	// FlagWSText marks a websocket text frame (binary otherwise).
	FlagWSText
	// FlagWSPing marks a websocket ping frame.
	FlagWSPing
	// FlagWSPong marks a websocket pong frame.
	FlagWSPong
	// FlagFraming asks the connection to prepend its mode's frame header.
	FlagFraming
)

const defaultHeadRoom = 8

var pool = sync.Pool{
	New: func() any {
		return &Buffer{data: make([]byte, defaultHeadRoom, 256)}
	},
}

// Buffer is a byte buffer with a read cursor, a write cursor and reserved
// head room. The payload lives in data[rpos:wpos]; data[:head] is room for
// prepended headers.
//
// Buffers are reference counted so a single broadcast payload can be
// shared by every worker without copying. Get returns a buffer with one
// reference; Retain/Release manage sharing, and the final Release recycles
// the buffer into the pool.
type Buffer struct {
	data []byte
	head int
	rpos int
	wpos int

	flags uint16
	refs  atomic.Int32
}

// Get fetches a recycled buffer with the default head room reserved.
func Get() *Buffer {
	return GetWithHead(defaultHeadRoom)
}

// GetWithHead fetches a recycled buffer reserving n bytes of head room.
func GetWithHead(n int) *Buffer {
	b := pool.Get().(*Buffer)
	if cap(b.data) < n {
		b.data = make([]byte, n, n+256)
	}
	b.data = b.data[:n]
	b.head = n
	b.rpos = n
	b.wpos = n
	b.flags = 0
	b.refs.Store(1)
	return b
}

// From builds a buffer holding a copy of p.
func From(p []byte) *Buffer {
	b := Get()
	b.Write(p)
	return b
}

// Retain adds a reference for sharing the buffer with another consumer.
func (b *Buffer) Retain() *Buffer {
	b.refs.Add(1)
	return b
}

// Release drops one reference and recycles the buffer on the last one.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	if b.refs.Add(-1) == 0 {
		pool.Put(b)
	}
}

// Write appends p after the write cursor.
func (b *Buffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	b.wpos += len(p)
	return len(p), nil
}

// WriteString appends s after the write cursor.
func (b *Buffer) WriteString(s string) {
	b.data = append(b.data, s...)
	b.wpos += len(s)
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(c byte) error {
	b.data = append(b.data, c)
	b.wpos++
	return nil
}

// Prepend writes p into the reserved head room, in front of the unread
// payload. It reports false when the head room cannot hold p.
func (b *Buffer) Prepend(p []byte) bool {
	if b.rpos < len(p) {
		return false
	}
	b.rpos -= len(p)
	copy(b.data[b.rpos:], p)
	return true
}

// Bytes returns the unread payload, data[rpos:wpos].
func (b *Buffer) Bytes() []byte {
	return b.data[b.rpos:b.wpos]
}

// Len reports the number of unread bytes.
func (b *Buffer) Len() int {
	return b.wpos - b.rpos
}

// Consume advances the read cursor by n, clamped to the unread length,
// and returns the consumed slice.
func (b *Buffer) Consume(n int) []byte {
	if n > b.Len() {
		n = b.Len()
	}
	p := b.data[b.rpos : b.rpos+n]
	b.rpos += n
	return p
}

// Seek moves the read cursor relative to its current position. Negative
// offsets rewind into previously consumed bytes but never before the
// head room boundary.
func (b *Buffer) Seek(off int) {
	pos := b.rpos + off
	floor := b.head
	if b.rpos < floor {
		// A Prepend already moved the cursor into the head room.
		floor = b.rpos
	}
	if pos < floor {
		pos = floor
	}
	if pos > b.wpos {
		pos = b.wpos
	}
	b.rpos = pos
}

// SetFlag sets the given flag bits.
func (b *Buffer) SetFlag(f uint16) { b.flags |= f }

// HasFlag reports whether all bits of f are set.
func (b *Buffer) HasFlag(f uint16) bool { return b.flags&f == f }

// ClearFlag clears the given flag bits.
func (b *Buffer) ClearFlag(f uint16) { b.flags &^= f }

// String renders the unread payload as a string.
func (b *Buffer) String() string {
	return string(b.Bytes())
}
