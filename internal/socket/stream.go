package socket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/arborlabs/arbor/internal/buffer"
	"github.com/arborlabs/arbor/internal/message"
)

// Length-prefixed framing: a 2-byte big-endian header per frame. In
// chunked mode the header's high bit marks "more follows"; the final
// chunk carries it clear, so a logical frame may exceed 64 KiB.
const (
	chunkFlag    = 0x8000
	maxChunkSize = 0x7FFF
	maxPlainSize = 0xFFFF
)

// ErrFrameTooLarge reports a write that needs chunked mode to fit.
var ErrFrameTooLarge = errors.New("socket: frame exceeds 64KiB and chunked write is off")

type streamFramer struct {
	nc net.Conn
	br *bufio.Reader
}

func newStreamFramer(nc net.Conn) *streamFramer {
	return &streamFramer{nc: nc, br: bufio.NewReaderSize(nc, 32*1024)}
}

func (f *streamFramer) readLoop(c *Conn) string {
	var hdr [2]byte
	for {
		if _, err := io.ReadFull(f.br, hdr[:]); err != nil {
			return readErrCode(err)
		}
		c.touch()
		size := binary.BigEndian.Uint16(hdr[:])

		buf := buffer.Get()
		if size&chunkFlag != 0 && c.chunkedRead.Load() {
			// Continuation chunks until one arrives with the flag clear.
			for {
				n := int(size &^ chunkFlag)
				if err := readPayload(f.br, buf, n); err != nil {
					buf.Release()
					return readErrCode(err)
				}
				if size&chunkFlag == 0 {
					break
				}
				if _, err := io.ReadFull(f.br, hdr[:]); err != nil {
					buf.Release()
					return readErrCode(err)
				}
				size = binary.BigEndian.Uint16(hdr[:])
			}
		} else {
			if err := readPayload(f.br, buf, int(size)); err != nil {
				buf.Release()
				return readErrCode(err)
			}
		}
		c.deliver(message.SubMessage, 0, "", buf)
	}
}

func readPayload(r io.Reader, buf *buffer.Buffer, n int) error {
	if n == 0 {
		return nil
	}
	chunk := make([]byte, n)
	if _, err := io.ReadFull(r, chunk); err != nil {
		return err
	}
	_, _ = buf.Write(chunk)
	return nil
}

func (f *streamFramer) writeBuffer(c *Conn, b *buffer.Buffer) error {
	if !b.HasFlag(buffer.FlagFraming) {
		return writeAll(f.nc, b.Bytes())
	}
	size := b.Len()
	switch {
	case size <= maxPlainSize && !(c.chunkedWrite.Load() && size > maxChunkSize):
		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], uint16(size))
		if b.Prepend(hdr[:]) {
			return writeAll(f.nc, b.Bytes())
		}
		if err := writeAll(f.nc, hdr[:]); err != nil {
			return err
		}
		return writeAll(f.nc, b.Bytes())
	case c.chunkedWrite.Load():
		payload := b.Bytes()
		for len(payload) > 0 {
			n := len(payload)
			flag := uint16(0)
			if n > maxChunkSize {
				n = maxChunkSize
			}
			if len(payload) > n {
				flag = chunkFlag
			}
			var hdr [2]byte
			binary.BigEndian.PutUint16(hdr[:], uint16(n)|flag)
			if err := writeAll(f.nc, hdr[:]); err != nil {
				return err
			}
			if err := writeAll(f.nc, payload[:n]); err != nil {
				return err
			}
			payload = payload[n:]
		}
		return nil
	default:
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
}

func (f *streamFramer) shutdown() {
	_ = f.nc.Close()
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func readErrCode(err error) string {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ErrCodeEOF
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrCodeTimeout
	}
	return ErrCodeSocket
}
