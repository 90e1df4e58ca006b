package socket

import (
	"bufio"
	"bytes"
	"io"
	"net"

	"github.com/arborlabs/arbor/internal/buffer"
	"github.com/arborlabs/arbor/internal/message"
)

// Text framing is demand driven: the owner parks a read request (exact
// size or until a delimiter) and the satisfying bytes come back as a
// reply message carrying the request's session. The delimiter is not
// included in the delivered payload.
type textFramer struct {
	nc net.Conn
	br *bufio.Reader
}

func newTextFramer(nc net.Conn) *textFramer {
	return &textFramer{nc: nc, br: bufio.NewReaderSize(nc, 16*1024)}
}

func (f *textFramer) readLoop(c *Conn) string {
	for {
		select {
		case <-c.pendingSet:
		case <-c.done:
			return ""
		}
		p := c.peekPending()
		if p == nil {
			continue
		}

		var (
			data []byte
			err  error
		)
		if len(p.delim) > 0 {
			data, err = readUntil(f.br, p.delim)
		} else {
			data = make([]byte, p.size)
			_, err = io.ReadFull(f.br, data)
		}
		if err != nil {
			// The request stays parked so the teardown resumes the
			// reader with an error reply.
			return readErrCode(err)
		}
		c.touch()
		// Free the slot before the reply lands: once the owner resumes
		// it may immediately issue the next read.
		c.takePending()
		c.deliver(message.SubMessage, p.session, "", buffer.From(data))
	}
}

// readUntil reads through the first occurrence of delim and returns the
// bytes before it.
func readUntil(br *bufio.Reader, delim []byte) ([]byte, error) {
	var out []byte
	last := delim[len(delim)-1]
	for {
		part, err := br.ReadBytes(last)
		out = append(out, part...)
		if err != nil {
			return nil, err
		}
		if bytes.HasSuffix(out, delim) {
			return out[:len(out)-len(delim)], nil
		}
	}
}

func (f *textFramer) writeBuffer(_ *Conn, b *buffer.Buffer) error {
	return writeAll(f.nc, b.Bytes())
}

func (f *textFramer) shutdown() {
	_ = f.nc.Close()
}
