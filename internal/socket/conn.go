package socket

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arborlabs/arbor/internal/buffer"
	"github.com/arborlabs/arbor/internal/message"
)

// Logic-error taxonomy codes carried in the header of SubError messages.
const (
	ErrCodeEOF          = "eof"
	ErrCodeTimeout      = "timeout"
	ErrCodeSocket       = "socket_error"
	ErrCodeOverflow     = "send_queue_overflow"
	ErrCodeFrameTooBig  = "frame_too_large"
	ErrCodeHandshake    = "handshake_failed"
	ErrCodeBreakerOpen  = "breaker_open"
	ErrCodeDoubleRead   = "double_read"
	ErrCodeReadNotReady = "read_not_ready"
)

// ErrDoubleRead reports a second read issued while one is outstanding.
var ErrDoubleRead = errors.New("socket: read already pending")

// framer is the variant-specific half of a connection: how frames are
// pulled off the wire and how queued buffers are pushed onto it.
type framer interface {
	// readLoop pulls frames until the transport fails, delivering each
	// through the conn. It returns the taxonomy code ending the loop.
	readLoop(c *Conn) string
	// writeBuffer writes one queued buffer, applying frame headers when
	// the buffer asks for framing.
	writeBuffer(c *Conn, b *buffer.Buffer) error
	// shutdown tears the transport down; called exactly once.
	shutdown()
}

type pendingRead struct {
	size    int
	delim   []byte
	session int32
}

// Conn is the per-socket state machine shared by the three framing
// variants: the send queue with its watermarks, the receive timestamp,
// the parked read slot and the teardown path.
type Conn struct {
	fd    uint32
	owner uint32
	proto message.PType
	mgr   *Manager
	fr    framer

	mu         sync.Mutex
	sendq      []*buffer.Buffer
	sendNotify chan struct{}
	done       chan struct{}
	warned     bool
	closing    bool
	pending    *pendingRead
	pendingSet chan struct{}

	chunkedRead  atomic.Bool
	chunkedWrite atomic.Bool

	lastRecvUnix atomic.Int64
	timeoutSecs  atomic.Int32

	closeOnce sync.Once
	logger    *slog.Logger
}

func newConn(mgr *Manager, fd, owner uint32, proto message.PType, fr framer) *Conn {
	c := &Conn{
		fd:         fd,
		owner:      owner,
		proto:      proto,
		mgr:        mgr,
		fr:         fr,
		sendNotify: make(chan struct{}, 1),
		done:       make(chan struct{}),
		pendingSet: make(chan struct{}, 1),
		logger:     mgr.logger.With("fd", fd, "owner", owner),
	}
	c.lastRecvUnix.Store(time.Now().Unix())
	return c
}

func (c *Conn) start() {
	c.mgr.wg.Add(2)
	go func() {
		defer c.mgr.wg.Done()
		code := c.fr.readLoop(c)
		c.close(code)
	}()
	go func() {
		defer c.mgr.wg.Done()
		c.writeLoop()
	}()
}

func (c *Conn) touch() {
	c.lastRecvUnix.Store(time.Now().Unix())
}

// deliver hands a socket event message to the owner service via the
// manager. The fd rides in the sender slot.
func (c *Conn) deliver(sub uint8, session int32, header string, buf *buffer.Buffer) {
	m := message.Get()
	m.Sender = c.fd
	m.Receiver = c.owner
	m.Session = session
	m.Type = c.proto
	m.Subtype = sub
	m.Header = header
	m.Buf = buf
	if !c.mgr.deliver(m) {
		// Owner is gone; nothing left to read for. The teardown runs
		// off this goroutine because deliver is also called from the
		// teardown itself.
		go c.close("")
	}
}

// Send appends b to the send queue, enforcing the warn and hard
// watermarks. It reports false when the connection is closing or the
// queue overflowed.
func (c *Conn) Send(b *buffer.Buffer) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		b.Release()
		return false
	}
	c.sendq = append(c.sendq, b)
	qlen := len(c.sendq)
	warn := !c.warned && qlen >= c.mgr.cfg.WarnSendQueueSize
	if warn {
		c.warned = true
	}
	over := qlen > c.mgr.cfg.MaxSendQueueSize
	c.mu.Unlock()

	if warn {
		c.logger.Warn("send queue above watermark", "len", qlen)
	}
	if over {
		c.close(ErrCodeOverflow)
		return false
	}
	select {
	case c.sendNotify <- struct{}{}:
	default:
	}
	return true
}

// SendAndClose queues b and closes the connection once it has drained.
func (c *Conn) SendAndClose(b *buffer.Buffer) bool {
	b.SetFlag(buffer.FlagCloseAfterSend)
	return c.Send(b)
}

// Read parks a read request on the connection. Only the text variant
// satisfies reads on demand; one request may be outstanding at a time.
func (c *Conn) Read(size int, delim []byte, session int32) error {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return ErrDoubleRead
	}
	c.pending = &pendingRead{size: size, delim: delim, session: session}
	c.mu.Unlock()
	select {
	case c.pendingSet <- struct{}{}:
	default:
	}
	return nil
}

// peekPending returns the outstanding read request without clearing
// it: the slot stays occupied, and further reads fail, until the
// request is satisfied or the connection dies.
func (c *Conn) peekPending() *pendingRead {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *Conn) takePending() *pendingRead {
	c.mu.Lock()
	p := c.pending
	c.pending = nil
	c.mu.Unlock()
	return p
}

func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		var b *buffer.Buffer
		if len(c.sendq) > 0 {
			b = c.sendq[0]
			copy(c.sendq, c.sendq[1:])
			c.sendq[len(c.sendq)-1] = nil
			c.sendq = c.sendq[:len(c.sendq)-1]
		}
		closing := c.closing
		c.mu.Unlock()

		if b == nil {
			if closing {
				return
			}
			select {
			case <-c.sendNotify:
			case <-c.done:
			}
			continue
		}

		err := c.fr.writeBuffer(c, b)
		closeAfter := b.HasFlag(buffer.FlagCloseAfterSend)
		b.Release()
		if err != nil {
			code := ErrCodeSocket
			if errors.Is(err, ErrFrameTooLarge) {
				code = ErrCodeFrameTooBig
			}
			c.close(code)
			return
		}
		if closeAfter {
			c.close("")
			return
		}
	}
}

// close tears the connection down exactly once. A non-empty code is
// surfaced to the owner as a SubError message before the SubClose.
func (c *Conn) close(code string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		for _, b := range c.sendq {
			b.Release()
		}
		c.sendq = nil
		c.mu.Unlock()
		close(c.done)
		c.fr.shutdown()

		// A parked reader must not hang on a dead connection.
		if p := c.takePending(); p != nil && p.session != 0 {
			reason := code
			if reason == "" {
				reason = ErrCodeEOF
			}
			m := message.Get()
			m.Sender = c.fd
			m.Receiver = c.owner
			m.Session = -p.session
			m.Type = message.PTypeError
			m.Header = reason
			m.Buf = buffer.From([]byte(reason))
			c.mgr.deliver(m)
		}

		if code != "" {
			c.deliver(message.SubError, 0, code, nil)
		}
		c.deliver(message.SubClose, 0, "", nil)
		c.mgr.remove(c.fd)
	})
}

// expired reports whether the receive timeout elapsed at now.
func (c *Conn) expired(now time.Time) bool {
	t := int64(c.timeoutSecs.Load())
	if t <= 0 {
		return false
	}
	return now.Unix()-c.lastRecvUnix.Load() > t
}
