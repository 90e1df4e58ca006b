// Package socket implements the per-worker network layer: a table of
// listeners and connections keyed by fd, three framing variants
// (length-prefixed, text, websocket), per-connection send queues with
// watermarks and the coarse receive-timeout sweep.
package socket

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arborlabs/arbor/internal/buffer"
	"github.com/arborlabs/arbor/internal/message"
)

// sweepInterval is the coarse granularity of receive timeouts.
const sweepInterval = 10 * time.Second

// Config tunes a manager's send-queue watermarks.
type Config struct {
	WarnSendQueueSize int
	MaxSendQueueSize  int
}

// ConnStat is one live connection's observability snapshot.
type ConnStat struct {
	FD       uint32        `json:"fd"`
	Owner    uint32        `json:"owner"`
	Proto    message.PType `json:"proto"`
	QueueLen int           `json:"queue_len"`
	LastRecv int64         `json:"last_recv"`
}

// Manager owns every socket opened on one worker. Connections are never
// shared across workers; the fd's high 16 bits name the owner worker.
type Manager struct {
	workerID uint8
	reg      *FDRegistry
	cfg      Config
	logger   *slog.Logger
	deliver  func(*message.Message) bool
	dialer   *breakerDialer

	mu        sync.Mutex
	conns     map[uint32]*Conn
	listeners map[uint32]*listener
	counter   uint16

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds the manager for one worker. deliver pushes socket event
// messages toward the owning services and reports whether the owner was
// still routable.
func New(workerID uint8, reg *FDRegistry, cfg Config, deliver func(*message.Message) bool, logger *slog.Logger) *Manager {
	if cfg.WarnSendQueueSize <= 0 {
		cfg.WarnSendQueueSize = 256
	}
	if cfg.MaxSendQueueSize <= 0 {
		cfg.MaxSendQueueSize = 4096
	}
	return &Manager{
		workerID:  workerID,
		reg:       reg,
		cfg:       cfg,
		logger:    logger.With("worker", workerID),
		deliver:   deliver,
		dialer:    newBreakerDialer(),
		conns:     make(map[uint32]*Conn),
		listeners: make(map[uint32]*listener),
		stop:      make(chan struct{}),
	}
}

// Start launches the timeout sweep.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case now := <-ticker.C:
				m.sweep(now)
			}
		}
	}()
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var expired []*Conn
	for _, c := range m.conns {
		if c.expired(now) {
			expired = append(expired, c)
		}
	}
	m.mu.Unlock()
	for _, c := range expired {
		c.close(ErrCodeTimeout)
	}
}

// Close tears down every listener and connection and waits for their
// goroutines.
func (m *Manager) Close() {
	close(m.stop)
	m.mu.Lock()
	lns := make([]*listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		lns = append(lns, l)
	}
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, l := range lns {
		l.shutdown()
	}
	for _, c := range conns {
		c.close("")
	}
	m.wg.Wait()
}

func (m *Manager) allocFD() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.Alloc(m.workerID, &m.counter)
}

func (m *Manager) track(c *Conn) {
	m.mu.Lock()
	m.conns[c.fd] = c
	m.mu.Unlock()
}

func (m *Manager) remove(fd uint32) {
	m.mu.Lock()
	_, ok := m.conns[fd]
	delete(m.conns, fd)
	m.mu.Unlock()
	if ok {
		m.reg.Release(fd)
	}
}

func (m *Manager) get(fd uint32) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[fd]
}

// adopt wires a framer into the table and starts its loops.
func (m *Manager) adopt(fd, owner uint32, proto message.PType, fr framer) *Conn {
	c := newConn(m, fd, owner, proto, fr)
	m.track(c)
	c.start()
	return c
}

// Send queues buf on fd. Unknown fds report false.
func (m *Manager) Send(fd uint32, buf *buffer.Buffer) bool {
	c := m.get(fd)
	if c == nil {
		buf.Release()
		return false
	}
	return c.Send(buf)
}

// SendAndClose queues buf and closes fd after it drains.
func (m *Manager) SendAndClose(fd uint32, buf *buffer.Buffer) bool {
	c := m.get(fd)
	if c == nil {
		buf.Release()
		return false
	}
	return c.SendAndClose(buf)
}

// Read parks a read request on fd (text framing).
func (m *Manager) Read(fd uint32, size int, delim []byte, session int32) error {
	c := m.get(fd)
	if c == nil {
		return fmt.Errorf("socket: read on unknown fd %d", fd)
	}
	return c.Read(size, delim, session)
}

// CloseFD closes the connection or listener holding fd.
func (m *Manager) CloseFD(fd uint32) bool {
	if c := m.get(fd); c != nil {
		c.close("")
		return true
	}
	m.mu.Lock()
	l := m.listeners[fd]
	delete(m.listeners, fd)
	m.mu.Unlock()
	if l != nil {
		l.shutdown()
		m.reg.Release(fd)
		return true
	}
	return false
}

// SetTimeout arms the receive timeout of fd, in whole seconds. Zero
// disables it.
func (m *Manager) SetTimeout(fd uint32, secs int) bool {
	c := m.get(fd)
	if c == nil {
		return false
	}
	c.timeoutSecs.Store(int32(secs))
	return true
}

// SetEnableChunked switches chunked framing per direction: "r", "w",
// "rw" or "none".
func (m *Manager) SetEnableChunked(fd uint32, mode string) error {
	c := m.get(fd)
	if c == nil {
		return fmt.Errorf("socket: unknown fd %d", fd)
	}
	switch strings.ToLower(mode) {
	case "r":
		c.chunkedRead.Store(true)
		c.chunkedWrite.Store(false)
	case "w":
		c.chunkedRead.Store(false)
		c.chunkedWrite.Store(true)
	case "rw":
		c.chunkedRead.Store(true)
		c.chunkedWrite.Store(true)
	case "none", "":
		c.chunkedRead.Store(false)
		c.chunkedWrite.Store(false)
	default:
		return fmt.Errorf("socket: bad chunked mode %q", mode)
	}
	return nil
}

// Stats snapshots the live connections for the debug endpoint.
func (m *Manager) Stats() []ConnStat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnStat, 0, len(m.conns))
	for _, c := range m.conns {
		c.mu.Lock()
		qlen := len(c.sendq)
		c.mu.Unlock()
		out = append(out, ConnStat{
			FD:       c.fd,
			Owner:    c.owner,
			Proto:    c.proto,
			QueueLen: qlen,
			LastRecv: c.lastRecvUnix.Load(),
		})
	}
	return out
}
