package actor

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arborlabs/arbor/config"
	"github.com/arborlabs/arbor/internal/buffer"
	"github.com/arborlabs/arbor/internal/message"
	"github.com/arborlabs/arbor/internal/protocol"
	"github.com/arborlabs/arbor/internal/rpc"
)

// ErrSendFailed reports an unroutable destination.
var ErrSendFailed = errors.New("actor: send failed")

// Context is the handle a behavior uses to talk to the runtime. All
// methods are safe to call from the service's handler goroutines; the
// suspending ones (Call, Sleep, SocketRead, Connect, NewService) release
// the service's execution token while parked, so other messages for the
// same service may be dispatched meanwhile unless the service runs in
// strict-serial mode.
type Context struct {
	svc *Service
}

// ID returns the owning service's id.
func (c *Context) ID() uint32 { return c.svc.id }

// Name returns the owning service's name.
func (c *Context) Name() string { return c.svc.name }

// Logger returns the service-scoped logger.
func (c *Context) Logger() *slog.Logger { return c.svc.logger }

// Config returns the service's creation config.
func (c *Context) Config() *config.Service { return c.svc.cfg }

// Stopping reports whether a stop was requested for this service.
func (c *Context) Stopping() bool { return c.svc.stopping.Load() }

// Refs reports the current retain count.
func (c *Context) Refs() int32 { return c.svc.refs.Load() }

// SetStrictSerial disables re-entry: while any handler of this service
// is suspended, no further message is dispatched to it.
func (c *Context) SetStrictSerial(on bool) { c.svc.strictSerial = on }

// RegisterProtocol installs or overrides a wire-type entry.
func (c *Context) RegisterProtocol(name string, pt message.PType, codec protocol.Codec, dispatch DispatchFunc) {
	c.svc.protos.Register(&protocol.Entry[DispatchFunc]{
		Name: name, Type: pt, Codec: codec, Dispatch: dispatch,
	})
}

// AllocMem accounts bytes against the service's memory budget.
func (c *Context) AllocMem(n int64) bool { return c.svc.AllocMem(n) }

// FreeMem returns accounted bytes.
func (c *Context) FreeMem(n int64) { c.svc.FreeMem(n) }

// --- messaging ---

// SendRaw sends payload bytes fire-and-forget with an explicit wire
// type. A receiver of zero resolves toName through the unique-name
// registry.
func (c *Context) SendRaw(pt message.PType, to uint32, toName, header string, payload []byte) bool {
	m := message.Get()
	m.Sender = c.svc.id
	m.Receiver = to
	m.Type = pt
	m.Header = header
	if m.Receiver == 0 {
		m.Header = toName
	}
	if payload != nil {
		m.Buf = buffer.From(payload)
	}
	return c.svc.worker.router.Send(m)
}

// Send packs args with the named protocol's codec and sends them
// fire-and-forget.
func (c *Context) Send(proto string, to uint32, args ...any) error {
	entry, err := c.svc.protos.ByName(proto)
	if err != nil {
		return err
	}
	payload, err := entry.Codec.Pack(args...)
	if err != nil {
		return err
	}
	if !c.SendRaw(entry.Type, to, "", "", payload) {
		return fmt.Errorf("%w: to %d", ErrSendFailed, to)
	}
	return nil
}

// Call packs args, sends them expecting a reply, suspends the calling
// handler and returns the unpacked reply. A timeout of zero waits
// forever. On timeout the session is cancelled so a late reply is
// dropped silently.
func (c *Context) Call(proto string, to uint32, timeout time.Duration, args ...any) ([]any, error) {
	entry, err := c.svc.protos.ByName(proto)
	if err != nil {
		return nil, err
	}
	payload, err := entry.Codec.Pack(args...)
	if err != nil {
		return nil, err
	}

	w := rpc.GetWaiter()
	session := c.svc.sessions.Register(w)
	c.svc.sessions.Watch(session, to)

	m := message.Get()
	m.Sender = c.svc.id
	m.Receiver = to
	m.Session = -session
	m.Type = entry.Type
	m.Buf = buffer.From(payload)
	if !c.svc.worker.router.Send(m) {
		c.svc.sessions.Cancel(session)
		rpc.PutWaiter(w)
		return nil, fmt.Errorf("%w: to %d", ErrSendFailed, to)
	}

	r := c.suspend(w, session, timeout)
	if r.Err != nil {
		return nil, r.Err
	}
	defer r.Msg.Release()
	return entry.Codec.Unpack(r.Msg.Payload())
}

// Response packs args and sends them as the reply for session. A
// session of zero is a no-op, so handlers can reply unconditionally.
func (c *Context) Response(proto string, to uint32, session int32, args ...any) error {
	if session == 0 {
		return nil
	}
	entry, err := c.svc.protos.ByName(proto)
	if err != nil {
		return err
	}
	payload, err := entry.Codec.Pack(args...)
	if err != nil {
		return err
	}
	m := message.Get()
	m.Sender = c.svc.id
	m.Receiver = to
	m.Session = session
	m.Type = entry.Type
	m.Buf = buffer.From(payload)
	if !c.svc.worker.router.Send(m) {
		return fmt.Errorf("%w: to %d", ErrSendFailed, to)
	}
	return nil
}

// CancelSession makes a pending session inert; a late reply is dropped
// without resuming anyone. Cancelling twice is a no-op.
func (c *Context) CancelSession(session int32) {
	c.svc.sessions.Cancel(session)
}

// suspend parks the calling handler on w. Outside strict-serial mode
// the execution token is released while parked, so the worker may start
// further dispatches for this service.
func (c *Context) suspend(w *rpc.Waiter, session int32, timeout time.Duration) rpc.Reply {
	strict := c.svc.strictSerial
	if !strict {
		c.svc.releaseToken()
	}

	var r rpc.Reply
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		select {
		case r = <-w.Wait():
			tm.Stop()
		case <-tm.C:
			c.svc.sessions.Cancel(session)
			r = rpc.Reply{Err: rpc.ErrTimeout}
		case <-c.svc.quit:
			tm.Stop()
			c.svc.sessions.Cancel(session)
			r = rpc.Reply{Err: rpc.ErrCanceled}
		}
	} else {
		select {
		case r = <-w.Wait():
		case <-c.svc.quit:
			c.svc.sessions.Cancel(session)
			r = rpc.Reply{Err: rpc.ErrCanceled}
		}
	}
	rpc.PutWaiter(w)

	if !strict {
		c.svc.acquireToken()
	}
	return r
}

// Async queues fn to run as its own dispatch, after the pending queue,
// honoring the serial-execution contract.
func (c *Context) Async(fn func(*Context)) {
	c.svc.postFn(fn)
}

// Sleep suspends the calling handler for d.
func (c *Context) Sleep(d time.Duration) {
	strict := c.svc.strictSerial
	if !strict {
		c.svc.releaseToken()
	}
	select {
	case <-time.After(d):
	case <-c.svc.quit:
	}
	if !strict {
		c.svc.acquireToken()
	}
}

// --- timers ---

// Repeated schedules a timer firing every interval, times times in
// total (timer.Unbounded repeats forever) and returns its id.
func (c *Context) Repeated(interval time.Duration, times int32) uint32 {
	id := c.svc.worker.wheel.Repeated(c.svc.id, interval, times)
	// Wake the worker loop so it re-arms its deadline for the new entry.
	c.svc.worker.post(func() {})
	return id
}

// RemoveTimer cancels a timer, including from inside its own fire.
func (c *Context) RemoveTimer(id uint32) {
	c.svc.worker.wheel.Remove(id)
}

// --- lifecycle ---

// Quit removes the service from its worker. Destroy runs after the
// service left the table.
func (c *Context) Quit() {
	c.svc.worker.removeService(c.svc.id, 0, 0)
}

// Retain asks the target service to defer its shutdown until Release.
func (c *Context) Retain(to uint32) bool {
	return c.SendRaw(message.PTypeSystem, to, "", "retain", nil)
}

// Release undoes a Retain.
func (c *Context) Release(to uint32) bool {
	return c.SendRaw(message.PTypeSystem, to, "", "release", nil)
}

// NewService creates a service (round-robin worker placement unless
// hint is positive), suspending until construction finished.
func (c *Context) NewService(cfg *config.Service, hint int) (uint32, error) {
	strict := c.svc.strictSerial
	if !strict {
		c.svc.releaseToken()
	}
	out := c.svc.worker.router.newServiceAsync(cfg, hint)
	var id uint32
	var err error
	select {
	case res := <-out:
		id, err = res.id, res.err
	case <-c.svc.quit:
		err = rpc.ErrCanceled
	}
	if !strict {
		c.svc.acquireToken()
	}
	return id, err
}

// RemoveService asks the owner worker to destroy the given service.
func (c *Context) RemoveService(id uint32) {
	c.svc.worker.router.RemoveService(id, 0, 0)
}

// --- environment ---

// SetEnv stores an opaque process-global value.
func (c *Context) SetEnv(name, value string) {
	c.svc.worker.router.SetEnv(name, value)
}

// GetEnv loads an opaque process-global value.
func (c *Context) GetEnv(name string) (string, bool) {
	return c.svc.worker.router.GetEnv(name)
}

// Query resolves a unique service name to its id; zero means unknown.
func (c *Context) Query(name string) uint32 {
	return c.svc.worker.router.GetUnique(name)
}

// --- sockets ---

// Listen opens a listener for the given framing; accepted connections
// deliver SubAccept messages to this service.
func (c *Context) Listen(pt message.PType, addr string) (uint32, error) {
	return c.svc.worker.sockets.Listen(c.svc.id, pt, addr)
}

// Connect dials addr, suspending the calling handler for the dial.
func (c *Context) Connect(pt message.PType, addr string, timeout time.Duration) (uint32, error) {
	strict := c.svc.strictSerial
	if !strict {
		c.svc.releaseToken()
	}
	fd, err := c.svc.worker.sockets.Connect(c.svc.id, pt, addr, timeout)
	if !strict {
		c.svc.acquireToken()
	}
	return fd, err
}

// SocketSend queues payload on fd, framed per the connection's mode.
func (c *Context) SocketSend(fd uint32, payload []byte) bool {
	b := buffer.From(payload)
	b.SetFlag(buffer.FlagFraming)
	return c.svc.worker.sockets.Send(fd, b)
}

// SocketSendBuffer queues a prepared buffer on fd.
func (c *Context) SocketSendBuffer(fd uint32, b *buffer.Buffer) bool {
	return c.svc.worker.sockets.Send(fd, b)
}

// SocketSendThenClose queues payload and closes fd once it drained.
func (c *Context) SocketSendThenClose(fd uint32, payload []byte) bool {
	b := buffer.From(payload)
	b.SetFlag(buffer.FlagFraming)
	return c.svc.worker.sockets.SendAndClose(fd, b)
}

// SocketRead parks a read on fd (text framing: n exact bytes, or until
// delim) and suspends until the bytes arrive. Issuing a second read
// while one is outstanding is a usage error.
func (c *Context) SocketRead(fd uint32, n int, delim []byte, timeout time.Duration) ([]byte, error) {
	w := rpc.GetWaiter()
	session := c.svc.sessions.Register(w)
	if err := c.svc.worker.sockets.Read(fd, n, delim, session); err != nil {
		c.svc.sessions.Cancel(session)
		rpc.PutWaiter(w)
		return nil, err
	}
	r := c.suspend(w, session, timeout)
	if r.Err != nil {
		return nil, r.Err
	}
	defer r.Msg.Release()
	data := make([]byte, len(r.Msg.Payload()))
	copy(data, r.Msg.Payload())
	return data, nil
}

// CloseSocket closes the connection or listener holding fd.
func (c *Context) CloseSocket(fd uint32) bool {
	return c.svc.worker.sockets.CloseFD(fd)
}

// SetSocketTimeout arms fd's receive timeout in whole seconds.
func (c *Context) SetSocketTimeout(fd uint32, secs int) bool {
	return c.svc.worker.sockets.SetTimeout(fd, secs)
}

// SetEnableChunked switches chunked framing: "r", "w", "rw" or "none".
func (c *Context) SetEnableChunked(fd uint32, mode string) error {
	return c.svc.worker.sockets.SetEnableChunked(fd, mode)
}
