package actor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arborlabs/arbor/config"
	"github.com/arborlabs/arbor/internal/eventbus"
	"github.com/arborlabs/arbor/internal/mailbox"
	"github.com/arborlabs/arbor/internal/message"
	"github.com/arborlabs/arbor/internal/rpc"
	"github.com/arborlabs/arbor/internal/socket"
	"github.com/arborlabs/arbor/internal/timer"
)

// mailboxBatch caps how many messages one poll drains so socket events
// and timers are not starved by a busy mailbox.
const mailboxBatch = 1024

// serviceSeqMask masks the per-worker sequence part of a service id.
const serviceSeqMask = 0x00FFFFFF

// WorkerOf extracts the owning worker id from a service id.
func WorkerOf(id uint32) uint8 {
	return uint8(id >> 24)
}

// Worker is one scheduling thread: it owns a mailbox, a timer wheel, a
// socket manager and the services placed on it. Service tables are
// mutated only from the worker's own loop; cross-worker effects arrive
// as posted tasks.
type Worker struct {
	id     uint8
	server *Server
	router *Router
	logger *slog.Logger

	mbox    *mailbox.Mailbox
	wheel   *timer.Wheel
	sockets *socket.Manager

	tmu    sync.Mutex
	tqueue []func()
	twake  chan struct{}

	smu      sync.RWMutex
	services map[uint32]*Service
	nextSeq  uint32

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	draining bool

	scratch []*message.Message
}

func newWorker(id uint8, srv *Server) *Worker {
	w := &Worker{
		id:       id,
		server:   srv,
		router:   srv.router,
		logger:   srv.logger.With("worker", id),
		mbox:     mailbox.New(),
		wheel:    timer.New(),
		twake:    make(chan struct{}, 1),
		services: make(map[uint32]*Service),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		scratch:  make([]*message.Message, 0, mailboxBatch),
	}
	w.sockets = socket.New(id, srv.fdreg, socket.Config{
		WarnSendQueueSize: srv.node.Net.WarnSendQueueSize,
		MaxSendQueueSize:  srv.node.Net.MaxSendQueueSize,
	}, srv.router.Send, w.logger)
	return w
}

// ID returns the worker's 1-based id.
func (w *Worker) ID() uint8 { return w.id }

func (w *Worker) start() {
	w.sockets.Start()
	go w.run()
}

func (w *Worker) run() {
	defer close(w.done)
	tm := time.NewTimer(time.Hour)
	defer tm.Stop()

	stop := w.stopCh
	for {
		if !tm.Stop() {
			select {
			case <-tm.C:
			default:
			}
		}
		next := time.Hour
		if deadline, ok := w.wheel.Next(); ok {
			next = time.Until(deadline)
			if next < 0 {
				next = 0
			}
		}
		tm.Reset(next)

		select {
		case <-w.mbox.Wake():
			w.drainMailbox()
		case <-w.twake:
			w.drainTasks()
		case now := <-tm.C:
			w.fireTimers(now)
		case <-stop:
			w.beginDrain()
			stop = nil
		}

		if w.draining && w.serviceCount() == 0 {
			w.shutdown()
			return
		}
	}
}

// beginDrain asks every hosted service to stop. The worker keeps
// processing until its table empties.
func (w *Worker) beginDrain() {
	if w.draining {
		return
	}
	w.draining = true
	w.smu.RLock()
	svcs := make([]*Service, 0, len(w.services))
	for _, s := range w.services {
		svcs = append(svcs, s)
	}
	w.smu.RUnlock()
	for _, s := range svcs {
		m := message.Get()
		m.Receiver = s.id
		m.Type = message.PTypeSystem
		m.Header = "stop"
		s.post(m)
	}
}

func (w *Worker) shutdown() {
	w.sockets.Close()
	w.mbox.Close()
	w.drainTasks()
}

func (w *Worker) drainMailbox() {
	batch := w.mbox.Drain(mailboxBatch, w.scratch)
	for _, m := range batch {
		w.route(m)
	}
	w.scratch = batch
}

func (w *Worker) drainTasks() {
	for {
		w.tmu.Lock()
		if len(w.tqueue) == 0 {
			w.tmu.Unlock()
			return
		}
		fn := w.tqueue[0]
		copy(w.tqueue, w.tqueue[1:])
		w.tqueue[len(w.tqueue)-1] = nil
		w.tqueue = w.tqueue[:len(w.tqueue)-1]
		w.tmu.Unlock()
		fn()
	}
}

// post runs fn on the worker's loop. Producers never block.
func (w *Worker) post(fn func()) {
	w.tmu.Lock()
	w.tqueue = append(w.tqueue, fn)
	w.tmu.Unlock()
	select {
	case w.twake <- struct{}{}:
	default:
	}
}

func (w *Worker) fireTimers(now time.Time) {
	for _, f := range w.wheel.Due(now) {
		if s := w.lookup(f.Owner); s != nil {
			s.postTimer(f.ID, f.Last)
		}
	}
}

func (w *Worker) lookup(id uint32) *Service {
	w.smu.RLock()
	defer w.smu.RUnlock()
	return w.services[id]
}

func (w *Worker) serviceCount() int {
	w.smu.RLock()
	defer w.smu.RUnlock()
	return len(w.services)
}

// route delivers one mailbox message: replies resume suspended callers
// directly, everything else is queued on the target service in FIFO
// order.
func (w *Worker) route(m *message.Message) {
	svc := w.lookup(m.Receiver)
	if svc == nil {
		if m.Session < 0 && m.Type != message.PTypeError {
			w.router.sendError(m.Receiver, m.Sender, m.Session, "route", "service not found")
		}
		m.Release()
		return
	}

	// Reply path: a positive session names a suspended caller.
	if m.Session > 0 && m.Type != message.PTypeError {
		switch svc.sessions.Resume(m.Session, rpc.Reply{Msg: m}) {
		case rpc.Resumed, rpc.Dropped:
		case rpc.Unknown:
			svc.logger.Error("protocol error: reply for unknown session",
				"session", m.Session, "sender", m.Sender)
			m.Release()
		}
		return
	}

	// Error path: the session was negated by the failing side.
	if m.Type == message.PTypeError && m.Session != 0 {
		session := m.Session
		if session < 0 {
			session = -session
		}
		errText := m.Text()
		if errText == "" {
			errText = m.Header
		}
		outcome := svc.sessions.Resume(session, rpc.Reply{Err: fmt.Errorf("%s", errText)})
		if outcome == rpc.Unknown {
			svc.logger.Error("error reply for unknown session", "session", session, "sender", m.Sender)
		}
		m.Release()
		return
	}

	svc.post(m)
}

// allocServiceID reserves an id encoding this worker in the high bits.
func (w *Worker) allocServiceID() (uint32, error) {
	w.smu.RLock()
	defer w.smu.RUnlock()
	for range serviceSeqMask {
		w.nextSeq = (w.nextSeq + 1) & serviceSeqMask
		if w.nextSeq == 0 {
			w.nextSeq = 1
		}
		id := uint32(w.id)<<24 | w.nextSeq
		if _, taken := w.services[id]; !taken {
			return id, nil
		}
	}
	return 0, fmt.Errorf("worker %d: service table exhausted", w.id)
}

// createService constructs a service on this worker. Must run on the
// worker's loop. When autoStart is set the Start callback is queued
// before any message can be dispatched.
func (w *Worker) createService(cfg *config.Service, autoStart bool) (*Service, error) {
	id, err := w.allocServiceID()
	if err != nil {
		return nil, err
	}
	s := newService(w, id, cfg, cfg.Unique)

	factory, err := w.server.factoryFor(cfg)
	if err != nil {
		return nil, err
	}
	cb, err := factory(s.ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("service %q init: %w", cfg.Name, err)
	}
	s.cb = cb

	if cfg.Unique {
		if !w.router.SetUnique(cfg.Name, id) {
			return nil, fmt.Errorf("service %q: %w", cfg.Name, ErrDuplicateName)
		}
	}

	w.smu.Lock()
	w.services[id] = s
	w.smu.Unlock()

	go s.pump()
	if autoStart {
		w.startService(s)
	}

	w.server.bus.Publish(eventbus.TopicServiceStarted, eventbus.ServiceEvent{
		ID: id, Name: cfg.Name, Worker: w.id, Unique: cfg.Unique,
	})
	return s, nil
}

// startService queues the Start callback as the service's first
// dispatch.
func (w *Worker) startService(s *Service) {
	if s.started.Swap(true) {
		return
	}
	s.postFn(func(ctx *Context) {
		if s.cb.Start != nil {
			s.cb.Start(ctx)
		}
	})
}

// removeService unlinks and destroys a hosted service. Safe to call
// from any goroutine; the teardown runs on the worker's loop. When
// replyTo is non-zero a confirmation is sent upon unregistering, before
// destroy completes.
func (w *Worker) removeService(id uint32, replyTo uint32, session int32) {
	w.post(func() {
		w.smu.Lock()
		s := w.services[id]
		delete(w.services, id)
		w.smu.Unlock()
		if s == nil {
			if replyTo != 0 && session != 0 {
				w.router.sendError(id, replyTo, -session, "remove", "service not found")
			}
			return
		}

		if s.unique {
			w.router.removeUnique(s.name, id)
		}
		if replyTo != 0 && session != 0 {
			w.router.sendText(id, replyTo, session, "removed")
		}

		s.quitOnce.Do(func() { close(s.quit) })
		s.sessions.CancelAll()
		s.handlers.Wait()

		w.wheel.RemoveOwned(id)
		w.router.notifyExit(id)

		if s.cb.Destroy != nil {
			s.cb.Destroy(s.ctx)
		}

		w.server.bus.Publish(eventbus.TopicServiceExited, eventbus.ServiceEvent{
			ID: id, Name: s.name, Worker: w.id, Unique: s.unique,
		})
	})
}

// serviceCrashed reports a handler panic. Unique services bring the
// whole node down (cfg: fatal taxonomy).
func (w *Worker) serviceCrashed(s *Service) {
	w.server.bus.Publish(eventbus.TopicServiceCrashed, eventbus.ServiceEvent{
		ID: s.id, Name: s.name, Worker: w.id, Unique: s.unique, Reason: "handler panic",
	})
}

// stats snapshots this worker's services. Runs on the caller.
func (w *Worker) stats() []Stat {
	w.smu.RLock()
	defer w.smu.RUnlock()
	out := make([]Stat, 0, len(w.services))
	for _, s := range w.services {
		out = append(out, s.stat())
	}
	return out
}
