// Package actor implements the scheduling core: services, workers, the
// router and the server lifecycle. A service is one isolated unit with
// its own session table, protocol registry, timers and behavior
// callbacks; a worker hosts many services and dispatches their messages
// one at a time.
package actor

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arborlabs/arbor/config"
	"github.com/arborlabs/arbor/internal/message"
	"github.com/arborlabs/arbor/internal/protocol"
	"github.com/arborlabs/arbor/internal/rpc"
)

// DispatchFunc handles one incoming message inside a service. A non-nil
// error on a message that expected a reply becomes an ERROR reply to the
// sender; on fire-and-forget traffic it is only logged.
type DispatchFunc func(*Context, *message.Message) error

// Callbacks is the contract between a service and its behavior (the
// embedded VM or a native Go behavior).
type Callbacks struct {
	// Start runs once, after every statically configured service on the
	// node finished construction; for dynamically created services it
	// runs before the first message.
	Start func(*Context)
	// Message handles one dispatched message.
	Message DispatchFunc
	// Exit runs when a stop is requested. The service stays alive until
	// it calls Quit, so asynchronous flushing is possible; while other
	// services retain it, the last Release after Exit also ends it.
	// Without an Exit callback a stop destroys the service immediately.
	Exit func(*Context)
	// Destroy runs last, after the service left its worker's table.
	Destroy func(*Context)
	// Timer fires per scheduled expiration with (id, isLast).
	Timer func(ctx *Context, id uint32, last bool)
}

// Factory builds a service's behavior from its config. Registered per
// service type on the server.
type Factory func(*Context, *config.Service) (Callbacks, error)

// memReportBase is the first memory watermark; each crossing doubles it.
const memReportBase = 8 << 20

type task struct {
	msg *message.Message
	fn  func(*Context)
}

// Service is one actor: identity, behavior callbacks, session table and
// the serial-execution machinery.
type Service struct {
	id     uint32
	name   string
	unique bool
	worker *Worker
	cfg    *config.Service
	logger *slog.Logger

	cb       Callbacks
	ctx      *Context
	sessions *rpc.Sessions
	protos   *protocol.Registry[DispatchFunc]

	// Pending dispatches, drained FIFO by the pump.
	qmu   sync.Mutex
	queue []task
	qwake chan struct{}

	// token serializes handler execution: exactly one handler segment
	// runs at a time, and switches happen only at suspension points.
	token        chan struct{}
	runStart     time.Time
	strictSerial bool

	quit     chan struct{}
	quitOnce sync.Once
	handlers sync.WaitGroup

	started   atomic.Bool
	stopping  atomic.Bool
	exitAsked atomic.Bool
	ok        atomic.Bool

	refs      atomic.Int32
	memUsed   atomic.Int64
	memLimit  int64
	memReport atomic.Int64
	cpuNanos  atomic.Int64
	dispatchN atomic.Int64
}

func newService(w *Worker, id uint32, cfg *config.Service, unique bool) *Service {
	s := &Service{
		id:       id,
		name:     cfg.Name,
		unique:   unique,
		worker:   w,
		cfg:      cfg,
		logger:   w.logger.With("service", cfg.Name, "id", id),
		sessions: rpc.New(),
		protos:   protocol.NewRegistry[DispatchFunc](),
		qwake:    make(chan struct{}, 1),
		token:    make(chan struct{}, 1),
		quit:     make(chan struct{}),
		memLimit: cfg.MemLimit,
	}
	s.token <- struct{}{}
	s.memReport.Store(memReportBase)
	s.ok.Store(true)
	s.ctx = &Context{svc: s}
	registerDefaults(s.protos)
	return s
}

func registerDefaults(r *protocol.Registry[DispatchFunc]) {
	for _, e := range []struct {
		name  string
		pt    message.PType
		codec protocol.Codec
	}{
		{"system", message.PTypeSystem, protocol.RawCodec{}},
		{"text", message.PTypeText, protocol.RawCodec{}},
		{"data", message.PTypeData, protocol.JSONCodec{}},
		{"socket", message.PTypeSocket, protocol.RawCodec{}},
		{"error", message.PTypeError, protocol.RawCodec{}},
		{"ws", message.PTypeWS, protocol.RawCodec{}},
		{"debug", message.PTypeDebug, protocol.JSONCodec{}},
	} {
		r.Register(&protocol.Entry[DispatchFunc]{Name: e.name, Type: e.pt, Codec: e.codec})
	}
}

// ID returns the service id; the high 8 bits name the owning worker.
func (s *Service) ID() uint32 { return s.id }

// Name returns the configured service name.
func (s *Service) Name() string { return s.name }

// post queues one message dispatch.
func (s *Service) post(m *message.Message) {
	s.enqueue(task{msg: m})
}

// postFn queues a callback to run in dispatch order.
func (s *Service) postFn(fn func(*Context)) {
	s.enqueue(task{fn: fn})
}

func (s *Service) enqueue(t task) {
	s.qmu.Lock()
	select {
	case <-s.quit:
		s.qmu.Unlock()
		if t.msg != nil {
			t.msg.Release()
		}
		return
	default:
	}
	s.queue = append(s.queue, t)
	s.qmu.Unlock()
	select {
	case s.qwake <- struct{}{}:
	default:
	}
}

func (s *Service) pop() (task, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return task{}, false
	}
	t := s.queue[0]
	copy(s.queue, s.queue[1:])
	s.queue[len(s.queue)-1] = task{}
	s.queue = s.queue[:len(s.queue)-1]
	return t, true
}

// pump starts dispatches strictly in queue order. Each dispatch runs on
// its own goroutine but only after acquiring the execution token, so a
// new dispatch begins only once the previous one returned or suspended.
func (s *Service) pump() {
	for {
		select {
		case <-s.qwake:
		case <-s.quit:
			s.flushQueue()
			return
		}
		for {
			t, ok := s.pop()
			if !ok {
				break
			}
			select {
			case <-s.token:
			case <-s.quit:
				if t.msg != nil {
					t.msg.Release()
				}
				s.flushQueue()
				return
			}
			s.runStart = time.Now()
			s.handlers.Add(1)
			go s.run(t)
		}
	}
}

func (s *Service) flushQueue() {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	for i := range s.queue {
		if s.queue[i].msg != nil {
			s.queue[i].msg.Release()
		}
		s.queue[i] = task{}
	}
	s.queue = nil
}

func (s *Service) acquireToken() {
	select {
	case <-s.token:
	case <-s.quit:
		// Service is tearing down; nothing else runs, proceed.
	}
	s.runStart = time.Now()
}

func (s *Service) releaseToken() {
	s.cpuNanos.Add(time.Since(s.runStart).Nanoseconds())
	select {
	case s.token <- struct{}{}:
	default:
	}
}

func (s *Service) run(t task) {
	defer s.handlers.Done()
	defer s.releaseToken()

	if t.fn != nil {
		defer func() {
			if r := recover(); r != nil {
				s.crashed(nil, r)
			}
		}()
		t.fn(s.ctx)
		return
	}

	m := t.msg
	defer m.Release()
	defer func() {
		if r := recover(); r != nil {
			s.crashed(m, r)
		}
	}()
	s.dispatchN.Add(1)
	s.dispatch(m)
}

func (s *Service) dispatch(m *message.Message) {
	// Handlers see the positive id they must echo in the response.
	replyWanted := m.Session < 0
	if replyWanted {
		m.Session = -m.Session
	}

	if m.Type == message.PTypeSystem && s.handleSystem(m) {
		return
	}

	entry, err := s.protos.ByType(m.Type)
	if err != nil {
		s.dispatchFailed(m, replyWanted, err)
		return
	}
	h := entry.Dispatch
	if h == nil {
		h = s.cb.Message
	}
	if h == nil {
		s.dispatchFailed(m, replyWanted, fmt.Errorf("no dispatch for ptype %d", m.Type))
		return
	}
	if err := h(s.ctx, m); err != nil {
		s.dispatchFailed(m, replyWanted, err)
	}
}

func (s *Service) dispatchFailed(m *message.Message, replyWanted bool, err error) {
	if replyWanted && m.Session > 0 {
		s.worker.router.sendError(s.id, m.Sender, -m.Session, "dispatch", err.Error())
		return
	}
	s.logger.Error("dispatch failed", "ptype", m.Type, "sender", m.Sender, "error", err)
}

func (s *Service) crashed(m *message.Message, r any) {
	err := fmt.Errorf("panic: %v", r)
	s.ok.Store(false)
	if m != nil && m.Session > 0 {
		s.worker.router.sendError(s.id, m.Sender, -m.Session, "dispatch", err.Error())
	}
	s.logger.Error("handler crashed", "error", err)
	s.worker.serviceCrashed(s)
}

// handleSystem intercepts runtime control traffic before the behavior.
func (s *Service) handleSystem(m *message.Message) bool {
	switch m.Header {
	case "retain":
		s.refs.Add(1)
		return true
	case "release":
		if s.refs.Add(-1) <= 0 && s.stopping.Load() && s.exitAsked.Load() {
			// The last holder let go after exit ran; finish the stop.
			s.ctx.Quit()
		}
		return true
	case "stop":
		s.beginStop()
		return true
	}
	return false
}

// beginStop runs the exit protocol in dispatch order.
func (s *Service) beginStop() {
	if s.stopping.Swap(true) {
		return
	}
	if s.cb.Exit == nil {
		s.ctx.Quit()
		return
	}
	s.exitAsked.Store(true)
	s.cb.Exit(s.ctx)
}

// postTimer queues one timer expiration in dispatch order.
func (s *Service) postTimer(id uint32, last bool) {
	s.postFn(func(ctx *Context) {
		if s.cb.Timer != nil {
			s.cb.Timer(ctx, id, last)
		}
	})
}

// AllocMem accounts n bytes against the service's memory budget. It
// reports false, leaving the usage untouched, when the limit would be
// exceeded. Crossing a doubling watermark logs a warning.
func (s *Service) AllocMem(n int64) bool {
	used := s.memUsed.Add(n)
	if s.memLimit > 0 && used > s.memLimit {
		s.memUsed.Add(-n)
		return false
	}
	for {
		mark := s.memReport.Load()
		if used < mark {
			break
		}
		if s.memReport.CompareAndSwap(mark, mark*2) {
			s.logger.Warn("memory watermark crossed", "used", used, "watermark", mark)
		}
	}
	return true
}

// FreeMem returns n accounted bytes.
func (s *Service) FreeMem(n int64) {
	s.memUsed.Add(-n)
}

// Stat is the observability snapshot of one service.
type Stat struct {
	ID        uint32 `json:"id"`
	Name      string `json:"name"`
	Unique    bool   `json:"unique"`
	Worker    uint8  `json:"worker"`
	CPUNanos  int64  `json:"cpu_nanos"`
	MemUsed   int64  `json:"mem_used"`
	MemLimit  int64  `json:"mem_limit"`
	Dispatch  int64  `json:"dispatched"`
	Suspended int    `json:"suspended"`
	QueueLen  int    `json:"queue_len"`
}

func (s *Service) stat() Stat {
	s.qmu.Lock()
	qlen := len(s.queue)
	s.qmu.Unlock()
	return Stat{
		ID:        s.id,
		Name:      s.name,
		Unique:    s.unique,
		Worker:    uint8(s.id >> 24),
		CPUNanos:  s.cpuNanos.Load(),
		MemUsed:   s.memUsed.Load(),
		MemLimit:  s.memLimit,
		Dispatch:  s.dispatchN.Load(),
		Suspended: s.sessions.Live(),
		QueueLen:  qlen,
	}
}
