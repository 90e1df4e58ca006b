package actor

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/arborlabs/arbor/config"
	"github.com/arborlabs/arbor/internal/buffer"
	"github.com/arborlabs/arbor/internal/message"
)

// ErrDuplicateName reports a unique-name collision at registration.
var ErrDuplicateName = errors.New("actor: unique name already registered")

// Router is the process-global directory: it resolves service ids to
// workers (a bit extraction, no table), owns the unique-name registry
// and the environment store, and fans broadcasts out to every worker.
type Router struct {
	server *Server
	logger *slog.Logger

	workers []*Worker

	nameMu sync.RWMutex
	names  map[string]uint32

	env sync.Map

	rr atomic.Uint32
}

func newRouter(srv *Server, logger *slog.Logger) *Router {
	return &Router{
		server: srv,
		logger: logger,
		names:  make(map[string]uint32),
	}
}

func (r *Router) workerFor(id uint32) *Worker {
	wid := int(WorkerOf(id))
	if wid < 1 || wid > len(r.workers) {
		return nil
	}
	return r.workers[wid-1]
}

// Send routes m to its receiver's worker mailbox without copying. A
// receiver of zero is resolved through the unique-name registry using
// the header. Unroutable requests that expected a reply also produce an
// ERROR reply to the sender. Send reports whether m was enqueued on the
// receiver's worker mailbox.
func (r *Router) Send(m *message.Message) bool {
	if m.Receiver == 0 && m.Header != "" {
		if id := r.GetUnique(m.Header); id != 0 {
			m.Receiver = id
			m.Header = ""
		}
	}
	receiver, sender, session := m.Receiver, m.Sender, m.Session
	w := r.workerFor(receiver)
	if w == nil || !w.mbox.Push(m) {
		m.Release()
		if session < 0 {
			r.sendError(receiver, sender, session, "route", "service not found")
		}
		return false
	}
	return true
}

// sendText delivers a plain text message, typically a reply on the
// admin channel.
func (r *Router) sendText(from, to uint32, session int32, text string) {
	m := message.Get()
	m.Sender = from
	m.Receiver = to
	m.Session = session
	m.Type = message.PTypeText
	m.Buf = buffer.From([]byte(text))
	if w := r.workerFor(to); w != nil {
		w.mbox.Push(m)
		return
	}
	m.Release()
}

// sendError delivers an ERROR-typed reply. The session arrives already
// negated by the failing side.
func (r *Router) sendError(from, to uint32, session int32, header, text string) {
	if to == 0 {
		return
	}
	m := message.Get()
	m.Sender = from
	m.Receiver = to
	m.Session = session
	m.Type = message.PTypeError
	m.Header = header
	m.Buf = buffer.From([]byte(text))
	if w := r.workerFor(to); w != nil {
		w.mbox.Push(m)
		return
	}
	m.Release()
}

// Broadcast fans one message out to every service on every worker. The
// payload buffer is shared, not copied; each delivery holds its own
// reference. Ordering relative to concurrent unicasts is unspecified.
func (r *Router) Broadcast(from uint32, pt message.PType, header string, payload []byte) {
	base := buffer.From(payload)
	for _, w := range r.workers {
		w := w
		base.Retain()
		w.post(func() {
			defer base.Release()
			w.smu.RLock()
			svcs := make([]*Service, 0, len(w.services))
			for _, s := range w.services {
				svcs = append(svcs, s)
			}
			w.smu.RUnlock()
			for _, s := range svcs {
				m := message.Get()
				m.Sender = from
				m.Receiver = s.id
				m.Type = pt
				m.Header = header
				m.Buf = base.Retain()
				s.post(m)
			}
		})
	}
	base.Release()
}

// notifyExit resumes every caller process-wide that awaits a reply from
// the exited service.
func (r *Router) notifyExit(id uint32) {
	for _, w := range r.workers {
		w := w
		w.post(func() {
			w.smu.RLock()
			svcs := make([]*Service, 0, len(w.services))
			for _, s := range w.services {
				svcs = append(svcs, s)
			}
			w.smu.RUnlock()
			for _, s := range svcs {
				s.sessions.PeerExit(id)
			}
		})
	}
}

// --- unique names ---

// SetUnique registers name atomically; it fails when the name exists.
func (r *Router) SetUnique(name string, id uint32) bool {
	r.nameMu.Lock()
	defer r.nameMu.Unlock()
	if _, taken := r.names[name]; taken {
		return false
	}
	r.names[name] = id
	return true
}

// GetUnique resolves a unique name; zero means unknown.
func (r *Router) GetUnique(name string) uint32 {
	r.nameMu.RLock()
	defer r.nameMu.RUnlock()
	return r.names[name]
}

func (r *Router) removeUnique(name string, id uint32) {
	r.nameMu.Lock()
	defer r.nameMu.Unlock()
	if r.names[name] == id {
		delete(r.names, name)
	}
}

// --- environment store ---

// SetEnv stores an opaque process-global byte string.
func (r *Router) SetEnv(name, value string) {
	r.env.Store(name, value)
}

// GetEnv loads an opaque process-global byte string.
func (r *Router) GetEnv(name string) (string, bool) {
	v, ok := r.env.Load(name)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// ApplyEnv merges a config env block into the store.
func (r *Router) ApplyEnv(env map[string]string) {
	for k, v := range env {
		r.env.Store(k, v)
	}
}

// --- service management ---

type createResult struct {
	id  uint32
	err error
}

// pickWorker applies the placement policy: an explicit positive hint
// wins, otherwise round-robin.
func (r *Router) pickWorker(hint int) *Worker {
	if hint > 0 && hint <= len(r.workers) {
		return r.workers[hint-1]
	}
	n := r.rr.Add(1)
	return r.workers[int(n)%len(r.workers)]
}

// newServiceAsync posts a creation task onto the chosen worker and
// returns the channel carrying the outcome. Dynamically created
// services auto-start; the bootstrap defers every Start until all
// static services finished construction.
func (r *Router) newServiceAsync(cfg *config.Service, hint int) <-chan createResult {
	return r.newServiceDeferred(cfg, hint, true)
}

func (r *Router) newServiceDeferred(cfg *config.Service, hint int, autoStart bool) <-chan createResult {
	out := make(chan createResult, 1)
	w := r.pickWorker(hint)
	w.post(func() {
		s, err := w.createService(cfg, autoStart)
		if err != nil {
			out <- createResult{err: err}
			return
		}
		out <- createResult{id: s.id}
	})
	return out
}

// NewServiceSync creates a service and blocks the calling goroutine
// (never a worker loop) until construction finished. Service handlers
// use Context.NewService instead, which suspends properly.
func (r *Router) NewServiceSync(cfg *config.Service, hint int) (uint32, error) {
	res := <-r.newServiceAsync(cfg, hint)
	return res.id, res.err
}

// NewService creates a service and, when session is non-zero, reports
// the outcome to replyTo: the new id as a text reply or an ERROR reply.
func (r *Router) NewService(cfg *config.Service, hint int, replyTo uint32, session int32) {
	out := r.newServiceAsync(cfg, hint)
	if replyTo == 0 || session == 0 {
		return
	}
	go func() {
		res := <-out
		if res.err != nil {
			r.sendError(0, replyTo, -session, "new_service", res.err.Error())
			return
		}
		r.sendText(res.id, replyTo, session, formatID(res.id))
	}()
}

// RemoveService destroys id; with a session the caller is answered upon
// unregistering, before destroy completes.
func (r *Router) RemoveService(id uint32, replyTo uint32, session int32) {
	w := r.workerFor(id)
	if w == nil {
		if replyTo != 0 && session != 0 {
			r.sendError(id, replyTo, -session, "remove", "service not found")
		}
		return
	}
	w.removeService(id, replyTo, session)
}
