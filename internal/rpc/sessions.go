// Package rpc implements session-based request/response correlation for
// a single service: session id allocation, suspended-caller wakers, the
// cancelled-session ledger and the peer-exit watcher.
package rpc

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/arborlabs/arbor/internal/message"
)

// MaxSession is the largest session id before wraparound.
const MaxSession = 0x7FFFFFFF

// deadLedgerSize bounds the memory of recently cancelled sessions kept
// to tell a late reply (dropped silently) from a protocol error.
const deadLedgerSize = 4096

var (
	// ErrTargetExited resumes callers whose callee exited before replying.
	ErrTargetExited = errors.New("target exited")
	// ErrTimeout resumes callers whose wait deadline elapsed.
	ErrTimeout = errors.New("timeout")
	// ErrCanceled resumes callers whose session was cancelled locally.
	ErrCanceled = errors.New("session canceled")
)

// Reply is what a suspended caller wakes up with: the reply message or
// the error that ended the wait.
type Reply struct {
	Msg *message.Message
	Err error
}

// Waiter parks one suspended caller. The channel holds one reply so the
// resuming side never blocks.
type Waiter struct {
	ch chan Reply
}

// Wait returns the channel the suspended caller blocks on.
func (w *Waiter) Wait() <-chan Reply { return w.ch }

var waiterPool = sync.Pool{
	New: func() any {
		return &Waiter{ch: make(chan Reply, 1)}
	},
}

// GetWaiter fetches a pooled waker.
func GetWaiter() *Waiter {
	return waiterPool.Get().(*Waiter)
}

// PutWaiter recycles a waker. Any reply that raced into the channel is
// drained and released first so the next user starts clean.
func PutWaiter(w *Waiter) {
	select {
	case r := <-w.ch:
		if r.Msg != nil {
			r.Msg.Release()
		}
	default:
	}
	waiterPool.Put(w)
}

// Outcome reports what Resume did with a reply.
type Outcome int

const (
	// Resumed means a suspended caller was woken exactly once.
	Resumed Outcome = iota
	// Dropped means the session was cancelled and the reply discarded.
	Dropped
	// Unknown means no live or recently cancelled session matched.
	Unknown
)

// Sessions is the per-service session table. All methods are safe for
// concurrent use by the service's handler goroutines and its worker.
type Sessions struct {
	mu      sync.Mutex
	next    int32
	waiters map[int32]*Waiter
	watch   map[int32]uint32
	dead    *lru.Cache[int32, struct{}]
}

// New returns an empty session table.
func New() *Sessions {
	dead, _ := lru.New[int32, struct{}](deadLedgerSize)
	return &Sessions{
		waiters: make(map[int32]*Waiter),
		watch:   make(map[int32]uint32),
		dead:    dead,
	}
}

// Register allocates a fresh session id and parks w under it. Ids are
// positive, monotonic with wraparound at MaxSession, never zero and never
// collide with a live session.
func (s *Sessions) Register(w *Waiter) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		s.next++
		if s.next <= 0 || s.next > MaxSession {
			s.next = 1
		}
		if _, live := s.waiters[s.next]; !live {
			break
		}
	}
	s.waiters[s.next] = w
	return s.next
}

// Watch records that the given session awaits a reply from receiver, so
// the caller can be resumed if the receiver exits first.
func (s *Sessions) Watch(session int32, receiver uint32) {
	s.mu.Lock()
	s.watch[session] = receiver
	s.mu.Unlock()
}

// Resume wakes the caller parked under session with r. Each session
// resumes at most one caller; the waiter slot is cleared before the wake
// so a duplicate reply reports Unknown.
func (s *Sessions) Resume(session int32, r Reply) Outcome {
	s.mu.Lock()
	w, ok := s.waiters[session]
	if ok {
		delete(s.waiters, session)
		delete(s.watch, session)
		// The wake happens under the lock: once the waiter leaves the
		// table a timed-out caller may recycle it, and the send must
		// land before that. The channel holds one reply, so this never
		// blocks.
		w.ch <- r
		s.mu.Unlock()
		return Resumed
	}
	_, cancelled := s.dead.Get(session)
	s.mu.Unlock()
	if cancelled {
		if r.Msg != nil {
			r.Msg.Release()
		}
		return Dropped
	}
	return Unknown
}

// Cancel makes the session inert: a late reply is dropped without
// resuming anyone. Cancelling twice, or cancelling after the reply
// already landed, is a no-op.
func (s *Sessions) Cancel(session int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters, session)
	delete(s.watch, session)
	s.dead.Add(session, struct{}{})
}

// PeerExit resumes every caller watching the given receiver with
// ErrTargetExited.
func (s *Sessions) PeerExit(receiver uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for session, r := range s.watch {
		if r != receiver {
			continue
		}
		if w, ok := s.waiters[session]; ok {
			delete(s.waiters, session)
			w.ch <- Reply{Err: ErrTargetExited}
		}
		delete(s.watch, session)
		s.dead.Add(session, struct{}{})
	}
}

// CancelAll resumes every suspended caller with ErrCanceled. Used when
// the owning service is being destroyed.
func (s *Sessions) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for session, w := range s.waiters {
		delete(s.waiters, session)
		s.dead.Add(session, struct{}{})
		w.ch <- Reply{Err: ErrCanceled}
	}
	s.watch = make(map[int32]uint32)
}

// Live reports the number of suspended sessions.
func (s *Sessions) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
