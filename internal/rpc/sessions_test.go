package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborlabs/arbor/internal/buffer"
	"github.com/arborlabs/arbor/internal/message"
)

func reply(text string) Reply {
	m := message.Get()
	m.Buf = buffer.From([]byte(text))
	return Reply{Msg: m}
}

func TestRegisterAllocatesDistinctPositiveIDs(t *testing.T) {
	s := New()
	seen := make(map[int32]bool)
	for range 1000 {
		id := s.Register(GetWaiter())
		require.Positive(t, id)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestResumeWakesExactlyOnce(t *testing.T) {
	s := New()
	w := GetWaiter()
	id := s.Register(w)

	assert.Equal(t, Resumed, s.Resume(id, reply("pong")))
	r := <-w.Wait()
	require.NoError(t, r.Err)
	assert.Equal(t, "pong", r.Msg.Text())
	r.Msg.Release()
	PutWaiter(w)

	// A duplicate reply has nobody to wake and no cancel record.
	assert.Equal(t, Unknown, s.Resume(id, reply("again")))
}

func TestCancelDropsLateReplySilently(t *testing.T) {
	s := New()
	w := GetWaiter()
	id := s.Register(w)

	s.Cancel(id)
	PutWaiter(w)

	// The late reply is recognized and swallowed, not a protocol error.
	assert.Equal(t, Dropped, s.Resume(id, reply("late")))
}

func TestCancelIsIdempotent(t *testing.T) {
	s := New()
	w := GetWaiter()
	id := s.Register(w)

	s.Cancel(id)
	s.Cancel(id)
	PutWaiter(w)
	assert.Equal(t, Dropped, s.Resume(id, reply("late")))
	assert.Equal(t, 0, s.Live())
}

func TestPeerExitResumesWatchers(t *testing.T) {
	s := New()
	w1 := GetWaiter()
	w2 := GetWaiter()
	w3 := GetWaiter()
	id1 := s.Register(w1)
	id2 := s.Register(w2)
	id3 := s.Register(w3)
	s.Watch(id1, 42)
	s.Watch(id2, 42)
	s.Watch(id3, 99)

	s.PeerExit(42)

	for _, w := range []*Waiter{w1, w2} {
		r := <-w.Wait()
		assert.ErrorIs(t, r.Err, ErrTargetExited)
	}
	assert.Equal(t, 1, s.Live())

	// The survivor still resumes normally.
	assert.Equal(t, Resumed, s.Resume(id3, reply("ok")))
	r := <-w3.Wait()
	require.NoError(t, r.Err)
	r.Msg.Release()
}

func TestCancelAll(t *testing.T) {
	s := New()
	ws := []*Waiter{GetWaiter(), GetWaiter(), GetWaiter()}
	for _, w := range ws {
		s.Register(w)
	}

	s.CancelAll()
	for _, w := range ws {
		r := <-w.Wait()
		assert.ErrorIs(t, r.Err, ErrCanceled)
	}
	assert.Equal(t, 0, s.Live())
}

func TestWraparoundSkipsLiveSessions(t *testing.T) {
	s := New()
	s.next = MaxSession - 1

	a := s.Register(GetWaiter())
	assert.Equal(t, int32(MaxSession), a)

	// The counter wraps back to one, never to zero.
	b := s.Register(GetWaiter())
	assert.Equal(t, int32(1), b)

	// A live id is skipped on collision.
	s.next = 0
	c := s.Register(GetWaiter())
	assert.Equal(t, int32(2), c)
}
