package socket

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborlabs/arbor/internal/buffer"
	"github.com/arborlabs/arbor/internal/message"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	mgr    *Manager
	inbox  chan *message.Message
	closed bool
}

func newHarness(t *testing.T, reg *FDRegistry, workerID uint8, cfg Config) *harness {
	t.Helper()
	h := &harness{inbox: make(chan *message.Message, 256)}
	h.mgr = New(workerID, reg, cfg, func(m *message.Message) bool {
		h.inbox <- m
		return true
	}, testLogger())
	t.Cleanup(func() {
		if !h.closed {
			h.mgr.Close()
		}
	})
	return h
}

// next pulls the next delivery of the wanted subtype, releasing
// everything it skips.
func (h *harness) next(t *testing.T, sub uint8, timeout time.Duration) *message.Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case m := <-h.inbox:
			if m.Subtype == sub {
				return m
			}
			m.Release()
		case <-deadline:
			t.Fatalf("no subtype %d delivery within %v", sub, timeout)
			return nil
		}
	}
}

func TestFDAllocRoutingAndUniqueness(t *testing.T) {
	reg := NewFDRegistry()
	var counter uint16
	seen := make(map[uint32]bool)
	for range 1000 {
		fd, err := reg.Alloc(3, &counter)
		require.NoError(t, err)
		assert.Equal(t, uint8(3), WorkerOf(fd))
		assert.NotZero(t, fd&0xFFFF)
		require.False(t, seen[fd], "fd reused while live")
		seen[fd] = true
	}

	// Releasing makes the slot reusable.
	for fd := range seen {
		reg.Release(fd)
	}
	assert.Equal(t, 0, reg.Live())
}

func TestStreamFrameRoundTrip(t *testing.T) {
	reg := NewFDRegistry()
	server := newHarness(t, reg, 1, Config{})
	client := newHarness(t, reg, 2, Config{})

	lfd, err := server.mgr.Listen(100, message.PTypeSocket, "127.0.0.1:0")
	require.NoError(t, err)
	addr := server.mgr.ListenerAddr(lfd)
	require.NotEmpty(t, addr)

	cfd, err := client.mgr.Connect(200, message.PTypeSocket, addr, time.Second)
	require.NoError(t, err)
	client.next(t, message.SubConnect, time.Second).Release()

	accept := server.next(t, message.SubAccept, time.Second)
	sfd := accept.Sender
	accept.Release()

	// Client -> server.
	require.True(t, client.mgr.Send(cfd, framed([]byte("hello frame"))))
	got := server.next(t, message.SubMessage, time.Second)
	assert.Equal(t, "hello frame", got.Text())
	got.Release()

	// Server -> client.
	require.True(t, server.mgr.Send(sfd, framed([]byte("welcome"))))
	got = client.next(t, message.SubMessage, time.Second)
	assert.Equal(t, "welcome", got.Text())
	got.Release()
}

func framed(p []byte) *buffer.Buffer {
	b := buffer.From(p)
	b.SetFlag(buffer.FlagFraming)
	return b
}

func TestChunkedLargeFrame(t *testing.T) {
	reg := NewFDRegistry()
	server := newHarness(t, reg, 1, Config{})
	client := newHarness(t, reg, 2, Config{})

	lfd, err := server.mgr.Listen(100, message.PTypeSocket, "127.0.0.1:0")
	require.NoError(t, err)

	cfd, err := client.mgr.Connect(200, message.PTypeSocket, server.mgr.ListenerAddr(lfd), time.Second)
	require.NoError(t, err)
	client.next(t, message.SubConnect, time.Second).Release()

	accept := server.next(t, message.SubAccept, time.Second)
	sfd := accept.Sender
	accept.Release()

	require.NoError(t, client.mgr.SetEnableChunked(cfd, "rw"))
	require.NoError(t, server.mgr.SetEnableChunked(sfd, "rw"))

	payload := make([]byte, 1_000_000)
	_, err = rand.Read(payload)
	require.NoError(t, err)

	require.True(t, client.mgr.Send(cfd, framed(payload)))

	got := server.next(t, message.SubMessage, 5*time.Second)
	assert.Equal(t, len(payload), got.Buf.Len())
	assert.True(t, bytes.Equal(payload, got.Payload()), "payload corrupted in transit")
	got.Release()

	// One logical message only.
	select {
	case m := <-server.inbox:
		t.Fatalf("unexpected extra delivery subtype %d", m.Subtype)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnchunkedOversizeFrameCloses(t *testing.T) {
	reg := NewFDRegistry()
	server := newHarness(t, reg, 1, Config{})
	client := newHarness(t, reg, 2, Config{})

	lfd, err := server.mgr.Listen(100, message.PTypeSocket, "127.0.0.1:0")
	require.NoError(t, err)
	cfd, err := client.mgr.Connect(200, message.PTypeSocket, server.mgr.ListenerAddr(lfd), time.Second)
	require.NoError(t, err)
	client.next(t, message.SubConnect, time.Second).Release()

	require.True(t, client.mgr.Send(cfd, framed(make([]byte, maxPlainSize+1))))

	errMsg := client.next(t, message.SubError, 2*time.Second)
	assert.Equal(t, ErrCodeFrameTooBig, errMsg.Header)
	errMsg.Release()
	client.next(t, message.SubClose, 2*time.Second).Release()
}

// blockingFramer never completes a write until released, so the send
// queue can only grow.
type blockingFramer struct {
	release chan struct{}
	stopped chan struct{}
}

func (f *blockingFramer) readLoop(c *Conn) string {
	<-f.stopped
	return ""
}

func (f *blockingFramer) writeBuffer(*Conn, *buffer.Buffer) error {
	<-f.release
	return nil
}

func (f *blockingFramer) shutdown() {
	select {
	case <-f.stopped:
	default:
		close(f.stopped)
	}
}

func TestSendQueueOverflow(t *testing.T) {
	reg := NewFDRegistry()
	h := newHarness(t, reg, 1, Config{WarnSendQueueSize: 2, MaxSendQueueSize: 4})

	var counter uint16
	fd, err := reg.Alloc(1, &counter)
	require.NoError(t, err)
	fr := &blockingFramer{release: make(chan struct{}), stopped: make(chan struct{})}
	h.mgr.adopt(fd, 700, message.PTypeSocket, fr)

	// First write is picked up by the writer and parks inside the
	// framer; give it a moment to leave the queue.
	require.True(t, h.mgr.Send(fd, buffer.From([]byte("w0"))))
	time.Sleep(50 * time.Millisecond)

	for i := 1; i <= 4; i++ {
		require.True(t, h.mgr.Send(fd, buffer.From([]byte(fmt.Sprintf("w%d", i)))), "write %d", i)
	}

	// The fifth queued write crosses MaxSendQueueSize.
	assert.False(t, h.mgr.Send(fd, buffer.From([]byte("w5"))))

	errMsg := h.next(t, message.SubError, 2*time.Second)
	assert.Equal(t, ErrCodeOverflow, errMsg.Header)
	errMsg.Release()
	h.next(t, message.SubClose, 2*time.Second).Release()

	close(fr.release)
}

func TestTextReadExactAndUntil(t *testing.T) {
	reg := NewFDRegistry()
	server := newHarness(t, reg, 1, Config{})
	client := newHarness(t, reg, 2, Config{})

	lfd, err := server.mgr.Listen(100, message.PTypeText, "127.0.0.1:0")
	require.NoError(t, err)
	cfd, err := client.mgr.Connect(200, message.PTypeText, server.mgr.ListenerAddr(lfd), time.Second)
	require.NoError(t, err)
	client.next(t, message.SubConnect, time.Second).Release()
	accept := server.next(t, message.SubAccept, time.Second)
	sfd := accept.Sender
	accept.Release()

	// Delimited read: request parked first, data arrives second.
	require.NoError(t, server.mgr.Read(sfd, 0, []byte("\r\n"), 77))
	require.True(t, client.mgr.Send(cfd, buffer.From([]byte("PING extra\r\n"))))

	line := server.next(t, message.SubMessage, time.Second)
	assert.Equal(t, int32(77), line.Session)
	assert.Equal(t, "PING extra", line.Text())
	line.Release()

	// Exact-size read.
	require.NoError(t, server.mgr.Read(sfd, 4, nil, 78))
	require.True(t, client.mgr.Send(cfd, buffer.From([]byte("ABCDleftover"))))

	chunk := server.next(t, message.SubMessage, time.Second)
	assert.Equal(t, int32(78), chunk.Session)
	assert.Equal(t, "ABCD", chunk.Text())
	chunk.Release()

	// Double read while one is outstanding is a usage error. The first
	// request wants more bytes than the peer has sent, so it stays
	// parked.
	require.NoError(t, server.mgr.Read(sfd, 100, nil, 79))
	assert.ErrorIs(t, server.mgr.Read(sfd, 4, nil, 80), ErrDoubleRead)
}

func TestWriteThenClose(t *testing.T) {
	reg := NewFDRegistry()
	server := newHarness(t, reg, 1, Config{})
	client := newHarness(t, reg, 2, Config{})

	lfd, err := server.mgr.Listen(100, message.PTypeSocket, "127.0.0.1:0")
	require.NoError(t, err)
	cfd, err := client.mgr.Connect(200, message.PTypeSocket, server.mgr.ListenerAddr(lfd), time.Second)
	require.NoError(t, err)
	client.next(t, message.SubConnect, time.Second).Release()
	server.next(t, message.SubAccept, time.Second).Release()

	require.True(t, client.mgr.SendAndClose(cfd, framed([]byte("bye"))))

	// The peer still receives the final frame.
	got := server.next(t, message.SubMessage, time.Second)
	assert.Equal(t, "bye", got.Text())
	got.Release()

	// Our side reports the close after draining.
	client.next(t, message.SubClose, 2*time.Second).Release()
	assert.Eventually(t, func() bool { return client.mgr.get(cfd) == nil }, time.Second, 10*time.Millisecond)
}

func TestTimeoutSweepClosesIdleConns(t *testing.T) {
	reg := NewFDRegistry()
	server := newHarness(t, reg, 1, Config{})
	client := newHarness(t, reg, 2, Config{})

	lfd, err := server.mgr.Listen(100, message.PTypeSocket, "127.0.0.1:0")
	require.NoError(t, err)
	_, err = client.mgr.Connect(200, message.PTypeSocket, server.mgr.ListenerAddr(lfd), time.Second)
	require.NoError(t, err)
	client.next(t, message.SubConnect, time.Second).Release()

	accept := server.next(t, message.SubAccept, time.Second)
	sfd := accept.Sender
	accept.Release()

	require.True(t, server.mgr.SetTimeout(sfd, 1))
	c := server.mgr.get(sfd)
	require.NotNil(t, c)
	c.lastRecvUnix.Store(time.Now().Add(-time.Minute).Unix())

	server.mgr.sweep(time.Now())

	errMsg := server.next(t, message.SubError, 2*time.Second)
	assert.Equal(t, ErrCodeTimeout, errMsg.Header)
	errMsg.Release()
	server.next(t, message.SubClose, 2*time.Second).Release()
}

func TestWebsocketRoundTrip(t *testing.T) {
	reg := NewFDRegistry()
	server := newHarness(t, reg, 1, Config{})
	client := newHarness(t, reg, 2, Config{})

	lfd, err := server.mgr.Listen(100, message.PTypeWS, "127.0.0.1:0")
	require.NoError(t, err)
	addr := server.mgr.ListenerAddr(lfd)

	cfd, err := client.mgr.Connect(200, message.PTypeWS, "ws://"+addr+"/", time.Second)
	require.NoError(t, err)
	client.next(t, message.SubConnect, time.Second).Release()

	accept := server.next(t, message.SubAccept, time.Second)
	sfd := accept.Sender
	accept.Release()

	// Text frame client -> server keeps its text marker.
	text := buffer.From([]byte("hi there"))
	text.SetFlag(buffer.FlagWSText)
	require.True(t, client.mgr.Send(cfd, text))

	got := server.next(t, message.SubMessage, time.Second)
	assert.Equal(t, "hi there", got.Text())
	assert.True(t, got.Buf.HasFlag(buffer.FlagWSText))
	got.Release()

	// Binary frame server -> client.
	require.True(t, server.mgr.Send(sfd, buffer.From([]byte{1, 2, 3})))
	got = client.next(t, message.SubMessage, time.Second)
	assert.Equal(t, []byte{1, 2, 3}, got.Payload())
	assert.False(t, got.Buf.HasFlag(buffer.FlagWSText))
	got.Release()

	// Ping from the client surfaces on both sides: the server sees the
	// ping, the client gets the automatic pong.
	ping := buffer.From([]byte("beat"))
	ping.SetFlag(buffer.FlagWSPing)
	require.True(t, client.mgr.Send(cfd, ping))

	server.next(t, message.SubPing, time.Second).Release()
	client.next(t, message.SubPong, time.Second).Release()
}
