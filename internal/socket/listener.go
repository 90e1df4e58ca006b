package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/arborlabs/arbor/internal/message"
)

type listener struct {
	fd    uint32
	owner uint32
	proto message.PType
	ln    net.Listener
	srv   *http.Server
}

// ListenerAddr reports the bound address of a listener fd, useful when
// listening on an ephemeral port.
func (m *Manager) ListenerAddr(fd uint32) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.listeners[fd]; ok {
		return l.ln.Addr().String()
	}
	return ""
}

func (l *listener) shutdown() {
	if l.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = l.srv.Shutdown(ctx)
		return
	}
	_ = l.ln.Close()
}

// Listen opens a listener on addr for the given framing and binds every
// accepted connection to the owner service. Accepted connections are
// announced with a SubAccept message whose header is the remote address.
func (m *Manager) Listen(owner uint32, proto message.PType, addr string) (uint32, error) {
	fd, err := m.allocFD()
	if err != nil {
		return 0, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		m.reg.Release(fd)
		return 0, fmt.Errorf("socket: listen %s: %w", addr, err)
	}

	l := &listener{fd: fd, owner: owner, proto: proto, ln: ln}
	if proto == message.PTypeWS {
		l.srv = m.wsServer(owner)
	}

	m.mu.Lock()
	m.listeners[fd] = l
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if l.srv != nil {
			if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.logger.Warn("ws listener stopped", "addr", addr, "error", err)
			}
			return
		}
		m.acceptLoop(l)
	}()
	return fd, nil
}

func (m *Manager) acceptLoop(l *listener) {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn("accept failed", "error", err)
			continue
		}
		fd, err := m.allocFD()
		if err != nil {
			m.logger.Error("accepted socket dropped", "error", err)
			_ = nc.Close()
			continue
		}
		var fr framer
		if l.proto == message.PTypeText {
			fr = newTextFramer(nc)
		} else {
			fr = newStreamFramer(nc)
		}
		c := m.adopt(fd, l.owner, l.proto, fr)
		c.deliver(message.SubAccept, 0, nc.RemoteAddr().String(), nil)
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (m *Manager) wsServer(owner uint32) *http.Server {
	r := chi.NewRouter()
	r.HandleFunc("/*", func(w http.ResponseWriter, req *http.Request) {
		ws, err := wsUpgrader.Upgrade(w, req, nil)
		if err != nil {
			m.logger.Warn("ws upgrade failed", "remote", req.RemoteAddr, "error", err)
			return
		}
		fd, err := m.allocFD()
		if err != nil {
			_ = ws.Close()
			return
		}
		c := m.adopt(fd, owner, message.PTypeWS, newWSFramer(ws))
		c.deliver(message.SubAccept, 0, req.RemoteAddr, nil)
	})
	return &http.Server{Handler: r}
}

// Connect dials addr with the given framing and binds the connection to
// owner. Dials are guarded by a per-address circuit breaker; an open
// breaker fails fast with ErrCodeBreakerOpen. On success a SubConnect
// message announces the new fd.
func (m *Manager) Connect(owner uint32, proto message.PType, addr string, timeout time.Duration) (uint32, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if proto == message.PTypeWS {
		return m.connectWS(owner, addr, timeout)
	}

	nc, err := m.dialer.dial(addr, timeout)
	if err != nil {
		return 0, err
	}
	fd, err := m.allocFD()
	if err != nil {
		_ = nc.Close()
		return 0, err
	}
	var fr framer
	if proto == message.PTypeText {
		fr = newTextFramer(nc)
	} else {
		fr = newStreamFramer(nc)
	}
	c := m.adopt(fd, owner, proto, fr)
	c.deliver(message.SubConnect, 0, nc.RemoteAddr().String(), nil)
	return fd, nil
}

func (m *Manager) connectWS(owner uint32, url string, timeout time.Duration) (uint32, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return 0, fmt.Errorf("socket: ws dial %s (%s): %w", url, ErrCodeHandshake, err)
	}
	fd, err := m.allocFD()
	if err != nil {
		_ = ws.Close()
		return 0, err
	}
	c := m.adopt(fd, owner, message.PTypeWS, newWSFramer(ws))
	c.deliver(message.SubConnect, 0, url, nil)
	return fd, nil
}
