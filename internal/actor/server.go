package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arborlabs/arbor/config"
	"github.com/arborlabs/arbor/internal/eventbus"
	"github.com/arborlabs/arbor/internal/socket"
)

// Server states.
const (
	StateInit int32 = iota
	StateRunning
	StateStopping
	StateStopped
)

// ErrNotRunning reports lifecycle calls in the wrong state.
var ErrNotRunning = errors.New("actor: server not running")

// Server is the top-level lifecycle: it spawns the worker pool, boots
// the statically configured services, watches for fatal crashes and
// drives the stop/join sequence.
type Server struct {
	node   *config.Node
	logger *slog.Logger
	bus    *eventbus.Bus
	router *Router
	fdreg  *socket.FDRegistry

	workers []*Worker

	typesMu sync.RWMutex
	types   map[string]Factory

	state    atomic.Int32
	bootID   uuid.UUID
	stopOnce sync.Once

	crashCancel context.CancelFunc
	debug       *debugServer
}

// NewServer assembles a server for one node config. Service types must
// be registered before Start.
func NewServer(node *config.Node, logger *slog.Logger) *Server {
	bootID := uuid.New()
	logger = logger.With("node", node.Name, "sid", node.SID)
	srv := &Server{
		node:   node,
		logger: logger,
		bus:    eventbus.New(logger),
		fdreg:  socket.NewFDRegistry(),
		types:  make(map[string]Factory),
		bootID: bootID,
	}
	srv.router = newRouter(srv, logger)
	for i := 1; i <= node.Thread; i++ {
		srv.workers = append(srv.workers, newWorker(uint8(i), srv))
	}
	srv.router.workers = srv.workers
	srv.router.ApplyEnv(node.Env)
	return srv
}

// Router exposes the process directory.
func (s *Server) Router() *Router { return s.router }

// Bus exposes the lifecycle event bus.
func (s *Server) Bus() *eventbus.Bus { return s.bus }

// BootID identifies this server run in logs and the debug endpoint.
func (s *Server) BootID() uuid.UUID { return s.bootID }

// Stopping reports whether the server left the running state.
func (s *Server) Stopping() bool {
	return s.state.Load() >= StateStopping
}

// RegisterType installs a behavior factory for a service type.
func (s *Server) RegisterType(name string, f Factory) {
	s.typesMu.Lock()
	defer s.typesMu.Unlock()
	s.types[name] = f
}

func (s *Server) factoryFor(cfg *config.Service) (Factory, error) {
	name := cfg.Type
	if name == "" && cfg.File != "" {
		name = "script"
	}
	s.typesMu.RLock()
	defer s.typesMu.RUnlock()
	f, ok := s.types[name]
	if !ok {
		return nil, fmt.Errorf("actor: unregistered service type %q", name)
	}
	return f, nil
}

// Start spawns the workers and boots the static services in two
// phases: every service is constructed (unique names registered)
// before any Start callback runs, so boot-time name lookups always
// resolve. A failing static service aborts the boot.
func (s *Server) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(StateInit, StateRunning) {
		return fmt.Errorf("actor: server already started")
	}
	s.logger.Info("server starting", "boot_id", s.bootID, "workers", len(s.workers))

	for _, w := range s.workers {
		w.start()
	}
	s.watchCrashes()
	if s.node.Net.DebugAddr != "" {
		s.debug = newDebugServer(s, s.node.Net.DebugAddr)
		s.debug.start()
	}

	created := make([]uint32, 0, len(s.node.Services))
	for i := range s.node.Services {
		cfg := &s.node.Services[i]
		res := <-s.router.newServiceDeferred(cfg, 0, false)
		if res.err != nil {
			s.logger.Error("bootstrap service failed", "service", cfg.Name, "error", res.err)
			_ = s.Stop(ctx)
			return fmt.Errorf("bootstrap %q: %w", cfg.Name, res.err)
		}
		created = append(created, res.id)
	}
	for _, id := range created {
		w := s.router.workerFor(id)
		id := id
		w.post(func() {
			if svc := w.lookup(id); svc != nil {
				w.startService(svc)
			}
		})
	}

	s.logger.Info("server running", "services", len(created))
	return nil
}

// watchCrashes turns a unique-service crash into a node shutdown.
func (s *Server) watchCrashes() {
	ctx, cancel := context.WithCancel(context.Background())
	s.crashCancel = cancel
	events, err := s.bus.SubscribeServiceEvents(ctx, eventbus.TopicServiceCrashed)
	if err != nil {
		s.logger.Error("crash monitor unavailable", "error", err)
		return
	}
	go func() {
		for ev := range events {
			if !ev.Unique {
				continue
			}
			s.logger.Error("unique service crashed, stopping node",
				"service", ev.Name, "id", ev.ID, "reason", ev.Reason)
			stopCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
			_ = s.Stop(stopCtx)
			done()
			return
		}
	}()
}

// Stop signals every worker, waits for their service tables to drain
// and joins them. Respects ctx's deadline; a second call is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.state.Store(StateStopping)
		s.bus.Publish(eventbus.TopicServerState, map[string]string{"state": "stopping"})
		s.logger.Info("server stopping")

		for _, w := range s.workers {
			w.stopOnce.Do(func() { close(w.stopCh) })
		}
		for _, w := range s.workers {
			select {
			case <-w.done:
			case <-ctx.Done():
				err = fmt.Errorf("actor: stop: %w", ctx.Err())
				return
			}
		}

		if s.crashCancel != nil {
			s.crashCancel()
		}
		if s.debug != nil {
			s.debug.stop(ctx)
		}
		_ = s.bus.Close()
		s.state.Store(StateStopped)
		s.logger.Info("server stopped")
	})
	return err
}
