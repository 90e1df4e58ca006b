package actor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arborlabs/arbor/internal/socket"
)

// WorkerState is one worker's slice of the debug snapshot.
type WorkerState struct {
	ID       uint8             `json:"id"`
	Mailbox  int               `json:"mailbox"`
	Timers   int               `json:"timers"`
	Services []Stat            `json:"services"`
	Sockets  []socket.ConnStat `json:"sockets"`
}

// NodeState is the full debug snapshot served on /debug/state.
type NodeState struct {
	BootID  string        `json:"boot_id"`
	Name    string        `json:"name"`
	SID     uint16        `json:"sid"`
	State   int32         `json:"state"`
	LiveFDs int           `json:"live_fds"`
	Workers []WorkerState `json:"workers"`
}

// Snapshot collects the node state for the debug endpoint and the top
// view.
func (s *Server) Snapshot() NodeState {
	ns := NodeState{
		BootID:  s.bootID.String(),
		Name:    s.node.Name,
		SID:     s.node.SID,
		State:   s.state.Load(),
		LiveFDs: s.fdreg.Live(),
	}
	for _, w := range s.workers {
		stats := w.stats()
		sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
		ns.Workers = append(ns.Workers, WorkerState{
			ID:       w.id,
			Mailbox:  w.mbox.Len(),
			Timers:   w.wheel.Len(),
			Services: stats,
			Sockets:  w.sockets.Stats(),
		})
	}
	return ns
}

type debugServer struct {
	srv    *http.Server
	logger *slog.Logger
}

func newDebugServer(s *Server, addr string) *debugServer {
	r := chi.NewRouter()
	r.Get("/debug/state", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
			s.logger.Warn("debug state encode failed", "error", err)
		}
	})
	r.Get("/debug/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &debugServer{
		srv:    &http.Server{Addr: addr, Handler: r},
		logger: s.logger,
	}
}

func (d *debugServer) start() {
	go func() {
		if err := d.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Warn("debug server stopped", "error", err)
		}
	}()
}

func (d *debugServer) stop(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = d.srv.Shutdown(shutdownCtx)
}
