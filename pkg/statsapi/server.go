// Package statsapi exposes an optional, off-by-default HTTP and
// WebSocket view of the rendezvous's registry, for operators who want
// to watch matches happen without tailing logs.
package statsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/thelastdreamer/udppunch/pkg/rendezvous"
)

// Server serves GET /stats (registry size plus lifetime match/eviction
// counters) and GET /stream (a live WebSocket feed of rendezvous.Event).
type Server struct {
	addr     string
	registry *rendezvous.Registry
	events   <-chan rendezvous.Event
	log      *logrus.Entry

	httpServer *http.Server

	mu             sync.Mutex
	totalMatches   int
	totalEvictions int
}

// NewServer constructs a Server. events is typically the channel
// passed to rendezvous.WithEvents for the same registry.
func NewServer(addr string, registry *rendezvous.Registry, events <-chan rendezvous.Event, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		addr:     addr,
		registry: registry,
		events:   events,
		log:      log.WithField("component", "statsapi"),
	}
}

// Run binds the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("statsapi: listen: %w", err)
	}
	return s.serve(ctx, ln)
}

// serve runs the HTTP server and the event-counting/broadcast loop
// over an already-bound listener, blocking until ctx is cancelled.
func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	hub := newHub()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-s.events:
				if !ok {
					return
				}
				s.recordEvent(ev)
				hub.broadcast(ev)
			}
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/stream", hub.handleWebSocket)

	s.httpServer = &http.Server{Handler: router}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", ln.Addr()).Info("stats endpoint listening")
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// recordEvent updates the lifetime counters handleStats reports.
// EventAdvertised isn't counted: the registry's current Len() already
// reflects live advertisements, so only matches and evictions are
// worth tracking as cumulative totals.
func (s *Server) recordEvent(ev rendezvous.Event) {
	switch ev.Type {
	case rendezvous.EventMatched:
		s.mu.Lock()
		s.totalMatches++
		s.mu.Unlock()
	case rendezvous.EventEvicted:
		s.mu.Lock()
		s.totalEvictions++
		s.mu.Unlock()
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	matches, evictions := s.totalMatches, s.totalEvictions
	s.mu.Unlock()

	stats := struct {
		RegistrySize   int `json:"registry_size"`
		TotalMatches   int `json:"total_matches"`
		TotalEvictions int `json:"total_evictions"`
	}{
		RegistrySize:   s.registry.Len(),
		TotalMatches:   matches,
		TotalEvictions: evictions,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
