package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"tgrelay/pkg/logx"
)

// Server runs the notification HTTP listener. The active route table is held
// behind an atomic pointer so config reloads swap it without interrupting
// in-flight requests.
type Server struct {
	addr  string
	log   logx.Logger
	table atomic.Pointer[Table]

	srv *http.Server
	ln  net.Listener
}

func NewServer(host string, port int, log logx.Logger) *Server {
	if port <= 0 {
		port = 8000
	}
	return &Server{addr: fmt.Sprintf("%s:%d", host, port), log: log}
}

// Swap installs a new route table. Safe to call while serving.
func (s *Server) Swap(t *Table) {
	s.table.Store(t)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t := s.table.Load()
	if t == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "no routes configured"})
		return
	}
	t.ServeHTTP(w, r)
}

// Start binds the listener and serves until Stop. Returns once the listener
// is accepting, so callers can treat a bind failure as startup-fatal.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logx.Err(err))
		}
	}()
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr reports the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
