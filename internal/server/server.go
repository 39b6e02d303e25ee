package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/simpipe/simpipe/internal/util"
)

// Server serves a Hub over HTTP.
type Server struct {
	srv *http.Server
	ln  net.Listener
	hub *Hub
}

// Start listens on addr and serves h in the background.
func Start(addr string, h *Hub) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, util.WrapError("listen on "+addr, err)
	}

	s := &Server{
		srv: &http.Server{
			Handler:           h.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln:  ln,
		hub: h,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server failed", "error", err)
		}
	}()

	slog.Info("status feed listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops accepting connections and disconnects feed clients.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.hub.CloseClients()
	return err
}
