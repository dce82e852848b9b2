package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/zot/jsbridge/internal/config"
	"github.com/zot/jsbridge/internal/js"
)

// Server serves one runtime over HTTP.
type Server struct {
	config       *config.Config
	runtime      *js.Runtime
	httpServer   *http.Server
	httpEndpoint *HTTPEndpoint
	wsEndpoint   *WebSocketEndpoint
}

// New creates a server for runtime. The runtime stays owned by the caller.
func New(cfg *config.Config, runtime *js.Runtime) *Server {
	s := &Server{
		config:  cfg,
		runtime: runtime,
	}
	s.wsEndpoint = NewWebSocketEndpoint(cfg, runtime)
	s.httpEndpoint = NewHTTPEndpoint(runtime, s.wsEndpoint)
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.httpEndpoint
}

// StartHTTP listens on the configured host and the given port and serves in the
// background. Port 0 picks a free port, which is stored back in the config.
// It returns the base URL.
func (s *Server) StartHTTP(port int) (string, error) {
	addr := net.JoinHostPort(s.config.Server.Host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpEndpoint,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if port == 0 {
		addr = listener.Addr().String()
		_, portStr, _ := net.SplitHostPort(addr)
		s.config.Server.Port, _ = strconv.Atoi(portStr)
	}

	go func() {
		s.config.Log(0, "HTTP server listening on %s", addr)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.config.Log(0, "HTTP server error: %v", err)
		}
	}()

	host := s.config.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(s.config.Server.Port))), nil
}

// Serve starts the server and blocks until ctx is done, then shuts it down.
func (s *Server) Serve(ctx context.Context) error {
	url, err := s.StartHTTP(s.config.Server.Port)
	if err != nil {
		return err
	}
	s.config.Log(0, "Console at %s/ws", url)
	<-ctx.Done()
	return s.Shutdown(context.Background())
}

// Shutdown closes console connections and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.wsEndpoint.Close()
	return err
}
