package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "chronos/pkg/logx"
)

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":3000"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	return c
}

// Server owns the listener. Serve is meant to run under a restarting
// supervisor goroutine.
type Server struct {
	mu      sync.Mutex
	cfg     ServerConfig
	handler http.Handler
	log     logx.Logger

	srv     *http.Server
	addr    string
	closing bool
}

func NewServer(cfg ServerConfig, h http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg.withDefaults(), handler: h, log: log}
}

// Addr is the bound address while serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve listens until ctx is done or the server fails.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	if s.closing {
		s.mu.Unlock()
		return context.Canceled
	}
	s.mu.Unlock()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Error("listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		// Keep this bounded; Shutdown(ctx) does the real graceful drain.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http server started", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.addr = ""
	}
	closing := s.closing
	s.mu.Unlock()

	if closing || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.closing = true
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	start := time.Now()
	err := srv.Shutdown(ctx)
	s.log.Info("http server stopped", logx.Duration("took", time.Since(start)))
	return err
}
