// Package server constructs and runs the relay: the TCP acceptor, the hub,
// and the optional HTTP side serving health, WebSocket and metrics routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Tyrowin/gorelay/internal/logging"
)

const acceptBackoff = 50 * time.Millisecond

// Server owns the listeners and the hub for one relay instance.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	hub        *Hub
	metrics    *Metrics
	registry   *prometheus.Registry
	limiter    *connLimiter
	origins    *originPolicy
	upgrader   websocket.Upgrader
	listener   net.Listener
	httpLn     net.Listener
	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	started    bool
}

// New builds a Server from cfg. Extra hub options are applied after the
// server's own logger and metrics.
func New(cfg *Config, logger *slog.Logger, opts ...HubOption) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	sanitized := sanitizeConfig(*cfg)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(registry)

	hubOpts := append([]HubOption{WithLogger(logger), WithMetrics(metrics)}, opts...)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:      sanitized,
		logger:   logger,
		hub:      NewHub(sanitized.Policy, hubOpts...),
		metrics:  metrics,
		registry: registry,
		limiter:  newConnLimiter(sanitized.ConnectLimit),
		origins:  newOriginPolicy(sanitized.AllowedOrigins, logger),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// Hub returns the server's coordinator.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Registry returns the Prometheus registry backing /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Addr returns the TCP relay address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the HTTP address, or nil when the HTTP side is disabled.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// Start binds the listeners and launches the hub, the accept loop and the
// HTTP server. It returns once everything is listening.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("could not bind %s: %w", s.cfg.ListenAddr, err)
	}

	var httpLn net.Listener
	if s.cfg.HTTPAddr != "" {
		httpLn, err = net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("could not bind HTTP %s: %w", s.cfg.HTTPAddr, err)
		}
	}

	s.listener = ln
	s.httpLn = httpLn
	s.started = true

	go s.hub.Run()
	s.logger.Info("hub started and ready to manage peer connections")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	s.logger.Info("relay listening", slog.Any("addr", logging.Sensitive(ln.Addr().String())))

	if httpLn != nil {
		s.httpServer = CreateServer(s.cfg.HTTPAddr, SetupRoutes(s))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := StartServer(s.httpServer, httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server stopped", slog.Any("error", err))
			}
		}()
		s.logger.Info("HTTP server listening", slog.Any("addr", logging.Sensitive(httpLn.Addr().String())))
	}

	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("could not accept connection", slog.Any("error", err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(acceptBackoff):
			}
			continue
		}

		worker, err := NewWorker(conn, s.hub, s.cfg.Policy.ReadChunk, s.logger)
		if err != nil {
			s.logger.Warn("dropping connection with unusable address", slog.Any("error", err))
			_ = conn.Close()
			continue
		}

		if !s.limiter.allow(worker.Addr().Addr()) {
			s.logger.Info("connection throttled", logging.Addr(worker.Addr()))
			s.metrics.recordRejected("throttled")
			_ = conn.Close()
			continue
		}

		s.startWorker(worker)
	}
}

func (s *Server) startWorker(worker *Worker) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		worker.Run(s.ctx)
	}()
}

// Shutdown stops accepting, closes every peer and waits for all goroutines,
// giving up after timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	if !s.started {
		s.cancel()
		return nil
	}

	deadline := time.Now().Add(timeout)
	var errs []error

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}

	if s.httpServer != nil {
		if err := ShutdownServer(s.httpServer, time.Until(deadline)); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.hub.Shutdown(time.Until(deadline)); err != nil {
		errs = append(errs, err)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		errs = append(errs, context.DeadlineExceeded)
	}

	return errors.Join(errs...)
}
