package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const maxAcceptDelay = time.Second

type Server struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	reg     *Registry
	reaper  *Reaper
	now     func() time.Time

	nextID  atomic.Uint64
	workers sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	stop     context.CancelFunc
	served   chan error
}

// NewServer builds an unstarted server. A nil handler selects EchoHandler;
// zero config fields fall back to defaults.
func NewServer(cfg Config, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if handler == nil {
		handler = EchoHandler()
	}
	cfg = cfg.withDefaults()
	reg := NewRegistry()
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		reg:     reg,
		reaper:  NewReaper(reg, cfg.IdleTimeout, cfg.SweepInterval, logger),
		now:     time.Now,
	}
}

// Registry exposes the live connection registry.
func (s *Server) Registry() *Registry { return s.reg }

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen binds 0.0.0.0:<port>. Failure is reported as *BindError.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrServerRunning
	}

	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}
	s.listener = ln

	s.logger.Info("server started",
		"addr", ln.Addr().String(),
		"max_connections", s.cfg.MaxConnections,
		"idle_timeout", s.cfg.IdleTimeout.String())
	return nil
}

// ListenAndServe binds the port and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections and runs the reaper until ctx is cancelled,
// then terminates every connection and empties the registry. It returns
// nil on a requested shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("serve: server is not listening")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.reaper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("close listener", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, ln)
	})

	err := g.Wait()
	s.shutdown()
	return err
}

// Start binds and serves in the background. Use Stop to shut down.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)

	s.mu.Lock()
	s.stop = cancel
	s.served = served
	s.mu.Unlock()

	go func() {
		served <- s.Serve(ctx)
	}()
	return nil
}

// Stop shuts down a server started with Start and waits for it to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	cancel, served := s.stop, s.served
	s.stop, s.served = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	return <-served
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.logger.Warn("accept failed, retrying", "error", err, "retry_in", delay.String())

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		if err := s.admit(ctx, conn); err != nil {
			return err
		}
	}
}

// admit registers a freshly accepted connection and starts its worker. The
// worker is inserted before it runs so the reaper can always see it.
func (s *Server) admit(ctx context.Context, conn net.Conn) error {
	id := ConnID(s.nextID.Add(1))
	overloaded := s.reg.Len() >= s.cfg.MaxConnections

	w := newWorker(ctx, id, conn, overloaded, workerOptions{
		handler:      s.handler,
		maxFrameSize: s.cfg.MaxFrameSize,
		sendQueue:    s.cfg.SendQueue,
		now:          s.now,
		logger:       s.logger,
	})
	if err := s.reg.Insert(w); err != nil {
		w.Terminate()
		s.logger.Error("registry invariant violated", "conn_id", id.String(), "error", err)
		return err
	}

	ConnectionsAccepted.Inc()
	if overloaded {
		ConnectionsRejected.Inc()
	}
	s.logger.Info("client connected",
		"conn_id", id.String(),
		"remote", conn.RemoteAddr().String(),
		"total", s.reg.Len())

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		w.Run()
	}()
	return nil
}

func (s *Server) shutdown() {
	s.logger.Info("shutting down", "connections", s.reg.Len())

	for _, w := range s.reg.Snapshot() {
		w.Terminate()
	}
	s.workers.Wait()

	for _, w := range s.reg.Snapshot() {
		if s.reg.Remove(w.ID()) {
			ConnectionsReaped.WithLabelValues(reasonShutdown).Inc()
		}
	}

	s.logger.Info("shutdown complete")
}
