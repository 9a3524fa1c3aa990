// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package server runs the Modbus RTU slave: workers are registered up front,
// then a single background loop services the bus until the server is closed.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-rtu-server/internal/dispatch"
	"github.com/ffutop/modbus-rtu-server/internal/registry"
	"github.com/ffutop/modbus-rtu-server/transport"
)

var (
	ErrAlreadyStarted = errors.New("server: already started")
	ErrStarted        = errors.New("server: workers cannot be registered after start")
)

// errorBackoff spaces out retries after a transport failure.
const errorBackoff = 100 * time.Millisecond

// Server services one transport.
type Server struct {
	transport transport.Transport
	registry  *registry.Registry
	logger    *slog.Logger
	timeout   time.Duration
	broadcast bool

	mu      sync.Mutex
	started bool
	engine  *dispatch.Engine
	cancel  context.CancelFunc
	err     error

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithTimeout sets the request to response budget.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithBroadcast enables requests sent to unit id 0.
func WithBroadcast(enabled bool) Option {
	return func(s *Server) { s.broadcast = enabled }
}

// WithLogger sets the logger used by the server and its dispatch engine.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a server on tr. The server owns tr from now on.
func New(tr transport.Transport, opts ...Option) *Server {
	s := &Server{
		transport: tr,
		registry:  registry.New(),
		logger:    slog.Default(),
		timeout:   dispatch.DefaultTimeout,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterWorker binds w to (unitID, functionCode). It must be called before Start.
func (s *Server) RegisterWorker(unitID, functionCode byte, w registry.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrStarted
	}
	return s.registry.Register(unitID, functionCode, w)
}

// Start launches the background loop and returns immediately. Only the first
// call has an effect; later calls return ErrAlreadyStarted.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.registry.Lock()
	s.engine = dispatch.New(s.registry,
		dispatch.WithTimeout(s.timeout),
		dispatch.WithBroadcast(s.broadcast),
		dispatch.WithLogger(s.logger),
	)

	ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("Modbus RTU server started", "timeout", s.engine.Timeout(), "broadcast", s.broadcast)
	go s.serve(ctx, s.engine)
	return nil
}

func (s *Server) serve(ctx context.Context, engine *dispatch.Engine) {
	defer s.finish()
	for {
		err := engine.Cycle(ctx, s.transport)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, transport.ErrClosed) {
			s.setErr(err)
			s.logger.Info("Transport closed, server stopping", "error", err)
			return
		}
		s.logger.Error("Cycle failed", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(errorBackoff):
		}
	}
}

// State returns the dispatch state of the running loop, Idle before Start.
func (s *Server) State() dispatch.State {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return dispatch.Idle
	}
	return engine.State()
}

// Done is closed once the loop has stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped the loop, if it was not stopped by Close
// or by the context given to Start.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the loop, closes the transport and waits for the loop to exit.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		started := s.started
		s.started = true // no start after close
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if cerr := s.transport.Close(); cerr != nil {
			err = fmt.Errorf("failed to close transport: %w", cerr)
		}
		if !started {
			s.finish()
		}
		<-s.done
		s.logger.Info("Modbus RTU server stopped")
	})
	return err
}

func (s *Server) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Server) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}
