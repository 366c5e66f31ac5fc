// Package server accepts device connections and runs one read loop per
// connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/router"
)

const (
	DefaultKeepAlive      = 5 * time.Second
	DefaultIdleTimeout    = 3600 * time.Second
	DefaultReadBufferSize = 64 * 1024
)

var (
	ErrAddressInUse   = errors.New("address already in use")
	ErrServerStarted  = errors.New("server already started")
	ErrServerShutdown = errors.New("server has been shut down")
)

// Handler processes one message unit read from a connection.
type Handler interface {
	Handle(ctx context.Context, c *connection.Connection, unit []byte) router.Outcome
}

type Options struct {
	Address        string
	Greeting       string
	Terminator     string
	KeepAlive      time.Duration
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadBufferSize int
	// MaxConnections caps concurrent connections, 0 means unlimited.
	MaxConnections int
}

type Server struct {
	opts     Options
	handler  Handler
	registry *connection.Registry

	mu       sync.Mutex
	ln       net.Listener
	shutdown bool
	sem      chan struct{}
	conns    sync.WaitGroup
	closing  chan struct{}
	done     chan struct{}
}

func New(opts Options, handler Handler, registry *connection.Registry) *Server {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	if opts.Terminator != "\r\n" {
		opts.Terminator = "\n"
	}
	s := &Server{
		opts:     opts,
		handler:  handler,
		registry: registry,
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	if opts.MaxConnections > 0 {
		s.sem = make(chan struct{}, opts.MaxConnections)
	}
	return s
}

// Start binds the listening socket and serves in the background. An address
// that is already taken is reported as ErrAddressInUse.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrServerShutdown
	}
	if s.ln != nil {
		return ErrServerStarted
	}

	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %v", ErrAddressInUse, err)
		}
		return fmt.Errorf("listen on %s: %w", s.opts.Address, err)
	}
	s.ln = ln
	logger.InfoF("TCP Gateway Listen On %s", ln.Addr().String())

	go s.serve(ln)
	return nil
}

func (s *Server) serve(ln net.Listener) {
	defer close(s.done)
	ctx := context.Background()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Info("TCP Gateway stopped accepting connections")
				return
			}
			logger.ErrorF("Accept connection error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			case <-s.closing:
				_ = conn.Close()
				return
			}
		}
		s.conns.Add(1)
		go func(conn net.Conn) {
			defer s.conns.Done()
			handler := newConnectionHandler(s, conn)
			handler.handleConnection(ctx)
			if s.sem != nil {
				<-s.sem
			}
		}(conn)
	}
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting. Connections already open keep running until
// they close on their own.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	close(s.closing)
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !connection.IsNetClosedError(err) {
		return fmt.Errorf("close listener: %w", err)
	}
	<-s.done
	return nil
}

// Invoke lets the server be registered with the shutdown cleaner.
func (s *Server) Invoke(_ context.Context) error {
	return s.Shutdown()
}

// Wait blocks until every connection handler has returned.
func (s *Server) Wait() {
	s.conns.Wait()
}

func (s *Server) greeting() []byte {
	if s.opts.Greeting == "" {
		return nil
	}
	return []byte(s.opts.Greeting + s.opts.Terminator)
}
