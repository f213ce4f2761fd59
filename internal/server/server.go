// Package server implements the LDAP frontend: a TCP listener accepting
// client connections and dispatching their operations to the directory
// store.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/veld-ldap/veld/internal/logger"
	"github.com/veld-ldap/veld/pkg/directory"
)

// Config holds the frontend settings.
type Config struct {
	// Listen is the TCP address to bind.
	Listen string

	// MaxConnections caps simultaneously served clients. 0 means
	// unlimited.
	MaxConnections int

	// RequestsPerSecond limits the per-connection message rate. 0
	// disables limiting.
	RequestsPerSecond float64

	// RequestBurst is the limiter burst size.
	RequestBurst int

	// WriteTarget names the source file LDAP writes go to. Forwarded to
	// the store's Add and BulkWrite target parameter.
	WriteTarget string

	// ShutdownTimeout bounds waiting for active connections on
	// shutdown.
	ShutdownTimeout time.Duration
}

// Server serves the LDAP protocol over TCP on top of a directory.Store.
type Server struct {
	config Config
	store  directory.Store

	listener      net.Listener
	connSemaphore chan struct{}
	activeConns   sync.WaitGroup

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New creates a Server for the given store.
func New(config Config, store directory.Store) *Server {
	s := &Server{
		config:   config,
		store:    store,
		shutdown: make(chan struct{}),
	}
	if config.MaxConnections > 0 {
		s.connSemaphore = make(chan struct{}, config.MaxConnections)
	}
	return s
}

// Serve accepts connections until the context is cancelled or Stop is
// called, then waits for active connections up to ShutdownTimeout.
// Serve should be called once per Server instance.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	s.listener = listener
	logger.Info("listening on %s", listener.Addr())

	go func() {
		<-ctx.Done()
		s.initiateShutdown()
	}()

	for {
		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			case <-s.shutdown:
				return s.gracefulShutdown()
			}
		}

		tcpConn, err := s.listener.Accept()
		if err != nil {
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}
			select {
			case <-s.shutdown:
				return s.gracefulShutdown()
			default:
				logger.Debug("accept: %v", err)
				continue
			}
		}

		s.activeConns.Add(1)
		c := s.newConn(tcpConn)
		go func() {
			defer func() {
				s.activeConns.Done()
				if s.connSemaphore != nil {
					<-s.connSemaphore
				}
			}()
			c.serve()
		}()
	}
}

// Addr returns the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop initiates shutdown. Safe to call multiple times and before
// Serve returns.
func (s *Server) Stop() {
	s.initiateShutdown()
}

func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
	})
}

// gracefulShutdown waits for connections to drain, then gives up after
// ShutdownTimeout.
func (s *Server) gracefulShutdown() error {
	logger.Info("shutting down, waiting up to %v for active connections", s.config.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all connections closed")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		logger.Warn("shutdown timeout after %v, abandoning remaining connections", s.config.ShutdownTimeout)
		return nil
	}
}
