package core

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/logger"
)

// Server is the generic TCP proxy server.
// It depends ONLY on interfaces, not concrete implementations.
type Server struct {
	Listener          net.Listener
	ConnectionHandler ConnectionHandler

	mu       sync.Mutex // orders wg.Add against Shutdown's wg.Wait
	wg       sync.WaitGroup
	closed   bool
	active   atomic.Int64
	accepted atomic.Uint64
}

// Serve starts accepting connections. It returns nil once Shutdown has been
// called, otherwise the error that stopped the accept loop.
func (s *Server) Serve() error {
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()

		s.active.Add(1)
		s.accepted.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(clientConn net.Conn) {
	defer s.wg.Done()
	defer s.active.Add(-1)
	defer clientConn.Close()

	connID := uuid.NewString()
	logger.Debug("Connection accepted", "conn_id", connID, "remote_addr", clientConn.RemoteAddr())

	// Delegate the entire lifecycle to the handler
	if err := s.ConnectionHandler.HandleConnection(clientConn); err != nil {
		logger.Error("Connection handling failed", "conn_id", connID, "remote_addr", clientConn.RemoteAddr(), "error", err)
		return
	}
	logger.Debug("Connection finished", "conn_id", connID, "remote_addr", clientConn.RemoteAddr())
}

// Shutdown stops accepting connections and waits for in-flight connections
// to finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.Listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ActiveConnections returns the number of connections currently being handled.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// TotalConnections returns the number of connections accepted so far.
func (s *Server) TotalConnections() uint64 {
	return s.accepted.Load()
}
