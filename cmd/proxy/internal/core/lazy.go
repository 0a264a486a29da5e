package core

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/logger"
)

// ErrNilHandler is returned when a HandlerFactory reports success but yields no handler.
// Only an untyped nil interface is detected; a factory must not return a
// nil pointer wrapped in a ConnectionHandler.
var ErrNilHandler = errors.New("handler factory returned a nil handler")

// LazyHandler is a ConnectionHandler that builds its real handler on the
// first connection and reuses it for every connection after that.
//
// This lets the proxy bind its port and report ready without paying for
// backend discovery and TLS setup until a client actually shows up.
type LazyHandler struct {
	factory HandlerFactory

	mu      sync.Mutex
	handler ConnectionHandler // set at most once, never cleared
}

// NewLazyHandler wraps factory. The factory is not called here.
func NewLazyHandler(factory HandlerFactory) *LazyHandler {
	return &LazyHandler{factory: factory}
}

// HandleConnection implements ConnectionHandler.
// Errors from creating the handler and from handling the connection are
// returned as they are.
func (h *LazyHandler) HandleConnection(conn net.Conn) error {
	handler, err := h.resolve()
	if err != nil {
		return err
	}
	return handler.HandleConnection(conn)
}

// Resolved reports whether the real handler has been created.
func (h *LazyHandler) Resolved() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handler != nil
}

// Close closes the created handler if it implements io.Closer. It does
// nothing when no handler has been created yet.
func (h *LazyHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.handler.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// resolve returns the cached handler, creating it first if needed.
// The whole check-create-store sequence holds h.mu, so concurrent first
// connections trigger a single successful Create.
func (h *LazyHandler) resolve() (ConnectionHandler, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.handler != nil {
		return h.handler, nil
	}

	logger.Info("Creating connection handler for first connection")
	start := time.Now()

	handler, err := h.factory.Create()
	if err != nil {
		logger.Warn("Connection handler creation failed, will retry on next connection", "error", err)
		return nil, err
	}
	if handler == nil {
		logger.Warn("Connection handler creation failed, will retry on next connection", "error", ErrNilHandler)
		return nil, ErrNilHandler
	}

	h.handler = handler
	logger.Info("Connection handler created", "duration", time.Since(start))
	return h.handler, nil
}
