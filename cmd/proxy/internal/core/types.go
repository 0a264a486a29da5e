package core

import (
	"context"
	"crypto/tls"
	"net"
)

// DatabaseType identifies the wire protocol spoken by a backend.
type DatabaseType string

const (
	DatabaseTypePostgresql DatabaseType = "postgresql"
	DatabaseTypeMySQL      DatabaseType = "mysql"
	DatabaseTypeMongoDB    DatabaseType = "mongodb"
)

// RoutingMetadata contains information extracted from the protocol handshake
// used to determine the destination backend (e.g., "database": "finance").
type RoutingMetadata map[string]string

// ConnectionHandler processes one accepted connection.
// The returned error is usually an I/O error from the connection itself.
type ConnectionHandler interface {
	HandleConnection(conn net.Conn) error
}

// ConnectionHandlerFunc allows an ordinary function to be used as a ConnectionHandler.
type ConnectionHandlerFunc func(conn net.Conn) error

// HandleConnection calls f(conn).
func (f ConnectionHandlerFunc) HandleConnection(conn net.Conn) error {
	return f(conn)
}

// HandlerFactory builds a ConnectionHandler.
// Create may be expensive and must be safe to call again after it failed.
type HandlerFactory interface {
	// Create returns a usable handler or an error. A nil pointer wrapped
	// in ConnectionHandler counts as a handler, so return a plain nil.
	Create() (ConnectionHandler, error)
}

// HandlerFactoryFunc allows an ordinary function to be used as a HandlerFactory.
type HandlerFactoryFunc func() (ConnectionHandler, error)

// Create calls f().
func (f HandlerFactoryFunc) Create() (ConnectionHandler, error) {
	return f()
}

// BackendResolver defines how to find a backend address based on metadata.
// It is purely a lookup mechanism and knows nothing about the network.
type BackendResolver interface {
	Resolve(ctx context.Context, metadata RoutingMetadata, databaseType DatabaseType) (string, error)
}

// TLSProvider defines how to retrieve the server certificate.
// It abstracts away the storage mechanism (K8s Secret, File, Vault, etc.).
type TLSProvider interface {
	GetCertificate(ctx context.Context) (*tls.Certificate, error)
	Store(ctx context.Context, certPEM, keyPEM []byte) error
}
