package postgresql_proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/logger"
)

const (
	sslRequestCode    = 80877103
	gssEncRequestCode = 80877104
	cancelRequestCode = 80877102

	maxStartupLength = 10000

	defaultHandshakeTimeout = 10 * time.Second
	defaultResolveTimeout   = 5 * time.Second
	defaultDialTimeout      = 5 * time.Second
)

// ErrorResponse represents a PostgreSQL error response
type ErrorResponse struct {
	Severity string
	Code     string
	Message  string
}

// PostgresProxy routes PostgreSQL clients to a backend chosen from the
// user name in the StartupMessage (user.deployment_id[.pool]).
type PostgresProxy struct {
	TLSConfig *tls.Config
	Resolver  core.BackendResolver

	HandshakeTimeout time.Duration // bounds everything up to the StartupMessage
	ResolveTimeout   time.Duration
	DialTimeout      time.Duration
}

func (p *PostgresProxy) sendErrorResponse(conn net.Conn, errResp *ErrorResponse) error {
	var msgData []byte
	msgData = append(msgData, 'S')
	msgData = append(msgData, []byte(errResp.Severity)...)
	msgData = append(msgData, 0)
	msgData = append(msgData, 'C')
	msgData = append(msgData, []byte(errResp.Code)...)
	msgData = append(msgData, 0)
	msgData = append(msgData, 'M')
	msgData = append(msgData, []byte(errResp.Message)...)
	msgData = append(msgData, 0)
	msgData = append(msgData, 0) // Final null terminator

	msg := make([]byte, 1+4+len(msgData))
	msg[0] = 'E'
	binary.BigEndian.PutUint32(msg[1:5], uint32(4+len(msgData)))
	copy(msg[5:], msgData)

	_, writeErr := conn.Write(msg)
	if writeErr != nil {
		logger.Error("Error sending error response", "remote_addr", conn.RemoteAddr(), "error", writeErr)
	} else {
		logger.Info("Sent error response", "remote_addr", conn.RemoteAddr(), "severity", errResp.Severity, "code", errResp.Code, "message", errResp.Message)
	}
	return writeErr
}

// HandleConnection implements core.ConnectionHandler.
// It takes full ownership of the connection lifecycle and returns the first
// error that ended the session early.
func (p *PostgresProxy) HandleConnection(conn net.Conn) error {
	defer conn.Close()
	remoteAddr := conn.RemoteAddr()

	// 1. Handshake & Protocol Parsing
	_ = conn.SetDeadline(time.Now().Add(p.handshakeTimeout()))
	metadata, clientConn, rawStartupMsg, err := p.handshake(conn)
	if err != nil {
		logger.Error("Handshake failed", "error", err, "remote_addr", remoteAddr)
		return fmt.Errorf("handshake: %w", err)
	}
	if clientConn != conn {
		defer clientConn.Close()
	}
	_ = clientConn.SetDeadline(time.Time{})

	// 2. Resolve Backend
	ctx, cancel := context.WithTimeout(context.Background(), p.resolveTimeout())
	defer cancel()

	backendAddr, err := p.Resolver.Resolve(ctx, metadata, core.DatabaseTypePostgresql)
	if err != nil {
		logger.Error("Resolution failed", "error", err, "remote_addr", remoteAddr)
		_ = p.sendErrorResponse(clientConn, &ErrorResponse{
			Severity: "FATAL",
			Code:     "08001", // sqlclient_unable_to_establish_sqlconnection
			Message:  fmt.Sprintf("resolution failed: %v", err),
		})
		return fmt.Errorf("resolve backend: %w", err)
	}

	// 3. Dial Backend
	dialer := net.Dialer{Timeout: p.dialTimeout()}
	backendConn, err := dialer.DialContext(ctx, "tcp", backendAddr)
	if err != nil {
		logger.Error("Dial failed", "backend_addr", backendAddr, "error", err, "remote_addr", remoteAddr)
		_ = p.sendErrorResponse(clientConn, &ErrorResponse{
			Severity: "FATAL",
			Code:     "08001",
			Message:  fmt.Sprintf("failed to connect to backend %s: %v", backendAddr, err),
		})
		return fmt.Errorf("dial backend %s: %w", backendAddr, err)
	}
	defer backendConn.Close()

	// 4. Forward Startup Message
	if _, err := backendConn.Write(rawStartupMsg); err != nil {
		logger.Error("Failed to forward startup message", "error", err, "remote_addr", remoteAddr)
		return fmt.Errorf("forward startup message: %w", err)
	}

	logger.Info("Proxying connection", "remote_addr", remoteAddr, "backend_addr", backendAddr,
		"deployment_id", metadata["deployment_id"], "pooled", metadata["pooled"])

	// 5. Pipe Data
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = io.Copy(backendConn, clientConn)
		closeWrite(backendConn)
	}()

	go func() {
		defer wg.Done()
		_, _ = io.Copy(clientConn, backendConn)
		closeWrite(clientConn)
	}()

	wg.Wait()
	return nil
}

// Close releases the resolver when it holds background resources, such as
// the Kubernetes informer.
func (p *PostgresProxy) Close() error {
	if c, ok := p.Resolver.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}

// closeWrite half-closes conn when the transport supports it, so the peer
// sees EOF while the other direction keeps flowing.
func closeWrite(conn net.Conn) {
	type writeCloser interface{ CloseWrite() error }
	if wc, ok := conn.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = conn.Close()
}

func (p *PostgresProxy) handshakeTimeout() time.Duration {
	if p.HandshakeTimeout > 0 {
		return p.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

func (p *PostgresProxy) resolveTimeout() time.Duration {
	if p.ResolveTimeout > 0 {
		return p.ResolveTimeout
	}
	return defaultResolveTimeout
}

func (p *PostgresProxy) dialTimeout() time.Duration {
	if p.DialTimeout > 0 {
		return p.DialTimeout
	}
	return defaultDialTimeout
}

// readStartupPacket reads one length-prefixed startup-phase packet.
func readStartupPacket(conn net.Conn) (header, payload []byte, err error) {
	header = make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, nil, fmt.Errorf("failed to read message length: %w", err)
	}

	length := int32(binary.BigEndian.Uint32(header))
	if length < 4 || length > maxStartupLength {
		return nil, nil, fmt.Errorf("invalid message length: %d", length)
	}

	payload = make([]byte, length-4)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, nil, fmt.Errorf("failed to read message body: %w", err)
	}
	return header, payload, nil
}

// handshake performs the initial protocol handshake and returns metadata, the (potentially wrapped) connection, and the raw startup message bytes.
// SSL and GSSENC negotiation are each allowed once; after a TLS upgrade
// neither may be requested again.
func (p *PostgresProxy) handshake(conn net.Conn) (core.RoutingMetadata, net.Conn, []byte, error) {
	var (
		header, payload []byte
		sslDone         bool
		gssDone         bool
	)

	for {
		var err error
		header, payload, err = readStartupPacket(conn)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(payload) < 4 {
			return nil, nil, nil, fmt.Errorf("payload too short")
		}

		code := int32(binary.BigEndian.Uint32(payload[0:4]))
		if code == cancelRequestCode {
			return nil, nil, nil, fmt.Errorf("cancel requests are not supported")
		}

		if code == gssEncRequestCode {
			if gssDone {
				return nil, nil, nil, fmt.Errorf("duplicate GSSENC request")
			}
			// GSSAPI encryption is never offered; clients fall back to SSL or plaintext.
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return nil, nil, nil, fmt.Errorf("failed to write GSSENC rejection response: %w", err)
			}
			gssDone = true
			continue
		}

		if code == sslRequestCode {
			if sslDone {
				return nil, nil, nil, fmt.Errorf("duplicate SSL request")
			}
			sslDone = true

			if p.TLSConfig == nil {
				// Send 'N' to reject SSL (TLS disabled)
				if _, err := conn.Write([]byte{'N'}); err != nil {
					return nil, nil, nil, fmt.Errorf("failed to write SSL rejection response: %w", err)
				}
				logger.Info("SSL request rejected - TLS is disabled", "remote_addr", conn.RemoteAddr())
				continue
			}

			// Send 'S' to accept SSL
			if _, err := conn.Write([]byte{'S'}); err != nil {
				return nil, nil, nil, fmt.Errorf("failed to write SSL response: %w", err)
			}

			tlsConn := tls.Server(conn, p.TLSConfig)
			if err := tlsConn.Handshake(); err != nil {
				_ = p.sendErrorResponse(conn, &ErrorResponse{
					Severity: "FATAL",
					Code:     "08006",
					Message:  fmt.Sprintf("TLS handshake failed: %v", err),
				})
				return nil, nil, nil, fmt.Errorf("tls handshake failed: %w", err)
			}

			state := tlsConn.ConnectionState()
			logger.Info("TLS Handshake successful",
				"protocol", tlsVersionName(state.Version),
				"cipher_suite", tls.CipherSuiteName(state.CipherSuite),
				"remote_addr", conn.RemoteAddr())

			// The StartupMessage follows on the encrypted stream.
			conn = tlsConn
			gssDone = true
			continue
		}

		break
	}

	// Parse StartupMessage
	params := make(map[string]string)
	buf := bytes.NewBuffer(payload[4:]) // Skip protocol version

	for {
		key, err := buf.ReadString(0)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, nil, err
		}
		key = key[:len(key)-1] // Trim null byte

		if key == "" {
			break
		}

		value, err := buf.ReadString(0)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("malformed startup message")
		}
		value = value[:len(value)-1] // Trim null byte

		params[key] = value
	}

	user, ok := params["user"]
	if !ok {
		return nil, nil, nil, fmt.Errorf("startup message missing user parameter")
	}
	logger.Info("Connection requested", "user", user, "remote_addr", conn.RemoteAddr())

	// Parse username to extract deployment_id and pool status
	username, deploymentID, pooled := splitRoutingUser(user)
	params["pooled"] = strconv.FormatBool(pooled)
	if deploymentID != "" {
		params["deployment_id"] = deploymentID
		params["username"] = username
	}

	var rawStartupMsg []byte
	if deploymentID != "" && username != user {
		// Rebuild startup message with new username
		protocolVersion := binary.BigEndian.Uint32(payload[0:4])
		buildParams := make(map[string]string, len(params))
		for k, v := range params {
			if k != "deployment_id" && k != "pooled" && k != "username" {
				buildParams[k] = v
			}
		}
		buildParams["user"] = username
		rawStartupMsg = rebuildStartupMessage(protocolVersion, buildParams)
	} else {
		// Use original message
		rawStartupMsg = make([]byte, len(header)+len(payload))
		copy(rawStartupMsg, header)
		copy(rawStartupMsg[4:], payload)
	}

	return core.RoutingMetadata(params), conn, rawStartupMsg, nil
}

// splitRoutingUser splits "name.deployment_id" or "name.deployment_id.pool".
// A user without a dot carries no routing information.
func splitRoutingUser(user string) (username, deploymentID string, pooled bool) {
	parts := strings.Split(user, ".")
	if len(parts) < 2 {
		return user, "", false
	}
	if parts[len(parts)-1] == "pool" {
		if len(parts) < 3 {
			return user, "", true
		}
		return strings.Join(parts[:len(parts)-2], "."), parts[len(parts)-2], true
	}
	return strings.Join(parts[:len(parts)-1], "."), parts[len(parts)-1], false
}

func rebuildStartupMessage(protocolVersion uint32, params map[string]string) []byte {
	// Calculate total length needed
	totalLength := 4 + 4 // Length field + protocol version
	for key, value := range params {
		totalLength += len(key) + 1 + len(value) + 1
	}
	totalLength++ // Final null byte

	newMessage := make([]byte, totalLength)
	binary.BigEndian.PutUint32(newMessage[0:4], uint32(totalLength))
	binary.BigEndian.PutUint32(newMessage[4:8], protocolVersion)

	offset := 8
	for key, value := range params {
		copy(newMessage[offset:], key)
		offset += len(key)
		newMessage[offset] = 0
		offset++
		copy(newMessage[offset:], value)
		offset += len(value)
		newMessage[offset] = 0
		offset++
	}
	newMessage[offset] = 0
	return newMessage
}

func tlsVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLSv1.0"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return fmt.Sprintf("Unknown (%x)", version)
	}
}
