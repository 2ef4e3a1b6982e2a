package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	httperrors "github.com/nczempin/pkihttp/errors"
)

// ConnStream implements Stream over a blocking net.Conn. Every call is
// bounded by the deadline last given to SetDeadline or WaitReady.
type ConnStream struct {
	conn     net.Conn
	deadline time.Time
}

// NewConnStream wraps conn. The stream owns conn from now on.
func NewConnStream(conn net.Conn) *ConnStream {
	return &ConnStream{conn: conn}
}

// NetConn returns the wrapped connection, e.g. for layering TLS on top.
func (s *ConnStream) NetConn() net.Conn {
	return s.conn
}

// SetDeadline bounds all following reads and writes.
func (s *ConnStream) SetDeadline(deadline time.Time) error {
	s.deadline = deadline
	if s.conn == nil {
		return nil
	}
	return s.conn.SetDeadline(deadline)
}

// Write sends data over the connection
func (s *ConnStream) Write(buf []byte) (int, error) {
	if s.conn == nil {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketWriteFailure, "not connected", nil)
	}

	n, err := s.conn.Write(buf)
	if err != nil {
		return n, classifyConnError(err, httperrors.TransportErrorSocketWriteFailure, "write failed")
	}
	return n, nil
}

// Read receives data from the connection
func (s *ConnStream) Read(buf []byte) (int, error) {
	if s.conn == nil {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketReadFailure, "not connected", nil)
	}

	n, err := s.conn.Read(buf)
	if err != nil {
		if n > 0 {
			// deliver the data now, the error resurfaces on the next call
			return n, nil
		}
		return 0, classifyConnError(err, httperrors.TransportErrorSocketReadFailure, "read failed")
	}
	if n == 0 && len(buf) > 0 {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed by peer", nil)
	}
	return n, nil
}

// Flush is a no-op: writes go straight to the connection.
func (s *ConnStream) Flush() error {
	return nil
}

// WaitReady records the deadline for the next blocking call. A blocking
// connection is always "ready"; the call itself then waits.
func (s *ConnStream) WaitReady(dir Direction, deadline time.Time) error {
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return httperrors.NewTimeoutError("waiting until " + dir.String())
	}
	if deadline.Equal(s.deadline) {
		return nil
	}
	return s.SetDeadline(deadline)
}

// Close closes the connection
func (s *ConnStream) Close() error {
	if s.conn == nil {
		return nil // Idempotent close
	}

	err := s.conn.Close()
	s.conn = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "failed to close connection", err)
	}
	return nil
}

func classifyConnError(err error, fallback httperrors.TransportError, message string) error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		timeout := httperrors.NewTimeoutError(message)
		timeout.UnderlyingErr = err
		return timeout
	case errors.Is(err, io.EOF), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed", err)
	default:
		return httperrors.NewTransportError(fallback, message, err)
	}
}
