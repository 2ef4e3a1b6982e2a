package transport

import (
	"time"

	"golang.org/x/sys/unix"

	httperrors "github.com/nczempin/pkihttp/errors"
)

// socketStream is a Stream over a raw non-blocking socket descriptor.
type socketStream struct {
	fd int
}

func (s *socketStream) Write(buf []byte) (int, error) {
	if s.fd < 0 {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketWriteFailure, "not connected", nil)
	}

	for {
		n, err := unix.Write(s.fd, buf)
		switch err {
		case nil:
			if n <= 0 && len(buf) > 0 {
				return 0, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed during write", nil)
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, httperrors.ErrWouldBlock
		case unix.EPIPE, unix.ECONNRESET:
			return 0, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed", err)
		default:
			return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketWriteFailure, "write failed", err)
		}
	}
}

func (s *socketStream) Read(buf []byte) (int, error) {
	if s.fd < 0 {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketReadFailure, "not connected", nil)
	}

	for {
		n, err := unix.Read(s.fd, buf)
		switch err {
		case nil:
			if n == 0 && len(buf) > 0 {
				return 0, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed by peer", nil)
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, httperrors.ErrWouldBlock
		case unix.ECONNRESET:
			return 0, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection reset by peer", err)
		default:
			return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketReadFailure, "read failed", err)
		}
	}
}

// Flush is a no-op: the socket has no user-space buffer.
func (s *socketStream) Flush() error {
	return nil
}

func (s *socketStream) WaitReady(dir Direction, deadline time.Time) error {
	if s.fd < 0 {
		return httperrors.NewTransportError(httperrors.TransportErrorWaitFailure, "not connected", nil)
	}
	events := int16(unix.POLLIN)
	if dir == Writable {
		events = unix.POLLOUT
	}
	return pollFd(s.fd, events, deadline)
}

func (s *socketStream) Close() error {
	if s.fd < 0 {
		return nil // Already closed or never connected
	}
	err := unix.Close(s.fd)
	s.fd = -1
	if err != nil {
		return httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "failed to close socket", err)
	}
	return nil
}

// SocketTransport implements Transport with a non-blocking TCP socket.
// Reads and writes never block; they report errors.ErrWouldBlock and the
// caller waits with WaitReady.
type SocketTransport struct {
	socketStream
}

// NewSocketTransport creates a new, unconnected SocketTransport.
func NewSocketTransport() *SocketTransport {
	return &SocketTransport{socketStream{fd: -1}}
}

// Connect establishes a TCP connection without blocking past deadline.
func (t *SocketTransport) Connect(host string, port uint16, deadline time.Time) error {
	if t.fd >= 0 {
		return httperrors.NewConnectError(httperrors.TransportErrorSocketConnectFailure, "already connected", nil)
	}
	fd, err := dialTCP(host, port, deadline)
	if err != nil {
		return err
	}
	t.fd = fd
	return nil
}

// UnixTransport implements Transport using a non-blocking Unix domain
// socket, for authorities reachable through a local socket file.
type UnixTransport struct {
	socketStream
	path string
}

// NewUnixTransport creates a Unix domain socket transport. If path is
// empty, the host given to Connect is used as the socket path.
func NewUnixTransport(path string) *UnixTransport {
	return &UnixTransport{socketStream: socketStream{fd: -1}, path: path}
}

// Connect establishes a connection to a Unix domain socket.
// The port is ignored.
func (t *UnixTransport) Connect(host string, _ uint16, deadline time.Time) error {
	if t.fd >= 0 {
		return httperrors.NewConnectError(httperrors.TransportErrorSocketConnectFailure, "already connected", nil)
	}
	path := t.path
	if path == "" {
		path = host
	}
	fd, err := connectSocket(unix.AF_UNIX, &unix.SockaddrUnix{Name: path}, deadline)
	if err != nil {
		return err
	}
	t.fd = fd
	return nil
}
