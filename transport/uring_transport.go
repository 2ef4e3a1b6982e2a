package transport

import (
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/iceber/iouring-go"
	"golang.org/x/sys/unix"

	httperrors "github.com/nczempin/pkihttp/errors"
)

// UringTransport implements Transport using io_uring for async I/O.
// From the caller's point of view it is blocking: every call waits for its
// completion, bounded by the deadline from SetDeadline.
type UringTransport struct {
	iour     *iouring.IOURing
	fd       int
	closed   bool
	deadline time.Time
}

// NewUringTransport creates a new TCP transport with io_uring
func NewUringTransport() (*UringTransport, error) {
	// Create io_uring instance with queue depth of 32
	iour, err := iouring.New(32)
	if err != nil {
		return nil, httperrors.NewTransportError(
			httperrors.TransportErrorIoUringInit,
			"failed to initialize io_uring",
			err,
		)
	}

	return &UringTransport{
		iour:   iour,
		fd:     -1,
		closed: false,
	}, nil
}

// Connect establishes a TCP connection using io_uring
func (t *UringTransport) Connect(host string, port uint16, deadline time.Time) error {
	if t.fd >= 0 {
		return httperrors.NewConnectError(
			httperrors.TransportErrorSocketConnectFailure,
			"already connected",
			nil,
		)
	}

	ips, err := resolve(host, deadline)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	var lastErr error
	for _, ip := range ips {
		fd, err := t.connect(ip, port, deadline)
		if err == nil {
			t.fd = fd
			t.deadline = deadline
			return nil
		}
		lastErr = err
		if httperrors.IsTimeout(err) {
			return err
		}
	}
	return httperrors.NewConnectError(
		httperrors.TransportErrorSocketConnectFailure,
		fmt.Sprintf("failed to connect to %s", addr),
		lastErr,
	)
}

func (t *UringTransport) connect(ip net.IP, port uint16, deadline time.Time) (int, error) {
	family := syscall.AF_INET6
	var sa syscall.Sockaddr
	if ip4 := ip.To4(); ip4 != nil {
		family = syscall.AF_INET
		sa4 := &syscall.SockaddrInet4{Port: int(port)}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		sa6 := &syscall.SockaddrInet6{Port: int(port)}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}

	// Create socket
	fd, err := syscall.Socket(family, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, httperrors.NewConnectError(httperrors.TransportErrorSocketCreateFailure, "failed to create socket", err)
	}

	// Set socket to non-blocking mode for io_uring
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return -1, httperrors.NewConnectError(httperrors.TransportErrorSocketCreateFailure, "failed to set non-blocking mode", err)
	}

	// Set TCP_NODELAY
	if err := syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1); err != nil {
		syscall.Close(fd)
		return -1, httperrors.NewConnectError(httperrors.TransportErrorSocketCreateFailure, "failed to set TCP_NODELAY", err)
	}

	if !deadline.IsZero() && !time.Now().Before(deadline) {
		syscall.Close(fd)
		return -1, httperrors.NewConnectError(httperrors.TransportErrorTimeout, "timed out connecting", nil)
	}

	// Submit connect operation via io_uring
	req, err := iouring.Connect(fd, sa)
	if err != nil {
		syscall.Close(fd)
		return -1, httperrors.NewConnectError(httperrors.TransportErrorSocketConnectFailure, "failed to prepare connect request", err)
	}
	ch := make(chan iouring.Result, 1)
	if _, err := t.iour.SubmitRequest(req, ch); err != nil {
		syscall.Close(fd)
		return -1, httperrors.NewConnectError(httperrors.TransportErrorIoUringSubmit, "failed to submit connect request", err)
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	// Wait for connect to complete
	select {
	case result := <-ch:
		// connect completes with 0, so only the error is meaningful
		if err := result.Err(); err != nil {
			syscall.Close(fd)
			return -1, httperrors.NewConnectError(httperrors.TransportErrorSocketConnectFailure, "connect failed", err)
		}
		return fd, nil
	case <-timeout:
		// closing the socket fails the pending request
		syscall.Close(fd)
		return -1, httperrors.NewConnectError(httperrors.TransportErrorTimeout, "timed out connecting", nil)
	}
}

// SetDeadline bounds every following read and write.
func (t *UringTransport) SetDeadline(deadline time.Time) error {
	t.deadline = deadline
	return nil
}

// Write sends data over the connection using io_uring
func (t *UringTransport) Write(buf []byte) (int, error) {
	if t.fd < 0 {
		return 0, httperrors.NewTransportError(
			httperrors.TransportErrorSocketWriteFailure,
			"not connected",
			nil,
		)
	}

	if t.closed {
		return 0, httperrors.NewTransportError(
			httperrors.TransportErrorConnectionClosed,
			"connection closed",
			nil,
		)
	}

	totalWritten := 0
	for totalWritten < len(buf) {
		if err := pollFd(t.fd, unix.POLLOUT, t.deadline); err != nil {
			return totalWritten, err
		}

		ch := make(chan iouring.Result, 1)
		prepReq := iouring.Send(t.fd, buf[totalWritten:], 0)
		if _, err := t.iour.SubmitRequest(prepReq, ch); err != nil {
			return totalWritten, httperrors.NewTransportError(
				httperrors.TransportErrorIoUringSubmit,
				"failed to submit write request",
				err,
			)
		}

		result := <-ch
		n, err := result.ReturnInt()
		if err != nil {
			return totalWritten, uringError(err, httperrors.TransportErrorSocketWriteFailure, "write failed")
		}

		if n <= 0 {
			return totalWritten, httperrors.NewTransportError(
				httperrors.TransportErrorConnectionClosed,
				"connection closed during write",
				nil,
			)
		}

		totalWritten += n
	}

	return totalWritten, nil
}

// Read receives data from the connection using io_uring
func (t *UringTransport) Read(buf []byte) (int, error) {
	if t.fd < 0 {
		return 0, httperrors.NewTransportError(
			httperrors.TransportErrorSocketReadFailure,
			"not connected",
			nil,
		)
	}

	if t.closed {
		return 0, httperrors.NewTransportError(
			httperrors.TransportErrorConnectionClosed,
			"connection closed",
			nil,
		)
	}

	if err := pollFd(t.fd, unix.POLLIN, t.deadline); err != nil {
		return 0, err
	}

	ch := make(chan iouring.Result, 1)
	prepReq := iouring.Recv(t.fd, buf, 0)
	if _, err := t.iour.SubmitRequest(prepReq, ch); err != nil {
		return 0, httperrors.NewTransportError(
			httperrors.TransportErrorIoUringSubmit,
			"failed to submit read request",
			err,
		)
	}

	result := <-ch
	n, err := result.ReturnInt()
	if err != nil {
		return 0, uringError(err, httperrors.TransportErrorSocketReadFailure, "read failed")
	}

	if n == 0 && len(buf) > 0 {
		return 0, httperrors.NewTransportError(
			httperrors.TransportErrorConnectionClosed,
			"connection closed by peer",
			nil,
		)
	}

	return n, nil
}

// Flush is a no-op: every Write waits for its completion.
func (t *UringTransport) Flush() error {
	return nil
}

// WaitReady records the deadline; the following blocking call waits.
func (t *UringTransport) WaitReady(dir Direction, deadline time.Time) error {
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return httperrors.NewTimeoutError("waiting until " + dir.String())
	}
	t.deadline = deadline
	return nil
}

// Close closes the connection and releases the io_uring instance.
func (t *UringTransport) Close() error {
	var err error
	if t.fd >= 0 && !t.closed {
		t.closed = true
		if cerr := syscall.Close(t.fd); cerr != nil {
			err = httperrors.NewTransportError(
				httperrors.TransportErrorConnectionClosed,
				"failed to close socket",
				cerr,
			)
		}
		t.fd = -1
	}

	if t.iour != nil {
		t.iour.Close()
		t.iour = nil
	}
	return err
}

func uringError(err error, fallback httperrors.TransportError, message string) error {
	switch err {
	case syscall.EPIPE, syscall.ECONNRESET:
		return httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed", err)
	case syscall.EAGAIN:
		return httperrors.NewTimeoutError(message)
	default:
		return httperrors.NewTransportError(fallback, message, err)
	}
}
