package transport

import (
	"time"

	"github.com/godzie44/go-uring/uring"
	"golang.org/x/sys/unix"

	httperrors "github.com/nczempin/pkihttp/errors"
)

// RingTransport implements Transport using godzie44/go-uring. Each call
// first waits for socket readiness with poll(2), bounded by the deadline,
// then submits a single read or write to the ring and reaps it.
type RingTransport struct {
	ring     *uring.Ring
	fd       int
	deadline time.Time
}

// NewRingTransport creates a new TCP transport backed by an io_uring ring.
func NewRingTransport() (*RingTransport, error) {
	// Create io_uring instance with queue depth of 32
	ring, err := uring.New(32)
	if err != nil {
		return nil, httperrors.NewTransportError(
			httperrors.TransportErrorIoUringInit,
			"failed to initialize io_uring",
			err,
		)
	}

	return &RingTransport{
		ring: ring,
		fd:   -1,
	}, nil
}

// Connect establishes a TCP connection
func (t *RingTransport) Connect(host string, port uint16, deadline time.Time) error {
	if t.fd >= 0 {
		return httperrors.NewConnectError(
			httperrors.TransportErrorSocketConnectFailure,
			"already connected",
			nil,
		)
	}

	fd, err := dialTCP(host, port, deadline)
	if err != nil {
		return err
	}
	t.fd = fd
	t.deadline = deadline
	return nil
}

// SetDeadline bounds every following read and write.
func (t *RingTransport) SetDeadline(deadline time.Time) error {
	t.deadline = deadline
	return nil
}

// submit queues one SQE via queue, submits it and waits for its completion.
func (t *RingTransport) submit(queue func() error, failure httperrors.TransportError, what string) (int, error) {
	if err := queue(); err != nil {
		return 0, httperrors.NewTransportError(
			httperrors.TransportErrorIoUringSubmit,
			"failed to queue "+what+" request",
			err,
		)
	}

	// Submit and wait
	if _, err := t.ring.Submit(); err != nil {
		return 0, httperrors.NewTransportError(
			httperrors.TransportErrorIoUringSubmit,
			"failed to submit "+what+" request",
			err,
		)
	}

	// Wait for completion
	cqe, err := t.ring.WaitCQEvents(1)
	if err != nil {
		return 0, httperrors.NewTransportError(
			failure,
			"failed to wait for "+what+" completion",
			err,
		)
	}

	if err := cqe.Error(); err != nil {
		t.ring.SeenCQE(cqe)
		return 0, uringError(err, failure, what+" operation failed")
	}

	n := int(cqe.Res)
	t.ring.SeenCQE(cqe)
	return n, nil
}

// Write sends data over the connection using io_uring
func (t *RingTransport) Write(buf []byte) (int, error) {
	if t.fd < 0 {
		return 0, httperrors.NewTransportError(
			httperrors.TransportErrorSocketWriteFailure,
			"not connected",
			nil,
		)
	}

	totalWritten := 0
	for totalWritten < len(buf) {
		if err := pollFd(t.fd, unix.POLLOUT, t.deadline); err != nil {
			return totalWritten, err
		}

		chunk := buf[totalWritten:]
		n, err := t.submit(func() error {
			return t.ring.QueueSQE(uring.Write(uintptr(t.fd), chunk, 0), 0, 0)
		}, httperrors.TransportErrorSocketWriteFailure, "write")
		if err != nil {
			return totalWritten, err
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
func (t *RingTransport) Read(buf []byte) (int, error) {
	if t.fd < 0 {
		return 0, httperrors.NewTransportError(
			httperrors.TransportErrorSocketReadFailure,
			"not connected",
			nil,
		)
	}

	if err := pollFd(t.fd, unix.POLLIN, t.deadline); err != nil {
		return 0, err
	}

	n, err := t.submit(func() error {
		return t.ring.QueueSQE(uring.Read(uintptr(t.fd), buf, 0), 0, 0)
	}, httperrors.TransportErrorSocketReadFailure, "read")
	if err != nil {
		return 0, err
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
func (t *RingTransport) Flush() error {
	return nil
}

// WaitReady records the deadline; the following call polls with it.
func (t *RingTransport) WaitReady(dir Direction, deadline time.Time) error {
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return httperrors.NewTimeoutError("waiting until " + dir.String())
	}
	t.deadline = deadline
	return nil
}

// Close closes the connection and the ring.
func (t *RingTransport) Close() error {
	var err error
	if t.fd >= 0 {
		if cerr := unix.Close(t.fd); cerr != nil {
			err = httperrors.NewTransportError(
				httperrors.TransportErrorConnectionClosed,
				"failed to close socket",
				cerr,
			)
		}
		t.fd = -1
	}

	if t.ring != nil {
		t.ring.Close()
		t.ring = nil
	}
	return err
}
