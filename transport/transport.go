package transport

import "time"

// Direction selects the readiness condition WaitReady blocks on.
type Direction int

const (
	Readable Direction = iota
	Writable
)

func (d Direction) String() string {
	if d == Writable {
		return "writable"
	}
	return "readable"
}

// Stream is a duplex, possibly non-blocking byte channel.
//
// Read and Write return errors.ErrWouldBlock when no progress is possible
// right now; callers retry after WaitReady.
type Stream interface {
	// Read receives data from the peer.
	Read(buf []byte) (int, error)

	// Write sends data to the peer. It may write fewer bytes than given.
	Write(buf []byte) (int, error)

	// Flush pushes out anything buffered by the stream.
	Flush() error

	// WaitReady blocks until the stream is ready in the given direction or
	// the deadline passes. A zero deadline waits indefinitely.
	WaitReady(dir Direction, deadline time.Time) error

	// Close releases the stream.
	Close() error
}

// Transport is a Stream that can open its own connection.
type Transport interface {
	Stream

	// Connect establishes a connection to the specified host and port,
	// giving up at deadline. For Unix sockets the host is the socket path
	// and port is ignored.
	Connect(host string, port uint16, deadline time.Time) error
}

// Deadliner is implemented by blocking streams that bound every I/O call by
// an absolute deadline instead of polling.
type Deadliner interface {
	SetDeadline(deadline time.Time) error
}
