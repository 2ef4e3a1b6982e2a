// Package transporttest provides a scripted in-memory transport.Stream for
// exercising non-blocking code paths without sockets.
package transporttest

import (
	"bytes"
	"time"

	httperrors "github.com/nczempin/pkihttp/errors"
	"github.com/nczempin/pkihttp/transport"
)

// Stream replays a script of reads and records writes.
//
// A nil entry in Reads makes one Read call report errors.ErrWouldBlock.
// When Reads is exhausted, Read returns ReadErr, or a connection-closed
// transport error if ReadErr is nil.
type Stream struct {
	Reads   [][]byte
	ReadErr error

	// WriteBlocks is the number of Write calls that report ErrWouldBlock
	// before writes make progress. MaxWrite caps the bytes accepted per
	// call; 0 means unlimited.
	WriteBlocks int
	MaxWrite    int
	WriteErr    error

	FlushBlocks int
	FlushErr    error

	WaitErr error

	Written    bytes.Buffer
	ReadCalls  int
	WriteCalls int
	FlushCalls int
	Waits      []transport.Direction
	CloseCalls int
}

// NewStream returns a Stream that yields the given chunks in order.
func NewStream(reads ...[]byte) *Stream {
	return &Stream{Reads: reads}
}

// Read implements transport.Stream.
func (s *Stream) Read(buf []byte) (int, error) {
	s.ReadCalls++
	if len(s.Reads) == 0 {
		if s.ReadErr != nil {
			return 0, s.ReadErr
		}
		return 0, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed by peer", nil)
	}

	chunk := s.Reads[0]
	if chunk == nil {
		s.Reads = s.Reads[1:]
		return 0, httperrors.ErrWouldBlock
	}
	n := copy(buf, chunk)
	if n < len(chunk) {
		s.Reads[0] = chunk[n:]
	} else {
		s.Reads = s.Reads[1:]
	}
	return n, nil
}

// Write implements transport.Stream.
func (s *Stream) Write(buf []byte) (int, error) {
	s.WriteCalls++
	if s.WriteErr != nil {
		return 0, s.WriteErr
	}
	if s.WriteBlocks > 0 {
		s.WriteBlocks--
		return 0, httperrors.ErrWouldBlock
	}
	if s.MaxWrite > 0 && len(buf) > s.MaxWrite {
		buf = buf[:s.MaxWrite]
	}
	return s.Written.Write(buf)
}

// Flush implements transport.Stream.
func (s *Stream) Flush() error {
	s.FlushCalls++
	if s.FlushErr != nil {
		return s.FlushErr
	}
	if s.FlushBlocks > 0 {
		s.FlushBlocks--
		return httperrors.ErrWouldBlock
	}
	return nil
}

// WaitReady implements transport.Stream. It never blocks; an expired
// deadline yields a timeout.
func (s *Stream) WaitReady(dir transport.Direction, deadline time.Time) error {
	s.Waits = append(s.Waits, dir)
	if s.WaitErr != nil {
		return s.WaitErr
	}
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return httperrors.NewTimeoutError("waiting until " + dir.String())
	}
	return nil
}

// Close implements transport.Stream.
func (s *Stream) Close() error {
	s.CloseCalls++
	return nil
}

// Transport is a Stream that also accepts Connect, for orchestration tests.
type Transport struct {
	*Stream

	ConnectErr  error
	ConnectHost string
	ConnectPort uint16
	Deadline    time.Time
}

// NewTransport wraps s.
func NewTransport(s *Stream) *Transport {
	return &Transport{Stream: s}
}

// Connect implements transport.Transport.
func (t *Transport) Connect(host string, port uint16, deadline time.Time) error {
	t.ConnectHost = host
	t.ConnectPort = port
	t.Deadline = deadline
	return t.ConnectErr
}
