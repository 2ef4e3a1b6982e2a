package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpguts"

	"github.com/nczempin/pkihttp/errors"
	"github.com/nczempin/pkihttp/transport"
)

const (
	// DefaultMaxLine is the default capacity of the line buffer, which
	// bounds status and header lines and the size of a single read.
	DefaultMaxLine = 4096

	// DefaultMaxResponseLength bounds the decoded response body.
	DefaultMaxResponseLength = 100 * 1024
)

// Exchange drives one HTTP request/response cycle carrying DER payloads
// over a possibly non-blocking stream.
//
// The request is composed with WriteRequestLine, AddHeader and SetBody,
// then Poll is called until it reports completion. An Exchange is not safe
// for concurrent use. It never closes its stream.
type Exchange struct {
	stream transport.Stream
	state  State

	// buf holds the unsent request while sending and the received bytes
	// afterwards. pos marks how much of the received bytes were consumed as
	// status and header lines.
	buf []byte
	pos int

	line      []byte
	remaining int // unsent request bytes
	body      []byte
	total     int // size of the DER value starting at pos

	maxResponse int
	deadline    time.Time

	status  int
	reason  string
	headers []HttpHeader

	err    error
	closed bool
	log    logrus.FieldLogger
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithMaxLine sets the line buffer capacity. Values <= 0 keep the default.
func WithMaxLine(n int) Option {
	return func(x *Exchange) {
		if n > 0 {
			x.line = make([]byte, n)
		}
	}
}

// WithMaxResponseLength bounds the decoded response. Values <= 0 keep the
// default.
func WithMaxResponseLength(n int) Option {
	return func(x *Exchange) {
		if n > 0 {
			x.maxResponse = n
		}
	}
}

// WithDeadline sets the absolute time after which Do fails with a timeout.
// The zero time means the caller drives a blocking stream without limit.
func WithDeadline(deadline time.Time) Option {
	return func(x *Exchange) {
		x.deadline = deadline
	}
}

// WithTimeout sets the deadline relative to now. Non-positive values mean
// no deadline.
func WithTimeout(d time.Duration) Option {
	return func(x *Exchange) {
		if d > 0 {
			x.deadline = time.Now().Add(d)
		} else {
			x.deadline = time.Time{}
		}
	}
}

// WithLogger sets the logger for state transitions.
func WithLogger(l logrus.FieldLogger) Option {
	return func(x *Exchange) {
		if l != nil {
			x.log = l
		}
	}
}

// NewExchange creates an Exchange on stream, ready for WriteRequestLine.
func NewExchange(stream transport.Stream, opts ...Option) (*Exchange, error) {
	if stream == nil {
		return nil, errors.NewInvalidArgumentError("nil stream")
	}
	x := &Exchange{
		stream:      stream,
		state:       StateBuildingRequestLine,
		buf:         make([]byte, 0, 1024),
		maxResponse: DefaultMaxResponseLength,
		log:         discardLogger(),
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.line == nil {
		x.line = make([]byte, DefaultMaxLine)
	}
	return x, nil
}

// NewRequestExchange creates an Exchange and composes req into it. A Host
// header is added first unless req.Headers already carries one.
func NewRequestExchange(stream transport.Stream, req *HttpRequest, opts ...Option) (*Exchange, error) {
	if req == nil {
		return nil, errors.NewInvalidArgumentError("nil request")
	}
	x, err := NewExchange(stream, opts...)
	if err != nil {
		return nil, err
	}

	if err := x.compose(req); err != nil {
		x.Close()
		return nil, err
	}
	return x, nil
}

func (x *Exchange) compose(req *HttpRequest) error {
	if err := x.WriteRequestLine(req.Method, req.Path, req.Server, req.Port); err != nil {
		return err
	}
	if req.Host != "" && !hasHeader(req.Headers, "Host") {
		if err := x.AddHeader("Host", req.Host); err != nil {
			return err
		}
	}
	for _, h := range req.Headers {
		if err := x.AddHeader(h.Key, h.Value); err != nil {
			return err
		}
	}
	if len(req.Body) > 0 {
		return x.SetBody(req.ContentType, req.Body)
	}
	return nil
}

// WriteRequestLine writes "METHOD path HTTP/1.0". A non-empty server turns
// the target into the absolute URI http://server[:port]/path, which is
// only valid when talking to a proxy.
func (x *Exchange) WriteRequestLine(method HttpMethod, path, server, port string) error {
	if err := x.expect(StateBuildingRequestLine); err != nil {
		return err
	}

	x.buf = append(x.buf, method.String()...)
	x.buf = append(x.buf, ' ')
	if server != "" {
		x.buf = append(x.buf, "http://"...)
		if strings.Contains(server, ":") {
			x.buf = append(x.buf, '[')
			x.buf = append(x.buf, server...)
			x.buf = append(x.buf, ']')
		} else {
			x.buf = append(x.buf, server...)
		}
		if port != "" {
			x.buf = append(x.buf, ':')
			x.buf = append(x.buf, port...)
		}
	}
	if !strings.HasPrefix(path, "/") {
		x.buf = append(x.buf, '/')
	}
	x.buf = append(x.buf, path...)
	x.buf = append(x.buf, " HTTP/1.0\r\n"...)

	x.setState(StateWritingHeaders)
	return nil
}

// AddHeader appends "name: value".
func (x *Exchange) AddHeader(name, value string) error {
	if err := x.expect(StateWritingHeaders); err != nil {
		return err
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return errors.NewInvalidArgumentError("invalid header name " + strconv.Quote(name))
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return errors.NewInvalidArgumentError("invalid value for header " + name)
	}

	x.buf = append(x.buf, name...)
	x.buf = append(x.buf, ": "...)
	x.buf = append(x.buf, value...)
	x.buf = append(x.buf, "\r\n"...)
	return nil
}

// SetBody writes the Content-Type and Content-Length headers and holds the
// DER payload until the header block is finalized. No headers can follow.
func (x *Exchange) SetBody(contentType string, body []byte) error {
	if err := x.expect(StateWritingHeaders); err != nil {
		return err
	}
	if contentType == "" || len(body) == 0 {
		return errors.NewInvalidArgumentError("body requires a content type and a payload")
	}
	if err := x.AddHeader("Content-Type", contentType); err != nil {
		return err
	}
	if err := x.AddHeader("Content-Length", strconv.Itoa(len(body))); err != nil {
		return err
	}
	x.body = body

	x.setState(StateWritingBody)
	return nil
}

// State returns the current state.
func (x *Exchange) State() State {
	return x.state
}

// Deadline returns the deadline Do enforces; zero means none.
func (x *Exchange) Deadline() time.Time {
	return x.deadline
}

// WantsRead reports whether a retried Poll waits for input rather than
// for the stream to accept output.
func (x *Exchange) WantsRead() bool {
	return x.state.readsInput()
}

// Status returns the status code and reason phrase once the status line
// has been read.
func (x *Exchange) Status() (int, string) {
	return x.status, x.reason
}

// Headers returns the response headers read so far.
func (x *Exchange) Headers() []HttpHeader {
	return x.headers
}

// Body returns the complete DER value once the exchange is done, or nil.
// A closed exchange has no body.
func (x *Exchange) Body() []byte {
	if x.state != StateDone || x.closed {
		return nil
	}
	return x.buf[x.pos : x.pos+x.total]
}

// Close releases the buffers. The stream is left untouched.
func (x *Exchange) Close() {
	x.closed = true
	x.buf = nil
	x.body = nil
	x.line = nil
	x.headers = nil
}

type progress int

const (
	needInput progress = iota
	retryLater
	finished
)

// Poll advances the exchange as far as the stream allows.
//
// It returns true once the response is complete, false with a nil error
// when the stream would block, and an error when the exchange failed.
// Failures are final: later calls return the same error. Polling a
// finished exchange returns true again without doing I/O.
func (x *Exchange) Poll() (bool, error) {
	if x.closed {
		return false, errors.NewInvalidArgumentError("exchange is closed")
	}
	switch x.state {
	case StateDone:
		return true, nil
	case StateError:
		return false, x.err
	case StateBuildingRequestLine:
		return false, x.fail(errors.NewProtocolError(errors.ProtocolErrorInvalidState, "request line not written"))
	}

	read := x.state.readsInput()
	for {
		if read {
			n, err := x.stream.Read(x.line)
			if err != nil {
				if errors.IsWouldBlock(err) {
					return false, nil
				}
				return false, x.fail(asTransportError(err, errors.TransportErrorSocketReadFailure, "read failed"))
			}
			if n <= 0 {
				return false, x.fail(errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed by peer", nil))
			}
			x.buf = append(x.buf, x.line[:n]...)
		}

		p, err := x.advance()
		if err != nil {
			return false, x.fail(err)
		}
		switch p {
		case finished:
			return true, nil
		case retryLater:
			return false, nil
		}
		read = true
	}
}

// advance runs state transitions until the exchange needs more input,
// has to wait for the stream, or is done.
func (x *Exchange) advance() (progress, error) {
	for {
		switch x.state {
		case StateWritingHeaders:
			x.setState(StateFinalizingHeaders)

		case StateWritingBody:
			x.setState(StateFinalizingHeaders)

		case StateFinalizingHeaders:
			x.buf = append(x.buf, "\r\n"...)
			x.buf = append(x.buf, x.body...)
			x.body = nil
			x.startSending()

		case StateSendingRequest:
			n, err := x.stream.Write(x.buf[len(x.buf)-x.remaining:])
			if err != nil {
				if errors.IsWouldBlock(err) {
					return retryLater, nil
				}
				return needInput, asTransportError(err, errors.TransportErrorSocketWriteFailure, "write failed")
			}
			if n <= 0 {
				return needInput, errors.NewTransportError(errors.TransportErrorSocketWriteFailure, "write made no progress", nil)
			}
			x.remaining -= n
			if x.remaining > 0 {
				continue
			}
			x.buf = x.buf[:0]
			x.pos = 0
			x.setState(StateFlushing)

		case StateFlushing:
			if err := x.stream.Flush(); err != nil {
				if errors.IsWouldBlock(err) {
					return retryLater, nil
				}
				return needInput, asTransportError(err, errors.TransportErrorFlushFailure, "flush failed")
			}
			x.setState(StateReadingStatusLine)
			return needInput, nil

		case StateReadingStatusLine:
			line, err := x.nextLine()
			if err != nil || line == nil {
				return needInput, err
			}
			x.status, x.reason, err = parseStatusLine(string(line))
			if err != nil {
				return needInput, err
			}
			x.setState(StateReadingHeaders)

		case StateReadingHeaders:
			line, err := x.nextLine()
			if err != nil || line == nil {
				return needInput, err
			}
			if isBlankLine(line) {
				x.setState(StateDecodingLengthPrefix)
				continue
			}
			x.headers = append(x.headers, parseHeaderLine(line))

		case StateDecodingLengthPrefix:
			total, ok, err := DecodeLengthPrefix(x.buf[x.pos:], x.maxResponse)
			if err != nil || !ok {
				return needInput, err
			}
			x.total = total
			x.setState(StateReadingBody)

		case StateReadingBody:
			if len(x.buf)-x.pos < x.total {
				return needInput, nil
			}
			x.setState(StateDone)
			return finished, nil

		case StateDone:
			return finished, nil

		default:
			return needInput, errors.NewProtocolError(errors.ProtocolErrorInvalidState, "cannot advance from "+x.state.String())
		}
	}
}

func (x *Exchange) startSending() {
	x.remaining = len(x.buf)
	x.setState(StateSendingRequest)
}

// nextLine consumes one "\n"-terminated line from the received bytes. It
// returns nil if no complete line is buffered yet. A line whose length,
// including the terminator, reaches the line buffer capacity is rejected.
func (x *Exchange) nextLine() ([]byte, error) {
	data := x.buf[x.pos:]
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		if len(data) >= len(x.line) {
			return nil, errors.NewProtocolError(errors.ProtocolErrorLineTooLong,
				fmt.Sprintf("no line end within %d bytes", len(x.line)))
		}
		return nil, nil
	}
	if i+1 >= len(x.line) {
		return nil, errors.NewProtocolError(errors.ProtocolErrorLineTooLong,
			fmt.Sprintf("line of %d bytes exceeds limit of %d", i+1, len(x.line)-1))
	}
	x.pos += i + 1
	return data[:i+1], nil
}

// Do drives the exchange to completion and returns the DER response.
//
// On every retry the deadline is checked before waiting on the stream.
// Blocking streams implementing transport.Deadliner get the deadline up
// front instead.
func (x *Exchange) Do() ([]byte, error) {
	if d, ok := x.stream.(transport.Deadliner); ok {
		if err := d.SetDeadline(x.deadline); err != nil {
			return nil, x.fail(asTransportError(err, errors.TransportErrorWaitFailure, "setting deadline failed"))
		}
	}

	for {
		done, err := x.Poll()
		if err != nil {
			return nil, err
		}
		if done {
			return x.Body(), nil
		}

		if !x.deadline.IsZero() && !time.Now().Before(x.deadline) {
			return nil, x.fail(errors.NewTimeoutError("exchange timed out in state " + x.state.String()))
		}

		dir := transport.Writable
		if x.WantsRead() {
			dir = transport.Readable
		}
		if err := x.stream.WaitReady(dir, x.deadline); err != nil {
			if errors.IsTimeout(err) {
				return nil, x.fail(errors.NewTimeoutError("exchange timed out in state " + x.state.String()))
			}
			return nil, x.fail(asTransportError(err, errors.TransportErrorWaitFailure, "waiting for stream failed"))
		}
	}
}

func (x *Exchange) expect(s State) error {
	if x.closed {
		return errors.NewInvalidArgumentError("exchange is closed")
	}
	if x.state != s {
		return errors.NewInvalidArgumentError(fmt.Sprintf("exchange is in state %s, not %s", x.state, s))
	}
	return nil
}

func (x *Exchange) setState(s State) {
	x.log.WithFields(logrus.Fields{"from": x.state.String(), "to": s.String()}).Debug("exchange state change")
	x.state = s
}

func (x *Exchange) fail(err error) error {
	if x.state != StateError {
		x.log.WithField("state", x.state.String()).WithError(err).Debug("exchange failed")
		x.state = StateError
		x.err = err
	}
	return x.err
}

// asTransportError keeps typed errors and wraps anything else.
func asTransportError(err error, code errors.TransportError, message string) error {
	if errors.TypeOf(err) != errors.ErrorNone {
		return err
	}
	if errors.IsTimeout(err) {
		timeout := errors.NewTimeoutError(message)
		timeout.UnderlyingErr = err
		return timeout
	}
	return errors.NewTransportError(code, message, err)
}
