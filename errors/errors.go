package errors

import (
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
)

// ErrWouldBlock is returned by non-blocking streams when no progress is
// possible right now. It is a retry signal, never a failure.
var ErrWouldBlock = stderrors.New("operation would block")

// ErrorType represents the category of error
type ErrorType int

const (
	ErrorNone ErrorType = iota
	ErrorInvalidArgument
	ErrorURLParse
	ErrorConnect
	ErrorProxyTunnel
	ErrorTransport
	ErrorTimeout
	ErrorProtocol
	ErrorHTTPStatus
	ErrorResponseDecode
)

func (t ErrorType) String() string {
	switch t {
	case ErrorNone:
		return "no error"
	case ErrorInvalidArgument:
		return "invalid argument"
	case ErrorURLParse:
		return "malformed URL"
	case ErrorConnect:
		return "connect error"
	case ErrorProxyTunnel:
		return "proxy tunnel error"
	case ErrorTransport:
		return "transport error"
	case ErrorTimeout:
		return "timeout"
	case ErrorProtocol:
		return "protocol violation"
	case ErrorHTTPStatus:
		return "HTTP status error"
	case ErrorResponseDecode:
		return "response parse error"
	default:
		return "unknown error type " + strconv.Itoa(int(t))
	}
}

// TransportError represents transport-layer specific errors
type TransportError int

const (
	TransportErrorNone TransportError = iota
	TransportErrorSocketCreateFailure
	TransportErrorSocketConnectFailure
	TransportErrorSocketReadFailure
	TransportErrorSocketWriteFailure
	TransportErrorConnectionClosed
	TransportErrorDnsFailure
	TransportErrorTimeout
	TransportErrorIoUringInit
	TransportErrorIoUringSubmit
	TransportErrorFlushFailure
	TransportErrorWaitFailure
)

func (e TransportError) String() string {
	switch e {
	case TransportErrorNone:
		return "none"
	case TransportErrorSocketCreateFailure:
		return "socket creation failed"
	case TransportErrorSocketConnectFailure:
		return "socket connection failed"
	case TransportErrorSocketReadFailure:
		return "socket read failed"
	case TransportErrorSocketWriteFailure:
		return "socket write failed"
	case TransportErrorConnectionClosed:
		return "connection closed"
	case TransportErrorDnsFailure:
		return "DNS lookup failed"
	case TransportErrorTimeout:
		return "timed out"
	case TransportErrorIoUringInit:
		return "io_uring initialization failed"
	case TransportErrorIoUringSubmit:
		return "io_uring submission failed"
	case TransportErrorFlushFailure:
		return "flush failed"
	case TransportErrorWaitFailure:
		return "waiting for readiness failed"
	default:
		return fmt.Sprintf("unknown transport error %d", int(e))
	}
}

// ProtocolError represents protocol-layer specific errors
type ProtocolError int

const (
	ProtocolErrorNone ProtocolError = iota
	ProtocolErrorInvalidStatusLine
	ProtocolErrorInvalidHeader
	ProtocolErrorMessageTooLarge
	ProtocolErrorIncompleteResponse
	ProtocolErrorLineTooLong
	ProtocolErrorNotSequence
	ProtocolErrorInvalidLength
	ProtocolErrorInvalidState
)

func (e ProtocolError) String() string {
	switch e {
	case ProtocolErrorNone:
		return "none"
	case ProtocolErrorInvalidStatusLine:
		return "invalid status line"
	case ProtocolErrorInvalidHeader:
		return "invalid header"
	case ProtocolErrorMessageTooLarge:
		return "response too large"
	case ProtocolErrorIncompleteResponse:
		return "incomplete response"
	case ProtocolErrorLineTooLong:
		return "line too long"
	case ProtocolErrorNotSequence:
		return "response is not an ASN.1 SEQUENCE"
	case ProtocolErrorInvalidLength:
		return "invalid ASN.1 length"
	case ProtocolErrorInvalidState:
		return "invalid exchange state"
	default:
		return fmt.Sprintf("unknown protocol error %d", int(e))
	}
}

// HttpError is the main error type for the PKI HTTP engine. Exactly one
// HttpError is reported per failed exchange.
type HttpError struct {
	Type         ErrorType
	TransportErr TransportError
	ProtocolErr  ProtocolError

	// StatusCode and Reason are set for ErrorHTTPStatus and, when the proxy
	// answered with a parsable status line, for ErrorProxyTunnel.
	StatusCode int
	Reason     string

	// Host and Port identify the server the exchange was talking to.
	Host string
	Port string

	Message       string
	UnderlyingErr error
}

// Error implements the error interface
func (e *HttpError) Error() string {
	if e == nil {
		return "no error"
	}

	var typeStr string
	switch e.Type {
	case ErrorTransport, ErrorConnect:
		typeStr = e.Type.String()
		if e.TransportErr != TransportErrorNone {
			typeStr = fmt.Sprintf("%s (%s)", typeStr, e.TransportErr)
		}
	case ErrorProtocol:
		typeStr = fmt.Sprintf("%s (%s)", e.Type, e.ProtocolErr)
	case ErrorHTTPStatus:
		typeStr = fmt.Sprintf("%s: code=%d", e.Type, e.StatusCode)
		if e.Reason != "" {
			typeStr += ", reason=" + e.Reason
		}
	default:
		typeStr = e.Type.String()
	}

	if e.Host != "" {
		typeStr = fmt.Sprintf("%s [host '%s' port %s]", typeStr, e.Host, e.Port)
	}

	if e.Message != "" {
		typeStr = fmt.Sprintf("%s: %s", typeStr, e.Message)
	}

	if e.UnderlyingErr != nil {
		return fmt.Sprintf("%s (caused by: %v)", typeStr, e.UnderlyingErr)
	}

	return typeStr
}

// Unwrap returns the underlying error for error chain support
func (e *HttpError) Unwrap() error {
	return e.UnderlyingErr
}

// Timeout reports whether the error is a deadline expiry, so HttpError
// satisfies net.Error-style checks.
func (e *HttpError) Timeout() bool {
	return e.Type == ErrorTimeout || e.TransportErr == TransportErrorTimeout
}

// NewTransportError creates a new transport error
func NewTransportError(err TransportError, message string, underlying error) *HttpError {
	return &HttpError{
		Type:          ErrorTransport,
		TransportErr:  err,
		Message:       message,
		UnderlyingErr: underlying,
	}
}

// NewConnectError creates an error for a failed connection attempt,
// including a failed proxy tunnel setup.
func NewConnectError(err TransportError, message string, underlying error) *HttpError {
	return &HttpError{
		Type:          ErrorConnect,
		TransportErr:  err,
		Message:       message,
		UnderlyingErr: underlying,
	}
}

// NewProtocolError creates a new protocol error
func NewProtocolError(err ProtocolError, message string) *HttpError {
	return &HttpError{
		Type:        ErrorProtocol,
		ProtocolErr: err,
		Message:     message,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string) *HttpError {
	return &HttpError{
		Type:    ErrorInvalidArgument,
		Message: message,
	}
}

// NewURLParseError creates an error for a malformed URL.
func NewURLParseError(message string) *HttpError {
	return &HttpError{
		Type:    ErrorURLParse,
		Message: message,
	}
}

// NewTimeoutError creates an error for an expired deadline.
func NewTimeoutError(message string) *HttpError {
	return &HttpError{
		Type:         ErrorTimeout,
		TransportErr: TransportErrorTimeout,
		Message:      message,
	}
}

// NewProxyTunnelError creates an error for a refused or garbled CONNECT
// handshake. code is 0 when no status code could be parsed.
func NewProxyTunnelError(code int, reason, message string) *HttpError {
	return &HttpError{
		Type:       ErrorProxyTunnel,
		StatusCode: code,
		Reason:     reason,
		Message:    message,
	}
}

// NewStatusError creates an error for a final HTTP status other than 200.
func NewStatusError(code int, reason string) *HttpError {
	return &HttpError{
		Type:       ErrorHTTPStatus,
		StatusCode: code,
		Reason:     reason,
	}
}

// NewResponseDecodeError creates an error for a payload that arrived intact
// but does not decode as the expected ASN.1 type.
func NewResponseDecodeError(message string, underlying error) *HttpError {
	return &HttpError{
		Type:          ErrorResponseDecode,
		Message:       message,
		UnderlyingErr: underlying,
	}
}

// TypeOf returns the category of err, or ErrorNone if err is nil or not an
// HttpError.
func TypeOf(err error) ErrorType {
	var httpErr *HttpError
	if stderrors.As(err, &httpErr) {
		return httpErr.Type
	}
	return ErrorNone
}

// IsType reports whether err is an HttpError of the given category.
func IsType(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

// IsWouldBlock reports whether err is the non-blocking retry signal.
func IsWouldBlock(err error) bool {
	return stderrors.Is(err, ErrWouldBlock)
}

// IsTimeout reports whether err is a deadline expiry, either one of ours or a
// net.Error timeout from the standard library.
func IsTimeout(err error) bool {
	var httpErr *HttpError
	if stderrors.As(err, &httpErr) {
		return httpErr.Timeout()
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// WithEndpoint annotates err with the server address if it is an HttpError
// without one. Other errors are wrapped as transport errors.
func WithEndpoint(err error, host, port string) error {
	if err == nil {
		return nil
	}
	var httpErr *HttpError
	if !stderrors.As(err, &httpErr) {
		httpErr = NewTransportError(TransportErrorNone, "", err)
		err = httpErr
	}
	if httpErr.Host == "" {
		httpErr.Host = host
		httpErr.Port = port
	}
	return err
}
