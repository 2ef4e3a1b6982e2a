package protocol

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// HttpMethod represents HTTP request methods
type HttpMethod int

const (
	MethodGet HttpMethod = iota
	MethodPost
	MethodConnect
)

func (m HttpMethod) String() string {
	switch m {
	case MethodPost:
		return "POST"
	case MethodConnect:
		return "CONNECT"
	default:
		return "GET"
	}
}

// HttpHeader represents an HTTP header key-value pair
type HttpHeader struct {
	Key   string
	Value string
}

// HttpRequest describes one request carrying an optional DER payload.
type HttpRequest struct {
	Method HttpMethod
	Path   string

	// Server and Port are set only when talking to a plain (non-tunneling)
	// proxy; the request line then carries the absolute URI.
	Server string
	Port   string

	// Host is sent as the Host header unless Headers already has one.
	Host    string
	Headers []HttpHeader

	ContentType string
	Body        []byte
}

// hasHeader reports whether name is among headers, ignoring case.
func hasHeader(headers []HttpHeader, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Key, name) {
			return true
		}
	}
	return false
}

// HeaderValue returns the first value of name in headers, ignoring case.
func HeaderValue(headers []HttpHeader, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Key, name) {
			return h.Value, true
		}
	}
	return "", false
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
