package client

import (
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/nczempin/pkihttp/transport"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. By default the client logs nothing.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithTracer provides an otel tracer for the client to use for tracing.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithStreamHook installs a hook called around every exchange, e.g. to
// add TLS. Requests to https URLs fail without one.
func WithStreamHook(hook StreamHook) Option {
	return func(c *Client) {
		c.hook = hook
	}
}

// WithTransportFactory replaces the transport selected by the
// configuration. It is called once per request.
func WithTransportFactory(f func() (transport.Transport, error)) Option {
	return func(c *Client) {
		if f != nil {
			c.newTransport = f
		}
	}
}

// WithEnv replaces os.Getenv for reading proxy variables.
func WithEnv(getenv func(string) string) Option {
	return func(c *Client) {
		if getenv != nil {
			c.getenv = getenv
		}
	}
}
