// Package client fetches and posts DER-encoded PKI messages over HTTP,
// directly or through a proxy.
package client

import (
	"bytes"
	"context"
	"encoding/asn1"
	"encoding/base64"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nczempin/pkihttp/config"
	"github.com/nczempin/pkihttp/errors"
	"github.com/nczempin/pkihttp/protocol"
	"github.com/nczempin/pkihttp/transport"
)

const pragmaNoCache = "no-cache"

// DecodeFunc turns a DER response into the caller's type.
type DecodeFunc func(der []byte) error

// Request is a single exchange over an already connected stream.
type Request struct {
	Method protocol.HttpMethod

	// Server and Port name the origin server. They are used for errors,
	// for the hook and, with AbsoluteForm, in the request line.
	Server string
	Port   string
	Path   string

	// Host is sent as the Host header unless Headers carries one.
	Host    string
	Headers []protocol.HttpHeader

	ContentType string
	Body        []byte

	// TLS tells the stream hook that the exchange must be secured.
	TLS bool

	// AbsoluteForm sends http://Server:Port/Path as the request target,
	// as required by a plain HTTP proxy.
	AbsoluteForm bool
}

// Client runs PKI message exchanges. It is safe for concurrent use; every
// call opens its own connection.
type Client struct {
	cfg          config.Config
	log          logrus.FieldLogger
	tracer       trace.Tracer
	hook         StreamHook
	newTransport func() (transport.Transport, error)
	getenv       func(string) string
}

// New creates a client for cfg.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewInvalidArgumentError(err.Error())
	}

	discard := logrus.New()
	discard.SetOutput(io.Discard)

	c := &Client{
		cfg:    cfg,
		log:    discard,
		tracer: noop.Tracer{},
		getenv: os.Getenv,
	}
	c.newTransport = c.cfg.NewTransport
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get fetches the DER value at rawURL.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	return c.transfer(ctx, "pkihttp.Client.Get", rawURL, protocol.MethodGet, "", nil)
}

// GetASN1 fetches the DER value at rawURL and unmarshals it into out.
func (c *Client) GetASN1(ctx context.Context, rawURL string, out any) error {
	return c.GetDecode(ctx, rawURL, unmarshalInto(out))
}

// GetDecode fetches the DER value at rawURL and hands it to decode.
func (c *Client) GetDecode(ctx context.Context, rawURL string, decode DecodeFunc) error {
	der, err := c.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	return decodeResponse(der, decode)
}

// Post sends der with the configured content type and returns the DER
// response.
func (c *Client) Post(ctx context.Context, rawURL string, der []byte) ([]byte, error) {
	return c.PostContent(ctx, rawURL, c.cfg.ContentType, der)
}

// PostContent is Post with an explicit content type.
func (c *Client) PostContent(ctx context.Context, rawURL, contentType string, der []byte) ([]byte, error) {
	if len(der) == 0 {
		return nil, errors.NewInvalidArgumentError("empty request body")
	}
	return c.transfer(ctx, "pkihttp.Client.Post", rawURL, protocol.MethodPost, contentType, der)
}

// PostASN1 sends der and unmarshals the response into out.
func (c *Client) PostASN1(ctx context.Context, rawURL string, der []byte, out any) error {
	return c.PostDecode(ctx, rawURL, der, unmarshalInto(out))
}

// PostDecode sends der and hands the response to decode.
func (c *Client) PostDecode(ctx context.Context, rawURL string, der []byte, decode DecodeFunc) error {
	resp, err := c.Post(ctx, rawURL, der)
	if err != nil {
		return err
	}
	return decodeResponse(resp, decode)
}

// Exchange runs req over stream, which must already be connected to the
// server or tunnelled to it. The stream hook, if any, is called around the
// exchange. Exchange never closes stream.
func (c *Client) Exchange(ctx context.Context, stream transport.Stream, req *Request) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "pkihttp.Client.Exchange")
	defer span.End()

	if stream == nil || req == nil {
		return nil, c.fail(span, errors.NewInvalidArgumentError("nil stream or request"))
	}
	body, err := c.exchange(ctx, stream, req, c.deadline(ctx))
	if err != nil {
		return nil, c.fail(span, err)
	}
	span.SetAttributes(attribute.Int("pkihttp.bytes_received", len(body)))
	return body, nil
}

func (c *Client) transfer(ctx context.Context, spanName, rawURL string, method protocol.HttpMethod, contentType string, body []byte) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, spanName)
	defer span.End()

	u, err := protocol.ParseURL(rawURL)
	if err != nil {
		return nil, c.fail(span, err)
	}
	if u.UseTLS && c.hook == nil {
		return nil, c.fail(span, errors.NewInvalidArgumentError("TLS requested for "+rawURL+" but no stream hook is installed"))
	}

	proxy, err := ResolveProxy(c.cfg.Proxy, c.cfg.NoProxy, u.Host, u.UseTLS, c.getenv)
	if err != nil {
		return nil, c.fail(span, err)
	}

	log := c.log.WithFields(logrus.Fields{"host": u.Host, "port": u.Port})
	span.SetAttributes(
		attribute.String("pkihttp.host", u.Host),
		attribute.String("pkihttp.port", u.Port),
		attribute.String("pkihttp.method", method.String()),
		attribute.Int("pkihttp.bytes_sent", len(body)),
	)

	connectHost, connectPort := u.Host, u.Port
	if proxy != nil {
		connectHost, connectPort = proxy.Host, proxy.Port
		log = log.WithField("proxy", proxy.HostPort())
		span.SetAttributes(attribute.String("pkihttp.proxy", proxy.HostPort()))
	}

	deadline := c.deadline(ctx)

	tr, err := c.newTransport()
	if err != nil {
		return nil, c.fail(span, err)
	}
	defer func() {
		if err := tr.Close(); err != nil {
			log.WithError(err).Debug("closing transport failed")
		}
	}()

	log.Debug("connecting")
	port := protocol.URL{Port: connectPort}.PortNumber()
	if err := tr.Connect(connectHost, port, deadline); err != nil {
		return nil, c.fail(span, errors.WithEndpoint(err, connectHost, connectPort))
	}

	var user, password string
	if proxy != nil {
		user, password = proxy.User, proxy.Password
		if c.cfg.ProxyUser != "" {
			user, password = c.cfg.ProxyUser, c.cfg.ProxyPassword
		}
	}

	tunnel := proxy != nil && (u.UseTLS || c.hook != nil)
	if tunnel {
		log.Debug("opening proxy tunnel")
		if err := protocol.ProxyConnect(tr, u.Host, u.Port, user, password, deadline, protocol.WithTunnelLogger(log)); err != nil {
			return nil, c.fail(span, errors.WithEndpoint(err, proxy.Host, proxy.Port))
		}
	}

	headers := []protocol.HttpHeader{{Key: "Pragma", Value: pragmaNoCache}}
	for _, h := range c.cfg.Headers {
		headers = append(headers, protocol.HttpHeader{Key: h.Name, Value: h.Value})
	}
	if proxy != nil && !tunnel && user != "" {
		headers = append(headers, protocol.HttpHeader{Key: "Proxy-Authorization", Value: basicAuth(user, password)})
	}

	req := &Request{
		Method:       method,
		Server:       u.Host,
		Port:         u.Port,
		Path:         u.Path,
		Host:         hostHeader(u.Host),
		Headers:      headers,
		ContentType:  contentType,
		Body:         body,
		TLS:          u.UseTLS,
		AbsoluteForm: proxy != nil && !tunnel,
	}

	resp, err := c.exchange(ctx, tr, req, deadline)
	if err != nil {
		return nil, c.fail(span, err)
	}
	log.WithField("bytes", len(resp)).Debug("response received")
	span.SetAttributes(attribute.Int("pkihttp.bytes_received", len(resp)))
	return resp, nil
}

// exchange runs the hook's connect event, the request itself and the
// hook's disconnect event.
func (c *Client) exchange(ctx context.Context, stream transport.Stream, req *Request, deadline time.Time) ([]byte, error) {
	log := c.log.WithFields(logrus.Fields{"host": req.Server, "port": req.Port})

	if c.hook != nil {
		wrapped, err := c.hook.HandleStream(ctx, &HookContext{Event: HookConnect, Host: req.Server, Port: req.Port, TLS: req.TLS, Stream: stream})
		if err != nil {
			return nil, errors.WithEndpoint(err, req.Server, req.Port)
		}
		if wrapped != nil {
			stream = wrapped
		}
	}

	body, err := c.send(stream, req, deadline, log)

	if c.hook != nil {
		_, herr := c.hook.HandleStream(ctx, &HookContext{Event: HookDisconnect, Host: req.Server, Port: req.Port, TLS: req.TLS, Stream: stream, Err: err})
		if herr != nil {
			log.WithError(herr).Warn("stream hook failed on disconnect")
			body = nil
			if err == nil {
				err = herr
			}
		}
	}
	if err != nil {
		return nil, errors.WithEndpoint(err, req.Server, req.Port)
	}
	return body, nil
}

func (c *Client) send(stream transport.Stream, req *Request, deadline time.Time, log logrus.FieldLogger) ([]byte, error) {
	httpReq := &protocol.HttpRequest{
		Method:      req.Method,
		Path:        req.Path,
		Host:        req.Host,
		Headers:     req.Headers,
		ContentType: req.ContentType,
		Body:        req.Body,
	}
	if req.AbsoluteForm {
		httpReq.Server = req.Server
		httpReq.Port = req.Port
	}

	x, err := protocol.NewRequestExchange(stream, httpReq,
		protocol.WithMaxLine(c.cfg.MaxLine),
		protocol.WithMaxResponseLength(c.cfg.MaxResponseLength),
		protocol.WithDeadline(deadline),
		protocol.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	defer x.Close()

	body, err := x.Do()
	if err != nil {
		if code, _ := x.Status(); code == 0 {
			addDisconnectHint(err, c.hook != nil)
		}
		return nil, err
	}
	return bytes.Clone(body), nil
}

// deadline combines the configured timeout with the context deadline.
func (c *Client) deadline(ctx context.Context) time.Time {
	deadline := c.cfg.Deadline(time.Now())
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// addDisconnectHint explains a connection closed before any response.
func addDisconnectHint(err error, hooked bool) {
	httpErr, ok := err.(*errors.HttpError)
	if !ok || httpErr.TransportErr != errors.TransportErrorConnectionClosed {
		return
	}
	hint := "server has disconnected, likely because it requires the use of TLS"
	if hooked {
		hint = "server has disconnected violating the protocol"
	}
	if httpErr.Message != "" {
		hint = httpErr.Message + "; " + hint
	}
	httpErr.Message = hint
}

func basicAuth(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}

func hostHeader(host string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

func unmarshalInto(out any) DecodeFunc {
	return func(der []byte) error {
		rest, err := asn1.Unmarshal(der, out)
		if err != nil {
			return err
		}
		if len(rest) > 0 {
			return errors.NewResponseDecodeError("trailing data after ASN.1 value", nil)
		}
		return nil
	}
}

func decodeResponse(der []byte, decode DecodeFunc) error {
	if decode == nil {
		return errors.NewInvalidArgumentError("nil decoder")
	}
	if err := decode(der); err != nil {
		if errors.IsType(err, errors.ErrorResponseDecode) {
			return err
		}
		return errors.NewResponseDecodeError("cannot decode response", err)
	}
	return nil
}
