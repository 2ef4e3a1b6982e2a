package client

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/nczempin/pkihttp/errors"
	"github.com/nczempin/pkihttp/transport"
)

// HookEvent tells a StreamHook where in the exchange it is called.
type HookEvent int

const (
	// HookConnect is raised once the connection, including any proxy
	// tunnel, is established and before the request is sent.
	HookConnect HookEvent = iota

	// HookDisconnect is raised after the exchange ended, successfully or
	// not, and before the connection is closed.
	HookDisconnect
)

func (e HookEvent) String() string {
	if e == HookDisconnect {
		return "disconnect"
	}
	return "connect"
}

// HookContext describes one StreamHook invocation.
type HookContext struct {
	Event HookEvent

	// Host and Port name the origin server, not the proxy.
	Host string
	Port string

	// TLS reports whether the URL asked for https.
	TLS bool

	// Stream is the raw connection on HookConnect, and on HookDisconnect
	// the stream the exchange ran on.
	Stream transport.Stream

	// Err is the error the exchange ended with, nil on success. It is
	// only set on HookDisconnect.
	Err error
}

// StreamHook lets callers layer a protocol such as TLS over the connection.
//
// On HookConnect the returned stream, if not nil, replaces the raw one for
// the exchange. On HookDisconnect the returned stream is ignored, and an
// error discards an otherwise successful response. The client closes the
// raw connection afterwards; the hook must not.
type StreamHook interface {
	HandleStream(ctx context.Context, hc *HookContext) (transport.Stream, error)
}

// StreamHookFunc adapts a function to StreamHook.
type StreamHookFunc func(ctx context.Context, hc *HookContext) (transport.Stream, error)

// HandleStream calls f.
func (f StreamHookFunc) HandleStream(ctx context.Context, hc *HookContext) (transport.Stream, error) {
	return f(ctx, hc)
}

// netConner is implemented by streams backed by a net.Conn.
type netConner interface {
	NetConn() net.Conn
}

// TLSHook is a StreamHook that runs https exchanges over TLS and leaves
// plain http ones alone. It needs a stream backed by a net.Conn, such as
// transport.NetTransport.
type TLSHook struct {
	// Config is cloned for each connection. ServerName defaults to the
	// origin host.
	Config *tls.Config
}

// HandleStream implements StreamHook.
func (h *TLSHook) HandleStream(ctx context.Context, hc *HookContext) (transport.Stream, error) {
	switch hc.Event {
	case HookConnect:
		return h.connect(ctx, hc)
	case HookDisconnect:
		return nil, h.disconnect(hc)
	}
	return nil, errors.NewInvalidArgumentError("unknown hook event " + hc.Event.String())
}

func (h *TLSHook) connect(ctx context.Context, hc *HookContext) (transport.Stream, error) {
	if !hc.TLS {
		return nil, nil
	}
	nc, ok := hc.Stream.(netConner)
	if !ok || nc.NetConn() == nil {
		return nil, errors.NewInvalidArgumentError("TLS needs a stream backed by a net.Conn")
	}

	var cfg *tls.Config
	if h.Config != nil {
		cfg = h.Config.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = hc.Host
	}

	conn := tls.Client(nc.NetConn(), cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, errors.NewConnectError(errors.TransportErrorSocketConnectFailure, "TLS handshake failed", err)
	}
	return transport.NewConnStream(conn), nil
}

// disconnect sends close_notify; the underlying connection is closed by
// the client.
func (h *TLSHook) disconnect(hc *HookContext) error {
	nc, ok := hc.Stream.(netConner)
	if !ok {
		return nil
	}
	conn, ok := nc.NetConn().(*tls.Conn)
	if !ok {
		return nil
	}
	if err := conn.CloseWrite(); err != nil && hc.Err == nil {
		return errors.NewTransportError(errors.TransportErrorSocketWriteFailure, "TLS shutdown failed", err)
	}
	return nil
}
