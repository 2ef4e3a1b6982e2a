package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/proxy"

	httperrors "github.com/nczempin/pkihttp/errors"
)

// NetTransport implements Transport on top of the standard library dialer.
// It is blocking; deadlines are enforced through SetDeadline.
type NetTransport struct {
	ConnStream

	socks5Addr string
	socks5Auth *proxy.Auth
}

// NetOption configures a NetTransport.
type NetOption func(*NetTransport)

// WithSOCKS5 routes the connection through a SOCKS5 proxy at addr
// (host:port). user may be empty for unauthenticated proxies.
func WithSOCKS5(addr, user, password string) NetOption {
	return func(t *NetTransport) {
		t.socks5Addr = addr
		if user != "" {
			t.socks5Auth = &proxy.Auth{User: user, Password: password}
		}
	}
}

// NewNetTransport creates a new NetTransport instance
func NewNetTransport(opts ...NetOption) *NetTransport {
	t := &NetTransport{}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect establishes a TCP connection to the specified host and port
func (t *NetTransport) Connect(host string, port uint16, deadline time.Time) error {
	if t.conn != nil {
		return httperrors.NewConnectError(httperrors.TransportErrorSocketConnectFailure, "already connected", nil)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	conn, err := t.dial(ctx, addr)
	if err != nil {
		return classifyDialError(err, addr)
	}

	// Set TCP_NODELAY to disable Nagle's algorithm for lower latency
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return httperrors.NewConnectError(httperrors.TransportErrorSocketCreateFailure, "failed to set TCP_NODELAY", err)
		}
	}

	t.conn = conn
	if !deadline.IsZero() {
		return t.SetDeadline(deadline)
	}
	return nil
}

func (t *NetTransport) dial(ctx context.Context, addr string) (net.Conn, error) {
	direct := &net.Dialer{}
	if t.socks5Addr == "" {
		return direct.DialContext(ctx, "tcp", addr)
	}

	dialer, err := proxy.SOCKS5("tcp", t.socks5Addr, t.socks5Auth, direct)
	if err != nil {
		return nil, err
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return dialer.Dial("tcp", addr)
}

func classifyDialError(err error, addr string) error {
	if errors.Is(err, context.DeadlineExceeded) || httperrors.IsTimeout(err) {
		connErr := httperrors.NewConnectError(httperrors.TransportErrorTimeout, "timed out connecting to "+addr, err)
		return connErr
	}

	// Classify network errors using type assertions
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return httperrors.NewConnectError(httperrors.TransportErrorDnsFailure, "failed to resolve "+addr, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return httperrors.NewConnectError(httperrors.TransportErrorSocketConnectFailure, "connection refused by "+addr, err)
	}
	return httperrors.NewConnectError(httperrors.TransportErrorSocketConnectFailure, "failed to connect to "+addr, err)
}
