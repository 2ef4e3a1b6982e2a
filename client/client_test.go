package client

import (
	"context"
	"encoding/asn1"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/nczempin/pkihttp/config"
	"github.com/nczempin/pkihttp/errors"
	"github.com/nczempin/pkihttp/protocol"
	"github.com/nczempin/pkihttp/transport"
	"github.com/nczempin/pkihttp/transport/transporttest"
)

type intSeq struct {
	N int
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	der, err := asn1.Marshal(v)
	require.NoError(t, err)
	return der
}

func okResponse(der []byte) []byte {
	return append([]byte("HTTP/1.0 200 OK\r\nContent-Type: application/pkixcmp\r\n\r\n"), der...)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Timeout = 5 * time.Second
	return cfg
}

// newScriptedClient returns a client whose every request runs on tr.
func newScriptedClient(t *testing.T, cfg config.Config, tr *transporttest.Transport, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithTransportFactory(func() (transport.Transport, error) { return tr, nil }),
		WithEnv(func(string) string { return "" }),
	}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	return c
}

func requireErrType(t *testing.T, err error, want errors.ErrorType) *errors.HttpError {
	t.Helper()
	require.Error(t, err)
	httpErr, ok := err.(*errors.HttpError)
	require.True(t, ok, "expected *errors.HttpError, got %T: %v", err, err)
	require.Equal(t, want, httpErr.Type, "unexpected error: %v", err)
	return httpErr
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLine = 0

	_, err := New(cfg)
	requireErrType(t, err, errors.ErrorInvalidArgument)
}

func TestClient_Post(t *testing.T) {
	reqDER := mustMarshal(t, intSeq{N: 1})
	respDER := mustMarshal(t, intSeq{N: 2})
	tr := transporttest.NewTransport(transporttest.NewStream(okResponse(respDER)))
	c := newScriptedClient(t, testConfig(), tr)

	got, err := c.Post(context.Background(), "http://ca.example.com:8080/pkix/", reqDER)
	require.NoError(t, err)
	require.Equal(t, respDER, got)

	require.Equal(t, "ca.example.com", tr.ConnectHost)
	require.Equal(t, uint16(8080), tr.ConnectPort)
	require.False(t, tr.Deadline.IsZero())
	require.Equal(t, 1, tr.CloseCalls)

	want := "POST /pkix/ HTTP/1.0\r\n" +
		"Host: ca.example.com\r\n" +
		"Pragma: no-cache\r\n" +
		"Content-Type: application/pkixcmp\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n", len(reqDER)) +
		"\r\n" + string(reqDER)
	require.Equal(t, want, tr.Written.String())
}

func TestClient_PostConfiguredHeaders(t *testing.T) {
	cfg := testConfig()
	cfg.ContentType = "application/timestamp-query"
	cfg.Headers = []config.Header{{Name: "X-Request-Id", Value: "42"}}

	tr := transporttest.NewTransport(transporttest.NewStream(okResponse(mustMarshal(t, intSeq{N: 2}))))
	c := newScriptedClient(t, cfg, tr)

	_, err := c.Post(context.Background(), "tsa.example.com/", mustMarshal(t, intSeq{N: 1}))
	require.NoError(t, err)

	written := tr.Written.String()
	require.Contains(t, written, "X-Request-Id: 42\r\n")
	require.Contains(t, written, "Content-Type: application/timestamp-query\r\n")
	require.Equal(t, uint16(80), tr.ConnectPort)
}

func TestClient_PostEmptyBody(t *testing.T) {
	tr := transporttest.NewTransport(transporttest.NewStream())
	c := newScriptedClient(t, testConfig(), tr)

	_, err := c.Post(context.Background(), "http://ca.example.com/", nil)
	requireErrType(t, err, errors.ErrorInvalidArgument)
	require.Empty(t, tr.ConnectHost)
}

func TestClient_Get(t *testing.T) {
	respDER := mustMarshal(t, intSeq{N: 7})
	tr := transporttest.NewTransport(transporttest.NewStream(okResponse(respDER)))
	c := newScriptedClient(t, testConfig(), tr)

	got, err := c.Get(context.Background(), "http://crl.example.com/ca.crl")
	require.NoError(t, err)
	require.Equal(t, respDER, got)

	written := tr.Written.String()
	require.True(t, strings.HasPrefix(written, "GET /ca.crl HTTP/1.0\r\nHost: crl.example.com\r\n"), written)
	require.True(t, strings.HasSuffix(written, "\r\n\r\n"), written)
	require.NotContains(t, written, "Content-Length")
}

func TestClient_GetIPv6HostHeader(t *testing.T) {
	tr := transporttest.NewTransport(transporttest.NewStream(okResponse(mustMarshal(t, intSeq{N: 7}))))
	c := newScriptedClient(t, testConfig(), tr)

	_, err := c.Get(context.Background(), "http://[::1]:8080/x")
	require.NoError(t, err)
	require.Equal(t, "::1", tr.ConnectHost)
	require.Contains(t, tr.Written.String(), "Host: [::1]\r\n")
}

func TestClient_GetASN1(t *testing.T) {
	tr := transporttest.NewTransport(transporttest.NewStream(okResponse(mustMarshal(t, intSeq{N: 7}))))
	c := newScriptedClient(t, testConfig(), tr)

	var out intSeq
	require.NoError(t, c.GetASN1(context.Background(), "http://ca.example.com/", &out))
	require.Equal(t, 7, out.N)
}

func TestClient_GetASN1DecodeError(t *testing.T) {
	type strSeq struct {
		S string `asn1:"utf8"`
	}
	tr := transporttest.NewTransport(transporttest.NewStream(okResponse(mustMarshal(t, strSeq{S: "x"}))))
	c := newScriptedClient(t, testConfig(), tr)

	var out intSeq
	err := c.GetASN1(context.Background(), "http://ca.example.com/", &out)
	requireErrType(t, err, errors.ErrorResponseDecode)
}

func TestClient_PostASN1(t *testing.T) {
	tr := transporttest.NewTransport(transporttest.NewStream(okResponse(mustMarshal(t, intSeq{N: 9}))))
	c := newScriptedClient(t, testConfig(), tr)

	var out intSeq
	require.NoError(t, c.PostASN1(context.Background(), "http://ca.example.com/", mustMarshal(t, intSeq{N: 1}), &out))
	require.Equal(t, 9, out.N)
}

func TestClient_HTTPSNeedsHook(t *testing.T) {
	called := false
	c, err := New(testConfig(), WithTransportFactory(func() (transport.Transport, error) {
		called = true
		return nil, nil
	}))
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "https://ca.example.com/")
	requireErrType(t, err, errors.ErrorInvalidArgument)
	require.False(t, called)
}

func TestClient_BadURL(t *testing.T) {
	tr := transporttest.NewTransport(transporttest.NewStream())
	c := newScriptedClient(t, testConfig(), tr)

	_, err := c.Get(context.Background(), "ftp://ca.example.com/")
	requireErrType(t, err, errors.ErrorURLParse)
}

func TestClient_StatusError(t *testing.T) {
	tr := transporttest.NewTransport(transporttest.NewStream([]byte("HTTP/1.1 404 Not Found\r\n\r\n")))
	c := newScriptedClient(t, testConfig(), tr)

	_, err := c.Get(context.Background(), "http://ca.example.com:8080/missing")
	httpErr := requireErrType(t, err, errors.ErrorHTTPStatus)
	require.Equal(t, 404, httpErr.StatusCode)
	require.Equal(t, "ca.example.com", httpErr.Host)
	require.Equal(t, "8080", httpErr.Port)
	require.Equal(t, 1, tr.CloseCalls)
}

func TestClient_ConnectFailure(t *testing.T) {
	tr := transporttest.NewTransport(transporttest.NewStream())
	tr.ConnectErr = errors.NewConnectError(errors.TransportErrorSocketConnectFailure, "connection refused", nil)
	c := newScriptedClient(t, testConfig(), tr)

	_, err := c.Get(context.Background(), "http://ca.example.com/")
	httpErr := requireErrType(t, err, errors.ErrorConnect)
	require.Equal(t, "ca.example.com", httpErr.Host)
	require.Equal(t, "80", httpErr.Port)
	require.Equal(t, 1, tr.CloseCalls)
}

func TestClient_TransportFactoryFailure(t *testing.T) {
	c, err := New(testConfig(), WithTransportFactory(func() (transport.Transport, error) {
		return nil, errors.NewTransportError(errors.TransportErrorNone, "no ring", nil)
	}))
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "http://ca.example.com/")
	requireErrType(t, err, errors.ErrorTransport)
}

func TestClient_DisconnectHint(t *testing.T) {
	tests := map[string]struct {
		hook StreamHook
		want string
	}{
		"plain": {
			want: "likely because it requires the use of TLS",
		},
		"hooked": {
			hook: StreamHookFunc(func(context.Context, *HookContext) (transport.Stream, error) { return nil, nil }),
			want: "violating the protocol",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tr := transporttest.NewTransport(transporttest.NewStream())
			var opts []Option
			if tc.hook != nil {
				opts = append(opts, WithStreamHook(tc.hook))
			}
			c := newScriptedClient(t, testConfig(), tr, opts...)

			_, err := c.Get(context.Background(), "http://ca.example.com/")
			httpErr := requireErrType(t, err, errors.ErrorTransport)
			require.Equal(t, errors.TransportErrorConnectionClosed, httpErr.TransportErr)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestClient_NoHintAfterStatusLine(t *testing.T) {
	tr := transporttest.NewTransport(transporttest.NewStream([]byte("HTTP/1.0 200 OK\r\n")))
	c := newScriptedClient(t, testConfig(), tr)

	_, err := c.Get(context.Background(), "http://ca.example.com/")
	requireErrType(t, err, errors.ErrorTransport)
	require.NotContains(t, err.Error(), "TLS")
}

func TestClient_PlainProxy(t *testing.T) {
	tests := map[string]struct {
		cfg      func(*config.Config)
		wantAuth string
	}{
		"anonymous": {
			cfg: func(c *config.Config) { c.Proxy = "http://proxy.local:3128" },
		},
		"userinfo": {
			cfg:      func(c *config.Config) { c.Proxy = "user:pass@proxy.local:3128" },
			wantAuth: "Proxy-Authorization: Basic dXNlcjpwYXNz\r\n",
		},
		"configured credentials win": {
			cfg: func(c *config.Config) {
				c.Proxy = "other:secret@proxy.local:3128"
				c.ProxyUser = "user"
				c.ProxyPassword = "pass"
			},
			wantAuth: "Proxy-Authorization: Basic dXNlcjpwYXNz\r\n",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			tc.cfg(&cfg)
			tr := transporttest.NewTransport(transporttest.NewStream(okResponse(mustMarshal(t, intSeq{N: 2}))))
			c := newScriptedClient(t, cfg, tr)

			_, err := c.Post(context.Background(), "http://ca.example.com:8080/pkix/", mustMarshal(t, intSeq{N: 1}))
			require.NoError(t, err)

			require.Equal(t, "proxy.local", tr.ConnectHost)
			require.Equal(t, uint16(3128), tr.ConnectPort)
			written := tr.Written.String()
			require.True(t, strings.HasPrefix(written, "POST http://ca.example.com:8080/pkix/ HTTP/1.0\r\n"), written)
			require.NotContains(t, written, "CONNECT")
			if tc.wantAuth == "" {
				require.NotContains(t, written, "Proxy-Authorization")
			} else {
				require.Contains(t, written, tc.wantAuth)
			}
		})
	}
}

func TestClient_ProxyFromEnvironment(t *testing.T) {
	env := map[string]string{
		"http_proxy": "http://envproxy:8080",
		"no_proxy":   "localhost,.internal",
	}
	getenv := func(k string) string { return env[k] }

	t.Run("proxied", func(t *testing.T) {
		tr := transporttest.NewTransport(transporttest.NewStream(okResponse(mustMarshal(t, intSeq{N: 2}))))
		c := newScriptedClient(t, testConfig(), tr, WithEnv(getenv))

		_, err := c.Get(context.Background(), "http://ca.example.com/")
		require.NoError(t, err)
		require.Equal(t, "envproxy", tr.ConnectHost)
		require.Equal(t, uint16(8080), tr.ConnectPort)
	})

	t.Run("excluded", func(t *testing.T) {
		tr := transporttest.NewTransport(transporttest.NewStream(okResponse(mustMarshal(t, intSeq{N: 2}))))
		c := newScriptedClient(t, testConfig(), tr, WithEnv(getenv))

		_, err := c.Get(context.Background(), "http://ca.internal/")
		require.NoError(t, err)
		require.Equal(t, "ca.internal", tr.ConnectHost)
		require.True(t, strings.HasPrefix(tr.Written.String(), "GET / HTTP/1.0\r\n"))
	})
}

type hookRecorder struct {
	events  []HookEvent
	errs    []error
	replace transport.Stream
	failOn  map[HookEvent]error
}

func (h *hookRecorder) HandleStream(_ context.Context, hc *HookContext) (transport.Stream, error) {
	h.events = append(h.events, hc.Event)
	h.errs = append(h.errs, hc.Err)
	if err := h.failOn[hc.Event]; err != nil {
		return nil, err
	}
	if hc.Event == HookConnect {
		return h.replace, nil
	}
	return nil, nil
}

func TestClient_ProxyTunnelWithHook(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy = "user:pass@proxy.local:3128"

	respDER := mustMarshal(t, intSeq{N: 2})
	stream := transporttest.NewStream(
		[]byte("HTTP/1.1 200 Connection established\r\nVia: test\r\n\r\n"),
		okResponse(respDER),
	)
	tr := transporttest.NewTransport(stream)
	hook := &hookRecorder{}
	c := newScriptedClient(t, cfg, tr, WithStreamHook(hook))

	got, err := c.Post(context.Background(), "http://ca.example.com:8080/pkix/", mustMarshal(t, intSeq{N: 1}))
	require.NoError(t, err)
	require.Equal(t, respDER, got)

	require.Equal(t, "proxy.local", tr.ConnectHost)
	written := tr.Written.String()
	require.True(t, strings.HasPrefix(written, "CONNECT ca.example.com:8080 HTTP/1.1\r\n"), written)
	require.Contains(t, written, "Proxy-Authorization: Basic dXNlcjpwYXNz\r\n\r\nPOST /pkix/ HTTP/1.0\r\n")
	require.Equal(t, 1, strings.Count(written, "Proxy-Authorization"))
	require.Equal(t, []HookEvent{HookConnect, HookDisconnect}, hook.events)
	require.Equal(t, []error{nil, nil}, hook.errs)
}

func TestClient_ProxyTunnelRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy = "proxy.local:3128"

	tr := transporttest.NewTransport(transporttest.NewStream([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")))
	hook := &hookRecorder{}
	c := newScriptedClient(t, cfg, tr, WithStreamHook(hook))

	_, err := c.Get(context.Background(), "http://ca.example.com/")
	httpErr := requireErrType(t, err, errors.ErrorProxyTunnel)
	require.Equal(t, 407, httpErr.StatusCode)
	require.Equal(t, "proxy.local", httpErr.Host)
	require.Empty(t, hook.events)
	require.Equal(t, 1, tr.CloseCalls)
}

func TestClient_HookReplacesStream(t *testing.T) {
	respDER := mustMarshal(t, intSeq{N: 5})
	raw := transporttest.NewStream()
	tr := transporttest.NewTransport(raw)
	wrapped := transporttest.NewStream(okResponse(respDER))
	hook := &hookRecorder{replace: wrapped}
	c := newScriptedClient(t, testConfig(), tr, WithStreamHook(hook))

	got, err := c.Get(context.Background(), "http://ca.example.com/")
	require.NoError(t, err)
	require.Equal(t, respDER, got)
	require.Zero(t, raw.Written.Len())
	require.True(t, strings.HasPrefix(wrapped.Written.String(), "GET / HTTP/1.0\r\n"))
	require.Zero(t, wrapped.CloseCalls)
	require.Equal(t, 1, tr.CloseCalls)
}

func TestClient_HookFailures(t *testing.T) {
	hookErr := errors.NewTransportError(errors.TransportErrorSocketWriteFailure, "shutdown failed", nil)

	t.Run("connect", func(t *testing.T) {
		tr := transporttest.NewTransport(transporttest.NewStream(okResponse(mustMarshal(t, intSeq{N: 5}))))
		hook := &hookRecorder{failOn: map[HookEvent]error{HookConnect: hookErr}}
		c := newScriptedClient(t, testConfig(), tr, WithStreamHook(hook))

		_, err := c.Get(context.Background(), "http://ca.example.com/")
		require.Same(t, hookErr, err)
		require.Equal(t, []HookEvent{HookConnect}, hook.events)
		require.Zero(t, tr.Written.Len())
	})

	t.Run("disconnect discards response", func(t *testing.T) {
		tr := transporttest.NewTransport(transporttest.NewStream(okResponse(mustMarshal(t, intSeq{N: 5}))))
		hook := &hookRecorder{failOn: map[HookEvent]error{HookDisconnect: hookErr}}
		c := newScriptedClient(t, testConfig(), tr, WithStreamHook(hook))

		got, err := c.Get(context.Background(), "http://ca.example.com/")
		require.Nil(t, got)
		require.Same(t, hookErr, err)
		require.Equal(t, []HookEvent{HookConnect, HookDisconnect}, hook.events)
	})

	t.Run("disconnect sees exchange error", func(t *testing.T) {
		tr := transporttest.NewTransport(transporttest.NewStream([]byte("HTTP/1.0 500 Oops\r\n\r\n")))
		hook := &hookRecorder{}
		c := newScriptedClient(t, testConfig(), tr, WithStreamHook(hook))

		_, err := c.Get(context.Background(), "http://ca.example.com/")
		requireErrType(t, err, errors.ErrorHTTPStatus)
		require.Len(t, hook.errs, 2)
		require.Nil(t, hook.errs[0])
		require.True(t, errors.IsType(hook.errs[1], errors.ErrorHTTPStatus))
	})
}

func TestClient_Exchange(t *testing.T) {
	respDER := mustMarshal(t, intSeq{N: 3})
	stream := transporttest.NewStream(okResponse(respDER))
	c, err := New(testConfig())
	require.NoError(t, err)

	got, err := c.Exchange(context.Background(), stream, &Request{
		Method:       protocol.MethodPost,
		Server:       "ca.example.com",
		Port:         "80",
		Path:         "/pkix/",
		Host:         "ca.example.com",
		ContentType:  "application/pkixcmp",
		Body:         []byte{0x30, 0x00},
		AbsoluteForm: true,
	})
	require.NoError(t, err)
	require.Equal(t, respDER, got)
	require.Zero(t, stream.CloseCalls)
	require.True(t, strings.HasPrefix(stream.Written.String(), "POST http://ca.example.com:80/pkix/ HTTP/1.0\r\n"))

	_, err = c.Exchange(context.Background(), nil, &Request{})
	requireErrType(t, err, errors.ErrorInvalidArgument)
}

func TestClient_ContextDeadline(t *testing.T) {
	tr := transporttest.NewTransport(transporttest.NewStream(okResponse(mustMarshal(t, intSeq{N: 3}))))
	c := newScriptedClient(t, testConfig(), tr)

	deadline := time.Now().Add(time.Second)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	_, err := c.Get(ctx, "http://ca.example.com/")
	require.NoError(t, err)
	require.True(t, tr.Deadline.Equal(deadline))
}

func TestClient_NoTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 0
	tr := transporttest.NewTransport(transporttest.NewStream(okResponse(mustMarshal(t, intSeq{N: 3}))))
	c := newScriptedClient(t, cfg, tr)

	_, err := c.Get(context.Background(), "http://ca.example.com/")
	require.NoError(t, err)
	require.True(t, tr.Deadline.IsZero())
}

func TestClient_Logging(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	tr := transporttest.NewTransport(transporttest.NewStream(okResponse(mustMarshal(t, intSeq{N: 3}))))
	c := newScriptedClient(t, testConfig(), tr, WithLogger(logger))

	_, err := c.Get(context.Background(), "http://ca.example.com/")
	require.NoError(t, err)

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message == "response received" {
			found = true
			require.Equal(t, "ca.example.com", e.Data["host"])
			require.Equal(t, "80", e.Data["port"])
		}
	}
	require.True(t, found, "no completion entry logged")
}
