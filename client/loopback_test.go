package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nczempin/pkihttp/errors"
	"github.com/nczempin/pkihttp/transport"
)

// received is what a loopback server saw of the request.
type received struct {
	method     string
	requestURI string
	host       string
	body       []byte
	err        error
}

// setupTestServer accepts one connection on l, parses the request, replies
// with a DER response and reports what it received.
func setupTestServer(t *testing.T, l net.Listener, response []byte) (int, <-chan received) {
	t.Helper()

	got := make(chan received, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := l.Accept()
		if err != nil {
			got <- received{err: err}
			return
		}
		defer conn.Close()

		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			got <- received{err: err}
			return
		}
		body, err := io.ReadAll(req.Body)
		got <- received{method: req.Method, requestURI: req.RequestURI, host: req.Host, body: body, err: err}

		conn.Write(response)
		// wait for the client to hang up, including any TLS close_notify
		io.Copy(io.Discard, conn)
	}()

	t.Cleanup(func() {
		l.Close()
		<-done
	})
	return l.Addr().(*net.TCPAddr).Port, got
}

func TestClient_PostLoopback(t *testing.T) {
	kinds := []string{transport.KindSocket, transport.KindNet}

	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			respDER := mustMarshal(t, intSeq{N: 2})
			l, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			port, got := setupTestServer(t, l, okResponse(respDER))

			cfg := testConfig()
			cfg.Transport = kind
			c, err := New(cfg, WithEnv(func(string) string { return "" }))
			require.NoError(t, err)

			reqDER := mustMarshal(t, intSeq{N: 1})
			resp, err := c.Post(context.Background(), fmt.Sprintf("http://127.0.0.1:%d/pkix/", port), reqDER)
			require.NoError(t, err)
			require.Equal(t, respDER, resp)

			r := <-got
			require.NoError(t, r.err)
			require.Equal(t, "POST", r.method)
			require.Equal(t, "/pkix/", r.requestURI)
			require.Equal(t, "127.0.0.1", r.host)
			require.Equal(t, reqDER, r.body)
		})
	}
}

func TestClient_PlainProxyLoopback(t *testing.T) {
	respDER := mustMarshal(t, intSeq{N: 2})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port, got := setupTestServer(t, l, okResponse(respDER))

	cfg := testConfig()
	cfg.Proxy = fmt.Sprintf("http://127.0.0.1:%d", port)
	c, err := New(cfg, WithEnv(func(string) string { return "" }))
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), "http://ca.example.com/certs/ca.cer")
	require.NoError(t, err)
	require.Equal(t, respDER, resp)

	r := <-got
	require.NoError(t, r.err)
	require.Equal(t, "GET", r.method)
	require.Equal(t, "http://ca.example.com:80/certs/ca.cer", r.requestURI)
	require.Equal(t, "ca.example.com:80", r.host)
}

func TestClient_TLSLoopback(t *testing.T) {
	ca := newTestCA(t)
	l, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{ca.cert.Raw}, PrivateKey: ca.key}},
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)

	respDER := mustMarshal(t, intSeq{N: 2})
	port, got := setupTestServer(t, l, okResponse(respDER))

	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	cfg := testConfig()
	cfg.Transport = transport.KindNet
	c, err := New(cfg,
		WithEnv(func(string) string { return "" }),
		WithStreamHook(&TLSHook{Config: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}),
	)
	require.NoError(t, err)

	reqDER := mustMarshal(t, intSeq{N: 1})
	resp, err := c.Post(context.Background(), fmt.Sprintf("https://127.0.0.1:%d/pkix/", port), reqDER)
	require.NoError(t, err)
	require.Equal(t, respDER, resp)

	r := <-got
	require.NoError(t, r.err)
	require.Equal(t, reqDER, r.body)
}

func TestClient_TLSUntrustedServer(t *testing.T) {
	ca := newTestCA(t)
	l, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{ca.cert.Raw}, PrivateKey: ca.key}},
	})
	require.NoError(t, err)
	port, _ := setupTestServer(t, l, nil)

	cfg := testConfig()
	cfg.Transport = transport.KindNet
	c, err := New(cfg,
		WithEnv(func(string) string { return "" }),
		WithStreamHook(&TLSHook{Config: &tls.Config{RootCAs: x509.NewCertPool()}}),
	)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), fmt.Sprintf("https://127.0.0.1:%d/", port))
	httpErr := requireErrType(t, err, errors.ErrorConnect)
	require.Equal(t, "127.0.0.1", httpErr.Host)
}
