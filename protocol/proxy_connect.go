package protocol

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nczempin/pkihttp/errors"
	"github.com/nczempin/pkihttp/transport"
)

// MaxTunnelLine bounds each line of the proxy's CONNECT reply.
const MaxTunnelLine = 8 * 1024

// TunnelOption configures ProxyConnect.
type TunnelOption func(*tunnel)

// WithTunnelLogger sets the logger for the handshake steps.
func WithTunnelLogger(l logrus.FieldLogger) TunnelOption {
	return func(t *tunnel) {
		if l != nil {
			t.log = l
		}
	}
}

type tunnel struct {
	stream   transport.Stream
	deadline time.Time
	log      logrus.FieldLogger
	one      [1]byte
}

// ProxyConnect turns a connection to an HTTP proxy into a tunnel to
// server:port using the CONNECT method. Basic credentials are sent when
// user is non-empty. The reply is read byte by byte so that nothing beyond
// the proxy's header block is consumed from the stream.
//
// Any 2xx reply establishes the tunnel. A zero deadline waits forever.
func ProxyConnect(stream transport.Stream, server, port, user, password string, deadline time.Time, opts ...TunnelOption) error {
	if stream == nil || server == "" || port == "" {
		return errors.NewInvalidArgumentError("proxy tunnel needs a stream, a server and a port")
	}
	t := &tunnel{stream: stream, deadline: deadline, log: discardLogger()}
	for _, opt := range opts {
		opt(t)
	}
	log := t.log.WithFields(logrus.Fields{"server": server, "port": port})

	if d, ok := stream.(transport.Deadliner); ok {
		if err := d.SetDeadline(deadline); err != nil {
			return connectFailure(err, errors.TransportErrorWaitFailure, "setting deadline failed")
		}
	}

	var req strings.Builder
	fmt.Fprintf(&req, "%s %s HTTP/1.1\r\n", MethodConnect, joinHostPort(server, port))
	req.WriteString("Proxy-Connection: Keep-Alive\r\n")
	if user != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
		req.WriteString("Proxy-Authorization: Basic " + creds + "\r\n")
	}
	req.WriteString("\r\n")

	log.Debug("sending CONNECT request")
	if err := t.send([]byte(req.String())); err != nil {
		return err
	}

	line, err := t.readLine()
	if err != nil {
		return err
	}
	status := strings.TrimRight(line, "\r\n")
	log.WithField("status", status).Debug("proxy replied")

	if !strings.HasPrefix(status, httpPrefix) {
		return errors.NewProxyTunnelError(0, "", "non-HTTP response from proxy")
	}

	result := checkTunnelStatus(status)

	// skip the proxy's headers up to the blank line
	for {
		line, err := t.readLine()
		if err != nil {
			if result != nil {
				return result
			}
			return err
		}
		if len(line) <= 2 {
			break
		}
	}

	if result == nil {
		log.Debug("tunnel established")
	}
	return result
}

// checkTunnelStatus accepts "HTTP/1.x 2xx ...".
func checkTunnelStatus(status string) error {
	version := status[len(httpPrefix):]
	if !strings.HasPrefix(version, "1.") {
		v := version
		if i := strings.IndexByte(v, ' '); i >= 0 {
			v = v[:i]
		}
		return errors.NewProxyTunnelError(0, "", "bad HTTP version "+strconv.Quote(v))
	}

	_, rest, _ := strings.Cut(status, " ")
	rest = strings.TrimLeft(rest, " ")
	codeStr, reason, _ := strings.Cut(rest, " ")
	if len(codeStr) == 3 && codeStr[0] == '2' {
		return nil
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		code = 0
	}
	return errors.NewProxyTunnelError(code, strings.TrimSpace(reason), "CONNECT failed: "+rest)
}

func (t *tunnel) send(buf []byte) error {
	for len(buf) > 0 {
		n, err := t.stream.Write(buf)
		if err != nil {
			if !errors.IsWouldBlock(err) {
				return connectFailure(err, errors.TransportErrorSocketWriteFailure, "sending CONNECT request failed")
			}
			if err := t.wait(transport.Writable); err != nil {
				return err
			}
			continue
		}
		buf = buf[n:]
	}
	for {
		err := t.stream.Flush()
		if err == nil {
			return nil
		}
		if !errors.IsWouldBlock(err) {
			return connectFailure(err, errors.TransportErrorFlushFailure, "flushing CONNECT request failed")
		}
		if err := t.wait(transport.Writable); err != nil {
			return err
		}
	}
}

// readLine reads up to and including the next "\n".
func (t *tunnel) readLine() (string, error) {
	var line []byte
	for {
		n, err := t.stream.Read(t.one[:])
		if err != nil {
			if !errors.IsWouldBlock(err) {
				return "", connectFailure(err, errors.TransportErrorSocketReadFailure, "reading CONNECT response failed")
			}
			if err := t.wait(transport.Readable); err != nil {
				return "", err
			}
			continue
		}
		if n == 0 {
			return "", errors.NewConnectError(errors.TransportErrorConnectionClosed, "proxy closed the connection", nil)
		}
		line = append(line, t.one[0])
		if t.one[0] == '\n' {
			return string(line), nil
		}
		if len(line) >= MaxTunnelLine {
			return "", errors.NewProxyTunnelError(0, "", fmt.Sprintf("CONNECT response line exceeds %d bytes", MaxTunnelLine))
		}
	}
}

func (t *tunnel) wait(dir transport.Direction) error {
	if !t.deadline.IsZero() && !time.Now().Before(t.deadline) {
		return errors.NewConnectError(errors.TransportErrorTimeout, "HTTP CONNECT timed out", nil)
	}
	if err := t.stream.WaitReady(dir, t.deadline); err != nil {
		if errors.IsTimeout(err) {
			return errors.NewConnectError(errors.TransportErrorTimeout, "HTTP CONNECT timed out", err)
		}
		return errors.NewConnectError(errors.TransportErrorWaitFailure, "failed waiting for proxy", err)
	}
	return nil
}

func connectFailure(err error, code errors.TransportError, message string) error {
	if errors.IsTimeout(err) {
		return errors.NewConnectError(errors.TransportErrorTimeout, "HTTP CONNECT timed out", err)
	}
	if httpErr, ok := err.(*errors.HttpError); ok && httpErr.TransportErr != errors.TransportErrorNone {
		code = httpErr.TransportErr
	}
	return errors.NewConnectError(code, message, err)
}

func joinHostPort(host, port string) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return "[" + host + "]:" + port
	}
	return host + ":" + port
}
