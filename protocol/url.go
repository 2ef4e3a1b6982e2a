package protocol

import (
	"net"
	"strconv"
	"strings"

	"github.com/nczempin/pkihttp/errors"
)

// Default ports implied by the URL scheme.
const (
	DefaultHTTPPort  = "80"
	DefaultHTTPSPort = "443"
)

// URL holds the parts of a request URL the engine needs.
type URL struct {
	Host   string // without IPv6 brackets
	Port   string
	Path   string // always starts with "/"
	UseTLS bool
}

// PortNumber returns Port as a number. Ports produced by ParseURL are
// always valid.
func (u URL) PortNumber() uint16 {
	n, _ := strconv.ParseUint(u.Port, 10, 16)
	return uint16(n)
}

// HostPort returns host:port, bracketing IPv6 literals.
func (u URL) HostPort() string {
	return net.JoinHostPort(u.Host, u.Port)
}

// String recombines the components into a normalized URL.
func (u URL) String() string {
	scheme := "http://"
	if u.UseTLS {
		scheme = "https://"
	}
	return scheme + u.HostPort() + u.Path
}

// ParseURL splits raw into host, port, path and whether it asks for TLS.
// Accepted forms are [http://|https://]host[:port][/path], where host may be
// a bracketed IPv6 literal. On failure the zero URL is returned.
func ParseURL(raw string) (URL, error) {
	if raw == "" {
		return URL{}, errors.NewInvalidArgumentError("empty URL")
	}

	u := URL{Port: DefaultHTTPPort, Path: "/"}
	rest := raw

	if i := strings.IndexByte(raw, ':'); i > 0 && isSchemeName(raw[:i]) {
		scheme := strings.ToLower(raw[:i])
		afterColon := raw[i+1:]
		known := scheme == "http" || scheme == "https"
		if known || strings.HasPrefix(afterColon, "//") {
			switch scheme {
			case "http":
			case "https":
				u.UseTLS = true
				u.Port = DefaultHTTPSPort
			default:
				return URL{}, errors.NewURLParseError("unsupported scheme " + strconv.Quote(raw[:i]))
			}
			if !strings.HasPrefix(afterColon, "//") {
				return URL{}, errors.NewURLParseError("missing // after scheme in " + strconv.Quote(raw))
			}
			rest = afterColon[2:]
		}
	}

	hostPort := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostPort = rest[:i]
		u.Path = rest[i:]
	}

	if strings.HasPrefix(hostPort, "[") {
		end := strings.IndexByte(hostPort, ']')
		if end < 0 {
			return URL{}, errors.NewURLParseError("unterminated IPv6 literal in " + strconv.Quote(raw))
		}
		u.Host = hostPort[1:end]
		switch after := hostPort[end+1:]; {
		case after == "":
		case after[0] == ':':
			u.Port = after[1:]
		default:
			return URL{}, errors.NewURLParseError("unexpected " + strconv.Quote(after) + " after IPv6 literal")
		}
	} else if i := strings.IndexByte(hostPort, ':'); i >= 0 {
		u.Host = hostPort[:i]
		u.Port = hostPort[i+1:]
	} else {
		u.Host = hostPort
	}

	if u.Host == "" {
		return URL{}, errors.NewURLParseError("missing host in " + strconv.Quote(raw))
	}
	if n, err := strconv.ParseUint(u.Port, 10, 16); err != nil || n == 0 {
		return URL{}, errors.NewURLParseError("invalid port " + strconv.Quote(u.Port))
	}
	return u, nil
}

// isSchemeName reports whether s is syntactically a URL scheme:
// a letter followed by letters, digits, '+', '-' or '.'.
func isSchemeName(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case i > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return s != ""
}
