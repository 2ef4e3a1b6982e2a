package client

import (
	"strings"

	"github.com/nczempin/pkihttp/errors"
	"github.com/nczempin/pkihttp/protocol"
)

const httpURLPrefix = "http://"

// Proxy is a resolved HTTP forward proxy.
type Proxy struct {
	Host     string
	Port     string
	User     string
	Password string
}

// HostPort returns the proxy address, bracketing IPv6 literals.
func (p *Proxy) HostPort() string {
	if strings.Contains(p.Host, ":") {
		return "[" + p.Host + "]:" + p.Port
	}
	return p.Host + ":" + p.Port
}

// ResolveProxy decides which proxy, if any, to use for server.
//
// An explicit proxy wins; otherwise https_proxy/HTTPS_PROXY (for TLS) or
// http_proxy/HTTP_PROXY is read through getenv. A leading "http://" is
// ignored and an empty value means no proxy. The proxy is skipped when
// server matches noProxy, or no_proxy/NO_PROXY if noProxy is empty.
// Credentials may be given as user:password@ in front of the host.
func ResolveProxy(explicit, noProxy, server string, useTLS bool, getenv func(string) string) (*Proxy, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	raw := explicit
	if raw == "" {
		if useTLS {
			raw = firstEnv(getenv, "https_proxy", "HTTPS_PROXY")
		} else {
			raw = firstEnv(getenv, "http_proxy", "HTTP_PROXY")
		}
	}
	raw = strings.TrimPrefix(raw, httpURLPrefix)
	if raw == "" {
		return nil, nil
	}

	if noProxy == "" {
		noProxy = firstEnv(getenv, "no_proxy", "NO_PROXY")
	}
	if !UseProxy(noProxy, server) {
		return nil, nil
	}

	return parseProxy(raw)
}

func parseProxy(raw string) (*Proxy, error) {
	p := &Proxy{}
	if i := strings.LastIndexByte(raw, '@'); i >= 0 {
		userinfo := raw[:i]
		raw = raw[i+1:]
		p.User, p.Password, _ = strings.Cut(userinfo, ":")
	}

	u, err := protocol.ParseURL(raw)
	if err != nil {
		return nil, err
	}
	if u.UseTLS {
		return nil, errors.NewInvalidArgumentError("TLS connections to the proxy are not supported")
	}
	p.Host = u.Host
	p.Port = u.Port
	return p, nil
}

// UseProxy reports whether server is not excluded by the no-proxy list.
//
// Entries are separated by commas or spaces and compared case-insensitively.
// An entry matches the host itself; entries starting with "." or "*."
// also match every subdomain, and so do bare domain entries. A single "*"
// matches every host.
func UseProxy(noProxy, server string) bool {
	host := strings.ToLower(strings.Trim(server, "[]"))
	if host == "" {
		return true
	}
	for _, entry := range strings.FieldsFunc(noProxy, func(r rune) bool { return r == ',' || r == ' ' }) {
		entry = strings.ToLower(entry)
		if entry == "*" {
			return false
		}
		entry = strings.TrimPrefix(entry, "*")
		domain := strings.TrimPrefix(entry, ".")
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return false
		}
	}
	return true
}

func firstEnv(getenv func(string) string, names ...string) string {
	for _, name := range names {
		if v := getenv(name); v != "" {
			return v
		}
	}
	return ""
}
