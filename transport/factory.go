package transport

import (
	"fmt"
	"strings"

	httperrors "github.com/nczempin/pkihttp/errors"
)

// Transport kinds accepted by New.
const (
	KindSocket = "socket"
	KindNet    = "net"
	KindUring  = "uring"
	KindRing   = "ring"

	// unixPrefix selects a Unix domain socket: "unix:/run/ca.sock".
	unixPrefix = "unix:"
)

// New creates an unconnected Transport of the given kind. An empty kind
// selects the non-blocking socket transport.
func New(kind string) (Transport, error) {
	switch {
	case kind == "" || kind == KindSocket:
		return NewSocketTransport(), nil
	case kind == KindNet:
		return NewNetTransport(), nil
	case kind == KindUring:
		return NewUringTransport()
	case kind == KindRing:
		return NewRingTransport()
	case strings.HasPrefix(kind, unixPrefix):
		return NewUnixTransport(strings.TrimPrefix(kind, unixPrefix)), nil
	default:
		return nil, httperrors.NewInvalidArgumentError(fmt.Sprintf("unknown transport %q", kind))
	}
}

// ValidKind reports whether New accepts kind.
func ValidKind(kind string) bool {
	switch kind {
	case "", KindSocket, KindNet, KindUring, KindRing:
		return true
	}
	return strings.HasPrefix(kind, unixPrefix) && len(kind) > len(unixPrefix)
}
