package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	httperrors "github.com/nczempin/pkihttp/errors"
)

func TestNew(t *testing.T) {
	tr, err := New("")
	require.NoError(t, err)
	require.IsType(t, &SocketTransport{}, tr)

	tr, err = New(KindNet)
	require.NoError(t, err)
	require.IsType(t, &NetTransport{}, tr)

	tr, err = New("unix:/run/ca.sock")
	require.NoError(t, err)
	unixTr, ok := tr.(*UnixTransport)
	require.True(t, ok)
	require.Equal(t, "/run/ca.sock", unixTr.path)

	_, err = New("carrier-pigeon")
	require.True(t, httperrors.IsType(err, httperrors.ErrorInvalidArgument))
}

func TestValidKind(t *testing.T) {
	for kind, want := range map[string]bool{
		"":            true,
		"socket":      true,
		"net":         true,
		"uring":       true,
		"ring":        true,
		"unix:/x":     true,
		"unix:":       false,
		"tcp":         false,
		"Socket":      false,
		"quic":        false,
		"unix/x.sock": false,
	} {
		require.Equal(t, want, ValidKind(kind), kind)
	}
}

func TestDirectionString(t *testing.T) {
	require.Equal(t, "readable", Readable.String())
	require.Equal(t, "writable", Writable.String())
}
