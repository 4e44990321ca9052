package egress

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rumi-ai/kernel/pkg/grants"
)

func TestServer_SocketPathIsStableHashPrefix(t *testing.T) {
	s := NewServer(t.TempDir(), false, nil)
	p1 := s.SocketPath("acme")
	p2 := s.SocketPath("acme")
	require.Equal(t, p1, p2)
	require.NotEqual(t, p1, s.SocketPath("other-pack"))
	require.Len(t, filepath.Base(p1), 32+len(".sock"))
}

func TestServer_ListenAndRoundTripDeniesInternalTarget(t *testing.T) {
	root := t.TempDir()
	networkGrants, err := grants.NewManager("network", filepath.Join(root, "network"), root, "", nil)
	require.NoError(t, err)
	proxy := NewProxy(NewDomainController(root), NewPackRateLimiter(DefaultRateLimit), networkGrants, nil)

	s := NewServer(filepath.Join(root, "egress"), false, proxy)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Listen(ctx, "acme"))

	path := s.SocketPath("acme")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(SocketModeDefault), info.Mode().Perm())

	conn, err := net.DialTimeout("unix", path, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeLengthPrefixedJSON(conn, Request{Method: "GET", URL: "http://127.0.0.1:9/"}))

	resp, err := readLengthPrefixedJSON[Response](conn)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "internal_address_denied", resp.ErrorType)
}

func TestServer_PermissiveModeSetsWorldWritableSocket(t *testing.T) {
	root := t.TempDir()
	s := NewServer(filepath.Join(root, "egress"), true, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Listen(ctx, "acme"))

	info, err := os.Stat(s.SocketPath("acme"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(SocketModePermissive), info.Mode().Perm())
}
