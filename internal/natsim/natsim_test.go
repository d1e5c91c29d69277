package natsim

import (
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvFrom(t *testing.T, s *Socket) (string, netip.AddrPort) {
	t.Helper()
	s.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, src, err := s.ReadFrom(buf)
	require.NoError(t, err)
	return string(buf[:n]), src
}

func TestDirectDelivery(t *testing.T) {
	net := New()
	a, err := net.Host("1.1.1.1").Bind()
	require.NoError(t, err)
	b, err := net.Host("2.2.2.2").Bind()
	require.NoError(t, err)

	_, err = a.WriteTo([]byte("ping"), b.LocalAddr())
	require.NoError(t, err)

	msg, src := recvFrom(t, b.(*Socket))
	assert.Equal(t, "ping", msg)
	assert.Equal(t, a.LocalAddr(), src)
}

func TestConeNATReusesMapping(t *testing.T) {
	net := New()
	inside := net.HostBehind("10.0.0.2", NATConfig{ExternalIP: "5.5.5.5"})
	sock, err := inside.Bind()
	require.NoError(t, err)

	d1, err := net.Host("1.1.1.1").Bind()
	require.NoError(t, err)
	d2, err := net.Host("2.2.2.2").Bind()
	require.NoError(t, err)

	_, err = sock.WriteTo([]byte("x"), d1.LocalAddr())
	require.NoError(t, err)
	_, err = sock.WriteTo([]byte("x"), d2.LocalAddr())
	require.NoError(t, err)

	_, src1 := recvFrom(t, d1.(*Socket))
	_, src2 := recvFrom(t, d2.(*Socket))
	assert.Equal(t, src1, src2, "cone NAT must reuse one mapping across destinations")
	assert.Equal(t, netip.MustParseAddr("5.5.5.5"), src1.Addr())
}

func TestSymmetricNATMapsPerDestination(t *testing.T) {
	net := New()
	inside := net.HostBehind("10.0.0.2", NATConfig{ExternalIP: "5.5.5.5", Symmetric: true, Delta: 3})
	sock, err := inside.Bind()
	require.NoError(t, err)

	d1, err := net.Host("1.1.1.1").Bind()
	require.NoError(t, err)
	d2, err := net.Host("2.2.2.2").Bind()
	require.NoError(t, err)

	_, err = sock.WriteTo([]byte("x"), d1.LocalAddr())
	require.NoError(t, err)
	_, err = sock.WriteTo([]byte("x"), d2.LocalAddr())
	require.NoError(t, err)

	_, src1 := recvFrom(t, d1.(*Socket))
	_, src2 := recvFrom(t, d2.(*Socket))
	assert.NotEqual(t, src1.Port(), src2.Port())
	assert.Equal(t, src1.Port()+3, src2.Port(), "sequential delta allocation")
}

func TestFilteringRejectsStrangers(t *testing.T) {
	net := New()
	inside := net.HostBehind("10.0.0.2", NATConfig{ExternalIP: "5.5.5.5", Filtering: FilterAddrPort})
	sock, err := inside.Bind()
	require.NoError(t, err)

	known, err := net.Host("1.1.1.1").Bind()
	require.NoError(t, err)
	stranger, err := net.Host("2.2.2.2").Bind()
	require.NoError(t, err)

	_, err = sock.WriteTo([]byte("x"), known.LocalAddr())
	require.NoError(t, err)
	_, ext := recvFrom(t, known.(*Socket))

	// The known peer gets through, the stranger does not.
	_, err = known.WriteTo([]byte("hello"), ext)
	require.NoError(t, err)
	msg, _ := recvFrom(t, sock.(*Socket))
	assert.Equal(t, "hello", msg)

	_, err = stranger.WriteTo([]byte("intrude"), ext)
	require.NoError(t, err)
	sock.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 64)
	_, _, err = sock.ReadFrom(buf)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestDropAllSwallowsEverything(t *testing.T) {
	net := New()
	inside := net.HostBehind("10.0.0.2", NATConfig{ExternalIP: "5.5.5.5", DropAll: true})
	sock, err := inside.Bind()
	require.NoError(t, err)

	dst, err := net.Host("1.1.1.1").Bind()
	require.NoError(t, err)
	_, err = sock.WriteTo([]byte("x"), dst.LocalAddr())
	require.NoError(t, err)

	dst.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 64)
	_, _, err = dst.ReadFrom(buf)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}
