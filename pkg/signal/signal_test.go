package signal_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"natpunch/pkg/signal"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := signal.Pipe()
	ctx := context.Background()

	msg := signal.Message{
		Type:     signal.TypeHello,
		NatClass: "symmetric",
		Mapped:   "5.5.5.5:20000",
	}
	require.NoError(t, a.Send(ctx, msg))

	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
	assert.Equal(t, netip.MustParseAddrPort("5.5.5.5:20000"), got.MappedAddr())
}

func TestPipeDrainsBeforeClose(t *testing.T) {
	a, b := signal.Pipe()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, signal.Message{Type: signal.TypeSync}))
	require.NoError(t, a.Close())

	got, err := b.Recv(ctx)
	require.NoError(t, err, "in-flight message survives the close")
	assert.Equal(t, signal.TypeSync, got.Type)

	_, err = b.Recv(ctx)
	assert.ErrorIs(t, err, signal.ErrChannelClosed)
	assert.ErrorIs(t, a.Send(ctx, signal.Message{}), signal.ErrChannelClosed)
}

func TestPipeRespectsContext(t *testing.T) {
	_, b := signal.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func startRelay(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", signal.NewRelay(zaptest.NewLogger(t)))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestRelayPairsRoom(t *testing.T) {
	base := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := signal.Dial(ctx, base, "room-1")
	require.NoError(t, err)
	defer a.Close()
	b, err := signal.Dial(ctx, base, "room-1")
	require.NoError(t, err)
	defer b.Close()

	msg := signal.Message{
		Type:      signal.TypeHello,
		SessionID: "abc",
		NatClass:  "port-restricted-cone",
	}
	require.NoError(t, a.Send(ctx, msg))
	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	// And back the other way.
	require.NoError(t, b.Send(ctx, signal.Message{Type: signal.TypeSyncAck}))
	got, err = a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, signal.TypeSyncAck, got.Type)
}

func TestRelayIsolatesRooms(t *testing.T) {
	base := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := signal.Dial(ctx, base, "room-a")
	require.NoError(t, err)
	defer a.Close()
	b, err := signal.Dial(ctx, base, "room-b")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send(ctx, signal.Message{Type: signal.TypeHello}))

	recvCtx, recvCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer recvCancel()
	_, err = b.Recv(recvCtx)
	assert.Error(t, err, "messages must not cross rooms")
}

func TestRelayClosesPartnerOnLeave(t *testing.T) {
	base := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := signal.Dial(ctx, base, "room-1")
	require.NoError(t, err)
	b, err := signal.Dial(ctx, base, "room-1")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Close())

	_, err = b.Recv(ctx)
	assert.ErrorIs(t, err, signal.ErrChannelClosed)
}

func TestRelayRejectsMissingRoom(t *testing.T) {
	base := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := signal.Dial(ctx, strings.TrimSuffix(base, "/ws")+"/ws", "")
	assert.Error(t, err)
}

func TestMessageFireAt(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 250000, time.UTC)
	msg := signal.Message{FireAtUnixMicro: at.UnixMicro()}
	assert.True(t, msg.FireAt().Equal(at), "microsecond precision survives the round trip")
}

func TestMessageMappedAddr(t *testing.T) {
	assert.False(t, signal.Message{}.MappedAddr().IsValid())
	assert.False(t, signal.Message{Mapped: "garbage"}.MappedAddr().IsValid())
}
