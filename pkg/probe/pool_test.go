package probe_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"natpunch/internal/natsim"
	"natpunch/pkg/probe"
)

func simBinder(t *testing.T) probe.BindFunc {
	t.Helper()
	host := natsim.New().Host("1.2.3.4")
	return host.Bind
}

func TestPoolEnforcesLimit(t *testing.T) {
	pool := probe.NewPool(2, probe.WithBindFunc(simBinder(t)))

	s1, err := pool.Bind()
	require.NoError(t, err)
	s2, err := pool.Bind()
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Active())

	_, err = pool.Bind()
	assert.ErrorIs(t, err, probe.ErrPoolExhausted)

	// Closing a socket frees its slot.
	require.NoError(t, s1.Close())
	assert.Equal(t, 1, pool.Active())
	s3, err := pool.Bind()
	require.NoError(t, err)

	s2.Close()
	s3.Close()
	assert.Equal(t, 0, pool.Active())
}

func TestPoolDoubleCloseReleasesOnce(t *testing.T) {
	pool := probe.NewPool(1, probe.WithBindFunc(simBinder(t)))
	s, err := pool.Bind()
	require.NoError(t, err)
	s.Close()
	s.Close()
	assert.Equal(t, 0, pool.Active())
}

func TestPoolBindFailure(t *testing.T) {
	boom := errors.New("no ports left")
	pool := probe.NewPool(4, probe.WithBindFunc(func() (probe.Socket, error) {
		return nil, boom
	}))

	_, err := pool.Bind()
	assert.ErrorIs(t, err, probe.ErrBind)
	assert.Equal(t, 0, pool.Active(), "failed bind must not leak its slot")
}

func TestPoolClosed(t *testing.T) {
	pool := probe.NewPool(4, probe.WithBindFunc(simBinder(t)))
	s, err := pool.Bind()
	require.NoError(t, err)

	pool.Close()
	_, err = pool.Bind()
	assert.ErrorIs(t, err, probe.ErrPoolClosed)

	// Already-issued sockets outlive the pool.
	_, err = s.WriteTo([]byte("x"), s.LocalAddr())
	assert.NoError(t, err)
	s.Close()
}
