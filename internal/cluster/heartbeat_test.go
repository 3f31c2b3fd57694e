package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatDropsSilentPeer(t *testing.T) {
	a, clk := newTestSession(t, nil)
	b, _ := newTestSession(t, nil)

	_, err := a.Join(context.Background(), b.Address())
	require.NoError(t, err)
	require.Eventually(t, connected(a, b), waitFor, tick)

	// b's clock never moves, so b never sends heartbeats of its own.
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return !a.IsConnected(b.Me())
	}, waitFor, tick)
}

func TestHeartbeatKeepsLivePeer(t *testing.T) {
	a, _ := newTestSession(t, nil)
	b, _ := newTestSession(t, nil)

	_, err := a.Join(context.Background(), b.Address())
	require.NoError(t, err)
	require.Eventually(t, connected(a, b), waitFor, tick)

	a.mu.RLock()
	c := a.conns[b.Me()]
	a.mu.RUnlock()
	require.NotNil(t, c)

	for i := 0; i < 3*a.cfg.HeartbeatFailures; i++ {
		b.checkHeartbeats()
		require.Eventually(t, c.seen.Load, waitFor, tick)
		a.checkHeartbeats()
		assert.Zero(t, c.misses)
	}
	assert.True(t, a.IsConnected(b.Me()))
}

func TestHeartbeatCountsMisses(t *testing.T) {
	a, _ := newTestSession(t, nil)
	b, _ := newTestSession(t, nil)

	_, err := a.Join(context.Background(), b.Address())
	require.NoError(t, err)
	require.Eventually(t, connected(a, b), waitFor, tick)

	a.mu.RLock()
	c := a.conns[b.Me()]
	a.mu.RUnlock()
	require.NotNil(t, c)

	// the first round consumes the peer list b sent after the handshake
	require.Eventually(t, c.seen.Load, waitFor, tick)
	a.checkHeartbeats()
	for i := 1; i < a.cfg.HeartbeatFailures; i++ {
		a.checkHeartbeats()
		assert.Equal(t, i, c.misses)
		assert.True(t, a.IsConnected(b.Me()))
	}
	a.checkHeartbeats()
	require.Eventually(t, func() bool { return !a.IsConnected(b.Me()) }, waitFor, tick)
}
