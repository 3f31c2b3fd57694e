package namespace_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/strata/internal/blueprint"
	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/clustertest"
	"github.com/dreamware/strata/internal/directory"
	"github.com/dreamware/strata/internal/mailbox"
	"github.com/dreamware/strata/internal/namespace"
	"github.com/dreamware/strata/internal/reactor"
	"github.com/dreamware/strata/internal/watchable"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no replica", namespace.ErrNoReplica, true},
		{"wrapped no replica", fmt.Errorf("route: %w", namespace.ErrNoReplica), true},
		{"peer lost", namespace.ErrPeerLost, true},
		{"no reply", fmt.Errorf("read: %w", namespace.ErrNoReply), true},
		{"not serving", &namespace.RequestError{Code: reactor.CodeNotServing}, true},
		{"script", &namespace.RequestError{Code: reactor.CodeScript, Msg: "boom"}, false},
		{"invalid", &namespace.RequestError{Code: reactor.CodeInvalid}, false},
		{"deadline", context.DeadlineExceeded, false},
		{"other", errors.New("other"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, namespace.IsRetryable(tt.err))
		})
	}
}

func TestWithRetry(t *testing.T) {
	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		err := namespace.WithRetry(context.Background(), func() error {
			calls++
			if calls < 3 {
				return namespace.ErrNoReplica
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		want := &namespace.RequestError{Code: reactor.CodeInvalid, Msg: "out of range"}
		err := namespace.WithRetry(context.Background(), func() error {
			calls++
			return want
		})
		var re *namespace.RequestError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, reactor.CodeInvalid, re.Code)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up with the context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		err := namespace.WithRetry(ctx, func() error { return namespace.ErrNoReplica })
		require.Error(t, err)
	})
}

func TestRouteWithoutBlueprint(t *testing.T) {
	g := clustertest.NewGroup(t, 1)
	ns := g.MakeNamespaceInterface(0)

	_, _, err := ns.Route("k", namespace.OpRead)
	assert.ErrorIs(t, err, namespace.ErrNoReplica)
	_, _, err = ns.Read(context.Background(), "k")
	assert.ErrorIs(t, err, namespace.ErrNoReplica)
	assert.ErrorIs(t, ns.Write(context.Background(), "k", []byte("v")), namespace.ErrNoReplica)
}

func TestRouteWritesToPrimaryOnly(t *testing.T) {
	g := clustertest.NewGroup(t, 3)
	bp := g.CompileBlueprint("psn,npn,nnp")
	g.SetAllBlueprints(bp)
	g.WaitUntilBlueprintIsSatisfied(bp)

	x, y := g.Peers[0], g.Peers[1]
	first := bp.Ranges[0].Range
	key := "apple"
	require.True(t, first.Contains(key))
	require.Equal(t, reactor.StateSecondaryUpToDate, y.Reactor.Card().StateOf(first))

	ns := g.MakeNamespaceInterface(1)
	peer, act, err := ns.Route(key, namespace.OpWrite)
	require.NoError(t, err)
	assert.Equal(t, x.ID(), peer)
	want, ok := x.Reactor.Card().Find(first)
	require.True(t, ok)
	assert.Equal(t, want.Write, act.Write)
	own, _ := y.Reactor.Card().Find(first)
	assert.NotEqual(t, own.Write, act.Write)

	peer, _, err = ns.Route(key, namespace.OpRead)
	require.NoError(t, err)
	assert.Equal(t, y.ID(), peer, "reads prefer the local replica")

	_, _, err = g.MakeNamespaceInterface(2).Route(key, namespace.OpRead)
	require.NoError(t, err, "a peer without the range routes to one that has it")
}

func TestReadWriteDelete(t *testing.T) {
	g := clustertest.NewGroup(t, 2)
	bp := g.CompileBlueprint("ps,sp")
	g.SetAllBlueprints(bp)
	g.WaitUntilBlueprintIsSatisfied(bp)
	ctx := context.Background()

	for i, ns := range []*namespace.Interface{g.MakeNamespaceInterface(0), g.MakeNamespaceInterface(1)} {
		key := fmt.Sprintf("%c-key", 'a'+i*20)
		_, found, err := ns.Read(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, ns.Write(ctx, key, []byte("v")))
		v, found, err := ns.Read(ctx, key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "v", string(v))

		require.NoError(t, ns.Delete(ctx, key))
		require.NoError(t, ns.Delete(ctx, key), "deleting a missing key")
	}
}

func TestUpdateRejectsEmptyScript(t *testing.T) {
	g := clustertest.NewGroup(t, 1)
	_, _, err := g.MakeNamespaceInterface(0).Update(context.Background(), "k", "")
	assert.Error(t, err)
}

func TestPrimaryGoneIsRetryable(t *testing.T) {
	g := clustertest.NewGroup(t, 2)
	bp := g.CompileBlueprint("ps")
	g.SetAllBlueprints(bp)
	g.WaitUntilBlueprintIsSatisfied(bp)
	ns := g.MakeNamespaceInterface(1)
	require.NoError(t, ns.Write(context.Background(), "k", []byte("v")))

	g.Stop(0)
	require.Eventually(t, func() bool {
		err := ns.Write(context.Background(), "k", []byte("w"))
		return err != nil && namespace.IsRetryable(err)
	}, clustertest.WaitFor, 10*time.Millisecond)

	_, _, err := ns.Route("k", namespace.OpWrite)
	require.Error(t, err)
	v, found, err := ns.Read(context.Background(), "k")
	require.NoError(t, err, "the secondary keeps serving reads")
	assert.True(t, found)
	assert.Equal(t, "v", string(v))
}

func TestDestroyedMailboxIsRetryable(t *testing.T) {
	g := clustertest.NewGroup(t, 2)
	remote := g.Peers[1]
	require.Eventually(t, func() bool { return g.Peers[0].Session.IsConnected(remote.ID()) },
		clustertest.WaitFor, 10*time.Millisecond)

	read := mailbox.NewTyped(remote.Mailboxes, func(reactor.ReadRequest) {})
	write := mailbox.NewTyped(remote.Mailboxes, func(reactor.WriteRequest) {})
	read.Destroy()
	write.Destroy()

	bp, err := blueprint.Compile("p", []cluster.PeerID{remote.ID()})
	require.NoError(t, err)
	card := reactor.BusinessCard{Activities: []reactor.Activity{{
		Range: blueprint.Everything,
		State: reactor.StatePrimary,
		Read:  read.Addr(),
		Write: write.Addr(),
	}}}
	dir := watchable.New(reactor.Directory{
		remote.ID(): directory.Entry[reactor.BusinessCard]{Version: 1, Value: card},
	})
	ns := namespace.New(g.Peers[0].Mailboxes, watchable.New(bp), dir, nil,
		namespace.WithReplyTimeout(100*time.Millisecond))

	start := time.Now()
	_, _, err = ns.Read(context.Background(), "k")
	require.ErrorIs(t, err, namespace.ErrNoReply)
	assert.True(t, namespace.IsRetryable(err))
	assert.Less(t, time.Since(start), clustertest.WaitFor)

	err = ns.Write(context.Background(), "k", []byte("v"))
	assert.ErrorIs(t, err, namespace.ErrNoReply)
}
