package reactor_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/strata/internal/blueprint"
	"github.com/dreamware/strata/internal/clustertest"
	"github.com/dreamware/strata/internal/namespace"
	"github.com/dreamware/strata/internal/reactor"
)

const tick = 10 * time.Millisecond

func write(t *testing.T, ns *namespace.Interface, key, value string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), clustertest.WaitFor)
	defer cancel()
	require.NoError(t, namespace.WithRetry(ctx, func() error {
		return ns.Write(ctx, key, []byte(value))
	}), "write %s", key)
}

func read(t *testing.T, ns *namespace.Interface, key string) (string, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), clustertest.WaitFor)
	defer cancel()
	var (
		v     []byte
		found bool
	)
	require.NoError(t, namespace.WithRetry(ctx, func() (err error) {
		v, found, err = ns.Read(ctx, key)
		return err
	}), "read %s", key)
	return string(v), found
}

// primaries counts the peers advertising primary for r in the directory of
// peer i.
func primaries(g *clustertest.Group, i int, r blueprint.KeyRange) int {
	return len(reactor.Advertisers(g.Peers[i].Directory(), r, func(s reactor.State) bool {
		return s == reactor.StatePrimary
	}))
}

func TestReactorConverges(t *testing.T) {
	g := clustertest.NewGroup(t, 3)
	bp := g.CompileBlueprint("psn,nps,snp")
	g.SetAllBlueprints(bp)
	g.WaitUntilBlueprintIsSatisfied(bp)

	for i := range g.Peers {
		for _, a := range bp.Ranges {
			assert.Equal(t, 1, primaries(g, i, a.Range), "peer %d sees one primary for %s", i, a.Range)
		}
	}
	g.RunQueries(60)
}

func TestReactorSinglePeer(t *testing.T) {
	g := clustertest.NewGroup(t, 1)
	bp := g.CompileBlueprint("p")
	g.SetAllBlueprints(bp)
	g.WaitUntilBlueprintIsSatisfied(bp)
	g.RunQueries(20)

	card := g.Peers[0].Reactor.Card()
	require.Len(t, card.Activities, 1)
	assert.Equal(t, reactor.StatePrimary, card.Activities[0].State)
	assert.Equal(t, blueprint.Everything, card.Activities[0].Range)
}

func TestReactorBackfillCopiesData(t *testing.T) {
	g := clustertest.NewGroup(t, 2, clustertest.WithChunkSize(3))
	first := g.CompileBlueprint("pn")
	g.SetAllBlueprints(first)
	g.WaitUntilBlueprintIsSatisfied(first)

	ns := g.MakeNamespaceInterface(0)
	for i := 0; i < 50; i++ {
		write(t, ns, fmt.Sprintf("k%03d", i), fmt.Sprintf("v%d", i))
	}

	second := g.CompileBlueprint("ps")
	g.SetAllBlueprints(second)
	g.WaitUntilBlueprintIsSatisfied(second)

	store, err := g.Provisioners[1].Provision(g.Namespace, blueprint.Everything)
	require.NoError(t, err)
	assert.Equal(t, 50, store.Stats().Keys)
	v, err := store.Get("k042")
	require.NoError(t, err)
	assert.Equal(t, "v42", string(v))
}

func TestReactorReplicatesWrites(t *testing.T) {
	g := clustertest.NewGroup(t, 2)
	bp := g.CompileBlueprint("ps")
	g.SetAllBlueprints(bp)
	g.WaitUntilBlueprintIsSatisfied(bp)

	ns := g.MakeNamespaceInterface(0)
	for i := 0; i < 100; i++ {
		write(t, ns, "counter", fmt.Sprint(i))
	}
	write(t, ns, "gone", "soon")
	require.NoError(t, ns.Delete(context.Background(), "gone"))

	store, err := g.Provisioners[1].Provision(g.Namespace, blueprint.Everything)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, err := store.Get("counter")
		return err == nil && string(v) == "99"
	}, clustertest.WaitFor, tick, "secondary applies writes in order")
	require.Eventually(t, func() bool {
		_, err := store.Get("gone")
		return err != nil
	}, clustertest.WaitFor, tick)
}

func TestReactorWritesDuringBackfillAreKept(t *testing.T) {
	g := clustertest.NewGroup(t, 2, clustertest.WithChunkSize(1))
	first := g.CompileBlueprint("pn")
	g.SetAllBlueprints(first)
	g.WaitUntilBlueprintIsSatisfied(first)

	ns := g.MakeNamespaceInterface(0)
	for i := 0; i < 200; i++ {
		write(t, ns, fmt.Sprintf("k%03d", i), "old")
	}

	second := g.CompileBlueprint("ps")
	g.SetAllBlueprints(second)
	for i := 0; i < 200; i += 2 {
		write(t, ns, fmt.Sprintf("k%03d", i), "new")
	}
	g.WaitUntilBlueprintIsSatisfied(second)

	store, err := g.Provisioners[1].Provision(g.Namespace, blueprint.Everything)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for i := 0; i < 200; i++ {
			want := "old"
			if i%2 == 0 {
				want = "new"
			}
			v, err := store.Get(fmt.Sprintf("k%03d", i))
			if err != nil || string(v) != want {
				return false
			}
		}
		return true
	}, clustertest.WaitFor, tick)
}

func TestReactorHandoff(t *testing.T) {
	g := clustertest.NewGroup(t, 2)
	first := g.CompileBlueprint("ps")
	g.SetAllBlueprints(first)
	g.WaitUntilBlueprintIsSatisfied(first)
	write(t, g.MakeNamespaceInterface(0), "k", "before")

	second := g.CompileBlueprint("sp")
	g.SetAllBlueprints(second)
	g.WaitUntilBlueprintIsSatisfied(second)

	ns := g.MakeNamespaceInterface(0)
	peer, _, err := ns.Route("k", namespace.OpWrite)
	require.NoError(t, err)
	assert.Equal(t, g.Peers[1].ID(), peer)

	v, found := read(t, ns, "k")
	assert.True(t, found)
	assert.Equal(t, "before", v)
	write(t, ns, "k", "after")
	require.Eventually(t, func() bool {
		v, _, err := g.MakeNamespaceInterface(1).Read(context.Background(), "k")
		return err == nil && string(v) == "after"
	}, clustertest.WaitFor, tick)
}

func TestReactorShedsRange(t *testing.T) {
	g := clustertest.NewGroup(t, 2)
	first := g.CompileBlueprint("ps")
	g.SetAllBlueprints(first)
	g.WaitUntilBlueprintIsSatisfied(first)
	require.Equal(t, 1, g.Provisioners[1].Provisioned())

	second := g.CompileBlueprint("pn")
	g.SetAllBlueprints(second)
	g.WaitUntilBlueprintIsSatisfied(second)

	assert.Empty(t, g.Peers[1].Reactor.Card().Activities)
	assert.Equal(t, 0, g.Provisioners[1].Provisioned())
	assert.Empty(t, g.Peers[1].Reactor.Shards())
}

func TestReactorResplitsKeyspace(t *testing.T) {
	g := clustertest.NewGroup(t, 2)
	first := g.CompileBlueprint("pn")
	g.SetAllBlueprints(first)
	g.WaitUntilBlueprintIsSatisfied(first)

	second := g.CompileBlueprint("pn,np")
	g.SetAllBlueprints(second)
	g.WaitUntilBlueprintIsSatisfied(second)

	assert.Len(t, g.Peers[0].Reactor.Card().Activities, 1)
	assert.Len(t, g.Peers[1].Reactor.Card().Activities, 1)
	g.RunQueries(30)
}

func TestReactorKeepsDataAcrossRangeChanges(t *testing.T) {
	g := clustertest.NewGroup(t, 3, clustertest.WithChunkSize(4))
	keys := make([]string, 52)
	for i := range keys {
		keys[i] = fmt.Sprintf("%c-%02d", 'a'+i%26, i)
	}
	first := g.CompileBlueprint("pnn")
	g.SetAllBlueprints(first)
	g.WaitUntilBlueprintIsSatisfied(first)
	ns := g.MakeNamespaceInterface(0)
	for _, k := range keys {
		write(t, ns, k, "v-"+k)
	}

	for _, desc := range []string{
		"pns,snp",     // split
		"psn,nps,snp", // the middle range spans both halves
		"spn",         // merge
	} {
		bp := g.CompileBlueprint(desc)
		g.SetAllBlueprints(bp)
		g.WaitUntilBlueprintIsSatisfied(bp)

		for i := range g.Peers {
			ns := g.MakeNamespaceInterface(i)
			for _, k := range keys {
				v, found := read(t, ns, k)
				require.True(t, found, "%s: peer %d lost %s", desc, i, k)
				require.Equal(t, "v-"+k, v, "%s: peer %d", desc, i)
			}
		}
		for i, prov := range g.Provisioners {
			want := 0
			for _, a := range bp.Ranges {
				if a.Role(g.Peers[i].ID()) != blueprint.RoleNothing {
					want++
				}
			}
			assert.Equal(t, want, prov.Provisioned(), "%s: peer %d releases ranges it no longer holds", desc, i)
		}
	}
}

func TestReactorHoldsWithoutSource(t *testing.T) {
	g := clustertest.NewGroup(t, 2)
	bp := g.CompileBlueprint("ss")
	g.SetAllBlueprints(bp)

	assert.Never(t, func() bool {
		return len(g.Peers[0].Reactor.Card().Activities) > 0 || len(g.Peers[1].Reactor.Card().Activities) > 0
	}, 300*time.Millisecond, tick, "secondaries need a source")
	assert.False(t, g.Peers[0].Satisfied())

	_, _, err := g.MakeNamespaceInterface(0).Read(context.Background(), "k")
	assert.ErrorIs(t, err, namespace.ErrNoReplica)
}

func TestReactorPrimaryStartsEmptyWhenNoCopyIsLeft(t *testing.T) {
	g := clustertest.NewGroup(t, 3)
	first := g.CompileBlueprint("pnn")
	g.SetAllBlueprints(first)
	g.WaitUntilBlueprintIsSatisfied(first)
	write(t, g.MakeNamespaceInterface(0), "k", "v")

	g.Stop(0)
	require.Eventually(t, func() bool {
		_, ok := g.Peers[1].Directory()[g.Peers[0].ID()]
		return !ok
	}, clustertest.WaitFor, tick)

	bp := g.CompileBlueprint("nps")
	require.NoError(t, g.Peers[1].SetBlueprint(bp))
	require.NoError(t, g.Peers[2].SetBlueprint(bp))

	// peer 1 is primary with nobody left holding the range, so it starts
	// empty; peer 2 then backfills from it.
	require.Eventually(t, func() bool {
		dir := g.Peers[2].Directory()
		return dir[g.Peers[1].ID()].Value.StateOf(blueprint.Everything) == reactor.StatePrimary &&
			dir[g.Peers[2].ID()].Value.StateOf(blueprint.Everything) == reactor.StateSecondaryUpToDate
	}, clustertest.WaitFor, tick)

	_, found := read(t, g.MakeNamespaceInterface(2), "k")
	assert.False(t, found)
}

func TestReactorUpdateScripts(t *testing.T) {
	g := clustertest.NewGroup(t, 2)
	bp := g.CompileBlueprint("ps")
	g.SetAllBlueprints(bp)
	g.WaitUntilBlueprintIsSatisfied(bp)
	ns := g.MakeNamespaceInterface(1)
	ctx := context.Background()

	incr := `
if is_undefined(value) { return "1" }
return string(int(value) + 1)`
	for i := 1; i <= 3; i++ {
		v, found, err := ns.Update(ctx, "n", incr)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, fmt.Sprint(i), string(v))
	}
	v, _ := read(t, ns, "n")
	assert.Equal(t, "3", v)

	_, _, err := ns.Update(ctx, "n", `return error("refused")`)
	var re *namespace.RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, reactor.CodeScript, re.Code)
	assert.False(t, namespace.IsRetryable(err))

	_, _, err = ns.Update(ctx, "n", `return {a: 1}`)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, reactor.CodeScript, re.Code)

	_, _, err = ns.Update(ctx, "n", `this is not tengo`)
	require.ErrorAs(t, err, &re)

	_, found, err := ns.Update(ctx, "n", `return`)
	require.NoError(t, err)
	assert.False(t, found)
	_, found = read(t, ns, "n")
	assert.False(t, found)
}

func TestReactorCloseIsIdempotent(t *testing.T) {
	g := clustertest.NewGroup(t, 1)
	bp := g.CompileBlueprint("p")
	g.SetAllBlueprints(bp)
	g.WaitUntilBlueprintIsSatisfied(bp)

	r := g.Peers[0].Reactor
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Run(context.Background()), reactor.ErrClosed)

	require.Eventually(t, func() bool {
		_, _, err := g.MakeNamespaceInterface(0).Read(context.Background(), "k")
		return errors.Is(err, namespace.ErrNoReplica)
	}, clustertest.WaitFor, tick, "a closed reactor stops advertising")
}
