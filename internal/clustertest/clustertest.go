// Package clustertest runs groups of strata peers inside one test process.
//
// Every peer is a full node.Peer on a loopback port with in-memory
// storage. Helpers compile blueprints from the compact role strings used
// throughout the tests, push them to every peer and wait until the
// directory shows them carried out.
package clustertest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/strata/internal/blueprint"
	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/extproc"
	"github.com/dreamware/strata/internal/namespace"
	"github.com/dreamware/strata/internal/node"
	"github.com/dreamware/strata/internal/storage"
)

const (
	// WaitFor bounds every wait in this package.
	WaitFor = 10 * time.Second
	tick    = 10 * time.Millisecond
)

// Option adjusts the configuration of every peer in a group.
type Option func(i int, cfg *node.Config)

// WithChunkSize sets the backfill chunk size.
func WithChunkSize(n int) Option {
	return func(_ int, cfg *node.Config) { cfg.ChunkSize = n }
}

// Group is a set of connected peers serving one namespace.
type Group struct {
	t            testing.TB
	Namespace    storage.NamespaceID
	Peers        []*node.Peer
	Provisioners []*storage.MemoryProvisioner

	mu      sync.Mutex
	cancels []context.CancelFunc
	dones   []chan error
}

// NewGroup starts n peers, connects them to each other and stops them when
// the test ends. Storage failures fail the test.
func NewGroup(t testing.TB, n int, opts ...Option) *Group {
	t.Helper()
	g := &Group{t: t, Namespace: storage.NewNamespaceID()}
	scripts := extproc.DefaultConfig()
	for i := 0; i < n; i++ {
		prov := storage.NewMemoryProvisioner()
		cfg := node.Config{
			Session:         cluster.SessionConfig{Listen: "127.0.0.1:0", HeartbeatInterval: 200 * time.Millisecond},
			Namespace:       g.Namespace,
			Provisioner:     prov,
			Scripts:         &scripts,
			ChunkSize:       7,
			BackfillTimeout: 5 * time.Second,
			Fatal: func(err error) {
				t.Errorf("peer %d: storage failure: %v", i, err)
			},
		}
		for _, o := range opts {
			o(i, &cfg)
		}
		p, err := node.New(cfg, zap.NewNop())
		require.NoError(t, err)
		g.Peers = append(g.Peers, p)
		g.Provisioners = append(g.Provisioners, prov)
	}
	t.Cleanup(g.stopAll)

	for _, p := range g.Peers {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func(p *node.Peer) { done <- p.Run(ctx) }(p)
		g.cancels = append(g.cancels, cancel)
		g.dones = append(g.dones, done)
	}

	var eg errgroup.Group
	seed := g.Peers[0].Session.Address()
	for _, p := range g.Peers[1:] {
		eg.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), WaitFor)
			defer cancel()
			return p.Join(ctx, seed)
		})
	}
	require.NoError(t, eg.Wait())
	require.Eventually(t, g.fullyConnected, WaitFor, tick, "peers did not form a full mesh")
	return g
}

func (g *Group) fullyConnected() bool {
	for _, p := range g.Peers {
		for _, q := range g.Peers {
			if p != q && !p.Session.IsConnected(q.ID()) {
				return false
			}
		}
	}
	return true
}

// Stop shuts peer i down. Its storage survives in Provisioners[i].
func (g *Group) Stop(i int) {
	g.mu.Lock()
	cancel, done := g.cancels[i], g.dones[i]
	g.mu.Unlock()
	cancel()
	if err := <-done; err != nil {
		g.t.Logf("peer %d stopped: %v", i, err)
	}
	done <- nil
}

func (g *Group) stopAll() {
	for i := range g.Peers {
		g.Stop(i)
	}
}

// IDs returns the peer ids in group order.
func (g *Group) IDs() []cluster.PeerID {
	out := make([]cluster.PeerID, len(g.Peers))
	for i, p := range g.Peers {
		out[i] = p.ID()
	}
	return out
}

// CompileBlueprint builds a blueprint from one comma separated token per
// range, one role letter per peer: "p" primary, "s" secondary, "n" nothing.
//
//	g.CompileBlueprint("pn,np") // peer 0 owns the first half, peer 1 the second
func (g *Group) CompileBlueprint(desc string) blueprint.Blueprint {
	g.t.Helper()
	bp, err := blueprint.Compile(desc, g.IDs())
	require.NoError(g.t, err)
	return bp
}

// SetAllBlueprints gives bp to every peer.
func (g *Group) SetAllBlueprints(bp blueprint.Blueprint) {
	g.t.Helper()
	for _, p := range g.Peers {
		require.NoError(g.t, p.SetBlueprint(bp))
	}
}

// WaitUntilBlueprintIsSatisfied waits until every peer's directory shows
// every peer in the state bp asks of it.
func (g *Group) WaitUntilBlueprintIsSatisfied(bp blueprint.Blueprint) {
	g.t.Helper()
	require.Eventually(g.t, func() bool {
		for _, p := range g.Peers {
			if len(p.Directory()) != len(g.Peers) || !p.Satisfied() {
				return false
			}
		}
		return true
	}, WaitFor, tick, "blueprint %s not satisfied", bp.Describe())
}

// MakeNamespaceInterface returns the namespace interface of peer i.
func (g *Group) MakeNamespaceInterface(i int) *namespace.Interface {
	return g.Peers[i].Namespace
}

// QueryKey is the key RunQueries uses for its i-th query. Keys are spread
// over the whole alphabet so every range of a compiled blueprint gets some.
func QueryKey(i int) string {
	return fmt.Sprintf("%c-%04d", 'a'+i%26, i)
}

// RunQueries writes n keys through each peer in turn and reads every one
// back through every peer. Reads served by a secondary may lag the write,
// so each read is repeated until it shows the written value.
func (g *Group) RunQueries(n int) {
	g.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), WaitFor)
	defer cancel()
	for i := 0; i < n; i++ {
		ns := g.MakeNamespaceInterface(i % len(g.Peers))
		key, value := QueryKey(i), queryValue(i)
		require.NoError(g.t, namespace.WithRetry(ctx, func() error {
			return ns.Write(ctx, key, []byte(value))
		}), "write %s", key)
	}
	for j := range g.Peers {
		ns := g.MakeNamespaceInterface(j)
		for i := 0; i < n; i++ {
			key, want := QueryKey(i), queryValue(i)
			require.Eventually(g.t, func() bool {
				got, found, err := ns.Read(ctx, key)
				return err == nil && found && string(got) == want
			}, WaitFor, tick, "read %s through peer %d", key, j)
		}
	}
}

func queryValue(i int) string { return fmt.Sprintf("value-%d", i) }
