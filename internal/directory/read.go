package directory

import (
	"maps"

	"go.uber.org/zap"

	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/mailbox"
	"github.com/dreamware/strata/internal/metrics"
	"github.com/dreamware/strata/internal/watchable"
)

// ReadManager collects the values published by every connected peer.
type ReadManager[T any] struct {
	mgr     *mailbox.Manager
	session *cluster.Session
	logger  *zap.Logger
	view    *watchable.Value[View[T]]
	box     *mailbox.Typed[update[T]]
	unsub   func()
}

// NewReadManager starts collecting. On every new connection it asks the
// remote write manager for its current value, so an entry is never missing
// because the first push raced the connection.
func NewReadManager[T any](mgr *mailbox.Manager, logger *zap.Logger) (*ReadManager[T], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ReadManager[T]{
		mgr:     mgr,
		session: mgr.Session(),
		logger:  logger.Named("directory.read"),
		view:    watchable.New(View[T]{}),
	}
	box, err := mailbox.NewTypedWellKnown(mgr, UpdateSlot, r.onUpdate)
	if err != nil {
		return nil, err
	}
	r.box = box
	r.unsub = r.session.Subscribe(cluster.Events{
		OnConnect:    r.onConnect,
		OnDisconnect: r.onDisconnect,
	})
	r.onConnect(r.session.Me())
	for _, p := range r.session.Peers() {
		r.onConnect(p)
	}
	return r, nil
}

// View returns the watchable directory.
func (r *ReadManager[T]) View() *watchable.Value[View[T]] { return r.view }

func (r *ReadManager[T]) onUpdate(u update[T]) {
	if !r.session.IsConnected(u.Origin) {
		metrics.DirectoryUpdates.WithLabelValues("disconnected").Inc()
		return
	}
	applied := false
	r.view.Apply(func(v View[T]) View[T] {
		if e, ok := v[u.Origin]; ok && e.Version >= u.Version {
			return v
		}
		applied = true
		next := maps.Clone(v)
		if next == nil {
			next = View[T]{}
		}
		next[u.Origin] = Entry[T]{Version: u.Version, Value: u.Value}
		return next
	})
	if applied {
		metrics.DirectoryUpdates.WithLabelValues("applied").Inc()
	} else {
		metrics.DirectoryUpdates.WithLabelValues("stale").Inc()
	}
}

func (r *ReadManager[T]) onConnect(peer cluster.PeerID) {
	to := mailbox.WellKnownAddr[syncRequest](peer, SyncSlot)
	if err := mailbox.Send(r.mgr, to, syncRequest{From: r.session.Me()}); err != nil {
		r.logger.Debug("sync request failed", zap.String("peer", peer.Short()), zap.Error(err))
	}
}

func (r *ReadManager[T]) onDisconnect(peer cluster.PeerID) {
	if _, ok := r.view.Get()[peer]; !ok {
		return
	}
	r.view.Apply(func(v View[T]) View[T] {
		next := maps.Clone(v)
		delete(next, peer)
		return next
	})
}

// Close stops collecting.
func (r *ReadManager[T]) Close() {
	r.unsub()
	r.box.Destroy()
}
