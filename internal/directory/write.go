package directory

import (
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/mailbox"
	"github.com/dreamware/strata/internal/watchable"
)

// WriteManager publishes the local value to every connected peer, including
// this one. Changes made faster than they can be sent are coalesced and
// only the latest value goes out.
type WriteManager[T any] struct {
	mgr     *mailbox.Manager
	session *cluster.Session
	local   *watchable.Value[T]
	logger  *zap.Logger
	box     *mailbox.Typed[syncRequest]

	mu      sync.Mutex
	version uint64
	current T
	dirty   bool

	kick      chan struct{}
	done      chan struct{}
	exited    chan struct{}
	unsubs    []func()
	closeOnce sync.Once
}

// NewWriteManager starts publishing local.
func NewWriteManager[T any](mgr *mailbox.Manager, local *watchable.Value[T], logger *zap.Logger) (*WriteManager[T], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &WriteManager[T]{
		mgr:     mgr,
		session: mgr.Session(),
		local:   local,
		logger:  logger.Named("directory.write"),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	box, err := mailbox.NewTypedWellKnown(mgr, SyncSlot, w.onSync)
	if err != nil {
		return nil, err
	}
	w.box = box

	w.unsubs = append(w.unsubs, local.Subscribe(func(T) { w.markDirty() }))
	w.unsubs = append(w.unsubs, w.session.Subscribe(cluster.Events{OnConnect: w.onConnect}))
	w.markDirty()
	go w.loop()
	return w, nil
}

// Version returns the version of the last published value.
func (w *WriteManager[T]) Version() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

func (w *WriteManager[T]) markDirty() {
	w.mu.Lock()
	w.dirty = true
	w.mu.Unlock()
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *WriteManager[T]) loop() {
	defer close(w.exited)
	for {
		select {
		case <-w.done:
			return
		case <-w.kick:
		}
		w.mu.Lock()
		if !w.dirty {
			w.mu.Unlock()
			continue
		}
		w.dirty = false
		w.version++
		w.current = w.local.Get()
		version, value := w.version, w.current
		w.mu.Unlock()

		w.sendTo(w.session.Me(), version, value)
		for _, p := range w.session.Peers() {
			w.sendTo(p, version, value)
		}
	}
}

func (w *WriteManager[T]) snapshot() (uint64, T, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version, w.current, w.version > 0
}

func (w *WriteManager[T]) onConnect(peer cluster.PeerID) {
	if version, value, ok := w.snapshot(); ok {
		w.sendTo(peer, version, value)
	}
}

func (w *WriteManager[T]) onSync(req syncRequest) {
	if version, value, ok := w.snapshot(); ok {
		w.sendTo(req.From, version, value)
	}
}

func (w *WriteManager[T]) sendTo(peer cluster.PeerID, version uint64, value T) {
	to := mailbox.WellKnownAddr[update[T]](peer, UpdateSlot)
	err := mailbox.Send(w.mgr, to, update[T]{Origin: w.session.Me(), Version: version, Value: value})
	if err != nil {
		w.logger.Debug("directory push failed", zap.String("peer", peer.Short()), zap.Error(err))
	}
}

// Close stops publishing. Peers keep the last value until we disconnect.
func (w *WriteManager[T]) Close() {
	w.closeOnce.Do(func() {
		for _, u := range w.unsubs {
			u()
		}
		w.box.Destroy()
		close(w.done)
		<-w.exited
	})
}
