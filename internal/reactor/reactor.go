package reactor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/strata/internal/blueprint"
	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/extproc"
	"github.com/dreamware/strata/internal/mailbox"
	"github.com/dreamware/strata/internal/metrics"
	"github.com/dreamware/strata/internal/shard"
	"github.com/dreamware/strata/internal/storage"
	"github.com/dreamware/strata/internal/watchable"
)

var (
	// ErrBackfillAborted is returned by a backfill attempt that was given
	// up. The replica retries on a later evaluation.
	ErrBackfillAborted = errors.New("backfill aborted")
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("reactor closed")
)

const (
	defaultChunkSize       = 100
	defaultBackfillTimeout = 30 * time.Second
	scriptCacheSize        = 128
)

// Config wires a Reactor to the rest of the peer.
type Config struct {
	Mailboxes   *mailbox.Manager
	Namespace   storage.NamespaceID
	Provisioner storage.Provisioner

	// Blueprint is the desired placement.
	Blueprint *watchable.Value[blueprint.Blueprint]
	// Directory is every peer's business card, ours included.
	Directory *watchable.Value[Directory]
	// Publish receives this peer's business card. A directory write manager
	// usually broadcasts it.
	Publish *watchable.Value[BusinessCard]

	// Scripts runs update scripts. Nil disables script writes.
	Scripts *extproc.Runner

	Logger *zap.Logger
	// Fatal is called on a storage failure. Defaults to Logger.Fatal.
	Fatal func(error)
	Clock clock.Clock

	// ChunkSize is the number of pairs per backfill chunk.
	ChunkSize int
	// BackfillTimeout is how long a backfill may go without receiving a
	// chunk before it is abandoned.
	BackfillTimeout time.Duration
}

// Reactor drives this peer's replicas towards the blueprint. Every time the
// blueprint or the directory changes it looks at each range and takes at
// most one step for it: acquire, backfill, promote, demote or shed.
type Reactor struct {
	cfg     Config
	mgr     *mailbox.Manager
	session *cluster.Session
	me      cluster.PeerID
	logger  *zap.Logger
	fatal   func(error)
	clock   clock.Clock

	scriptMu sync.Mutex
	scripts  *lru.Cache[string, extproc.ID]

	ctx    context.Context
	cancel context.CancelFunc

	kickCh  chan struct{}
	results chan backfillResult
	exited  chan struct{}
	unsubs  []func()
	wg      sync.WaitGroup

	mu       sync.Mutex
	replicas map[blueprint.KeyRange]*replica
	running  bool
	closed   bool
}

// replica is this peer's copy of one range and the mailboxes serving it.
// The replica map and attempt belong to the event loop; state is read by
// mailbox callbacks under mu.
type replica struct {
	rng   blueprint.KeyRange
	shard *shard.Shard

	// mu is held for the whole primary write path so that writes are
	// applied and replicated in one order.
	mu      sync.Mutex
	state   State
	closed  bool
	targets map[target]mailbox.Addr[ReplicateRequest]

	read      *mailbox.Typed[ReadRequest]
	write     *mailbox.Typed[WriteRequest]
	replicate *mailbox.Typed[ReplicateRequest]
	backfill  *mailbox.Typed[BackfillRequest]

	attempt    *attempt
	lastFailed cluster.PeerID
}

func (rep *replica) State() State {
	rep.mu.Lock()
	defer rep.mu.Unlock()
	return rep.state
}

func (rep *replica) activity() Activity {
	return Activity{
		Range:     rep.rng,
		State:     rep.State(),
		Read:      rep.read.Addr(),
		Write:     rep.write.Addr(),
		Replicate: rep.replicate.Addr(),
		Backfill:  rep.backfill.Addr(),
	}
}

func (rep *replica) destroyMailboxes() {
	rep.read.Destroy()
	rep.write.Destroy()
	rep.replicate.Destroy()
	rep.backfill.Destroy()
}

// New creates a reactor. It does nothing until Run is called.
func New(cfg Config) (*Reactor, error) {
	switch {
	case cfg.Mailboxes == nil:
		return nil, errors.New("reactor: no mailbox manager")
	case cfg.Provisioner == nil:
		return nil, errors.New("reactor: no storage provisioner")
	case cfg.Blueprint == nil || cfg.Directory == nil || cfg.Publish == nil:
		return nil, errors.New("reactor: blueprint, directory and publish values are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.BackfillTimeout <= 0 {
		cfg.BackfillTimeout = defaultBackfillTimeout
	}
	logger := cfg.Logger.Named("reactor")
	fatal := cfg.Fatal
	if fatal == nil {
		fatal = func(err error) { logger.Fatal("storage failure", zap.Error(err)) }
	}

	r := &Reactor{
		cfg:      cfg,
		mgr:      cfg.Mailboxes,
		session:  cfg.Mailboxes.Session(),
		logger:   logger,
		fatal:    fatal,
		clock:    cfg.Clock,
		kickCh:   make(chan struct{}, 1),
		results:  make(chan backfillResult),
		exited:   make(chan struct{}),
		replicas: make(map[blueprint.KeyRange]*replica),
	}
	r.me = r.session.Me()
	r.ctx, r.cancel = context.WithCancel(context.Background())
	if cfg.Scripts != nil {
		cache, err := lru.NewWithEvict(scriptCacheSize, func(_ string, id extproc.ID) {
			cfg.Scripts.Release(id)
		})
		if err != nil {
			return nil, err
		}
		r.scripts = cache
	}
	return r, nil
}

// Me returns the peer the reactor runs on.
func (r *Reactor) Me() cluster.PeerID { return r.me }

// Card returns the business card as last published.
func (r *Reactor) Card() BusinessCard { return r.cfg.Publish.Get() }

// Shards describes every local replica.
func (r *Reactor) Shards() []shard.ShardInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]shard.ShardInfo, 0, len(r.replicas))
	for _, rep := range r.replicas {
		out = append(out, rep.shard.Info())
	}
	return out
}

func (r *Reactor) kick() {
	select {
	case r.kickCh <- struct{}{}:
	default:
	}
}

// Run evaluates the blueprint against the directory every time either
// changes, until ctx is cancelled or Close is called. Replicas are closed,
// but their storage is kept, when it returns.
func (r *Reactor) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.closed || r.running {
		r.mu.Unlock()
		return ErrClosed
	}
	r.running = true
	r.mu.Unlock()
	defer close(r.exited)
	defer r.shutdown()

	r.unsubs = append(r.unsubs,
		r.cfg.Blueprint.Subscribe(func(blueprint.Blueprint) { r.kick() }),
		r.cfg.Directory.Subscribe(func(Directory) { r.kick() }),
		r.session.Subscribe(cluster.Events{
			OnConnect:    func(cluster.PeerID) { r.kick() },
			OnDisconnect: r.onDisconnect,
		}),
	)
	defer func() {
		for _, u := range r.unsubs {
			u()
		}
	}()

	r.kick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.ctx.Done():
			return nil
		case <-r.kickCh:
			r.evaluate()
		case res := <-r.results:
			r.finishBackfill(res)
			r.evaluate()
		}
	}
}

// Close stops the reactor, closes every replica's mailboxes and store and
// publishes an empty business card. Storage is not released, so a
// FileProvisioner keeps the data. It is safe to call while messages are
// being delivered, and more than once.
func (r *Reactor) Close() error {
	r.cancel()
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if running {
		<-r.exited
		return nil
	}
	return r.shutdown()
}

func (r *Reactor) shutdown() error {
	r.cancel()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var err error
	for rng, rep := range r.replicas {
		if rep.attempt != nil {
			rep.attempt.stop(cluster.NilPeer, ErrClosed)
		}
		rep.destroyMailboxes()
		rep.mu.Lock()
		rep.closed = true
		rep.mu.Unlock()
		if cerr := rep.shard.Store.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", rng, cerr))
		}
		delete(r.replicas, rng)
	}
	r.mu.Unlock()
	r.cfg.Publish.Set(BusinessCard{})
	r.wg.Wait()
	r.logger.Info("reactor stopped")
	return err
}

func (r *Reactor) onDisconnect(peer cluster.PeerID) {
	r.mu.Lock()
	for _, rep := range r.replicas {
		if rep.attempt != nil && rep.attempt.uses(peer) {
			rep.attempt.stop(peer, fmt.Errorf("%w: source %s disconnected", ErrBackfillAborted, peer.Short()))
		}
		rep.mu.Lock()
		for t := range rep.targets {
			if t.peer == peer {
				delete(rep.targets, t)
			}
		}
		rep.mu.Unlock()
	}
	r.mu.Unlock()
	r.kick()
}

// evaluate takes at most one step for every range.
func (r *Reactor) evaluate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	bp := r.cfg.Blueprint.Get()
	dir := r.cfg.Directory.Get()

	for rng, rep := range r.replicas {
		if a, ok := bp.Assignment(rng); !ok || a.Role(r.me) == blueprint.RoleNothing {
			r.retire(rep, bp, dir)
		}
	}
	for _, a := range bp.Ranges {
		role := a.Role(r.me)
		if role == blueprint.RoleNothing {
			continue
		}
		if rep, ok := r.replicas[a.Range]; ok {
			r.step(rep, a, role, dir)
		} else {
			r.acquire(a, role, dir)
		}
	}
	r.publish()
}

// retire winds down a replica the blueprint no longer gives us a role for.
// It stops taking writes at once, but keeps serving reads and backfills
// until every range now covering its keys is held by all the peers
// assigned to it.
func (r *Reactor) retire(rep *replica, bp blueprint.Blueprint, dir Directory) {
	switch rep.State() {
	case StateSecondaryBackfilling:
		r.shed(rep)
		return
	case StatePrimary:
		r.setState(rep, StateSecondaryUpToDate)
	}
	for _, a := range bp.Ranges {
		if !a.Range.Overlaps(rep.rng) {
			continue
		}
		for p, role := range a.Roles {
			if role != blueprint.RoleNothing && !r.serves(p, a.Range, dir) {
				return
			}
		}
	}
	r.shed(rep)
}

// serves reports whether peer holds a complete copy of exactly rng. Our own
// replicas are looked up directly, as the directory may lag behind them.
func (r *Reactor) serves(peer cluster.PeerID, rng blueprint.KeyRange, dir Directory) bool {
	if peer == r.me {
		rep, ok := r.replicas[rng]
		return ok && rep.State().Serving()
	}
	e, ok := dir[peer]
	return ok && e.Value.StateOf(rng).Serving()
}

// acquire starts a replica for a range we have a role in but no data for.
func (r *Reactor) acquire(a blueprint.Assignment, role blueprint.Role, dir Directory) {
	parts, ok := r.pickSources(a.Range, dir, cluster.NilPeer)
	if !ok {
		if role == blueprint.RolePrimary && r.canBootstrap(a, dir) {
			if rep := r.provision(a.Range); rep != nil {
				r.logger.Info("starting empty replica", zap.Stringer("range", a.Range))
				r.setState(rep, StateSecondaryUpToDate)
			}
			return
		}
		r.logger.Debug("no backfill source", zap.Stringer("range", a.Range))
		return
	}
	rep := r.provision(a.Range)
	if rep == nil {
		return
	}
	r.setState(rep, StateSecondaryBackfilling)
	r.startBackfill(rep, parts)
}

// step advances an existing replica.
func (r *Reactor) step(rep *replica, a blueprint.Assignment, role blueprint.Role, dir Directory) {
	switch rep.State() {
	case StateSecondaryBackfilling:
		if at := rep.attempt; at != nil {
			for _, p := range at.parts {
				if !r.canServe(p.source, p.from, dir) {
					at.stop(p.source, fmt.Errorf("%w: source %s no longer serves %s", ErrBackfillAborted, p.source.Short(), p.from))
					break
				}
			}
			return
		}
		if parts, ok := r.pickSources(rep.rng, dir, rep.lastFailed); ok {
			r.startBackfill(rep, parts)
			return
		}
		if role == blueprint.RolePrimary && r.canBootstrap(a, dir) {
			r.logger.Warn("no copy of range left, starting empty", zap.Stringer("range", rep.rng))
			rep.shard.Discard()
			if _, err := rep.shard.Clear(); err != nil {
				r.storageFailure(err)
				return
			}
			r.setState(rep, StateSecondaryUpToDate)
		}
	case StateSecondaryUpToDate:
		if role != blueprint.RolePrimary {
			return
		}
		if p, other, ok := r.otherPrimary(rep.rng, dir); ok {
			r.logger.Debug("waiting for primary to step down",
				zap.Stringer("range", rep.rng), zap.String("primary", p.Short()), zap.Stringer("of", other))
			return
		}
		r.setState(rep, StatePrimary)
	case StatePrimary:
		if role == blueprint.RoleSecondary {
			r.setState(rep, StateSecondaryUpToDate)
		}
	}
}

// otherPrimary finds a primary, other than our replica of rng, for any
// range overlapping rng.
func (r *Reactor) otherPrimary(rng blueprint.KeyRange, dir Directory) (cluster.PeerID, blueprint.KeyRange, bool) {
	for other, rep := range r.replicas {
		if other != rng && other.Overlaps(rng) && rep.State() == StatePrimary {
			return r.me, other, true
		}
	}
	for _, p := range sortedPeers(dir) {
		if p == r.me {
			continue
		}
		for _, act := range dir[p].Value.Activities {
			if act.State == StatePrimary && act.Range.Overlaps(rng) {
				return p, act.Range, true
			}
		}
	}
	return cluster.NilPeer, blueprint.KeyRange{}, false
}

func isPrimary(s State) bool { return s == StatePrimary }

func isSource(s State) bool { return s == StatePrimary || s == StateSecondaryUpToDate }

// candidate is a copy of some range that a backfill could read from.
type candidate struct {
	peer cluster.PeerID
	act  Activity
}

// candidates lists every reachable copy overlapping rng, ours included,
// except our replica of rng itself.
func (r *Reactor) candidates(rng blueprint.KeyRange, dir Directory) []candidate {
	var out []candidate
	for other, rep := range r.replicas {
		if other != rng && other.Overlaps(rng) && isSource(rep.State()) {
			out = append(out, candidate{peer: r.me, act: rep.activity()})
		}
	}
	for _, p := range sortedPeers(dir) {
		if p == r.me || !r.session.IsConnected(p) {
			continue
		}
		for _, act := range dir[p].Value.Activities {
			if act.Range.Overlaps(rng) && isSource(act.State) && !act.Backfill.IsNil() {
				out = append(out, candidate{peer: p, act: act})
			}
		}
	}
	return out
}

// better orders two copies holding the same next key: a primary before a
// secondary, then anyone before the peer to avoid, then the copy reaching
// further.
func better(a, b candidate, avoid cluster.PeerID) bool {
	if pa, pb := isPrimary(a.act.State), isPrimary(b.act.State); pa != pb {
		return pa
	}
	if aa, ab := a.peer == avoid, b.peer == avoid; aa != ab {
		return ab
	}
	ea, eb := a.act.Range, b.act.Range
	if ea.End != eb.End {
		return ea.Unbounded() || (!eb.Unbounded() && ea.End > eb.End)
	}
	return a.peer.Less(b.peer)
}

// pickSources covers rng with copies of overlapping ranges, walking from its
// start and taking the best copy holding the next key each time. It fails
// if some key of rng is held by no reachable copy.
func (r *Reactor) pickSources(rng blueprint.KeyRange, dir Directory, avoid cluster.PeerID) ([]*part, bool) {
	cands := r.candidates(rng, dir)
	var parts []*part
	pos := rng.Start
	for {
		var (
			best  candidate
			found bool
		)
		for _, c := range cands {
			if c.act.Range.Contains(pos) && (!found || better(c, best, avoid)) {
				best, found = c, true
			}
		}
		if !found {
			return nil, false
		}
		keys, _ := best.act.Range.Intersect(rng)
		parts = append(parts, &part{source: best.peer, from: best.act.Range, keys: keys, to: best.act.Backfill})
		if keys.End == rng.End {
			return parts, true
		}
		pos = keys.End
	}
}

// canServe reports whether peer still offers a complete copy of rng to
// read from.
func (r *Reactor) canServe(peer cluster.PeerID, rng blueprint.KeyRange, dir Directory) bool {
	if peer == r.me {
		rep, ok := r.replicas[rng]
		return ok && isSource(rep.State())
	}
	e, ok := dir[peer]
	return ok && isSource(e.Value.StateOf(rng)) && r.session.IsConnected(peer)
}

// canBootstrap reports whether a range may start from an empty store: every
// peer with a role for it has published a card, no other peer advertises
// it, and no copy of an overlapping range is left anywhere.
func (r *Reactor) canBootstrap(a blueprint.Assignment, dir Directory) bool {
	for p, role := range a.Roles {
		if role == blueprint.RoleNothing {
			continue
		}
		if _, ok := dir[p]; !ok {
			return false
		}
	}
	for other, rep := range r.replicas {
		if other != a.Range && other.Overlaps(a.Range) && isSource(rep.State()) {
			return false
		}
	}
	for p, e := range dir {
		if p == r.me {
			continue
		}
		for _, act := range e.Value.Activities {
			if act.Range == a.Range || (act.Range.Overlaps(a.Range) && isSource(act.State)) {
				return false
			}
		}
	}
	return true
}

func sortedPeers(dir Directory) []cluster.PeerID {
	out := make([]cluster.PeerID, 0, len(dir))
	for p := range dir {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (r *Reactor) provision(rng blueprint.KeyRange) *replica {
	store, err := r.cfg.Provisioner.Provision(r.cfg.Namespace, rng)
	if err != nil {
		r.fatal(fmt.Errorf("provision %s: %w", rng, err))
		return nil
	}
	rep := &replica{
		rng:     rng,
		shard:   shard.New(rng, store),
		targets: make(map[target]mailbox.Addr[ReplicateRequest]),
	}
	rep.read = mailbox.NewTyped(r.mgr, func(req ReadRequest) { r.serveRead(rep, req) })
	rep.write = mailbox.NewTyped(r.mgr, func(req WriteRequest) { r.serveWrite(rep, req) })
	rep.replicate = mailbox.NewTyped(r.mgr, func(req ReplicateRequest) { r.serveReplicate(rep, req) })
	rep.backfill = mailbox.NewTyped(r.mgr, func(req BackfillRequest) { r.serveBackfill(rep, req) })
	r.replicas[rng] = rep
	return rep
}

// shed drops a replica we no longer have a role for and releases its
// storage.
func (r *Reactor) shed(rep *replica) {
	if rep.attempt != nil {
		rep.attempt.stop(cluster.NilPeer, fmt.Errorf("%w: range shed", ErrBackfillAborted))
	}
	rep.destroyMailboxes()
	r.setState(rep, StateNothing)
	rep.mu.Lock()
	rep.closed = true
	rep.mu.Unlock()
	delete(r.replicas, rep.rng)
	if err := r.cfg.Provisioner.Release(r.cfg.Namespace, rep.rng); err != nil {
		r.fatal(fmt.Errorf("release %s: %w", rep.rng, err))
	}
}

func (r *Reactor) setState(rep *replica, to State) {
	rep.mu.Lock()
	from := rep.state
	rep.state = to
	rep.mu.Unlock()
	if from == to {
		return
	}
	metrics.ReactorTransitions.WithLabelValues(from.String(), to.String()).Inc()
	r.logger.Info("state changed",
		zap.Stringer("range", rep.rng),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}

func (r *Reactor) publish() {
	card := BusinessCard{Activities: make([]Activity, 0, len(r.replicas))}
	for _, rep := range r.replicas {
		card.Activities = append(card.Activities, rep.activity())
	}
	sortActivities(card.Activities)
	if !card.equal(r.cfg.Publish.Get()) {
		r.cfg.Publish.Set(card)
	}
}

// storageFailure hands unexpected storage errors to Fatal. It reports
// whether err was one.
func (r *Reactor) storageFailure(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, storage.ErrKeyNotFound),
		errors.Is(err, storage.ErrClosed),
		errors.Is(err, shard.ErrOutOfRange):
		return false
	}
	r.fatal(err)
	return true
}
