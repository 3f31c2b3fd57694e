package reactor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/dreamware/strata/internal/blueprint"
	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/mailbox"
	"github.com/dreamware/strata/internal/metrics"
	"github.com/dreamware/strata/internal/storage"
)

// part is the share of a backfill served by one source: the keys of the
// replica's range that fall inside one of the source's ranges.
type part struct {
	source cluster.PeerID
	from   blueprint.KeyRange // the source's range
	keys   blueprint.KeyRange
	to     mailbox.Addr[BackfillRequest]

	got  int // runBackfill only
	done bool
}

// attempt is one try at filling a replica. The parts tile the replica's
// range.
type attempt struct {
	parts  []*part
	box    *mailbox.Typed[BackfillChunk]
	chunks chan BackfillChunk

	once    sync.Once
	abort   chan struct{}
	cause   error
	culprit cluster.PeerID

	done chan struct{} // closed when the attempt's goroutine returns
}

// stop abandons the attempt, blaming culprit if it is not nil. Only the
// first call counts.
func (at *attempt) stop(culprit cluster.PeerID, cause error) {
	at.once.Do(func() {
		at.culprit, at.cause = culprit, cause
		close(at.abort)
	})
}

// uses reports whether peer serves any part of the attempt.
func (at *attempt) uses(peer cluster.PeerID) bool {
	for _, p := range at.parts {
		if p.source == peer {
			return true
		}
	}
	return false
}

func (at *attempt) part(keys blueprint.KeyRange) *part {
	for _, p := range at.parts {
		if p.keys == keys {
			return p
		}
	}
	return nil
}

func (at *attempt) describe() []string {
	out := make([]string, len(at.parts))
	for i, p := range at.parts {
		out[i] = p.keys.String() + "@" + p.source.Short()
	}
	return out
}

type backfillResult struct {
	rep    *replica
	at     *attempt
	keys   int
	bytes  int
	failed cluster.PeerID
	err    error
}

// startBackfill clears the replica and asks every source for its share of
// the range. Replicated writes are held back until the copy is complete.
func (r *Reactor) startBackfill(rep *replica, parts []*part) {
	rep.shard.Hold()
	if _, err := rep.shard.Clear(); err != nil {
		rep.shard.Discard()
		r.storageFailure(err)
		return
	}

	at := &attempt{
		parts:  parts,
		chunks: make(chan BackfillChunk, 16),
		abort:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	at.box = mailbox.NewTyped(r.mgr, func(c BackfillChunk) {
		select {
		case at.chunks <- c:
		case <-at.done:
		}
	})
	rep.attempt = at
	r.logger.Info("backfill started",
		zap.Stringer("range", rep.rng), zap.Strings("sources", at.describe()))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res := r.runBackfill(rep, at)
		close(at.done)
		select {
		case r.results <- res:
		case <-r.ctx.Done():
		}
	}()
}

func (r *Reactor) runBackfill(rep *replica, at *attempt) backfillResult {
	res := backfillResult{rep: rep, at: at}
	for _, p := range at.parts {
		req := BackfillRequest{
			Requester: r.me,
			Range:     p.keys,
			Replicate: rep.replicate.Addr(),
			Reply:     at.box.Addr(),
		}
		if err := mailbox.Send(r.mgr, p.to, req); err != nil {
			res.failed, res.err = p.source, fmt.Errorf("%w: %v", ErrBackfillAborted, err)
			return res
		}
	}

	remaining := len(at.parts)
	timer := r.clock.Timer(r.cfg.BackfillTimeout)
	defer timer.Stop()
	for {
		select {
		case <-r.ctx.Done():
			res.err = ErrClosed
			return res
		case <-at.abort:
			res.failed, res.err = at.culprit, at.cause
			return res
		case <-timer.C:
			for _, p := range at.parts {
				if !p.done {
					res.failed = p.source
					break
				}
			}
			res.err = fmt.Errorf("%w: nothing from %s for %s", ErrBackfillAborted, res.failed.Short(), r.cfg.BackfillTimeout)
			return res
		case c := <-at.chunks:
			p := at.part(c.Range)
			if p == nil || p.done {
				continue
			}
			if c.Err != "" {
				res.failed = p.source
				res.err = fmt.Errorf("%w: source %s: %s", ErrBackfillAborted, p.source.Short(), c.Err)
				return res
			}
			for _, kv := range c.Pairs {
				if err := rep.shard.Put(kv.Key, kv.Value); err != nil {
					if !r.storageFailure(err) {
						err = fmt.Errorf("%w: %v", ErrBackfillAborted, err)
					}
					res.err = err
					return res
				}
				res.bytes += len(kv.Key) + len(kv.Value)
			}
			p.got += len(c.Pairs)
			res.keys += len(c.Pairs)
			metrics.BackfillKeys.Add(float64(len(c.Pairs)))
			if c.Done {
				if p.got != c.Total {
					res.failed = p.source
					res.err = fmt.Errorf("%w: received %d of %d keys of %s", ErrBackfillAborted, p.got, c.Total, p.keys)
					return res
				}
				p.done = true
				if remaining--; remaining == 0 {
					return res
				}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.cfg.BackfillTimeout)
		}
	}
}

// finishBackfill runs on the event loop once an attempt's goroutine is done.
func (r *Reactor) finishBackfill(res backfillResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := res.rep
	if r.closed || r.replicas[rep.rng] != rep || rep.attempt != res.at {
		res.at.box.Destroy()
		return
	}
	rep.attempt = nil
	res.at.box.Destroy()

	if res.err != nil {
		rep.shard.Discard()
		if !res.failed.IsNil() {
			rep.lastFailed = res.failed
		}
		r.logger.Warn("backfill failed",
			zap.Stringer("range", rep.rng),
			zap.Strings("sources", res.at.describe()),
			zap.Error(res.err))
		return
	}
	n, err := rep.shard.Flush()
	if err != nil {
		rep.shard.Discard()
		r.storageFailure(err)
		return
	}
	rep.lastFailed = cluster.NilPeer
	r.logger.Info("backfill complete",
		zap.Stringer("range", rep.rng),
		zap.Strings("sources", res.at.describe()),
		zap.String("keys", humanize.Comma(int64(res.keys))),
		zap.String("size", humanize.Bytes(uint64(res.bytes))),
		zap.Int("replayed", n))
	r.setState(rep, StateSecondaryUpToDate)
	r.publish()
}

// serveBackfill streams a snapshot of the requested keys to the requester.
// A primary first registers the requester for replication of those keys,
// under the write lock, so every write is either in the snapshot or
// replicated after it.
func (r *Reactor) serveBackfill(rep *replica, req BackfillRequest) {
	fail := func(msg string) {
		c := BackfillChunk{Range: req.Range, Done: true, Err: msg}
		if err := mailbox.Send(r.mgr, req.Reply, c); err != nil {
			r.logger.Debug("backfill refusal not sent", zap.Error(err))
		}
	}

	rep.mu.Lock()
	if rep.closed || !rep.state.Serving() {
		st := rep.state
		rep.mu.Unlock()
		fail(fmt.Sprintf("%s is %s here", rep.rng, st))
		return
	}
	keys, ok := rep.rng.Intersect(req.Range)
	if !ok {
		rep.mu.Unlock()
		fail(fmt.Sprintf("%s does not overlap %s", req.Range, rep.rng))
		return
	}
	if rep.state == StatePrimary && !req.Replicate.IsNil() {
		rep.targets[target{peer: req.Requester, keys: keys}] = req.Replicate
	}
	var pairs []Pair
	err := rep.shard.ScanRange(keys, func(k string, v []byte) error {
		pairs = append(pairs, Pair{Key: k, Value: v})
		return nil
	})
	rep.mu.Unlock()
	if err != nil {
		if errors.Is(err, storage.ErrClosed) || !r.storageFailure(err) {
			fail(err.Error())
		}
		return
	}

	r.logger.Debug("serving backfill",
		zap.Stringer("range", keys),
		zap.String("requester", req.Requester.Short()),
		zap.Int("keys", len(pairs)))
	size := r.cfg.ChunkSize
	for start := 0; ; start += size {
		end := min(start+size, len(pairs))
		c := BackfillChunk{Range: req.Range, Pairs: pairs[start:end], Done: end == len(pairs), Total: len(pairs)}
		if err := mailbox.Send(r.mgr, req.Reply, c); err != nil {
			r.logger.Debug("backfill stream interrupted", zap.Error(err))
			return
		}
		if c.Done {
			return
		}
	}
}

// Backfilling reports whether an attempt is running for any replica.
func (r *Reactor) Backfilling() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range r.replicas {
		if rep.attempt != nil {
			return true
		}
	}
	return false
}
