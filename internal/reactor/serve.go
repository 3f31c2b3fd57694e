package reactor

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/strata/internal/blueprint"
	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/extproc"
	"github.com/dreamware/strata/internal/mailbox"
	"github.com/dreamware/strata/internal/shard"
	"github.com/dreamware/strata/internal/storage"
)

// serving returns the replica's state, or false if it has been closed.
func (rep *replica) serving() (State, bool) {
	rep.mu.Lock()
	defer rep.mu.Unlock()
	return rep.state, !rep.closed
}

func (r *Reactor) reply(to mailbox.Addr[Response], resp Response) {
	if to.IsNil() {
		return
	}
	if err := mailbox.Send(r.mgr, to, resp); err != nil {
		r.logger.Debug("reply not sent", zap.String("request", resp.ID), zap.Error(err))
	}
}

func notServing(resp Response, rep *replica, st State) Response {
	resp.Code = CodeNotServing
	resp.Err = fmt.Sprintf("%s is %s here", rep.rng, st)
	return resp
}

// fill completes resp from the outcome of a store operation.
func (r *Reactor) fill(resp Response, value []byte, err error) Response {
	switch {
	case err == nil:
		resp.Found, resp.Value = true, value
	case errors.Is(err, storage.ErrKeyNotFound):
	case errors.Is(err, shard.ErrOutOfRange):
		resp.Code, resp.Err = CodeInvalid, err.Error()
	case errors.Is(err, storage.ErrClosed):
		resp.Code, resp.Err = CodeNotServing, err.Error()
	default:
		r.storageFailure(err)
		resp.Code, resp.Err = CodeInternal, err.Error()
	}
	return resp
}

func (r *Reactor) serveRead(rep *replica, req ReadRequest) {
	resp := Response{ID: req.ID}
	if st, ok := rep.serving(); !ok || !st.Serving() {
		r.reply(req.Reply, notServing(resp, rep, st))
		return
	}
	v, err := rep.shard.Get(req.Key)
	r.reply(req.Reply, r.fill(resp, v, err))
}

func (r *Reactor) serveWrite(rep *replica, req WriteRequest) {
	resp := Response{ID: req.ID}
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if rep.closed || rep.state != StatePrimary {
		r.reply(req.Reply, notServing(resp, rep, rep.state))
		return
	}
	if !rep.shard.OwnsKey(req.Key) {
		r.reply(req.Reply, r.fill(resp, nil, fmt.Errorf("%w: %q not in %s", shard.ErrOutOfRange, req.Key, rep.rng)))
		return
	}

	w := shard.Write{Key: req.Key, Value: req.Value, Delete: req.Delete}
	if req.Script != "" {
		current, err := rep.shard.Get(req.Key)
		if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
			r.reply(req.Reply, r.fill(resp, nil, err))
			return
		}
		if w, err = r.runScript(req.Key, current, err == nil, req.Script); err != nil {
			resp.Code, resp.Err = CodeScript, err.Error()
			r.reply(req.Reply, resp)
			return
		}
	}

	err := rep.shard.Apply(w)
	if errors.Is(err, storage.ErrKeyNotFound) {
		err = nil
	}
	if err != nil {
		r.reply(req.Reply, r.fill(resp, nil, err))
		return
	}
	r.replicateWrite(rep, w)

	resp.Found = !w.Delete
	resp.Value = w.Value
	r.reply(req.Reply, resp)
}

// target is a replica that receives the primary's writes to keys.
type target struct {
	peer cluster.PeerID
	keys blueprint.KeyRange
}

// replicateWrite sends w to every secondary holding its key: those in the
// directory, whatever their range, and those that registered through a
// backfill request. Callers hold rep.mu.
func (r *Reactor) replicateWrite(rep *replica, w shard.Write) {
	targets := make(map[target]mailbox.Addr[ReplicateRequest], len(rep.targets))
	for p, e := range r.cfg.Directory.Get() {
		for _, act := range e.Value.Activities {
			if !act.State.Secondary() || !act.Range.Contains(w.Key) || (p == r.me && act.Range == rep.rng) {
				continue
			}
			targets[target{peer: p, keys: act.Range}] = act.Replicate
		}
	}
	for t, addr := range rep.targets {
		if t.keys.Contains(w.Key) {
			targets[t] = addr
		}
	}
	sent := make(map[mailbox.Addr[ReplicateRequest]]bool, len(targets))
	for t, addr := range targets {
		if sent[addr] {
			continue
		}
		sent[addr] = true
		if err := mailbox.Send(r.mgr, addr, ReplicateRequest{Write: w}); err != nil {
			r.logger.Debug("replication not sent", zap.String("peer", t.peer.Short()), zap.Error(err))
		}
	}
}

func (r *Reactor) serveReplicate(rep *replica, req ReplicateRequest) {
	if st, ok := rep.serving(); !ok || !st.Secondary() {
		r.logger.Debug("dropping replicated write",
			zap.Stringer("range", rep.rng), zap.Stringer("state", st))
		return
	}
	if !rep.shard.OwnsKey(req.Write.Key) {
		r.logger.Debug("dropping replicated write outside range",
			zap.Stringer("range", rep.rng), zap.String("key", req.Write.Key))
		return
	}
	err := rep.shard.Replicate(req.Write)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return
	}
	r.storageFailure(err)
}

// runScript computes the write produced by running source on the current
// value of key. The script sees the value as a string, or undefined when
// the key is missing; returning undefined deletes the key.
func (r *Reactor) runScript(key string, current []byte, found bool, source string) (shard.Write, error) {
	if r.scripts == nil {
		return shard.Write{}, errors.New("scripts are disabled")
	}
	var arg any
	if found {
		arg = string(current)
	}
	id, err := r.compile(source)
	if err != nil {
		return shard.Write{}, err
	}
	out, err := r.cfg.Scripts.Call(r.ctx, id, []any{arg}, nil)
	if err != nil {
		return shard.Write{}, err
	}
	switch out := out.(type) {
	case nil:
		return shard.Write{Key: key, Delete: true}, nil
	case string:
		return shard.Write{Key: key, Value: []byte(out)}, nil
	case []byte:
		return shard.Write{Key: key, Value: out}, nil
	default:
		return shard.Write{}, fmt.Errorf("script returned %T, want string, bytes or undefined", out)
	}
}

func (r *Reactor) compile(source string) (extproc.ID, error) {
	r.scriptMu.Lock()
	defer r.scriptMu.Unlock()
	if id, ok := r.scripts.Get(source); ok {
		return id, nil
	}
	id, err := r.cfg.Scripts.Compile([]string{"value"}, source)
	if err != nil {
		return id, err
	}
	r.scripts.Add(source, id)
	return id, nil
}
