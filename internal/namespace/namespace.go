// Package namespace is the client side of a namespace: it routes each key
// to a replica advertising the right state for the key's range and waits
// for the answer.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/dreamware/strata/internal/blueprint"
	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/mailbox"
	"github.com/dreamware/strata/internal/metrics"
	"github.com/dreamware/strata/internal/reactor"
	"github.com/dreamware/strata/internal/watchable"
)

var (
	// ErrNoReplica means no connected peer currently serves the key's range
	// for the operation. It is retryable.
	ErrNoReplica = errors.New("no replica available")
	// ErrPeerLost means the peer handling a request disconnected before it
	// answered. It is retryable; a write may or may not have been applied.
	ErrPeerLost = errors.New("peer lost before answering")
	// ErrNoReply means a connected peer did not answer within the reply
	// timeout, usually because the mailbox it advertised is gone. It is
	// retryable; a write may or may not have been applied.
	ErrNoReply = errors.New("no reply from peer")
)

// DefaultReplyTimeout bounds the wait for one answer.
const DefaultReplyTimeout = 3 * time.Second

// Op is the kind of access a request needs.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// RequestError is a failure reported by the replica that handled a request.
type RequestError struct {
	Code reactor.Code
	Msg  string
}

func (e *RequestError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Msg) }

// IsRetryable reports whether err is worth retrying once the cluster has
// had time to converge.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrNoReplica) || errors.Is(err, ErrPeerLost) || errors.Is(err, ErrNoReply) {
		return true
	}
	var re *RequestError
	return errors.As(err, &re) && re.Code == reactor.CodeNotServing
}

// Interface reads and writes one namespace.
type Interface struct {
	mgr       *mailbox.Manager
	session   *cluster.Session
	blueprint *watchable.Value[blueprint.Blueprint]
	directory *watchable.Value[reactor.Directory]
	logger    *zap.Logger

	replyTimeout time.Duration
}

// Option adjusts an Interface.
type Option func(*Interface)

// WithReplyTimeout sets how long a request waits for its answer before
// failing with ErrNoReply. Zero or less keeps DefaultReplyTimeout.
func WithReplyTimeout(d time.Duration) Option {
	return func(n *Interface) {
		if d > 0 {
			n.replyTimeout = d
		}
	}
}

func New(mgr *mailbox.Manager, bp *watchable.Value[blueprint.Blueprint], dir *watchable.Value[reactor.Directory], logger *zap.Logger, opts ...Option) *Interface {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Interface{
		mgr:          mgr,
		session:      mgr.Session(),
		blueprint:    bp,
		directory:    dir,
		logger:       logger.Named("namespace"),
		replyTimeout: DefaultReplyTimeout,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Route picks the peer to send a request for key to. Writes go to the
// primary; reads go to any serving replica, this peer's own first.
func (n *Interface) Route(key string, op Op) (cluster.PeerID, reactor.Activity, error) {
	a, ok := n.blueprint.Get().RangeFor(key)
	if !ok {
		metrics.RoutingFailures.WithLabelValues(op.String()).Inc()
		return cluster.NilPeer, reactor.Activity{}, fmt.Errorf("%w: no range holds %q", ErrNoReplica, key)
	}
	want := reactor.State.Serving
	if op == OpWrite {
		want = func(s reactor.State) bool { return s == reactor.StatePrimary }
	}
	dir := n.directory.Get()
	peers := reactor.Advertisers(dir, a.Range, want)
	me := n.session.Me()
	for _, p := range peers {
		if p == me {
			act, _ := dir[p].Value.Find(a.Range)
			return p, act, nil
		}
	}
	for _, p := range peers {
		if n.session.IsConnected(p) {
			act, _ := dir[p].Value.Find(a.Range)
			return p, act, nil
		}
	}
	metrics.RoutingFailures.WithLabelValues(op.String()).Inc()
	return cluster.NilPeer, reactor.Activity{}, fmt.Errorf("%w: %s for %s", ErrNoReplica, op, a.Range)
}

// Read returns the value of key and whether it exists.
func (n *Interface) Read(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := n.do(ctx, OpRead, key, func(act reactor.Activity, id string, reply mailbox.Addr[reactor.Response]) error {
		return mailbox.Send(n.mgr, act.Read, reactor.ReadRequest{ID: id, Key: key, Reply: reply})
	})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

// Write sets key to value.
func (n *Interface) Write(ctx context.Context, key string, value []byte) error {
	return n.write(ctx, reactor.WriteRequest{Key: key, Value: value})
}

// Delete removes key. Deleting a missing key is not an error.
func (n *Interface) Delete(ctx context.Context, key string) error {
	return n.write(ctx, reactor.WriteRequest{Key: key, Delete: true})
}

// Update replaces the value of key with the result of script, which sees
// the current value as value (undefined if missing). It returns the new
// value, or false if the script deleted the key.
func (n *Interface) Update(ctx context.Context, key, script string) ([]byte, bool, error) {
	if script == "" {
		return nil, false, errors.New("empty script")
	}
	resp, err := n.do(ctx, OpWrite, key, func(act reactor.Activity, id string, reply mailbox.Addr[reactor.Response]) error {
		req := reactor.WriteRequest{ID: id, Key: key, Script: script, Reply: reply}
		return mailbox.Send(n.mgr, act.Write, req)
	})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

func (n *Interface) write(ctx context.Context, req reactor.WriteRequest) error {
	_, err := n.do(ctx, OpWrite, req.Key, func(act reactor.Activity, id string, reply mailbox.Addr[reactor.Response]) error {
		req.ID, req.Reply = id, reply
		return mailbox.Send(n.mgr, act.Write, req)
	})
	return err
}

// do routes a request, sends it with a fresh reply mailbox and waits for
// the answer, the target's disconnection, the reply timeout or ctx.
func (n *Interface) do(ctx context.Context, op Op, key string, send func(reactor.Activity, string, mailbox.Addr[reactor.Response]) error) (reactor.Response, error) {
	id := xid.New().String()
	peer, act, err := n.Route(key, op)
	if err != nil {
		return reactor.Response{}, err
	}
	logger := n.logger.With(zap.String("request", id), zap.String("peer", peer.Short()))

	replies := make(chan reactor.Response, 1)
	box := mailbox.NewTyped(n.mgr, func(resp reactor.Response) {
		select {
		case replies <- resp:
		default:
		}
	})
	defer box.Destroy()

	lost := make(chan struct{})
	var once sync.Once
	unsub := n.session.Subscribe(cluster.Events{OnDisconnect: func(p cluster.PeerID) {
		if p == peer {
			once.Do(func() { close(lost) })
		}
	}})
	defer unsub()
	if !n.session.IsConnected(peer) {
		return reactor.Response{}, fmt.Errorf("%w: %s", ErrPeerLost, peer.Short())
	}

	if err := send(act, id, box.Addr()); err != nil {
		return reactor.Response{}, fmt.Errorf("send %s to %s: %w", op, peer.Short(), err)
	}
	timer := time.NewTimer(n.replyTimeout)
	defer timer.Stop()
	select {
	case resp := <-replies:
		if resp.Code != reactor.CodeOK {
			logger.Debug("request failed", zap.Stringer("code", resp.Code), zap.String("err", resp.Err))
			return resp, &RequestError{Code: resp.Code, Msg: resp.Err}
		}
		return resp, nil
	case <-lost:
		logger.Debug("peer lost")
		return reactor.Response{}, fmt.Errorf("%w: %s", ErrPeerLost, peer.Short())
	case <-timer.C:
		logger.Debug("no reply", zap.Duration("timeout", n.replyTimeout))
		return reactor.Response{}, fmt.Errorf("%w: %s after %s", ErrNoReply, peer.Short(), n.replyTimeout)
	case <-ctx.Done():
		return reactor.Response{}, ctx.Err()
	}
}

// WithRetry calls fn until it succeeds, fails with an error that is not
// retryable, or ctx is done. Retries back off exponentially.
func WithRetry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))
	return err
}
