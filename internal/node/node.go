// Package node assembles one strata peer: the connectivity session, the
// mailbox manager, the directory exchange of business cards, the reactor
// and a namespace interface bound to the local blueprint and directory.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/strata/internal/blueprint"
	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/directory"
	"github.com/dreamware/strata/internal/extproc"
	"github.com/dreamware/strata/internal/mailbox"
	"github.com/dreamware/strata/internal/namespace"
	"github.com/dreamware/strata/internal/reactor"
	"github.com/dreamware/strata/internal/shard"
	"github.com/dreamware/strata/internal/storage"
	"github.com/dreamware/strata/internal/watchable"
)

// Config configures a Peer.
type Config struct {
	Session     cluster.SessionConfig
	Namespace   storage.NamespaceID
	Provisioner storage.Provisioner
	// Scripts configures the update script runner. Nil disables scripts.
	Scripts *extproc.Config
	// Blueprint is the placement to start with. The zero value places
	// nothing until SetBlueprint is called.
	Blueprint blueprint.Blueprint

	ChunkSize       int
	BackfillTimeout time.Duration
	// ReplyTimeout bounds the wait for each namespace request's answer.
	ReplyTimeout time.Duration
	// Fatal is called on storage failure. Defaults to logging and exiting.
	Fatal func(error)
}

// Peer is a running strata peer.
type Peer struct {
	Session   *cluster.Session
	Mailboxes *mailbox.Manager
	Blueprint *watchable.Value[blueprint.Blueprint]
	Card      *watchable.Value[reactor.BusinessCard]
	Reactor   *reactor.Reactor
	Namespace *namespace.Interface

	namespace storage.NamespaceID
	reader    *directory.ReadManager[reactor.BusinessCard]
	writer    *directory.WriteManager[reactor.BusinessCard]
	logger    *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// New builds a peer and binds its listener. Nothing runs until Run.
func New(cfg Config, logger *zap.Logger) (*Peer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Provisioner == nil {
		return nil, errors.New("node: no storage provisioner")
	}
	if len(cfg.Blueprint.Ranges) > 0 {
		if err := cfg.Blueprint.Validate(); err != nil {
			return nil, fmt.Errorf("node: initial blueprint: %w", err)
		}
	}

	session, err := cluster.NewSession(cfg.Session, logger)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("peer", session.Me().Short()))

	p := &Peer{
		Session:   session,
		Mailboxes: mailbox.NewManager(session, logger),
		Blueprint: watchable.New(cfg.Blueprint),
		Card:      watchable.New(reactor.BusinessCard{}),
		namespace: cfg.Namespace,
		logger:    logger.Named("node"),
	}
	fail := func(err error) (*Peer, error) {
		return nil, multierr.Append(err, p.Close())
	}

	if p.reader, err = directory.NewReadManager[reactor.BusinessCard](p.Mailboxes, logger); err != nil {
		return fail(err)
	}
	if p.writer, err = directory.NewWriteManager(p.Mailboxes, p.Card, logger); err != nil {
		return fail(err)
	}

	var scripts *extproc.Runner
	if cfg.Scripts != nil {
		scripts = extproc.NewRunner(*cfg.Scripts, logger)
	}
	p.Reactor, err = reactor.New(reactor.Config{
		Mailboxes:       p.Mailboxes,
		Namespace:       cfg.Namespace,
		Provisioner:     cfg.Provisioner,
		Blueprint:       p.Blueprint,
		Directory:       p.reader.View(),
		Publish:         p.Card,
		Scripts:         scripts,
		Logger:          logger,
		Fatal:           cfg.Fatal,
		Clock:           cfg.Session.Clock,
		ChunkSize:       cfg.ChunkSize,
		BackfillTimeout: cfg.BackfillTimeout,
	})
	if err != nil {
		return fail(err)
	}
	p.Namespace = namespace.New(p.Mailboxes, p.Blueprint, p.reader.View(), logger,
		namespace.WithReplyTimeout(cfg.ReplyTimeout))
	return p, nil
}

// ID returns the peer's id.
func (p *Peer) ID() cluster.PeerID { return p.Session.Me() }

// Directory returns the current view of every peer's business card.
func (p *Peer) Directory() reactor.Directory { return p.reader.View().Get() }

// DirectoryView is the watchable form of Directory.
func (p *Peer) DirectoryView() *watchable.Value[reactor.Directory] { return p.reader.View() }

// Join connects to the peers at addrs.
func (p *Peer) Join(ctx context.Context, addrs ...cluster.PeerAddress) error {
	_, err := p.Session.Join(ctx, addrs...)
	return err
}

// SetBlueprint validates bp and makes it the desired placement.
func (p *Peer) SetBlueprint(bp blueprint.Blueprint) error {
	if err := bp.Validate(); err != nil {
		return err
	}
	p.Blueprint.Set(bp)
	p.logger.Info("blueprint changed", zap.String("blueprint", bp.Describe()))
	return nil
}

// Satisfied reports whether the directory shows every peer in the state
// the blueprint asks of it.
func (p *Peer) Satisfied() bool {
	return reactor.Satisfied(p.Blueprint.Get(), p.Directory())
}

// Run runs the session and the reactor until ctx is cancelled or either
// fails, then closes the peer.
func (p *Peer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Session.Run(ctx) })
	g.Go(func() error { return p.Reactor.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		return p.Close()
	})
	return g.Wait()
}

// Close stops the reactor, then the directory exchange, then the session.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		if p.Reactor != nil {
			p.closeErr = multierr.Append(p.closeErr, p.Reactor.Close())
		}
		if p.writer != nil {
			p.writer.Close()
		}
		if p.reader != nil {
			p.reader.Close()
		}
		p.closeErr = multierr.Append(p.closeErr, p.Session.Close())
	})
	return p.closeErr
}

// Info is what /info reports about a peer.
type Info struct {
	ID        cluster.PeerID       `json:"id"`
	Address   string               `json:"address"`
	Namespace string               `json:"namespace"`
	Peers     []cluster.PeerInfo   `json:"peers"`
	Card      reactor.BusinessCard `json:"card"`
	Shards    []shard.ShardInfo    `json:"shards"`
	Satisfied bool                 `json:"satisfied"`
}

func (p *Peer) Info() Info {
	return Info{
		ID:        p.ID(),
		Address:   p.Session.Address().String(),
		Namespace: p.namespace.String(),
		Peers:     p.Session.PeerInfos(),
		Card:      p.Card.Get(),
		Shards:    p.Reactor.Shards(),
		Satisfied: p.Satisfied(),
	}
}
