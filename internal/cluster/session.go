package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/xid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/strata/internal/metrics"
	"github.com/dreamware/strata/internal/wire"
)

// Handler consumes the payload of one frame carrying its registered tag.
// Returning a *ProtocolError drops the connection the frame arrived on.
type Handler func(from PeerID, version wire.Version, payload []byte) error

// Events are connectivity notifications. Callbacks run one at a time on the
// session's event goroutine, in the order the transitions happened.
type Events struct {
	OnConnect    func(PeerID)
	OnDisconnect func(PeerID)
}

// SessionConfig configures a Session. Zero fields take the defaults of
// DefaultSessionConfig.
type SessionConfig struct {
	// ID pins the peer id. The nil id mints a fresh one.
	ID PeerID
	// Listen is the local TCP address, e.g. "127.0.0.1:0".
	Listen string
	// Advertise overrides the address other peers use to reach us.
	Advertise string
	// Build is this process's semantic version, sent in the handshake.
	Build string
	// Compatible is a semver constraint remote builds must satisfy.
	// Empty accepts any build.
	Compatible string

	MinVersion wire.Version
	MaxVersion wire.Version

	HeartbeatInterval time.Duration
	HeartbeatFailures int
	ReconnectInterval time.Duration
	DialTimeout       time.Duration
	AddressBookSize   int

	Clock clock.Clock
}

// DefaultSessionConfig returns the configuration used for unset fields.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Listen:            "127.0.0.1:0",
		Build:             "0.1.0",
		MinVersion:        wire.MinVersion,
		MaxVersion:        wire.MaxVersion,
		HeartbeatInterval: time.Second,
		HeartbeatFailures: 5,
		ReconnectInterval: 2 * time.Second,
		DialTimeout:       5 * time.Second,
		AddressBookSize:   1024,
		Clock:             clock.New(),
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Build == "" {
		c.Build = d.Build
	}
	if c.MinVersion == 0 {
		c.MinVersion = d.MinVersion
	}
	if c.MaxVersion == 0 {
		c.MaxVersion = d.MaxVersion
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatFailures <= 0 {
		c.HeartbeatFailures = d.HeartbeatFailures
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.AddressBookSize <= 0 {
		c.AddressBookSize = d.AddressBookSize
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	return c
}

// Session manages the connections of one peer to the rest of the cluster.
//
// A Session:
//   - listens for inbound connections and dials the addresses passed to Join
//   - runs a handshake that assigns each remote a stable PeerID and
//     negotiates the protocol version for that connection
//   - learns further peers transitively from the peer lists its neighbours
//     send after the handshake
//   - delivers inbound frames to the Handler registered for their tag
//   - notifies subscribers of connects and disconnects
//
// Sends are best-effort. A frame queued for a peer that disconnects before
// it is written is dropped without an error.
type Session struct {
	cfg        SessionConfig
	logger     *zap.Logger
	me         PeerID
	inc        string
	ln         net.Listener
	addr       PeerAddress
	build      *semver.Version
	constraint *semver.Constraints
	book       *lru.Cache[PeerID, PeerAddress]

	mu       sync.RWMutex
	conns    map[PeerID]*conn
	handlers map[byte]Handler
	subs     map[uint64]Events
	nextSub  uint64
	dialing  map[string]struct{}
	closed   bool

	events   *serial
	loopback *serial

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession mints a peer id, unless one is configured, and starts listening. Call Run to accept
// connections and drive heartbeats.
func NewSession(cfg SessionConfig, logger *zap.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinVersion > cfg.MaxVersion || !cfg.MinVersion.Supported() || !cfg.MaxVersion.Supported() {
		return nil, fmt.Errorf("invalid protocol version range %s..%s", cfg.MinVersion, cfg.MaxVersion)
	}
	build, err := semver.NewVersion(cfg.Build)
	if err != nil {
		return nil, fmt.Errorf("invalid build version %q: %w", cfg.Build, err)
	}
	var constraint *semver.Constraints
	if cfg.Compatible != "" {
		constraint, err = semver.NewConstraint(cfg.Compatible)
		if err != nil {
			return nil, fmt.Errorf("invalid compatibility constraint %q: %w", cfg.Compatible, err)
		}
	}
	book, err := lru.New[PeerID, PeerAddress](cfg.AddressBookSize)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	addr, err := advertiseAddress(cfg.Advertise, ln.Addr())
	if err != nil {
		ln.Close()
		return nil, err
	}

	me := cfg.ID
	if me.IsNil() {
		me = NewPeerID()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		logger:     logger.Named("cluster").With(zap.String("me", me.Short())),
		me:         me,
		inc:        xid.New().String(),
		ln:         ln,
		addr:       addr,
		build:      build,
		constraint: constraint,
		book:       book,
		conns:      make(map[PeerID]*conn),
		handlers:   make(map[byte]Handler),
		subs:       make(map[uint64]Events),
		dialing:    make(map[string]struct{}),
		events:     newSerial(),
		loopback:   newSerial(),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.logger.Info("session listening", zap.Stringer("addr", addr))
	return s, nil
}

func advertiseAddress(advertise string, bound net.Addr) (PeerAddress, error) {
	if advertise != "" {
		return ParsePeerAddress(advertise)
	}
	tcp, ok := bound.(*net.TCPAddr)
	if !ok {
		return ParsePeerAddress(bound.String())
	}
	host := tcp.IP.String()
	if tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return PeerAddress{Host: host, Port: tcp.Port}, nil
}

// Me returns this session's peer id.
func (s *Session) Me() PeerID { return s.me }

// Address returns the address advertised to other peers.
func (s *Session) Address() PeerAddress { return s.addr }

// RegisterHandler installs h for frames carrying tag. Tags used by the
// session itself cannot be registered.
func (s *Session) RegisterHandler(tag byte, h Handler) {
	if tag == tagHeartbeat || tag == tagPeers {
		panic(fmt.Sprintf("cluster: tag %q is reserved", tag))
	}
	s.mu.Lock()
	s.handlers[tag] = h
	s.mu.Unlock()
}

// Subscribe registers connectivity callbacks and returns a function that
// removes them.
func (s *Session) Subscribe(ev Events) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ev
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Peers returns the ids of every connected peer, not including us.
func (s *Session) Peers() []PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerID, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// PeerInfos describes every connected peer.
func (s *Session) PeerInfos() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerInfo, 0, len(s.conns))
	for id, c := range s.conns {
		out = append(out, PeerInfo{ID: id, Addr: c.addr, Version: uint16(c.version)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// IsConnected reports whether peer is us or has a live connection.
func (s *Session) IsConnected(peer PeerID) bool {
	if peer == s.me {
		return true
	}
	s.mu.RLock()
	_, ok := s.conns[peer]
	s.mu.RUnlock()
	return ok
}

// Send queues payload for peer under version. Sending to ourselves goes
// through an ordered loopback queue.
func (s *Session) Send(peer PeerID, tag byte, version wire.Version, payload []byte) error {
	return s.SendFunc(peer, tag, func(negotiated wire.Version) ([]byte, error) {
		if version < s.cfg.MinVersion || version > negotiated {
			return nil, fmt.Errorf("%w: %s not usable with %s", wire.ErrUnsupportedVersion, version, peer.Short())
		}
		return payload, nil
	})
}

// SendFunc resolves peer's connection, lets encode serialize the payload for
// the version negotiated on it, and queues the frame.
//
// Returns:
//   - ErrUnknownPeer if peer has never been seen by this session
//   - ErrClosed after Close
//   - the error from encode, if any
//   - nil otherwise, including when peer is known but currently
//     disconnected, in which case the message is dropped
func (s *Session) SendFunc(peer PeerID, tag byte, encode func(wire.Version) ([]byte, error)) error {
	if peer == s.me {
		payload, err := encode(s.cfg.MaxVersion)
		if err != nil {
			return err
		}
		f := frame{tag: tag, version: s.cfg.MaxVersion, payload: payload}
		if !s.loopback.push(func() {
			if err := s.dispatch(s.me, f); err != nil {
				s.logger.Warn("loopback delivery failed", zap.Error(err))
			}
		}) {
			return ErrClosed
		}
		return nil
	}

	s.mu.RLock()
	c, ok := s.conns[peer]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		if s.book.Contains(peer) {
			metrics.MailboxDropped.WithLabelValues("peer_gone").Inc()
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	payload, err := encode(c.version)
	if err != nil {
		return err
	}
	c.enqueue(tag, c.version, payload)
	return nil
}

// Join dials every address that does not belong to an already connected
// peer and returns the ids of the peers reachable through addrs. Addresses
// that fail are reported in the returned error; the ids of the ones that
// succeeded are still returned.
func (s *Session) Join(ctx context.Context, addrs ...PeerAddress) ([]PeerID, error) {
	var (
		ids  []PeerID
		errs error
	)
	for _, addr := range addrs {
		if addr == s.addr {
			continue
		}
		if id, ok := s.peerAt(addr); ok {
			ids = append(ids, id)
			continue
		}
		id, err := s.dial(ctx, addr)
		switch {
		case errors.Is(err, ErrSelfConnect):
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("join %s: %w", addr, err))
		case !id.IsNil():
			ids = append(ids, id)
		}
	}
	return ids, errs
}

func (s *Session) peerAt(addr PeerAddress) (PeerID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.conns {
		if c.addr == addr {
			return id, true
		}
	}
	return NilPeer, false
}

func (s *Session) dial(ctx context.Context, addr PeerAddress) (PeerID, error) {
	key := addr.String()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return NilPeer, ErrClosed
	}
	if _, busy := s.dialing[key]; busy {
		s.mu.Unlock()
		return NilPeer, nil
	}
	s.dialing[key] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.dialing, key)
		s.mu.Unlock()
	}()

	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", key)
	if err != nil {
		return NilPeer, err
	}
	id, err := s.handshake(nc, true)
	if err != nil {
		nc.Close()
		return NilPeer, err
	}
	return id, nil
}

// handshake exchanges hellos on a fresh connection and, on success,
// registers it and starts its reader and writer.
func (s *Session) handshake(nc net.Conn, dialed bool) (PeerID, error) {
	_ = nc.SetDeadline(time.Now().Add(s.cfg.DialTimeout))
	err := writeHello(nc, hello{
		Peer:        s.me,
		Incarnation: s.inc,
		Addr:        s.addr,
		Build:       s.build.String(),
		Min:         s.cfg.MinVersion,
		Max:         s.cfg.MaxVersion,
	})
	if err != nil {
		return NilPeer, err
	}
	br := bufio.NewReader(nc)
	h, err := readHello(br)
	if err != nil {
		return NilPeer, err
	}
	switch {
	case h.Peer == s.me:
		return NilPeer, ErrSelfConnect
	case h.Peer.IsNil():
		return NilPeer, NewProtocolError(errors.New("hello without peer id"))
	}
	version, ok := wire.Negotiate(s.cfg.MinVersion, s.cfg.MaxVersion, h.Min, h.Max)
	if !ok {
		return NilPeer, fmt.Errorf("%w: versions %s..%s", ErrIncompatible, h.Min, h.Max)
	}
	if s.constraint != nil {
		v, err := semver.NewVersion(h.Build)
		if err != nil || !s.constraint.Check(v) {
			return NilPeer, fmt.Errorf("%w: build %q", ErrIncompatible, h.Build)
		}
	}
	_ = nc.SetDeadline(time.Time{})

	initiator := h.Peer
	if dialed {
		initiator = s.me
	}
	c := newConn(s, nc, h, version, initiator)
	if !s.addConn(c) {
		nc.Close()
		return h.Peer, nil
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer s.wg.Done()
		c.readLoop(br)
	}()
	s.sendPeerList(c)
	return h.Peer, nil
}

// addConn registers c. When a connection to the same process already
// exists, both sides keep the one initiated by the lesser peer id. A
// connection from a new incarnation of the peer always wins and is reported
// as a disconnect followed by a connect.
func (s *Session) addConn(c *conn) bool {
	lower := s.me
	if c.peer.Less(s.me) {
		lower = c.peer
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	existing := s.conns[c.peer]
	restarted := existing != nil && existing.inc != c.inc
	if existing != nil && !restarted && (existing.initiator == lower || c.initiator != lower) {
		s.mu.Unlock()
		return false
	}
	s.conns[c.peer] = c
	s.book.Add(c.peer, c.addr)
	s.mu.Unlock()

	if existing != nil {
		existing.close(nil)
		if !restarted {
			c.logger.Debug("replacing duplicate connection")
			return true
		}
		c.logger.Info("peer restarted, dropping its previous connection")
		s.emit(func(ev Events) {
			if ev.OnDisconnect != nil {
				ev.OnDisconnect(c.peer)
			}
		})
	} else {
		metrics.PeersConnected.Inc()
	}
	c.logger.Info("peer connected", zap.Stringer("version", c.version))
	s.emit(func(ev Events) {
		if ev.OnConnect != nil {
			ev.OnConnect(c.peer)
		}
	})
	return true
}

func (s *Session) removeConn(c *conn) {
	s.mu.Lock()
	if s.conns[c.peer] != c {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.peer)
	s.mu.Unlock()
	metrics.PeersConnected.Dec()
	s.emit(func(ev Events) {
		if ev.OnDisconnect != nil {
			ev.OnDisconnect(c.peer)
		}
	})
}

func (s *Session) emit(fn func(Events)) {
	s.events.push(func() {
		s.mu.RLock()
		subs := make([]Events, 0, len(s.subs))
		for _, ev := range s.subs {
			subs = append(subs, ev)
		}
		s.mu.RUnlock()
		for _, ev := range subs {
			fn(ev)
		}
	})
}

func (s *Session) sendPeerList(to *conn) {
	s.mu.RLock()
	msg := peersMessage{}
	for id, c := range s.conns {
		if id != to.peer {
			msg.Peers = append(msg.Peers, peerRecord{ID: id, Addr: c.addr})
		}
	}
	s.mu.RUnlock()
	payload, err := wire.Marshal(to.version, msg)
	if err != nil {
		s.logger.Error("encode peer list", zap.Error(err))
		return
	}
	to.enqueue(tagPeers, to.version, payload)
}

func (s *Session) dispatch(from PeerID, f frame) error {
	switch f.tag {
	case tagHeartbeat:
		return nil
	case tagPeers:
		var msg peersMessage
		if err := wire.Unmarshal(f.version, f.payload, &msg); err != nil {
			return NewProtocolError(fmt.Errorf("peer list: %w", err))
		}
		s.learn(msg.Peers)
		return nil
	}
	s.mu.RLock()
	h := s.handlers[f.tag]
	s.mu.RUnlock()
	if h == nil {
		return NewProtocolError(fmt.Errorf("no handler for tag %q", f.tag))
	}
	return h(from, f.version, f.payload)
}

// learn joins peers announced by a neighbour that we are not connected to.
func (s *Session) learn(records []peerRecord) {
	var missing []PeerAddress
	for _, r := range records {
		if r.ID == s.me || s.IsConnected(r.ID) {
			continue
		}
		s.book.Add(r.ID, r.Addr)
		missing = append(missing, r.Addr)
	}
	if len(missing) == 0 {
		return
	}
	go func() {
		if _, err := s.Join(s.ctx, missing...); err != nil {
			s.logger.Debug("transitive join incomplete", zap.Error(err))
		}
	}()
}

// Run accepts inbound connections, sends heartbeats and redials known peers
// until ctx is cancelled or Close is called. The session is closed on return.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(s.acceptLoop)
	g.Go(func() error { return s.heartbeatLoop(ctx) })
	g.Go(func() error { return s.reconnectLoop(ctx) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		return s.Close()
	})
	return g.Wait()
}

func (s *Session) acceptLoop() error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.handshake(nc, false); err != nil {
				s.logger.Debug("inbound handshake failed", zap.Error(err))
				nc.Close()
			}
		}()
	}
}

func (s *Session) reconnectLoop(ctx context.Context) error {
	t := s.cfg.Clock.Ticker(s.cfg.ReconnectInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.ctx.Done():
			return nil
		case <-t.C:
		}
		for _, id := range s.book.Keys() {
			if s.IsConnected(id) {
				continue
			}
			addr, ok := s.book.Peek(id)
			if !ok {
				continue
			}
			if other, ok := s.peerAt(addr); ok && other != id {
				// the address now belongs to a restarted peer
				s.book.Remove(id)
				continue
			}
			dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
			_, err := s.Join(dctx, addr)
			cancel()
			if err != nil {
				s.logger.Debug("redial failed", zap.String("peer", id.Short()), zap.Error(err))
			}
		}
	}
}

// Close drops every connection and stops the session. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	err := s.ln.Close()
	for _, c := range conns {
		c.close(nil)
	}
	s.wg.Wait()
	s.loopback.stop()
	s.events.stop()
	s.logger.Info("session closed")
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// serial runs queued functions one at a time, in order, on its own goroutine.
type serial struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
}

func newSerial() *serial {
	q := &serial{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *serial) push(fn func()) bool {
	q.mu.Lock()
	select {
	case <-q.done:
		q.mu.Unlock()
		return false
	default:
	}
	q.queue = append(q.queue, fn)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *serial) run() {
	defer close(q.exited)
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}
		for {
			q.mu.Lock()
			if len(q.queue) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.queue[0]
			q.queue = q.queue[1:]
			q.mu.Unlock()
			fn()
		}
	}
}

// stop drops anything still queued and waits for the running function.
func (q *serial) stop() {
	q.mu.Lock()
	select {
	case <-q.done:
	default:
		close(q.done)
	}
	q.mu.Unlock()
	<-q.exited
}
