// Package mailbox addresses callbacks across the cluster.
//
// A mailbox is a callback registered with the Manager of one peer. Its
// Address (peer id plus a generation-tagged slot) can be copied into any
// message, and whoever holds it can send to the mailbox from any peer.
// Delivery is best-effort: a message for a destroyed mailbox, or for a peer
// that has gone away, is dropped without telling the sender.
//
// Messages from one peer to one mailbox arrive in the order they were sent.
package mailbox

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/multiformats/go-varint"
	"go.uber.org/zap"

	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/metrics"
	"github.com/dreamware/strata/internal/wire"
)

// Tag is the session frame tag carrying mailbox messages.
const Tag byte = 'M'

// FirstDynamicSlot is the lowest slot handed out by Create. Slots below it
// are reserved for CreateWellKnown.
const FirstDynamicSlot uint32 = 16

// wellKnownGen is the generation of every well-known mailbox, so that its
// address can be computed by any peer without asking.
const wellKnownGen uint32 = 1

var (
	// ErrNilAddress is returned when sending to the zero Address.
	ErrNilAddress = errors.New("mailbox: send to nil address")
	// ErrSlotInUse is returned by CreateWellKnown for an occupied slot.
	ErrSlotInUse = errors.New("mailbox: well-known slot in use")
)

// ID names one mailbox on one peer. Slots are recycled after a mailbox is
// destroyed; the generation changes every time, so an ID never refers to a
// later occupant of the same slot. Well-known slots are the exception.
type ID struct {
	Slot uint32 `msgpack:"s" json:"slot"`
	Gen  uint32 `msgpack:"g" json:"gen"`
}

func (id ID) String() string { return fmt.Sprintf("%d.%d", id.Slot, id.Gen) }

// Address is the serializable, cluster-wide name of a mailbox.
type Address struct {
	Peer cluster.PeerID `msgpack:"peer" json:"peer"`
	ID   ID             `msgpack:"id" json:"id"`
}

// IsNil reports whether a is the zero address. Nil addresses never resolve.
func (a Address) IsNil() bool { return a.Peer.IsNil() || a.ID.Slot == 0 }

func (a Address) String() string {
	if a.IsNil() {
		return "nil"
	}
	return a.Peer.Short() + "/" + a.ID.String()
}

// WellKnown returns the address of a reserved slot on peer.
func WellKnown(peer cluster.PeerID, slot uint32) Address {
	return Address{Peer: peer, ID: ID{Slot: slot, Gen: wellKnownGen}}
}

// ReadCallback receives the body of a message sent to a mailbox along with
// the id of the sending peer and the version the body was encoded under.
// Returning a *cluster.ProtocolError closes the connection the message came
// in on.
type ReadCallback func(from cluster.PeerID, version wire.Version, body []byte) error

// Writer serializes a message body for the version negotiated with the
// destination peer.
type Writer func(version wire.Version) ([]byte, error)

// Raw is an untyped mailbox.
type Raw struct {
	mgr       *Manager
	id        ID
	cb        ReadCallback
	destroyed atomic.Bool
}

func (r *Raw) ID() ID { return r.id }

// Address returns the cluster-wide address of the mailbox.
func (r *Raw) Address() Address {
	return Address{Peer: r.mgr.session.Me(), ID: r.id}
}

// Destroy unregisters the mailbox. Messages that arrive afterwards are
// dropped. A delivery already running the callback is allowed to finish;
// Destroy does not wait for it. Calling Destroy twice is harmless.
func (r *Raw) Destroy() {
	if !r.destroyed.CompareAndSwap(false, true) {
		return
	}
	r.mgr.release(r)
}

// Manager owns the mailboxes of one peer and routes the session's 'M' frames
// to them.
type Manager struct {
	session *cluster.Session
	logger  *zap.Logger

	boxes sync.Map // uint32 slot -> *Raw

	mu   sync.Mutex
	free []uint32
	gens map[uint32]uint32
	next uint32
}

// NewManager creates the manager and registers it with session.
func NewManager(session *cluster.Session, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		session: session,
		logger:  logger.Named("mailbox"),
		gens:    make(map[uint32]uint32),
		next:    FirstDynamicSlot,
	}
	session.RegisterHandler(Tag, m.deliver)
	return m
}

// Session returns the session the manager sends through.
func (m *Manager) Session() *cluster.Session { return m.session }

// Create registers cb under a fresh slot.
func (m *Manager) Create(cb ReadCallback) *Raw {
	m.mu.Lock()
	var slot uint32
	if n := len(m.free); n > 0 {
		slot = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		slot = m.next
		m.next++
	}
	m.gens[slot]++
	r := &Raw{mgr: m, id: ID{Slot: slot, Gen: m.gens[slot]}, cb: cb}
	m.boxes.Store(slot, r)
	m.mu.Unlock()
	return r
}

// CreateWellKnown registers cb under a reserved slot. Well-known addresses
// always carry the same generation, so they are exempt from generation
// protection: a message sent to an earlier occupant of the slot is delivered
// to whichever mailbox holds it now.
func (m *Manager) CreateWellKnown(slot uint32, cb ReadCallback) (*Raw, error) {
	if slot == 0 || slot >= FirstDynamicSlot {
		return nil, fmt.Errorf("mailbox: slot %d is not a well-known slot", slot)
	}
	r := &Raw{mgr: m, id: ID{Slot: slot, Gen: wellKnownGen}, cb: cb}
	if _, loaded := m.boxes.LoadOrStore(slot, r); loaded {
		return nil, fmt.Errorf("%w: %d", ErrSlotInUse, slot)
	}
	return r, nil
}

func (m *Manager) release(r *Raw) {
	if !m.boxes.CompareAndDelete(r.id.Slot, r) {
		return
	}
	if r.id.Slot < FirstDynamicSlot {
		return
	}
	m.mu.Lock()
	m.free = append(m.free, r.id.Slot)
	m.mu.Unlock()
}

// Send delivers the body produced by w to addr. A nil address fails before
// anything touches the network. A destination whose peer is known but not
// connected drops the message and returns nil.
func (m *Manager) Send(addr Address, w Writer) error {
	if addr.IsNil() {
		return ErrNilAddress
	}
	return m.session.SendFunc(addr.Peer, Tag, func(version wire.Version) ([]byte, error) {
		body, err := w(version)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 0, 2*varint.MaxLenUvarint63+len(body))
		buf = append(buf, varint.ToUvarint(uint64(addr.ID.Slot))...)
		buf = append(buf, varint.ToUvarint(uint64(addr.ID.Gen))...)
		return append(buf, body...), nil
	})
}

func (m *Manager) deliver(from cluster.PeerID, version wire.Version, payload []byte) error {
	slot, n, err := varint.FromUvarint(payload)
	if err != nil {
		return cluster.NewProtocolError(fmt.Errorf("mailbox header: %w", err))
	}
	gen, k, err := varint.FromUvarint(payload[n:])
	if err != nil {
		return cluster.NewProtocolError(fmt.Errorf("mailbox header: %w", err))
	}
	body := payload[n+k:]

	v, ok := m.boxes.Load(uint32(slot))
	if !ok {
		metrics.MailboxDropped.WithLabelValues("absent").Inc()
		return nil
	}
	r := v.(*Raw)
	if uint64(r.id.Gen) != gen || r.destroyed.Load() {
		metrics.MailboxDropped.WithLabelValues("stale").Inc()
		return nil
	}
	metrics.MailboxDelivered.Inc()
	return r.cb(from, version, body)
}
