package mailbox

import (
	"fmt"

	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/wire"
)

// Addr is the address of a mailbox that accepts messages of type M. It is a
// plain value and can be embedded in other messages.
type Addr[M any] struct {
	Raw Address `msgpack:"raw" json:"raw"`
}

func (a Addr[M]) IsNil() bool { return a.Raw.IsNil() }

func (a Addr[M]) String() string { return a.Raw.String() }

// Peer returns the peer hosting the mailbox.
func (a Addr[M]) Peer() cluster.PeerID { return a.Raw.Peer }

// WellKnownAddr is the typed form of WellKnown.
func WellKnownAddr[M any](peer cluster.PeerID, slot uint32) Addr[M] {
	return Addr[M]{Raw: WellKnown(peer, slot)}
}

// Typed is a mailbox whose messages are decoded into M before the callback
// runs. A message that fails to decode is a protocol violation.
type Typed[M any] struct {
	raw *Raw
}

// NewTyped creates a mailbox calling fn for every message.
func NewTyped[M any](mgr *Manager, fn func(M)) *Typed[M] {
	return &Typed[M]{raw: mgr.Create(decoder(fn))}
}

// NewTypedWellKnown creates a typed mailbox on a reserved slot.
func NewTypedWellKnown[M any](mgr *Manager, slot uint32, fn func(M)) (*Typed[M], error) {
	raw, err := mgr.CreateWellKnown(slot, decoder(fn))
	if err != nil {
		return nil, err
	}
	return &Typed[M]{raw: raw}, nil
}

func decoder[M any](fn func(M)) ReadCallback {
	return func(from cluster.PeerID, version wire.Version, body []byte) error {
		var msg M
		if err := wire.Unmarshal(version, body, &msg); err != nil {
			return cluster.NewProtocolError(fmt.Errorf("decode %T: %w", msg, err))
		}
		fn(msg)
		return nil
	}
}

func (t *Typed[M]) Addr() Addr[M] { return Addr[M]{Raw: t.raw.Address()} }

func (t *Typed[M]) Destroy() { t.raw.Destroy() }

// Send encodes msg for the destination's protocol version and sends it.
func Send[M any](mgr *Manager, to Addr[M], msg M) error {
	return mgr.Send(to.Raw, func(version wire.Version) ([]byte, error) {
		return wire.Marshal(version, msg)
	})
}
