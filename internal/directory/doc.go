// Package directory replicates one value per peer to every other peer.
//
// Each peer runs a WriteManager publishing its local value and a
// ReadManager collecting everyone's. Every publication carries a version
// from a counter owned by the publishing peer; readers only accept a
// version strictly greater than the one they hold for that peer, so
// duplicates and reordered updates are harmless. Entries disappear from a
// reader's view when the publishing peer disconnects.
//
// The reactor publishes its business card through a directory and every
// peer routes requests by reading the others'.
package directory

import (
	"github.com/dreamware/strata/internal/cluster"
)

// Well-known mailbox slots used by the managers.
const (
	UpdateSlot uint32 = 1
	SyncSlot   uint32 = 2
)

// Entry is what a reader knows about one peer.
type Entry[T any] struct {
	Version uint64 `msgpack:"version" json:"version"`
	Value   T      `msgpack:"value" json:"value"`
}

// View maps each peer to its last known entry. Views handed out are never
// modified in place.
type View[T any] map[cluster.PeerID]Entry[T]

type update[T any] struct {
	Origin  cluster.PeerID `msgpack:"origin"`
	Version uint64         `msgpack:"version"`
	Value   T              `msgpack:"value"`
}

type syncRequest struct {
	From cluster.PeerID `msgpack:"from"`
}
