// Package cluster connects the peers of a strata cluster to each other.
//
// A Session owns one TCP listener and one connection per remote peer. Peers
// are identified by a random PeerID minted at startup, so a process that
// restarts comes back as a new peer even at the same address.
//
// # Handshake
//
// Both ends send a hello carrying their id, advertised address, build
// version and the range of wire versions they speak. The connection uses
// the highest version both support. A hello whose build does not satisfy
// the local compatibility constraint, or whose version range does not
// overlap, is refused. Connecting to ourselves is detected by id and
// refused as well.
//
// When two peers dial each other at the same time both ends keep the
// connection opened by the peer with the lesser id and close the other.
//
// # Frames
//
// After the handshake every message is a frame:
//
//	[uvarint length][tag][version uint16][payload]
//
// The tags 'H' (heartbeat) and 'P' (peer list) belong to the session. Other
// tags are routed to handlers installed with RegisterHandler; the mailbox
// package uses 'M'. Frames arriving on one connection are handled one after
// another on that connection's reader goroutine, so handlers observe them
// in send order. A handler that returns a *ProtocolError causes only that
// connection to be dropped.
//
// # Membership
//
// Right after a connection is established each side sends the list of
// peers it is connected to and the receiver dials any it does not know, so
// joining through a single address reaches the whole cluster. Addresses of
// every peer ever seen are kept in a bounded LRU address book and redialled
// periodically while disconnected.
//
// Connect and disconnect notifications are delivered through Subscribe on a
// single goroutine in the order they happened.
//
// # Admin HTTP
//
// PostJSON and GetJSON are small helpers used by the admin command to talk
// to the HTTP endpoints each peer exposes.
package cluster
