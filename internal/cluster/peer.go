package cluster

import (
	"bytes"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// PeerID identifies one peer for the lifetime of its session. The zero value
// is the nil peer id and only appears before a connection is established.
type PeerID uuid.UUID

// NilPeer is the zero PeerID.
var NilPeer PeerID

// NewPeerID mints a random peer id.
func NewPeerID() PeerID {
	return PeerID(uuid.New())
}

// ParsePeerID parses the canonical UUID form produced by String.
func ParsePeerID(s string) (PeerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilPeer, fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	return PeerID(u), nil
}

func (p PeerID) String() string { return uuid.UUID(p).String() }

// Short returns the first eight hex digits, for log lines.
func (p PeerID) Short() string { return p.String()[:8] }

func (p PeerID) IsNil() bool { return p == NilPeer }

// Less orders peer ids bytewise. Duplicate connections are resolved in favour
// of the one initiated by the lesser id.
func (p PeerID) Less(o PeerID) bool { return bytes.Compare(p[:], o[:]) < 0 }

func (p PeerID) MarshalText() ([]byte, error) { return uuid.UUID(p).MarshalText() }

func (p *PeerID) UnmarshalText(b []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(b); err != nil {
		return err
	}
	*p = PeerID(u)
	return nil
}

func (p PeerID) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeBytes(p[:])
}

func (p *PeerID) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	if len(b) == 0 {
		*p = NilPeer
		return nil
	}
	if len(b) != len(p) {
		return fmt.Errorf("peer id: want %d bytes, got %d", len(p), len(b))
	}
	copy(p[:], b)
	return nil
}

// PeerAddress is the network-reachable descriptor of a peer.
type PeerAddress struct {
	Host string `json:"host" msgpack:"host"`
	Port int    `json:"port" msgpack:"port"`
}

// ParsePeerAddress parses "host:port".
func ParsePeerAddress(s string) (PeerAddress, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return PeerAddress{}, err
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return PeerAddress{}, fmt.Errorf("invalid port in %q", s)
	}
	return PeerAddress{Host: host, Port: p}, nil
}

func (a PeerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a PeerAddress) IsZero() bool { return a.Host == "" && a.Port == 0 }

// PeerInfo is the admin view of one connected peer.
type PeerInfo struct {
	ID      PeerID      `json:"id"`
	Addr    PeerAddress `json:"addr"`
	Version uint16      `json:"protocol_version"`
}
