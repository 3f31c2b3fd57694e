package cluster

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"

	"github.com/dreamware/strata/internal/wire"
)

// Frame layout on an established connection:
//
//	[uvarint length][tag byte][version uint16 BE][payload]
//
// length covers tag, version and payload.

const (
	frameHeaderSize = 3
	maxFrameSize    = wire.MaxDecodedSize
)

// Frame tags reserved by the session itself.
const (
	tagHeartbeat byte = 'H'
	tagPeers     byte = 'P'
)

type frame struct {
	tag     byte
	version wire.Version
	payload []byte
}

func appendFrame(dst []byte, tag byte, version wire.Version, payload []byte) []byte {
	n := frameHeaderSize + len(payload)
	dst = append(dst, varint.ToUvarint(uint64(n))...)
	dst = append(dst, tag)
	dst = binary.BigEndian.AppendUint16(dst, uint16(version))
	return append(dst, payload...)
}

func readFrame(r *bufio.Reader) (frame, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return frame{}, err
	}
	if n < frameHeaderSize {
		return frame{}, NewProtocolError(fmt.Errorf("short frame of %d bytes", n))
	}
	if n > maxFrameSize {
		return frame{}, NewProtocolError(ErrFrameTooLarge)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return frame{}, err
	}
	return frame{
		tag:     buf[0],
		version: wire.Version(binary.BigEndian.Uint16(buf[1:3])),
		payload: buf[3:],
	}, nil
}

// hello is exchanged by both sides right after the TCP connection opens.
// It is always encoded under wire.V1 so any two builds can read it.
// Incarnation changes every time the process starts, even when the peer id
// is kept.
type hello struct {
	Peer        PeerID       `msgpack:"peer"`
	Incarnation string       `msgpack:"inc"`
	Addr        PeerAddress  `msgpack:"addr"`
	Build       string       `msgpack:"build"`
	Min         wire.Version `msgpack:"min"`
	Max         wire.Version `msgpack:"max"`
}

func writeHello(w io.Writer, h hello) error {
	body, err := wire.Marshal(wire.V1, h)
	if err != nil {
		return err
	}
	_, err = w.Write(append(varint.ToUvarint(uint64(len(body))), body...))
	return err
}

func readHello(r *bufio.Reader) (hello, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return hello{}, err
	}
	if n > 64<<10 {
		return hello{}, NewProtocolError(ErrFrameTooLarge)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return hello{}, err
	}
	var h hello
	if err := wire.Unmarshal(wire.V1, buf, &h); err != nil {
		return hello{}, NewProtocolError(fmt.Errorf("hello: %w", err))
	}
	return h, nil
}

// peersMessage lists the addresses of every peer the sender is connected
// to. Receivers join the ones they do not know yet.
type peersMessage struct {
	Peers []peerRecord `msgpack:"peers"`
}

type peerRecord struct {
	ID   PeerID      `msgpack:"id"`
	Addr PeerAddress `msgpack:"addr"`
}
