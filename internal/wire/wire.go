// Package wire implements the versioned payload encoding shared by every
// message that crosses a peer connection.
//
// Each connection negotiates a Version during its handshake and every frame is
// tagged with the version it was produced under. Decoding is version-aware:
//
//   - V1 encodes structs as msgpack maps keyed by field name.
//   - V2 encodes structs as msgpack arrays and prefixes the payload with a
//     compression flag; payloads above compressThreshold are s2-compressed.
//
// A process claims support for [MinVersion, MaxVersion]. A payload tagged with
// any other version cannot be decoded and is a protocol violation for the
// connection that carried it.
package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/vmihailenco/msgpack/v5"
)

// Version is an ordered protocol version tag.
type Version uint16

const (
	// V1 is the baseline encoding; handshakes always use it.
	V1 Version = 1
	// V2 adds array-encoded structs and payload compression.
	V2 Version = 2

	// MinVersion and MaxVersion bound the versions this build can decode.
	MinVersion = V1
	MaxVersion = V2
)

const (
	flagRaw byte = iota
	flagS2

	compressThreshold = 512

	// MaxDecodedSize caps the size a compressed payload may claim to
	// expand to. It matches the largest frame a connection accepts.
	MaxDecodedSize = 64 << 20
)

var (
	// ErrUnsupportedVersion is returned when a payload carries a version
	// outside [MinVersion, MaxVersion].
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
	// ErrCorrupt is returned when a V2 payload has an unknown compression
	// flag or claims to decompress to more than MaxDecodedSize.
	ErrCorrupt = errors.New("wire: corrupt payload")
)

// Supported reports whether this build can encode and decode v.
func (v Version) Supported() bool {
	return v >= MinVersion && v <= MaxVersion
}

func (v Version) String() string {
	return fmt.Sprintf("v%d", uint16(v))
}

// Negotiate returns the highest version inside both ranges.
func Negotiate(localMin, localMax, remoteMin, remoteMax Version) (Version, bool) {
	hi := min(localMax, remoteMax)
	lo := max(localMin, remoteMin)
	if hi < lo {
		return 0, false
	}
	return hi, true
}

// Marshal encodes v under version.
func Marshal(version Version, v any) ([]byte, error) {
	switch version {
	case V1:
		return msgpack.Marshal(v)
	case V2:
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.UseArrayEncodedStructs(true)
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		body := buf.Bytes()
		if len(body) < compressThreshold {
			return append([]byte{flagRaw}, body...), nil
		}
		out := make([]byte, 1, 1+s2.MaxEncodedLen(len(body)))
		out[0] = flagS2
		return append(out, s2.Encode(nil, body)...), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, version)
	}
}

// Unmarshal decodes data produced by Marshal under version into v.
func Unmarshal(version Version, data []byte, v any) error {
	switch version {
	case V1:
		return msgpack.Unmarshal(data, v)
	case V2:
		if len(data) == 0 {
			return ErrCorrupt
		}
		body := data[1:]
		switch data[0] {
		case flagRaw:
		case flagS2:
			n, err := s2.DecodedLen(body)
			if err != nil {
				return fmt.Errorf("wire: decompress: %w", err)
			}
			if n > MaxDecodedSize {
				return fmt.Errorf("%w: expands to %d bytes", ErrCorrupt, n)
			}
			body, err = s2.Decode(nil, body)
			if err != nil {
				return fmt.Errorf("wire: decompress: %w", err)
			}
		default:
			return ErrCorrupt
		}
		return msgpack.Unmarshal(body, v)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedVersion, version)
	}
}
