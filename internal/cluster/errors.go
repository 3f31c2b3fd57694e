package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPeer is returned by Send for a peer id this session has
	// never been connected to. It is a local programming error, not a
	// network fault.
	ErrUnknownPeer = errors.New("cluster: unknown peer")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("cluster: session closed")
	// ErrSelfConnect is returned when a dialed address turns out to be us.
	ErrSelfConnect = errors.New("cluster: connected to self")
	// ErrIncompatible is returned when a handshake finds no common protocol
	// version or the remote build fails the version constraint.
	ErrIncompatible = errors.New("cluster: incompatible peer")
	// ErrFrameTooLarge is returned for frames above maxFrameSize.
	ErrFrameTooLarge = errors.New("cluster: frame too large")
)

// ProtocolError marks a malformed or unsupported payload. A handler that
// returns one causes the session to drop the connection that carried the
// frame; the process and other connections are unaffected.
type ProtocolError struct {
	Peer PeerID
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Peer.IsNil() {
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
	return fmt.Sprintf("protocol error from %s: %v", e.Peer.Short(), e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError wraps err as a connection-scoped protocol violation.
func NewProtocolError(err error) error {
	return &ProtocolError{Err: err}
}

// IsProtocolError reports whether err is, or wraps, a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
