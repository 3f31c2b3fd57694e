package cluster

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dreamware/strata/internal/metrics"
	"github.com/dreamware/strata/internal/wire"
)

// conn is one established, handshaken connection to a peer.
//
// Outbound frames are appended to an unbounded queue drained by a single
// writer goroutine, so Send never blocks on the network and frames leave in
// the order they were queued. Inbound frames are dispatched sequentially by
// the reader goroutine, which is what gives per-connection ordering all the
// way up to mailbox callbacks.
type conn struct {
	s         *Session
	nc        net.Conn
	peer      PeerID
	inc       string
	addr      PeerAddress
	version   wire.Version
	initiator PeerID
	logger    *zap.Logger

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}

	seen   atomic.Bool
	misses int // heartbeat goroutine only

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(s *Session, nc net.Conn, h hello, version wire.Version, initiator PeerID) *conn {
	return &conn{
		s:         s,
		nc:        nc,
		peer:      h.Peer,
		inc:       h.Incarnation,
		addr:      h.Addr,
		version:   version,
		initiator: initiator,
		logger:    s.logger.With(zap.String("remote", h.Peer.Short()), zap.Stringer("addr", h.Addr)),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// enqueue hands a frame to the writer. Frames queued after close are dropped.
func (c *conn) enqueue(tag byte, version wire.Version, payload []byte) {
	buf := appendFrame(nil, tag, version, payload)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	c.queue = append(c.queue, buf)
	c.mu.Unlock()
	metrics.FramesSent.WithLabelValues(string(tag)).Inc()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *conn) writeLoop() {
	w := bufio.NewWriter(c.nc)
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()
		for _, buf := range batch {
			if _, err := w.Write(buf); err != nil {
				c.close(err)
				return
			}
		}
		if err := w.Flush(); err != nil {
			c.close(err)
			return
		}
	}
}

func (c *conn) readLoop(r *bufio.Reader) {
	for {
		f, err := readFrame(r)
		if err != nil {
			c.close(err)
			return
		}
		c.seen.Store(true)
		metrics.FramesReceived.WithLabelValues(string(f.tag)).Inc()
		if f.version < wire.MinVersion || f.version > c.version {
			c.close(&ProtocolError{Peer: c.peer, Err: wire.ErrUnsupportedVersion})
			return
		}
		if err := c.s.dispatch(c.peer, f); err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				pe.Peer = c.peer
				c.close(pe)
				return
			}
			c.logger.Debug("frame handler failed", zap.Error(err))
		}
	}
}

// close tears the connection down once and tells the session.
func (c *conn) close(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.queue = nil
		c.mu.Unlock()
		_ = c.nc.Close()
		switch {
		case cause == nil, errors.Is(cause, io.EOF), errors.Is(cause, net.ErrClosed):
			c.logger.Debug("connection closed")
		case IsProtocolError(cause):
			metrics.ProtocolErrors.Inc()
			c.logger.Warn("dropping connection after protocol violation", zap.Error(cause))
		default:
			c.logger.Info("connection lost", zap.Error(cause))
		}
		c.s.removeConn(c)
	})
}
