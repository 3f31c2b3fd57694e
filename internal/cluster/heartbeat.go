package cluster

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/dreamware/strata/internal/wire"
)

var errUnresponsive = errors.New("peer missed too many heartbeats")

// heartbeatLoop sends a heartbeat on every connection each interval and
// drops connections that have been silent for HeartbeatFailures intervals
// in a row. Any inbound frame counts as a sign of life, not only
// heartbeats.
func (s *Session) heartbeatLoop(ctx context.Context) error {
	t := s.cfg.Clock.Ticker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.ctx.Done():
			return nil
		case <-t.C:
			s.checkHeartbeats()
		}
	}
}

// checkHeartbeats runs one heartbeat round. Only the heartbeat goroutine
// calls it, which is what makes conn.misses safe without a lock.
func (s *Session) checkHeartbeats() {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.enqueue(tagHeartbeat, wire.MinVersion, nil)
		if c.seen.Swap(false) {
			c.misses = 0
			continue
		}
		c.misses++
		if c.misses >= s.cfg.HeartbeatFailures {
			c.logger.Warn("peer unresponsive", zap.Int("misses", c.misses))
			c.close(errUnresponsive)
		}
	}
}
