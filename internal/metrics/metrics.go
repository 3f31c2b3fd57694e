// Package metrics holds the Prometheus collectors shared by the control plane.
//
// Collectors are package level so every component can record without plumbing
// a registry through its constructor. Register attaches them to a registry;
// the peer binary exposes that registry on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const namespace = "strata"

var (
	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cluster",
		Name:      "peers_connected",
		Help:      "Number of peers with an established connection.",
	})

	FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cluster",
		Name:      "frames_sent_total",
		Help:      "Frames handed to connection writers, by tag.",
	}, []string{"tag"})

	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cluster",
		Name:      "frames_received_total",
		Help:      "Frames read from peer connections, by tag.",
	}, []string{"tag"})

	ProtocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cluster",
		Name:      "protocol_errors_total",
		Help:      "Connections closed because of a protocol violation.",
	})

	MailboxDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mailbox",
		Name:      "delivered_total",
		Help:      "Messages delivered to a live mailbox.",
	})

	MailboxDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mailbox",
		Name:      "dropped_total",
		Help:      "Messages dropped, by reason.",
	}, []string{"reason"})

	DirectoryUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "directory",
		Name:      "updates_total",
		Help:      "Directory broadcasts received, by outcome.",
	}, []string{"outcome"})

	ReactorTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reactor",
		Name:      "transitions_total",
		Help:      "Reactor state transitions.",
	}, []string{"from", "to"})

	BackfillKeys = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reactor",
		Name:      "backfill_keys_total",
		Help:      "Keys received through backfill.",
	})

	RoutingFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "namespace",
		Name:      "routing_failures_total",
		Help:      "Requests that found no usable replica, by operation.",
	}, []string{"op"})
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	var err error
	for _, c := range []prometheus.Collector{
		PeersConnected,
		FramesSent,
		FramesReceived,
		ProtocolErrors,
		MailboxDelivered,
		MailboxDropped,
		DirectoryUpdates,
		ReactorTransitions,
		BackfillKeys,
		RoutingFailures,
	} {
		err = multierr.Append(err, reg.Register(c))
	}
	return err
}
