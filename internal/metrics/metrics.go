// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbesTotal counts probe verdicts by protocol
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_probes_total",
			Help: "Total number of protocol probe verdicts",
		},
		[]string{"proto", "result"},
	)

	// ParseCallsTotal counts parse calls by outcome
	ParseCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_parse_calls_total",
			Help: "Total number of parse calls by outcome",
		},
		[]string{"proto", "direction", "status"},
	)

	// ParsedBytesTotal counts bytes consumed by parsers
	ParsedBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_parsed_bytes_total",
			Help: "Total number of bytes consumed by parsers",
		},
		[]string{"proto", "direction"},
	)

	// TransactionsTotal counts transactions handed to the sink
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_transactions_total",
			Help: "Total number of transactions emitted and freed",
		},
		[]string{"proto"},
	)

	// EventsTotal counts anomaly events raised on emitted transactions
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_events_total",
			Help: "Total number of anomaly events by protocol and name",
		},
		[]string{"proto", "event"},
	)

	// FlowsTotal counts flows classified per protocol ("unknown" when no probe matched)
	FlowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_flows_total",
			Help: "Total number of flows by detected protocol",
		},
		[]string{"proto"},
	)

	// FlowsActive tracks flows currently held in the flow table
	FlowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "applayer_flows_active",
			Help: "Current number of flows in the flow table",
		},
	)

	// FlowsClosedTotal counts flow teardown by reason
	FlowsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_flows_closed_total",
			Help: "Total number of flows torn down by reason",
		},
		[]string{"reason"},
	)

	// BufferOverflowsTotal counts directions dropped for exceeding the buffer limit
	BufferOverflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_buffer_overflows_total",
			Help: "Total number of times a direction exceeded engine.max_buffer",
		},
		[]string{"proto"},
	)

	// FragmentsPending tracks IPv4 datagrams waiting for fragments
	FragmentsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "applayer_ip_fragments_pending",
			Help: "Current number of incomplete fragmented IPv4 datagrams",
		},
	)

	// FragmentsDroppedTotal counts fragments or datagrams dropped by reason
	FragmentsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "applayer_ip_fragments_dropped_total",
			Help: "Total number of IPv4 fragments or datagrams dropped by reason",
		},
		[]string{"reason"},
	)
)

// Flow close reasons.
const (
	CloseIdle     = "idle"
	CloseFinished = "finished" // stream ended (FIN/RST)
	CloseShutdown = "shutdown"
	CloseEvicted  = "evicted" // flow table full
)
