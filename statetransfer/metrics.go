package statetransfer

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is a subsystem shared by all metrics exposed by this
// package.
const MetricsSubsystem = "statetransfer"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Current fetching state (0 not fetching, 1 summaries, 2 blocks,
	// 3 reserved pages).
	FetchingState metrics.Gauge
	// Highest stored checkpoint.
	LastStoredCheckpoint metrics.Gauge
	// Checkpoint being fetched, 0 when idle.
	CheckpointBeingFetched metrics.Gauge
	// Next block to reassemble while collecting.
	NextRequiredBlock metrics.Gauge
	// Currently selected source replica, 65535 when none.
	CurrentSourceReplica metrics.Gauge
	// Buffered ItemData messages awaiting reassembly.
	NumPendingItemDataMsgs metrics.Gauge
	// Total payload bytes buffered awaiting reassembly.
	TotalSizeOfPendingItemDataMsgs metrics.Gauge
	// Last block in the application state.
	LastBlock metrics.Gauge
	// Last reachable block in the application state.
	LastReachableBlock metrics.Gauge

	// Protocol messages sent, labeled by message type.
	SentMsg metrics.Counter
	// Protocol messages received, labeled by message type.
	ReceivedMsg metrics.Counter
	// Messages dropped as malformed, labeled by message type.
	InvalidMsg metrics.Counter
	// Messages dropped as irrelevant (wrong phase, stale seqnum), labeled
	// by message type.
	IrrelevantMsg metrics.Counter
	// Messages that could not be decoded at all.
	ReceivedIllegalMsg metrics.Counter

	// Control-surface counters.
	CreateCheckpoint       metrics.Counter
	MarkCheckpointAsStable metrics.Counter
	LoadReservedPage       metrics.Counter
	SaveReservedPage       metrics.Counter
	ZeroReservedPage       metrics.Counter
	StartCollectingState   metrics.Counter
	OnTimer                metrics.Counter
	OnTransferringComplete metrics.Counter

	// Collection throughput.
	OverallBlocksCollected metrics.Counter
	OverallBytesCollected  metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client
// library. Optional labelsAndValues are common to all metrics.
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	typed := append([]string{"type"}, labels...)
	gauge := func(name, help string) metrics.Gauge {
		return prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace, Subsystem: MetricsSubsystem, Name: name, Help: help,
		}, labels).With(labelsAndValues...)
	}
	counter := func(name, help string) metrics.Counter {
		return prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace, Subsystem: MetricsSubsystem, Name: name, Help: help,
		}, labels).With(labelsAndValues...)
	}
	typedCounter := func(name, help string) metrics.Counter {
		return prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace, Subsystem: MetricsSubsystem, Name: name, Help: help,
		}, typed).With(labelsAndValues...)
	}
	return &Metrics{
		FetchingState:                  gauge("fetching_state", "Current fetching state."),
		LastStoredCheckpoint:           gauge("last_stored_checkpoint", "Highest stored checkpoint."),
		CheckpointBeingFetched:         gauge("checkpoint_being_fetched", "Checkpoint being fetched, 0 when idle."),
		NextRequiredBlock:              gauge("next_required_block", "Next block to reassemble while collecting."),
		CurrentSourceReplica:           gauge("current_source_replica", "Currently selected source replica."),
		NumPendingItemDataMsgs:         gauge("num_pending_item_data_msgs", "Buffered ItemData messages awaiting reassembly."),
		TotalSizeOfPendingItemDataMsgs: gauge("total_size_of_pending_item_data_msgs", "Total payload bytes buffered awaiting reassembly."),
		LastBlock:                      gauge("last_block", "Last block in the application state."),
		LastReachableBlock:             gauge("last_reachable_block", "Last reachable block in the application state."),

		SentMsg:            typedCounter("sent_msg", "Protocol messages sent, by type."),
		ReceivedMsg:        typedCounter("received_msg", "Protocol messages received, by type."),
		InvalidMsg:         typedCounter("invalid_msg", "Messages dropped as malformed, by type."),
		IrrelevantMsg:      typedCounter("irrelevant_msg", "Messages dropped as irrelevant, by type."),
		ReceivedIllegalMsg: counter("received_illegal_msg", "Messages that could not be decoded."),

		CreateCheckpoint:       counter("create_checkpoint", "Checkpoints created."),
		MarkCheckpointAsStable: counter("mark_checkpoint_as_stable", "Checkpoints marked stable."),
		LoadReservedPage:       counter("load_reserved_page", "Reserved page loads."),
		SaveReservedPage:       counter("save_reserved_page", "Reserved page saves."),
		ZeroReservedPage:       counter("zero_reserved_page", "Reserved page zeroings."),
		StartCollectingState:   counter("start_collecting_state", "Transfers started."),
		OnTimer:                counter("on_timer", "Timer ticks handled."),
		OnTransferringComplete: counter("on_transferring_complete", "Transfers completed."),

		OverallBlocksCollected: counter("overall_blocks_collected", "Blocks collected and accepted."),
		OverallBytesCollected:  counter("overall_bytes_collected", "Block bytes collected and accepted."),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		FetchingState:                  discard.NewGauge(),
		LastStoredCheckpoint:           discard.NewGauge(),
		CheckpointBeingFetched:         discard.NewGauge(),
		NextRequiredBlock:              discard.NewGauge(),
		CurrentSourceReplica:           discard.NewGauge(),
		NumPendingItemDataMsgs:         discard.NewGauge(),
		TotalSizeOfPendingItemDataMsgs: discard.NewGauge(),
		LastBlock:                      discard.NewGauge(),
		LastReachableBlock:             discard.NewGauge(),

		SentMsg:            discard.NewCounter(),
		ReceivedMsg:        discard.NewCounter(),
		InvalidMsg:         discard.NewCounter(),
		IrrelevantMsg:      discard.NewCounter(),
		ReceivedIllegalMsg: discard.NewCounter(),

		CreateCheckpoint:       discard.NewCounter(),
		MarkCheckpointAsStable: discard.NewCounter(),
		LoadReservedPage:       discard.NewCounter(),
		SaveReservedPage:       discard.NewCounter(),
		ZeroReservedPage:       discard.NewCounter(),
		StartCollectingState:   discard.NewCounter(),
		OnTimer:                discard.NewCounter(),
		OnTransferringComplete: discard.NewCounter(),

		OverallBlocksCollected: discard.NewCounter(),
		OverallBytesCollected:  discard.NewCounter(),
	}
}
