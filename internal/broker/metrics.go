package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the broker's Prometheus collectors, registered against a
// caller-supplied registry so cmd/broker can choose whether to expose them
// on a separate --metrics-addr listener (SPEC_FULL.md §8).
type Metrics struct {
	PublishTotal      prometheus.Counter
	SubscribeTotal    prometheus.Counter
	MailboxFullTotal  prometheus.Counter
	TrimRemovedTotal  prometheus.Counter
	SessionsConnected prometheus.Gauge
	PartitionRecords  *prometheus.GaugeVec
	PartitionBytes    *prometheus.GaugeVec
	SequencerHWM      prometheus.Gauge
}

// NewMetrics builds and registers the broker's collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsmq_publish_total",
			Help: "Total number of publish calls accepted by the dispatcher.",
		}),
		SubscribeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsmq_subscribe_total",
			Help: "Total number of subscribe calls accepted by the dispatcher.",
		}),
		MailboxFullTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsmq_mailbox_full_total",
			Help: "Total number of mailbox-full events: publishes rejected with ErrMailboxFull and frames refused by a full session mailbox.",
		}),
		TrimRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsmq_trim_removed_total",
			Help: "Total number of records removed by trim across all partitions.",
		}),
		SessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsmq_sessions_connected",
			Help: "Number of currently connected WebSocket sessions.",
		}),
		PartitionRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wsmq_partition_records",
			Help: "Record count per partition.",
		}, []string{"partition"}),
		PartitionBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wsmq_partition_bytes",
			Help: "On-disk size per partition, in bytes.",
		}, []string{"partition"}),
		SequencerHWM: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsmq_sequencer_high_water_mark",
			Help: "Current value of the shared nonce sequencer.",
		}),
	}
	reg.MustRegister(
		m.PublishTotal, m.SubscribeTotal, m.MailboxFullTotal, m.TrimRemovedTotal,
		m.SessionsConnected, m.PartitionRecords, m.PartitionBytes, m.SequencerHWM,
	)
	return m
}
