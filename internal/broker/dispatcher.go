package broker

import (
	"fmt"
	"log/slog"
	"strconv"
)

// Dispatcher (C6) owns every partition and routes publish/subscribe/trim
// calls to the right one by hashing the topic (spec.md §4.7). It also owns
// the shared Sequencer and recovers its high-water mark from every
// partition's store at startup.
type Dispatcher struct {
	partitions []*Partition
	seq        *Sequencer
	log        *slog.Logger
}

// NewDispatcher opens numPartitions partitions under dataDir, reconciling
// each one, then recovers the shared sequencer from the maximum
// high-water mark observed across all of them (spec.md §4.1).
func NewDispatcher(dataDir string, numPartitions int, log *slog.Logger) (*Dispatcher, error) {
	seq := NewSequencer(0)
	partitions := make([]*Partition, 0, numPartitions)
	for i := 0; i < numPartitions; i++ {
		p, err := OpenPartition(dataDir, i, seq, log)
		if err != nil {
			for _, opened := range partitions {
				opened.Close()
			}
			return nil, fmt.Errorf("dispatcher: open partition %d: %w", i, err)
		}
		partitions = append(partitions, p)
	}

	var hwm uint64
	for _, p := range partitions {
		h, err := p.HighWaterMark()
		if err != nil {
			log.Error("hwm_recovery_failed", slog.Any("err", err))
			continue
		}
		if h > hwm {
			hwm = h
		}
	}
	seq.InitWith(hwm)

	return &Dispatcher{partitions: partitions, seq: seq, log: log}, nil
}

// Publish routes a record to the partition its topic hashes to. The full
// envelope (uid, key included) is handed to the partition unchanged; the
// partition's producer actor stamps the nonce (spec.md §4.5, §4.7).
func (d *Dispatcher) Publish(env Envelope) (uint64, error) {
	if env.Topic == "" {
		return 0, ErrUnknownTopic
	}
	idx := partitionFor(env.Topic, len(d.partitions))
	return d.partitions[idx].Publish(env)
}

// Subscribe groups topics by the partition they hash to and registers
// clientID with each affected partition's subset, all sharing the same
// starting offset (spec.md §4.6). A client may therefore be registered on
// several partitions at once, each tracking it independently.
func (d *Dispatcher) Subscribe(clientID string, session Session, topics []string, offset uint64) error {
	if len(topics) == 0 {
		return ErrUnknownTopic
	}
	byPartition := make(map[int][]string)
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		idx := partitionFor(topic, len(d.partitions))
		byPartition[idx] = append(byPartition[idx], topic)
	}
	if len(byPartition) == 0 {
		return ErrUnknownTopic
	}
	for idx, ts := range byPartition {
		d.partitions[idx].Subscribe(clientID, session, ts, offset)
	}
	return nil
}

// Unsubscribe broadcasts a clear to every partition: the client's topic
// set is not tracked centrally, so every partition is asked regardless of
// whether it actually holds a registration for clientID (spec.md §4.6).
func (d *Dispatcher) Unsubscribe(clientID string) {
	for _, p := range d.partitions {
		p.Unsubscribe(clientID)
	}
}

// Trim runs the age-based trim procedure across every partition and
// returns the total number of records removed.
func (d *Dispatcher) Trim(days uint64) int {
	total := 0
	for _, p := range d.partitions {
		n, err := p.Trim(days)
		if err != nil {
			d.log.Error("trim_failed", slog.Int("partition", p.idx), slog.Any("err", err))
			continue
		}
		total += n
	}
	return total
}

// Status aggregates record count and disk size across every partition and
// reports the sequencer's current value.
func (d *Dispatcher) Status() Status {
	var count, bytes uint64
	for _, p := range d.partitions {
		c, b, err := p.Status()
		if err != nil {
			d.log.Error("status_failed", slog.Int("partition", p.idx), slog.Any("err", err))
			continue
		}
		count += c
		bytes += b
	}
	return Status{RetainMessages: count, DiskSize: bytes, LastNonce: d.seq.Current()}
}

// UpdateMetrics refreshes the per-partition and sequencer gauges. Callers
// drive this from a periodic ticker; it is not invoked on the hot publish
// path.
func (d *Dispatcher) UpdateMetrics(m *Metrics) {
	for _, p := range d.partitions {
		c, b, err := p.Status()
		if err != nil {
			d.log.Error("metrics_status_failed", slog.Int("partition", p.idx), slog.Any("err", err))
			continue
		}
		label := strconv.Itoa(p.idx)
		m.PartitionRecords.WithLabelValues(label).Set(float64(c))
		m.PartitionBytes.WithLabelValues(label).Set(float64(b))
	}
	m.SequencerHWM.Set(float64(d.seq.Current()))
}

// Close shuts down every partition.
func (d *Dispatcher) Close() {
	for _, p := range d.partitions {
		if err := p.Close(); err != nil {
			d.log.Error("partition_close_failed", slog.Int("partition", p.idx), slog.Any("err", err))
		}
	}
}
