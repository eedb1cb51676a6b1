package broker

import "log/slog"

// Partition (C5) bundles one partition's store, producer actor and
// consumer actor behind the public surface the dispatcher drives: publish,
// subscribe, unsubscribe, trim and status (spec.md §4.5).
type Partition struct {
	idx      int
	store    *Store
	producer *Producer
	consumer *Consumer
	log      *slog.Logger
}

// OpenPartition opens the partition's store, runs its startup
// reconciliation pass, then starts its producer and consumer actors.
func OpenPartition(dataDir string, idx int, seq *Sequencer, log *slog.Logger) (*Partition, error) {
	plog := log.With(slog.Int("partition", idx))
	store, err := OpenStore(dataDir, idx, plog)
	if err != nil {
		return nil, err
	}
	if n, err := store.Reconcile(); err != nil {
		plog.Error("reconcile_failed", slog.Any("err", err))
	} else if n > 0 {
		plog.Warn("reconciled_partition", slog.Int("dropped", n))
	}
	return &Partition{
		idx:      idx,
		store:    store,
		producer: NewProducer(store, seq, plog),
		consumer: NewConsumer(store, plog),
		log:      plog,
	}, nil
}

// Publish writes one record through the partition's producer actor,
// returning the nonce assigned to it.
func (p *Partition) Publish(env Envelope) (uint64, error) {
	return p.producer.TrySend(env)
}

// Subscribe upserts clientID's registration for this partition's subset of
// topics, starting at offset (spec.md §4.4, §4.6).
func (p *Partition) Subscribe(clientID string, session Session, topics []string, offset uint64) {
	p.consumer.Register(clientID, session, topics, offset)
}

// Unsubscribe removes every registration held for clientID.
func (p *Partition) Unsubscribe(clientID string) {
	p.consumer.Clear(clientID)
}

// Trim removes every record older than the retention window rooted `days`
// days before today (spec.md §4.6).
func (p *Partition) Trim(days uint64) (int, error) {
	return p.store.Trim(dayKeyForCutoff(days))
}

// Status reports this partition's record count and on-disk size.
func (p *Partition) Status() (count uint64, bytes uint64, err error) {
	return p.store.Status()
}

// HighWaterMark returns the largest nonce this partition has ever stored,
// used by the dispatcher to recover the shared sequencer at startup.
func (p *Partition) HighWaterMark() (uint64, error) {
	return p.store.HighWaterMark()
}

// Close stops both actors (flushing the producer's mailbox first) and
// closes the underlying store.
func (p *Partition) Close() error {
	p.producer.Stop()
	p.consumer.Stop()
	return p.store.Close()
}
