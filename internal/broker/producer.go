package broker

import (
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// producerMailboxSize bounds the number of in-flight publish jobs per
// partition before TrySend starts rejecting with ErrMailboxFull (spec.md
// §4.3).
const producerMailboxSize = 65536

// producePace is the pacing window the producer actor sleeps between
// writes, bounding write amplification and giving Trim a chance to
// interleave with a busy partition (spec.md §4.3).
const (
	producePaceMin = 2 * time.Millisecond
	producePaceMax = 5 * time.Millisecond
)

type produceJob struct {
	env      Envelope
	resultCh chan produceResult
}

type produceResult struct {
	nonce uint64
	err   error
}

// Producer is the per-partition actor (C3) that serializes every write to
// its Store through a single goroutine reading off a bounded mailbox, so a
// partition's nonces are assigned in the same order its store is written.
type Producer struct {
	mailbox chan produceJob
	store   *Store
	seq     *Sequencer
	log     *slog.Logger
	rng     *rand.Rand
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewProducer starts the actor's goroutine and returns the Producer handle.
func NewProducer(store *Store, seq *Sequencer, log *slog.Logger) *Producer {
	p := &Producer{
		mailbox: make(chan produceJob, producerMailboxSize),
		store:   store,
		seq:     seq,
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// TrySend enqueues a publish job and blocks for its result, but never
// blocks on mailbox capacity: a full mailbox returns ErrMailboxFull
// immediately (spec.md §7, §8 invariant on backpressure). Once the
// partition has been stopped it returns ErrPartitionClosed instead of
// risking a send on the closed mailbox channel.
func (p *Producer) TrySend(env Envelope) (uint64, error) {
	if p.closed.Load() {
		return 0, ErrPartitionClosed
	}
	job := produceJob{env: env, resultCh: make(chan produceResult, 1)}
	select {
	case p.mailbox <- job:
	default:
		return 0, ErrMailboxFull
	}
	res := <-job.resultCh
	return res.nonce, res.err
}

// Stop marks the producer closed, then closes the mailbox and waits for
// every already-enqueued job to be written before returning, so a graceful
// shutdown never drops an acknowledged publish (spec.md §4.3 "flush on
// shutdown").
func (p *Producer) Stop() {
	p.closed.Store(true)
	close(p.mailbox)
	p.wg.Wait()
}

func (p *Producer) run() {
	defer p.wg.Done()
	for job := range p.mailbox {
		nonce := p.seq.Next()
		env := job.env
		env.Nonce = nonce
		err := p.store.Write(env)
		if err != nil {
			p.log.Error("produce_write_failed", slog.String("topic", env.Topic), slog.Uint64("nonce", nonce), slog.Any("err", err))
		}
		job.resultCh <- produceResult{nonce: nonce, err: err}
		time.Sleep(p.pace())
	}
}

func (p *Producer) pace() time.Duration {
	span := producePaceMax - producePaceMin
	return producePaceMin + time.Duration(p.rng.Int63n(int64(span)+1))
}
