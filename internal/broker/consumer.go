package broker

import (
	"log/slog"
	"sync"
	"time"
)

// Session is the minimal surface the consumer actor needs from a transport
// session (implemented by the WebSocket session in C7): a non-blocking
// attempt to hand the session one more outbound frame. The consumer holds
// only this handle, never the dispatcher or the session's connection, so
// there is no reference cycle back to the transport (spec.md §9 "weak
// handles").
type Session interface {
	TrySend(frame []byte) bool
}

// Adaptive tick intervals for the consumer's scan loop (spec.md §4.4): long
// when there is nothing to watch, short right after a delivery (more is
// probably waiting), middling otherwise.
const (
	tickEmpty     = 500 * time.Millisecond
	tickDelivered = 100 * time.Millisecond
	tickIdle      = 200 * time.Millisecond
)

// registration is the per-client state spec.md §4.4 describes as
// map<client_id, {socket, topics, offset}>: one shared offset cursor
// across every topic the client has subscribed to.
type registration struct {
	clientID string
	session  Session
	topics   []string
	offset   uint64
}

type cmdKind int

const (
	cmdRegister cmdKind = iota
	cmdClear
)

type consumerCmd struct {
	kind     cmdKind
	clientID string
	session  Session
	topics   []string
	offset   uint64
	done     chan struct{}
}

// Consumer is the per-partition actor (C4) that periodically scans each
// registered client forward through the store and pushes new records to
// its session, honoring the session's own backpressure (spec.md §4.4,
// §8 S4).
type Consumer struct {
	store *Store
	cmdCh chan consumerCmd
	stop  chan struct{}
	log   *slog.Logger
	wg    sync.WaitGroup

	regs map[string]*registration
}

// NewConsumer starts the actor's goroutine and returns the Consumer handle.
func NewConsumer(store *Store, log *slog.Logger) *Consumer {
	c := &Consumer{
		store: store,
		cmdCh: make(chan consumerCmd, 256),
		stop:  make(chan struct{}),
		log:   log,
		regs:  make(map[string]*registration),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Register upserts a client's registration: the socket and offset are
// replaced, and topics are *extended* onto the front of the existing list
// rather than replacing it (spec.md §9 Open Question #3, preserved as
// intentional behaviour). Duplicate topics are harmless: a scan at a
// given offset is idempotent.
func (c *Consumer) Register(clientID string, session Session, topics []string, offset uint64) {
	done := make(chan struct{})
	c.cmdCh <- consumerCmd{kind: cmdRegister, clientID: clientID, session: session, topics: topics, offset: offset, done: done}
	<-done
}

// Clear removes all state held for clientID (spec.md §4.4 "clear").
func (c *Consumer) Clear(clientID string) {
	done := make(chan struct{})
	c.cmdCh <- consumerCmd{kind: cmdClear, clientID: clientID, done: done}
	<-done
}

// Stop halts the scan loop. Outstanding registrations are simply dropped;
// the partition is going down with it.
func (c *Consumer) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Consumer) run() {
	defer c.wg.Done()
	timer := time.NewTimer(tickEmpty)
	defer timer.Stop()
	for {
		select {
		case <-c.stop:
			return
		case cmd := <-c.cmdCh:
			c.applyCmd(cmd)
			close(cmd.done)
		case <-timer.C:
			delivered := c.scanAll()
			timer.Reset(c.nextInterval(delivered))
		}
	}
}

func (c *Consumer) applyCmd(cmd consumerCmd) {
	switch cmd.kind {
	case cmdRegister:
		reg, ok := c.regs[cmd.clientID]
		if !ok {
			c.regs[cmd.clientID] = &registration{
				clientID: cmd.clientID,
				session:  cmd.session,
				topics:   append([]string(nil), cmd.topics...),
				offset:   cmd.offset,
			}
			return
		}
		reg.session = cmd.session
		reg.offset = cmd.offset
		reg.topics = append(append([]string(nil), cmd.topics...), reg.topics...)
	case cmdClear:
		delete(c.regs, cmd.clientID)
	}
}

func (c *Consumer) nextInterval(delivered bool) time.Duration {
	if len(c.regs) == 0 {
		return tickEmpty
	}
	if delivered {
		return tickDelivered
	}
	return tickIdle
}

func (c *Consumer) scanAll() bool {
	delivered := false
	for _, reg := range c.regs {
		for _, topic := range reg.topics {
			any := false
			blocked := false
			var lastNonce uint64
			// payload is already the complete serialized envelope the
			// producer wrote (uid, key and nonce included): forward it
			// to the session untouched rather than reconstruct it
			// (original_source/src/mq/consumer.rs:151-157).
			err := c.store.RangeScan(topic, reg.offset, func(nonce uint64, payload []byte) bool {
				if !reg.session.TrySend(payload) {
					// Session's own mailbox is full: stop scanning this
					// registration, don't advance the offset past this
					// record, retry from the same nonce on the next tick
					// (spec.md §4.4 backpressure rule).
					blocked = true
					return false
				}
				any = true
				lastNonce = nonce
				return true
			})
			if err != nil {
				c.log.Error("consumer_scan_failed", slog.String("topic", topic), slog.Any("err", err))
				continue
			}
			if any {
				if lastNonce+1 > reg.offset {
					reg.offset = lastNonce + 1
				}
				delivered = true
			}
			if blocked {
				break
			}
		}
	}
	return delivered
}
