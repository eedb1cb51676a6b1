package broker

import (
	"testing"
	"time"
)

// TestConsumerBackpressureStopsWithoutAdvancing mirrors spec.md §8 S5: a
// saturated session mailbox stops the scan for that client without
// advancing its offset, so a later, unblocked tick delivers every record
// with no gaps.
func TestConsumerBackpressureStopsWithoutAdvancing(t *testing.T) {
	store := openTestStore(t)
	for i := 1; i <= 5; i++ {
		if err := store.Write(Envelope{Topic: "t", UID: "u", Nonce: uint64(i)}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	c := NewConsumer(store, testLogger())
	defer c.Stop()

	sess := &fakeSession{full: true}
	c.Register("c1", sess, []string{"t"}, 0)

	time.Sleep(700 * time.Millisecond)
	if len(sess.snapshot()) != 0 {
		t.Fatalf("delivered %d frames while session mailbox reports full, want 0", len(sess.snapshot()))
	}

	sess.mu.Lock()
	sess.full = false
	sess.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(sess.snapshot()) < 5 {
		time.Sleep(50 * time.Millisecond)
	}
	if got := len(sess.snapshot()); got != 5 {
		t.Fatalf("delivered %d frames after unblocking, want 5", got)
	}
}

func TestConsumerRegisterExtendsTopicList(t *testing.T) {
	store := openTestStore(t)
	c := NewConsumer(store, testLogger())
	defer c.Stop()

	sess := &fakeSession{}
	c.Register("c1", sess, []string{"a"}, 0)
	c.Register("c1", sess, []string{"b"}, 0)

	reg := c.regs["c1"]
	if reg == nil {
		t.Fatal("registration for c1 missing")
	}
	if len(reg.topics) != 2 {
		t.Fatalf("topics = %v, want 2 entries (extend, not replace)", reg.topics)
	}
}

func TestConsumerClearRemovesRegistration(t *testing.T) {
	store := openTestStore(t)
	c := NewConsumer(store, testLogger())
	defer c.Stop()

	sess := &fakeSession{}
	c.Register("c1", sess, []string{"a"}, 0)
	c.Clear("c1")

	if _, ok := c.regs["c1"]; ok {
		t.Fatal("registration for c1 still present after Clear")
	}
}
