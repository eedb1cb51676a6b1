package broker

import (
	"io"
	"log/slog"
	"testing"

	"go.etcd.io/bbolt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(t.TempDir(), 0, testLogger())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreWriteAndScan(t *testing.T) {
	s := openTestStore(t)

	for i, uid := range []string{"u1", "u2", "u3"} {
		nonce := uint64(i + 1)
		env := Envelope{Topic: "orders", UID: uid, Payload: "payload-" + uid, Nonce: nonce}
		if err := s.Write(env); err != nil {
			t.Fatalf("Write(%s): %v", uid, err)
		}
	}

	var got []uint64
	err := s.RangeScan("orders", 0, func(nonce uint64, payload []byte) bool {
		got = append(got, nonce)
		return true
	})
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("scanned %d records, want 3", len(got))
	}
	for i, nonce := range got {
		if nonce != uint64(i+1) {
			t.Fatalf("scan order[%d] = %d, want %d", i, nonce, i+1)
		}
	}
}

func TestStoreScanFromOffsetIsPrefixConsistent(t *testing.T) {
	s := openTestStore(t)
	for i := 1; i <= 5; i++ {
		if err := s.Write(Envelope{Topic: "t", UID: "u", Nonce: uint64(i)}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	var fromZero, fromThree []uint64
	s.RangeScan("t", 0, func(nonce uint64, payload []byte) bool {
		fromZero = append(fromZero, nonce)
		return true
	})
	s.RangeScan("t", 3, func(nonce uint64, payload []byte) bool {
		fromThree = append(fromThree, nonce)
		return true
	})

	if len(fromThree) != 3 {
		t.Fatalf("scan from 3 = %v, want 3 entries", fromThree)
	}
	tail := fromZero[len(fromZero)-len(fromThree):]
	for i := range fromThree {
		if fromThree[i] != tail[i] {
			t.Fatalf("scan from 3 diverges from tail of full scan: %v vs %v", fromThree, tail)
		}
	}
}

func TestStoreLookupNonce(t *testing.T) {
	s := openTestStore(t)
	if err := s.Write(Envelope{Topic: "t", UID: "u1", Payload: "p", Nonce: 7}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	nonce, ok, err := s.LookupNonce(dataKey("t", "u1"))
	if err != nil || !ok {
		t.Fatalf("LookupNonce: nonce=%d ok=%v err=%v", nonce, ok, err)
	}
	if nonce != 7 {
		t.Fatalf("LookupNonce = %d, want 7", nonce)
	}
	if _, ok, _ := s.LookupNonce("missing-key"); ok {
		t.Fatal("LookupNonce found a key that was never written")
	}
}

func TestStoreHighWaterMark(t *testing.T) {
	s := openTestStore(t)
	for i := 1; i <= 4; i++ {
		if err := s.Write(Envelope{Topic: "t", UID: "u", Nonce: uint64(i)}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	hwm, err := s.HighWaterMark()
	if err != nil {
		t.Fatalf("HighWaterMark: %v", err)
	}
	if hwm != 4 {
		t.Fatalf("HighWaterMark = %d, want 4", hwm)
	}
}

func TestStoreTrimRemovesOldDayAndIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	for i := 1; i <= 3; i++ {
		if err := s.Write(Envelope{Topic: "t", UID: "old", Nonce: uint64(i)}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	// Backdate the day pivot directly, simulating messages written two
	// days ago (spec.md §8 S4).
	oldDay := dayKeyForCutoff(1)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDayIdx).Put(oldDay, encodeNonce(3))
	})
	if err != nil {
		t.Fatalf("backdate day_idx: %v", err)
	}

	removed, err := s.Trim(oldDay)
	if err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if removed != 3 {
		t.Fatalf("Trim removed %d records, want 3", removed)
	}

	var remaining []uint64
	s.RangeScan("t", 0, func(nonce uint64, payload []byte) bool {
		remaining = append(remaining, nonce)
		return true
	})
	if len(remaining) != 0 {
		t.Fatalf("records remain after trim: %v", remaining)
	}

	removedAgain, err := s.Trim(oldDay)
	if err != nil {
		t.Fatalf("second Trim: %v", err)
	}
	if removedAgain != 0 {
		t.Fatalf("second Trim removed %d, want 0 (idempotent)", removedAgain)
	}
}

func TestStoreReconcileDropsDanglingRangeEntry(t *testing.T) {
	s := openTestStore(t)
	if err := s.Write(Envelope{Topic: "t", UID: "u1", Payload: "p", Nonce: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Simulate a crash between range_idx and data: delete the data
	// entry directly, leaving range_idx/main_idx/nonce_idx dangling.
	dk := []byte(dataKey("t", "u1"))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketData).Delete(dk)
	})
	if err != nil {
		t.Fatalf("simulate crash: %v", err)
	}

	removed, err := s.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Reconcile removed %d entries, want 1", removed)
	}

	hwm, err := s.HighWaterMark()
	if err != nil {
		t.Fatalf("HighWaterMark: %v", err)
	}
	if hwm != 0 {
		t.Fatalf("HighWaterMark after reconcile = %d, want 0", hwm)
	}
}
